package database

import (
	"strconv"

	"collab-sync-server/internal/crdt"
)

type FieldType int

const (
	FieldRichText FieldType = iota
	FieldNumber
	FieldDateTime
	FieldSingleSelect
	FieldMultiSelect
	FieldCheckbox
	FieldURL
	FieldChecklist
	FieldLastEditedTime
	FieldCreatedTime
	FieldRelation
	FieldSummary
	FieldTranslate
	FieldTime
	FieldMedia
	FieldPerson
	FieldRollup
)

var fieldTypeNames = map[FieldType]string{
	FieldRichText:       "rich_text",
	FieldNumber:         "number",
	FieldDateTime:       "date_time",
	FieldSingleSelect:   "single_select",
	FieldMultiSelect:    "multi_select",
	FieldCheckbox:       "checkbox",
	FieldURL:            "url",
	FieldChecklist:      "checklist",
	FieldLastEditedTime: "last_edited_time",
	FieldCreatedTime:    "created_time",
	FieldRelation:       "relation",
	FieldSummary:        "summary",
	FieldTranslate:      "translate",
	FieldTime:           "time",
	FieldMedia:          "media",
	FieldPerson:         "person",
	FieldRollup:         "rollup",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

func (t FieldType) Valid() bool {
	_, ok := fieldTypeNames[t]
	return ok
}

// optionKey is the key of this type's option blob inside a field's
// type_options map.
func (t FieldType) optionKey() string {
	return strconv.Itoa(int(t))
}

// IsText reports types whose cell data is plain text.
func (t FieldType) IsText() bool {
	switch t {
	case FieldRichText, FieldURL, FieldSummary, FieldTranslate:
		return true
	}
	return false
}

func (t FieldType) IsDate() bool {
	switch t {
	case FieldDateTime, FieldLastEditedTime, FieldCreatedTime:
		return true
	}
	return false
}

func (t FieldType) IsSelect() bool {
	return t == FieldSingleSelect || t == FieldMultiSelect
}

// TypeOption is the raw option blob of one field type, e.g. a select
// option list or a number format.
type TypeOption map[string]any

type Field struct {
	ID          string
	Name        string
	Type        FieldType
	IsPrimary   bool
	TypeOptions map[string]TypeOption
	Revision    crdt.Revision
}

// TypeOption returns the option blob for the field's current type.
func (f Field) TypeOption() TypeOption {
	if to, ok := f.TypeOptions[f.Type.optionKey()]; ok {
		return to
	}
	return TypeOption{}
}

// Cell is the raw content of one cell and the field type it was written
// under.
type Cell struct {
	FieldType       FieldType
	Data            string
	SourceFieldType *FieldType
	LastModified    int64
	Revision        crdt.Revision
}

type Layout int

const (
	LayoutGrid Layout = iota
	LayoutBoard
	LayoutCalendar
)

type RowOrder struct {
	ID     string
	Height int64
}

type Filter struct {
	ID        string
	FieldID   string
	FieldType FieldType
	Condition int
	Content   string
}

type SortCondition int

const (
	SortAscending SortCondition = iota
	SortDescending
)

type Sort struct {
	ID        string
	FieldID   string
	Condition SortCondition
}

type Calculation struct {
	ID      string
	FieldID string
	Type    int
	Value   string
}

// View is a read model of one database view.
type View struct {
	ID           string
	Name         string
	Layout       Layout
	RowOrders    []RowOrder
	FieldOrders  []string
	Filters      []Filter
	Sorts        []Sort
	Calculations []Calculation
	Revision     crdt.Revision
}

type RowMeta struct {
	IconURL         string
	CoverURL        string
	DocumentID      string
	IsDocumentEmpty bool
}
