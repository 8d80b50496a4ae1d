// Package decoder turns raw cell data into typed values. Decode is the only
// place that interprets a cell's raw string; every other layer works on the
// Value variants defined here.
package decoder

import (
	"fmt"
	"strings"
	"time"

	"collab-sync-server/internal/database"

	"github.com/shopspring/decimal"
)

// Value is a decoded cell. The concrete type is determined by the field
// type the cell is read under.
type Value interface {
	FieldType() database.FieldType
	IsEmpty() bool
	String() string
}

type Text struct {
	Type    database.FieldType
	Content string
}

func (v Text) FieldType() database.FieldType { return v.Type }
func (v Text) IsEmpty() bool                 { return strings.TrimSpace(v.Content) == "" }
func (v Text) String() string                { return v.Content }

type Number struct {
	Value  decimal.Decimal
	Format NumberFormat
	Set    bool
}

func (v Number) FieldType() database.FieldType { return database.FieldNumber }
func (v Number) IsEmpty() bool                 { return !v.Set }

func (v Number) String() string {
	if !v.Set {
		return ""
	}
	return EncodeNumber(v.Format, v.Value)
}

// Date holds unix seconds. Created and last edited time fields decode to
// Date as well.
type Date struct {
	Type        database.FieldType
	Start       int64
	End         int64
	IncludeTime bool
	IsRange     bool
	Set         bool
}

func (v Date) FieldType() database.FieldType { return v.Type }
func (v Date) IsEmpty() bool                 { return !v.Set }

func (v Date) String() string {
	if !v.Set {
		return ""
	}
	layout := "2006-01-02"
	if v.IncludeTime {
		layout = "2006-01-02 15:04"
	}
	s := time.Unix(v.Start, 0).UTC().Format(layout)
	if v.IsRange {
		s += " - " + time.Unix(v.End, 0).UTC().Format(layout)
	}
	return s
}

type Select struct {
	Type     database.FieldType
	Selected []database.SelectOption
}

func (v Select) FieldType() database.FieldType { return v.Type }
func (v Select) IsEmpty() bool                 { return len(v.Selected) == 0 }

func (v Select) String() string {
	names := make([]string, len(v.Selected))
	for i, o := range v.Selected {
		names[i] = o.Name
	}
	return strings.Join(names, ", ")
}

func (v Select) IDs() []string {
	ids := make([]string, len(v.Selected))
	for i, o := range v.Selected {
		ids[i] = o.ID
	}
	return ids
}

// Checkbox is never empty on its own; whether unchecked counts as empty is
// decided by the caller.
type Checkbox struct {
	Checked bool
}

func (v Checkbox) FieldType() database.FieldType { return database.FieldCheckbox }
func (v Checkbox) IsEmpty() bool                 { return false }

func (v Checkbox) String() string {
	if v.Checked {
		return "Yes"
	}
	return "No"
}

type Checklist struct {
	Options           []database.SelectOption
	SelectedOptionIDs []string
	Percentage        decimal.Decimal
}

func (v Checklist) FieldType() database.FieldType { return database.FieldChecklist }
func (v Checklist) IsEmpty() bool                 { return len(v.Options) == 0 }

func (v Checklist) String() string {
	return fmt.Sprintf("%d/%d", v.selectedCount(), len(v.Options))
}

// Complete reports whether every option is selected.
func (v Checklist) Complete() bool {
	return len(v.Options) > 0 && v.selectedCount() == len(v.Options)
}

func (v Checklist) Selected(optionID string) bool {
	for _, id := range v.SelectedOptionIDs {
		if id == optionID {
			return true
		}
	}
	return false
}

func (v Checklist) selectedCount() int {
	n := 0
	for _, o := range v.Options {
		if v.Selected(o.ID) {
			n++
		}
	}
	return n
}

// Time is a duration in seconds.
type Time struct {
	Seconds int64
	Set     bool
}

func (v Time) FieldType() database.FieldType { return database.FieldTime }
func (v Time) IsEmpty() bool                 { return !v.Set }

func (v Time) String() string {
	if !v.Set {
		return ""
	}
	return (time.Duration(v.Seconds) * time.Second).String()
}

// ListItem is one referenced entity of a relation, person, media or rollup
// cell.
type ListItem struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

type List struct {
	Type  database.FieldType
	Items []ListItem
}

func (v List) FieldType() database.FieldType { return v.Type }
func (v List) IsEmpty() bool                 { return len(v.Items) == 0 }

func (v List) String() string {
	parts := make([]string, len(v.Items))
	for i, it := range v.Items {
		parts[i] = it.label()
	}
	return strings.Join(parts, ", ")
}

func (it ListItem) label() string {
	if it.Name != "" {
		return it.Name
	}
	return it.ID
}
