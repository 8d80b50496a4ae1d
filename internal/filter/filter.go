// Package filter evaluates view filters against decoded cells. Evaluation
// never fails: a filter that cannot be applied includes the row.
package filter

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"

	"github.com/shopspring/decimal"
)

func group(t database.FieldType) string {
	switch t {
	case database.FieldRichText, database.FieldURL, database.FieldSummary, database.FieldTranslate:
		return "text"
	case database.FieldNumber, database.FieldTime:
		return "number"
	case database.FieldDateTime, database.FieldCreatedTime, database.FieldLastEditedTime:
		return "date"
	case database.FieldSingleSelect, database.FieldMultiSelect:
		return "select"
	case database.FieldCheckbox:
		return "checkbox"
	case database.FieldChecklist:
		return "checklist"
	case database.FieldRelation, database.FieldPerson, database.FieldMedia, database.FieldRollup:
		return "list"
	}
	return ""
}

// Valid reports whether condition belongs to the condition set of t.
func Valid(t database.FieldType, condition int) bool {
	n, ok := conditionCount[group(t)]
	return ok && condition >= 0 && condition < n
}

// Matches evaluates one condition. Values whose type does not match t and
// conditions outside t's set yield true.
func Matches(t database.FieldType, v decoder.Value, condition int, content string) bool {
	if v == nil || !Valid(t, condition) || v.FieldType() != t {
		return true
	}
	switch v := v.(type) {
	case decoder.Text:
		return matchText(v.Content, TextCondition(condition), content)
	case decoder.Number:
		return matchNumber(v.Value, v.Set, NumberCondition(condition), content)
	case decoder.Time:
		return matchNumber(decimal.NewFromInt(v.Seconds), v.Set, NumberCondition(condition), content)
	case decoder.Date:
		return matchDate(v, DateCondition(condition), content)
	case decoder.Select:
		return matchSelect(v, SelectCondition(condition), content)
	case decoder.Checkbox:
		return (CheckboxCondition(condition) == CheckboxIsChecked) == v.Checked
	case decoder.Checklist:
		return matchChecklist(v, ChecklistCondition(condition), content)
	case decoder.List:
		return matchList(v, ListCondition(condition), content)
	}
	return true
}

func matchText(cell string, c TextCondition, content string) bool {
	cell = strings.ToLower(strings.TrimSpace(cell))
	switch c {
	case TextIsEmpty:
		return cell == ""
	case TextIsNotEmpty:
		return cell != ""
	}
	operand := strings.ToLower(strings.TrimSpace(content))
	if operand == "" {
		return true
	}
	switch c {
	case TextIs:
		return cell == operand
	case TextIsNot:
		return cell != operand
	case TextContains:
		return strings.Contains(cell, operand)
	case TextDoesNotContain:
		return !strings.Contains(cell, operand)
	case TextStartsWith:
		return strings.HasPrefix(cell, operand)
	case TextEndsWith:
		return strings.HasSuffix(cell, operand)
	}
	return true
}

func matchNumber(cell decimal.Decimal, set bool, c NumberCondition, content string) bool {
	switch c {
	case NumberIsEmpty:
		return !set
	case NumberIsNotEmpty:
		return set
	}
	operand, ok := decoder.DecodeNumber(decoder.FormatNum, content)
	if !ok {
		return true
	}
	if !set {
		return c == NumberNotEqual
	}
	cmp := cell.Cmp(operand)
	switch c {
	case NumberEqual:
		return cmp == 0
	case NumberNotEqual:
		return cmp != 0
	case NumberGreaterThan:
		return cmp > 0
	case NumberLessThan:
		return cmp < 0
	case NumberGreaterThanOrEqualTo:
		return cmp >= 0
	case NumberLessThanOrEqualTo:
		return cmp <= 0
	}
	return true
}

type dateOperand struct {
	Timestamp int64 `json:"timestamp"`
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
}

// parseDateOperand accepts unix seconds or {"timestamp"} / {"start","end"}.
func parseDateOperand(content string) (start, end int64, ok bool) {
	content = strings.TrimSpace(content)
	if n, err := strconv.ParseInt(content, 10, 64); err == nil {
		return n, n, true
	}
	var op dateOperand
	if err := json.Unmarshal([]byte(content), &op); err != nil {
		return 0, 0, false
	}
	if op.Start == 0 && op.End == 0 {
		return op.Timestamp, op.Timestamp, op.Timestamp != 0
	}
	return op.Start, op.End, true
}

// day truncates unix seconds to the UTC day.
func day(ts int64) int64 {
	return time.Unix(ts, 0).UTC().Truncate(24 * time.Hour).Unix()
}

func matchDate(v decoder.Date, c DateCondition, content string) bool {
	ts, set := v.Start, v.Set
	if c >= DateEndsOn {
		c -= DateEndsOn
		ts, set = v.End, v.Set && v.IsRange
	}
	switch c {
	case DateStartIsEmpty:
		return !set
	case DateStartIsNotEmpty:
		return set
	}
	start, end, ok := parseDateOperand(content)
	if !ok {
		return true
	}
	if !set {
		return false
	}
	d := day(ts)
	switch c {
	case DateStartsOn:
		return d == day(start)
	case DateStartsBefore:
		return d < day(start)
	case DateStartsAfter:
		return d > day(start)
	case DateStartsOnOrBefore:
		return d <= day(start)
	case DateStartsOnOrAfter:
		return d >= day(start)
	case DateStartsBetween:
		return d >= day(start) && d <= day(end)
	}
	return true
}

func operandIDs(content string) []string {
	var ids []string
	for _, s := range strings.Split(content, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

func matchSelect(v decoder.Select, c SelectCondition, content string) bool {
	switch c {
	case SelectOptionIsEmpty:
		return v.IsEmpty()
	case SelectOptionIsNotEmpty:
		return !v.IsEmpty()
	}
	operands := operandIDs(content)
	if len(operands) == 0 {
		return true
	}
	selected := make(map[string]bool)
	for _, id := range v.IDs() {
		selected[id] = true
	}
	hit := false
	for _, id := range operands {
		if selected[id] {
			hit = true
			break
		}
	}
	switch c {
	case SelectOptionIs, SelectOptionContains:
		return hit
	case SelectOptionIsNot, SelectOptionDoesNotContain:
		return !hit
	}
	return true
}

// checklistOperands accepts a JSON list of options or comma separated ids
// or names.
func checklistOperands(content string) []database.SelectOption {
	var opts []database.SelectOption
	if err := json.Unmarshal([]byte(content), &opts); err == nil {
		return opts
	}
	for _, s := range operandIDs(content) {
		opts = append(opts, database.SelectOption{ID: s, Name: s})
	}
	return opts
}

func matchChecklist(v decoder.Checklist, c ChecklistCondition, content string) bool {
	switch c {
	case ChecklistIsComplete:
		return v.Complete()
	case ChecklistIsIncomplete:
		return !v.Complete()
	case ChecklistIsEmpty:
		return v.IsEmpty()
	case ChecklistIsNotEmpty:
		return !v.IsEmpty()
	}
	operands := checklistOperands(content)
	if len(operands) == 0 {
		return true
	}
	hit := false
	for _, o := range v.Options {
		if !v.Selected(o.ID) {
			continue
		}
		for _, op := range operands {
			if op.ID == o.ID || (op.Name != "" && strings.EqualFold(op.Name, o.Name)) {
				hit = true
			}
		}
	}
	if c == ChecklistOptionIsNot {
		return !hit
	}
	return hit
}

func matchList(v decoder.List, c ListCondition, content string) bool {
	switch c {
	case ListIsEmpty:
		return v.IsEmpty()
	case ListIsNotEmpty:
		return !v.IsEmpty()
	}
	operands := operandIDs(strings.ToLower(content))
	if len(operands) == 0 {
		return true
	}
	for _, it := range v.Items {
		for _, op := range operands {
			if strings.Contains(strings.ToLower(it.ID), op) || strings.Contains(strings.ToLower(it.Name), op) {
				return true
			}
		}
	}
	return false
}
