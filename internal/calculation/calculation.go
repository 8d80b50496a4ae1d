// Package calculation computes column aggregates over decoded cells using
// decimal arithmetic. Results are serialized as strings.
package calculation

import (
	"sort"
	"strconv"

	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"

	"github.com/shopspring/decimal"
)

type Type int

const (
	Average Type = iota
	Max
	Median
	Min
	Sum
	Count
	CountEmpty
	CountNonEmpty
)

var typeNames = map[Type]string{
	Average:       "average",
	Max:           "max",
	Median:        "median",
	Min:           "min",
	Sum:           "sum",
	Count:         "count",
	CountEmpty:    "count_empty",
	CountNonEmpty: "count_non_empty",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Numeric reports whether t needs numeric values.
func (t Type) Numeric() bool {
	switch t {
	case Average, Max, Median, Min, Sum:
		return true
	}
	return false
}

// Policy holds the conventions that differ between callers.
type Policy struct {
	// CheckboxUncheckedIsEmpty makes unchecked checkboxes count as empty.
	// By default both states are non-empty.
	CheckboxUncheckedIsEmpty bool
}

type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Aggregate computes typ over values of a column of type t. The boolean is
// false when there is no result, e.g. the minimum of a column without any
// numeric value or an unknown calculation type.
func (e *Engine) Aggregate(t database.FieldType, typ Type, values []decoder.Value) (string, bool) {
	switch typ {
	case Count:
		return strconv.Itoa(len(values)), true
	case CountEmpty, CountNonEmpty:
		n := 0
		for _, v := range values {
			if e.empty(v) == (typ == CountEmpty) {
				n++
			}
		}
		return strconv.Itoa(n), true
	}
	if !typ.Valid() {
		return "", false
	}

	nums := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		if d, ok := numeric(v); ok {
			nums = append(nums, d)
		}
	}
	if typ == Sum {
		return decimal.Sum(decimal.Zero, nums...).String(), true
	}
	if len(nums) == 0 {
		return "", false
	}
	switch typ {
	case Average:
		return decimal.Avg(nums[0], nums[1:]...).String(), true
	case Max:
		return decimal.Max(nums[0], nums[1:]...).String(), true
	case Min:
		return decimal.Min(nums[0], nums[1:]...).String(), true
	case Median:
		return median(nums).String(), true
	}
	return "", false
}

// AggregateRaw decodes raw cell data under t and aggregates it.
func (e *Engine) AggregateRaw(t database.FieldType, typ Type, raws []string, opts database.TypeOption) (string, bool) {
	values := make([]decoder.Value, len(raws))
	for i, raw := range raws {
		values[i] = decoder.Decode(t, raw, opts)
	}
	return e.Aggregate(t, typ, values)
}

func (e *Engine) empty(v decoder.Value) bool {
	switch v := v.(type) {
	case nil:
		return true
	case decoder.Checkbox:
		return e.policy.CheckboxUncheckedIsEmpty && !v.Checked
	case decoder.Checklist:
		return !v.Complete()
	}
	return v.IsEmpty()
}

func numeric(v decoder.Value) (decimal.Decimal, bool) {
	switch v := v.(type) {
	case decoder.Number:
		return v.Value, v.Set
	case decoder.Time:
		return decimal.NewFromInt(v.Seconds), v.Set
	}
	return decimal.Zero, false
}

func median(nums []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
