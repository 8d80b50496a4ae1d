package decoder

import (
	"strings"

	"github.com/shopspring/decimal"
)

type SortKind int

const (
	SortEmpty SortKind = iota
	SortNumber
	SortText
)

// SortKey is a single totally ordered scalar derived from a value, used by
// sorting and range filters instead of the display form.
type SortKey struct {
	Kind   SortKind
	Number decimal.Decimal
	Text   string
}

// Compare orders numbers before text; empty keys compare equal to each
// other and greater than everything else.
func (k SortKey) Compare(o SortKey) int {
	if k.Kind != o.Kind {
		switch {
		case k.Kind == SortEmpty:
			return 1
		case o.Kind == SortEmpty:
			return -1
		case k.Kind < o.Kind:
			return -1
		default:
			return 1
		}
	}
	switch k.Kind {
	case SortNumber:
		return k.Number.Cmp(o.Number)
	case SortText:
		return strings.Compare(k.Text, o.Text)
	}
	return 0
}

func numberKey(d decimal.Decimal) SortKey {
	return SortKey{Kind: SortNumber, Number: d}
}

func textKey(s string) SortKey {
	if s == "" {
		return SortKey{}
	}
	return SortKey{Kind: SortText, Text: strings.ToLower(s)}
}

// ForSort derives the sort scalar of a value. A checkbox sorts by 0/1. A
// checklist sorts by its completion percentage, so one with options and
// nothing selected is 0; a checklist without options has no data and sorts
// with the empty cells, matching Checklist.IsEmpty.
func ForSort(v Value) SortKey {
	switch v := v.(type) {
	case Number:
		if !v.Set {
			return SortKey{}
		}
		return numberKey(v.Value)
	case Date:
		if !v.Set {
			return SortKey{}
		}
		return numberKey(decimal.NewFromInt(v.Start))
	case Time:
		if !v.Set {
			return SortKey{}
		}
		return numberKey(decimal.NewFromInt(v.Seconds))
	case Checkbox:
		if v.Checked {
			return numberKey(decimal.NewFromInt(1))
		}
		return numberKey(decimal.Zero)
	case Checklist:
		if v.IsEmpty() {
			return SortKey{}
		}
		return numberKey(v.Percentage)
	case nil:
		return SortKey{}
	}
	return textKey(v.String())
}
