package filter

// Conditions are stored as integers; each field type owns its own closed
// set and the same integer means different things for different types.

type TextCondition int

const (
	TextIs TextCondition = iota
	TextIsNot
	TextContains
	TextDoesNotContain
	TextStartsWith
	TextEndsWith
	TextIsEmpty
	TextIsNotEmpty
)

type NumberCondition int

const (
	NumberEqual NumberCondition = iota
	NumberNotEqual
	NumberGreaterThan
	NumberLessThan
	NumberGreaterThanOrEqualTo
	NumberLessThanOrEqualTo
	NumberIsEmpty
	NumberIsNotEmpty
)

type DateCondition int

const (
	DateStartsOn DateCondition = iota
	DateStartsBefore
	DateStartsAfter
	DateStartsOnOrBefore
	DateStartsOnOrAfter
	DateStartsBetween
	DateStartIsEmpty
	DateStartIsNotEmpty
	DateEndsOn
	DateEndsBefore
	DateEndsAfter
	DateEndsOnOrBefore
	DateEndsOnOrAfter
	DateEndsBetween
	DateEndIsEmpty
	DateEndIsNotEmpty
)

type SelectCondition int

const (
	SelectOptionIs SelectCondition = iota
	SelectOptionIsNot
	SelectOptionContains
	SelectOptionDoesNotContain
	SelectOptionIsEmpty
	SelectOptionIsNotEmpty
)

type CheckboxCondition int

const (
	CheckboxIsChecked CheckboxCondition = iota
	CheckboxIsUnchecked
)

type ChecklistCondition int

const (
	ChecklistIsComplete ChecklistCondition = iota
	ChecklistIsIncomplete
	ChecklistOptionIs
	ChecklistOptionIsNot
	ChecklistIsEmpty
	ChecklistIsNotEmpty
)

type ListCondition int

const (
	ListIsEmpty ListCondition = iota
	ListIsNotEmpty
	ListContains
)

// conditionCount is the size of each type's condition set.
var conditionCount = map[string]int{
	"text":      int(TextIsNotEmpty) + 1,
	"number":    int(NumberIsNotEmpty) + 1,
	"date":      int(DateEndIsNotEmpty) + 1,
	"select":    int(SelectOptionIsNotEmpty) + 1,
	"checkbox":  int(CheckboxIsUnchecked) + 1,
	"checklist": int(ChecklistIsNotEmpty) + 1,
	"list":      int(ListContains) + 1,
}
