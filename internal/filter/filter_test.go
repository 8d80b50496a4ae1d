package filter

import (
	"testing"

	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t database.FieldType, raw string, opts database.TypeOption) decoder.Value {
	return decoder.Decode(t, raw, opts)
}

func TestChecklistOptionIsMatchesByName(t *testing.T) {
	raw := `{"options":[{"id":"c1","name":"Alpha"},{"id":"c2","name":"Beta"}],"selected_option_ids":["c1"]}`
	v := decode(database.FieldChecklist, raw, nil)

	assert.True(t, Matches(database.FieldChecklist, v, int(ChecklistOptionIs), `[{"id":"opt1","name":"Alpha"}]`))
	assert.True(t, Matches(database.FieldChecklist, v, int(ChecklistOptionIs), "c1"))
	assert.False(t, Matches(database.FieldChecklist, v, int(ChecklistOptionIs), "Beta"))
	assert.True(t, Matches(database.FieldChecklist, v, int(ChecklistOptionIsNot), "Beta"))
	assert.True(t, Matches(database.FieldChecklist, v, int(ChecklistIsIncomplete), ""))
	assert.True(t, Matches(database.FieldChecklist, v, int(ChecklistIsNotEmpty), ""))
}

func TestTextConditions(t *testing.T) {
	v := decode(database.FieldRichText, "Hello World", nil)
	tests := []struct {
		cond    TextCondition
		content string
		want    bool
	}{
		{TextIs, "hello world", true},
		{TextIsNot, "hello", true},
		{TextContains, "lo wo", true},
		{TextDoesNotContain, "xyz", true},
		{TextStartsWith, "HELLO", true},
		{TextEndsWith, "world", true},
		{TextEndsWith, "hello", false},
		{TextIsEmpty, "", false},
		{TextIsNotEmpty, "", true},
		{TextIs, "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Matches(database.FieldRichText, v, int(tt.cond), tt.content), "%d %q", tt.cond, tt.content)
	}
}

func TestNumberConditions(t *testing.T) {
	v := decode(database.FieldNumber, "10", nil)
	empty := decode(database.FieldNumber, "", nil)

	assert.True(t, Matches(database.FieldNumber, v, int(NumberEqual), "10.0"))
	assert.True(t, Matches(database.FieldNumber, v, int(NumberGreaterThan), "9"))
	assert.False(t, Matches(database.FieldNumber, v, int(NumberLessThan), "9"))
	assert.True(t, Matches(database.FieldNumber, v, int(NumberLessThanOrEqualTo), "10"))
	assert.True(t, Matches(database.FieldNumber, v, int(NumberEqual), "not a number"))
	assert.False(t, Matches(database.FieldNumber, empty, int(NumberGreaterThan), "1"))
	assert.True(t, Matches(database.FieldNumber, empty, int(NumberIsEmpty), ""))
}

func TestDateConditions(t *testing.T) {
	// 2024-05-01 12:00 UTC through 2024-05-03 12:00 UTC
	v := decode(database.FieldDateTime, `{"timestamp":1714564800,"end_timestamp":1714737600,"is_range":true}`, nil)
	may1 := "1714521600"
	may2 := "1714608000"

	assert.True(t, Matches(database.FieldDateTime, v, int(DateStartsOn), may1))
	assert.True(t, Matches(database.FieldDateTime, v, int(DateStartsBefore), may2))
	assert.False(t, Matches(database.FieldDateTime, v, int(DateStartsAfter), may2))
	assert.True(t, Matches(database.FieldDateTime, v, int(DateEndsAfter), may2))
	assert.True(t, Matches(database.FieldDateTime, v, int(DateStartsBetween), `{"start":1714521600,"end":1714608000}`))
	assert.True(t, Matches(database.FieldDateTime, v, int(DateEndIsNotEmpty), ""))

	single := decode(database.FieldDateTime, "1714564800", nil)
	assert.True(t, Matches(database.FieldDateTime, single, int(DateEndIsEmpty), ""))
}

func TestSelectConditions(t *testing.T) {
	opts := database.TypeOption{"options": []any{
		map[string]any{"id": "a", "name": "A"},
		map[string]any{"id": "b", "name": "B"},
		map[string]any{"id": "c", "name": "C"},
	}}
	single := decode(database.FieldSingleSelect, "a", opts)
	assert.True(t, Matches(database.FieldSingleSelect, single, int(SelectOptionIs), "a,b"))
	assert.False(t, Matches(database.FieldSingleSelect, single, int(SelectOptionIs), "b,c"))
	assert.True(t, Matches(database.FieldSingleSelect, single, int(SelectOptionIsNot), "c"))

	multi := decode(database.FieldMultiSelect, "a,b", opts)
	assert.True(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionIs), "b,a"))
	assert.True(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionIs), "a"))
	assert.False(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionIs), "c"))
	assert.False(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionIsNot), "c,b"))
	assert.True(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionContains), "c,b"))
	assert.True(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionDoesNotContain), "c"))
	assert.False(t, Matches(database.FieldMultiSelect, multi, int(SelectOptionIsEmpty), ""))
}

func TestMultiSelectOperandsCombineWithOr(t *testing.T) {
	opts := database.TypeOption{"options": []any{
		map[string]any{"id": "a", "name": "A"},
		map[string]any{"id": "b", "name": "B"},
	}}
	tests := []struct {
		name      string
		cell      string
		condition SelectCondition
		content   string
		want      bool
	}{
		{"is a or b, cell a", "a", SelectOptionIs, "a,b", true},
		{"is b, cell a", "a", SelectOptionIs, "b", false},
		{"is not a or b, cell a", "a", SelectOptionIsNot, "a,b", false},
		{"is not b, cell a", "a", SelectOptionIsNot, "b", true},
		{"is a or b, empty cell", "", SelectOptionIs, "a,b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := decode(database.FieldMultiSelect, tt.cell, opts)
			assert.Equal(t, tt.want, Matches(database.FieldMultiSelect, v, int(tt.condition), tt.content))
		})
	}
}

func TestCheckboxAndListConditions(t *testing.T) {
	checked := decode(database.FieldCheckbox, "Yes", nil)
	assert.True(t, Matches(database.FieldCheckbox, checked, int(CheckboxIsChecked), ""))
	assert.False(t, Matches(database.FieldCheckbox, checked, int(CheckboxIsUnchecked), ""))

	people := decode(database.FieldPerson, "alice,bob", nil)
	assert.True(t, Matches(database.FieldPerson, people, int(ListContains), "BOB"))
	assert.False(t, Matches(database.FieldPerson, people, int(ListContains), "carol"))
	assert.True(t, Matches(database.FieldPerson, people, int(ListIsNotEmpty), ""))
}

func TestInvalidConditionIncludes(t *testing.T) {
	v := decode(database.FieldCheckbox, "No", nil)
	assert.True(t, Matches(database.FieldCheckbox, v, 7, ""))
	assert.True(t, Matches(database.FieldCheckbox, v, -1, ""))

	text := decode(database.FieldRichText, "x", nil)
	assert.True(t, Matches(database.FieldNumber, text, int(NumberEqual), "1"))
	assert.True(t, Matches(database.FieldRichText, nil, int(TextIs), "y"))
}

func TestEvaluatorDegradesOnStaleFilters(t *testing.T) {
	db := database.New(crdt.NewDoc("db", crdt.WithClientID(1)))
	viewID, err := db.Bootstrap()
	require.NoError(t, err)
	v, _ := db.View(viewID)
	row, ok := db.Row(v.RowOrders[0].ID)
	require.True(t, ok)

	name := db.Fields()[0]
	require.NoError(t, db.UpdateCell(row.ID(), name.ID, "apple"))

	fields := make(map[string]database.Field)
	for _, f := range db.Fields() {
		fields[f.ID] = f
	}
	e := NewEvaluator(nil)

	deleted := []database.Filter{{FieldID: "gone", FieldType: database.FieldRichText, Condition: int(TextIs), Content: "zzz"}}
	assert.True(t, e.Include(fields, deleted, row))

	retyped := []database.Filter{{FieldID: name.ID, FieldType: database.FieldNumber, Condition: int(NumberEqual), Content: "3"}}
	assert.True(t, e.Include(fields, retyped, row))

	both := []database.Filter{
		{FieldID: name.ID, FieldType: database.FieldRichText, Condition: int(TextContains), Content: "app"},
		{FieldID: name.ID, FieldType: database.FieldRichText, Condition: int(TextEndsWith), Content: "x"},
	}
	assert.False(t, e.Include(fields, both, row))
	assert.True(t, e.Include(fields, both[:1], row))
}
