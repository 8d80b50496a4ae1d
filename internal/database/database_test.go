package database

import (
	"testing"
	"time"

	"collab-sync-server/internal/crdt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newDatabase(t *testing.T) (*Database, string) {
	t.Helper()
	db := New(crdt.NewDoc("db-1", crdt.WithClientID(1)), WithClock(fixedClock()))
	viewID, err := db.Bootstrap()
	require.NoError(t, err)
	return db, viewID
}

func TestBootstrapCreatesDefaultLayout(t *testing.T) {
	db, viewID := newDatabase(t)

	fields := db.Fields()
	require.Len(t, fields, 3)
	assert.True(t, fields[0].IsPrimary)
	assert.Equal(t, "Name", fields[0].Name)

	v, ok := db.View(viewID)
	require.True(t, ok)
	assert.Equal(t, "Grid", v.Name)
	assert.Len(t, v.RowOrders, 3)
	assert.Len(t, v.FieldOrders, 3)
	assert.Len(t, db.AttachedRows(), 3)
}

func TestCreateViewCopiesOrders(t *testing.T) {
	db, _ := newDatabase(t)

	id, err := db.CreateView("Board", LayoutBoard)
	require.NoError(t, err)

	v, ok := db.View(id)
	require.True(t, ok)
	assert.Equal(t, LayoutBoard, v.Layout)
	assert.Len(t, v.RowOrders, 3)
	assert.Len(t, v.FieldOrders, 3)
}

func TestUpdateCellTracksSourceType(t *testing.T) {
	db, viewID := newDatabase(t)
	v, _ := db.View(viewID)
	rowID := v.RowOrders[0].ID

	f, err := db.CreateField(FieldParams{Name: "Amount", Type: FieldRichText})
	require.NoError(t, err)
	require.NoError(t, db.UpdateCell(rowID, f.ID, "42"))

	require.NoError(t, db.ChangeFieldType(f.ID, FieldNumber))
	f, _ = db.Field(f.ID)
	require.NoError(t, db.UpdateCell(rowID, f.ID, "43"))

	row, ok := db.Row(rowID)
	require.True(t, ok)
	cell, ok := row.Cell(f)
	require.True(t, ok)
	assert.Equal(t, "43", cell.Data)
	assert.Equal(t, FieldNumber, cell.FieldType)
	require.NotNil(t, cell.SourceFieldType)
	assert.Equal(t, FieldRichText, *cell.SourceFieldType)
}

func TestClearCell(t *testing.T) {
	db, viewID := newDatabase(t)
	v, _ := db.View(viewID)
	rowID := v.RowOrders[0].ID
	name := db.Fields()[0]

	require.NoError(t, db.UpdateCell(rowID, name.ID, "hello"))
	require.NoError(t, db.ClearCell(rowID, name.ID))

	row, _ := db.Row(rowID)
	_, ok := row.RawCell(name.ID)
	assert.False(t, ok)
}

func TestUpdateCellUnknownRow(t *testing.T) {
	db, _ := newDatabase(t)
	err := db.UpdateCell("missing", db.Fields()[0].ID, "x")
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestCreatedTimeIsDerivedFromRow(t *testing.T) {
	db, _ := newDatabase(t)
	f, err := db.CreateField(FieldParams{Name: "Created", Type: FieldCreatedTime})
	require.NoError(t, err)

	row, err := db.CreateRow(RowParams{ID: "row-x"})
	require.NoError(t, err)
	cell, ok := row.Cell(f)
	require.True(t, ok)
	assert.Equal(t, "1714564800", cell.Data)
}

func TestCreateRowAtIndex(t *testing.T) {
	db, viewID := newDatabase(t)
	index := 0
	_, err := db.CreateRow(RowParams{ID: "first", Index: &index})
	require.NoError(t, err)

	v, _ := db.View(viewID)
	require.Len(t, v.RowOrders, 4)
	assert.Equal(t, "first", v.RowOrders[0].ID)
}

func TestMoveAndDeleteRow(t *testing.T) {
	db, viewID := newDatabase(t)
	v, _ := db.View(viewID)
	last := v.RowOrders[2].ID

	require.NoError(t, db.MoveRow(viewID, last, 0))
	v, _ = db.View(viewID)
	assert.Equal(t, last, v.RowOrders[0].ID)
	assert.Len(t, v.RowOrders, 3)

	require.NoError(t, db.DeleteRow(last))
	v, _ = db.View(viewID)
	assert.Len(t, v.RowOrders, 2)
	for _, ro := range v.RowOrders {
		assert.NotEqual(t, last, ro.ID)
	}
}

func TestFilterSortCalculationLifecycle(t *testing.T) {
	db, viewID := newDatabase(t)
	name := db.Fields()[0]

	f, err := db.InsertFilter(viewID, Filter{FieldID: name.ID, FieldType: FieldRichText, Condition: 2, Content: "a"})
	require.NoError(t, err)
	require.NoError(t, db.UpdateFilter(viewID, f.ID, 0, "b"))

	_, err = db.InsertSort(viewID, Sort{FieldID: name.ID, Condition: SortDescending})
	require.NoError(t, err)

	c1, err := db.InsertCalculation(viewID, Calculation{FieldID: name.ID, Type: 1})
	require.NoError(t, err)
	c2, err := db.InsertCalculation(viewID, Calculation{FieldID: name.ID, Type: 2})
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)

	v, _ := db.View(viewID)
	require.Len(t, v.Filters, 1)
	assert.Equal(t, "b", v.Filters[0].Content)
	assert.Equal(t, 0, v.Filters[0].Condition)
	require.Len(t, v.Sorts, 1)
	assert.Equal(t, SortDescending, v.Sorts[0].Condition)
	require.Len(t, v.Calculations, 1)
	assert.Equal(t, 2, v.Calculations[0].Type)

	require.NoError(t, db.DeleteFilter(viewID, f.ID))
	require.NoError(t, db.DeleteCalculation(viewID, c1.ID))
	v, _ = db.View(viewID)
	assert.Empty(t, v.Filters)
	assert.Empty(t, v.Calculations)
}

func TestSelectOptions(t *testing.T) {
	db, _ := newDatabase(t)
	var sel Field
	for _, f := range db.Fields() {
		if f.Type == FieldSingleSelect {
			sel = f
		}
	}
	opt, err := db.AddSelectOption(sel.ID, SelectOption{Name: "Urgent", Color: "red"})
	require.NoError(t, err)

	sel, _ = db.Field(sel.ID)
	options, ok := sel.TypeOption()["options"].([]any)
	require.True(t, ok)
	require.Len(t, options, 1)
	assert.Equal(t, opt.ID, options[0].(map[string]any)["id"])

	require.NoError(t, db.DeleteSelectOption(sel.ID, opt.ID))
	sel, _ = db.Field(sel.ID)
	options, _ = sel.TypeOption()["options"].([]any)
	assert.Empty(t, options)

	_, err = db.AddSelectOption(db.Fields()[0].ID, SelectOption{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidFieldType)
}

func TestDeleteFieldRemovesFieldOrder(t *testing.T) {
	db, viewID := newDatabase(t)
	f := db.Fields()[1]
	require.NoError(t, db.DeleteField(f.ID))

	_, ok := db.Field(f.ID)
	assert.False(t, ok)
	v, _ := db.View(viewID)
	assert.NotContains(t, v.FieldOrders, f.ID)
}

func TestConcurrentFieldEditsConverge(t *testing.T) {
	a, _ := newDatabase(t)
	b := New(crdt.NewDoc("db-1", crdt.WithClientID(2)), WithClock(fixedClock()))
	require.NoError(t, b.Doc().ApplyUpdate(a.Doc().EncodeStateAsUpdate(), "remote"))

	field := a.Fields()[0]
	require.NoError(t, a.RenameField(field.ID, "Title"))
	require.NoError(t, b.RenameField(field.ID, "Heading"))

	fromA, err := a.Doc().DiffSince(b.Doc().StateSummary())
	require.NoError(t, err)
	fromB, err := b.Doc().DiffSince(a.Doc().StateSummary())
	require.NoError(t, err)
	require.NoError(t, b.Doc().ApplyUpdate(fromA, "remote"))
	require.NoError(t, a.Doc().ApplyUpdate(fromB, "remote"))

	fa, _ := a.Field(field.ID)
	fb, _ := b.Field(field.ID)
	assert.Equal(t, fa.Name, fb.Name)
	assert.Equal(t, a.Doc().ToJSON(), b.Doc().ToJSON())
}

func TestRowMetaKeys(t *testing.T) {
	db, viewID := newDatabase(t)
	v, _ := db.View(viewID)
	rowID := v.RowOrders[0].ID

	require.NoError(t, db.SetRowMeta(rowID, MetaIcon, "🙂"))
	require.NoError(t, db.SetRowMeta(rowID, MetaIsDocumentEmpty, false))

	row, _ := db.Row(rowID)
	meta := row.Meta()
	assert.Equal(t, "🙂", meta.IconURL)
	assert.False(t, meta.IsDocumentEmpty)
	assert.Equal(t, MetaKey(rowID, MetaDocumentID), meta.DocumentID)
	assert.Equal(t, MetaKey(rowID, MetaIcon), db.Keys().Key(rowID, MetaIcon))
	assert.NotEqual(t, MetaKey(rowID, MetaIcon), MetaKey(rowID, MetaCover))
	assert.Equal(t, MetaKey("not-a-uuid", MetaIcon), MetaKey("not-a-uuid", MetaIcon))
}
