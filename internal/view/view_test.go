package view

import (
	"testing"

	"collab-sync-server/internal/calculation"
	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"
	"collab-sync-server/internal/filter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *database.Database
	viewID string
	name   database.Field
	amount database.Field
	rows   []string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := database.New(crdt.NewDoc("db", crdt.WithClientID(1)))
	viewID, err := db.Bootstrap()
	require.NoError(t, err)
	amount, err := db.CreateField(database.FieldParams{Name: "Amount", Type: database.FieldNumber})
	require.NoError(t, err)

	fx := fixture{db: db, viewID: viewID, name: db.Fields()[0], amount: amount}
	v, _ := db.View(viewID)
	data := []struct{ name, amount string }{{"pear", "3"}, {"apple", "10"}, {"fig", ""}}
	for i, ro := range v.RowOrders {
		require.NoError(t, db.UpdateCell(ro.ID, fx.name.ID, data[i].name))
		if data[i].amount != "" {
			require.NoError(t, db.UpdateCell(ro.ID, amount.ID, data[i].amount))
		}
		fx.rows = append(fx.rows, ro.ID)
	}
	return fx
}

func names(s Snapshot, fieldID string) []string {
	var out []string
	for _, r := range s.Rows {
		out = append(out, r.Cells[fieldID])
	}
	return out
}

func TestSnapshotFollowsRowOrder(t *testing.T) {
	fx := newFixture(t)
	v := New(fx.db, fx.viewID)
	defer v.Close()

	s := v.Snapshot()
	assert.Equal(t, []string{"pear", "apple", "fig"}, names(s, fx.name.ID))
	assert.Equal(t, "Grid", s.Name)
	assert.Contains(t, s.Fields, fx.amount.ID)
}

func TestSnapshotIsRecomputedLazily(t *testing.T) {
	fx := newFixture(t)
	v := New(fx.db, fx.viewID)
	defer v.Close()

	v.Snapshot()
	v.Snapshot()
	assert.Equal(t, int64(1), v.Recomputes())

	require.NoError(t, fx.db.UpdateCell(fx.rows[0], fx.name.ID, "plum"))
	assert.Equal(t, int64(1), v.Recomputes())
	s := v.Snapshot()
	assert.Equal(t, int64(2), v.Recomputes())
	assert.Equal(t, "plum", s.Rows[0].Cells[fx.name.ID])
}

func TestSortsAndFilters(t *testing.T) {
	fx := newFixture(t)
	v := New(fx.db, fx.viewID)
	defer v.Close()

	_, err := fx.db.InsertSort(fx.viewID, database.Sort{FieldID: fx.amount.ID, Condition: database.SortDescending})
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "pear", "fig"}, names(v.Snapshot(), fx.name.ID))

	_, err = fx.db.InsertFilter(fx.viewID, database.Filter{
		FieldID:   fx.amount.ID,
		FieldType: database.FieldNumber,
		Condition: int(filter.NumberIsNotEmpty),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "pear"}, names(v.Snapshot(), fx.name.ID))

	require.NoError(t, fx.db.DeleteField(fx.amount.ID))
	s := v.Snapshot()
	assert.Len(t, s.Rows, 3)
	assert.NotContains(t, s.Fields, fx.amount.ID)
}

func TestCalculations(t *testing.T) {
	fx := newFixture(t)
	v := New(fx.db, fx.viewID, WithPolicy(calculation.Policy{}))
	defer v.Close()

	_, err := fx.db.InsertCalculation(fx.viewID, database.Calculation{FieldID: fx.amount.ID, Type: int(calculation.Sum)})
	require.NoError(t, err)
	_, err = fx.db.InsertCalculation(fx.viewID, database.Calculation{FieldID: fx.name.ID, Type: int(calculation.CountNonEmpty)})
	require.NoError(t, err)
	_, err = fx.db.InsertCalculation(fx.viewID, database.Calculation{FieldID: "deleted", Type: int(calculation.Count)})
	require.NoError(t, err)

	s := v.Snapshot()
	assert.Equal(t, "13", s.Calculations[fx.amount.ID])
	assert.Equal(t, "3", s.Calculations[fx.name.ID])
	assert.NotContains(t, s.Calculations, "deleted")
}

func TestDuplicateRowOrdersAreShownOnce(t *testing.T) {
	fx := newFixture(t)
	a := fx.db
	b := database.New(crdt.NewDoc("db", crdt.WithClientID(2)))
	require.NoError(t, b.Doc().ApplyUpdate(a.Doc().EncodeStateAsUpdate(), "remote"))

	require.NoError(t, a.MoveRow(fx.viewID, fx.rows[0], 2))
	require.NoError(t, b.MoveRow(fx.viewID, fx.rows[0], 1))
	update, err := b.Doc().DiffSince(a.Doc().StateSummary())
	require.NoError(t, err)
	require.NoError(t, a.Doc().ApplyUpdate(update, "remote"))

	v := New(a, fx.viewID)
	defer v.Close()
	assert.Len(t, v.Snapshot().Rows, 3)
}

func TestDeletedRowIsReleased(t *testing.T) {
	fx := newFixture(t)
	cache := decoder.NewCache()
	v := New(fx.db, fx.viewID, WithCache(cache))
	defer v.Close()

	v.Snapshot()
	before := cache.Len()
	require.Positive(t, before)

	gone, ok := fx.db.Row(fx.rows[0])
	require.True(t, ok)
	require.NoError(t, fx.db.DeleteRow(fx.rows[0]))

	s := v.Snapshot()
	assert.Equal(t, []string{"apple", "fig"}, names(s, fx.name.ID))
	assert.Less(t, cache.Len(), before)

	// edits to the detached replica no longer dirty the view
	recomputes := v.Recomputes()
	require.NoError(t, gone.Doc().Transact(nil, func(tx *crdt.Txn) error {
		return gone.Doc().Map("row").Set(tx, "height", int64(90))
	}))
	v.Snapshot()
	assert.Equal(t, recomputes, v.Recomputes())
}
