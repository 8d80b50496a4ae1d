// Package view derives the virtual rows of a database view: row order,
// filtered, sorted, with per-field calculations. Nothing here writes to the
// replicas.
package view

import (
	"sort"
	"sync"
	"sync/atomic"

	"collab-sync-server/internal/calculation"
	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"
	"collab-sync-server/internal/filter"

	"github.com/rs/zerolog"
)

type Row struct {
	ID     string            `json:"id"`
	Height int64             `json:"height"`
	Cells  map[string]string `json:"cells"`
}

type Snapshot struct {
	ViewID       string            `json:"view_id"`
	Name         string            `json:"name"`
	Fields       []string          `json:"fields"`
	Rows         []Row             `json:"rows"`
	Calculations map[string]string `json:"calculations"`
}

type Option func(*View)

func WithPolicy(p calculation.Policy) Option {
	return func(v *View) {
		v.engine = calculation.NewEngine(p)
	}
}

// WithCache shares a decode cache between views of the same database.
func WithCache(c *decoder.Cache) Option {
	return func(v *View) {
		v.cache = c
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// View recomputes its snapshot lazily: replica observers only mark it
// dirty and the next Snapshot call rebuilds.
type View struct {
	db     *database.Database
	id     string
	cache  *decoder.Cache
	engine *calculation.Engine
	logger zerolog.Logger

	dirty      atomic.Bool
	recomputes atomic.Int64

	mu       sync.Mutex
	snapshot Snapshot
	watched  map[string]func()
}

func New(db *database.Database, viewID string, opts ...Option) *View {
	v := &View{
		db:      db,
		id:      viewID,
		engine:  calculation.NewEngine(calculation.Policy{}),
		logger:  zerolog.Nop(),
		watched: make(map[string]func()),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = decoder.NewCache()
	}
	v.dirty.Store(true)
	v.watched[db.ID()] = db.Doc().Observe(v.markDirty)
	return v
}

func (v *View) markDirty(*crdt.UpdateEvent) {
	v.dirty.Store(true)
}

func (v *View) ID() string {
	return v.id
}

// Recomputes returns how many times the snapshot was rebuilt.
func (v *View) Recomputes() int64 {
	return v.recomputes.Load()
}

func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dirty.Swap(false) {
		v.snapshot = v.compute()
		v.recomputes.Add(1)
	}
	return v.snapshot
}

// Close stops observing the replicas.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, unsubscribe := range v.watched {
		unsubscribe()
		delete(v.watched, id)
	}
}

func (v *View) watch(row *database.Row) {
	if _, ok := v.watched[row.Doc().GUID()]; ok {
		return
	}
	v.watched[row.Doc().GUID()] = row.Doc().Observe(v.markDirty)
}

// release stops watching rows that left the row order and drops their
// decoded values.
func (v *View) release(seen map[string]bool) {
	for id, unsubscribe := range v.watched {
		if id == v.db.ID() || seen[id] {
			continue
		}
		unsubscribe()
		delete(v.watched, id)
		v.cache.Forget(id)
	}
}

func (v *View) compute() Snapshot {
	meta, ok := v.db.View(v.id)
	if !ok {
		v.logger.Debug().Str("view_id", v.id).Msg("view not found")
		return Snapshot{ViewID: v.id, Calculations: map[string]string{}}
	}
	fields := make(map[string]database.Field)
	for _, f := range v.db.Fields() {
		fields[f.ID] = f
	}

	snap := Snapshot{ViewID: v.id, Name: meta.Name, Calculations: make(map[string]string)}
	for _, id := range meta.FieldOrders {
		if _, ok := fields[id]; ok {
			snap.Fields = append(snap.Fields, id)
		}
	}

	evaluator := filter.NewEvaluator(v.cache)
	seen := make(map[string]bool)
	var rows []*database.Row
	heights := make(map[string]int64)
	for _, ro := range meta.RowOrders {
		if seen[ro.ID] {
			continue
		}
		seen[ro.ID] = true
		row, ok := v.db.Row(ro.ID)
		if !ok {
			continue
		}
		v.watch(row)
		if !evaluator.Include(fields, meta.Filters, row) {
			continue
		}
		rows = append(rows, row)
		heights[ro.ID] = ro.Height
	}

	v.release(seen)
	v.sortRows(rows, fields, meta.Sorts)

	for _, row := range rows {
		out := Row{ID: row.ID(), Height: heights[row.ID()], Cells: make(map[string]string)}
		for _, id := range snap.Fields {
			f := fields[id]
			cell, ok := row.Cell(f)
			if s := v.cache.Value(row.ID(), f, cell, ok).String(); s != "" {
				out.Cells[id] = s
			}
		}
		snap.Rows = append(snap.Rows, out)
	}

	for _, c := range meta.Calculations {
		f, ok := fields[c.FieldID]
		if !ok {
			continue
		}
		values := make([]decoder.Value, 0, len(rows))
		for _, row := range rows {
			cell, ok := row.Cell(f)
			values = append(values, v.cache.Value(row.ID(), f, cell, ok))
		}
		if result, ok := v.engine.Aggregate(f.Type, calculation.Type(c.Type), values); ok {
			snap.Calculations[c.FieldID] = result
		}
	}
	return snap
}

// sortRows applies sorts in priority order. Empty values stay last in both
// directions.
func (v *View) sortRows(rows []*database.Row, fields map[string]database.Field, sorts []database.Sort) {
	var active []database.Sort
	for _, s := range sorts {
		if _, ok := fields[s.FieldID]; ok {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return
	}
	key := func(row *database.Row, f database.Field) decoder.SortKey {
		cell, ok := row.Cell(f)
		return v.cache.SortKey(row.ID(), f, cell, ok)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range active {
			f := fields[s.FieldID]
			a, b := key(rows[i], f), key(rows[j], f)
			cmp := a.Compare(b)
			if cmp == 0 {
				continue
			}
			if s.Condition == database.SortDescending && a.Kind != decoder.SortEmpty && b.Kind != decoder.SortEmpty {
				cmp = -cmp
			}
			return cmp < 0
		}
		return false
	})
}
