// Package database models database replicas (fields, views, filters,
// sorts, calculations) and row replicas (cells, metadata) on top of the
// CRDT store. Every mutation is expressed as map set/delete or sequence
// insert/delete so concurrent edits merge.
package database

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-sync-server/internal/crdt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrFieldNotFound    = errors.New("field not found")
	ErrViewNotFound     = errors.New("view not found")
	ErrRowNotFound      = errors.New("row not found")
	ErrInvalidFieldType = errors.New("invalid field type")
)

const (
	rootDatabase = "database"

	keyID           = "id"
	keyName         = "name"
	keyFields       = "fields"
	keyViews        = "views"
	keyType         = "type"
	keyIsPrimary    = "is_primary"
	keyTypeOptions  = "type_options"
	keyLayout       = "layout"
	keyRowOrders    = "row_orders"
	keyFieldOrders  = "field_orders"
	keyFilters      = "filters"
	keySorts        = "sorts"
	keyCalculations = "calculations"
	keyHeight       = "height"
	keyFieldID      = "field_id"
	keyFieldType    = "field_type"
	keyCondition    = "condition"
	keyContent      = "content"
	keyValue        = "value"
	keyCreatedAt    = "created_at"
	keyOptions      = "options"
	keyColor        = "color"
)

type Option func(*Database)

func WithClock(now func() time.Time) Option {
	return func(db *Database) {
		db.now = now
	}
}

// WithRowOpener sets how row replicas are obtained for rows that are not
// attached yet.
func WithRowOpener(open func(rowID string) *crdt.Doc) Option {
	return func(db *Database) {
		db.openRow = open
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(db *Database) {
		db.logger = logger
	}
}

type Database struct {
	doc     *crdt.Doc
	keys    *MetaKeyCache
	now     func() time.Time
	openRow func(rowID string) *crdt.Doc
	logger  zerolog.Logger

	mu   sync.RWMutex
	rows map[string]*Row
}

func New(doc *crdt.Doc, opts ...Option) *Database {
	db := &Database{
		doc:    doc,
		keys:   NewMetaKeyCache(),
		now:    time.Now,
		logger: zerolog.Nop(),
		rows:   make(map[string]*Row),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.openRow == nil {
		db.openRow = func(rowID string) *crdt.Doc {
			return crdt.NewDoc(rowID)
		}
	}
	return db
}

func (db *Database) ID() string {
	return db.doc.GUID()
}

func (db *Database) Doc() *crdt.Doc {
	return db.doc
}

func (db *Database) Keys() *MetaKeyCache {
	return db.keys
}

func (db *Database) root() *crdt.Map {
	return db.doc.Map(rootDatabase)
}

func (db *Database) timestamp() int64 {
	return db.now().Unix()
}

// ensureMap returns the nested map under key, creating it when missing.
func ensureMap(tx *crdt.Txn, parent *crdt.Map, key string) *crdt.Map {
	if m := parent.GetMap(key); m != nil {
		return m
	}
	return parent.SetMap(tx, key)
}

func ensureSeq(tx *crdt.Txn, parent *crdt.Map, key string) *crdt.Seq {
	if s := parent.GetSeq(key); s != nil {
		return s
	}
	return parent.SetSeq(tx, key)
}

func indexOf(seq *crdt.Seq, id string) int {
	if seq == nil {
		return -1
	}
	for i, v := range seq.Values() {
		if m, ok := v.(*crdt.Map); ok && m.GetString(keyID) == id {
			return i
		}
	}
	return -1
}

// Bootstrap populates an empty database with a grid view, a primary text
// field, a select field, a checkbox field and three empty rows.
func (db *Database) Bootstrap() (string, error) {
	viewID := uuid.NewString()
	if err := db.doc.Transact(nil, func(tx *crdt.Txn) error {
		root := db.root()
		if err := root.Set(tx, keyID, db.ID()); err != nil {
			return err
		}
		ensureMap(tx, root, keyFields)
		views := ensureMap(tx, root, keyViews)
		return writeView(tx, views, viewID, "Grid", LayoutGrid, db.timestamp())
	}); err != nil {
		return "", fmt.Errorf("failed to bootstrap database: %w", err)
	}

	defaults := []FieldParams{
		{Name: "Name", Type: FieldRichText, IsPrimary: true},
		{Name: "Type", Type: FieldSingleSelect},
		{Name: "Done", Type: FieldCheckbox},
	}
	for _, p := range defaults {
		if _, err := db.CreateField(p); err != nil {
			return "", err
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := db.CreateRow(RowParams{}); err != nil {
			return "", err
		}
	}
	return viewID, nil
}

func writeView(tx *crdt.Txn, views *crdt.Map, id, name string, layout Layout, createdAt int64) error {
	view := views.SetMap(tx, id)
	if err := view.Set(tx, keyID, id); err != nil {
		return err
	}
	if err := view.Set(tx, keyName, name); err != nil {
		return err
	}
	if err := view.Set(tx, keyLayout, int64(layout)); err != nil {
		return err
	}
	if err := view.Set(tx, keyCreatedAt, createdAt); err != nil {
		return err
	}
	view.SetSeq(tx, keyRowOrders)
	view.SetSeq(tx, keyFieldOrders)
	view.SetSeq(tx, keyFilters)
	view.SetSeq(tx, keySorts)
	view.SetSeq(tx, keyCalculations)
	return nil
}

// CreateView adds a view that starts with the row and field order of the
// first existing view.
func (db *Database) CreateView(name string, layout Layout) (string, error) {
	id := uuid.NewString()
	var template *View
	if ids := db.ViewIDs(); len(ids) > 0 {
		if v, ok := db.View(ids[0]); ok {
			template = &v
		}
	}
	err := db.doc.Transact(nil, func(tx *crdt.Txn) error {
		views := ensureMap(tx, db.root(), keyViews)
		if err := writeView(tx, views, id, name, layout, db.timestamp()); err != nil {
			return err
		}
		if template == nil {
			return nil
		}
		view := views.GetMap(id)
		rowOrders := view.GetSeq(keyRowOrders)
		for _, ro := range template.RowOrders {
			if err := writeRowOrder(tx, rowOrders, rowOrders.Len(), ro); err != nil {
				return err
			}
		}
		fieldOrders := view.GetSeq(keyFieldOrders)
		for _, fid := range template.FieldOrders {
			if err := fieldOrders.PushMap(tx).Set(tx, keyID, fid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create view: %w", err)
	}
	return id, nil
}

func (db *Database) ViewIDs() []string {
	views := db.root().GetMap(keyViews)
	if views == nil {
		return nil
	}
	ids := views.Keys()
	sort.SliceStable(ids, func(i, j int) bool {
		return views.GetMap(ids[i]).GetInt64(keyCreatedAt) < views.GetMap(ids[j]).GetInt64(keyCreatedAt)
	})
	return ids
}

func (db *Database) viewMap(id string) *crdt.Map {
	views := db.root().GetMap(keyViews)
	if views == nil {
		return nil
	}
	return views.GetMap(id)
}

func (db *Database) View(id string) (View, bool) {
	m := db.viewMap(id)
	if m == nil {
		return View{}, false
	}
	v := View{
		ID:       id,
		Name:     m.GetString(keyName),
		Layout:   Layout(m.GetInt64(keyLayout)),
		Revision: m.Revision(),
	}
	for _, ro := range seqMaps(m.GetSeq(keyRowOrders)) {
		v.RowOrders = append(v.RowOrders, RowOrder{ID: ro.GetString(keyID), Height: ro.GetInt64(keyHeight)})
	}
	for _, fo := range seqMaps(m.GetSeq(keyFieldOrders)) {
		v.FieldOrders = append(v.FieldOrders, fo.GetString(keyID))
	}
	for _, f := range seqMaps(m.GetSeq(keyFilters)) {
		v.Filters = append(v.Filters, Filter{
			ID:        f.GetString(keyID),
			FieldID:   f.GetString(keyFieldID),
			FieldType: FieldType(f.GetInt64(keyFieldType)),
			Condition: int(f.GetInt64(keyCondition)),
			Content:   f.GetString(keyContent),
		})
	}
	for _, s := range seqMaps(m.GetSeq(keySorts)) {
		v.Sorts = append(v.Sorts, Sort{
			ID:        s.GetString(keyID),
			FieldID:   s.GetString(keyFieldID),
			Condition: SortCondition(s.GetInt64(keyCondition)),
		})
	}
	for _, c := range seqMaps(m.GetSeq(keyCalculations)) {
		v.Calculations = append(v.Calculations, Calculation{
			ID:      c.GetString(keyID),
			FieldID: c.GetString(keyFieldID),
			Type:    int(c.GetInt64(keyType)),
			Value:   c.GetString(keyValue),
		})
	}
	return v, true
}

func seqMaps(seq *crdt.Seq) []*crdt.Map {
	if seq == nil {
		return nil
	}
	return seq.Maps()
}

// viewSeq resolves one of a view's sequences.
func (db *Database) viewSeq(viewID, key string) (*crdt.Seq, error) {
	m := db.viewMap(viewID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
	}
	seq := m.GetSeq(key)
	if seq == nil {
		return nil, fmt.Errorf("view %s has no %s", viewID, key)
	}
	return seq, nil
}

func (db *Database) InsertFilter(viewID string, f Filter) (Filter, error) {
	seq, err := db.viewSeq(viewID, keyFilters)
	if err != nil {
		return Filter{}, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	err = db.doc.Transact(nil, func(tx *crdt.Txn) error {
		m := seq.PushMap(tx)
		return setAll(tx, m, map[string]any{
			keyID:        f.ID,
			keyFieldID:   f.FieldID,
			keyFieldType: int64(f.FieldType),
			keyCondition: int64(f.Condition),
			keyContent:   f.Content,
		})
	})
	if err != nil {
		return Filter{}, fmt.Errorf("failed to insert filter: %w", err)
	}
	return f, nil
}

func (db *Database) UpdateFilter(viewID, filterID string, condition int, content string) error {
	seq, err := db.viewSeq(viewID, keyFilters)
	if err != nil {
		return err
	}
	i := indexOf(seq, filterID)
	if i < 0 {
		return fmt.Errorf("filter %s not found", filterID)
	}
	m := seq.Maps()[i]
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		return setAll(tx, m, map[string]any{keyCondition: int64(condition), keyContent: content})
	})
}

func (db *Database) DeleteFilter(viewID, filterID string) error {
	return db.deleteFromViewSeq(viewID, keyFilters, filterID)
}

func (db *Database) InsertSort(viewID string, s Sort) (Sort, error) {
	seq, err := db.viewSeq(viewID, keySorts)
	if err != nil {
		return Sort{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	err = db.doc.Transact(nil, func(tx *crdt.Txn) error {
		return setAll(tx, seq.PushMap(tx), map[string]any{
			keyID:        s.ID,
			keyFieldID:   s.FieldID,
			keyCondition: int64(s.Condition),
		})
	})
	if err != nil {
		return Sort{}, fmt.Errorf("failed to insert sort: %w", err)
	}
	return s, nil
}

func (db *Database) DeleteSort(viewID, sortID string) error {
	return db.deleteFromViewSeq(viewID, keySorts, sortID)
}

// InsertCalculation sets the calculation of a field in a view. A view holds
// at most one calculation per field; an existing one is updated in place.
func (db *Database) InsertCalculation(viewID string, c Calculation) (Calculation, error) {
	seq, err := db.viewSeq(viewID, keyCalculations)
	if err != nil {
		return Calculation{}, err
	}
	var existing *crdt.Map
	for _, m := range seq.Maps() {
		if m.GetString(keyFieldID) == c.FieldID {
			existing = m
			break
		}
	}
	err = db.doc.Transact(nil, func(tx *crdt.Txn) error {
		if existing != nil {
			c.ID = existing.GetString(keyID)
			return existing.Set(tx, keyType, int64(c.Type))
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		return setAll(tx, seq.PushMap(tx), map[string]any{
			keyID:      c.ID,
			keyFieldID: c.FieldID,
			keyType:    int64(c.Type),
		})
	})
	if err != nil {
		return Calculation{}, fmt.Errorf("failed to insert calculation: %w", err)
	}
	return c, nil
}

func (db *Database) DeleteCalculation(viewID, calculationID string) error {
	return db.deleteFromViewSeq(viewID, keyCalculations, calculationID)
}

func (db *Database) deleteFromViewSeq(viewID, key, id string) error {
	seq, err := db.viewSeq(viewID, key)
	if err != nil {
		return err
	}
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		// concurrent inserts may have duplicated an id; remove all copies
		for i := indexOf(seq, id); i >= 0; i = indexOf(seq, id) {
			seq.Delete(tx, i, 1)
		}
		return nil
	})
}

func setAll(tx *crdt.Txn, m *crdt.Map, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.Set(tx, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}
