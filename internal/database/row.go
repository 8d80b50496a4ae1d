package database

import (
	"fmt"
	"sort"

	"collab-sync-server/internal/crdt"

	"github.com/google/uuid"
)

const (
	rootRow  = "row"
	rootMeta = "meta"

	keyDatabaseID      = "database_id"
	keyVisibility      = "visibility"
	keyLastModified    = "last_modified"
	keyCells           = "cells"
	keyData            = "data"
	keySourceFieldType = "source_field_type"

	defaultRowHeight = 60
)

// Row is a handle to one row replica.
type Row struct {
	doc  *crdt.Doc
	keys *MetaKeyCache
}

func (r *Row) Doc() *crdt.Doc {
	return r.doc
}

func (r *Row) root() *crdt.Map {
	return r.doc.Map(rootRow)
}

func (r *Row) ID() string {
	if id := r.root().GetString(keyID); id != "" {
		return id
	}
	return r.doc.GUID()
}

func (r *Row) DatabaseID() string {
	return r.root().GetString(keyDatabaseID)
}

func (r *Row) Visible() bool {
	return r.root().GetBool(keyVisibility)
}

func (r *Row) Height() int64 {
	return r.root().GetInt64(keyHeight)
}

func (r *Row) CreatedAt() int64 {
	return r.root().GetInt64(keyCreatedAt)
}

func (r *Row) LastModified() int64 {
	return r.root().GetInt64(keyLastModified)
}

func (r *Row) Revision() crdt.Revision {
	return r.root().Revision()
}

// Cell returns the stored cell for a field. Created and last-edited time
// fields are derived from the row timestamps.
func (r *Row) Cell(field Field) (Cell, bool) {
	switch field.Type {
	case FieldCreatedTime:
		return Cell{FieldType: field.Type, Data: fmt.Sprint(r.CreatedAt()), Revision: r.Revision()}, true
	case FieldLastEditedTime:
		return Cell{FieldType: field.Type, Data: fmt.Sprint(r.LastModified()), Revision: r.Revision()}, true
	}
	return r.RawCell(field.ID)
}

// RawCell returns the stored cell for a field id.
func (r *Row) RawCell(fieldID string) (Cell, bool) {
	m := r.root().GetMap(keyCells).GetMap(fieldID)
	if m == nil {
		return Cell{}, false
	}
	c := Cell{
		FieldType:    FieldType(m.GetInt64(keyFieldType)),
		Data:         m.GetString(keyData),
		LastModified: m.GetInt64(keyLastModified),
		Revision:     m.Revision(),
	}
	if v, ok := m.Get(keySourceFieldType); ok {
		if n, ok := v.(int64); ok {
			src := FieldType(n)
			c.SourceFieldType = &src
		}
	}
	return c, true
}

// CellFieldIDs returns the ids of fields that have a stored cell.
func (r *Row) CellFieldIDs() []string {
	return r.root().GetMap(keyCells).Keys()
}

func (r *Row) Meta() RowMeta {
	meta := r.doc.Map(rootMeta)
	id := r.ID()
	return RowMeta{
		IconURL:         meta.GetString(r.keys.Key(id, MetaIcon)),
		CoverURL:        meta.GetString(r.keys.Key(id, MetaCover)),
		DocumentID:      r.keys.Key(id, MetaDocumentID),
		IsDocumentEmpty: !meta.Has(r.keys.Key(id, MetaIsDocumentEmpty)) || meta.GetBool(r.keys.Key(id, MetaIsDocumentEmpty)),
	}
}

type RowParams struct {
	ID     string
	Cells  map[string]string
	Height int64
	// Index positions the row in every view; nil appends.
	Index *int
}

// CreateRow creates a row replica and inserts it into the row order of
// every view.
func (db *Database) CreateRow(p RowParams) (*Row, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Height == 0 {
		p.Height = defaultRowHeight
	}
	row := db.attach(db.openRow(p.ID))
	now := db.timestamp()
	err := row.doc.Transact(nil, func(tx *crdt.Txn) error {
		root := row.root()
		if err := setAll(tx, root, map[string]any{
			keyID:           p.ID,
			keyDatabaseID:   db.ID(),
			keyVisibility:   true,
			keyHeight:       p.Height,
			keyCreatedAt:    now,
			keyLastModified: now,
		}); err != nil {
			return err
		}
		cells := ensureMap(tx, root, keyCells)
		fieldIDs := make([]string, 0, len(p.Cells))
		for id := range p.Cells {
			fieldIDs = append(fieldIDs, id)
		}
		sort.Strings(fieldIDs)
		for _, fieldID := range fieldIDs {
			f, ok := db.Field(fieldID)
			if !ok {
				continue
			}
			if err := writeCell(tx, cells, f, p.Cells[fieldID], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create row: %w", err)
	}

	viewIDs := db.ViewIDs()
	err = db.doc.Transact(nil, func(tx *crdt.Txn) error {
		for _, viewID := range viewIDs {
			orders := db.viewMap(viewID).GetSeq(keyRowOrders)
			if orders == nil {
				continue
			}
			index := orders.Len()
			if p.Index != nil && *p.Index < index {
				index = *p.Index
			}
			if err := writeRowOrder(tx, orders, index, RowOrder{ID: p.ID, Height: p.Height}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to order row: %w", err)
	}
	return row, nil
}

func writeRowOrder(tx *crdt.Txn, orders *crdt.Seq, index int, ro RowOrder) error {
	m := orders.InsertMap(tx, index)
	if err := m.Set(tx, keyID, ro.ID); err != nil {
		return err
	}
	return m.Set(tx, keyHeight, ro.Height)
}

func writeCell(tx *crdt.Txn, cells *crdt.Map, f Field, data string, now int64) error {
	cell := cells.GetMap(f.ID)
	if cell == nil {
		cell = cells.SetMap(tx, f.ID)
	} else if prev := FieldType(cell.GetInt64(keyFieldType)); prev != f.Type {
		if err := cell.Set(tx, keySourceFieldType, int64(prev)); err != nil {
			return err
		}
	}
	return setAll(tx, cell, map[string]any{
		keyFieldType:    int64(f.Type),
		keyData:         data,
		keyLastModified: now,
	})
}

// AttachRow registers an existing row replica with the database.
func (db *Database) AttachRow(doc *crdt.Doc) *Row {
	return db.attach(doc)
}

func (db *Database) attach(doc *crdt.Doc) *Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r, ok := db.rows[doc.GUID()]; ok {
		return r
	}
	r := &Row{doc: doc, keys: db.keys}
	db.rows[doc.GUID()] = r
	return r
}

// Row returns an attached row, opening its replica through the row opener
// when needed.
func (db *Database) Row(id string) (*Row, bool) {
	db.mu.RLock()
	r, ok := db.rows[id]
	db.mu.RUnlock()
	if ok {
		return r, true
	}
	if db.openRow == nil {
		return nil, false
	}
	doc := db.openRow(id)
	if doc == nil {
		return nil, false
	}
	return db.attach(doc), true
}

// AttachedRows returns the replicas currently attached.
func (db *Database) AttachedRows() []*Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Row, 0, len(db.rows))
	for _, r := range db.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].doc.GUID() < out[j].doc.GUID() })
	return out
}

func (db *Database) row(id string) (*Row, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	r, ok := db.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRowNotFound, id)
	}
	return r, nil
}

// DeleteRow removes the row from every view's row order and detaches it.
// The row replica itself is left to its owner.
func (db *Database) DeleteRow(id string) error {
	viewIDs := db.ViewIDs()
	err := db.doc.Transact(nil, func(tx *crdt.Txn) error {
		for _, viewID := range viewIDs {
			orders := db.viewMap(viewID).GetSeq(keyRowOrders)
			for i := indexOf(orders, id); i >= 0; i = indexOf(orders, id) {
				orders.Delete(tx, i, 1)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	db.mu.Lock()
	delete(db.rows, id)
	db.mu.Unlock()
	return nil
}

// MoveRow moves a row within one view as a delete followed by an insert.
func (db *Database) MoveRow(viewID, rowID string, to int) error {
	orders, err := db.viewSeq(viewID, keyRowOrders)
	if err != nil {
		return err
	}
	from := indexOf(orders, rowID)
	if from < 0 {
		return fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	}
	height := orders.Maps()[from].GetInt64(keyHeight)
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		orders.Delete(tx, from, 1)
		return writeRowOrder(tx, orders, to, RowOrder{ID: rowID, Height: height})
	})
}

// UpdateCell writes raw cell data under the field's current type.
func (db *Database) UpdateCell(rowID, fieldID, data string) error {
	r, err := db.row(rowID)
	if err != nil {
		return err
	}
	f, ok := db.Field(fieldID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFieldNotFound, fieldID)
	}
	now := db.timestamp()
	return r.doc.Transact(nil, func(tx *crdt.Txn) error {
		root := r.root()
		if err := writeCell(tx, ensureMap(tx, root, keyCells), f, data, now); err != nil {
			return err
		}
		return root.Set(tx, keyLastModified, now)
	})
}

func (db *Database) ClearCell(rowID, fieldID string) error {
	r, err := db.row(rowID)
	if err != nil {
		return err
	}
	now := db.timestamp()
	return r.doc.Transact(nil, func(tx *crdt.Txn) error {
		r.root().GetMap(keyCells).Delete(tx, fieldID)
		return r.root().Set(tx, keyLastModified, now)
	})
}

// SetRowMeta stores row metadata under its derived key.
func (db *Database) SetRowMeta(rowID string, kind MetaKind, value any) error {
	r, err := db.row(rowID)
	if err != nil {
		return err
	}
	key := db.keys.Key(rowID, kind)
	return r.doc.Transact(nil, func(tx *crdt.Txn) error {
		return r.doc.Map(rootMeta).Set(tx, key, value)
	})
}
