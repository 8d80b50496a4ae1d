package database

import (
	"fmt"
	"sort"

	"collab-sync-server/internal/crdt"

	"github.com/google/uuid"
)

type FieldParams struct {
	ID        string
	Name      string
	Type      FieldType
	IsPrimary bool
	// TypeOption holds primitive settings for the field's type.
	TypeOption map[string]any
}

// SelectOption is one entry of a select or checklist option list.
type SelectOption struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

func (db *Database) fieldsMap() *crdt.Map {
	return db.root().GetMap(keyFields)
}

// CreateField adds a field and appends it to every view's field order.
func (db *Database) CreateField(p FieldParams) (Field, error) {
	if !p.Type.Valid() {
		return Field{}, fmt.Errorf("%w: %d", ErrInvalidFieldType, p.Type)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	viewIDs := db.ViewIDs()
	err := db.doc.Transact(nil, func(tx *crdt.Txn) error {
		fields := ensureMap(tx, db.root(), keyFields)
		m := fields.SetMap(tx, p.ID)
		if err := setAll(tx, m, map[string]any{
			keyID:        p.ID,
			keyName:      p.Name,
			keyType:      int64(p.Type),
			keyIsPrimary: p.IsPrimary,
		}); err != nil {
			return err
		}
		options := m.SetMap(tx, keyTypeOptions)
		blob := options.SetMap(tx, p.Type.optionKey())
		if err := setAll(tx, blob, p.TypeOption); err != nil {
			return err
		}
		if p.Type.IsSelect() {
			blob.SetSeq(tx, keyOptions)
		}
		for _, viewID := range viewIDs {
			if fo := db.viewMap(viewID).GetSeq(keyFieldOrders); fo != nil {
				if err := fo.PushMap(tx).Set(tx, keyID, p.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Field{}, fmt.Errorf("failed to create field: %w", err)
	}
	f, _ := db.Field(p.ID)
	return f, nil
}

func readField(m *crdt.Map) Field {
	f := Field{
		ID:          m.GetString(keyID),
		Name:        m.GetString(keyName),
		Type:        FieldType(m.GetInt64(keyType)),
		IsPrimary:   m.GetBool(keyIsPrimary),
		TypeOptions: make(map[string]TypeOption),
		Revision:    m.Revision(),
	}
	for k, v := range m.GetMap(keyTypeOptions).ToJSON() {
		if blob, ok := v.(map[string]any); ok {
			f.TypeOptions[k] = TypeOption(blob)
		}
	}
	return f
}

func (db *Database) Field(id string) (Field, bool) {
	m := db.fieldsMap().GetMap(id)
	if m == nil {
		return Field{}, false
	}
	return readField(m), true
}

// Fields returns all fields, primary first, then by name.
func (db *Database) Fields() []Field {
	fields := db.fieldsMap()
	var out []Field
	for _, id := range fields.Keys() {
		if m := fields.GetMap(id); m != nil {
			out = append(out, readField(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (db *Database) fieldMap(id string) (*crdt.Map, error) {
	m := db.fieldsMap().GetMap(id)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, id)
	}
	return m, nil
}

func (db *Database) RenameField(id, name string) error {
	m, err := db.fieldMap(id)
	if err != nil {
		return err
	}
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		return m.Set(tx, keyName, name)
	})
}

// ChangeFieldType switches the field's type. Cells keep the type they were
// written under and are reinterpreted on decode.
func (db *Database) ChangeFieldType(id string, t FieldType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidFieldType, t)
	}
	m, err := db.fieldMap(id)
	if err != nil {
		return err
	}
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		if err := m.Set(tx, keyType, int64(t)); err != nil {
			return err
		}
		options := ensureMap(tx, m, keyTypeOptions)
		if options.GetMap(t.optionKey()) == nil {
			blob := options.SetMap(tx, t.optionKey())
			if t.IsSelect() {
				blob.SetSeq(tx, keyOptions)
			}
		}
		return nil
	})
}

// SetTypeOption writes primitive settings into the option blob of type t.
func (db *Database) SetTypeOption(fieldID string, t FieldType, values map[string]any) error {
	m, err := db.fieldMap(fieldID)
	if err != nil {
		return err
	}
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		blob := ensureMap(tx, ensureMap(tx, m, keyTypeOptions), t.optionKey())
		return setAll(tx, blob, values)
	})
}

// AddSelectOption appends an option to a select field's option list.
func (db *Database) AddSelectOption(fieldID string, opt SelectOption) (SelectOption, error) {
	m, err := db.fieldMap(fieldID)
	if err != nil {
		return SelectOption{}, err
	}
	f := readField(m)
	if !f.Type.IsSelect() {
		return SelectOption{}, fmt.Errorf("%w: field %s is %s", ErrInvalidFieldType, fieldID, f.Type)
	}
	if opt.ID == "" {
		opt.ID = uuid.NewString()
	}
	err = db.doc.Transact(nil, func(tx *crdt.Txn) error {
		blob := ensureMap(tx, ensureMap(tx, m, keyTypeOptions), f.Type.optionKey())
		list := ensureSeq(tx, blob, keyOptions)
		return setAll(tx, list.PushMap(tx), map[string]any{
			keyID:    opt.ID,
			keyName:  opt.Name,
			keyColor: opt.Color,
		})
	})
	if err != nil {
		return SelectOption{}, fmt.Errorf("failed to add select option: %w", err)
	}
	return opt, nil
}

func (db *Database) DeleteSelectOption(fieldID, optionID string) error {
	m, err := db.fieldMap(fieldID)
	if err != nil {
		return err
	}
	f := readField(m)
	list := m.GetMap(keyTypeOptions).GetMap(f.Type.optionKey()).GetSeq(keyOptions)
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		for i := indexOf(list, optionID); i >= 0; i = indexOf(list, optionID) {
			list.Delete(tx, i, 1)
		}
		return nil
	})
}

// DeleteField removes the field and its entries in view field orders.
// Filters, sorts and calculations that reference it are left in place and
// become inert.
func (db *Database) DeleteField(id string) error {
	if _, err := db.fieldMap(id); err != nil {
		return err
	}
	viewIDs := db.ViewIDs()
	return db.doc.Transact(nil, func(tx *crdt.Txn) error {
		db.fieldsMap().Delete(tx, id)
		for _, viewID := range viewIDs {
			fo := db.viewMap(viewID).GetSeq(keyFieldOrders)
			for i := indexOf(fo, id); i >= 0; i = indexOf(fo, id) {
				fo.Delete(tx, i, 1)
			}
		}
		return nil
	})
}
