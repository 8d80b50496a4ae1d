package crdt

import (
	"sort"
)

// Revision identifies the state of a container and everything nested in it.
// It changes whenever any operation is integrated beneath the container.
type Revision struct {
	Container string
	Rev       uint64
}

// Map is a handle to an ordered-key map container. Values are last-writer-wins
// per key. Read methods on a nil *Map behave as on an empty map.
type Map struct {
	doc *Doc
	ref ContainerRef
}

func (m *Map) Doc() *Doc {
	return m.doc
}

// live returns the container if it exists and is a map. Caller holds mu.
func (m *Map) live() *container {
	c := m.doc.container(m.ref)
	if c == nil || c.kind != valueMap {
		return nil
	}
	return c
}

func (m *Map) Revision() Revision {
	if m == nil {
		return Revision{}
	}
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	r := Revision{Container: m.ref.key()}
	if c := m.live(); c != nil {
		r.Rev = c.rev
	}
	return r
}

// Get returns the value for key: a primitive, or a *Map / *Seq handle for
// nested containers.
func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	c := m.live()
	if c == nil {
		return nil, false
	}
	o := c.live(key)
	if o == nil {
		return nil, false
	}
	return m.doc.handle(o), true
}

func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Map) GetString(key string) string {
	v, _ := m.Get(key)
	s, _ := v.(string)
	return s
}

func (m *Map) GetInt64(key string) int64 {
	v, _ := m.Get(key)
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	return 0
}

func (m *Map) GetBool(key string) bool {
	v, _ := m.Get(key)
	b, _ := v.(bool)
	return b
}

func (m *Map) GetMap(key string) *Map {
	v, _ := m.Get(key)
	nested, _ := v.(*Map)
	return nested
}

func (m *Map) GetSeq(key string) *Seq {
	v, _ := m.Get(key)
	nested, _ := v.(*Seq)
	return nested
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	c := m.live()
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		if c.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Len() int {
	return len(m.Keys())
}

// Set writes a primitive value (string, integer, float, bool or nil).
func (m *Map) Set(tx *Txn, key string, v any) error {
	norm, err := normalize(v)
	if err != nil {
		return err
	}
	m.write(tx, &op{Kind: opMapSet, Key: key, Value: &value{Kind: valuePrimitive, Data: norm}})
	return nil
}

func (m *Map) Delete(tx *Txn, key string) {
	if !m.Has(key) {
		return
	}
	m.write(tx, &op{Kind: opMapDelete, Key: key})
}

// SetMap stores a new empty nested map under key and returns it.
func (m *Map) SetMap(tx *Txn, key string) *Map {
	o := m.write(tx, &op{Kind: opMapSet, Key: key, Value: &value{Kind: valueMap}})
	if o == nil {
		return nil
	}
	return &Map{doc: m.doc, ref: nestedRef(o.ID)}
}

// SetSeq stores a new empty nested sequence under key and returns it.
func (m *Map) SetSeq(tx *Txn, key string) *Seq {
	o := m.write(tx, &op{Kind: opMapSet, Key: key, Value: &value{Kind: valueSeq}})
	if o == nil {
		return nil
	}
	return &Seq{doc: m.doc, ref: nestedRef(o.ID)}
}

func (m *Map) write(tx *Txn, o *op) *op {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	if m.live() == nil {
		return nil
	}
	o.Parent = m.ref
	return tx.apply(o)
}

// ToJSON exports the map content as plain values.
func (m *Map) ToJSON() map[string]any {
	if m == nil {
		return map[string]any{}
	}
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	c := m.live()
	if c == nil {
		return map[string]any{}
	}
	out, _ := m.doc.export(c).(map[string]any)
	return out
}

func (d *Doc) handle(o *op) any {
	switch o.Value.Kind {
	case valueMap:
		return &Map{doc: d, ref: nestedRef(o.ID)}
	case valueSeq:
		return &Seq{doc: d, ref: nestedRef(o.ID)}
	}
	return o.Value.Data
}
