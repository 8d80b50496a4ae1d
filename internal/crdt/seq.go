package crdt

import (
	"strings"
	"unicode/utf8"
)

// Seq is a handle to a replicated sequence. Concurrent inserts at the same
// position are ordered deterministically; positions are re-derived after
// every merge.
type Seq struct {
	doc *Doc
	ref ContainerRef
}

func (s *Seq) Doc() *Doc {
	return s.doc
}

func (s *Seq) live() *container {
	c := s.doc.container(s.ref)
	if c == nil || c.kind != valueSeq {
		return nil
	}
	return c
}

func (s *Seq) Revision() Revision {
	if s == nil {
		return Revision{}
	}
	s.doc.mu.RLock()
	defer s.doc.mu.RUnlock()
	r := Revision{Container: s.ref.key()}
	if c := s.live(); c != nil {
		r.Rev = c.rev
	}
	return r
}

func (s *Seq) Len() int {
	if s == nil {
		return 0
	}
	s.doc.mu.RLock()
	defer s.doc.mu.RUnlock()
	c := s.live()
	if c == nil {
		return 0
	}
	return c.visibleCount()
}

// Values returns the visible elements in order. Nested containers are
// returned as handles.
func (s *Seq) Values() []any {
	if s == nil {
		return nil
	}
	s.doc.mu.RLock()
	defer s.doc.mu.RUnlock()
	c := s.live()
	if c == nil {
		return nil
	}
	items := c.visible()
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, s.doc.handle(it.op))
	}
	return out
}

func (s *Seq) Get(index int) (any, bool) {
	values := s.Values()
	if index < 0 || index >= len(values) {
		return nil, false
	}
	return values[index], true
}

// Maps returns the nested maps of the sequence, skipping other elements.
func (s *Seq) Maps() []*Map {
	var out []*Map
	for _, v := range s.Values() {
		if m, ok := v.(*Map); ok {
			out = append(out, m)
		}
	}
	return out
}

// String concatenates the string elements, which is how text content is
// stored.
func (s *Seq) String() string {
	var b strings.Builder
	for _, v := range s.Values() {
		if str, ok := v.(string); ok {
			b.WriteString(str)
		}
	}
	return b.String()
}

// Insert places primitive values starting at index. Indexes past the end
// append.
func (s *Seq) Insert(tx *Txn, index int, values ...any) error {
	norm := make([]any, 0, len(values))
	for _, v := range values {
		n, err := normalize(v)
		if err != nil {
			return err
		}
		norm = append(norm, n)
	}
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	c := s.live()
	if c == nil {
		return nil
	}
	origin := s.originAt(c, index)
	for _, v := range norm {
		o := tx.apply(&op{Kind: opSeqInsert, Parent: s.ref, Origin: origin, Value: &value{Kind: valuePrimitive, Data: v}})
		id := o.ID
		origin = &id
	}
	return nil
}

func (s *Seq) Push(tx *Txn, values ...any) error {
	return s.Insert(tx, s.Len(), values...)
}

// InsertText inserts s one rune per element so that concurrent edits
// interleave at character granularity.
func (s *Seq) InsertText(tx *Txn, index int, text string) error {
	runes := make([]any, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		runes = append(runes, string(r))
	}
	return s.Insert(tx, index, runes...)
}

// InsertMap inserts a new empty map at index and returns it.
func (s *Seq) InsertMap(tx *Txn, index int) *Map {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	c := s.live()
	if c == nil {
		return nil
	}
	o := tx.apply(&op{Kind: opSeqInsert, Parent: s.ref, Origin: s.originAt(c, index), Value: &value{Kind: valueMap}})
	return &Map{doc: s.doc, ref: nestedRef(o.ID)}
}

func (s *Seq) PushMap(tx *Txn) *Map {
	return s.InsertMap(tx, s.Len())
}

// Delete removes length visible elements starting at index.
func (s *Seq) Delete(tx *Txn, index, length int) {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	c := s.live()
	if c == nil {
		return
	}
	items := c.visible()
	for i := index; i < index+length && i < len(items); i++ {
		if i < 0 {
			continue
		}
		target := items[i].op.ID
		tx.apply(&op{Kind: opSeqDelete, Parent: s.ref, Target: &target})
	}
}

// originAt returns the id of the visible element preceding index. Caller
// holds mu.
func (s *Seq) originAt(c *container, index int) *ID {
	if index <= 0 {
		return nil
	}
	items := c.visible()
	if index > len(items) {
		index = len(items)
	}
	id := items[index-1].op.ID
	return &id
}

func (s *Seq) ToJSON() []any {
	if s == nil {
		return []any{}
	}
	s.doc.mu.RLock()
	defer s.doc.mu.RUnlock()
	c := s.live()
	if c == nil {
		return []any{}
	}
	out, _ := s.doc.export(c).([]any)
	return out
}
