package crdt

type item struct {
	op      *op
	deleted bool
}

type container struct {
	ref    ContainerRef
	kind   valueKind
	parent *container
	rev    uint64

	entries map[string]*op

	items []*item
	index map[ID]*item
}

func newContainer(ref ContainerRef, kind valueKind, parent *container) *container {
	c := &container{ref: ref, kind: kind, parent: parent}
	if kind == valueMap {
		c.entries = make(map[string]*op)
	} else {
		c.index = make(map[ID]*item)
	}
	return c
}

// touch bumps the revision of c and every ancestor so that a revision
// covers all nested content.
func (c *container) touch() {
	for x := c; x != nil; x = x.parent {
		x.rev++
	}
}

func (c *container) position(id ID) int {
	for i, it := range c.items {
		if it.op.ID == id {
			return i
		}
	}
	return -1
}

// insert places o using the RGA rule: after its origin, skipping every
// item that is newer than o.
func (c *container) insert(o *op) {
	pos := 0
	if o.Origin != nil {
		pos = c.position(*o.Origin) + 1
	}
	for pos < len(c.items) && c.items[pos].op.newer(o) {
		pos++
	}
	it := &item{op: o}
	c.items = append(c.items, nil)
	copy(c.items[pos+1:], c.items[pos:])
	c.items[pos] = it
	c.index[o.ID] = it
}

func (c *container) visible() []*item {
	out := make([]*item, 0, len(c.items))
	for _, it := range c.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

func (c *container) visibleCount() int {
	n := 0
	for _, it := range c.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// live returns the winning entry for key, or nil if absent or deleted.
func (c *container) live(key string) *op {
	o, ok := c.entries[key]
	if !ok || o.Kind == opMapDelete {
		return nil
	}
	return o
}
