// Package crdt implements the replicated document store: ordered-key maps
// and RGA sequences merged through an operation log. Merging is
// commutative, associative and idempotent, so replicas that have seen the
// same operations hold identical content regardless of delivery order.
package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// UpdateEvent is delivered to observers once per committed transaction or
// applied update batch.
type UpdateEvent struct {
	Origin any
	Update []byte
	Local  bool
}

type Option func(*Doc)

// WithClientID fixes the local client id instead of generating one.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Doc) {
		d.logger = logger
	}
}

type Doc struct {
	guid     string
	clientID uint64
	logger   zerolog.Logger

	// txMu serializes transactions and update batches. mu guards state and
	// is only held for short sections so handles may read inside Transact.
	txMu sync.Mutex
	mu   sync.RWMutex

	lamport    uint64
	nextClock  uint64
	version    uint64
	ops        map[ID]*op
	sv         StateVector
	pending    map[ID]*op
	containers map[string]*container

	obsMu     sync.Mutex
	observers map[int]func(*UpdateEvent)
	nextObs   int
}

func NewDoc(guid string, opts ...Option) *Doc {
	d := &Doc{
		guid:       guid,
		logger:     zerolog.Nop(),
		ops:        make(map[ID]*op),
		sv:         StateVector{},
		pending:    make(map[ID]*op),
		containers: make(map[string]*container),
		observers:  make(map[int]func(*UpdateEvent)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clientID == 0 {
		d.clientID = NewClientID()
	}
	return d
}

func (d *Doc) GUID() string {
	return d.guid
}

func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Version increases once per transaction or applied batch that changed
// the replica.
func (d *Doc) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Observe registers fn for update events and returns a function removing it.
func (d *Doc) Observe(fn func(*UpdateEvent)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Doc) emit(ev *UpdateEvent) {
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*UpdateEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Transact runs fn as one local transaction. Mutations made through the
// handles inside fn are integrated immediately and broadcast to observers
// as a single update once fn returns. Transact must not be nested.
func (d *Doc) Transact(origin any, fn func(tx *Txn) error) error {
	d.txMu.Lock()
	tx := &Txn{doc: d, origin: origin}
	err := fn(tx)
	if len(tx.ops) > 0 {
		d.mu.Lock()
		d.version++
		d.mu.Unlock()
	}
	d.txMu.Unlock()

	if len(tx.ops) > 0 {
		d.emit(&UpdateEvent{Origin: origin, Update: encodeOps(tx.ops), Local: true})
	}
	return err
}

// ApplyUpdate merges remote update bytes. Malformed input is rejected as a
// whole before any state changes. Operations already known are ignored.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	ops, err := decodeOps(data)
	if err != nil {
		d.logger.Warn().Str("doc_id", d.guid).Err(err).Msg("dropping update")
		return err
	}

	d.txMu.Lock()
	d.mu.Lock()
	fresh := make([]*op, 0, len(ops))
	for _, o := range ops {
		if _, known := d.ops[o.ID]; known {
			continue
		}
		d.record(o)
		d.pending[o.ID] = o
		fresh = append(fresh, o)
	}
	d.integratePending()
	if len(fresh) > 0 {
		d.version++
	}
	d.mu.Unlock()
	d.txMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	d.emit(&UpdateEvent{Origin: origin, Update: encodeOps(fresh), Local: false})
	return nil
}

// StateSummary returns the encoded state vector of this replica.
func (d *Doc) StateSummary() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Encode()
}

// DiffSince returns every known operation not covered by the given state
// summary. A nil summary yields the full state.
func (d *Doc) DiffSince(summary []byte) ([]byte, error) {
	sv, err := DecodeStateVector(summary)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	missing := make([]*op, 0)
	for id, o := range d.ops {
		if id.Clock >= sv[id.Client] {
			missing = append(missing, o)
		}
	}
	return encodeOps(missing), nil
}

// EncodeStateAsUpdate returns the full replica state as update bytes.
func (d *Doc) EncodeStateAsUpdate() []byte {
	data, _ := d.DiffSince(nil)
	return data
}

// PendingCount reports operations received but not yet integrable.
func (d *Doc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// record adds o to the op log and advances the state vector. Caller holds mu.
func (d *Doc) record(o *op) {
	d.ops[o.ID] = o
	if o.Time > d.lamport {
		d.lamport = o.Time
	}
	if o.ID.Client == d.clientID && o.ID.Clock >= d.nextClock {
		d.nextClock = o.ID.Clock + 1
	}
	next := d.sv[o.ID.Client]
	for {
		if _, ok := d.ops[ID{Client: o.ID.Client, Clock: next}]; !ok {
			break
		}
		next++
	}
	if next > 0 {
		d.sv[o.ID.Client] = next
	}
}

func (d *Doc) integratePending() {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		ready := make([]*op, 0, len(d.pending))
		for _, o := range d.pending {
			ready = append(ready, o)
		}
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Time != ready[j].Time {
				return ready[i].Time < ready[j].Time
			}
			return ready[i].ID.Client < ready[j].ID.Client
		})
		for _, o := range ready {
			if d.integrate(o) {
				delete(d.pending, o.ID)
				progress = true
			}
		}
	}
}

// target resolves the container an op applies to, creating roots on first
// use. It returns nil when the container is not known yet or its kind does
// not match the op.
func (d *Doc) target(o *op) *container {
	want := valueMap
	if o.Kind == opSeqInsert || o.Kind == opSeqDelete {
		want = valueSeq
	}
	key := o.Parent.key()
	c, ok := d.containers[key]
	if !ok {
		if o.Parent.Op != nil {
			return nil
		}
		c = newContainer(o.Parent, want, nil)
		d.containers[key] = c
	}
	if c.kind != want {
		return nil
	}
	return c
}

// integrate applies o to its container if its dependencies are present.
// Caller holds mu.
func (d *Doc) integrate(o *op) bool {
	c := d.target(o)
	if c == nil {
		return false
	}
	switch o.Kind {
	case opMapSet, opMapDelete:
		if cur, ok := c.entries[o.Key]; !ok || o.newer(cur) {
			c.entries[o.Key] = o
		}
	case opSeqInsert:
		if o.Origin != nil {
			if _, ok := c.index[*o.Origin]; !ok {
				return false
			}
		}
		c.insert(o)
	case opSeqDelete:
		it, ok := c.index[*o.Target]
		if !ok {
			return false
		}
		it.deleted = true
	}
	if o.Value != nil && o.Value.Kind != valuePrimitive {
		ref := nestedRef(o.ID)
		d.containers[ref.key()] = newContainer(ref, o.Value.Kind, c)
	}
	c.touch()
	return true
}

func (d *Doc) container(ref ContainerRef) *container {
	return d.containers[ref.key()]
}

// rootContainer returns the named root, creating an empty one locally.
// Roots are typed by first use.
func (d *Doc) rootContainer(name string, kind valueKind) *container {
	ref := rootRef(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[ref.key()]
	if !ok {
		c = newContainer(ref, kind, nil)
		d.containers[ref.key()] = c
	}
	return c
}

// Map returns the root map with the given name.
func (d *Doc) Map(name string) *Map {
	d.rootContainer(name, valueMap)
	return &Map{doc: d, ref: rootRef(name)}
}

// Seq returns the root sequence with the given name.
func (d *Doc) Seq(name string) *Seq {
	d.rootContainer(name, valueSeq)
	return &Seq{doc: d, ref: rootRef(name)}
}

// ToJSON exports every non-empty root as plain Go values. Two converged
// replicas return equal results.
func (d *Doc) ToJSON() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any)
	for _, c := range d.containers {
		if c.ref.Op != nil || c.rev == 0 {
			continue
		}
		out[c.ref.Root] = d.export(c)
	}
	return out
}

func (d *Doc) export(c *container) any {
	if c.kind == valueMap {
		m := make(map[string]any, len(c.entries))
		for k := range c.entries {
			if o := c.live(k); o != nil {
				m[k] = d.exportValue(o)
			}
		}
		return m
	}
	items := c.visible()
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, d.exportValue(it.op))
	}
	return out
}

func (d *Doc) exportValue(o *op) any {
	if o.Value.Kind == valuePrimitive {
		return o.Value.Data
	}
	if nested := d.container(nestedRef(o.ID)); nested != nil {
		return d.export(nested)
	}
	return nil
}

// Txn collects the local operations of one transaction.
type Txn struct {
	doc    *Doc
	origin any
	ops    []*op
}

func (tx *Txn) Origin() any {
	return tx.origin
}

// apply stamps and integrates a local op. Caller holds mu.
func (tx *Txn) apply(o *op) *op {
	d := tx.doc
	d.lamport++
	o.Time = d.lamport
	o.ID = ID{Client: d.clientID, Clock: d.nextClock}
	d.record(o)
	if !d.integrate(o) {
		// local ops are built from local state and are always integrable
		panic(fmt.Sprintf("crdt: local op %s not integrable", o.ID))
	}
	tx.ops = append(tx.ops, o)
	return o
}
