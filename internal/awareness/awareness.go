// Package awareness tracks ephemeral per-participant presence state
// (cursor, selection, user info). Presence is never part of a replica's
// content. Each participant prunes stale records on its own.
package awareness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

var ErrMalformedUpdate = errors.New("malformed awareness update")

// State is the client supplied presence payload.
type State map[string]any

type record struct {
	Client uint64          `cbor:"1,keyasint"`
	Clock  uint64          `cbor:"2,keyasint"`
	State  cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

type wireUpdate struct {
	Records []record `cbor:"1,keyasint"`
}

type entry struct {
	clock   uint64
	state   cbor.RawMessage
	updated time.Time
}

// Change lists the participants affected by one local or remote update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  any
}

func (c Change) empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

// All returns every affected participant.
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

var decMode cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

type Option func(*Awareness)

func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		a.now = now
	}
}

func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		a.timeout = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Awareness) {
		a.logger = logger
	}
}

type Awareness struct {
	clientID uint64
	now      func() time.Time
	timeout  time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	entries   map[uint64]*entry
	observers map[int]func(Change)
	nextObs   int
}

func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID:  clientID,
		now:       time.Now,
		timeout:   DefaultTimeout,
		logger:    zerolog.Nop(),
		entries:   make(map[uint64]*entry),
		observers: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

func (a *Awareness) Timeout() time.Duration {
	return a.timeout
}

// RenewInterval is the tick used by Run. Renewal itself waits for half the
// timeout, so the gap seen by peers stays below timeout/2 + timeout/10.
func (a *Awareness) RenewInterval() time.Duration {
	return a.timeout / 10
}

// Observe registers fn for every change. The returned function removes it.
func (a *Awareness) Observe(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

func (a *Awareness) emit(c Change) {
	if c.empty() {
		return
	}
	a.mu.Lock()
	fns := make([]func(Change), 0, len(a.observers))
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, a.observers[id])
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// SetLocalState replaces this participant's state; nil removes it.
func (a *Awareness) SetLocalState(state State) error {
	var raw cbor.RawMessage
	if state != nil {
		data, err := cbor.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to encode awareness state: %w", err)
		}
		raw = data
	}
	a.mu.Lock()
	prev, ok := a.entries[a.clientID]
	clock := uint64(0)
	if ok {
		clock = prev.clock + 1
	}
	a.entries[a.clientID] = &entry{clock: clock, state: raw, updated: a.now()}
	a.mu.Unlock()

	c := Change{Origin: "local"}
	switch {
	case raw == nil && ok && prev.state != nil:
		c.Removed = []uint64{a.clientID}
	case raw != nil && (!ok || prev.state == nil):
		c.Added = []uint64{a.clientID}
	case raw != nil:
		c.Updated = []uint64{a.clientID}
	}
	a.emit(c)
	return nil
}

// LocalState returns this participant's current state.
func (a *Awareness) LocalState() State {
	s, _ := a.State(a.clientID)
	return s
}

// State returns the live state of a participant.
func (a *Awareness) State(client uint64) (State, bool) {
	a.mu.Lock()
	e, ok := a.entries[client]
	a.mu.Unlock()
	if !ok || e.state == nil {
		return nil, false
	}
	var s State
	if err := decMode.Unmarshal(e.state, &s); err != nil {
		return nil, false
	}
	return s, true
}

// ActiveParticipants returns participants with a live state refreshed
// within the timeout window. It does not depend on Prune having run.
func (a *Awareness) ActiveParticipants() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var out []uint64
	for client, e := range a.entries {
		if e.state == nil {
			continue
		}
		if client != a.clientID && now.Sub(e.updated) > a.timeout {
			continue
		}
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States returns every active participant's state.
func (a *Awareness) States() map[uint64]State {
	out := make(map[uint64]State)
	for _, client := range a.ActiveParticipants() {
		if s, ok := a.State(client); ok {
			out[client] = s
		}
	}
	return out
}

// EncodeUpdate encodes the records of the given participants, or of every
// known participant when none are given.
func (a *Awareness) EncodeUpdate(clients ...uint64) []byte {
	a.mu.Lock()
	if len(clients) == 0 {
		for client := range a.entries {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	u := wireUpdate{Records: make([]record, 0, len(clients))}
	for _, client := range clients {
		if e, ok := a.entries[client]; ok {
			u.Records = append(u.Records, record{Client: client, Clock: e.clock, State: e.state})
		}
	}
	a.mu.Unlock()
	data, err := cbor.Marshal(u)
	if err != nil {
		// raw messages were produced by cbor.Marshal
		panic(err)
	}
	return data
}

// ApplyUpdate merges remote records. A record wins when its clock is
// greater, or equal with a removal. Records about this participant are
// ignored.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var u wireUpdate
	if err := cbor.Unmarshal(data, &u); err != nil {
		a.logger.Warn().Err(err).Msg("dropping malformed awareness update")
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	now := a.now()
	c := Change{Origin: origin}
	a.mu.Lock()
	for _, r := range u.Records {
		if r.Client == a.clientID {
			continue
		}
		prev, ok := a.entries[r.Client]
		if ok && !(r.Clock > prev.clock || (r.Clock == prev.clock && r.State == nil && prev.state != nil)) {
			continue
		}
		a.entries[r.Client] = &entry{clock: r.Clock, state: r.State, updated: now}
		switch {
		case r.State == nil:
			if ok && prev.state != nil {
				c.Removed = append(c.Removed, r.Client)
			}
		case !ok || prev.state == nil:
			c.Added = append(c.Added, r.Client)
		case !bytes.Equal(prev.state, r.State):
			c.Updated = append(c.Updated, r.Client)
		}
	}
	a.mu.Unlock()
	a.emit(c)
	return nil
}

// RemoveStates marks participants as gone, e.g. when their connection
// closes. The returned update lets peers remove them too.
func (a *Awareness) RemoveStates(clients ...uint64) []byte {
	c := Change{Origin: "local"}
	a.mu.Lock()
	for _, client := range clients {
		e, ok := a.entries[client]
		if !ok || e.state == nil {
			continue
		}
		e.state = nil
		e.updated = a.now()
		if client == a.clientID {
			e.clock++
		}
		c.Removed = append(c.Removed, client)
	}
	a.mu.Unlock()
	a.emit(c)
	return a.EncodeUpdate(clients...)
}

// Prune removes remote participants not refreshed within the timeout and
// returns them.
func (a *Awareness) Prune() []uint64 {
	now := a.now()
	c := Change{Origin: "timeout"}
	a.mu.Lock()
	for client, e := range a.entries {
		if client == a.clientID || e.state == nil {
			continue
		}
		if now.Sub(e.updated) > a.timeout {
			e.state = nil
			c.Removed = append(c.Removed, client)
		}
	}
	a.mu.Unlock()
	sort.Slice(c.Removed, func(i, j int) bool { return c.Removed[i] < c.Removed[j] })
	a.emit(c)
	return c.Removed
}

// Renew bumps the local clock when the local state is older than half the
// timeout and returns the update to broadcast, or nil.
func (a *Awareness) Renew() []byte {
	a.mu.Lock()
	e, ok := a.entries[a.clientID]
	if !ok || e.state == nil || a.now().Sub(e.updated) < a.timeout/2 {
		a.mu.Unlock()
		return nil
	}
	e.clock++
	e.updated = a.now()
	a.mu.Unlock()
	return a.EncodeUpdate(a.clientID)
}

// Run prunes and renews every interval until ctx is done. A non-positive
// interval means RenewInterval. broadcast receives renewal updates.
func (a *Awareness) Run(ctx context.Context, interval time.Duration, broadcast func([]byte)) {
	if interval <= 0 {
		interval = a.RenewInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.Prune(); len(removed) > 0 {
				a.logger.Debug().Int("count", len(removed)).Msg("pruned stale participants")
			}
			if update := a.Renew(); update != nil && broadcast != nil {
				broadcast(update)
			}
		}
	}
}
