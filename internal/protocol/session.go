package protocol

import (
	"sync"

	"collab-sync-server/internal/awareness"
	"collab-sync-server/internal/crdt"

	"github.com/rs/zerolog"
)

// Transport delivers encoded envelopes to the peer. Send must be safe for
// concurrent use.
type Transport interface {
	Send(data []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(data []byte) error

func (f TransportFunc) Send(data []byte) error {
	return f(data)
}

type State int

const (
	StateUninitialized State = iota
	StateAwaitingPeerState
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingPeerState:
		return "awaiting_peer_state"
	case StateSynced:
		return "synced"
	}
	return "unknown"
}

type SessionOption func(*Session)

func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session runs the sync handshake for one document with one peer. Inbound
// messages go through Receive; document and awareness changes are pushed to
// the peer by observers registered at construction. Nothing here returns protocol errors to
// the caller: bad input is logged and dropped.
type Session struct {
	collabType string
	doc        *crdt.Doc
	awareness  *awareness.Awareness
	logger     zerolog.Logger

	mu          sync.Mutex
	transport   Transport
	state       State
	sentStep1   bool
	answered    bool
	peerClients map[uint64]bool
	unobserve   []func()
	closed      bool
	// local updates made before the peer can take them
	pending [][]byte
}

// NewSession creates a session. aw may be nil when presence is not used.
func NewSession(collabType string, doc *crdt.Doc, aw *awareness.Awareness, transport Transport, opts ...SessionOption) *Session {
	s := &Session{
		collabType:  collabType,
		doc:         doc,
		awareness:   aw,
		transport:   transport,
		logger:      zerolog.Nop(),
		peerClients: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sync_session").Str("doc_id", doc.GUID()).Logger()
	s.unobserve = append(s.unobserve, doc.Observe(s.onUpdate))
	if aw != nil {
		s.unobserve = append(s.unobserve, aw.Observe(s.onAwareness))
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) DocumentID() string {
	return s.doc.GUID()
}

// PeerClients returns the awareness client ids announced by the peer.
func (s *Session) PeerClients() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.peerClients))
	for id := range s.peerClients {
		out = append(out, id)
	}
	return out
}

// Open sends our state summary and presence.
func (s *Session) Open() {
	s.mu.Lock()
	s.state = StateAwaitingPeerState
	s.sentStep1 = true
	s.mu.Unlock()

	s.send(MessageSyncStep1, s.doc.StateSummary())
	if s.awareness != nil {
		s.send(MessageAwareness, s.awareness.EncodeUpdate())
	}
}

// Reconnect swaps the transport and reruns the handshake from the start.
func (s *Session) Reconnect(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.state = StateUninitialized
	s.sentStep1 = false
	s.answered = false
	s.mu.Unlock()
	s.Open()
}

// Close stops observing. Presence announced by the peer is removed and the
// removal is broadcast to the other sessions of the same awareness.
func (s *Session) Close() {
	s.mu.Lock()
	unobserve := s.unobserve
	s.unobserve = nil
	s.closed = true
	clients := make([]uint64, 0, len(s.peerClients))
	for id := range s.peerClients {
		clients = append(clients, id)
	}
	s.peerClients = make(map[uint64]bool)
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range unobserve {
		fn()
	}
	if s.awareness != nil && len(clients) > 0 {
		s.awareness.RemoveStates(clients...)
	}
}

// Receive handles one inbound envelope.
func (s *Session) Receive(data []byte) {
	m, err := Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping message")
		return
	}
	s.Handle(m)
}

// Handle processes a decoded message.
func (s *Session) Handle(m Message) {
	if m.DocumentID != s.doc.GUID() {
		s.logger.Warn().Str("message_doc_id", m.DocumentID).Msg("dropping message for another document")
		return
	}
	s.logger.Debug().Stringer("type", m.Type).Int("size", len(m.Payload)).Msg("received")

	switch m.Type {
	case MessageSyncStep1:
		diff, err := s.doc.DiffSince(m.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping sync step 1")
			return
		}
		s.send(MessageSyncStep2, diff)
		s.mu.Lock()
		s.answered = true
		needStep1 := !s.sentStep1
		if needStep1 {
			s.sentStep1 = true
			s.state = StateAwaitingPeerState
		}
		s.mu.Unlock()
		if needStep1 {
			s.send(MessageSyncStep1, s.doc.StateSummary())
		}
		s.flushPending()
	case MessageSyncStep2:
		if err := s.doc.ApplyUpdate(m.Payload, s); err != nil {
			return
		}
		s.mu.Lock()
		s.state = StateSynced
		s.mu.Unlock()
		s.flushPending()
	case MessageUpdate:
		_ = s.doc.ApplyUpdate(m.Payload, s)
	case MessageAwareness:
		if s.awareness == nil {
			return
		}
		_ = s.awareness.ApplyUpdate(m.Payload, s)
	case MessageQueryAwareness:
		if s.awareness != nil {
			s.send(MessageAwareness, s.awareness.EncodeUpdate())
		}
	}
}

// canBroadcast reports whether local updates should be pushed: once synced,
// or once the peer's summary was answered so the peer already holds
// everything before this update.
func (s *Session) canBroadcast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && (s.state == StateSynced || s.answered)
}

func (s *Session) onUpdate(ev *crdt.UpdateEvent) {
	if ev.Origin == s {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state != StateSynced && !s.answered {
		s.pending = append(s.pending, ev.Update)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.send(MessageUpdate, ev.Update)
}

// flushPending sends updates buffered before the handshake allowed
// broadcasting. A peer that never sends its own summary (a relay sibling)
// only learns about them this way.
func (s *Session) flushPending() {
	if !s.canBroadcast() {
		return
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, update := range pending {
		s.send(MessageUpdate, update)
	}
}

func (s *Session) onAwareness(c awareness.Change) {
	if c.Origin == s {
		s.mu.Lock()
		for _, id := range c.Added {
			s.peerClients[id] = true
		}
		for _, id := range c.Removed {
			delete(s.peerClients, id)
		}
		s.mu.Unlock()
		return
	}
	s.send(MessageAwareness, s.awareness.EncodeUpdate(c.All()...))
}

func (s *Session) send(t MessageType, payload []byte) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport == nil {
		return
	}
	m := Message{CollabType: s.collabType, DocumentID: s.doc.GUID(), Type: t, Payload: payload}
	if err := transport.Send(m.Encode()); err != nil {
		s.logger.Info().Err(err).Stringer("type", t).Msg("failed to send")
	}
}
