// Package relay lets several replicas of the same document on one device
// share a single live transport. The active holder forwards what it
// receives from the transport to its siblings over a PubSub port and
// forwards their outbound messages to the transport.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"collab-sync-server/internal/protocol"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type FrameKind uint8

const (
	// FrameInbound carries a message the active holder got from the transport.
	FrameInbound FrameKind = iota + 1
	// FrameOutbound carries a message a holder wants sent to the transport.
	FrameOutbound
)

// frame wraps an envelope unchanged.
type frame struct {
	Origin   string    `cbor:"1,keyasint"`
	Kind     FrameKind `cbor:"2,keyasint"`
	Envelope []byte    `cbor:"3,keyasint"`
}

// Channel returns the fan-out channel of a document.
func Channel(docID string) string {
	return "collab:relay:" + docID
}

type Option func(*Relay)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithHolderID overrides the random holder id.
func WithHolderID(id string) Option {
	return func(r *Relay) {
		r.id = id
	}
}

// WithOnActivate runs fn each time this holder takes over the live
// transport, after the relay routes through it.
func WithOnActivate(fn func()) Option {
	return func(r *Relay) {
		r.onActivate = fn
	}
}

// Relay is one holder's end of the fan-out channel. It implements
// protocol.Transport for the holder's sync session.
type Relay struct {
	id      string
	docID   string
	bus     PubSub
	deliver func([]byte)
	logger  zerolog.Logger

	onActivate func()

	mu        sync.Mutex
	transport protocol.Transport
	sub       Subscription
	closed    bool
	done      chan struct{}
}

// New creates a relay for docID. deliver receives every envelope the local
// session should handle.
func New(docID string, bus PubSub, deliver func([]byte), opts ...Option) *Relay {
	r := &Relay{
		id:      uuid.NewString(),
		docID:   docID,
		bus:     bus,
		deliver: deliver,
		logger:  zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "relay").Str("doc_id", docID).Str("holder", r.id).Logger()
	return r
}

func (r *Relay) HolderID() string {
	return r.id
}

// Start subscribes to the document channel and processes frames until
// Close.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, Channel(r.docID))
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	r.sub = sub
	r.mu.Unlock()
	go r.loop(sub)
	return nil
}

// Activate makes this holder the owner of the live transport.
func (r *Relay) Activate(t protocol.Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
	r.logger.Info().Msg("active holder")
	if r.onActivate != nil {
		r.onActivate()
	}
}

func (r *Relay) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = nil
}

func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport != nil
}

// Send sends an envelope from the local session. The active holder writes
// it to the transport; every holder publishes it so siblings can apply
// updates and the active holder can forward. After Close it does nothing.
func (r *Relay) Send(data []byte) error {
	r.mu.Lock()
	closed, transport := r.closed, r.transport
	r.mu.Unlock()
	if closed {
		return nil
	}
	if transport != nil {
		if err := transport.Send(data); err != nil {
			return err
		}
	}
	return r.publish(FrameOutbound, data)
}

// Inbound is called by the active holder for every message read from the
// transport.
func (r *Relay) Inbound(data []byte) {
	r.deliver(data)
	if err := r.publish(FrameInbound, data); err != nil {
		r.logger.Info().Err(err).Msg("failed to fan out inbound message")
	}
}

func (r *Relay) publish(kind FrameKind, envelope []byte) error {
	data, err := cbor.Marshal(frame{Origin: r.id, Kind: kind, Envelope: envelope})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	err = r.bus.Publish(context.Background(), Channel(r.docID), data)
	if errors.Is(err, ErrClosed) {
		r.logger.Debug().Msg("send after teardown ignored")
		return nil
	}
	return err
}

func (r *Relay) loop(sub Subscription) {
	defer close(r.done)
	for data := range sub.Messages() {
		var f frame
		if err := cbor.Unmarshal(data, &f); err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if f.Origin == r.id {
			continue
		}
		r.handle(f)
	}
}

func (r *Relay) handle(f frame) {
	switch f.Kind {
	case FrameInbound:
		r.deliver(f.Envelope)
	case FrameOutbound:
		r.mu.Lock()
		transport := r.transport
		r.mu.Unlock()
		if transport != nil {
			if err := transport.Send(f.Envelope); err != nil {
				r.logger.Info().Err(err).Msg("failed to forward sibling message")
			}
		}
		m, err := protocol.Decode(f.Envelope)
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping sibling message")
			return
		}
		// siblings share content and presence, never each other's handshakes
		if m.Type == protocol.MessageUpdate || m.Type == protocol.MessageAwareness {
			r.deliver(f.Envelope)
		}
	default:
		r.logger.Warn().Uint8("kind", uint8(f.Kind)).Msg("dropping frame of unknown kind")
	}
}

// Close tears the relay down. It is safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.transport = nil
	sub := r.sub
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-r.done
	return err
}
