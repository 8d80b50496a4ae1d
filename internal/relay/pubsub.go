package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// subscriptionBuffer is how many messages a subscriber may lag behind
// before messages to it are dropped.
const subscriptionBuffer = 256

// ErrClosed is returned by ports that have been torn down.
var ErrClosed = errors.New("relay channel closed")

// PubSub is a fan-out primitive: every subscriber of a channel, the
// publisher's own subscriptions included, receives every message published
// after it subscribed.
type PubSub interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type busOptions struct {
	logger zerolog.Logger
}

type BusOption func(*busOptions)

// WithBusLogger logs messages dropped for slow subscribers.
func WithBusLogger(logger zerolog.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

func newBusOptions(opts []BusOption) busOptions {
	o := busOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "relay_bus").Logger()
	return o
}

// dropped logs a message lost because a subscriber's buffer is full.
func (o busOptions) dropped(channel string, counter *atomic.Int64) {
	n := counter.Add(1)
	o.logger.Warn().Str("channel", channel).Int64("dropped", n).Msg("subscriber buffer full, message dropped")
}

// MemoryBus is an in-process PubSub.
type MemoryBus struct {
	opts   busOptions
	lost   atomic.Int64
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus(opts ...BusOption) *MemoryBus {
	return &MemoryBus{opts: newBusOptions(opts), subs: make(map[string]map[*memorySub]struct{})}
}

// Dropped counts messages lost to full subscriber buffers.
func (b *MemoryBus) Dropped() int64 {
	return b.lost.Load()
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySub) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.channel], s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Publish delivers to every subscriber whose buffer has room and logs the
// ones that had none.
func (b *MemoryBus) Publish(_ context.Context, channel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		msg := append([]byte(nil), data...)
		select {
		case s.ch <- msg:
		default:
			b.opts.dropped(channel, &b.lost)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, channel: channel, ch: make(chan []byte, subscriptionBuffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Close tears the bus down; later publishes fail with ErrClosed.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*memorySub]struct{})
	b.closed = true
	b.mu.Unlock()
	for _, set := range subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
	}
}
