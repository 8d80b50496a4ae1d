package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipe struct {
	ch chan []byte
}

func newPipe(receive func([]byte)) *pipe {
	p := &pipe{ch: make(chan []byte, 1024)}
	go func() {
		for d := range p.ch {
			receive(d)
		}
	}()
	return p
}

func (p *pipe) Send(data []byte) error {
	p.ch <- data
	return nil
}

type holder struct {
	doc     *crdt.Doc
	relay   *Relay
	session *protocol.Session
}

func newHolder(t *testing.T, bus PubSub, client uint64) *holder {
	h := &holder{doc: crdt.NewDoc("doc", crdt.WithClientID(client))}
	h.relay = New("doc", bus, func(d []byte) { h.session.Receive(d) })
	h.session = protocol.NewSession(protocol.CollabDocument, h.doc, nil, h.relay)
	require.NoError(t, h.relay.Start(context.Background()))
	t.Cleanup(func() { h.relay.Close() })
	return h
}

func text(d *crdt.Doc) string {
	return d.Seq("text").String()
}

func write(t *testing.T, d *crdt.Doc, s string) {
	require.NoError(t, d.Transact(nil, func(tx *crdt.Txn) error {
		seq := d.Seq("text")
		return seq.InsertText(tx, seq.Len(), s)
	}))
}

func TestSiblingsShareActiveTransport(t *testing.T) {
	bus := NewMemoryBus()
	server := crdt.NewDoc("doc", crdt.WithClientID(100))

	a := newHolder(t, bus, 1)
	b := newHolder(t, bus, 2)

	var serverSession *protocol.Session
	toA := newPipe(a.relay.Inbound)
	serverSession = protocol.NewSession(protocol.CollabDocument, server, nil, toA)
	toServer := newPipe(func(d []byte) { serverSession.Receive(d) })
	a.relay.Activate(toServer)
	assert.True(t, a.relay.Active())
	assert.False(t, b.relay.Active())

	a.session.Open()
	b.session.Open()
	require.Eventually(t, func() bool {
		return b.session.State() == protocol.StateSynced && a.session.State() == protocol.StateSynced
	}, 2*time.Second, 5*time.Millisecond)

	write(t, b.doc, "b")
	require.Eventually(t, func() bool {
		return text(server) == "b" && text(a.doc) == "b"
	}, 2*time.Second, 5*time.Millisecond)

	write(t, server, "s")
	require.Eventually(t, func() bool {
		return text(a.doc) == text(server) && text(b.doc) == text(server)
	}, 2*time.Second, 5*time.Millisecond)

	write(t, a.doc, "a")
	require.Eventually(t, func() bool {
		return len(text(server)) == 3 && text(a.doc) == text(server) && text(b.doc) == text(server)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendAfterTeardownIsSilent(t *testing.T) {
	bus := NewMemoryBus()
	r := New("doc", bus, func([]byte) {})
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.NoError(t, r.Send([]byte("late")))

	other := New("doc", bus, func([]byte) {})
	bus.Close()
	assert.NoError(t, other.Send(protocol.Message{DocumentID: "doc", Type: protocol.MessageUpdate}.Encode()))
	assert.ErrorIs(t, other.Start(context.Background()), ErrClosed)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	bus := NewMemoryBus()
	var mu sync.Mutex
	var got [][]byte
	r := New("doc", bus, func(d []byte) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	require.NoError(t, bus.Publish(context.Background(), Channel("doc"), []byte("junk")))
	sender := New("doc", bus, func([]byte) {})
	update := protocol.Message{DocumentID: "doc", Type: protocol.MessageUpdate, Payload: []byte{1}}.Encode()
	step1 := protocol.Message{DocumentID: "doc", Type: protocol.MessageSyncStep1}.Encode()
	require.NoError(t, sender.Send(step1))
	require.NoError(t, sender.Send(update))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, update, got[0])
	mu.Unlock()
}

func TestMemoryElector(t *testing.T) {
	e := NewMemoryElector()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := e.Acquire(ctx, "doc", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = e.Acquire(ctx, "doc", "b", time.Second)
	assert.False(t, ok)
	ok, _ = e.Acquire(ctx, "doc", "a", time.Second)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = e.Acquire(ctx, "doc", "b", time.Second)
	assert.True(t, ok)

	require.NoError(t, e.Release(ctx, "doc", "a"))
	ok, _ = e.Acquire(ctx, "doc", "a", time.Second)
	assert.False(t, ok)
	require.NoError(t, e.Release(ctx, "doc", "b"))
	ok, _ = e.Acquire(ctx, "doc", "a", time.Second)
	assert.True(t, ok)
}

func TestCampaignElectsOneHolder(t *testing.T) {
	bus := NewMemoryBus()
	e := NewMemoryElector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relays := []*Relay{New("doc", bus, func([]byte) {}), New("doc", bus, func([]byte) {})}
	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			r.Campaign(ctx, e, 300*time.Millisecond, func(context.Context, func(error)) (protocol.Transport, error) {
				return protocol.TransportFunc(func([]byte) error { return nil }), nil
			})
		}(r)
	}

	require.Eventually(t, func() bool {
		return relays[0].Active() != relays[1].Active()
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	assert.False(t, relays[0].Active())
	assert.False(t, relays[1].Active())
}

type closingTransport struct {
	closed atomic.Bool
}

func (c *closingTransport) Send([]byte) error { return nil }

func (c *closingTransport) Close() error {
	c.closed.Store(true)
	return nil
}

func TestCampaignRedialsAfterTransportLoss(t *testing.T) {
	e := NewMemoryElector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var activations atomic.Int32
	r := New("doc", NewMemoryBus(), func([]byte) {}, WithOnActivate(func() { activations.Add(1) }))

	var mu sync.Mutex
	var dialed []*closingTransport
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Campaign(ctx, e, time.Hour, func(_ context.Context, lost func(error)) (protocol.Transport, error) {
			t := &closingTransport{}
			mu.Lock()
			dialed = append(dialed, t)
			first := len(dialed) == 1
			mu.Unlock()
			if first {
				go lost(errors.New("read loop ended"))
			}
			return t, nil
		})
	}()

	require.Eventually(t, func() bool {
		return activations.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Active())

	mu.Lock()
	require.Len(t, dialed, 2)
	assert.True(t, dialed[0].closed.Load())
	assert.False(t, dialed[1].closed.Load())
	mu.Unlock()

	cancel()
	<-done
	assert.False(t, r.Active())
}

func TestMemoryBusLogsDroppedMessages(t *testing.T) {
	var buf bytes.Buffer
	bus := NewMemoryBus(WithBusLogger(zerolog.New(&buf)))
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, Channel("doc-slow"))
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < subscriptionBuffer+2; i++ {
		require.NoError(t, bus.Publish(ctx, Channel("doc-slow"), []byte{byte(i)}))
	}

	assert.EqualValues(t, 2, bus.Dropped())
	assert.Len(t, sub.Messages(), subscriptionBuffer)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "doc-slow")
}
