package relay

import (
	"context"
	"io"
	"time"

	"collab-sync-server/internal/protocol"
)

// Connector opens the live transport once this holder is elected. It must
// call lost when the transport stops delivering, so the holder steps down
// and campaigns again.
type Connector func(ctx context.Context, lost func(error)) (protocol.Transport, error)

type lostSignal struct {
	gen int
	err error
}

// Campaign competes for the active holder lease until ctx is done,
// renewing it every ttl/3 while held. On election connect is called and
// the relay is activated. When the lease is lost the transport is closed
// if it implements io.Closer; when the transport is lost the lease is
// released and the holder campaigns again right away.
func (r *Relay) Campaign(ctx context.Context, e Elector, ttl time.Duration, connect Connector) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	lost := make(chan lostSignal)
	gen := 0
	var current protocol.Transport
	drop := func() {
		r.Deactivate()
		if c, ok := current.(io.Closer); ok {
			c.Close()
		}
		current = nil
	}
	for {
		ok, err := e.Acquire(ctx, r.docID, r.id, ttl)
		switch {
		case err != nil:
			r.logger.Info().Err(err).Msg("holder election failed")
		case ok && current == nil:
			gen++
			g := gen
			t, err := connect(ctx, func(err error) {
				select {
				case lost <- lostSignal{gen: g, err: err}:
				case <-ctx.Done():
				}
			})
			if err != nil {
				r.logger.Info().Err(err).Msg("failed to connect as active holder")
				_ = e.Release(ctx, r.docID, r.id)
				break
			}
			current = t
			r.Activate(t)
		case !ok && current != nil:
			r.logger.Info().Msg("lost holder lease")
			drop()
		}

		select {
		case <-ctx.Done():
			if current != nil {
				drop()
				_ = e.Release(context.Background(), r.docID, r.id)
			}
			return
		case sig := <-lost:
			if sig.gen != gen || current == nil {
				continue
			}
			r.logger.Info().Err(sig.err).Msg("active transport lost")
			drop()
			_ = e.Release(ctx, r.docID, r.id)
		case <-ticker.C:
		}
	}
}
