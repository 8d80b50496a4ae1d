package service

import (
	"context"
	"fmt"
	"time"

	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/protocol"
	"collab-sync-server/internal/relay"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

const bridgePublishTimeout = 5 * time.Second

type bridgeFrame struct {
	Origin   string `cbor:"1,keyasint"`
	Envelope []byte `cbor:"2,keyasint"`
}

// bridge keeps one replica consistent with the replicas of the same
// document held by other server instances. On start it publishes its state
// summary; every instance answers with what the summary is missing. After
// that each local change is published as an update.
type bridge struct {
	bus        relay.PubSub
	instanceID string
	channel    string
	r          *replica
	sub        relay.Subscription
	unobserve  func()
	done       chan struct{}
	logger     zerolog.Logger
}

func bridgeChannel(collabType, documentID string) string {
	return "collab:server:" + collabType + ":" + documentID
}

func startBridge(ctx context.Context, bus relay.PubSub, instanceID string, r *replica, logger zerolog.Logger) (*bridge, error) {
	channel := bridgeChannel(r.collabType, r.doc.GUID())
	sub, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}
	b := &bridge{
		bus:        bus,
		instanceID: instanceID,
		channel:    channel,
		r:          r,
		sub:        sub,
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "instance_bridge").Str("doc_id", r.doc.GUID()).Logger(),
	}
	b.unobserve = r.doc.Observe(b.onUpdate)
	go b.loop()
	b.publish(protocol.MessageSyncStep1, r.doc.StateSummary())
	return b, nil
}

func (b *bridge) onUpdate(ev *crdt.UpdateEvent) {
	if ev.Origin == b {
		return
	}
	b.publish(protocol.MessageUpdate, ev.Update)
}

func (b *bridge) publish(t protocol.MessageType, payload []byte) {
	m := protocol.Message{CollabType: b.r.collabType, DocumentID: b.r.doc.GUID(), Type: t, Payload: payload}
	data, err := cbor.Marshal(bridgeFrame{Origin: b.instanceID, Envelope: m.Encode()})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to encode frame")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgePublishTimeout)
	defer cancel()
	if err := b.bus.Publish(ctx, b.channel, data); err != nil {
		b.logger.Info().Err(err).Stringer("type", t).Msg("failed to publish")
	}
}

func (b *bridge) loop() {
	defer close(b.done)
	for data := range b.sub.Messages() {
		var f bridgeFrame
		if err := cbor.Unmarshal(data, &f); err != nil {
			b.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		if f.Origin == b.instanceID {
			continue
		}
		m, err := protocol.Decode(f.Envelope)
		if err != nil {
			b.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		switch m.Type {
		case protocol.MessageSyncStep1:
			diff, err := b.r.doc.DiffSince(m.Payload)
			if err != nil {
				b.logger.Warn().Err(err).Msg("dropping state summary")
				continue
			}
			b.publish(protocol.MessageUpdate, diff)
		case protocol.MessageUpdate:
			_ = b.r.doc.ApplyUpdate(m.Payload, b)
		}
	}
}

func (b *bridge) close() {
	b.unobserve()
	b.sub.Close()
	<-b.done
}
