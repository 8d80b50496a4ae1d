package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub carries relay frames between processes over Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	opts   busOptions
	lost   atomic.Int64
}

func NewRedisPubSub(client *redis.Client, opts ...BusOption) *RedisPubSub {
	return &RedisPubSub{client: client, opts: newBusOptions(opts)}
}

func (p *RedisPubSub) Publish(ctx context.Context, channel string, data []byte) error {
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := p.client.Subscribe(ctx, channel)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	s := &redisSub{ps: ps, ch: make(chan []byte, subscriptionBuffer), channel: channel, bus: p}
	go s.forward()
	return s, nil
}

type redisSub struct {
	ps      *redis.PubSub
	ch      chan []byte
	channel string
	bus     *RedisPubSub
	once    sync.Once
}

func (s *redisSub) forward() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- []byte(msg.Payload):
		default:
			s.bus.opts.dropped(s.channel, &s.bus.lost)
		}
	}
}

func (s *redisSub) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
	})
	return err
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisElector stores the active holder lease as a Redis key with a TTL.
type RedisElector struct {
	client *redis.Client
	prefix string
}

func NewRedisElector(client *redis.Client) *RedisElector {
	return &RedisElector{client: client, prefix: "collab:holder:"}
}

func (e *RedisElector) Acquire(ctx context.Context, docID, holder string, ttl time.Duration) (bool, error) {
	key := e.prefix + docID
	ok, err := e.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire holder lease: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, e.client, []string{key}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew holder lease: %w", err)
	}
	return renewed == 1, nil
}

func (e *RedisElector) Release(ctx context.Context, docID, holder string) error {
	if err := releaseScript.Run(ctx, e.client, []string{e.prefix + docID}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release holder lease: %w", err)
	}
	return nil
}
