package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the cross-process Bus backend. Redis pub/sub gives exactly the
// spec'd guarantees: at-most-once, per-channel publish order, no replay.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, channel string, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := r.client.PSubscribe(ctx, pattern)
	// Force the subscription on the wire before returning so a publish
	// immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", pattern, err)
	}
	sub := &redisSub{ps: ps, ch: make(chan Event, 256)}
	go sub.drain()
	return sub, nil
}

func (r *Redis) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(pingCtx).Err() == nil
}

func (r *Redis) Close() error { return r.client.Close() }

type redisSub struct {
	ps *redis.PubSub
	ch chan Event
}

func (s *redisSub) drain() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			log.Printf("bus: dropping undecodable event on %s: %v", msg.Channel, err)
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Best-effort: a stalled consumer loses events instead of
			// backing up every channel on this subscriber.
		}
	}
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error { return s.ps.Close() }
