package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Bus fans newly inserted signals out to live subscribers.
//
// Delivery is best-effort: a subscriber that is not connected when a signal is
// published never sees it, and no ordering holds across distinct signals.
type Bus interface {
	Publish(ctx context.Context, s Signal) error
	// Subscribe streams signals addressed to calleeID until cancel is called or
	// ctx is done. The returned channel is closed on either.
	Subscribe(ctx context.Context, calleeID string) (<-chan Signal, func(), error)
}

const subscriberBuffer = 64

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	log *slog.Logger

	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Signal
}

func NewMemoryBus(log *slog.Logger) *MemoryBus {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{log: log, subs: make(map[string]map[int]chan Signal)}
}

func (b *MemoryBus) Publish(ctx context.Context, s Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[s.CalleeID] {
		select {
		case ch <- s:
		default:
			b.log.Warn("signal dropped, subscriber buffer full", "callee_id", s.CalleeID, "subscriber", id, "signal_type", s.Type)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, calleeID string) (<-chan Signal, func(), error) {
	if calleeID == "" {
		return nil, nil, fmt.Errorf("signal: callee id is required")
	}
	ch := make(chan Signal, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[calleeID] == nil {
		b.subs[calleeID] = make(map[int]chan Signal)
	}
	b.subs[calleeID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[calleeID], id)
			if len(b.subs[calleeID]) == 0 {
				delete(b.subs, calleeID)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// RedisBus publishes signals on one Redis Pub/Sub channel per recipient.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, log: log}
}

func channelName(calleeID string) string { return "call-signals:" + calleeID }

func (b *RedisBus) Publish(ctx context.Context, s Signal) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelName(s.CalleeID), payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, calleeID string) (<-chan Signal, func(), error) {
	if calleeID == "" {
		return nil, nil, fmt.Errorf("signal: callee id is required")
	}
	ps := b.rdb.Subscribe(ctx, channelName(calleeID))
	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	subCtx, stop := context.WithCancel(ctx)
	out := make(chan Signal, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s Signal
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					b.log.Warn("discarding malformed signal", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- s:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, stop, nil
}
