package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nexuschat/relay/internal/protocol"
)

const (
	initialRetryBackoff = 250 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
)

// ChannelName derives the broker channel for a room.
func ChannelName(roomID uint) string {
	return "room:" + strconv.FormatUint(uint64(roomID), 10)
}

// roomSubscription is the process-local subscriber loop for one room plus
// the number of local connections relying on it.
type roomSubscription struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Relay fans published envelopes out across process instances. Each process
// runs at most one subscriber loop per room; the loop exists exactly while
// the process has at least one active connection in that room (lazy start,
// refcounted stop).
type Relay struct {
	broker   Broker
	registry *Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[uint]*roomSubscription
}

// New creates a Relay over the given broker, delivering inbound envelopes
// through the registry's local broadcast.
func New(broker Broker, registry *Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		broker:   broker,
		registry: registry,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[uint]*roomSubscription),
	}
}

// Publish encodes the envelope and hands it to the broker on the room's
// channel. Every subscribing process, the publisher's included, receives
// it there; there is no separate local fast path, so the sender sees its
// own message in the same relative order as everyone else.
func (r *Relay) Publish(ctx context.Context, roomID uint, env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.broker.Publish(ctx, ChannelName(roomID), payload)
}

// EnsureSubscription starts the room's subscriber loop if this process has
// none and increments its reference count.
func (r *Relay) EnsureSubscription(roomID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[roomID]; ok {
		sub.refs++
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	sub := &roomSubscription{refs: 1, cancel: cancel, done: make(chan struct{})}
	r.subs[roomID] = sub
	go r.run(ctx, roomID, sub.done)
}

// ReleaseSubscription decrements the room's reference count and, at zero,
// stops the loop and unsubscribes from the broker, waiting for the loop to
// finish so no background work leaks past the last connection.
func (r *Relay) ReleaseSubscription(roomID uint) {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.subs, roomID)
	r.mu.Unlock()

	sub.cancel()
	<-sub.done
}

// SubscriptionRefs reports the reference count of a room's subscription.
func (r *Relay) SubscriptionRefs(roomID uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[roomID]; ok {
		return sub.refs
	}
	return 0
}

// run is the subscriber loop for one room. Broker interruptions do not
// close local connections; the loop retries with capped backoff and fan-out
// stays degraded until the broker recovers.
func (r *Relay) run(ctx context.Context, roomID uint, done chan struct{}) {
	defer close(done)

	channel := ChannelName(roomID)
	backoff := time.Duration(0)

	for {
		if ctx.Err() != nil {
			return
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		sub, err := r.broker.Subscribe(ctx, channel)
		if err != nil {
			backoff = nextBackoff(backoff)
			r.logger.Warn("broker subscribe failed",
				"channel", channel, "retry_in", backoff, "error", err)
			continue
		}

		backoff = 0
		r.consume(ctx, roomID, sub)
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff)
		r.logger.Warn("broker stream interrupted",
			"channel", channel, "retry_in", backoff)
	}
}

func (r *Relay) consume(ctx context.Context, roomID uint, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			r.registry.BroadcastLocal(roomID, payload)
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return initialRetryBackoff
	}
	next := current * 2
	if next > maxRetryBackoff {
		return maxRetryBackoff
	}
	return next
}

// Close stops every subscriber loop and waits for them to finish.
func (r *Relay) Close() {
	r.cancel()

	r.mu.Lock()
	pending := make([]*roomSubscription, 0, len(r.subs))
	for roomID, sub := range r.subs {
		pending = append(pending, sub)
		delete(r.subs, roomID)
	}
	r.mu.Unlock()

	for _, sub := range pending {
		<-sub.done
	}
}
