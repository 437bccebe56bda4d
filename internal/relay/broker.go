package relay

import "context"

// Broker is the cross-process publish/subscribe transport. A single
// channel preserves publish order to all subscribers; delivery is
// best-effort, at most once.
type Broker interface {
	// Publish hands the payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a stream of payloads published to channel. The
	// returned subscription stays open until Close is called or the
	// broker connection is interrupted, which closes the message channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one open broker stream.
type Subscription interface {
	// Messages yields payloads in publish order. The channel is closed
	// when the subscription ends for any reason.
	Messages() <-chan []byte
	// Close terminates the subscription and releases broker resources.
	Close() error
}
