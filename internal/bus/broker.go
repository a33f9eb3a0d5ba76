package bus

import "context"

// Broker is the external publish/subscribe transport shared by all instances.
//
// Implementations keep publication and subscription on separate connections so a burst
// of publishes never waits behind inbound delivery.
type Broker interface {
	// Connect establishes both the publishing and the subscribing connection
	Connect(ctx context.Context) error
	// Publish sends data on channel
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe delivers every message on channel to fn, in broker order, until Close.
	// It returns once the subscription is active; ctx bounds only that wait.
	Subscribe(ctx context.Context, channel string, fn func(data []byte)) error
	// Subscribed reports whether every subscription is currently live
	Subscribed() bool
	// Close tears down both connections. It must be idempotent.
	Close() error
}
