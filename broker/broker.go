// Package broker is the transport under the signal/slot layer. A Broker
// publishes framed wire messages on subjects and delivers the messages of a
// subject, filtered by a Selector, to a handler. Three transports exist:
// NATS (the default), MQTT, and an in-process Memory hub used by tests and
// single-process setups.
//
// Subjects are derived from the Karabo topic by Topics:
//
//	karabo.<topic>.slots.<instanceId>      messages addressed to one instance
//	karabo.<topic>.broadcast               messages addressed to "*"
//	karabo.<topic>.beats                   heartbeats
//	karabo.<topic>.signals.<id>.<signal>   signals emitted by <id>
//
// Every transport delivers all subscriptions of one session from a single
// goroutine, so the messages one Broker publishes reach a receiving session
// in publish order even when they travel on different subjects. Transports
// stamp MQTimestamp on publish.
package broker

import (
	"context"

	"github.com/European-XFEL/Karabo-sub011/wire"
)

// Handler receives one message. The handlers of one session run
// sequentially, so a handler that blocks holds up every subject of the
// session.
type Handler func(m *wire.Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Broker is a connected session on one Karabo topic.
type Broker interface {
	// Connect opens the session, retrying per the reconnect schedule until
	// ctx ends.
	Connect(ctx context.Context) error
	// Publish sends m on subject. It blocks while the transport applies
	// flow control.
	Publish(ctx context.Context, subject string, m *wire.Message) error
	// Subscribe delivers messages on subject that pass sel to h.
	Subscribe(subject string, sel Selector, h Handler) (Subscription, error)
	// Topics returns the subject layout of the session's topic.
	Topics() Topics
	// OnConnectionChange registers fn, called on every transition.
	OnConnectionChange(fn func(connected bool))
	Close(ctx context.Context) error
}

// Channel subscribes and returns the messages as a channel of capacity
// size. Delivery blocks while the channel is full. The returned cancel
// function unsubscribes and releases a blocked delivery; the channel itself
// is left open.
func Channel(b Broker, subject string, sel Selector, size int) (<-chan *wire.Message, func() error, error) {
	ch := make(chan *wire.Message, size)
	done := make(chan struct{})
	sub, err := b.Subscribe(subject, sel, func(m *wire.Message) {
		select {
		case ch <- m:
		case <-done:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	cancel := func() error {
		err := sub.Unsubscribe()
		select {
		case <-done:
		default:
			close(done)
		}
		return err
	}
	return ch, cancel, nil
}

// PublishAll routes m with Topics.Route and publishes it on every subject.
func PublishAll(ctx context.Context, b Broker, m *wire.Message) error {
	for _, subject := range b.Topics().Route(m) {
		if err := b.Publish(ctx, subject, m); err != nil {
			return err
		}
	}
	return nil
}
