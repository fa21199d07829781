// Package pubsub provides the message bus the sync engine publishes and
// consumes on. Delivery is fire-and-forget with no backlog: a subscriber
// that is disconnected when a message is published never receives it. The
// request gate re-triggers synchronization on the next stale request, which
// is the system's recovery path for missed messages.
package pubsub

// Event types seen on a bus connection. Only TypeMessage carries a payload;
// the others are control events emitted on subscription changes and must be
// ignored by consumers.
const (
	TypeMessage     = "message"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Message is one event received from a bus connection.
type Message struct {
	Type    string
	Channel string
	Data    []byte
}

// Bus is a single connection to a pub/sub transport. A connection is owned
// exclusively by one Publisher or Consumer; it must not be shared.
type Bus interface {
	// Publish sends data on channel and returns the number of receivers the
	// transport reported. Transports that cannot count remote receivers
	// report 0; 0 receivers is not an error.
	Publish(channel string, data []byte) (int, error)
	// Subscribe adds channels to this connection's subscription set.
	Subscribe(channels ...string) error
	// Unsubscribe drops all subscriptions and closes the current Listen
	// stream. The connection may be re-subscribed afterwards.
	Unsubscribe() error
	// Listen returns the stream of messages and control events for this
	// connection. The channel is closed by Unsubscribe and Close.
	Listen() <-chan Message
	// Close releases the connection. Implies Unsubscribe.
	Close() error
}
