package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pii-shield/pii-shield/internal"
)

// NATSBus is a Bus over a core NATS connection; channels map 1:1 to
// subjects. Core NATS is fire-and-forget and does not report remote
// receiver counts, so Publish always returns 0 receivers on success.
type NATSBus struct {
	conn *nats.Conn

	mu     sync.Mutex
	subs   []*nats.Subscription
	msgs   chan Message
	closed bool
}

// NewNATSBus connects to the NATS server at url. With reconnect enabled the
// connection retries forever with a one second backoff.
func NewNATSBus(url string, reconnect bool) (*NATSBus, error) {
	var opts []nats.Option
	if reconnect {
		opts = append(opts, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, &internal.TransportError{Err: fmt.Errorf("connecting to NATS at %s: %w", url, err)}
	}
	return &NATSBus{conn: nc}, nil
}

func (b *NATSBus) Publish(channel string, data []byte) (int, error) {
	if err := b.conn.Publish(channel, data); err != nil {
		return 0, &internal.TransportError{Err: err}
	}
	return 0, nil
}

func (b *NATSBus) Subscribe(channels ...string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &internal.TransportError{Err: fmt.Errorf("bus is closed")}
	}
	if b.msgs == nil {
		b.msgs = make(chan Message, 64)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		channel := ch
		sub, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
			b.deliver(Message{Type: TypeMessage, Channel: m.Subject, Data: m.Data})
		})
		if err != nil {
			return &internal.TransportError{Err: fmt.Errorf("subscribing to %s: %w", channel, err)}
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	// Flush ensures the subscriptions are registered on the server before we
	// return, so messages published on other connections are routed to us.
	if err := b.conn.Flush(); err != nil {
		return &internal.TransportError{Err: fmt.Errorf("flushing subscriptions: %w", err)}
	}
	for _, ch := range channels {
		b.deliver(Message{Type: TypeSubscribe, Channel: ch})
	}
	return nil
}

func (b *NATSBus) deliver(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		return
	}
	select {
	case b.msgs <- msg:
	default:
		// Drop rather than block the NATS client's callback goroutine.
	}
}

func (b *NATSBus) Unsubscribe() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	if b.msgs != nil {
		close(b.msgs)
		b.msgs = nil
	}
	return nil
}

func (b *NATSBus) Listen() <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil && !b.closed {
		b.msgs = make(chan Message, 64)
	}
	return b.msgs
}

func (b *NATSBus) Close() error {
	if err := b.Unsubscribe(); err != nil {
		return err
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.conn.Close()
	return nil
}
