package pubsub

import (
	"sync"
	"time"
)

// deliverTimeout bounds how long a publish waits on a slow subscriber
// before dropping the message for that subscriber.
const deliverTimeout = 5 * time.Second

// LocalBus is an in-process broker, used when both roles run in one process
// and by tests that need deterministic receiver counts. Each Connect call
// returns an isolated connection.
type LocalBus struct {
	mu         sync.Mutex
	subs       map[string]map[*LocalConn]struct{}
	bufferSize int
}

func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &LocalBus{
		subs:       make(map[string]map[*LocalConn]struct{}),
		bufferSize: bufferSize,
	}
}

// Connect returns a new connection to the broker.
func (b *LocalBus) Connect() *LocalConn {
	return &LocalConn{bus: b}
}

// LocalConn is one connection to a LocalBus.
type LocalConn struct {
	bus    *LocalBus
	mu     sync.Mutex
	msgs   chan Message
	closed bool
}

// Publish sends data to every connection subscribed to channel and returns
// the number of subscribed connections, whether or not each one managed to
// drain the message in time.
func (c *LocalConn) Publish(channel string, data []byte) (int, error) {
	b := c.bus
	b.mu.Lock()
	conns := make([]*LocalConn, 0, len(b.subs[channel]))
	for conn := range b.subs[channel] {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.deliver(Message{Type: TypeMessage, Channel: channel, Data: data})
	}
	return len(conns), nil
}

func (c *LocalConn) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.msgs == nil {
		return
	}
	select {
	case c.msgs <- msg:
	case <-time.After(deliverTimeout):
		// slow subscriber, drop
	}
}

func (c *LocalConn) Subscribe(channels ...string) error {
	c.mu.Lock()
	if c.msgs == nil {
		c.msgs = make(chan Message, c.bus.bufferSize)
	}
	c.mu.Unlock()

	c.bus.mu.Lock()
	for _, ch := range channels {
		if c.bus.subs[ch] == nil {
			c.bus.subs[ch] = make(map[*LocalConn]struct{})
		}
		c.bus.subs[ch][c] = struct{}{}
	}
	c.bus.mu.Unlock()

	for _, ch := range channels {
		c.deliver(Message{Type: TypeSubscribe, Channel: ch})
	}
	return nil
}

func (c *LocalConn) Unsubscribe() error {
	c.bus.mu.Lock()
	for _, conns := range c.bus.subs {
		delete(conns, c)
	}
	c.bus.mu.Unlock()

	c.mu.Lock()
	if c.msgs != nil {
		close(c.msgs)
		c.msgs = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *LocalConn) Listen() <-chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil && !c.closed {
		c.msgs = make(chan Message, c.bus.bufferSize)
	}
	return c.msgs
}

func (c *LocalConn) Close() error {
	if err := c.Unsubscribe(); err != nil {
		return err
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
