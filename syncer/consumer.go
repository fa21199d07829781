package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/pubsub"
	"github.com/pii-shield/pii-shield/wire"
)

// stopJoinTimeout bounds how long Stop waits for the listener goroutine
// before abandoning it.
const stopJoinTimeout = 5 * time.Second

// Applier commits a batch of decoded entities to the isolated store in one
// transaction. *state.Storage implements it.
type Applier interface {
	ApplyAll(ctx context.Context, entities []pii.Entity) error
}

// ConsumerOpts configure subscriptions, retry behavior and the role check.
type ConsumerOpts struct {
	Prefix         string
	DefaultChannel string
	// Channels are extra logical channels to subscribe beyond the default.
	Channels      []string
	MaxRetries    int           // attempts per message, default 3
	RetryDelay    time.Duration // first backoff, default 1s
	BackoffFactor float64       // backoff multiplier, default 2
	// Sink is true when this process is the role designated to receive
	// replicated data. Start refuses to run without it.
	Sink             bool
	EnablePrometheus bool
}

// Consumer is the sink-side background listener. It owns exactly one
// worker goroutine between Start and Stop, which receives bus messages,
// decodes them and commits them to the isolated store with bounded retry.
// Failures never propagate past the worker: after MaxRetries the message
// is dropped and logged.
type Consumer struct {
	bus      pubsub.Bus
	registry *pii.Registry
	isolated Applier
	opts     ConsumerOpts

	mu       sync.Mutex
	running  bool
	stopped  chan struct{}
	channels []string

	processed *prometheus.CounterVec
}

// Status is a point-in-time snapshot of the consumer.
type Status struct {
	Running  bool
	Channels []string
}

func NewConsumer(bus pubsub.Bus, registry *pii.Registry, isolated Applier, opts ConsumerOpts) *Consumer {
	if opts.Prefix == "" {
		opts.Prefix = DefaultChannelPrefix
	}
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = DefaultChannel
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = 2
	}
	c := &Consumer{
		bus:      bus,
		registry: registry,
		isolated: isolated,
		opts:     opts,
	}
	if opts.EnablePrometheus {
		c.processed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piishield",
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Number of bus messages processed, by result",
		}, []string{"result"})
		prometheus.MustRegister(c.processed)
	}
	return c
}

// Start subscribes and spawns the listener goroutine. It refuses to start
// when the process is not the sink role or when already running.
func (c *Consumer) Start() bool {
	if !c.opts.Sink {
		logger.Warn().Err(&internal.ConfigurationError{Msg: "consumer started outside the sink role"}).
			Msg("consumer should only be started in the sink role")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		logger.Warn().Msg("consumer already running")
		return false
	}
	channels := []string{c.opts.Prefix + ":" + c.opts.DefaultChannel}
	for _, ch := range c.opts.Channels {
		channels = append(channels, c.opts.Prefix+":"+ch)
	}
	if err := c.bus.Subscribe(channels...); err != nil {
		logger.Err(err).Strs("channels", channels).Msg("failed to subscribe")
		return false
	}
	c.channels = channels
	c.running = true
	c.stopped = make(chan struct{})
	go c.listen(c.bus.Listen())
	logger.Debug().Strs("channels", channels).Msg("consumer started")
	return true
}

// Stop clears the running flag, unsubscribes, and joins the listener with a
// bounded timeout, after which the worker is abandoned rather than killed.
// Returns false if not running.
func (c *Consumer) Stop() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		logger.Warn().Msg("consumer not running")
		return false
	}
	c.running = false
	c.channels = nil
	stopped := c.stopped
	c.mu.Unlock()

	if err := c.bus.Unsubscribe(); err != nil {
		logger.Err(err).Msg("failed to unsubscribe")
	}
	select {
	case <-stopped:
	case <-time.After(stopJoinTimeout):
		logger.Warn().Msg("timed out waiting for listener to exit")
	}
	logger.Debug().Msg("consumer stopped")
	return true
}

// Restart stops then starts the consumer.
func (c *Consumer) Restart() bool {
	c.Stop()
	return c.Start()
}

func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]string, len(c.channels))
	copy(channels, c.channels)
	return Status{Running: c.running, Channels: channels}
}

// Teardown stops the consumer if needed and releases the bus connection
// and metrics.
func (c *Consumer) Teardown() {
	if c.isRunning() {
		c.Stop()
	}
	if err := c.bus.Close(); err != nil {
		logger.Err(err).Msg("failed to close bus")
	}
	if c.processed != nil {
		prometheus.Unregister(c.processed)
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) listen(msgs <-chan pubsub.Message) {
	defer close(c.stopped)
	for msg := range msgs {
		// cooperative stop: checked once per received message
		if !c.isRunning() {
			return
		}
		if msg.Type != pubsub.TypeMessage {
			continue
		}
		c.processWithRetry(msg)
	}
}

// processWithRetry applies one message, retrying with exponential backoff.
// The same message is attempted up to MaxRetries times; after that it is
// dropped and the failure logged. There is no dead-letter persistence.
func (c *Consumer) processWithRetry(msg pubsub.Message) {
	delay := c.opts.RetryDelay
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * c.opts.BackoffFactor)
		}
		err := c.process(msg)
		if err == nil {
			c.count("ok")
			return
		}
		logger.Err(err).
			Int("attempt", attempt).
			Int("max_retries", c.opts.MaxRetries).
			Str("channel", msg.Channel).
			Msg("failed to process message")
	}
	c.count("dropped")
	logger.Error().
		Int("max_retries", c.opts.MaxRetries).
		Str("channel", msg.Channel).
		Msg("dropping message after exhausting retries")
}

func (c *Consumer) process(msg pubsub.Message) error {
	if len(msg.Data) == 0 {
		return &internal.SerializationError{Err: fmt.Errorf("empty payload")}
	}
	entities, err := wire.Decode(msg.Data, c.registry)
	if err != nil {
		return err
	}
	if err := c.isolated.ApplyAll(context.Background(), entities); err != nil {
		return err
	}
	logger.Debug().Int("num_entities", len(entities)).Str("channel", msg.Channel).Msg("applied message")
	return nil
}

func (c *Consumer) count(result string) {
	if c.processed != nil {
		c.processed.WithLabelValues(result).Inc()
	}
}
