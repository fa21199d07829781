package pubsub

import "github.com/prometheus/client_golang/prometheus"

// PromBus wraps a Bus and counts published messages per channel.
type PromBus struct {
	Bus
	published *prometheus.CounterVec
}

// NewPromBus wraps b with prometheus metrics under the given subsystem.
func NewPromBus(b Bus, subsystem string) *PromBus {
	p := &PromBus{
		Bus: b,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piishield",
			Subsystem: subsystem,
			Name:      "published_total",
			Help:      "Number of messages published to the bus",
		}, []string{"channel"}),
	}
	prometheus.MustRegister(p.published)
	return p
}

func (p *PromBus) Publish(channel string, data []byte) (int, error) {
	p.published.WithLabelValues(channel).Inc()
	return p.Bus.Publish(channel, data)
}

func (p *PromBus) Close() error {
	prometheus.Unregister(p.published)
	return p.Bus.Close()
}
