// Package syncer contains the replication pipeline: the Publisher emits
// entities from the secure store onto the bus, the Consumer applies them to
// the isolated store, and the sync-request listener lets the sink role ask
// the source role to publish a session's data.
package syncer

import (
	"context"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/pubsub"
	"github.com/pii-shield/pii-shield/sqlutil"
	"github.com/pii-shield/pii-shield/state"
	"github.com/pii-shield/pii-shield/wire"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	DefaultChannelPrefix = "pii_shield"
	DefaultChannel       = "default"
	DefaultBatchSize     = 100
)

// PublisherOpts configure channel naming, batching and the role check.
// Zero values take the defaults above.
type PublisherOpts struct {
	Prefix         string
	DefaultChannel string
	BatchSize      int
	// Source is true when this process is the role designated to originate
	// data. SyncData refuses to run without it.
	Source bool
}

// Publisher serializes entities and emits them on named bus channels.
// It never retries: transport failures propagate to the caller.
type Publisher struct {
	bus      pubsub.Bus
	registry *pii.Registry
	secure   *state.Storage
	policy   *pii.Policy
	opts     PublisherOpts
}

func NewPublisher(bus pubsub.Bus, registry *pii.Registry, secure *state.Storage, policy *pii.Policy, opts PublisherOpts) *Publisher {
	if opts.Prefix == "" {
		opts.Prefix = DefaultChannelPrefix
	}
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = DefaultChannel
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if policy == nil {
		policy = pii.NewPolicy(0)
	}
	return &Publisher{
		bus:      bus,
		registry: registry,
		secure:   secure,
		policy:   policy,
		opts:     opts,
	}
}

// Publish sends an opaque payload on prefix:channel and returns the
// receiver count reported by the bus.
func (p *Publisher) Publish(channel string, payload []byte) (int, error) {
	full := p.opts.Prefix + ":" + channel
	n, err := p.bus.Publish(full, payload)
	if err != nil {
		logger.Err(err).Str("channel", full).Msg("failed to publish message")
		return 0, err
	}
	logger.Debug().Str("channel", full).Int("receivers", n).Msg("published message")
	return n, nil
}

// PublishEntity serializes one entity and publishes it. An empty channel
// name uses the default channel.
func (p *Publisher) PublishEntity(e pii.Entity, channel string) (int, error) {
	payload, err := wire.Encode([]pii.Entity{e})
	if err != nil {
		return 0, err
	}
	if channel == "" {
		channel = p.opts.DefaultChannel
	}
	return p.Publish(channel, payload)
}

// PublishBatch splits entities into chunks of at most the configured batch
// size and publishes each chunk as one message. The returned receiver
// count is the one reported for the final chunk only, not an aggregate.
func (p *Publisher) PublishBatch(entities []pii.Entity, channel string) (int, error) {
	if channel == "" {
		channel = p.opts.DefaultChannel
	}
	size := p.opts.BatchSize
	var last int
	for start := 0; start < len(entities); start += size {
		end := start + size
		if end > len(entities) {
			end = len(entities)
		}
		payload, err := wire.Encode(entities[start:end])
		if err != nil {
			return 0, err
		}
		last, err = p.Publish(channel, payload)
		if err != nil {
			return 0, err
		}
	}
	return last, nil
}

// SyncData stamps each entity with the session and a fresh expiry, persists
// them all to the secure store in one transaction, and publishes each one
// on the default channel. The publish happens inside the same transactional
// block as the writes and there is no outbox: a crash between commit and
// publish loses the replication signal, so delivery is at most once.
//
// With includeRelated, entities implementing pii.Related are walked
// recursively, decrementing depth and stopping at zero.
//
// Returns false, after logging, when invoked outside the source role or
// when persisting/publishing fails.
func (p *Publisher) SyncData(ctx context.Context, entities []pii.Entity, sessionID string, includeRelated bool, depth int) bool {
	if !p.opts.Source {
		logger.Warn().Err(&internal.ConfigurationError{Msg: "SyncData called outside the source role"}).
			Msg("SyncData should only be called in the source role")
		return false
	}
	err := sqlutil.WithTransaction(ctx, p.secure.DB, func(txn *sqlx.Tx) error {
		return p.syncTxn(txn, entities, sessionID, includeRelated, depth)
	})
	if err != nil {
		logger.Err(err).Str("session_id", sessionID).Msg("SyncData failed")
		return false
	}
	return true
}

func (p *Publisher) syncTxn(txn *sqlx.Tx, entities []pii.Entity, sessionID string, includeRelated bool, depth int) error {
	for _, e := range entities {
		e.SetSession(sessionID)
		p.policy.Stamp(e)
		if err := p.secure.Records.UpsertTxn(txn, e); err != nil {
			return err
		}
		if _, err := p.PublishEntity(e, ""); err != nil {
			return err
		}
		if includeRelated && depth > 0 {
			if rel, ok := e.(pii.Related); ok {
				if err := p.syncTxn(txn, rel.RelatedEntities(), sessionID, includeRelated, depth-1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
