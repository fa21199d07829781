package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/pubsub"
)

// SyncRequestsChannel is the logical control channel the sink role uses to
// ask the source role to publish a session's data.
const SyncRequestsChannel = "sync_requests"

type syncRequest struct {
	SessionID string `json:"session_id"`
}

// BusTrigger requests synchronization of a session by publishing on the
// control channel. The request gate holds one.
type BusTrigger struct {
	Bus    pubsub.Bus
	Prefix string
}

func (t *BusTrigger) RequestSync(sessionID string) error {
	payload, err := json.Marshal(syncRequest{SessionID: sessionID})
	if err != nil {
		return &internal.SerializationError{Err: err}
	}
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if _, err := t.Bus.Publish(prefix+":"+SyncRequestsChannel, payload); err != nil {
		return err
	}
	return nil
}

// Loader fetches the entities belonging to a session from the secure
// store's domain layer.
type Loader func(ctx context.Context, sessionID string) ([]pii.Entity, error)

// SyncRequestListener runs on the source role. It consumes sync requests
// from the control channel, loads the session's entities and runs SyncData
// for them with the related-record walk enabled.
type SyncRequestListener struct {
	bus    pubsub.Bus
	pub    *Publisher
	load   Loader
	prefix string

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

func NewSyncRequestListener(bus pubsub.Bus, pub *Publisher, load Loader, prefix string) *SyncRequestListener {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &SyncRequestListener{
		bus:    bus,
		pub:    pub,
		load:   load,
		prefix: prefix,
	}
}

func (l *SyncRequestListener) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		logger.Warn().Msg("sync request listener already running")
		return false
	}
	channel := l.prefix + ":" + SyncRequestsChannel
	if err := l.bus.Subscribe(channel); err != nil {
		logger.Err(err).Str("channel", channel).Msg("failed to subscribe")
		return false
	}
	l.running = true
	l.stopped = make(chan struct{})
	go l.listen(l.bus.Listen())
	logger.Debug().Str("channel", channel).Msg("sync request listener started")
	return true
}

func (l *SyncRequestListener) Stop() bool {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return false
	}
	l.running = false
	stopped := l.stopped
	l.mu.Unlock()

	if err := l.bus.Unsubscribe(); err != nil {
		logger.Err(err).Msg("failed to unsubscribe")
	}
	select {
	case <-stopped:
	case <-time.After(stopJoinTimeout):
		logger.Warn().Msg("timed out waiting for sync request listener to exit")
	}
	return true
}

func (l *SyncRequestListener) listen(msgs <-chan pubsub.Message) {
	defer close(l.stopped)
	for msg := range msgs {
		l.mu.Lock()
		running := l.running
		l.mu.Unlock()
		if !running {
			return
		}
		if msg.Type != pubsub.TypeMessage {
			continue
		}
		l.handle(msg)
	}
}

func (l *SyncRequestListener) handle(msg pubsub.Message) {
	var req syncRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		logger.Err(err).Str("channel", msg.Channel).Msg("malformed sync request")
		return
	}
	if req.SessionID == "" {
		logger.Warn().Str("channel", msg.Channel).Msg("sync request without session id")
		return
	}
	ctx := context.Background()
	entities, err := l.load(ctx, req.SessionID)
	if err != nil {
		logger.Err(err).Str("session_id", req.SessionID).Msg("failed to load session entities")
		return
	}
	if len(entities) == 0 {
		logger.Warn().Str("session_id", req.SessionID).Msg("no entities to sync for session")
		return
	}
	if !l.pub.SyncData(ctx, entities, req.SessionID, true, 1) {
		logger.Error().Str("session_id", req.SessionID).Msg("sync request was not fulfilled")
	}
}
