package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/pubsub"
	"github.com/pii-shield/pii-shield/wire"
)

func TestBusTriggerPublishesSyncRequest(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:sync_requests"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	trigger := &BusTrigger{Bus: bus.Connect()}
	if err := trigger.RequestSync("sess-42"); err != nil {
		t.Fatalf("RequestSync: %s", err)
	}

	msg := drainPayload(t, sub.Listen())
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.Fatalf("unmarshal request: %s", err)
	}
	if req.SessionID != "sess-42" {
		t.Errorf("session_id = %q, want sess-42", req.SessionID)
	}
}

func TestBusTriggerCustomPrefix(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	sub := bus.Connect()
	if err := sub.Subscribe("tenant42:sync_requests"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	trigger := &BusTrigger{Bus: bus.Connect(), Prefix: "tenant42"}
	if err := trigger.RequestSync("sess-1"); err != nil {
		t.Fatalf("RequestSync: %s", err)
	}
	msg := drainPayload(t, sub.Listen())
	if msg.Channel != "tenant42:sync_requests" {
		t.Errorf("channel = %q", msg.Channel)
	}
}

func TestSyncRequestListenerFulfilsRequests(t *testing.T) {
	secure := newTestStorage(t)
	bus := pubsub.NewLocalBus(16)
	registry := newSyncRegistry()

	sink := bus.Connect()
	if err := sink.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	pub := NewPublisher(bus.Connect(), registry, secure, nil, PublisherOpts{Source: true})
	load := func(ctx context.Context, sessionID string) ([]pii.Entity, error) {
		return []pii.Entity{newPerson("p-req", "Ana")}, nil
	}
	listener := NewSyncRequestListener(bus.Connect(), pub, load, "")
	if !listener.Start() {
		t.Fatalf("Start returned false")
	}
	defer listener.Stop()
	if listener.Start() {
		t.Errorf("second Start returned true while running")
	}

	trigger := &BusTrigger{Bus: bus.Connect()}
	if err := trigger.RequestSync("sess-req"); err != nil {
		t.Fatalf("RequestSync: %s", err)
	}

	msg := drainPayload(t, sink.Listen())
	decoded, err := wire.Decode(msg.Data, registry)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("decoded %d entities, want 1", len(decoded))
	}
	got := decoded[0].(*syncPerson)
	if got.ID != "p-req" || got.Session() != "sess-req" {
		t.Errorf("published entity %+v", got)
	}

	// the fulfilled request also persisted to the secure store
	rows, err := secure.Records.SelectBySession("syncer.person", "sess-req")
	if err != nil {
		t.Fatalf("SelectBySession: %s", err)
	}
	if len(rows) != 1 || rows[0].ID != "p-req" {
		t.Errorf("secure rows = %+v", rows)
	}
}

func TestSyncRequestListenerSkipsBadRequests(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	registry := newSyncRegistry()

	sink := bus.Connect()
	if err := sink.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	var loads int32
	pub := NewPublisher(bus.Connect(), registry, nil, nil, PublisherOpts{Source: true})
	load := func(ctx context.Context, sessionID string) ([]pii.Entity, error) {
		atomic.AddInt32(&loads, 1)
		return nil, errors.New("no such session")
	}
	listener := NewSyncRequestListener(bus.Connect(), pub, load, "")
	if !listener.Start() {
		t.Fatalf("Start returned false")
	}
	defer listener.Stop()

	raw := bus.Connect()
	// malformed JSON and a request without a session id never hit the loader
	if _, err := raw.Publish("pii_shield:sync_requests", []byte("not json")); err != nil {
		t.Fatalf("Publish: %s", err)
	}
	if _, err := raw.Publish("pii_shield:sync_requests", []byte(`{"session_id":""}`)); err != nil {
		t.Fatalf("Publish: %s", err)
	}
	// a loader failure is logged and swallowed
	trigger := &BusTrigger{Bus: bus.Connect()}
	if err := trigger.RequestSync("sess-err"); err != nil {
		t.Fatalf("RequestSync: %s", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&loads) == 1 }, "loader invoked once")
	select {
	case msg := <-sink.Listen():
		if msg.Type == pubsub.TypeMessage {
			t.Errorf("unexpected publish: %+v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
