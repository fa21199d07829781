package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/pii-shield/pii-shield/pii"
	"github.com/pii-shield/pii-shield/pubsub"
	"github.com/pii-shield/pii-shield/wire"
)

func TestPublishPrefixesChannel(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	ch := sub.Listen()

	pub := NewPublisher(bus.Connect(), newSyncRegistry(), nil, nil, PublisherOpts{})
	n, err := pub.Publish("default", []byte("payload"))
	if err != nil {
		t.Fatalf("Publish: %s", err)
	}
	if n != 1 {
		t.Errorf("receiver count = %d, want 1", n)
	}
	msg := drainPayload(t, ch)
	if msg.Channel != "pii_shield:default" || string(msg.Data) != "payload" {
		t.Errorf("got message %+v", msg)
	}
}

func TestPublishCustomPrefix(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	sub := bus.Connect()
	if err := sub.Subscribe("tenant42:orders"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	pub := NewPublisher(bus.Connect(), newSyncRegistry(), nil, nil, PublisherOpts{Prefix: "tenant42"})
	if _, err := pub.Publish("orders", []byte("x")); err != nil {
		t.Fatalf("Publish: %s", err)
	}
	msg := drainPayload(t, sub.Listen())
	if msg.Channel != "tenant42:orders" {
		t.Errorf("channel = %q, want tenant42:orders", msg.Channel)
	}
}

func TestPublishEntityUsesDefaultChannel(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	registry := newSyncRegistry()
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	pub := NewPublisher(bus.Connect(), registry, nil, nil, PublisherOpts{})
	person := newPerson("p1", "Ana")
	person.SetSession("sess-1")
	if _, err := pub.PublishEntity(person, ""); err != nil {
		t.Fatalf("PublishEntity: %s", err)
	}

	msg := drainPayload(t, sub.Listen())
	entities, err := wire.Decode(msg.Data, registry)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	if len(entities) != 1 {
		t.Fatalf("decoded %d entities, want 1", len(entities))
	}
	got := entities[0].(*syncPerson)
	if got.ID != "p1" || got.Name != "Ana" || got.Session() != "sess-1" {
		t.Errorf("round-tripped entity %+v", got)
	}
}

func TestPublishBatchChunks(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	registry := newSyncRegistry()
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	ch := sub.Listen()

	pub := NewPublisher(bus.Connect(), registry, nil, nil, PublisherOpts{BatchSize: 2})
	entities := []pii.Entity{
		newPerson("p1", "a"), newPerson("p2", "b"), newPerson("p3", "c"),
		newPerson("p4", "d"), newPerson("p5", "e"),
	}
	n, err := pub.PublishBatch(entities, "")
	if err != nil {
		t.Fatalf("PublishBatch: %s", err)
	}
	if n != 1 {
		t.Errorf("receiver count = %d, want 1", n)
	}

	wantSizes := []int{2, 2, 1}
	for i, want := range wantSizes {
		msg := drainPayload(t, ch)
		decoded, err := wire.Decode(msg.Data, registry)
		if err != nil {
			t.Fatalf("Decode chunk %d: %s", i, err)
		}
		if len(decoded) != want {
			t.Errorf("chunk %d has %d entities, want %d", i, len(decoded), want)
		}
	}
}

func TestSyncDataRefusedOutsideSourceRole(t *testing.T) {
	bus := pubsub.NewLocalBus(16)
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}

	pub := NewPublisher(bus.Connect(), newSyncRegistry(), nil, nil, PublisherOpts{Source: false})
	ok := pub.SyncData(context.Background(), []pii.Entity{newPerson("p1", "a")}, "sess-1", false, 0)
	if ok {
		t.Fatalf("SyncData returned true outside the source role")
	}
	select {
	case msg := <-sub.Listen():
		if msg.Type == pubsub.TypeMessage {
			t.Errorf("unexpected publish: %+v", msg)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncDataPersistsAndPublishes(t *testing.T) {
	secure := newTestStorage(t)
	bus := pubsub.NewLocalBus(16)
	registry := newSyncRegistry()
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	ch := sub.Listen()

	now := time.Now()
	policy := &pii.Policy{Timeout: time.Hour, Now: func() time.Time { return now }}
	pub := NewPublisher(bus.Connect(), registry, secure, policy, PublisherOpts{Source: true})

	entities := []pii.Entity{newPerson("p1", "Ana"), newPerson("p2", "Ben")}
	if !pub.SyncData(context.Background(), entities, "sess-sync", false, 0) {
		t.Fatalf("SyncData returned false")
	}

	// every entity was stamped, persisted and published
	rows, err := secure.Records.SelectBySession("syncer.person", "sess-sync")
	if err != nil {
		t.Fatalf("SelectBySession: %s", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, row := range rows {
		if row.ExpiresAt != now.Add(time.Hour).UnixMilli() {
			t.Errorf("row %s expires_at = %d, want %d", row.ID, row.ExpiresAt, now.Add(time.Hour).UnixMilli())
		}
	}
	for i := 0; i < 2; i++ {
		msg := drainPayload(t, ch)
		decoded, err := wire.Decode(msg.Data, registry)
		if err != nil {
			t.Fatalf("Decode: %s", err)
		}
		if len(decoded) != 1 || decoded[0].Session() != "sess-sync" {
			t.Errorf("published message %d: %+v", i, decoded)
		}
	}
}

func TestSyncDataWalksRelatedEntities(t *testing.T) {
	secure := newTestStorage(t)
	bus := pubsub.NewLocalBus(16)
	registry := newSyncRegistry()
	sub := bus.Connect()
	if err := sub.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	ch := sub.Listen()

	pub := NewPublisher(bus.Connect(), registry, secure, nil, PublisherOpts{Source: true})

	child := &syncChild{Label: "address"}
	child.ID = "c1"
	parent := newPerson("p1", "Ana")
	parent.Children = []*syncChild{child}

	if !pub.SyncData(context.Background(), []pii.Entity{parent}, "sess-rel", true, 1) {
		t.Fatalf("SyncData returned false")
	}
	rows, err := secure.Records.SelectBySession("syncer.child", "sess-rel")
	if err != nil {
		t.Fatalf("SelectBySession: %s", err)
	}
	if len(rows) != 1 || rows[0].ID != "c1" {
		t.Fatalf("related child not persisted, rows = %+v", rows)
	}
	types := map[string]int{}
	for i := 0; i < 2; i++ {
		msg := drainPayload(t, ch)
		decoded, err := wire.Decode(msg.Data, registry)
		if err != nil {
			t.Fatalf("Decode: %s", err)
		}
		types[decoded[0].EntityType()]++
	}
	if types["syncer.person"] != 1 || types["syncer.child"] != 1 {
		t.Errorf("published types %v", types)
	}
}

func TestSyncDataDepthZeroSkipsRelated(t *testing.T) {
	secure := newTestStorage(t)
	bus := pubsub.NewLocalBus(16)
	pub := NewPublisher(bus.Connect(), newSyncRegistry(), secure, nil, PublisherOpts{Source: true})

	child := &syncChild{Label: "address"}
	child.ID = "c-skip"
	parent := newPerson("p-skip", "Ana")
	parent.Children = []*syncChild{child}

	if !pub.SyncData(context.Background(), []pii.Entity{parent}, "sess-depth0", true, 0) {
		t.Fatalf("SyncData returned false")
	}
	rows, err := secure.Records.SelectBySession("syncer.child", "sess-depth0")
	if err != nil {
		t.Fatalf("SelectBySession: %s", err)
	}
	if len(rows) != 0 {
		t.Errorf("child persisted despite depth 0: %+v", rows)
	}
}
