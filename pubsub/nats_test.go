package pubsub

import (
	"testing"

	"github.com/pii-shield/pii-shield/testutils"
)

func TestNATSBusRoundTrip(t *testing.T) {
	url := testutils.StartTestNATS(t)

	recv, err := NewNATSBus(url, false)
	if err != nil {
		t.Fatalf("NewNATSBus: %s", err)
	}
	defer recv.Close()
	send, err := NewNATSBus(url, false)
	if err != nil {
		t.Fatalf("NewNATSBus: %s", err)
	}
	defer send.Close()

	if err := recv.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	ch := recv.Listen()
	if msg := recvMessage(t, ch); msg.Type != TypeSubscribe {
		t.Fatalf("expected subscribe control event, got %+v", msg)
	}

	n, err := send.Publish("pii_shield:default", []byte(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("Publish: %s", err)
	}
	if n != 0 {
		t.Errorf("receiver count = %d, want 0 over NATS", n)
	}
	msg := recvPayload(t, ch)
	if msg.Channel != "pii_shield:default" || string(msg.Data) != `{"k":"v"}` {
		t.Errorf("got message %+v", msg)
	}
}

func TestNATSBusSubjectIsolation(t *testing.T) {
	url := testutils.StartTestNATS(t)

	recv, err := NewNATSBus(url, false)
	if err != nil {
		t.Fatalf("NewNATSBus: %s", err)
	}
	defer recv.Close()
	send, err := NewNATSBus(url, false)
	if err != nil {
		t.Fatalf("NewNATSBus: %s", err)
	}
	defer send.Close()

	if err := recv.Subscribe("pii_shield:orders"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	ch := recv.Listen()
	recvMessage(t, ch) // subscribe ack

	if _, err := send.Publish("pii_shield:default", []byte("not for us")); err != nil {
		t.Fatalf("Publish: %s", err)
	}
	if _, err := send.Publish("pii_shield:orders", []byte("for us")); err != nil {
		t.Fatalf("Publish: %s", err)
	}
	msg := recvPayload(t, ch)
	if string(msg.Data) != "for us" {
		t.Errorf("got %q, want only the subscribed subject's message", msg.Data)
	}
}

func TestNATSBusResubscribeAfterUnsubscribe(t *testing.T) {
	url := testutils.StartTestNATS(t)

	bus, err := NewNATSBus(url, false)
	if err != nil {
		t.Fatalf("NewNATSBus: %s", err)
	}
	defer bus.Close()
	send, err := NewNATSBus(url, false)
	if err != nil {
		t.Fatalf("NewNATSBus: %s", err)
	}
	defer send.Close()

	if err := bus.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("Subscribe: %s", err)
	}
	if err := bus.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %s", err)
	}
	if err := bus.Subscribe("pii_shield:default"); err != nil {
		t.Fatalf("re-Subscribe: %s", err)
	}
	ch := bus.Listen()
	if _, err := send.Publish("pii_shield:default", []byte("again")); err != nil {
		t.Fatalf("Publish: %s", err)
	}
	msg := recvPayload(t, ch)
	if string(msg.Data) != "again" {
		t.Errorf("got %q after resubscribe", msg.Data)
	}
}
