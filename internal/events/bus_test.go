package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/civicband/clerk/internal/logging"
)

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	bus, err := New(srv.Addr(), logging.Nop())
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	sub := bus.rdb.Subscribe(context.Background(), Channel)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(context.Background(), Event{Kind: "ack", Site: "a.example", Stage: "deploy", JobID: "job-1"})

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Kind != "ack" || ev.Site != "a.example" || ev.Stage != "deploy" || ev.JobID != "job-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("expected At to be stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestNilBusPublishIsNoOp(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), Event{Kind: "ack"})
}
