package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tmarkov/timebank/internal/handshake"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func feedEvent(typ EventType, data map[string]any) *Event {
	return &Event{Type: typ, Timestamp: time.Now(), Data: data}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, feedEvent(EventReport, nil)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSettlement},
	}}

	if !h.shouldSend(client, feedEvent(EventSettlement, nil)) {
		t.Error("should receive settlement events")
	}
	if h.shouldSend(client, feedEvent(EventHandshake, nil)) {
		t.Error("should NOT receive handshake events")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{UserIDs: []string{"alice"}}}

	asRequester := feedEvent(EventHandshake, map[string]any{
		"requester_id": "alice", "provider_id": "pat",
	})
	asProvider := feedEvent(EventHandshake, map[string]any{
		"requester_id": "bob", "provider_id": "alice",
	})
	unrelated := feedEvent(EventHandshake, map[string]any{
		"requester_id": "bob", "provider_id": "pat",
	})

	if !h.shouldSend(client, asRequester) {
		t.Error("should match on requester_id")
	}
	if !h.shouldSend(client, asProvider) {
		t.Error("should match on provider_id")
	}
	if h.shouldSend(client, unrelated) {
		t.Error("should NOT match unrelated members")
	}
}

func TestShouldSend_ServiceFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{ServiceIDs: []string{"svc_tutoring"}}}

	if !h.shouldSend(client, feedEvent(EventHandshake, map[string]any{"service_id": "svc_tutoring"})) {
		t.Error("should match watched service")
	}
	if h.shouldSend(client, feedEvent(EventHandshake, map[string]any{"service_id": "svc_other"})) {
		t.Error("should NOT match other services")
	}
}

func TestShouldSend_MinHoursFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinHours: "2.00"}}

	big := feedEvent(EventHandshake, map[string]any{"provisioned_hours": "3.50"})
	small := feedEvent(EventHandshake, map[string]any{"provisioned_hours": "0.50"})
	exact := feedEvent(EventHandshake, map[string]any{"provisioned_hours": "2.00"})

	if !h.shouldSend(client, big) {
		t.Error("should receive above-threshold handshakes")
	}
	if h.shouldSend(client, small) {
		t.Error("should NOT receive below-threshold handshakes")
	}
	if !h.shouldSend(client, exact) {
		t.Error("threshold is inclusive")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, feedEvent(EventHandshake, nil)) {
		t.Error("empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// hub loop tests
// ---------------------------------------------------------------------------

func TestEmitClassifiesEvents(t *testing.T) {
	h := testHub()

	h.Emit("handshake.completed", &handshake.Handshake{ID: "hs_1", Status: handshake.StatusCompleted})
	h.Emit("handshake.accepted", &handshake.Handshake{ID: "hs_2", Status: handshake.StatusAccepted})
	h.Emit("handshake.reported", &handshake.Handshake{ID: "hs_3", Status: handshake.StatusReported})

	want := []EventType{EventSettlement, EventHandshake, EventReport}
	for i, w := range want {
		select {
		case evt := <-h.broadcast:
			if evt.Type != w {
				t.Errorf("event %d type = %s, want %s", i, evt.Type, w)
			}
		default:
			t.Fatalf("event %d not broadcast", i)
		}
	}
}

func TestRunRegistersAndBroadcasts(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.Broadcast(feedEvent(EventHandshake, map[string]any{"handshake_id": "hs_1"}))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("registered client received nothing")
	}

	h.unregister <- client
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("send channel should be closed on unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
}

func TestRunShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	h.register <- client

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("send channel should be closed on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("client not closed on shutdown")
	}
}
