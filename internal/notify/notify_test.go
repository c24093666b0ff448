package notify

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tmarkov/timebank/internal/handshake"
)

type delivery struct {
	body      []byte
	signature string
	eventType string
}

func captureServer(t *testing.T, status int) (*httptest.Server, chan delivery) {
	t.Helper()
	ch := make(chan delivery, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- delivery{
			body:      body,
			signature: r.Header.Get("X-Timebank-Signature"),
			eventType: r.Header.Get("X-Timebank-Event"),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func waitDelivery(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook delivery arrived")
		return delivery{}
	}
}

func TestDispatchDeliversSignedPayload(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		UserID: "alice",
		URL:    srv.URL,
		Secret: "topsecret",
		Events: []EventType{EventHandshakeAccepted},
		Active: true,
	})

	d := NewDispatcher(store)
	evt := &Event{
		ID:        "evt_1",
		Type:      EventHandshakeAccepted,
		Timestamp: time.Now(),
		Data:      map[string]any{"handshake_id": "hs_1"},
	}
	if err := d.Dispatch(context.Background(), evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := waitDelivery(t, ch)
	if got.eventType != string(EventHandshakeAccepted) {
		t.Errorf("event header = %s", got.eventType)
	}
	if !hmac.Equal([]byte(got.signature), []byte(Sign(got.body, "topsecret"))) {
		t.Error("signature does not verify against payload")
	}

	var decoded Event
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded.Data["handshake_id"] != "hs_1" {
		t.Errorf("payload data = %v", decoded.Data)
	}
}

func TestDispatchSkipsInactiveAndUnsubscribed(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID: "wh_inactive", UserID: "alice", URL: srv.URL,
		Events: []EventType{EventHandshakeAccepted}, Active: false,
	})
	store.Create(ctx, &Subscription{
		ID: "wh_other", UserID: "alice", URL: srv.URL,
		Events: []EventType{EventHandshakeCompleted}, Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{ID: "evt_1", Type: EventHandshakeAccepted, Timestamp: time.Now()})

	select {
	case <-ch:
		t.Error("inactive or unsubscribed endpoint received a delivery")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribedToEmptyMeansAll(t *testing.T) {
	sub := &Subscription{}
	if !sub.SubscribedTo(EventHandshakeCompleted) {
		t.Error("empty events list should match every event type")
	}
	sub.Events = []EventType{EventHandshakeAccepted}
	if sub.SubscribedTo(EventHandshakeCompleted) {
		t.Error("explicit events list should not match other types")
	}
}

func TestDispatchRecordsFailure(t *testing.T) {
	srv, ch := captureServer(t, http.StatusInternalServerError)
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID: "wh_1", UserID: "alice", URL: srv.URL,
		Events: []EventType{EventHandshakeAccepted}, Active: true,
	}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.MaxAttempts = 1 // don't sit out the backoff in a test
	d.Dispatch(ctx, &Event{ID: "evt_1", Type: EventHandshakeAccepted, Timestamp: time.Now()})
	waitDelivery(t, ch)

	// The send goroutine records the error after responding.
	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.Get(ctx, "wh_1")
		if got.LastError != "" {
			if got.LastError != "status 500" {
				t.Errorf("last error = %q, want status 500", got.LastError)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("failure never recorded on subscription")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEmitterNotifiesBothParties(t *testing.T) {
	reqSrv, reqCh := captureServer(t, http.StatusOK)
	provSrv, provCh := captureServer(t, http.StatusOK)

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh_a", UserID: "alice", URL: reqSrv.URL, Active: true})
	store.Create(ctx, &Subscription{ID: "wh_p", UserID: "pat", URL: provSrv.URL, Active: true})

	e := NewEmitter(NewDispatcher(store), nil)
	e.Emit("handshake.completed", &handshake.Handshake{
		ID:          "hs_1",
		ServiceID:   "svc_tutoring",
		RequesterID: "alice",
		ProviderID:  "pat",
		Status:      handshake.StatusCompleted,
	})

	for _, ch := range []chan delivery{reqCh, provCh} {
		got := waitDelivery(t, ch)
		if got.eventType != string(EventHandshakeCompleted) {
			t.Errorf("event header = %s", got.eventType)
		}
	}
}

func TestEmitterDeliveryOutlivesEmit(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)

	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh_1", UserID: "alice", URL: srv.URL, Active: true})

	d := NewDispatcher(store)
	d.MaxAttempts = 1
	e := NewEmitter(d, nil)

	// Emit returns before any POST runs; the delivery must not die with
	// the emitter's context.
	e.Emit("handshake.accepted", &handshake.Handshake{
		ID:          "hs_1",
		ServiceID:   "svc_tutoring",
		RequesterID: "alice",
		ProviderID:  "pat",
		Status:      handshake.StatusAccepted,
	})

	got := waitDelivery(t, ch)
	if got.eventType != string(EventHandshakeAccepted) {
		t.Errorf("event header = %s", got.eventType)
	}

	deadline := time.After(2 * time.Second)
	for {
		sub, _ := store.Get(ctx, "wh_1")
		if sub.LastSuccess != nil {
			if sub.LastError != "" {
				t.Errorf("LastError = %q, want empty", sub.LastError)
			}
			return
		}
		select {
		case <-deadline:
			sub, _ := store.Get(ctx, "wh_1")
			t.Fatalf("success never recorded; LastError = %q", sub.LastError)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{ID: "wh_1", UserID: "alice", URL: srv.URL, Active: true}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.RetryDelay = time.Millisecond
	d.send(ctx, sub, &Event{ID: "evt_1", Type: EventHandshakeAccepted, Timestamp: time.Now()})

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	got, _ := store.Get(ctx, "wh_1")
	if got.LastSuccess == nil {
		t.Error("expected LastSuccess after recovery")
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want empty", got.LastError)
	}
}

func TestSendDoesNotRetryClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{ID: "wh_1", UserID: "alice", URL: srv.URL, Active: true}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.RetryDelay = time.Millisecond
	d.send(ctx, sub, &Event{ID: "evt_1", Type: EventHandshakeAccepted, Timestamp: time.Now()})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx is permanent)", calls)
	}
	got, _ := store.Get(ctx, "wh_1")
	if got.LastError != "status 404" {
		t.Errorf("LastError = %q, want status 404", got.LastError)
	}
}

func TestSendSkipsOpenCircuit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{ID: "wh_1", UserID: "alice", URL: srv.URL, Active: true}
	store.Create(ctx, sub)

	d := NewDispatcher(store)
	d.MaxAttempts = 1
	evt := &Event{ID: "evt_1", Type: EventHandshakeAccepted, Timestamp: time.Now()}
	for i := 0; i < 5; i++ {
		d.send(ctx, sub, evt)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5 before circuit opens", calls)
	}

	d.send(ctx, sub, evt)
	if calls != 5 {
		t.Errorf("calls = %d, open circuit should skip delivery", calls)
	}
	got, _ := store.Get(ctx, "wh_1")
	if got.LastError != "skipped: endpoint circuit open" {
		t.Errorf("LastError = %q", got.LastError)
	}
}
