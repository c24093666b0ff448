// Package notify delivers protocol events to external services.
//
// Members can register webhook URLs to be told about negotiation
// activity: new interest, acceptance, confirmations, completion,
// disputes. Delivery is fire-and-forget; the protocol never depends
// on a notification arriving.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tmarkov/timebank/internal/circuitbreaker"
	"github.com/tmarkov/timebank/internal/metrics"
	"github.com/tmarkov/timebank/internal/retry"
)

// EventType represents the type of notification event.
type EventType string

const (
	EventHandshakeRequested        EventType = "handshake.requested"
	EventHandshakeAccepted         EventType = "handshake.accepted"
	EventHandshakeDenied           EventType = "handshake.denied"
	EventHandshakeCancelled        EventType = "handshake.cancelled"
	EventHandshakeDetailsProposed  EventType = "handshake.details_proposed"
	EventHandshakeApproved         EventType = "handshake.approved"
	EventHandshakeChangesRequested EventType = "handshake.changes_requested"
	EventHandshakeConfirmed        EventType = "handshake.confirmed"
	EventHandshakeCompleted        EventType = "handshake.completed"
	EventHandshakeReported         EventType = "handshake.reported"
	EventHandshakePaused           EventType = "handshake.paused"
	EventHandshakeReinstated       EventType = "handshake.reinstated"
)

// Event is one delivered notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // used for HMAC signing
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"created_at"`
	LastSuccess *time.Time  `json:"last_success,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// SubscribedTo reports whether the subscription wants eventType.
// An empty Events list means all events.
func (s *Subscription) SubscribedTo(eventType EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends events to subscribed endpoints. Transient delivery
// failures are retried with backoff; endpoints that keep failing trip a
// per-subscription circuit and are skipped until it cools down.
type Dispatcher struct {
	store   Store
	client  *http.Client
	breaker *circuitbreaker.Breaker

	// MaxAttempts and RetryDelay tune delivery retries. Tests lower them.
	MaxAttempts int
	RetryDelay  time.Duration
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:     circuitbreaker.New(5, 2*time.Minute),
		MaxAttempts: 3,
		RetryDelay:  500 * time.Millisecond,
	}
}

// Dispatch sends an event to every active subscriber of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Send async to avoid blocking the protocol path.
		go d.deliver(sub, event)
	}
	return nil
}

// DispatchToUser sends an event to one member's endpoints only.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if sub.Active && sub.SubscribedTo(event.Type) {
			go d.deliver(sub, event)
		}
	}
	return nil
}

// deliverTimeout bounds one delivery including retries. Each POST is
// additionally capped by the client timeout.
const deliverTimeout = 30 * time.Second

// deliver runs one asynchronous delivery under its own timeout. The
// dispatching caller's context must not govern the POST: the caller
// returns (and may cancel) long before the delivery goroutine runs.
func (d *Dispatcher) deliver(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	d.send(ctx, sub, event)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if !d.breaker.Allow(sub.ID) {
		d.updateError(ctx, sub, "skipped: endpoint circuit open")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.MaxAttempts, d.RetryDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		d.updateError(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.ID)
	d.updateSuccess(ctx, sub)
}

// post performs a single delivery attempt. Client errors (4xx) are
// permanent; the endpoint will reject the payload on every retry.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timebank-Event", string(event.Type))
	req.Header.Set("X-Timebank-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Timebank-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of payload with secret. Receivers
// recompute it to verify the delivery came from us.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = errMsg
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store for tests and local
// development.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.SubscribedTo(eventType) {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
