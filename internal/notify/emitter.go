package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tmarkov/timebank/internal/handshake"
)

// Emitter turns handshake transitions into webhook events for both
// parties. All methods are fire-and-forget: errors are logged but
// never surfaced to the protocol path.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var _ handshake.Notifier = (*Emitter)(nil)

// NewEmitter creates a new event emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit delivers a handshake transition event to both parties'
// subscribed endpoints.
func (e *Emitter) Emit(event string, h *handshake.Handshake) {
	if e == nil || e.d == nil || h == nil {
		return
	}

	evt := &Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventType(event),
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"handshake_id":      h.ID,
			"service_id":        h.ServiceID,
			"requester_id":      h.RequesterID,
			"provider_id":       h.ProviderID,
			"status":            string(h.Status),
			"provisioned_hours": h.ProvisionedHours,
			"revision":          h.Revision,
		},
	}

	// Bounds the subscription lookups only; each delivery goroutine
	// carries its own timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, userID := range []string{h.RequesterID, h.ProviderID} {
		if err := e.d.DispatchToUser(ctx, userID, evt); err != nil && e.logger != nil {
			e.logger.Warn("webhook emit failed",
				"event", event, "user", userID, "error", err)
		}
	}
}
