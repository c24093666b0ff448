package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Verifier periodically replays every user's chain and halts writes for
// any user whose chain is broken.
type Verifier struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewVerifier creates a new chain verifier.
func NewVerifier(ledger *Ledger, logger *slog.Logger) *Verifier {
	return &Verifier{
		ledger:   ledger,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the verification loop. Call in a goroutine.
func (v *Verifier) Start(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stop:
			return
		case <-ticker.C:
			v.sweep(ctx)
		}
	}
}

// Stop signals the verifier to stop.
func (v *Verifier) Stop() {
	select {
	case v.stop <- struct{}{}:
	default:
	}
}

func (v *Verifier) sweep(ctx context.Context) {
	users, err := v.ledger.Users(ctx)
	if err != nil {
		v.logger.Warn("chain sweep: listing users failed", "error", err)
		return
	}
	for _, u := range users {
		if err := v.ledger.VerifyChain(ctx, u); err != nil {
			if errors.Is(err, ErrChainBroken) {
				v.logger.Error("chain sweep: broken chain, writes halted", "user_id", u, "error", err)
				continue
			}
			v.logger.Warn("chain sweep: verification error", "user_id", u, "error", err)
		}
	}
}
