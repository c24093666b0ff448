package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmarkov/timebank/internal/handshake"
)

// Fetcher retrieves the authoritative record for one handshake.
type Fetcher interface {
	Fetch(ctx context.Context, handshakeID string) (*handshake.Handshake, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, handshakeID string) (*handshake.Handshake, error)

func (f FetcherFunc) Fetch(ctx context.Context, handshakeID string) (*handshake.Handshake, error) {
	return f(ctx, handshakeID)
}

// Poller re-fetches one handshake on a fixed cadence and merges each
// result into the local view. Poll results apply in issuance order:
// when two fetches overlap, the later-issued one wins regardless of
// which response arrives first.
type Poller struct {
	fetcher     Fetcher
	handshakeID string
	interval    time.Duration
	logger      *slog.Logger

	mu         sync.Mutex
	view       *handshake.Handshake
	edits      map[string]bool
	applied    uint64
	cancelPrev context.CancelFunc
	onUpdate   func(*handshake.Handshake)

	issued  atomic.Uint64
	stop    chan struct{}
	running atomic.Bool
}

// NewPoller creates a poller for one handshake. A zero interval
// defaults to five seconds.
func NewPoller(fetcher Fetcher, handshakeID string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		fetcher:     fetcher,
		handshakeID: handshakeID,
		interval:    interval,
		logger:      logger,
		edits:       make(map[string]bool),
		stop:        make(chan struct{}),
	}
}

// OnUpdate registers a callback invoked with a copy of the view after
// each applied refresh. Must be set before Start.
func (p *Poller) OnUpdate(fn func(*handshake.Handshake)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// View returns a copy of the current local view, or nil before the
// first applied poll.
func (p *Poller) View() *handshake.Handshake {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view == nil {
		return nil
	}
	cp := *p.view
	return &cp
}

// BeginEdit marks a field as under active edit. Refreshes keep the
// local value for that field until EndEdit.
func (p *Poller) BeginEdit(field string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits[field] = true
}

// SetLocal updates a field's local (mid-edit) value on the view.
func (p *Poller) SetLocal(mutate func(*handshake.Handshake)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.view != nil {
		mutate(p.view)
	}
}

// EndEdit releases a field; the next refresh overwrites it again.
func (p *Poller) EndEdit(field string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.edits, field)
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the periodic poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safePoll(ctx)
		}
	}
}

// Stop signals the poll loop to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

// Poll issues one fetch in the background. Any prior in-flight fetch
// is cancelled; if its response still arrives it is discarded.
func (p *Poller) Poll(ctx context.Context) {
	seq := p.issued.Add(1)
	pollsTotal.Inc()

	p.mu.Lock()
	if p.cancelPrev != nil {
		p.cancelPrev()
	}
	fctx, cancel := context.WithCancel(ctx)
	p.cancelPrev = cancel
	p.mu.Unlock()

	go func() {
		defer cancel()
		remote, err := p.fetcher.Fetch(fctx, p.handshakeID)
		if err != nil {
			if fctx.Err() == nil {
				pollErrors.Inc()
				if p.logger != nil {
					p.logger.Debug("poll fetch failed", "handshake", p.handshakeID, "error", err)
				}
			}
			return
		}
		p.apply(seq, remote)
	}()
}

func (p *Poller) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Error("panic in poll loop", "panic", fmt.Sprint(r))
		}
	}()
	p.Poll(ctx)
}

func (p *Poller) apply(seq uint64, remote *handshake.Handshake) {
	p.mu.Lock()
	if seq <= p.applied {
		p.mu.Unlock()
		staleResultsDropped.Inc()
		return
	}
	p.applied = seq
	p.view = Merge(p.view, remote, p.edits)
	cp := *p.view
	fn := p.onUpdate
	p.mu.Unlock()

	if fn != nil {
		fn(&cp)
	}
}
