package dispute

import (
	"context"
	"errors"
	"testing"

	"github.com/tmarkov/timebank/internal/handshake"
	"github.com/tmarkov/timebank/internal/ledger"
)

type stubListings struct {
	providers map[string]string
}

func (s *stubListings) Lookup(_ context.Context, serviceID string) (string, bool, error) {
	p, ok := s.providers[serviceID]
	if !ok {
		return "", false, errors.New("listing not found")
	}
	return p, true, nil
}

type testEnv struct {
	disputes   *Service
	handshakes *handshake.Service
	ledger     *ledger.Ledger
}

// newTestEnv wires a full protocol stack: ledger, handshake state
// machine, and dispute resolver, all on memory stores.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	led := ledger.New(ledger.NewMemoryStore())
	for _, u := range []string{"alice", "pat"} {
		if err := led.Grant(ctx, u, "10.00", "signup grant"); err != nil {
			t.Fatalf("seed %s: %v", u, err)
		}
	}

	hs := handshake.NewService(handshake.NewMemoryStore(), led,
		&stubListings{providers: map[string]string{"svc_tutoring": "pat"}})
	disp := NewService(NewMemoryStore(), hs)
	hs.WithDisputeChecker(disp)

	return &testEnv{disputes: disp, handshakes: hs, ledger: led}
}

// acceptedHandshake drives a handshake to accepted with 2.00 escrowed.
func (e *testEnv) acceptedHandshake(t *testing.T) *handshake.Handshake {
	t.Helper()
	ctx := context.Background()
	h, err := e.handshakes.ExpressInterest(ctx, "alice", handshake.ExpressInterestRequest{
		ServiceID: "svc_tutoring", Hours: "2.00",
	})
	if err != nil {
		t.Fatalf("express: %v", err)
	}
	if _, err := e.handshakes.Accept(ctx, h.ID, "pat"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return h
}

func TestFileReportFreezesHandshake(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	r, err := e.disputes.File(ctx, "alice", FileRequest{
		HandshakeID: h.ID,
		IssueType:   IssueNoShow,
		Description: "provider never showed",
	})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if r.Status != ReportPending {
		t.Errorf("report status = %s, want pending", r.Status)
	}

	fresh, _ := e.handshakes.Get(ctx, h.ID)
	if fresh.Status != handshake.StatusReported {
		t.Errorf("handshake status = %s, want reported", fresh.Status)
	}

	open, err := e.disputes.HasOpenReport(ctx, h.ID)
	if err != nil || !open {
		t.Errorf("HasOpenReport = %v, %v", open, err)
	}
}

func TestSecondReportRejectedWhilePending(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	if _, err := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow}); err != nil {
		t.Fatalf("first file: %v", err)
	}
	if _, err := e.disputes.File(ctx, "pat", FileRequest{HandshakeID: h.ID, IssueType: IssueConduct}); !errors.Is(err, ErrOpenReportExists) {
		t.Errorf("second file: got %v, want ErrOpenReportExists", err)
	}
}

func TestFileOnTerminalRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)
	if _, err := e.handshakes.Cancel(ctx, h.ID, "alice", "nevermind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow}); !errors.Is(err, ErrNotReportable) {
		t.Errorf("file on cancelled: got %v, want ErrNotReportable", err)
	}
}

func TestFileByStrangerRejected(t *testing.T) {
	e := newTestEnv(t)
	h := e.acceptedHandshake(t)

	_, err := e.disputes.File(context.Background(), "mallory", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow})
	if !errors.Is(err, handshake.ErrUnauthorized) {
		t.Errorf("stranger file: got %v, want ErrUnauthorized", err)
	}
}

type failCreateStore struct {
	*MemoryStore
}

func (f *failCreateStore) Create(context.Context, *Report) error {
	return errors.New("write refused")
}

func TestFileUnfreezesHandshakeWhenReportWriteFails(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	broken := NewService(&failCreateStore{MemoryStore: NewMemoryStore()}, e.handshakes)
	if _, err := broken.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow}); err == nil {
		t.Fatal("expected file to fail when the report write is refused")
	}

	// The freeze is rolled back, not left dangling without a report row.
	fresh, _ := e.handshakes.Get(ctx, h.ID)
	if fresh.Status != handshake.StatusAccepted {
		t.Errorf("handshake status = %s, want accepted after failed filing", fresh.Status)
	}

	// And the handshake stays reportable through a working store.
	if _, err := e.disputes.File(ctx, "pat", FileRequest{HandshakeID: h.ID, IssueType: IssueConduct}); err != nil {
		t.Errorf("re-file after failed write: %v", err)
	}
}

func TestResolveConfirmCompensatesReporter(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	r, err := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow})
	if err != nil {
		t.Fatalf("file: %v", err)
	}

	resolved, err := e.disputes.Resolve(ctx, r.ID, "admin_1", ResolveRequest{
		Action: ActionConfirm,
		Notes:  "provider confirmed absent",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != ReportResolved {
		t.Errorf("report status = %s, want resolved", resolved.Status)
	}
	if resolved.ResolvedBy != "admin_1" || resolved.ResolvedAt == nil {
		t.Error("resolution metadata incomplete")
	}

	fresh, _ := e.handshakes.Get(ctx, h.ID)
	if fresh.Status != handshake.StatusCancelled {
		t.Errorf("handshake status = %s, want cancelled", fresh.Status)
	}

	// The reporting requester got their escrow back; no settlement.
	bal, _ := e.ledger.GetBalance(ctx, "alice")
	if bal.Available != "10.00" {
		t.Errorf("alice available = %s, want 10.00", bal.Available)
	}
	settled, _ := e.ledger.HasSettlement(ctx, h.ID)
	if settled {
		t.Error("confirmed no-show must not produce a settlement")
	}
}

func TestResolveDismissReverts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	r, err := e.disputes.File(ctx, "pat", FileRequest{HandshakeID: h.ID, IssueType: IssueConduct})
	if err != nil {
		t.Fatalf("file: %v", err)
	}

	resolved, err := e.disputes.Resolve(ctx, r.ID, "admin_1", ResolveRequest{Action: ActionDismiss})
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if resolved.Status != ReportDismissed {
		t.Errorf("report status = %s, want dismissed", resolved.Status)
	}

	fresh, _ := e.handshakes.Get(ctx, h.ID)
	if fresh.Status != handshake.StatusAccepted {
		t.Errorf("handshake status = %s, want reverted to accepted", fresh.Status)
	}

	// Escrow untouched by a dismissal.
	bal, _ := e.ledger.GetBalance(ctx, "alice")
	if bal.Available != "8.00" || bal.Escrowed != "2.00" {
		t.Errorf("alice balance = %s/%s, want 8.00/2.00", bal.Available, bal.Escrowed)
	}

	// After dismissal a new report may be filed.
	if _, err := e.disputes.File(ctx, "pat", FileRequest{HandshakeID: h.ID, IssueType: IssueConduct}); err != nil {
		t.Errorf("re-file after dismissal: %v", err)
	}
}

func TestResolveTwiceRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	r, _ := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow})
	if _, err := e.disputes.Resolve(ctx, r.ID, "admin_1", ResolveRequest{Action: ActionDismiss}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := e.disputes.Resolve(ctx, r.ID, "admin_1", ResolveRequest{Action: ActionConfirm}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve: got %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveInvalidAction(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	r, _ := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow})
	if _, err := e.disputes.Resolve(ctx, r.ID, "admin_1", ResolveRequest{Action: "shrug"}); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("got %v, want ErrInvalidAction", err)
	}
}

func TestPauseMovesHandshakeToPaused(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	r, _ := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow})
	if _, err := e.disputes.Pause(ctx, r.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	fresh, _ := e.handshakes.Get(ctx, h.ID)
	if fresh.Status != handshake.StatusPaused {
		t.Errorf("handshake status = %s, want paused", fresh.Status)
	}

	// Resolution still works from paused.
	if _, err := e.disputes.Resolve(ctx, r.ID, "admin_1", ResolveRequest{Action: ActionDismiss}); err != nil {
		t.Errorf("resolve from paused: %v", err)
	}
	fresh, _ = e.handshakes.Get(ctx, h.ID)
	if fresh.Status != handshake.StatusAccepted {
		t.Errorf("handshake status = %s, want accepted", fresh.Status)
	}
}

func TestListOpen(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	h := e.acceptedHandshake(t)

	if _, err := e.disputes.File(ctx, "alice", FileRequest{HandshakeID: h.ID, IssueType: IssueNoShow}); err != nil {
		t.Fatalf("file: %v", err)
	}

	open, err := e.disputes.ListOpen(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpen = %d, %v; want 1", len(open), err)
	}
}
