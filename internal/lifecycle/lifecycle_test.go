package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
)

type recordingNotifier struct {
	mu        sync.Mutex
	created   []string
	confirmed []string
}

func (n *recordingNotifier) RequestCreated(ctx context.Context, req *ledger.PaymentRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, req.ID)
}

func (n *recordingNotifier) PaymentConfirmed(ctx context.Context, req *ledger.PaymentRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, req.ID)
}

func newManager(t *testing.T) (*Manager, *ledger.MemoryStore, *recordingNotifier) {
	t.Helper()
	store := ledger.NewMemoryStore()
	notifier := &recordingNotifier{}
	m := NewManager(store, slog.Default()).WithNotifier(notifier)
	return m, store, notifier
}

func pendingRequest(t *testing.T, m *Manager, expiresIn time.Duration) *ledger.PaymentRequest {
	t.Helper()
	draft := ledger.Draft{
		ReceiverAddress: "EQAlice",
		SenderAddress:   "EQBob",
		Amount:          100_000,
	}
	if expiresIn != 0 {
		exp := time.Now().UTC().Add(expiresIn)
		draft.ExpiresAt = &exp
	}
	req, err := m.Create(context.Background(), draft)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return req
}

func TestCreate_NotifiesAndStartsPending(t *testing.T) {
	m, _, notifier := newManager(t)
	req := pendingRequest(t, m, time.Hour)

	if req.Status != ledger.StatusPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if len(notifier.created) != 1 || notifier.created[0] != req.ID {
		t.Errorf("expected creation notice for %s, got %v", req.ID, notifier.created)
	}
}

func TestHappyPath_DeployThenComplete(t *testing.T) {
	m, _, notifier := newManager(t)
	req := pendingRequest(t, m, time.Hour)

	deployed, err := m.MarkDeployed(context.Background(), req.ID, "EQContract")
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if deployed.Status != ledger.StatusDeployed || deployed.ContractAddress != "EQContract" {
		t.Errorf("unexpected deployed state: %+v", deployed)
	}

	paidAt := time.Now().UTC()
	done, err := m.Complete(context.Background(), req.ID, "txhash1", paidAt)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.Status != ledger.StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.TransactionHash != "txhash1" || done.PaidAt == nil {
		t.Errorf("completion fields missing: %+v", done)
	}
	if len(notifier.confirmed) != 1 {
		t.Errorf("expected payment confirmation notice, got %v", notifier.confirmed)
	}
}

func TestComplete_RequiresDeployed(t *testing.T) {
	m, _, _ := newManager(t)
	req := pendingRequest(t, m, time.Hour)

	// Still pending: the deployed->completed CAS must lose.
	_, err := m.Complete(context.Background(), req.ID, "txhash1", time.Now())
	if !errors.Is(err, ledger.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
}

func TestTransition_OutOfTerminalIsInvalid(t *testing.T) {
	m, _, _ := newManager(t)
	req := pendingRequest(t, m, time.Hour)

	if _, err := m.Fail(context.Background(), req.ID, ledger.StatusPending); err != nil {
		t.Fatalf("fail transition errored: %v", err)
	}

	// Failed is terminal: no pair out of it exists in the machine.
	_, err := m.Expire(context.Background(), req.ID, ledger.StatusFailed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = m.Fail(context.Background(), req.ID, ledger.StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNilNotifierIsFine(t *testing.T) {
	store := ledger.NewMemoryStore()
	m := NewManager(store, slog.Default())
	req := pendingRequest(t, m, time.Hour)
	if _, err := m.MarkDeployed(context.Background(), req.ID, "EQContract"); err != nil {
		t.Fatalf("unexpected error without notifier: %v", err)
	}
}

func TestSweeper_ExpiresOverdueRequests(t *testing.T) {
	m, store, _ := newManager(t)
	req := pendingRequest(t, m, 10*time.Millisecond)
	forever := pendingRequest(t, m, 0)

	time.Sleep(20 * time.Millisecond)

	sweeper := NewSweeper(m, store, time.Minute, slog.Default())
	sweeper.SweepOnce(context.Background())

	got, err := m.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}

	kept, err := m.Get(context.Background(), forever.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != ledger.StatusPending {
		t.Errorf("request without expiry must not be swept, got %s", kept.Status)
	}
}

func TestSweeper_CompletionBeatsExpiry(t *testing.T) {
	m, store, _ := newManager(t)
	req := pendingRequest(t, m, 10*time.Millisecond)
	if _, err := m.MarkDeployed(context.Background(), req.ID, "EQContract"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	// Settlement confirms just before the sweep fires.
	if _, err := m.Complete(context.Background(), req.ID, "txhash1", time.Now().UTC()); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	sweeper := NewSweeper(m, store, time.Minute, slog.Default())
	sweeper.SweepOnce(context.Background())

	got, err := m.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusCompleted {
		t.Errorf("sweep overwrote a completed request: %s", got.Status)
	}
	if got.TransactionHash != "txhash1" {
		t.Errorf("completion fields lost: %+v", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	m, store, _ := newManager(t)
	sweeper := NewSweeper(m, store, 5*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for !sweeper.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !sweeper.Running() {
		t.Fatal("sweeper did not start")
	}

	sweeper.Stop()
	for sweeper.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sweeper.Running() {
		t.Fatal("sweeper did not stop")
	}
}
