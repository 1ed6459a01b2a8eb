package contracts

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/lifecycle"
	"github.com/mbd888/tgbtcpay/internal/wallet"
)

type fakeDeployer struct {
	err    error
	calls  int
	lastTo string
}

func (f *fakeDeployer) DeployContract(ctx context.Context, to string, stateInit []byte) (string, error) {
	f.calls++
	f.lastTo = to
	if f.err != nil {
		return "", f.err
	}
	return "deploy_hash", nil
}

func setup(t *testing.T) (*lifecycle.Manager, *ledger.PaymentRequest) {
	t.Helper()
	store := ledger.NewMemoryStore()
	m := lifecycle.NewManager(store, slog.Default())
	exp := time.Now().UTC().Add(time.Hour)
	req, err := m.Create(context.Background(), ledger.Draft{
		ReceiverAddress: "EQAlice",
		Amount:          100_000,
		ExpiresAt:       &exp,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, req
}

func TestDeploy_MovesToDeployedWithDerivedAddress(t *testing.T) {
	m, req := setup(t)
	deployer := &fakeDeployer{}
	p := NewProvisioner(m, deployer, slog.Default())

	deployed, err := p.Deploy(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deployed.Status != ledger.StatusDeployed {
		t.Errorf("expected deployed, got %s", deployed.Status)
	}
	if deployed.ContractAddress == "" || deployed.ContractAddress != deployer.lastTo {
		t.Errorf("contract address mismatch: %q vs %q", deployed.ContractAddress, deployer.lastTo)
	}
	if deployer.calls != 1 {
		t.Errorf("expected one deploy, got %d", deployer.calls)
	}
}

func TestDeploy_FailureMovesToFailed(t *testing.T) {
	m, req := setup(t)
	deployer := &fakeDeployer{err: errors.New("insufficient gas")}
	p := NewProvisioner(m, deployer, slog.Default())

	_, err := p.Deploy(context.Background(), req.ID)
	if err == nil {
		t.Fatal("expected error")
	}

	got, err := m.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusFailed {
		t.Errorf("expected failed after deploy error, got %s", got.Status)
	}
}

func TestDeploy_UnacknowledgedLeavesRequestPending(t *testing.T) {
	m, req := setup(t)
	deployer := &fakeDeployer{err: wallet.ErrNotAccepted}
	p := NewProvisioner(m, deployer, slog.Default())

	_, err := p.Deploy(context.Background(), req.ID)
	if !errors.Is(err, wallet.ErrNotAccepted) {
		t.Fatalf("expected ErrNotAccepted, got %v", err)
	}

	// The deploy message may still land, so the request must not be
	// terminally failed; a retry targets the same derived address.
	got, err := m.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ledger.StatusPending {
		t.Fatalf("expected request to stay pending, got %s", got.Status)
	}

	deployer.err = nil
	deployed, err := p.Deploy(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("retry after unacknowledged deploy must work: %v", err)
	}
	if deployed.Status != ledger.StatusDeployed {
		t.Errorf("expected deployed after retry, got %s", deployed.Status)
	}
}

func TestDeploy_RejectsNonPendingRequest(t *testing.T) {
	m, req := setup(t)
	p := NewProvisioner(m, &fakeDeployer{}, slog.Default())

	if _, err := p.Deploy(context.Background(), req.ID); err != nil {
		t.Fatal(err)
	}
	_, err := p.Deploy(context.Background(), req.ID)
	if !errors.Is(err, ErrNotProvisionable) {
		t.Fatalf("expected ErrNotProvisionable, got %v", err)
	}
}

func TestDeriveAddress_Deterministic(t *testing.T) {
	a := DeriveAddress([]byte("same"))
	b := DeriveAddress([]byte("same"))
	c := DeriveAddress([]byte("different"))
	if a != b {
		t.Error("same state init must derive the same address")
	}
	if a == c {
		t.Error("different state init must derive a different address")
	}
}
