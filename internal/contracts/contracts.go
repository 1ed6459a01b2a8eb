// Package contracts provisions the per-request escrow contract and
// drives the corresponding lifecycle transitions.
package contracts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/traces"
	"github.com/mbd888/tgbtcpay/internal/wallet"
)

// ErrNotProvisionable means the request is not in Pending state, so no
// escrow can be deployed for it.
var ErrNotProvisionable = errors.New("request is not awaiting escrow provisioning")

// Lifecycle is the slice of the lifecycle manager the provisioner uses.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*ledger.PaymentRequest, error)
	MarkDeployed(ctx context.Context, id, contractAddress string) (*ledger.PaymentRequest, error)
	Fail(ctx context.Context, id string, from ledger.Status) (*ledger.PaymentRequest, error)
}

// Deployer submits a contract deployment and waits for acceptance.
type Deployer interface {
	DeployContract(ctx context.Context, to string, stateInit []byte) (string, error)
}

// Provisioner deploys escrow contracts for pending requests.
type Provisioner struct {
	lifecycle Lifecycle
	deployer  Deployer
	logger    *slog.Logger
}

// NewProvisioner creates an escrow provisioner.
func NewProvisioner(lifecycle Lifecycle, deployer Deployer, logger *slog.Logger) *Provisioner {
	return &Provisioner{lifecycle: lifecycle, deployer: deployer, logger: logger}
}

// Deploy provisions the escrow contract for a pending request and
// moves it to Deployed. A definitive deployment error moves it to
// Failed: no funds have moved at this point, so the terminal state is
// safe. An unacknowledged deploy is indeterminate, the message may
// still land, so the request stays Pending and Deploy can be retried
// (the state init is deterministic, a retry targets the same address).
func (p *Provisioner) Deploy(ctx context.Context, requestID string) (*ledger.PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "contracts.Deploy", traces.RequestID(requestID))
	defer span.End()

	req, err := p.lifecycle.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != ledger.StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrNotProvisionable, req.Status)
	}

	stateInit, err := buildStateInit(req)
	if err != nil {
		return nil, fmt.Errorf("build state init: %w", err)
	}
	contractAddr := DeriveAddress(stateInit)

	if _, err := p.deployer.DeployContract(ctx, contractAddr, stateInit); err != nil {
		if errors.Is(err, wallet.ErrNotAccepted) {
			p.logger.Warn("escrow deploy unacknowledged, leaving request pending",
				"request", requestID, "contract", contractAddr)
			return nil, fmt.Errorf("deploy escrow: %w", err)
		}
		p.logger.Error("escrow deploy failed", "request", requestID, "error", err)
		if _, failErr := p.lifecycle.Fail(ctx, requestID, ledger.StatusPending); failErr != nil {
			if !errors.Is(failErr, ledger.ErrStaleTransition) {
				p.logger.Error("could not mark request failed after deploy error",
					"request", requestID, "error", failErr)
			}
		}
		return nil, fmt.Errorf("deploy escrow: %w", err)
	}

	deployed, err := p.lifecycle.MarkDeployed(ctx, requestID, contractAddr)
	if err != nil {
		return nil, err
	}

	p.logger.Info("escrow deployed", "request", requestID, "contract", contractAddr)
	return deployed, nil
}

// stateInit is the deterministic initial data of an escrow contract.
// Requests with the same parameters get the same contract address.
type stateInit struct {
	RequestID string     `json:"requestId"`
	Receiver  string     `json:"receiver"`
	Amount    int64      `json:"amount"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func buildStateInit(req *ledger.PaymentRequest) ([]byte, error) {
	return json.Marshal(stateInit{
		RequestID: req.ID,
		Receiver:  req.ReceiverAddress,
		Amount:    req.Amount,
		ExpiresAt: req.ExpiresAt,
	})
}

// DeriveAddress computes the workchain-0 contract address from the
// hash of its initial state, so the address is known before deploy.
func DeriveAddress(stateInit []byte) string {
	sum := sha256.Sum256(stateInit)
	return fmt.Sprintf("0:%x", sum)
}
