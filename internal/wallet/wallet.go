// Package wallet submits signed transactions for the service wallet
// and confirms their acceptance by watching the wallet's sequence
// number advance.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tgbtcpay/internal/toncenter"
)

var (
	// ErrNotAccepted means the chain did not pick up a submitted
	// message within the acceptance window. The message may still
	// land later; callers must treat this as indeterminate.
	ErrNotAccepted = errors.New("transaction not accepted within the wait window")
)

// ChainAPI is the wallet's slice of the chain client.
type ChainAPI interface {
	GetAccountState(ctx context.Context, address string) (*toncenter.AccountState, error)
	GetSequenceNumber(ctx context.Context, address string) (uint32, error)
	SubmitTransaction(ctx context.Context, signedPayload []byte) (string, error)
}

// TransferIntent describes one outgoing payment. Comment carries the
// request ID so the observer can correlate the confirmed transaction.
type TransferIntent struct {
	From    string
	To      string
	Amount  int64
	Comment string
}

// Signer turns an intent into a signed message body for submission.
type Signer interface {
	SignTransfer(intent TransferIntent, seqno uint32) ([]byte, error)
	SignDeploy(to string, stateInit []byte, seqno uint32) ([]byte, error)
}

// Config tunes the acceptance wait.
type Config struct {
	Address        string // the service wallet address
	AcceptPoll     time.Duration
	AcceptAttempts int
}

// DefaultConfig returns the production acceptance schedule: the seqno
// is checked every 1.5s for up to 20 attempts.
func DefaultConfig(address string) Config {
	return Config{
		Address:        address,
		AcceptPoll:     1500 * time.Millisecond,
		AcceptAttempts: 20,
	}
}

// Wallet signs and submits transactions through the chain API.
type Wallet struct {
	chain  ChainAPI
	signer Signer
	cfg    Config
	logger *slog.Logger
}

// New creates a wallet over the given chain API and signer.
func New(chain ChainAPI, signer Signer, cfg Config, logger *slog.Logger) *Wallet {
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = 1500 * time.Millisecond
	}
	if cfg.AcceptAttempts <= 0 {
		cfg.AcceptAttempts = 20
	}
	return &Wallet{chain: chain, signer: signer, cfg: cfg, logger: logger}
}

// Address returns the service wallet address.
func (w *Wallet) Address() string { return w.cfg.Address }

// Transfer submits one signed transfer and blocks until the chain
// accepts it or the wait window closes. On acceptance it returns the
// chain-assigned hash; on ErrNotAccepted the message may still confirm
// later and the caller must reconcile.
func (w *Wallet) Transfer(ctx context.Context, intent TransferIntent) (string, error) {
	seqno, err := w.chain.GetSequenceNumber(ctx, w.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("fetch seqno: %w", err)
	}

	payload, err := w.signer.SignTransfer(intent, seqno)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	hash, err := w.chain.SubmitTransaction(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("submit transfer: %w", err)
	}

	w.logger.Info("transfer submitted",
		"to", intent.To, "amount", intent.Amount, "hash", hash, "seqno", seqno)

	if err := w.waitForAcceptance(ctx, seqno); err != nil {
		return hash, err
	}
	return hash, nil
}

// DeployContract submits a contract deployment message and waits for
// acceptance the same way Transfer does.
func (w *Wallet) DeployContract(ctx context.Context, to string, stateInit []byte) (string, error) {
	seqno, err := w.chain.GetSequenceNumber(ctx, w.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("fetch seqno: %w", err)
	}

	payload, err := w.signer.SignDeploy(to, stateInit, seqno)
	if err != nil {
		return "", fmt.Errorf("sign deploy: %w", err)
	}

	hash, err := w.chain.SubmitTransaction(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("submit deploy: %w", err)
	}

	w.logger.Info("contract deploy submitted", "contract", to, "hash", hash, "seqno", seqno)

	if err := w.waitForAcceptance(ctx, seqno); err != nil {
		return hash, err
	}
	return hash, nil
}

// Balance returns the on-chain balance of an address in minimal units.
func (w *Wallet) Balance(ctx context.Context, address string) (int64, error) {
	state, err := w.chain.GetAccountState(ctx, address)
	if err != nil {
		return 0, err
	}
	return state.Balance, nil
}

// LastSequence returns the logical time of the newest transaction on an
// address. Settlement records it before submitting so reconciliation
// knows where to scan from.
func (w *Wallet) LastSequence(ctx context.Context, address string) (int64, error) {
	state, err := w.chain.GetAccountState(ctx, address)
	if err != nil {
		return 0, err
	}
	return state.LastTransactionLT, nil
}

// waitForAcceptance polls the wallet seqno until it moves past the
// value observed at submission.
func (w *Wallet) waitForAcceptance(ctx context.Context, submittedAt uint32) error {
	for attempt := 0; attempt < w.cfg.AcceptAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.AcceptPoll):
		}

		seqno, err := w.chain.GetSequenceNumber(ctx, w.cfg.Address)
		if err != nil {
			w.logger.Warn("seqno poll failed", "error", err)
			continue
		}
		if seqno > submittedAt {
			return nil
		}
	}
	return ErrNotAccepted
}
