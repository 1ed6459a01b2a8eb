// Package settlement drives a payment attempt from submission to a
// terminal confirmation, enforcing at-most-one successful transfer per
// request.
//
// The settlement record is written in Submitted state before any wait,
// so a crash mid-wait leaves a dangling record the reconciler can
// resolve against the chain. A wait timeout is reported as explicitly
// pending, never as success or failure: a submitted transaction may
// still confirm later.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/metrics"
	"github.com/mbd888/tgbtcpay/internal/observer"
	"github.com/mbd888/tgbtcpay/internal/traces"
	"github.com/mbd888/tgbtcpay/internal/wallet"
)

var (
	// ErrRequestNotPayable means the request is not Deployed, is past
	// its expiry, or names a different expected payer.
	ErrRequestNotPayable = errors.New("request is not payable")
	// ErrAmountMismatch means the caller's amount disagrees with the
	// stored request amount.
	ErrAmountMismatch = errors.New("amount does not match the request")
)

// Lifecycle is the slice of the lifecycle manager settlement drives.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*ledger.PaymentRequest, error)
	Complete(ctx context.Context, id, transactionHash string, paidAt time.Time) (*ledger.PaymentRequest, error)
	Fail(ctx context.Context, id string, from ledger.Status) (*ledger.PaymentRequest, error)
}

// Transferer submits the signed transfer and reads chain sequences.
type Transferer interface {
	Transfer(ctx context.Context, intent wallet.TransferIntent) (string, error)
	LastSequence(ctx context.Context, address string) (int64, error)
}

// Watcher hands out confirmed-event subscriptions.
type Watcher interface {
	Watch(ctx context.Context, address string, sinceSequence int64) (*observer.Subscription, error)
}

// Config tunes the coordinator.
type Config struct {
	// ConfirmTimeout bounds the synchronous wait for confirmation.
	ConfirmTimeout time.Duration
}

// Result is the outcome of a settlement attempt. State Submitted means
// pending/indeterminate: check back or wait for reconciliation.
type Result struct {
	Settlement *ledger.SettlementTransaction
	Request    *ledger.PaymentRequest
	State      ledger.ConfirmationState
}

// Coordinator owns the settlement path.
type Coordinator struct {
	store     ledger.Store
	lifecycle Lifecycle
	wallet    Transferer
	watcher   Watcher
	cfg       Config
	logger    *slog.Logger
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(store ledger.Store, lc Lifecycle, w Transferer, watcher Watcher, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Coordinator{
		store:     store,
		lifecycle: lc,
		wallet:    w,
		watcher:   watcher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Settle submits exactly one transfer for the request and waits for
// chain confirmation. amount 0 means "pay the stored amount"; any
// other value must match it. Cancelling ctx stops the wait but not the
// already-submitted transaction, which the reconciler resolves later.
func (c *Coordinator) Settle(ctx context.Context, requestID, payerAddress string, amount int64) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.RequestID(requestID), traces.Address(payerAddress))
	defer span.End()

	req, err := c.lifecycle.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := payable(req, payerAddress); err != nil {
		return nil, err
	}
	if amount != 0 && amount != req.Amount {
		return nil, fmt.Errorf("%w: got %d, request wants %d", ErrAmountMismatch, amount, req.Amount)
	}

	// At most one live transfer per request. A prior settlement that is
	// not Rejected may still confirm, so a repeat call (double-click,
	// concurrent payers) gets the existing handle back instead of
	// moving funds a second time.
	if prior, err := c.store.GetSettlementByRequest(ctx, req.ID); err == nil {
		if prior.ConfirmationState != ledger.SettlementRejected {
			c.logger.Info("settlement already in flight, returning existing record",
				"request", req.ID, "hash", prior.TransactionHash)
			return &Result{Settlement: prior, Request: req, State: prior.ConfirmationState}, nil
		}
	} else if !errors.Is(err, ledger.ErrSettlementNotFound) {
		return nil, fmt.Errorf("check prior settlement: %w", err)
	}

	destination := req.ContractAddress

	// Snapshot the destination's sequence before submitting so the
	// confirmation scan (and any later reconciliation) starts below
	// our own transaction.
	seqBefore, err := c.wallet.LastSequence(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("read destination sequence: %w", err)
	}

	hash, transferErr := c.wallet.Transfer(ctx, wallet.TransferIntent{
		From:    payerAddress,
		To:      destination,
		Amount:  req.Amount,
		Comment: req.ID,
	})
	if transferErr != nil && hash == "" {
		// Submission itself failed: provably nothing moved. The
		// request stays Deployed so the payer can retry.
		return nil, fmt.Errorf("submit transfer: %w", transferErr)
	}

	rec, err := c.store.RecordSettlement(ctx, &ledger.SettlementTransaction{
		RequestID:        req.ID,
		TransactionHash:  hash,
		FromAddress:      payerAddress,
		ToAddress:        destination,
		Amount:           req.Amount,
		SequenceAtSubmit: seqBefore,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%w: transaction %s already recorded with different fields", ErrAmountMismatch, hash)
		}
		return nil, fmt.Errorf("record settlement: %w", err)
	}

	span.SetAttributes(traces.TxHash(hash), traces.Amount(req.Amount))

	if errors.Is(transferErr, wallet.ErrNotAccepted) {
		// The message is out but unacknowledged. Leave the record
		// Submitted for the reconciler and tell the caller honestly.
		c.logger.Warn("transfer not yet accepted, settlement pending",
			"request", req.ID, "hash", hash)
		metrics.SettlementsTotal.WithLabelValues("pending").Inc()
		return &Result{Settlement: rec, Request: req, State: ledger.SettlementSubmitted}, nil
	}

	return c.awaitConfirmation(ctx, req, rec)
}

// Status returns the settlement audit record for a request.
func (c *Coordinator) Status(ctx context.Context, requestID string) (*ledger.SettlementTransaction, error) {
	return c.store.GetSettlementByRequest(ctx, requestID)
}

func payable(req *ledger.PaymentRequest, payerAddress string) error {
	if req.Status != ledger.StatusDeployed {
		return fmt.Errorf("%w: status %s", ErrRequestNotPayable, req.Status)
	}
	if req.ExpiresAt != nil && time.Now().UTC().After(*req.ExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrRequestNotPayable, req.ExpiresAt.Format(time.RFC3339))
	}
	if req.SenderAddress != "" && req.SenderAddress != payerAddress {
		return fmt.Errorf("%w: reserved for a different payer", ErrRequestNotPayable)
	}
	return nil
}

// awaitConfirmation watches the destination account until the matching
// transaction confirms, the timeout passes, or ctx is cancelled.
func (c *Coordinator) awaitConfirmation(ctx context.Context, req *ledger.PaymentRequest, rec *ledger.SettlementTransaction) (*Result, error) {
	sub, err := c.watcher.Watch(ctx, rec.ToAddress, rec.SequenceAtSubmit)
	if err != nil {
		// Can't watch right now; the record stays Submitted.
		c.logger.Warn("confirmation watch unavailable", "request", req.ID, "error", err)
		metrics.SettlementsTotal.WithLabelValues("pending").Inc()
		return &Result{Settlement: rec, Request: req, State: ledger.SettlementSubmitted}, nil
	}
	defer sub.Close()

	timeout := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.SettlementsTotal.WithLabelValues("pending").Inc()
			return &Result{Settlement: rec, Request: req, State: ledger.SettlementSubmitted}, nil
		case <-timeout.C:
			c.logger.Info("confirmation wait timed out, settlement pending",
				"request", req.ID, "hash", rec.TransactionHash)
			metrics.SettlementsTotal.WithLabelValues("pending").Inc()
			return &Result{Settlement: rec, Request: req, State: ledger.SettlementSubmitted}, nil
		case ev, ok := <-sub.Events():
			if !ok {
				metrics.SettlementsTotal.WithLabelValues("pending").Inc()
				return &Result{Settlement: rec, Request: req, State: ledger.SettlementSubmitted}, nil
			}
			if ev.Err != nil {
				// Degraded observer: keep waiting until the timeout,
				// the record must never fail on infrastructure alone.
				continue
			}
			switch matchEvent(rec, ev) {
			case matchConfirmed:
				return c.resolveConfirmed(ctx, req, rec, ev)
			case matchRejected:
				return c.resolveRejected(ctx, req, rec)
			}
		}
	}
}

type eventMatch int

const (
	matchNone eventMatch = iota
	matchConfirmed
	matchRejected
)

// matchEvent correlates a confirmed chain event with the settlement:
// by hash, or by (from, to, amount) with the request ID in the comment.
// A hash match carrying the wrong amount is a rejection: the submitted
// message was altered or bounced short.
func matchEvent(rec *ledger.SettlementTransaction, ev observer.ConfirmedEvent) eventMatch {
	if ev.Hash == rec.TransactionHash {
		if ev.Amount == rec.Amount {
			return matchConfirmed
		}
		return matchRejected
	}
	if ev.From == rec.FromAddress && ev.To == rec.ToAddress &&
		ev.Amount == rec.Amount && ev.Comment == rec.RequestID {
		return matchConfirmed
	}
	return matchNone
}

func (c *Coordinator) resolveConfirmed(ctx context.Context, req *ledger.PaymentRequest, rec *ledger.SettlementTransaction, ev observer.ConfirmedEvent) (*Result, error) {
	now := time.Now().UTC()
	if err := c.store.UpdateSettlementState(ctx, rec.ID, ledger.SettlementConfirmed, now); err != nil {
		c.logger.Error("failed to mark settlement confirmed", "settlement", rec.ID, "error", err)
	}
	rec.ConfirmationState = ledger.SettlementConfirmed
	rec.ResolvedAt = &now

	paidAt := ev.Timestamp
	if paidAt.IsZero() {
		paidAt = now
	}
	updated, err := c.lifecycle.Complete(ctx, req.ID, rec.TransactionHash, paidAt)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			// Expiry or another settlement won the CAS. The audit
			// record stays Confirmed; report the actual state.
			current, getErr := c.lifecycle.Get(ctx, req.ID)
			if getErr != nil {
				return nil, getErr
			}
			metrics.SettlementsTotal.WithLabelValues("confirmed").Inc()
			return &Result{Settlement: rec, Request: current, State: ledger.SettlementConfirmed}, nil
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("confirmed").Inc()
	c.logger.Info("settlement confirmed",
		"request", req.ID, "hash", rec.TransactionHash, "amount", rec.Amount)
	return &Result{Settlement: rec, Request: updated, State: ledger.SettlementConfirmed}, nil
}

func (c *Coordinator) resolveRejected(ctx context.Context, req *ledger.PaymentRequest, rec *ledger.SettlementTransaction) (*Result, error) {
	now := time.Now().UTC()
	if err := c.store.UpdateSettlementState(ctx, rec.ID, ledger.SettlementRejected, now); err != nil {
		c.logger.Error("failed to mark settlement rejected", "settlement", rec.ID, "error", err)
	}
	rec.ConfirmationState = ledger.SettlementRejected
	rec.ResolvedAt = &now

	// Fail only if nothing else completed the request meanwhile.
	updated, err := c.lifecycle.Fail(ctx, req.ID, ledger.StatusDeployed)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			current, getErr := c.lifecycle.Get(ctx, req.ID)
			if getErr != nil {
				return nil, getErr
			}
			metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
			return &Result{Settlement: rec, Request: current, State: ledger.SettlementRejected}, nil
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
	c.logger.Warn("settlement rejected",
		"request", req.ID, "hash", rec.TransactionHash)
	return &Result{Settlement: rec, Request: updated, State: ledger.SettlementRejected}, nil
}
