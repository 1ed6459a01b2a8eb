package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/observer"
	"github.com/mbd888/tgbtcpay/internal/toncenter"
)

// ChainScanner reads the transaction log for reconciliation.
type ChainScanner interface {
	GetTransactionsSince(ctx context.Context, address string, sinceLT int64) ([]toncenter.Transaction, error)
}

// Reconciler resolves settlements stuck in Submitted state: a crash
// between submission and confirmation, a confirmation timeout, or a
// cancelled wait all leave such records behind. It asks the chain for
// transactions since the recorded sequence and settles the ledger
// accordingly. A record with no chain evidence stays Submitted: an
// ambiguous transaction must never be declared failed.
type Reconciler struct {
	coordinator *Coordinator
	store       ledger.Store
	chain       ChainScanner
	interval    time.Duration
	minAge      time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewReconciler creates a reconciliation loop. minAge keeps it from
// racing settlements whose synchronous wait is still in flight.
func NewReconciler(coordinator *Coordinator, store ledger.Store, chain ChainScanner, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		coordinator: coordinator,
		store:       store,
		chain:       chain,
		interval:    interval,
		minAge:      coordinator.cfg.ConfirmTimeout,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReconcile(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeReconcile(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in settlement reconcile", "panic", fmt.Sprint(rec))
		}
	}()
	r.ReconcileOnce(ctx)
}

// ReconcileOnce scans all dangling Submitted settlements right now.
// Exposed for tests and for a forced pass on startup.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	dangling, err := r.store.ListSettlementsByState(ctx, ledger.SettlementSubmitted, 100)
	if err != nil {
		r.logger.Warn("failed to list submitted settlements", "error", err)
		return
	}

	cutoff := time.Now().UTC().Add(-r.minAge)
	for _, rec := range dangling {
		if rec.SubmittedAt.After(cutoff) {
			continue
		}
		if err := r.resolve(ctx, rec); err != nil {
			r.logger.Warn("reconcile failed, will retry",
				"settlement", rec.ID, "request", rec.RequestID, "error", err)
		}
	}
}

func (r *Reconciler) resolve(ctx context.Context, rec *ledger.SettlementTransaction) error {
	req, err := r.coordinator.lifecycle.Get(ctx, rec.RequestID)
	if err != nil {
		return err
	}

	txs, err := r.chain.GetTransactionsSince(ctx, rec.ToAddress, rec.SequenceAtSubmit)
	if err != nil {
		// Chain unavailable: leave the record Submitted, try again
		// next cycle.
		return err
	}

	for _, tx := range txs {
		ev := observer.ConfirmedEvent{
			Address:   rec.ToAddress,
			Sequence:  tx.LT,
			Hash:      tx.Hash,
			From:      tx.From,
			To:        tx.To,
			Amount:    tx.Amount,
			Comment:   tx.Comment,
			Timestamp: tx.Timestamp,
		}
		switch matchEvent(rec, ev) {
		case matchConfirmed:
			r.logger.Info("reconciled dangling settlement as confirmed",
				"settlement", rec.ID, "request", rec.RequestID, "hash", rec.TransactionHash)
			_, err := r.coordinator.resolveConfirmed(ctx, req, rec, ev)
			return err
		case matchRejected:
			r.logger.Warn("reconciled dangling settlement as rejected",
				"settlement", rec.ID, "request", rec.RequestID, "hash", rec.TransactionHash)
			_, err := r.coordinator.resolveRejected(ctx, req, rec)
			return err
		}
	}

	// No chain evidence either way: stays Submitted.
	return nil
}

// Compile-time assertion that the chain client satisfies ChainScanner.
var _ ChainScanner = (*toncenter.Client)(nil)
