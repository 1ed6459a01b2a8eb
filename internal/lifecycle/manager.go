// Package lifecycle owns the payment request state machine.
//
// States: pending -> deployed -> completed, with expired and failed
// reachable from either non-terminal state. Transition legality is
// checked here; the actual write races through the ledger's
// compare-and-swap, so concurrent transitions resolve to exactly one
// winner without any locking in this package.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
	"github.com/mbd888/tgbtcpay/internal/logging"
	"github.com/mbd888/tgbtcpay/internal/metrics"
)

// ErrInvalidTransition marks a transition pair outside the state
// machine, including any transition out of a terminal state. It is a
// programming or ordering error: logged, never retried.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the full state machine. Absent pairs are invalid.
var transitions = map[ledger.Status]map[ledger.Status]bool{
	ledger.StatusPending: {
		ledger.StatusDeployed: true,
		ledger.StatusExpired:  true,
		ledger.StatusFailed:   true,
	},
	ledger.StatusDeployed: {
		ledger.StatusCompleted: true,
		ledger.StatusExpired:   true,
		ledger.StatusFailed:    true,
	},
}

// Notifier delivers fire-and-forget lifecycle notices. Implementations
// must never block the caller on network delivery.
type Notifier interface {
	RequestCreated(ctx context.Context, req *ledger.PaymentRequest)
	PaymentConfirmed(ctx context.Context, req *ledger.PaymentRequest)
}

// EventSink receives request updates for realtime fan-out.
type EventSink interface {
	RequestUpdated(req *ledger.PaymentRequest)
}

// Manager drives payment requests through the state machine.
type Manager struct {
	store    ledger.Store
	notifier Notifier
	events   EventSink
	logger   *slog.Logger
}

// NewManager creates a lifecycle manager over the given ledger store.
func NewManager(store ledger.Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// WithNotifier attaches a notification channel.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithEventSink attaches a realtime event sink.
func (m *Manager) WithEventSink(s EventSink) *Manager {
	m.events = s
	return m
}

// Create validates and stores a new request in Pending state.
func (m *Manager) Create(ctx context.Context, draft ledger.Draft) (*ledger.PaymentRequest, error) {
	req, err := m.store.CreateRequest(ctx, draft)
	if err != nil {
		return nil, err
	}
	metrics.RequestsCreatedTotal.Inc()

	if m.notifier != nil {
		m.notifier.RequestCreated(ctx, req)
	}
	m.emit(req)

	logging.L(ctx).Info("payment request created",
		"id", req.ID, "receiver", req.ReceiverAddress, "amount", req.Amount)
	return req, nil
}

// Get returns a request by ID.
func (m *Manager) Get(ctx context.Context, id string) (*ledger.PaymentRequest, error) {
	return m.store.GetRequest(ctx, id)
}

// List returns requests involving an address.
func (m *Manager) List(ctx context.Context, address string, direction ledger.Direction, limit int) ([]*ledger.PaymentRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListByAddress(ctx, address, direction, limit)
}

// MarkDeployed records successful escrow provisioning.
func (m *Manager) MarkDeployed(ctx context.Context, id, contractAddress string) (*ledger.PaymentRequest, error) {
	return m.transition(ctx, id, ledger.StatusPending, ledger.StatusDeployed,
		&ledger.TransitionExtra{ContractAddress: contractAddress})
}

// Complete records a confirmed settlement. paidAt and the transaction
// hash land atomically with the status change.
func (m *Manager) Complete(ctx context.Context, id, transactionHash string, paidAt time.Time) (*ledger.PaymentRequest, error) {
	req, err := m.transition(ctx, id, ledger.StatusDeployed, ledger.StatusCompleted,
		&ledger.TransitionExtra{TransactionHash: transactionHash, PaidAt: &paidAt})
	if err != nil {
		return nil, err
	}
	if m.notifier != nil {
		m.notifier.PaymentConfirmed(ctx, req)
	}
	return req, nil
}

// Expire moves an overdue request to Expired. The caller supplies the
// status it observed; losing the race to a settlement is expected and
// surfaces as ledger.ErrStaleTransition.
func (m *Manager) Expire(ctx context.Context, id string, from ledger.Status) (*ledger.PaymentRequest, error) {
	return m.transition(ctx, id, from, ledger.StatusExpired, nil)
}

// Fail marks a request Failed. Reserved for cases where provably no
// funds moved (deploy error, rejected settlement).
func (m *Manager) Fail(ctx context.Context, id string, from ledger.Status) (*ledger.PaymentRequest, error) {
	return m.transition(ctx, id, from, ledger.StatusFailed, nil)
}

func (m *Manager) transition(ctx context.Context, id string, from, to ledger.Status, extra *ledger.TransitionExtra) (*ledger.PaymentRequest, error) {
	if !transitions[from][to] {
		m.logger.Error("invalid transition attempted",
			"id", id, "from", from, "to", to)
		return nil, ErrInvalidTransition
	}

	req, err := m.store.TransitionStatus(ctx, id, from, to, extra)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			metrics.StaleTransitionsTotal.Inc()
		}
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.emit(req)

	logging.L(ctx).Info("request transitioned",
		"id", id, "from", from, "to", to)
	return req, nil
}

func (m *Manager) emit(req *ledger.PaymentRequest) {
	if m.events != nil {
		m.events.RequestUpdated(req)
	}
}
