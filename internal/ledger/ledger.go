// Package ledger is the durable record of payment requests and their
// settlement transactions. It is the single source of truth for request
// state: every status change goes through the compare-and-swap
// TransitionStatus, never an unconditional overwrite.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("payment request not found")
	ErrSettlementNotFound   = errors.New("settlement transaction not found")
	ErrInvalidAmount        = errors.New("amount must be a positive satoshi count")
	ErrInvalidExpiry        = errors.New("expiry must be in the future")
	ErrStaleTransition      = errors.New("status changed concurrently, transition lost")
	ErrDuplicateTransaction = errors.New("transaction hash already recorded for a different settlement")
)

// Status is a payment request lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // created, escrow not yet provisioned
	StatusDeployed  Status = "deployed"  // escrow contract live, payable
	StatusCompleted Status = "completed" // settled on-chain
	StatusExpired   Status = "expired"   // passed expiresAt unsettled
	StatusFailed    Status = "failed"    // deploy or settlement failed, no funds moved
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Direction selects which side of a request an address matches in listings.
type Direction string

const (
	DirectionSent     Direction = "sent"     // address is the payer
	DirectionReceived Direction = "received" // address is the payee
	DirectionAll      Direction = "all"
)

// PaymentRequest is a request for a tgBTC payment. Amounts are satoshi
// counts (1 tgBTC = 100,000,000 satoshis).
type PaymentRequest struct {
	ID              string     `json:"id"`
	SenderAddress   string     `json:"senderAddress,omitempty"` // expected payer; empty = open request
	ReceiverAddress string     `json:"receiverAddress"`         // payee, escrow beneficiary
	Amount          int64      `json:"amount"`
	Message         string     `json:"message,omitempty"`
	ContractAddress string     `json:"contractAddress,omitempty"` // set once, on deploy
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"` // nil = never expires
	PaidAt          *time.Time `json:"paidAt,omitempty"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	IdempotencyKey string `json:"-"`
}

// ConfirmationState is the chain-visibility state of a settlement.
type ConfirmationState string

const (
	SettlementSubmitted ConfirmationState = "submitted"
	SettlementConfirmed ConfirmationState = "confirmed"
	SettlementRejected  ConfirmationState = "rejected"
)

// SettlementTransaction is the audit record of one on-chain payment
// attempt against a request. Rows are never deleted.
type SettlementTransaction struct {
	ID                string            `json:"id"`
	RequestID         string            `json:"requestId"`
	TransactionHash   string            `json:"transactionHash"`
	FromAddress       string            `json:"fromAddress"`
	ToAddress         string            `json:"toAddress"`
	Amount            int64             `json:"amount"`
	ConfirmationState ConfirmationState `json:"confirmationState"`
	// SequenceAtSubmit is the receiver account's logical time just
	// before submission. Reconciliation scans forward from here.
	SequenceAtSubmit int64      `json:"sequenceAtSubmit"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

// Draft holds the caller-supplied fields of a new request.
type Draft struct {
	SenderAddress   string
	ReceiverAddress string
	Amount          int64
	Message         string
	ExpiresAt       *time.Time
	IdempotencyKey  string
}

// Validate enforces the creation invariants before any write.
func (d Draft) Validate(now time.Time) error {
	if d.Amount <= 0 {
		return ErrInvalidAmount
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return ErrInvalidExpiry
	}
	return nil
}

// TransitionExtra carries the fields a transition sets atomically with
// the status change. Zero-valued fields are left untouched.
type TransitionExtra struct {
	ContractAddress string     // Pending -> Deployed
	TransactionHash string     // Deployed -> Completed
	PaidAt          *time.Time // Deployed -> Completed
}

// Store persists payment requests and settlement transactions.
//
// TransitionStatus is a linearizable compare-and-swap: it succeeds only
// if the current status equals from, otherwise it fails with
// ErrStaleTransition and writes nothing. Concurrent transitions from
// the same status on the same request admit exactly one winner.
//
// RecordSettlement is idempotent on transaction hash: re-recording an
// identical settlement returns the stored row without a new insert; a
// hash collision with different fields fails ErrDuplicateTransaction.
type Store interface {
	CreateRequest(ctx context.Context, draft Draft) (*PaymentRequest, error)
	GetRequest(ctx context.Context, id string) (*PaymentRequest, error)
	ListByAddress(ctx context.Context, address string, direction Direction, limit int) ([]*PaymentRequest, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*PaymentRequest, error)
	TransitionStatus(ctx context.Context, id string, from, to Status, extra *TransitionExtra) (*PaymentRequest, error)

	RecordSettlement(ctx context.Context, tx *SettlementTransaction) (*SettlementTransaction, error)
	UpdateSettlementState(ctx context.Context, id string, state ConfirmationState, resolvedAt time.Time) error
	GetSettlementByRequest(ctx context.Context, requestID string) (*SettlementTransaction, error)
	GetSettlementByHash(ctx context.Context, hash string) (*SettlementTransaction, error)
	ListSettlementsByState(ctx context.Context, state ConfirmationState, limit int) ([]*SettlementTransaction, error)
}

// sameSettlement reports whether a re-recorded settlement matches the
// stored row on every identity field.
func sameSettlement(a, b *SettlementTransaction) bool {
	return a.RequestID == b.RequestID &&
		a.FromAddress == b.FromAddress &&
		a.ToAddress == b.ToAddress &&
		a.Amount == b.Amount
}
