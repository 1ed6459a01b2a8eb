package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/tgbtcpay/internal/testutil"
)

const pgReceiver = "EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG"
const pgSender = "UQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0Xgtwt"

func TestPostgresStore_RequestRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC()

	created, err := store.CreateRequest(ctx, Draft{
		SenderAddress:   pgSender,
		ReceiverAddress: pgReceiver,
		Amount:          150_000,
		Message:         "dinner",
		ExpiresAt:       &expiry,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetRequest(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Amount != 150_000 || got.Message != "dinner" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expiry.Truncate(time.Microsecond)) {
		t.Errorf("expiry mismatch: got %v want %v", got.ExpiresAt, expiry)
	}
}

func TestPostgresStore_IdempotentCreate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	draft := Draft{
		ReceiverAddress: pgReceiver,
		Amount:          1000,
		IdempotencyKey:  "pgtest-idem-1",
	}

	first, err := store.CreateRequest(ctx, draft)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := store.CreateRequest(ctx, draft)
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("replay must return the original request: %s vs %s", first.ID, second.ID)
	}
}

func TestPostgresStore_TransitionCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	req, err := store.CreateRequest(ctx, Draft{ReceiverAddress: pgReceiver, Amount: 1000})
	if err != nil {
		t.Fatal(err)
	}

	deployed, err := store.TransitionStatus(ctx, req.ID, StatusPending, StatusDeployed,
		&TransitionExtra{ContractAddress: "0:contract"})
	if err != nil {
		t.Fatalf("deploy transition: %v", err)
	}
	if deployed.ContractAddress != "0:contract" {
		t.Errorf("contract address not carried: %+v", deployed)
	}

	// A second transition from the stale status loses.
	if _, err := store.TransitionStatus(ctx, req.ID, StatusPending, StatusExpired, nil); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("expected ErrStaleTransition, got %v", err)
	}

	// Set-once: completing must not overwrite the contract address.
	paid := time.Now().UTC()
	completed, err := store.TransitionStatus(ctx, req.ID, StatusDeployed, StatusCompleted,
		&TransitionExtra{TransactionHash: "hash1", PaidAt: &paid})
	if err != nil {
		t.Fatalf("complete transition: %v", err)
	}
	if completed.ContractAddress != "0:contract" || completed.TransactionHash != "hash1" {
		t.Errorf("unexpected fields after completion: %+v", completed)
	}
	if completed.PaidAt == nil {
		t.Error("paidAt must land with the completion")
	}
}

func TestPostgresStore_TransitionMissingRequest(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	_, err := store.TransitionStatus(context.Background(), "req_missing", StatusPending, StatusDeployed, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByAddressDirections(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.CreateRequest(ctx, Draft{SenderAddress: pgSender, ReceiverAddress: pgReceiver, Amount: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRequest(ctx, Draft{SenderAddress: pgReceiver, ReceiverAddress: pgSender, Amount: 2}); err != nil {
		t.Fatal(err)
	}

	sent, err := store.ListByAddress(ctx, pgSender, DirectionSent, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent[0].Amount != 1 {
		t.Errorf("sent: expected the single outgoing request, got %d", len(sent))
	}

	all, err := store.ListByAddress(ctx, pgSender, DirectionAll, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all: expected 2 requests, got %d", len(all))
	}
}

func TestPostgresStore_SettlementRecordAndResolve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	req, err := store.CreateRequest(ctx, Draft{ReceiverAddress: pgReceiver, Amount: 1000})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := store.RecordSettlement(ctx, &SettlementTransaction{
		RequestID:       req.ID,
		TransactionHash: "pg-hash-1",
		FromAddress:     pgSender,
		ToAddress:       "0:contract",
		Amount:          1000,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ConfirmationState != SettlementSubmitted {
		t.Errorf("expected submitted, got %s", rec.ConfirmationState)
	}

	// Identical replay returns the stored row.
	again, err := store.RecordSettlement(ctx, &SettlementTransaction{
		RequestID:       req.ID,
		TransactionHash: "pg-hash-1",
		FromAddress:     pgSender,
		ToAddress:       "0:contract",
		Amount:          1000,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != rec.ID {
		t.Errorf("replay must return the original record")
	}

	// Same hash with different details is a conflict.
	if _, err := store.RecordSettlement(ctx, &SettlementTransaction{
		RequestID:       req.ID,
		TransactionHash: "pg-hash-1",
		FromAddress:     pgSender,
		ToAddress:       "0:contract",
		Amount:          999,
	}); !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("expected ErrDuplicateTransaction, got %v", err)
	}

	if err := store.UpdateSettlementState(ctx, rec.ID, SettlementConfirmed, time.Now().UTC()); err != nil {
		t.Fatalf("update state: %v", err)
	}
	resolved, err := store.GetSettlementByRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ConfirmationState != SettlementConfirmed || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolved record: %+v", resolved)
	}

	pending, err := store.ListSettlementsByState(ctx, SettlementSubmitted, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no submitted records left, got %d", len(pending))
	}
}
