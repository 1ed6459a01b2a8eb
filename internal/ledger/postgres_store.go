package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tgbtcpay/internal/idgen"
)

// PostgresStore persists payment requests and settlements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, sender_address, receiver_address, amount, message,
		contract_address, status, created_at, expires_at, paid_at,
		transaction_hash, updated_at, idempotency_key`

func (p *PostgresStore) CreateRequest(ctx context.Context, draft Draft) (*PaymentRequest, error) {
	now := time.Now().UTC()
	if err := draft.Validate(now); err != nil {
		return nil, err
	}

	req := &PaymentRequest{
		ID:              idgen.WithPrefix("req_"),
		SenderAddress:   draft.SenderAddress,
		ReceiverAddress: draft.ReceiverAddress,
		Amount:          draft.Amount,
		Message:         draft.Message,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       draft.ExpiresAt,
		UpdatedAt:       now,
		IdempotencyKey:  draft.IdempotencyKey,
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_requests (
			id, sender_address, receiver_address, amount, message,
			status, created_at, expires_at, updated_at, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, nullString(req.SenderAddress), req.ReceiverAddress, req.Amount,
		nullString(req.Message), string(req.Status), req.CreatedAt,
		nullTime(req.ExpiresAt), req.UpdatedAt, nullString(req.IdempotencyKey),
	)
	if err != nil {
		// A replayed create with the same idempotency key returns the
		// original request instead of a duplicate row.
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			return p.getByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}
	return req, nil
}

func (p *PostgresStore) getByIdempotencyKey(ctx context.Context, key string) (*PaymentRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM payment_requests WHERE idempotency_key = $1`, key)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return req, err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return req, err
}

func (p *PostgresStore) ListByAddress(ctx context.Context, address string, direction Direction, limit int) ([]*PaymentRequest, error) {
	var where string
	switch direction {
	case DirectionSent:
		where = `sender_address = $1`
	case DirectionReceived:
		where = `receiver_address = $1`
	default:
		where = `(sender_address = $1 OR receiver_address = $1)`
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2`, address, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*PaymentRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE status IN ('pending', 'deployed')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to Status, extra *TransitionExtra) (*PaymentRequest, error) {
	var contractAddr, txHash sql.NullString
	var paidAt sql.NullTime
	if extra != nil {
		contractAddr = nullString(extra.ContractAddress)
		txHash = nullString(extra.TransactionHash)
		paidAt = nullTime(extra.PaidAt)
	}

	// The WHERE clause is the compare-and-swap: zero rows affected
	// means the status moved underneath us (or the row is gone).
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_requests SET
			status = $3,
			contract_address = COALESCE(contract_address, $4),
			transaction_hash = COALESCE(transaction_hash, $5),
			paid_at = COALESCE(paid_at, $6),
			updated_at = $7
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), contractAddr, txHash, paidAt, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, getErr := p.GetRequest(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStaleTransition
	}
	return p.GetRequest(ctx, id)
}

const settlementColumns = `id, request_id, transaction_hash, from_address, to_address,
		amount, confirmation_state, sequence_at_submit, submitted_at, resolved_at`

func (p *PostgresStore) RecordSettlement(ctx context.Context, tx *SettlementTransaction) (*SettlementTransaction, error) {
	stored := *tx
	if stored.ID == "" {
		stored.ID = idgen.WithPrefix("stl_")
	}
	if stored.ConfirmationState == "" {
		stored.ConfirmationState = SettlementSubmitted
	}
	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_transactions (
			id, request_id, transaction_hash, from_address, to_address,
			amount, confirmation_state, sequence_at_submit, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		stored.ID, stored.RequestID, stored.TransactionHash,
		stored.FromAddress, stored.ToAddress, stored.Amount,
		string(stored.ConfirmationState), stored.SequenceAtSubmit, stored.SubmittedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := p.GetSettlementByHash(ctx, stored.TransactionHash)
			if getErr != nil {
				return nil, fmt.Errorf("settlement hash conflict, lookup failed: %w", getErr)
			}
			if sameSettlement(existing, &stored) {
				return existing, nil
			}
			return nil, ErrDuplicateTransaction
		}
		return nil, err
	}
	return &stored, nil
}

func (p *PostgresStore) UpdateSettlementState(ctx context.Context, id string, state ConfirmationState, resolvedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_transactions
		SET confirmation_state = $2, resolved_at = $3
		WHERE id = $1`,
		id, string(state), resolvedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (p *PostgresStore) GetSettlementByRequest(ctx context.Context, requestID string) (*SettlementTransaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlement_transactions
		WHERE request_id = $1
		ORDER BY submitted_at DESC
		LIMIT 1`, requestID)
	tx, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, ErrSettlementNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetSettlementByHash(ctx context.Context, hash string) (*SettlementTransaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlement_transactions
		WHERE transaction_hash = $1`, hash)
	tx, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, ErrSettlementNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListSettlementsByState(ctx context.Context, state ConfirmationState, limit int) ([]*SettlementTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlement_transactions
		WHERE confirmation_state = $1
		ORDER BY submitted_at ASC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SettlementTransaction
	for rows.Next() {
		tx, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*PaymentRequest, error) {
	req := &PaymentRequest{}
	var (
		senderAddr   sql.NullString
		message      sql.NullString
		contractAddr sql.NullString
		txHash       sql.NullString
		idemKey      sql.NullString
		expiresAt    sql.NullTime
		paidAt       sql.NullTime
		status       string
	)

	err := s.Scan(
		&req.ID, &senderAddr, &req.ReceiverAddress, &req.Amount, &message,
		&contractAddr, &status, &req.CreatedAt, &expiresAt, &paidAt,
		&txHash, &req.UpdatedAt, &idemKey,
	)
	if err != nil {
		return nil, err
	}

	req.Status = Status(status)
	req.SenderAddress = senderAddr.String
	req.Message = message.String
	req.ContractAddress = contractAddr.String
	req.TransactionHash = txHash.String
	req.IdempotencyKey = idemKey.String
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if paidAt.Valid {
		req.PaidAt = &paidAt.Time
	}
	return req, nil
}

func scanRequests(rows *sql.Rows) ([]*PaymentRequest, error) {
	var result []*PaymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func scanSettlement(s scanner) (*SettlementTransaction, error) {
	tx := &SettlementTransaction{}
	var (
		state      string
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&tx.ID, &tx.RequestID, &tx.TransactionHash, &tx.FromAddress, &tx.ToAddress,
		&tx.Amount, &state, &tx.SequenceAtSubmit, &tx.SubmittedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.ConfirmationState = ConfirmationState(state)
	if resolvedAt.Valid {
		tx.ResolvedAt = &resolvedAt.Time
	}
	return tx, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
