package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tgbtcpay/internal/idgen"
)

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*PaymentRequest
	settlements map[string]*SettlementTransaction // by settlement ID
	byHash      map[string]string                 // tx hash -> settlement ID
	byIdemKey   map[string]string                 // idempotency key -> request ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*PaymentRequest),
		settlements: make(map[string]*SettlementTransaction),
		byHash:      make(map[string]string),
		byIdemKey:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, draft Draft) (*PaymentRequest, error) {
	now := time.Now().UTC()
	if err := draft.Validate(now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if draft.IdempotencyKey != "" {
		if id, ok := m.byIdemKey[draft.IdempotencyKey]; ok {
			return copyRequest(m.requests[id]), nil
		}
	}

	req := &PaymentRequest{
		ID:              idgen.WithPrefix("req_"),
		SenderAddress:   draft.SenderAddress,
		ReceiverAddress: draft.ReceiverAddress,
		Amount:          draft.Amount,
		Message:         draft.Message,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       copyTime(draft.ExpiresAt),
		UpdatedAt:       now,
		IdempotencyKey:  draft.IdempotencyKey,
	}
	m.requests[req.ID] = req
	if draft.IdempotencyKey != "" {
		m.byIdemKey[draft.IdempotencyKey] = req.ID
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) ListByAddress(ctx context.Context, address string, direction Direction, limit int) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRequest
	for _, req := range m.requests {
		match := false
		switch direction {
		case DirectionSent:
			match = req.SenderAddress == address
		case DirectionReceived:
			match = req.ReceiverAddress == address
		default:
			match = req.SenderAddress == address || req.ReceiverAddress == address
		}
		if match {
			result = append(result, copyRequest(req))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRequest
	for _, req := range m.requests {
		if req.Status.Terminal() || req.ExpiresAt == nil {
			continue
		}
		if req.ExpiresAt.Before(before) {
			result = append(result, copyRequest(req))
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to Status, extra *TransitionExtra) (*PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != from {
		return nil, ErrStaleTransition
	}

	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	if extra != nil {
		if extra.ContractAddress != "" && req.ContractAddress == "" {
			req.ContractAddress = extra.ContractAddress
		}
		if extra.TransactionHash != "" && req.TransactionHash == "" {
			req.TransactionHash = extra.TransactionHash
		}
		if extra.PaidAt != nil && req.PaidAt == nil {
			req.PaidAt = copyTime(extra.PaidAt)
		}
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) RecordSettlement(ctx context.Context, tx *SettlementTransaction) (*SettlementTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byHash[tx.TransactionHash]; ok {
		existing := m.settlements[existingID]
		if sameSettlement(existing, tx) {
			return copySettlement(existing), nil
		}
		return nil, ErrDuplicateTransaction
	}

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
	m.settlements[stored.ID] = &stored
	m.byHash[stored.TransactionHash] = stored.ID
	return copySettlement(&stored), nil
}

func (m *MemoryStore) UpdateSettlementState(ctx context.Context, id string, state ConfirmationState, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.settlements[id]
	if !ok {
		return ErrSettlementNotFound
	}
	tx.ConfirmationState = state
	tx.ResolvedAt = &resolvedAt
	return nil
}

func (m *MemoryStore) GetSettlementByRequest(ctx context.Context, requestID string) (*SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *SettlementTransaction
	for _, tx := range m.settlements {
		if tx.RequestID != requestID {
			continue
		}
		if latest == nil || tx.SubmittedAt.After(latest.SubmittedAt) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, ErrSettlementNotFound
	}
	return copySettlement(latest), nil
}

func (m *MemoryStore) GetSettlementByHash(ctx context.Context, hash string) (*SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return copySettlement(m.settlements[id]), nil
}

func (m *MemoryStore) ListSettlementsByState(ctx context.Context, state ConfirmationState, limit int) ([]*SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SettlementTransaction
	for _, tx := range m.settlements {
		if tx.ConfirmationState != state {
			continue
		}
		result = append(result, copySettlement(tx))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func copyRequest(r *PaymentRequest) *PaymentRequest {
	c := *r
	c.ExpiresAt = copyTime(r.ExpiresAt)
	c.PaidAt = copyTime(r.PaidAt)
	return &c
}

func copySettlement(t *SettlementTransaction) *SettlementTransaction {
	c := *t
	c.ResolvedAt = copyTime(t.ResolvedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
