// Package profiles maps Telegram identities to chain addresses.
//
// Writes are idempotent merges keyed by telegram ID: identity fields
// (telegram ID, and the address once set) are immutable after their
// first write, everything else is last-write-wins.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tgbtcpay/internal/validation"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidProfile  = errors.New("invalid profile")
)

// Profile links a Telegram user to a TON address.
type Profile struct {
	TelegramID int64     `json:"telegramId"`
	Address    string    `json:"address,omitempty"` // immutable once set
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"firstName,omitempty"`
	PhotoURL   string    `json:"photoUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists profiles.
type Store interface {
	// Upsert merges p into the stored profile for p.TelegramID and
	// returns the merged result.
	Upsert(ctx context.Context, p Profile) (*Profile, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*Profile, error)
	GetByAddress(ctx context.Context, address string) (*Profile, error)
}

// Service validates and stores profile updates.
type Service struct {
	store Store
}

// NewService creates a profile service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Upsert validates and merges a profile write.
func (s *Service) Upsert(ctx context.Context, p Profile) (*Profile, error) {
	if p.TelegramID <= 0 {
		return nil, fmt.Errorf("%w: telegram id required", ErrInvalidProfile)
	}
	if p.Address != "" && !validation.IsValidTONAddress(p.Address) {
		return nil, fmt.Errorf("%w: bad address %q", ErrInvalidProfile, p.Address)
	}
	p.Username = validation.SanitizeString(p.Username, 64)
	p.FirstName = validation.SanitizeString(p.FirstName, 128)
	return s.store.Upsert(ctx, p)
}

// Get returns a profile by telegram ID.
func (s *Service) Get(ctx context.Context, telegramID int64) (*Profile, error) {
	return s.store.GetByTelegramID(ctx, telegramID)
}

// Lookup returns the profile bound to a chain address, used for
// address-to-chat resolution when sending notifications.
func (s *Service) Lookup(ctx context.Context, address string) (*Profile, error) {
	return s.store.GetByAddress(ctx, address)
}

// merge applies the conflict-resolution rule: identity fields keep
// their first value, mutable fields take the incoming one.
func merge(existing *Profile, incoming Profile, now time.Time) *Profile {
	merged := *existing
	if merged.Address == "" {
		merged.Address = incoming.Address
	}
	merged.Username = incoming.Username
	merged.FirstName = incoming.FirstName
	merged.PhotoURL = incoming.PhotoURL
	merged.UpdatedAt = now
	return &merged
}
