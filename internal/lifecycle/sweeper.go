package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/tgbtcpay/internal/ledger"
)

// Sweeper periodically expires requests past their deadline. Expiry
// goes through the same CAS as every other transition, so a settlement
// that lands in the race window wins and the sweep loses harmlessly.
type Sweeper struct {
	manager  *Manager
	store    ledger.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(manager *Manager, store ledger.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		manager:  manager,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.SweepOnce(ctx)
}

// SweepOnce expires everything past its deadline right now. Exposed
// for tests and for a forced sweep on startup.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	overdue, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		s.logger.Warn("failed to list overdue requests", "error", err)
		return
	}

	for _, req := range overdue {
		_, err := s.manager.Expire(ctx, req.ID, req.Status)
		switch {
		case err == nil:
			s.logger.Info("request expired",
				"id", req.ID, "expiresAt", req.ExpiresAt)
		case errors.Is(err, ledger.ErrStaleTransition):
			// Lost to a concurrent settlement or another sweeper.
		default:
			s.logger.Warn("failed to expire request", "id", req.ID, "error", err)
		}
	}
}
