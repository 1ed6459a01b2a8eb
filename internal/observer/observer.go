// Package observer watches TON accounts and delivers each confirmed
// transaction exactly once to its subscribers.
//
// The chain API is poll-based, so the observer runs one poll loop per
// watched account with a strictly increasing low-water-mark: the
// logical time (lt) of the last processed transaction. The mark is
// persisted through a CursorStore so a restart resumes where the
// previous process stopped, never redelivering what was already seen.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tgbtcpay/internal/metrics"
	"github.com/mbd888/tgbtcpay/internal/retry"
	"github.com/mbd888/tgbtcpay/internal/toncenter"
)

// ErrObserverUnavailable signals that the chain API kept failing past
// the retry budget. The low-water-mark is untouched; polling continues.
var ErrObserverUnavailable = errors.New("chain observer unavailable")

// ErrStopped is returned by Watch after the observer shut down.
var ErrStopped = errors.New("observer stopped")

// ConfirmedEvent is one confirmed transaction on a watched account, or
// a degradation signal when Err is non-nil.
type ConfirmedEvent struct {
	Address   string
	Sequence  int64 // logical time, strictly increasing per account
	Hash      string
	From      string
	To        string
	Amount    int64
	Comment   string
	Timestamp time.Time
	Err       error
}

// ChainClient is the slice of the chain API the observer polls.
type ChainClient interface {
	GetTransactionsSince(ctx context.Context, address string, sinceLT int64) ([]toncenter.Transaction, error)
}

// CursorStore persists the per-address low-water-mark.
type CursorStore interface {
	Get(ctx context.Context, address string) (int64, error) // 0 when no cursor yet
	Set(ctx context.Context, address string, sequence int64) error
}

// Config tunes the observer's polling and retry behavior.
type Config struct {
	PollInterval time.Duration
	// Retry schedule for one poll cycle against a flaky chain API.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the production polling schedule.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxAttempts:  4,
		BaseDelay:    1500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// Observer multiplexes per-account poll loops to subscribers.
type Observer struct {
	chain   ChainClient
	cursors CursorStore
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	accounts map[string]*account
	stopped  bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

type account struct {
	address string

	mu     sync.Mutex
	cursor int64
	dirty  bool // cursor advanced but persist failed, retry next cycle
	subs   map[*Subscription]struct{}
	stop   chan struct{}
}

// New creates an observer. Poll loops start lazily, one per watched
// address, on the first Watch call for that address.
func New(chain ChainClient, cursors CursorStore, cfg Config, logger *slog.Logger) *Observer {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Observer{
		chain:    chain,
		cursors:  cursors,
		cfg:      cfg,
		logger:   logger,
		accounts: make(map[string]*account),
		stop:     make(chan struct{}),
	}
}

// Subscription is one consumer's view of a watched account. Events
// arrive in ascending sequence order with no duplicates; the consumer
// resumes after a crash by passing its last seen sequence to Watch.
type Subscription struct {
	address string
	obs     *Observer

	mu     sync.Mutex
	offset int64 // last sequence handed to the consumer

	events chan ConfirmedEvent
	closed chan struct{}
	once   sync.Once
}

// Events is the stream of confirmed events. It is closed when the
// subscription or the observer shuts down.
func (s *Subscription) Events() <-chan ConfirmedEvent { return s.events }

// LastDelivered returns the highest sequence handed to this consumer.
func (s *Subscription) LastDelivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.obs.detach(s)
	})
}

// Watch subscribes to confirmed transactions on address with sequence
// strictly greater than sinceSequence. Pass 0 to resume from the
// persisted low-water-mark.
func (o *Observer) Watch(ctx context.Context, address string, sinceSequence int64) (*Subscription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, ErrStopped
	}

	acct, ok := o.accounts[address]
	if !ok {
		cursor, err := o.cursors.Get(ctx, address)
		if err != nil {
			return nil, err
		}
		acct = &account{
			address: address,
			cursor:  cursor,
			subs:    make(map[*Subscription]struct{}),
			stop:    make(chan struct{}),
		}
		o.accounts[address] = acct
		o.wg.Add(1)
		go o.pollLoop(acct)
	}

	sub := &Subscription{
		address: address,
		obs:     o,
		offset:  sinceSequence,
		events:  make(chan ConfirmedEvent, 64),
		closed:  make(chan struct{}),
	}
	if sinceSequence == 0 {
		// A fresh subscriber never sees events at or below the
		// persisted mark.
		sub.offset = acct.cursor
	}

	acct.mu.Lock()
	acct.subs[sub] = struct{}{}
	acct.mu.Unlock()

	return sub, nil
}

// Stop shuts down all poll loops and waits for them to exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.stop)
	o.mu.Unlock()

	o.wg.Wait()
}

func (o *Observer) detach(sub *Subscription) {
	o.mu.Lock()
	acct, ok := o.accounts[sub.address]
	o.mu.Unlock()
	if !ok {
		return
	}

	acct.mu.Lock()
	delete(acct.subs, sub)
	remaining := len(acct.subs)
	acct.mu.Unlock()

	if remaining == 0 {
		o.mu.Lock()
		if a, ok := o.accounts[sub.address]; ok && a == acct {
			delete(o.accounts, sub.address)
			close(acct.stop)
		}
		o.mu.Unlock()
	}
}

func (o *Observer) pollLoop(acct *account) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer poll loop panicked", "address", acct.address, "panic", r)
		}
		acct.mu.Lock()
		for sub := range acct.subs {
			close(sub.events)
		}
		acct.subs = make(map[*Subscription]struct{})
		acct.mu.Unlock()
	}()

	o.logger.Info("watching account", "address", acct.address, "cursor", acct.cursor)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-acct.stop:
			return
		case <-ticker.C:
			o.pollOnce(acct)
		}
	}
}

// pollOnce fetches new transactions past the low-water-mark and fans
// them out. Fetch failures are retried with exponential backoff; if the
// budget is exhausted, subscribers get an ErrObserverUnavailable event
// and the mark stays put so nothing is skipped.
func (o *Observer) pollOnce(acct *account) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.stop:
			cancel()
		case <-acct.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	acct.mu.Lock()
	since := acct.cursor
	acct.mu.Unlock()

	policy := retry.Policy{
		MaxAttempts: o.cfg.MaxAttempts,
		BaseDelay:   o.cfg.BaseDelay,
		MaxDelay:    o.cfg.MaxDelay,
	}

	var txs []toncenter.Transaction
	err := policy.Do(ctx, func() error {
		var fetchErr error
		txs, fetchErr = o.chain.GetTransactionsSince(ctx, acct.address, since)
		return fetchErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		metrics.ObserverPollsTotal.WithLabelValues("unavailable").Inc()
		o.logger.Warn("chain fetch failed past retry budget",
			"address", acct.address, "cursor", since, "error", err)
		o.broadcast(acct, ConfirmedEvent{
			Address:  acct.address,
			Sequence: since,
			Err:      ErrObserverUnavailable,
		})
		return
	}
	metrics.ObserverPollsTotal.WithLabelValues("ok").Inc()

	for _, tx := range txs {
		if tx.LT <= since {
			continue
		}
		o.broadcast(acct, ConfirmedEvent{
			Address:   acct.address,
			Sequence:  tx.LT,
			Hash:      tx.Hash,
			From:      tx.From,
			To:        tx.To,
			Amount:    tx.Amount,
			Comment:   tx.Comment,
			Timestamp: tx.Timestamp,
		})
		since = tx.LT
		o.advance(ctx, acct, tx.LT)
	}

	// Retry a persist that failed earlier even if this cycle was quiet.
	acct.mu.Lock()
	dirty, cursor := acct.dirty, acct.cursor
	acct.mu.Unlock()
	if dirty {
		if err := o.cursors.Set(ctx, acct.address, cursor); err == nil {
			acct.mu.Lock()
			acct.dirty = false
			acct.mu.Unlock()
		}
	}
}

// advance moves the low-water-mark forward and persists it. A persist
// failure keeps the in-memory mark (no redelivery within this process)
// and is retried on the next cycle.
func (o *Observer) advance(ctx context.Context, acct *account, seq int64) {
	acct.mu.Lock()
	if seq <= acct.cursor {
		acct.mu.Unlock()
		return
	}
	acct.cursor = seq
	acct.mu.Unlock()

	if err := o.cursors.Set(ctx, acct.address, seq); err != nil {
		o.logger.Error("cursor persist failed", "address", acct.address, "sequence", seq, "error", err)
		acct.mu.Lock()
		acct.dirty = true
		acct.mu.Unlock()
		return
	}
	metrics.ObserverLowWaterMark.WithLabelValues(acct.address).Set(float64(seq))
}

// broadcast delivers an event to every subscriber that has not yet seen
// its sequence. Degradation events (Err set) bypass the offset check.
func (o *Observer) broadcast(acct *account, ev ConfirmedEvent) {
	acct.mu.Lock()
	subs := make([]*Subscription, 0, len(acct.subs))
	for sub := range acct.subs {
		subs = append(subs, sub)
	}
	acct.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if ev.Err == nil && ev.Sequence <= sub.offset {
			sub.mu.Unlock()
			continue
		}
		// Block on a full buffer rather than drop: the cursor advances
		// past this event and would never fetch it again.
		select {
		case sub.events <- ev:
			if ev.Err == nil {
				sub.offset = ev.Sequence
				metrics.ObserverEventsTotal.Inc()
			}
		case <-sub.closed:
		case <-acct.stop:
		case <-o.stop:
		}
		sub.mu.Unlock()
	}
}
