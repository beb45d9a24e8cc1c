package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tradewire/p2p-escrow/internal/metrics"
)

// Sweeper periodically expires overdue trades and auto-releases escrow on
// trades the seller never acted on after the buyer confirmed payment.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new trade sweeper.
func NewSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
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
			s.logger.Error("panic in trade sweeper", "panic", fmt.Sprint(r))
			metrics.SweeperRunsTotal.WithLabelValues("panic").Inc()
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	result := "ok"

	if !s.expireOverdue(ctx, now) {
		result = "error"
	}
	if s.service.cfg.AutoRelease {
		if !s.autoRelease(ctx, now) {
			result = "error"
		}
	}

	metrics.SweeperRunsTotal.WithLabelValues(result).Inc()
}

func (s *Sweeper) expireOverdue(ctx context.Context, now time.Time) bool {
	expired, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		s.logger.Warn("failed to list expired trades", "error", err)
		return false
	}

	ok := true
	for _, t := range expired {
		if err := s.service.Expire(ctx, t.ID); err != nil {
			// A concurrent confirm or cancel winning the race is expected.
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConcurrentModification) {
				continue
			}
			s.logger.Warn("failed to expire trade", "tradeId", t.ID, "error", err)
			ok = false
			continue
		}
		s.logger.Info("expired trade", "tradeId", t.ID, "seller", t.SellerID, "amount", t.Amount)
	}
	return ok
}

func (s *Sweeper) autoRelease(ctx context.Context, now time.Time) bool {
	cutoff := now.Add(-s.service.cfg.ReleaseGrace)
	due, err := s.store.ListAwaitingAutoRelease(ctx, cutoff, 100)
	if err != nil {
		s.logger.Warn("failed to list trades awaiting auto-release", "error", err)
		return false
	}

	ok := true
	for _, t := range due {
		if _, err := s.service.Release(ctx, t.ID, ""); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConcurrentModification) {
				continue
			}
			s.logger.Warn("failed to auto-release trade", "tradeId", t.ID, "error", err)
			ok = false
			continue
		}
		metrics.TradesAutoReleasedTotal.Inc()
		s.logger.Info("auto-released trade",
			"tradeId", t.ID,
			"buyer", t.BuyerID,
			"seller", t.SellerID,
			"amount", t.Amount,
		)
	}
	return ok
}
