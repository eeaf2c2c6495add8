package trades

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/otcmesh/otcmesh/internal/metrics"
)

// Timer periodically flags payment_pending trades whose deadline passed.
// Flagging never auto-cancels: it blocks a late confirmPayment and makes
// the trade cancel/dispute-eligible, leaving the decision to the parties.
type Timer struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deadline sweep timer.
func NewTimer(store Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in trade deadline sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	flagged, err := t.store.MarkOverdue(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to flag overdue trades", "error", err)
		return
	}

	for _, trade := range flagged {
		metrics.OverdueTradesTotal.Inc()
		t.logger.Info("flagged overdue trade",
			"tradeId", trade.ID,
			"buyer", trade.BuyerID,
			"seller", trade.SellerID,
			"deadline", trade.PaymentDeadline,
		)
	}
}
