package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/otcmesh/otcmesh/internal/idgen"
	"github.com/otcmesh/otcmesh/internal/trades"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otcmesh",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otcmesh",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to fan trade lifecycle events out to both
// participants. All methods are fire-and-forget: errors are logged but
// never returned, so a dead endpoint cannot stall a settlement.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

var _ trades.Emitter = (*Emitter)(nil)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit delivers a trade lifecycle event to the buyer's and the
// seller's subscriptions.
func (e *Emitter) Emit(ctx context.Context, event string, trade *trades.Trade) {
	eventType := EventType(event)
	if !KnownEvent(eventType) {
		return
	}
	data := map[string]any{
		"tradeId":    trade.ID,
		"offerId":    trade.OfferID,
		"buyerId":    trade.BuyerID,
		"sellerId":   trade.SellerID,
		"amount":     trade.Amount,
		"fiatAmount": trade.FiatAmount,
		"status":     string(trade.Status),
	}
	e.emit(trade.BuyerID, eventType, data)
	e.emit(trade.SellerID, eventType, data)
}

// EmitBalanceDeposit notifies a user that a deposit was credited.
func (e *Emitter) EmitBalanceDeposit(userID, reference, amount, currency string) {
	e.emit(userID, EventBalanceDeposit, map[string]any{
		"userId":    userID,
		"reference": reference,
		"amount":    amount,
		"currency":  currency,
	})
}

// EmitBalanceWithdraw notifies a user about a withdrawal state change.
func (e *Emitter) EmitBalanceWithdraw(userID, reference, amount, currency, status string) {
	e.emit(userID, EventBalanceWithdraw, map[string]any{
		"userId":    userID,
		"reference": reference,
		"amount":    amount,
		"currency":  currency,
		"status":    status,
	})
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "userId", userID, "error", err)
	}
}
