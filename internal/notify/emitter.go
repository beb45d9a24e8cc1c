package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradewire/p2p-escrow/internal/idgen"
	"github.com/tradewire/p2p-escrow/internal/metrics"
)

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new event emitter.
func NewEmitter(d Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(recipientID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, recipientID, event); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("notification dispatch failed", "event", eventType, "recipient", recipientID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

// EmitTradeCreated notifies both parties of a new trade.
func (e *Emitter) EmitTradeCreated(tradeID, buyerID, sellerID, amount, currency string) {
	data := map[string]any{
		"tradeId": tradeID, "buyerId": buyerID, "sellerId": sellerID,
		"amount": amount, "currency": currency,
	}
	e.emit(buyerID, EventTradeCreated, data)
	e.emit(sellerID, EventTradeCreated, data)
}

// EmitPaymentSent notifies the seller the buyer has declared payment.
func (e *Emitter) EmitPaymentSent(tradeID, sellerID, paymentReference string) {
	e.emit(sellerID, EventTradePaymentSent, map[string]any{
		"tradeId": tradeID, "paymentReference": paymentReference,
	})
}

// EmitTradeCompleted notifies the buyer that escrow was released.
func (e *Emitter) EmitTradeCompleted(tradeID, buyerID, amount string) {
	e.emit(buyerID, EventTradeCompleted, map[string]any{
		"tradeId": tradeID, "amount": amount,
	})
}

// EmitTradeCancelled notifies the counter-party of a cancellation.
func (e *Emitter) EmitTradeCancelled(tradeID, recipientID, cancelledBy string) {
	e.emit(recipientID, EventTradeCancelled, map[string]any{
		"tradeId": tradeID, "cancelledBy": cancelledBy,
	})
}

// EmitTradeExpired notifies both parties of an expiry.
func (e *Emitter) EmitTradeExpired(tradeID, buyerID, sellerID string) {
	data := map[string]any{"tradeId": tradeID}
	e.emit(buyerID, EventTradeExpired, data)
	e.emit(sellerID, EventTradeExpired, data)
}

// EmitDisputeOpened notifies the counter-party a dispute was raised.
func (e *Emitter) EmitDisputeOpened(disputeID, tradeID, recipientID, openedBy, reason string) {
	e.emit(recipientID, EventDisputeOpened, map[string]any{
		"disputeId": disputeID, "tradeId": tradeID, "openedBy": openedBy, "reason": reason,
	})
}

// EmitDisputeMessage notifies a participant of a new dispute message.
func (e *Emitter) EmitDisputeMessage(disputeID, recipientID, senderID string) {
	e.emit(recipientID, EventDisputeMessage, map[string]any{
		"disputeId": disputeID, "senderId": senderID,
	})
}

// EmitDisputeResolved notifies both parties of the outcome.
func (e *Emitter) EmitDisputeResolved(disputeID, tradeID, buyerID, sellerID, outcome string) {
	data := map[string]any{"disputeId": disputeID, "tradeId": tradeID, "outcome": outcome}
	e.emit(buyerID, EventDisputeResolved, data)
	e.emit(sellerID, EventDisputeResolved, data)
}

// LogDispatcher is the default Dispatcher: it just logs the event. Real
// deployments plug in a push/webhook dispatcher instead.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Dispatch(ctx context.Context, recipientID string, event *Event) error {
	d.Logger.Info("notification", "recipient", recipientID, "type", event.Type, "event_id", event.ID)
	return nil
}
