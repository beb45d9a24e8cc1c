// Package audit records the activity log: an append-only record of every
// operation attempted against a trade, successful or not.
package audit

import (
	"context"
	"time"

	"github.com/tradewire/p2p-escrow/internal/logging"
)

// Actions recorded in the activity log.
const (
	ActionTradeCreated    = "trade_created"
	ActionPaymentSent     = "payment_confirmed"
	ActionFundsReleased   = "funds_released"
	ActionTradeCancelled  = "trade_cancelled"
	ActionTradeExpired    = "trade_expired"
	ActionDisputeOpened   = "dispute_opened"
	ActionDisputeMessage  = "dispute_message"
	ActionDisputeResolved = "dispute_resolved"
	ActionFraudBlocked    = "fraud_blocked"
	ActionOpRejected      = "operation_rejected"
)

// Entry is one activity log record.
type Entry struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"tradeId"`
	ActorID   string    `json:"actorId,omitempty"` // empty for system actions
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists activity log entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Entry, error)
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Entry, error)
}

// Log is the activity log service.
type Log struct {
	store Store
}

// New creates a new activity log.
func New(store Store) *Log {
	return &Log{store: store}
}

// Record appends one entry. Failures are logged and swallowed: the activity
// log must never fail the operation it describes.
func (l *Log) Record(ctx context.Context, tradeID, actorID, action, detail string) {
	err := l.store.Append(ctx, &Entry{
		TradeID: tradeID,
		ActorID: actorID,
		Action:  action,
		Detail:  detail,
	})
	if err != nil {
		logging.L(ctx).Warn("activity log append failed",
			"trade_id", tradeID, "action", action, "error", err)
	}
}

// ForTrade returns the activity log for one trade, newest first.
func (l *Log) ForTrade(ctx context.Context, tradeID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByTrade(ctx, tradeID, limit)
}

// ForActor returns the activity log across all of an actor's trades.
func (l *Log) ForActor(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByActor(ctx, actorID, limit)
}
