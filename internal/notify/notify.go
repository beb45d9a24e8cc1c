// Package notify delivers trade and dispute lifecycle events to interested
// parties. Delivery is best-effort: the engine considers a mutation complete
// once persisted, whether or not anyone was told about it.
package notify

import (
	"context"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventTradeCreated     EventType = "trade.created"
	EventTradePaymentSent EventType = "trade.payment_sent"
	EventTradeCompleted   EventType = "trade.completed"
	EventTradeCancelled   EventType = "trade.cancelled"
	EventTradeExpired     EventType = "trade.expired"
	EventDisputeOpened    EventType = "dispute.opened"
	EventDisputeMessage   EventType = "dispute.message"
	EventDisputeResolved  EventType = "dispute.resolved"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher delivers an event to one recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientID string, event *Event) error
}
