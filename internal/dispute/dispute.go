// Package dispute implements the arbitration thread attached to a frozen
// trade. The trade state machine freezes and settles the escrow; this package
// owns the dispute record, its message thread, and arbiter authorization.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrUnauthorized    = errors.New("not authorized for this dispute operation")
	ErrDisputeClosed   = errors.New("dispute already resolved")
	ErrInvalidOutcome  = errors.New("invalid dispute outcome")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusUnderReview    Status = "UNDER_REVIEW"
	StatusResolvedBuyer  Status = "RESOLVED_BUYER"
	StatusResolvedSeller Status = "RESOLVED_SELLER"
	StatusResolvedSplit  Status = "RESOLVED_SPLIT"
)

// IsResolved reports whether the dispute reached a terminal outcome.
func (s Status) IsResolved() bool {
	switch s {
	case StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit:
		return true
	}
	return false
}

// Dispute is one arbitration case attached to a trade.
type Dispute struct {
	ID         string     `json:"id"`
	TradeID    string     `json:"tradeId"`
	OpenedBy   string     `json:"openedBy"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Message is one entry in a dispute's thread. Internal messages are visible
// only to arbiters; system messages record status changes.
type Message struct {
	ID              string    `json:"id"`
	DisputeID       string    `json:"disputeId"`
	SenderID        string    `json:"senderId,omitempty"` // empty for system messages
	Body            string    `json:"body"`
	Attachments     []string  `json:"attachments,omitempty"`
	IsInternal      bool      `json:"isInternal,omitempty"`
	IsSystemMessage bool      `json:"isSystemMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists disputes and their message threads.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	Delete(ctx context.Context, id string) error
	AddMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, disputeID string) ([]*Message, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// AuthZ answers arbiter role checks. Real deployments back this with an
// identity service; the server wires a static allow-list.
type AuthZ interface {
	IsArbiter(ctx context.Context, actorID string) bool
}

// TradeResolver settles the frozen trade when an arbiter rules. The outcome
// string is the terminal trade status (RESOLVED_BUYER, RESOLVED_SELLER,
// RESOLVED_SPLIT); splitRatio is the buyer's share for splits.
type TradeResolver interface {
	Resolve(ctx context.Context, tradeID, disputeID, arbiterID, outcome string, splitRatio float64) error
}

// Participants resolves the two sides of a trade, so the thread stays
// private to them and the arbiters.
type Participants interface {
	Parties(ctx context.Context, tradeID string) (buyerID, sellerID string, err error)
}

// StaticArbiters is an AuthZ backed by a fixed allow-list.
type StaticArbiters map[string]struct{}

// NewStaticArbiters builds an allow-list AuthZ from actor ids.
func NewStaticArbiters(ids []string) StaticArbiters {
	s := make(StaticArbiters, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s StaticArbiters) IsArbiter(ctx context.Context, actorID string) bool {
	_, ok := s[actorID]
	return ok
}
