// Package trade implements the trade lifecycle state machine.
//
// Flow:
//  1. Buyer picks an offer → trade created, seller's funds locked in escrow
//  2. Buyer pays the seller off-platform and confirms payment
//  3. Seller (or the auto-release policy) releases escrow to the buyer
//  4. Either party may dispute instead; an arbiter settles the escrow
//  5. Unpaid trades expire and the escrow returns to the seller
package trade

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTradeNotFound          = errors.New("trade not found")
	ErrUnauthorized           = errors.New("not authorized for this trade operation")
	ErrInvalidTransition      = errors.New("operation illegal in current trade status")
	ErrExpired                = errors.New("trade deadline passed")
	ErrFraudBlocked           = errors.New("operation blocked by fraud guard")
	ErrConcurrentModification = errors.New("trade modified concurrently, retry")
	ErrInvalidOffer           = errors.New("offer cannot back this trade")
	ErrInvalidAmount          = errors.New("invalid amount")
)

// Status represents the state of a trade.
type Status string

const (
	StatusPending        Status = "PENDING"         // Created, escrow locked, awaiting buyer payment
	StatusPaymentSent    Status = "PAYMENT_SENT"    // Buyer declared payment made
	StatusCompleted      Status = "COMPLETED"       // Escrow released to buyer
	StatusDisputed       Status = "DISPUTED"        // Frozen pending arbitration
	StatusCancelled      Status = "CANCELLED"       // Withdrawn before payment
	StatusExpired        Status = "EXPIRED"         // Deadline passed without payment
	StatusResolvedBuyer  Status = "RESOLVED_BUYER"  // Arbiter awarded the buyer
	StatusResolvedSeller Status = "RESOLVED_SELLER" // Arbiter awarded the seller
	StatusResolvedSplit  Status = "RESOLVED_SPLIT"  // Arbiter split the escrow
)

// IsTerminal returns true if the trade is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired,
		StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit:
		return true
	}
	return false
}

// transitions is the legal edge set of the state machine. Everything not
// listed here is rejected with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusPending:     {StatusPaymentSent, StatusCancelled, StatusDisputed, StatusExpired},
	StatusPaymentSent: {StatusCompleted, StatusDisputed, StatusExpired},
	StatusDisputed:    {StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Timeline event kinds. One entry is appended per transition, in the same
// atomic unit as the status change itself.
const (
	EventTradeCreated     = "TRADE_CREATED"
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"
	EventEscrowReleased   = "ESCROW_RELEASED"
	EventTradeCancelled   = "TRADE_CANCELLED"
	EventTradeExpired     = "TRADE_EXPIRED"
	EventDisputeOpened    = "DISPUTE_OPENED"
	EventDisputeResolved  = "DISPUTE_RESOLVED"
)

// TimelineEvent is one entry in a trade's append-only timeline.
type TimelineEvent struct {
	Event            string    `json:"event"`
	ActorID          string    `json:"actorId,omitempty"` // empty for system events
	Message          string    `json:"message,omitempty"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	PrevStatus       Status    `json:"prevStatus,omitempty"`
	NextStatus       Status    `json:"nextStatus"`
	Timestamp        time.Time `json:"timestamp"`
}

// Trade represents one escrowed exchange between a buyer and a seller.
type Trade struct {
	ID                 string          `json:"id"`
	OfferID            string          `json:"offerId"`
	BuyerID            string          `json:"buyerId"`
	SellerID           string          `json:"sellerId"`
	Amount             string          `json:"amount"`
	Currency           string          `json:"currency"`
	PriceCurrency      string          `json:"priceCurrency"`
	AgreedPrice        string          `json:"agreedPrice"`
	PaymentMethodID    string          `json:"paymentMethodId"`
	Status             Status          `json:"status"`
	Timeline           []TimelineEvent `json:"timeline"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	PaymentConfirmedAt *time.Time      `json:"paymentConfirmedAt,omitempty"`
	DisputeID          string          `json:"disputeId,omitempty"`
	Version            int64           `json:"-"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// IsParticipant reports whether the actor is the buyer or the seller.
func (t *Trade) IsParticipant(actorID string) bool {
	return actorID == t.BuyerID || actorID == t.SellerID
}

// Creator returns the party who opened the trade, recorded as the actor of
// the first timeline event.
func (t *Trade) Creator() string {
	if len(t.Timeline) > 0 {
		return t.Timeline[0].ActorID
	}
	return t.BuyerID
}

// Counterparty returns the other side of the trade.
func (t *Trade) Counterparty(actorID string) string {
	if actorID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// Escrow movement kinds a transition can carry.
type MoveKind string

const (
	MoveRelease MoveKind = "release"
	MoveReturn  MoveKind = "return"
	MoveSplit   MoveKind = "split"
)

// EscrowMove describes the ledger movement that must commit together with a
// transition. Amounts are decimal strings.
type EscrowMove struct {
	Kind         MoveKind
	Amount       string // release/return
	Fee          string // release only
	FeeAccount   string // credited with Fee
	BuyerAmount  string // split
	SellerAmount string // split
}

// Mutation is one atomic state change: the new trade row (with the expected
// current version in Version), the timeline event, the activity log action,
// and the escrow movement. Stores must commit all of it or none of it.
type Mutation struct {
	Trade          *Trade
	Event          TimelineEvent
	ActivityAction string
	ActivityActor  string
	ActivityDetail string
	Escrow         *EscrowMove // nil when no money moves
}

// ActorStats counts an actor's trailing-window activity for the fraud guard.
type ActorStats struct {
	TradesCreated   int
	TradesCancelled int
	DisputesOpened  int
}

// Store persists trades. Create and Apply are atomic units: the trade row,
// its timeline entry, the activity log record, and the escrow movement
// commit together. Apply checks Mutation.Trade.Version against the stored
// row and fails with ErrConcurrentModification on mismatch.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Apply(ctx context.Context, m *Mutation) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Trade, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
	ListAwaitingAutoRelease(ctx context.Context, confirmedBefore time.Time, limit int) ([]*Trade, error)
	ActorStats(ctx context.Context, actorID string, since time.Time) (*ActorStats, error)
}
