// Package ledger tracks actor wallet balances and escrow movements.
//
// Flow:
//  1. Seller funds a wallet (deposit)
//  2. Opening a trade locks the trade amount out of the seller's available
//     balance into escrow
//  3. Settlement moves the escrowed amount to the buyer, back to the seller,
//     or splits it between both
//
// Every movement is an append-only entry. Balances are derivable by replaying
// an actor's entries, which is what Reconcile does.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/tradewire/p2p-escrow/internal/money"
)

var (
	ErrInsufficientBalance       = errors.New("insufficient available balance")
	ErrInsufficientEscrowBalance = errors.New("insufficient escrowed balance for trade")
	ErrActorNotFound             = errors.New("actor not found")
	ErrInvalidAmount             = errors.New("invalid amount")
)

// Entry directions. An entry records a single movement of value; the escrowed
// total for a trade is the sum of its LOCK entries minus the sum of its
// outflow entries.
const (
	DirDeposit        = "DEPOSIT"
	DirLock           = "LOCK"
	DirReleaseToBuyer = "RELEASE_TO_BUYER"
	DirReturnToSeller = "RETURN_TO_SELLER"
	DirPartialSplit   = "PARTIAL_SPLIT"
	DirFeeDeduction   = "FEE_DEDUCTION"
)

// Entry represents an append-only ledger entry. FromActor is the side paying
// (empty for external deposits), ToActor the side receiving. LOCK entries have
// the seller on both sides: the movement is from their available balance into
// their escrowed balance. Every other trade direction pays out of the seller's
// escrow.
type Entry struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"tradeId,omitempty"`
	Direction string    `json:"direction"`
	FromActor string    `json:"fromActor,omitempty"`
	ToActor   string    `json:"toActor"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"` // dispute ID, deposit ref, etc.
	CreatedAt time.Time `json:"createdAt"`
}

// Balance represents an actor's wallet balance.
type Balance struct {
	ActorID   string    `json:"actorId"`
	Available string    `json:"available"` // Can fund new trades
	Escrowed  string    `json:"escrowed"`  // Locked against open trades
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists ledger data. Each mutating method is atomic: it appends the
// entries for one movement and adjusts the affected balances together, or not
// at all.
type Store interface {
	GetBalance(ctx context.Context, actorID string) (*Balance, error)
	Deposit(ctx context.Context, actorID, amount, reference string) error
	Lock(ctx context.Context, tradeID, sellerID, amount string) error
	Release(ctx context.Context, tradeID, buyerID, amount, feeAmount, platformAccount string) error
	Return(ctx context.Context, tradeID, sellerID, amount string) error
	Split(ctx context.Context, tradeID, buyerID, sellerID, buyerAmount, sellerAmount string) error
	TradeEntries(ctx context.Context, tradeID string) ([]*Entry, error)
	History(ctx context.Context, actorID string, limit int) ([]*Entry, error)
	ActorEntries(ctx context.Context, actorID string) ([]*Entry, error)
	AllActors(ctx context.Context) ([]string, error)
}

// Ledger manages wallet balances and escrow movements.
type Ledger struct {
	store Store
}

// New creates a new ledger service.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an actor's current balance.
func (l *Ledger) GetBalance(ctx context.Context, actorID string) (*Balance, error) {
	defer observeOp("get_balance")()
	return l.store.GetBalance(ctx, actorID)
}

// Deposit credits an actor's available balance.
func (l *Ledger) Deposit(ctx context.Context, actorID, amount, reference string) error {
	defer observeOp("deposit")()
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Deposit(ctx, actorID, amount, reference)
}

// Lock moves amount from the seller's available balance into escrow against
// the given trade. Fails with ErrInsufficientBalance if the seller cannot
// cover it.
func (l *Ledger) Lock(ctx context.Context, tradeID, sellerID, amount string) error {
	defer observeOp("lock")()
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Lock(ctx, tradeID, sellerID, amount)
}

// Release moves the trade's escrowed amount to the buyer, minus feeAmount
// which is credited to platformAccount. feeAmount may be "0".
func (l *Ledger) Release(ctx context.Context, tradeID, buyerID, amount, feeAmount, platformAccount string) error {
	defer observeOp("release")()
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fee, ok := money.Parse(feeAmount)
	if !ok || fee.Sign() < 0 || fee.Cmp(amt) >= 0 {
		return ErrInvalidAmount
	}
	return l.store.Release(ctx, tradeID, buyerID, amount, feeAmount, platformAccount)
}

// Return moves the trade's escrowed amount back to the seller.
func (l *Ledger) Return(ctx context.Context, tradeID, sellerID, amount string) error {
	defer observeOp("return")()
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Return(ctx, tradeID, sellerID, amount)
}

// Split divides the trade's escrowed amount between buyer and seller. The two
// parts must together equal the escrowed amount being settled.
func (l *Ledger) Split(ctx context.Context, tradeID, buyerID, sellerID, buyerAmount, sellerAmount string) error {
	defer observeOp("split")()
	ba, ok := money.Parse(buyerAmount)
	if !ok || ba.Sign() < 0 {
		return ErrInvalidAmount
	}
	sa, ok := money.Parse(sellerAmount)
	if !ok || sa.Sign() < 0 {
		return ErrInvalidAmount
	}
	if ba.Sign() == 0 && sa.Sign() == 0 {
		return ErrInvalidAmount
	}
	return l.store.Split(ctx, tradeID, buyerID, sellerID, buyerAmount, sellerAmount)
}

// Remaining returns the amount still held in escrow for a trade: the sum of
// its LOCK entries minus all outflows. A settled trade reports "0".
func (l *Ledger) Remaining(ctx context.Context, tradeID string) (string, error) {
	defer observeOp("remaining")()
	entries, err := l.store.TradeEntries(ctx, tradeID)
	if err != nil {
		return "", err
	}
	return money.Format(remainingOf(entries)), nil
}

// TradeEntries returns the full movement history for a trade.
func (l *Ledger) TradeEntries(ctx context.Context, tradeID string) ([]*Entry, error) {
	return l.store.TradeEntries(ctx, tradeID)
}

// History returns ledger entries for an actor, newest first.
func (l *Ledger) History(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, actorID, limit)
}
