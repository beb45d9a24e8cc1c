package ledger

import (
	"context"
	"math/big"

	"github.com/tradewire/p2p-escrow/internal/money"
)

// ReconciliationResult holds the outcome of replaying entries vs stored balance.
type ReconciliationResult struct {
	ActorID         string `json:"actorId"`
	Match           bool   `json:"match"`
	ReplayAvailable string `json:"replayAvailable"`
	ReplayEscrowed  string `json:"replayEscrowed"`
	ActualAvailable string `json:"actualAvailable"`
	ActualEscrowed  string `json:"actualEscrowed"`
}

// RebuildBalance replays an actor's entries in order to reconstruct their
// balance. An entry adjusts the actor's escrowed total when the actor is the
// paying side of an escrow movement, and their available total when they are
// the receiving side. LOCK entries do both, since the seller is both sides.
func RebuildBalance(actorID string, entries []*Entry) *Balance {
	available := big.NewInt(0)
	escrowed := big.NewInt(0)

	for _, e := range entries {
		amt, ok := money.Parse(e.Amount)
		if !ok {
			continue
		}

		switch e.Direction {
		case DirDeposit:
			if e.ToActor == actorID {
				available.Add(available, amt)
			}
		case DirLock:
			if e.ToActor == actorID {
				available.Sub(available, amt)
				escrowed.Add(escrowed, amt)
			}
		case DirReleaseToBuyer, DirReturnToSeller, DirPartialSplit, DirFeeDeduction:
			if e.FromActor == actorID {
				escrowed.Sub(escrowed, amt)
			}
			if e.ToActor == actorID {
				available.Add(available, amt)
			}
		}
	}

	return &Balance{
		ActorID:   actorID,
		Available: money.Format(available),
		Escrowed:  money.Format(escrowed),
	}
}

// remainingOf sums the escrow still held for one trade: LOCK inflows minus
// every outflow direction.
func remainingOf(entries []*Entry) *big.Int {
	remaining := big.NewInt(0)
	for _, e := range entries {
		amt, ok := money.Parse(e.Amount)
		if !ok {
			continue
		}
		switch e.Direction {
		case DirLock:
			remaining.Add(remaining, amt)
		case DirReleaseToBuyer, DirReturnToSeller, DirPartialSplit, DirFeeDeduction:
			remaining.Sub(remaining, amt)
		}
	}
	return remaining
}

// Reconcile replays one actor's entries and compares against the stored
// balance.
func (l *Ledger) Reconcile(ctx context.Context, actorID string) (*ReconciliationResult, error) {
	entries, err := l.store.ActorEntries(ctx, actorID)
	if err != nil {
		return nil, err
	}

	replayed := RebuildBalance(actorID, entries)

	actual, err := l.store.GetBalance(ctx, actorID)
	if err != nil {
		return nil, err
	}

	// Normalize stored values through Parse/Format for consistent comparison
	actualAvail, _ := money.Parse(actual.Available)
	actualEsc, _ := money.Parse(actual.Escrowed)

	result := &ReconciliationResult{
		ActorID:         actorID,
		ReplayAvailable: replayed.Available,
		ReplayEscrowed:  replayed.Escrowed,
		ActualAvailable: money.Format(actualAvail),
		ActualEscrowed:  money.Format(actualEsc),
	}

	result.Match = result.ReplayAvailable == result.ActualAvailable &&
		result.ReplayEscrowed == result.ActualEscrowed

	return result, nil
}

// ReconcileAll replays entries for every known actor and returns the results.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]*ReconciliationResult, error) {
	actors, err := l.store.AllActors(ctx)
	if err != nil {
		return nil, err
	}

	var results []*ReconciliationResult
	for _, id := range actors {
		r, err := l.Reconcile(ctx, id)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, nil
}
