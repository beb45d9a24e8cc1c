package server

import (
	"context"
	"time"

	"github.com/tradewire/p2p-escrow/internal/fraud"
	"github.com/tradewire/p2p-escrow/internal/idgen"
	"github.com/tradewire/p2p-escrow/internal/trade"
)

// The trade and dispute packages stay decoupled through narrow interfaces;
// these adapters close the loop at wiring time.

// tradeHistoryAdapter feeds the fraud guard from the trade store's
// trailing-window counters.
type tradeHistoryAdapter struct {
	store trade.Store
}

func (a *tradeHistoryAdapter) ActorStats(ctx context.Context, actorID string, since time.Time) (*fraud.Stats, error) {
	s, err := a.store.ActorStats(ctx, actorID, since)
	if err != nil {
		return nil, err
	}
	return &fraud.Stats{
		TradesCreated:   s.TradesCreated,
		TradesCancelled: s.TradesCancelled,
		DisputesOpened:  s.DisputesOpened,
	}, nil
}

// tradePartiesAdapter resolves a trade's two sides for dispute authorization.
type tradePartiesAdapter struct {
	store trade.Store
}

func (a *tradePartiesAdapter) Parties(ctx context.Context, tradeID string) (string, string, error) {
	t, err := a.store.Get(ctx, tradeID)
	if err != nil {
		return "", "", err
	}
	return t.BuyerID, t.SellerID, nil
}

// tradeResolverAdapter lets an arbiter ruling settle the frozen trade.
type tradeResolverAdapter struct {
	service *trade.Service
}

func (a *tradeResolverAdapter) Resolve(ctx context.Context, tradeID, disputeID, arbiterID, outcome string, splitRatio float64) error {
	_, err := a.service.ResolveDispute(ctx, tradeID, disputeID, arbiterID, trade.Status(outcome), splitRatio)
	return err
}

func generateRequestID() string {
	return idgen.Hex(8)
}
