// Package fraud scores trade operations before they are allowed to run.
//
// The guard is stateless: it derives everything from the actor's trailing
// 24h history and the operation being attempted, and never writes anything.
// It is advisory infrastructure, so an internal failure degrades to allow
// rather than halting legitimate trading.
package fraud

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/tradewire/p2p-escrow/internal/logging"
	"github.com/tradewire/p2p-escrow/internal/metrics"
	"github.com/tradewire/p2p-escrow/internal/money"
)

// Operations the guard can be consulted for.
const (
	OpCreateTrade    = "create_trade"
	OpConfirmPayment = "confirm_payment"
	OpCancelTrade    = "cancel_trade"
)

// Window is the trailing period over which actor history is counted.
const Window = 24 * time.Hour

// Scoring weights. Hard ceilings block outright; the weighted score catches
// actors who are near several ceilings at once.
const (
	weightVolume   = 0.40
	weightCancels  = 0.25
	weightDisputes = 0.20
	weightAmount   = 0.15
)

// Stats summarizes an actor's trailing-window activity.
type Stats struct {
	TradesCreated   int
	TradesCancelled int
	DisputesOpened  int
}

// HistoryProvider supplies trailing-window counts for an actor.
type HistoryProvider interface {
	ActorStats(ctx context.Context, actorID string, since time.Time) (*Stats, error)
}

// CheckInput describes the operation being attempted.
type CheckInput struct {
	ActorID   string
	Operation string
	Amount    string
	Currency  string
}

// Assessment is the guard's verdict.
type Assessment struct {
	Allowed   bool    `json:"allowed"`
	RiskScore float64 `json:"riskScore"`
	Reason    string  `json:"reason,omitempty"`
}

// Limits are the configured ceilings.
type Limits struct {
	MaxTradesPerDay   int
	MaxCancelsPerDay  int
	MaxDisputesPerDay int
	MaxTradeAmount    string
	BlockThreshold    float64
}

// Guard evaluates operations against an actor's recent history.
type Guard struct {
	history HistoryProvider
	limits  Limits
}

// New creates a fraud guard.
func New(history HistoryProvider, limits Limits) *Guard {
	return &Guard{history: history, limits: limits}
}

// Check evaluates one operation. On internal failure it fails open: the
// operation is allowed with a neutral score, and the degraded mode is logged
// so operators can see the guard is dark.
func (g *Guard) Check(ctx context.Context, in CheckInput) *Assessment {
	stats, err := g.history.ActorStats(ctx, in.ActorID, time.Now().Add(-Window))
	if err != nil {
		logging.L(ctx).Warn("fraud guard degraded, failing open",
			"actor_id", in.ActorID, "operation", in.Operation, "error", err)
		metrics.FraudDecisionsTotal.WithLabelValues("error").Inc()
		return &Assessment{Allowed: true, RiskScore: 0.5, Reason: "guard unavailable"}
	}

	// Hard ceilings first.
	if in.Operation == OpCreateTrade && stats.TradesCreated >= g.limits.MaxTradesPerDay {
		return g.block("trade creation ceiling reached")
	}
	if in.Operation == OpCancelTrade && g.limits.MaxCancelsPerDay > 0 && stats.TradesCancelled >= g.limits.MaxCancelsPerDay {
		return g.block("cancellation ceiling reached")
	}
	if in.Amount != "" && g.limits.MaxTradeAmount != "" && money.Cmp(in.Amount, g.limits.MaxTradeAmount) > 0 {
		return g.block("amount exceeds ceiling")
	}

	factors := map[string]float64{
		"volume":   ratio(stats.TradesCreated, g.limits.MaxTradesPerDay),
		"cancels":  ratio(stats.TradesCancelled, g.limits.MaxCancelsPerDay),
		"disputes": ratio(stats.DisputesOpened, g.limits.MaxDisputesPerDay),
		"amount":   amountFactor(in.Amount, g.limits.MaxTradeAmount),
	}

	score := factors["volume"]*weightVolume +
		factors["cancels"]*weightCancels +
		factors["disputes"]*weightDisputes +
		factors["amount"]*weightAmount

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	score = math.Round(score*1000) / 1000

	if g.limits.BlockThreshold > 0 && score >= g.limits.BlockThreshold {
		a := g.block("aggregate risk too high")
		a.RiskScore = score
		return a
	}

	metrics.FraudDecisionsTotal.WithLabelValues("allow").Inc()
	return &Assessment{Allowed: true, RiskScore: score}
}

func (g *Guard) block(reason string) *Assessment {
	metrics.FraudDecisionsTotal.WithLabelValues("block").Inc()
	return &Assessment{Allowed: false, RiskScore: 1.0, Reason: reason}
}

// ratio maps count/limit into [0,1]; an unset limit contributes nothing.
func ratio(count, limit int) float64 {
	if limit <= 0 {
		return 0.0
	}
	r := float64(count) / float64(limit)
	if r > 1.0 {
		return 1.0
	}
	return r
}

// amountFactor scales the amount against the ceiling.
func amountFactor(amount, ceiling string) float64 {
	if amount == "" || ceiling == "" {
		return 0.0
	}
	av, ok := money.Parse(amount)
	if !ok {
		return 0.0
	}
	cv, ok := money.Parse(ceiling)
	if !ok || cv.Sign() <= 0 {
		return 0.0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(av), new(big.Float).SetInt(cv)).Float64()
	if f > 1.0 {
		return 1.0
	}
	if f < 0.0 {
		return 0.0
	}
	return f
}
