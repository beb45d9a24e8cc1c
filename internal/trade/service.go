package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewire/p2p-escrow/internal/audit"
	"github.com/tradewire/p2p-escrow/internal/config"
	"github.com/tradewire/p2p-escrow/internal/fraud"
	"github.com/tradewire/p2p-escrow/internal/idgen"
	"github.com/tradewire/p2p-escrow/internal/logging"
	"github.com/tradewire/p2p-escrow/internal/metrics"
	"github.com/tradewire/p2p-escrow/internal/money"
	"github.com/tradewire/p2p-escrow/internal/notify"
	"github.com/tradewire/p2p-escrow/internal/offers"
	"github.com/tradewire/p2p-escrow/internal/syncutil"
	"github.com/tradewire/p2p-escrow/internal/traces"
)

// FraudGuard vets operations before they run.
type FraudGuard interface {
	Check(ctx context.Context, in fraud.CheckInput) *fraud.Assessment
}

// DisputeOpener creates dispute records. Defined here so the trade package
// does not import the dispute package; the server wires an adapter.
type DisputeOpener interface {
	Open(ctx context.Context, tradeID, openedBy, reason string) (string, error)
	Discard(ctx context.Context, disputeID string) error
}

// CreateRequest contains the parameters for creating a trade. CreatorID is
// the authenticated caller, set by the handler, never from the request body:
// the trade must be created by the party responding to the offer (the buyer
// of a SELL offer, the seller of a BUY offer), since creation locks the
// seller's funds.
type CreateRequest struct {
	OfferID         string `json:"offerId" binding:"required"`
	BuyerID         string `json:"buyerId" binding:"required"`
	SellerID        string `json:"sellerId" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	PaymentMethodID string `json:"paymentMethodId" binding:"required"`
	CreatorID       string `json:"-"`
}

// Service implements the trade state machine.
type Service struct {
	store   Store
	offers  offers.Registry
	methods offers.PaymentMethodRegistry
	guard   FraudGuard
	opener  DisputeOpener
	emitter *notify.Emitter
	cfg     config.EscrowConfig
	locks   *syncutil.ContextShardedMutex
}

// NewService creates a new trade service.
func NewService(store Store, reg offers.Registry, methods offers.PaymentMethodRegistry, cfg config.EscrowConfig) *Service {
	return &Service{
		store:   store,
		offers:  reg,
		methods: methods,
		cfg:     cfg,
		locks:   syncutil.NewContextShardedMutex(),
	}
}

// WithFraudGuard attaches the fraud guard.
func (s *Service) WithFraudGuard(g FraudGuard) *Service {
	s.guard = g
	return s
}

// WithDisputeOpener attaches the dispute opener.
func (s *Service) WithDisputeOpener(o DisputeOpener) *Service {
	s.opener = o
	return s
}

// WithEmitter attaches the notification emitter.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// Create validates the request against the offer, runs the fraud guard, and
// creates the trade with the seller's funds locked in escrow. The trade row,
// its first timeline entry, the activity record, and the escrow lock commit
// together; a failure anywhere leaves nothing behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Create",
		traces.ActorID(req.CreatorID), traces.Amount(req.Amount))
	defer span.End()

	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same actor", ErrInvalidOffer)
	}
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	offer, err := s.offers.Get(ctx, req.OfferID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if err := s.validateOffer(ctx, offer, req); err != nil {
		return nil, err
	}

	if s.guard != nil {
		verdict := s.guard.Check(ctx, fraud.CheckInput{
			ActorID:   req.CreatorID,
			Operation: fraud.OpCreateTrade,
			Amount:    req.Amount,
			Currency:  offer.Currency,
		})
		if !verdict.Allowed {
			logging.L(ctx).Info("trade creation blocked",
				"creator_id", req.CreatorID, "risk_score", verdict.RiskScore, "reason", verdict.Reason)
			return nil, fmt.Errorf("%w: %s", ErrFraudBlocked, verdict.Reason)
		}
	}

	now := time.Now()
	t := &Trade{
		ID:              idgen.WithPrefix("trd_"),
		OfferID:         offer.ID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		Amount:          req.Amount,
		Currency:        offer.Currency,
		PriceCurrency:   offer.PriceCurrency,
		AgreedPrice:     offer.Price,
		PaymentMethodID: req.PaymentMethodID,
		Status:          StatusPending,
		ExpiresAt:       now.Add(s.cfg.TradeExpiry),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
		Timeline: []TimelineEvent{{
			Event:      EventTradeCreated,
			ActorID:    req.CreatorID,
			NextStatus: StatusPending,
			Timestamp:  now,
		}},
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	if s.emitter != nil {
		s.emitter.EmitTradeCreated(t.ID, t.BuyerID, t.SellerID, t.Amount, t.Currency)
	}
	return t, nil
}

func (s *Service) validateOffer(ctx context.Context, offer *offers.Offer, req CreateRequest) error {
	if !offer.Active {
		return fmt.Errorf("%w: offer is not active", ErrInvalidOffer)
	}
	// The offer owner must be on the matching side of the trade, and the
	// creator must be the responding party. The other direction would let
	// an offer owner escrow a counterparty's funds without their consent.
	switch offer.Type {
	case offers.TypeSell:
		if offer.OwnerID != req.SellerID {
			return fmt.Errorf("%w: sell offer owner must be the seller", ErrInvalidOffer)
		}
		if req.CreatorID != req.BuyerID {
			return ErrUnauthorized
		}
	case offers.TypeBuy:
		if offer.OwnerID != req.BuyerID {
			return fmt.Errorf("%w: buy offer owner must be the buyer", ErrInvalidOffer)
		}
		if req.CreatorID != req.SellerID {
			return ErrUnauthorized
		}
	default:
		return fmt.Errorf("%w: unknown offer type %q", ErrInvalidOffer, offer.Type)
	}
	if !offer.Accepts(req.PaymentMethodID) {
		return fmt.Errorf("%w: payment method not accepted by offer", ErrInvalidOffer)
	}
	if s.methods != nil {
		pm, err := s.methods.Get(ctx, req.PaymentMethodID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
		if !pm.Enabled {
			return fmt.Errorf("%w: payment method disabled", ErrInvalidOffer)
		}
	}
	if offer.MinAmount != "" && money.Cmp(req.Amount, offer.MinAmount) < 0 {
		return fmt.Errorf("%w: amount below offer minimum", ErrInvalidOffer)
	}
	if offer.MaxAmount != "" && money.Cmp(req.Amount, offer.MaxAmount) > 0 {
		return fmt.Errorf("%w: amount above offer maximum", ErrInvalidOffer)
	}
	return nil
}

// ConfirmPayment records the buyer's declaration that the off-platform
// payment was made.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID, callerID, paymentReference string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.ConfirmPayment", traces.TradeID(tradeID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != t.BuyerID {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	now := time.Now()
	if !now.Before(t.ExpiresAt) {
		return nil, ErrExpired
	}

	if s.guard != nil {
		verdict := s.guard.Check(ctx, fraud.CheckInput{
			ActorID:   callerID,
			Operation: fraud.OpConfirmPayment,
			Amount:    t.Amount,
			Currency:  t.Currency,
		})
		if !verdict.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrFraudBlocked, verdict.Reason)
		}
	}

	next := *t
	next.Status = StatusPaymentSent
	next.PaymentConfirmedAt = &now
	next.UpdatedAt = now
	event := TimelineEvent{
		Event:            EventPaymentConfirmed,
		ActorID:          callerID,
		PaymentReference: paymentReference,
		PrevStatus:       StatusPending,
		NextStatus:       StatusPaymentSent,
		Timestamp:        now,
	}
	next.Timeline = append(next.Timeline, event)

	if err := s.store.Apply(ctx, &Mutation{
		Trade:          &next,
		Event:          event,
		ActivityAction: audit.ActionPaymentSent,
		ActivityActor:  callerID,
	}); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusPaymentSent)).Inc()
	if s.emitter != nil {
		s.emitter.EmitPaymentSent(t.ID, t.SellerID, paymentReference)
	}
	return &next, nil
}

// Release settles a paid trade: the escrowed amount moves to the buyer, minus
// the configured fee, and the trade completes. callerID is empty when the
// auto-release policy settles on the seller's behalf.
func (s *Service) Release(ctx context.Context, tradeID, callerID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Release", traces.TradeID(tradeID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && callerID != t.SellerID {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusPaymentSent {
		return nil, ErrInvalidTransition
	}

	fee := money.ApplyPercent(t.Amount, s.cfg.FeePercent)
	now := time.Now()
	next := *t
	next.Status = StatusCompleted
	next.UpdatedAt = now
	event := TimelineEvent{
		Event:      EventEscrowReleased,
		ActorID:    callerID,
		PrevStatus: StatusPaymentSent,
		NextStatus: StatusCompleted,
		Timestamp:  now,
	}
	next.Timeline = append(next.Timeline, event)

	if err := s.store.Apply(ctx, &Mutation{
		Trade:          &next,
		Event:          event,
		ActivityAction: audit.ActionFundsReleased,
		ActivityActor:  callerID,
		Escrow:         &EscrowMove{Kind: MoveRelease, Amount: t.Amount, Fee: fee, FeeAccount: s.cfg.PlatformAccount},
	}); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	if s.emitter != nil {
		s.emitter.EmitTradeCompleted(t.ID, t.BuyerID, t.Amount)
	}
	return &next, nil
}

// Cancel withdraws a trade before payment. Either participant may cancel
// while the trade is PENDING; the escrow returns to the seller in full.
func (s *Service) Cancel(ctx context.Context, tradeID, callerID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Cancel", traces.TradeID(tradeID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	if s.guard != nil {
		verdict := s.guard.Check(ctx, fraud.CheckInput{
			ActorID:   callerID,
			Operation: fraud.OpCancelTrade,
		})
		if !verdict.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrFraudBlocked, verdict.Reason)
		}
	}

	now := time.Now()
	next := *t
	next.Status = StatusCancelled
	next.UpdatedAt = now
	event := TimelineEvent{
		Event:      EventTradeCancelled,
		ActorID:    callerID,
		PrevStatus: StatusPending,
		NextStatus: StatusCancelled,
		Timestamp:  now,
	}
	next.Timeline = append(next.Timeline, event)

	if err := s.store.Apply(ctx, &Mutation{
		Trade:          &next,
		Event:          event,
		ActivityAction: audit.ActionTradeCancelled,
		ActivityActor:  callerID,
		Escrow:         &EscrowMove{Kind: MoveReturn, Amount: t.Amount},
	}); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	if s.emitter != nil {
		s.emitter.EmitTradeCancelled(t.ID, t.Counterparty(callerID), callerID)
	}
	return &next, nil
}

// RaiseDispute freezes the trade and opens a dispute. No money moves until
// an arbiter resolves it.
func (s *Service) RaiseDispute(ctx context.Context, tradeID, callerID, reason string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.RaiseDispute", traces.TradeID(tradeID))
	defer span.End()

	if s.opener == nil {
		return nil, fmt.Errorf("dispute subsystem not configured")
	}

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusPending && t.Status != StatusPaymentSent {
		return nil, ErrInvalidTransition
	}
	if t.DisputeID != "" {
		return nil, ErrInvalidTransition
	}

	disputeID, err := s.opener.Open(ctx, t.ID, callerID, reason)
	if err != nil {
		return nil, fmt.Errorf("open dispute: %w", err)
	}

	now := time.Now()
	next := *t
	next.Status = StatusDisputed
	next.DisputeID = disputeID
	next.UpdatedAt = now
	event := TimelineEvent{
		Event:      EventDisputeOpened,
		ActorID:    callerID,
		Message:    reason,
		PrevStatus: t.Status,
		NextStatus: StatusDisputed,
		Timestamp:  now,
	}
	next.Timeline = append(next.Timeline, event)

	if err := s.store.Apply(ctx, &Mutation{
		Trade:          &next,
		Event:          event,
		ActivityAction: audit.ActionDisputeOpened,
		ActivityActor:  callerID,
		ActivityDetail: reason,
	}); err != nil {
		// The dispute record exists but the trade never froze; discard it so
		// the two stay consistent.
		_ = s.opener.Discard(ctx, disputeID)
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	if s.emitter != nil {
		s.emitter.EmitDisputeOpened(disputeID, t.ID, t.Counterparty(callerID), callerID, reason)
	}
	return &next, nil
}

// ResolveDispute settles a disputed trade with exactly one escrow movement.
// Authorization of the arbiter happens in the dispute subsystem before this
// is called. splitRatio is the buyer's share for RESOLVED_SPLIT.
func (s *Service) ResolveDispute(ctx context.Context, tradeID, disputeID, arbiterID string, outcome Status, splitRatio float64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.ResolveDispute",
		traces.TradeID(tradeID), traces.DisputeID(disputeID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDisputed || t.DisputeID != disputeID {
		return nil, ErrInvalidTransition
	}

	var move *EscrowMove
	switch outcome {
	case StatusResolvedBuyer:
		move = &EscrowMove{Kind: MoveRelease, Amount: t.Amount, Fee: "0"}
	case StatusResolvedSeller:
		move = &EscrowMove{Kind: MoveReturn, Amount: t.Amount}
	case StatusResolvedSplit:
		buyerPart, sellerPart, ok := money.SplitRatio(t.Amount, splitRatio)
		if !ok {
			return nil, ErrInvalidAmount
		}
		move = &EscrowMove{Kind: MoveSplit, BuyerAmount: buyerPart, SellerAmount: sellerPart}
	default:
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	next := *t
	next.Status = outcome
	next.UpdatedAt = now
	event := TimelineEvent{
		Event:      EventDisputeResolved,
		ActorID:    arbiterID,
		PrevStatus: StatusDisputed,
		NextStatus: outcome,
		Timestamp:  now,
	}
	next.Timeline = append(next.Timeline, event)

	if err := s.store.Apply(ctx, &Mutation{
		Trade:          &next,
		Event:          event,
		ActivityAction: audit.ActionDisputeResolved,
		ActivityActor:  arbiterID,
		ActivityDetail: string(outcome),
		Escrow:         move,
	}); err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	metrics.TradeDuration.Observe(now.Sub(t.CreatedAt).Seconds())
	if s.emitter != nil {
		s.emitter.EmitDisputeResolved(disputeID, t.ID, t.BuyerID, t.SellerID, string(outcome))
	}
	return &next, nil
}

// Expire returns an unpaid trade's escrow to the seller once the deadline
// has passed. Idempotent: expiring an already-terminal trade is a no-op, so
// the sweeper and a racing user transition never double-return escrow.
func (s *Service) Expire(ctx context.Context, tradeID string) error {
	ctx, span := traces.StartSpan(ctx, "trade.Expire", traces.TradeID(tradeID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, tradeID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if t.Status == StatusDisputed {
		return ErrInvalidTransition
	}
	if t.PaymentConfirmedAt != nil {
		return ErrInvalidTransition
	}
	now := time.Now()
	if now.Before(t.ExpiresAt) {
		return ErrInvalidTransition
	}

	next := *t
	next.Status = StatusExpired
	next.UpdatedAt = now
	event := TimelineEvent{
		Event:      EventTradeExpired,
		PrevStatus: t.Status,
		NextStatus: StatusExpired,
		Timestamp:  now,
	}
	next.Timeline = append(next.Timeline, event)

	if err := s.store.Apply(ctx, &Mutation{
		Trade:          &next,
		Event:          event,
		ActivityAction: audit.ActionTradeExpired,
		ActivityDetail: "deadline passed without payment",
		Escrow:         &EscrowMove{Kind: MoveReturn, Amount: t.Amount},
	}); err != nil {
		return err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	metrics.TradesExpiredTotal.Inc()
	if s.emitter != nil {
		s.emitter.EmitTradeExpired(t.ID, t.BuyerID, t.SellerID)
	}
	return nil
}

// Get returns a trade snapshot. Only participants may read a trade;
// callerID may be empty for internal callers.
func (s *Service) Get(ctx context.Context, tradeID, callerID string) (*Trade, error) {
	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && !t.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return t, nil
}

// ListByActor returns trades where the actor is buyer or seller.
func (s *Service) ListByActor(ctx context.Context, actorID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByActor(ctx, actorID, limit)
}
