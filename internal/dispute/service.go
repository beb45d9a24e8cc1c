package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/tradewire/p2p-escrow/internal/audit"
	"github.com/tradewire/p2p-escrow/internal/idgen"
	"github.com/tradewire/p2p-escrow/internal/logging"
	"github.com/tradewire/p2p-escrow/internal/notify"
	"github.com/tradewire/p2p-escrow/internal/traces"
)

// Service implements dispute operations.
type Service struct {
	store    Store
	authz    AuthZ
	resolver TradeResolver
	parties  Participants
	emitter  *notify.Emitter
	activity *audit.Log
}

// NewService creates a new dispute service.
func NewService(store Store, authz AuthZ, parties Participants) *Service {
	return &Service{store: store, authz: authz, parties: parties}
}

// WithResolver attaches the trade-side settlement hook.
func (s *Service) WithResolver(r TradeResolver) *Service {
	s.resolver = r
	return s
}

// WithEmitter attaches the notification emitter.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// WithActivityLog attaches the activity log.
func (s *Service) WithActivityLog(l *audit.Log) *Service {
	s.activity = l
	return s
}

// Open creates a dispute record for a trade. Called by the trade state
// machine while it freezes the trade; participant and status checks happen
// there.
func (s *Service) Open(ctx context.Context, tradeID, openedBy, reason string) (string, error) {
	now := time.Now()
	d := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		TradeID:   tradeID,
		OpenedBy:  openedBy,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return "", err
	}

	s.systemMessage(ctx, d.ID, fmt.Sprintf("dispute opened by %s: %s", openedBy, reason), now)
	return d.ID, nil
}

// Discard removes a dispute record whose trade-side freeze never committed.
func (s *Service) Discard(ctx context.Context, disputeID string) error {
	return s.store.Delete(ctx, disputeID)
}

// systemMessage appends a status-change notice to the thread. Best effort:
// the primary mutation already committed, so a failure here is logged rather
// than propagated, like a failed notification dispatch.
func (s *Service) systemMessage(ctx context.Context, disputeID, body string, at time.Time) {
	err := s.store.AddMessage(ctx, &Message{
		ID:              idgen.WithPrefix("msg_"),
		DisputeID:       disputeID,
		Body:            body,
		IsSystemMessage: true,
		CreatedAt:       at,
	})
	if err != nil {
		logging.L(ctx).Warn("system message not recorded",
			"dispute_id", disputeID, "error", err)
	}
}

// Get returns a dispute. Participants of the trade and arbiters may read it.
func (s *Service) Get(ctx context.Context, disputeID, callerID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, d, callerID); err != nil {
		return nil, err
	}
	return d, nil
}

// AddMessage appends to the dispute thread. Participants and arbiters may
// post; internal messages are arbiter-only. A resolved dispute is immutable.
func (s *Service) AddMessage(ctx context.Context, disputeID, senderID, body string, attachments []string, internal bool) (*Message, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.AddMessage", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsResolved() {
		return nil, ErrDisputeClosed
	}

	isArbiter := s.authz != nil && s.authz.IsArbiter(ctx, senderID)
	if internal && !isArbiter {
		return nil, ErrUnauthorized
	}
	buyerID, sellerID, err := s.parties.Parties(ctx, d.TradeID)
	if err != nil {
		return nil, err
	}
	if !isArbiter && senderID != buyerID && senderID != sellerID {
		return nil, ErrUnauthorized
	}

	m := &Message{
		ID:          idgen.WithPrefix("msg_"),
		DisputeID:   d.ID,
		SenderID:    senderID,
		Body:        body,
		Attachments: attachments,
		IsInternal:  internal,
		CreatedAt:   time.Now(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}

	if s.activity != nil {
		s.activity.Record(ctx, d.TradeID, senderID, audit.ActionDisputeMessage, "")
	}
	if s.emitter != nil && !internal {
		for _, recipient := range []string{buyerID, sellerID} {
			if recipient != senderID {
				s.emitter.EmitDisputeMessage(d.ID, recipient, senderID)
			}
		}
	}
	return m, nil
}

// Messages returns the thread. Arbiters see everything; participants do not
// see internal messages.
func (s *Service) Messages(ctx context.Context, disputeID, callerID string) ([]*Message, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRead(ctx, d, callerID); err != nil {
		return nil, err
	}

	msgs, err := s.store.Messages(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if s.authz != nil && s.authz.IsArbiter(ctx, callerID) {
		return msgs, nil
	}

	visible := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsInternal {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// Review marks an open dispute as claimed by an arbiter.
func (s *Service) Review(ctx context.Context, disputeID, arbiterID string) (*Dispute, error) {
	if s.authz == nil || !s.authz.IsArbiter(ctx, arbiterID) {
		return nil, ErrUnauthorized
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsResolved() {
		return nil, ErrDisputeClosed
	}
	if d.Status == StatusUnderReview {
		return d, nil
	}

	d.Status = StatusUnderReview
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.systemMessage(ctx, d.ID, fmt.Sprintf("dispute under review by %s", arbiterID), d.UpdatedAt)
	return d, nil
}

// Resolve settles the dispute: the trade state machine moves the escrow and
// reaches its terminal status, then the dispute record is closed. splitRatio
// is the buyer's share and only read for RESOLVED_SPLIT.
func (s *Service) Resolve(ctx context.Context, disputeID, arbiterID string, outcome Status, splitRatio float64) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(disputeID), traces.ActorID(arbiterID))
	defer span.End()

	if s.authz == nil || !s.authz.IsArbiter(ctx, arbiterID) {
		return nil, ErrUnauthorized
	}
	if !outcome.IsResolved() {
		return nil, ErrInvalidOutcome
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.IsResolved() {
		return nil, ErrDisputeClosed
	}

	if s.resolver == nil {
		return nil, fmt.Errorf("trade resolver not configured")
	}
	if err := s.resolver.Resolve(ctx, d.TradeID, d.ID, arbiterID, string(outcome), splitRatio); err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = outcome
	d.ResolvedBy = arbiterID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// The trade settled; the dispute record is stale but the money is
		// consistent. Surface the error so operators reconcile the record.
		return nil, fmt.Errorf("trade settled but dispute record not updated: %w", err)
	}

	s.systemMessage(ctx, d.ID, fmt.Sprintf("resolved as %s by %s", outcome, arbiterID), now)
	return d, nil
}

// ListOpen returns unresolved disputes for the arbiter queue.
func (s *Service) ListOpen(ctx context.Context, callerID string, limit int) ([]*Dispute, error) {
	if s.authz == nil || !s.authz.IsArbiter(ctx, callerID) {
		return nil, ErrUnauthorized
	}
	if limit <= 0 {
		limit = 50
	}
	open, err := s.store.ListByStatus(ctx, StatusOpen, limit)
	if err != nil {
		return nil, err
	}
	review, err := s.store.ListByStatus(ctx, StatusUnderReview, limit)
	if err != nil {
		return nil, err
	}
	return append(open, review...), nil
}

func (s *Service) authorizeRead(ctx context.Context, d *Dispute, callerID string) error {
	if callerID == "" {
		return nil
	}
	if s.authz != nil && s.authz.IsArbiter(ctx, callerID) {
		return nil
	}
	buyerID, sellerID, err := s.parties.Parties(ctx, d.TradeID)
	if err != nil {
		return err
	}
	if callerID != buyerID && callerID != sellerID {
		return ErrUnauthorized
	}
	return nil
}
