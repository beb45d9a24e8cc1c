package dispute

import (
	"context"
	"errors"
	"testing"
)

const (
	dBuyer   = "buyer_01"
	dSeller  = "seller_01"
	dArbiter = "arbiter_01"
	dTrade   = "trd_test01"
)

type stubParties struct{ buyer, seller string }

func (p stubParties) Parties(ctx context.Context, tradeID string) (string, string, error) {
	return p.buyer, p.seller, nil
}

type stubResolver struct {
	calls []string
	fail  error
}

func (r *stubResolver) Resolve(ctx context.Context, tradeID, disputeID, arbiterID, outcome string, splitRatio float64) error {
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, outcome)
	return nil
}

func newDisputeService(t *testing.T) (*Service, *stubResolver) {
	t.Helper()
	resolver := &stubResolver{}
	svc := NewService(
		NewMemoryStore(),
		NewStaticArbiters([]string{dArbiter}),
		stubParties{buyer: dBuyer, seller: dSeller},
	).WithResolver(resolver)
	return svc, resolver
}

func openDispute(t *testing.T, svc *Service) string {
	t.Helper()
	id, err := svc.Open(context.Background(), dTrade, dBuyer, "item not received")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

// noThreadStore rejects every message append.
type noThreadStore struct{ Store }

func (s noThreadStore) AddMessage(ctx context.Context, m *Message) error {
	return errors.New("thread table unavailable")
}

func TestSystemMessageFailureDoesNotFailOperation(t *testing.T) {
	resolver := &stubResolver{}
	svc := NewService(
		noThreadStore{NewMemoryStore()},
		NewStaticArbiters([]string{dArbiter}),
		stubParties{buyer: dBuyer, seller: dSeller},
	).WithResolver(resolver)
	ctx := context.Background()

	id, err := svc.Open(ctx, dTrade, dBuyer, "item not received")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.Review(ctx, id, dArbiter); err != nil {
		t.Fatalf("review: %v", err)
	}
	d, err := svc.Resolve(ctx, id, dArbiter, StatusResolvedBuyer, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Status != StatusResolvedBuyer {
		t.Errorf("status = %s, want RESOLVED_BUYER", d.Status)
	}
}

func TestOpenCreatesThread(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	d, err := svc.Get(ctx, id, dBuyer)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != StatusOpen || d.OpenedBy != dBuyer || d.TradeID != dTrade {
		t.Fatalf("dispute = %+v", d)
	}

	msgs, err := svc.Messages(ctx, id, dSeller)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].IsSystemMessage {
		t.Fatalf("msgs = %+v, want single system message", msgs)
	}
}

func TestReadAuthorization(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	if _, err := svc.Get(ctx, id, "stranger_1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger get err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Get(ctx, id, dArbiter); err != nil {
		t.Errorf("arbiter get err = %v", err)
	}
	if _, err := svc.Get(ctx, "dsp_missing", dBuyer); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("missing get err = %v, want ErrDisputeNotFound", err)
	}
}

func TestMessageVisibility(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	if _, err := svc.AddMessage(ctx, id, dSeller, "payment never arrived", nil, false); err != nil {
		t.Fatalf("seller message: %v", err)
	}
	if _, err := svc.AddMessage(ctx, id, dArbiter, "checking bank records", nil, true); err != nil {
		t.Fatalf("internal message: %v", err)
	}
	if _, err := svc.AddMessage(ctx, id, dBuyer, "here is my receipt", []string{"att_1"}, false); err != nil {
		t.Fatalf("buyer message: %v", err)
	}

	// Participants never see internal messages.
	msgs, err := svc.Messages(ctx, id, dBuyer)
	if err != nil {
		t.Fatalf("buyer messages: %v", err)
	}
	for _, m := range msgs {
		if m.IsInternal {
			t.Fatalf("participant saw internal message %+v", m)
		}
	}
	if len(msgs) != 3 { // system open + seller + buyer
		t.Errorf("visible messages = %d, want 3", len(msgs))
	}

	all, err := svc.Messages(ctx, id, dArbiter)
	if err != nil {
		t.Fatalf("arbiter messages: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("arbiter messages = %d, want 4", len(all))
	}
}

func TestMessageGuards(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	if _, err := svc.AddMessage(ctx, id, "stranger_1", "hi", nil, false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger message err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.AddMessage(ctx, id, dBuyer, "note", nil, true); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("participant internal err = %v, want ErrUnauthorized", err)
	}
}

func TestReview(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	if _, err := svc.Review(ctx, id, dBuyer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("participant review err = %v, want ErrUnauthorized", err)
	}

	d, err := svc.Review(ctx, id, dArbiter)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if d.Status != StatusUnderReview {
		t.Fatalf("status = %s, want UNDER_REVIEW", d.Status)
	}

	// Idempotent.
	if _, err := svc.Review(ctx, id, dArbiter); err != nil {
		t.Errorf("second review err = %v", err)
	}
}

func TestResolve(t *testing.T) {
	svc, resolver := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	if _, err := svc.Resolve(ctx, id, dBuyer, StatusResolvedBuyer, 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("participant resolve err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Resolve(ctx, id, dArbiter, StatusOpen, 0); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("bad outcome err = %v, want ErrInvalidOutcome", err)
	}

	d, err := svc.Resolve(ctx, id, dArbiter, StatusResolvedSplit, 0.5)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Status != StatusResolvedSplit || d.ResolvedBy != dArbiter || d.ResolvedAt == nil {
		t.Fatalf("dispute = %+v", d)
	}
	if len(resolver.calls) != 1 || resolver.calls[0] != string(StatusResolvedSplit) {
		t.Fatalf("resolver calls = %v", resolver.calls)
	}

	// Resolved disputes are immutable.
	if _, err := svc.AddMessage(ctx, id, dBuyer, "too late", nil, false); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("post-resolve message err = %v, want ErrDisputeClosed", err)
	}
	if _, err := svc.Resolve(ctx, id, dArbiter, StatusResolvedBuyer, 0); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("double resolve err = %v, want ErrDisputeClosed", err)
	}
	if _, err := svc.Review(ctx, id, dArbiter); !errors.Is(err, ErrDisputeClosed) {
		t.Errorf("post-resolve review err = %v, want ErrDisputeClosed", err)
	}
}

func TestResolveSettlementFailureKeepsDisputeOpen(t *testing.T) {
	svc, resolver := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	resolver.fail = errors.New("trade already settled")
	if _, err := svc.Resolve(ctx, id, dArbiter, StatusResolvedBuyer, 0); err == nil {
		t.Fatal("expected settlement error")
	}

	d, err := svc.Get(ctx, id, dArbiter)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != StatusOpen {
		t.Fatalf("status = %s, want OPEN after failed settlement", d.Status)
	}
}

func TestDiscard(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	id := openDispute(t, svc)

	if err := svc.Discard(ctx, id); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := svc.Get(ctx, id, dBuyer); !errors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("get after discard err = %v, want ErrDisputeNotFound", err)
	}
}

func TestListOpen(t *testing.T) {
	svc, _ := newDisputeService(t)
	ctx := context.Background()
	a := openDispute(t, svc)
	openDispute(t, svc)

	if _, err := svc.ListOpen(ctx, dBuyer, 10); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("participant list err = %v, want ErrUnauthorized", err)
	}

	if _, err := svc.Review(ctx, a, dArbiter); err != nil {
		t.Fatalf("review: %v", err)
	}

	queue, err := svc.ListOpen(ctx, dArbiter, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("queue = %d disputes, want 2", len(queue))
	}
}
