//go:build integration

package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/tradewire/p2p-escrow/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func newPGDispute(id string) *Dispute {
	now := time.Now()
	return &Dispute{
		ID:        id,
		TradeID:   "trd_dpg_01",
		OpenedBy:  "buyer_dpg_01",
		Reason:    "payment never arrived",
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	d := newPGDispute("dsp_pg_01")
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "dsp_pg_01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TradeID != d.TradeID {
		t.Errorf("TradeID: got %s, want %s", got.TradeID, d.TradeID)
	}
	if got.Status != StatusOpen {
		t.Errorf("Status: got %s, want %s", got.Status, StatusOpen)
	}
	if got.ResolvedBy != "" || got.ResolvedAt != nil {
		t.Errorf("Resolution fields should be empty, got %s / %v", got.ResolvedBy, got.ResolvedAt)
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := store.Get(context.Background(), "dsp_pg_missing"); err != ErrDisputeNotFound {
		t.Errorf("Expected ErrDisputeNotFound, got %v", err)
	}
}

func TestPostgres_UpdateResolution(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	d := newPGDispute("dsp_pg_02")
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	resolvedAt := time.Now().Truncate(time.Microsecond)
	d.Status = StatusResolvedSplit
	d.ResolvedBy = "arbiter_pg_01"
	d.ResolvedAt = &resolvedAt
	if err := store.Update(ctx, d); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "dsp_pg_02")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if got.Status != StatusResolvedSplit {
		t.Errorf("Status: got %s, want %s", got.Status, StatusResolvedSplit)
	}
	if got.ResolvedBy != "arbiter_pg_01" {
		t.Errorf("ResolvedBy: got %s", got.ResolvedBy)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt should be set")
	}

	missing := newPGDispute("dsp_pg_missing")
	if err := store.Update(ctx, missing); err != ErrDisputeNotFound {
		t.Errorf("Expected ErrDisputeNotFound, got %v", err)
	}
}

func TestPostgres_MessageThread(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	d := newPGDispute("dsp_pg_03")
	if err := store.Create(ctx, d); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	msgs := []*Message{
		{ID: "msg_pg_a", DisputeID: d.ID, Body: "Dispute opened", IsSystemMessage: true},
		{ID: "msg_pg_b", DisputeID: d.ID, SenderID: "buyer_dpg_01", Body: "Here is my receipt", Attachments: []string{"receipt.pdf", "bank.png"}},
		{ID: "msg_pg_c", DisputeID: d.ID, SenderID: "arbiter_pg_01", Body: "Seller history looks clean", IsInternal: true},
	}
	for _, m := range msgs {
		m.CreatedAt = time.Now()
		if err := store.AddMessage(ctx, m); err != nil {
			t.Fatalf("AddMessage %s failed: %v", m.ID, err)
		}
	}

	got, err := store.Messages(ctx, d.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(got))
	}
	if !got[0].IsSystemMessage {
		t.Error("First message should be the system message")
	}
	if len(got[1].Attachments) != 2 || got[1].Attachments[0] != "receipt.pdf" {
		t.Errorf("Attachments: got %v", got[1].Attachments)
	}
	if !got[2].IsInternal {
		t.Error("Third message should be internal")
	}
}

func TestPostgres_MessageUnknownDispute(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	// FK violation maps to the not-found sentinel.
	err := store.AddMessage(ctx, &Message{ID: "msg_pg_orphan", DisputeID: "dsp_pg_missing", Body: "hello"})
	if err != ErrDisputeNotFound {
		t.Errorf("Expected ErrDisputeNotFound, got %v", err)
	}

	if _, err := store.Messages(ctx, "dsp_pg_missing"); err != ErrDisputeNotFound {
		t.Errorf("Expected ErrDisputeNotFound for missing thread, got %v", err)
	}
}

func TestPostgres_ListByStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	for i, id := range []string{"dsp_pg_q1", "dsp_pg_q2", "dsp_pg_q3"} {
		d := newPGDispute(id)
		if i == 2 {
			d.Status = StatusUnderReview
		}
		if err := store.Create(ctx, d); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	open, err := store.ListByStatus(ctx, StatusOpen, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("Expected 2 open disputes, got %d", len(open))
	}

	review, err := store.ListByStatus(ctx, StatusUnderReview, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(review) != 1 || review[0].ID != "dsp_pg_q3" {
		t.Errorf("Expected dsp_pg_q3 under review, got %v", review)
	}
}
