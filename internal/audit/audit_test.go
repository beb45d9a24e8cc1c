package audit

import (
	"context"
	"testing"
)

func TestRecord_AndListByTrade(t *testing.T) {
	log := New(NewMemoryStore())
	ctx := context.Background()

	log.Record(ctx, "trd_1", "usr_buyer", ActionTradeCreated, "")
	log.Record(ctx, "trd_1", "usr_buyer", ActionPaymentSent, "")
	log.Record(ctx, "trd_2", "usr_other", ActionTradeCreated, "")

	entries, err := log.ForTrade(ctx, "trd_1", 10)
	if err != nil {
		t.Fatalf("ForTrade: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first
	if entries[0].Action != ActionPaymentSent {
		t.Errorf("newest action = %s, want %s", entries[0].Action, ActionPaymentSent)
	}
	if entries[0].ID == "" || entries[0].CreatedAt.IsZero() {
		t.Error("entry should have ID and timestamp assigned")
	}
}

func TestListByActor(t *testing.T) {
	log := New(NewMemoryStore())
	ctx := context.Background()

	log.Record(ctx, "trd_1", "usr_a", ActionTradeCreated, "")
	log.Record(ctx, "trd_2", "usr_a", ActionTradeCancelled, "changed my mind")
	log.Record(ctx, "trd_3", "usr_b", ActionTradeCreated, "")

	entries, err := log.ForActor(ctx, "usr_a", 10)
	if err != nil {
		t.Fatalf("ForActor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Detail != "changed my mind" {
		t.Errorf("detail = %q", entries[0].Detail)
	}
}

func TestRecord_SystemAction(t *testing.T) {
	log := New(NewMemoryStore())
	ctx := context.Background()

	log.Record(ctx, "trd_1", "", ActionTradeExpired, "deadline passed")

	entries, _ := log.ForTrade(ctx, "trd_1", 10)
	if len(entries) != 1 || entries[0].ActorID != "" {
		t.Errorf("system action should have empty actor: %+v", entries)
	}
}
