//go:build integration

package trade

import (
	"context"
	"testing"
	"time"

	"github.com/tradewire/p2p-escrow/internal/audit"
	"github.com/tradewire/p2p-escrow/internal/ledger"
	"github.com/tradewire/p2p-escrow/internal/testutil"
)

type pgEnv struct {
	store    *PostgresStore
	ledger   *ledger.PostgresStore
	activity *audit.PostgresStore
}

func setupTestDB(t *testing.T) (*pgEnv, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	ledgerStore := ledger.NewPostgresStore(db)
	activityStore := audit.NewPostgresStore(db)
	return &pgEnv{
		store:    NewPostgresStore(db, ledgerStore, activityStore),
		ledger:   ledgerStore,
		activity: activityStore,
	}, cleanup
}

func newPGTrade(id, buyerID, sellerID, amount string) *Trade {
	now := time.Now()
	return &Trade{
		ID:              id,
		OfferID:         "off_pg_01",
		BuyerID:         buyerID,
		SellerID:        sellerID,
		Amount:          amount,
		Currency:        "USDT",
		PriceCurrency:   "USD",
		AgreedPrice:     "1.00",
		PaymentMethodID: "pm_bank",
		Status:          StatusPending,
		ExpiresAt:       now.Add(30 * time.Minute),
		Version:         1,
		Timeline: []TimelineEvent{{
			Event:      EventTradeCreated,
			ActorID:    buyerID,
			NextStatus: StatusPending,
			Timestamp:  now,
		}},
	}
}

func TestPostgres_CreateLocksAndRoundtrips(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_01", "100.00000000", "")

	tr := newPGTrade("trd_pg_create", "buyer_tpg_01", "seller_tpg_01", "40.00000000")
	if err := env.store.Create(ctx, tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := env.store.Get(ctx, "trd_pg_create")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPending)
	}
	if got.Version != 1 {
		t.Errorf("Version: got %d, want 1", got.Version)
	}
	if got.Amount != "40.00000000" {
		t.Errorf("Amount: got %s", got.Amount)
	}
	if len(got.Timeline) != 1 || got.Timeline[0].Event != EventTradeCreated {
		t.Fatalf("Expected single TRADE_CREATED timeline event, got %+v", got.Timeline)
	}
	if got.PaymentConfirmedAt != nil {
		t.Errorf("PaymentConfirmedAt should be nil, got %v", got.PaymentConfirmedAt)
	}

	bal, _ := env.ledger.GetBalance(ctx, "seller_tpg_01")
	if bal.Available != "60.00000000" || bal.Escrowed != "40.00000000" {
		t.Errorf("Seller balance after create: available=%s escrowed=%s", bal.Available, bal.Escrowed)
	}
}

func TestPostgres_CreateInsufficientBalanceRollsBack(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_02", "10.00000000", "")

	tr := newPGTrade("trd_pg_broke", "buyer_tpg_02", "seller_tpg_02", "50.00000000")
	err := env.store.Create(ctx, tr)
	if err != ledger.ErrInsufficientBalance {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	// The whole transaction rolled back: no trade row, no balance change.
	if _, err := env.store.Get(ctx, "trd_pg_broke"); err != ErrTradeNotFound {
		t.Errorf("Expected ErrTradeNotFound after rollback, got %v", err)
	}
	bal, _ := env.ledger.GetBalance(ctx, "seller_tpg_02")
	if bal.Available != "10.00000000" {
		t.Errorf("Balance should be untouched, got %s", bal.Available)
	}
}

func TestPostgres_ApplyBumpsVersion(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_03", "100.00000000", "")

	tr := newPGTrade("trd_pg_apply", "buyer_tpg_03", "seller_tpg_03", "25.00000000")
	if err := env.store.Create(ctx, tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	confirmedAt := time.Now()
	tr.Status = StatusPaymentSent
	tr.PaymentConfirmedAt = &confirmedAt
	err := env.store.Apply(ctx, &Mutation{
		Trade: tr,
		Event: TimelineEvent{
			Event:            EventPaymentConfirmed,
			ActorID:          tr.BuyerID,
			PaymentReference: "wire-778",
			PrevStatus:       StatusPending,
			NextStatus:       StatusPaymentSent,
			Timestamp:        confirmedAt,
		},
		ActivityAction: audit.ActionPaymentSent,
		ActivityActor:  tr.BuyerID,
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := env.store.Get(ctx, "trd_pg_apply")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPaymentSent {
		t.Errorf("Status: got %s, want %s", got.Status, StatusPaymentSent)
	}
	if got.Version != 2 {
		t.Errorf("Version: got %d, want 2", got.Version)
	}
	if got.PaymentConfirmedAt == nil {
		t.Error("PaymentConfirmedAt should be set")
	}
	if len(got.Timeline) != 2 {
		t.Fatalf("Expected 2 timeline events, got %d", len(got.Timeline))
	}
	if got.Timeline[1].PaymentReference != "wire-778" {
		t.Errorf("PaymentReference: got %s", got.Timeline[1].PaymentReference)
	}
}

func TestPostgres_ApplyStaleVersion(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_04", "100.00000000", "")

	tr := newPGTrade("trd_pg_stale", "buyer_tpg_04", "seller_tpg_04", "10.00000000")
	if err := env.store.Create(ctx, tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	mutation := func(v int64, next Status) *Mutation {
		cp := *tr
		cp.Status = next
		cp.Version = v
		return &Mutation{
			Trade:          &cp,
			Event:          TimelineEvent{Event: EventTradeCancelled, PrevStatus: StatusPending, NextStatus: next},
			ActivityAction: audit.ActionTradeCancelled,
		}
	}

	if err := env.store.Apply(ctx, mutation(1, StatusCancelled)); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}

	// Same version again loses to the committed writer.
	err := env.store.Apply(ctx, mutation(1, StatusExpired))
	if err != ErrConcurrentModification {
		t.Errorf("Expected ErrConcurrentModification, got %v", err)
	}

	// Unknown trade is reported as missing, not as a version race.
	missing := newPGTrade("trd_pg_missing", "b", "s", "1.00000000")
	err = env.store.Apply(ctx, &Mutation{Trade: missing, Event: TimelineEvent{Event: EventTradeCancelled, NextStatus: StatusCancelled}})
	if err != ErrTradeNotFound {
		t.Errorf("Expected ErrTradeNotFound, got %v", err)
	}
}

func TestPostgres_ApplyWithEscrowMove(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_05", "100.00000000", "")

	tr := newPGTrade("trd_pg_move", "buyer_tpg_05", "seller_tpg_05", "100.00000000")
	if err := env.store.Create(ctx, tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tr.Status = StatusCompleted
	err := env.store.Apply(ctx, &Mutation{
		Trade:          tr,
		Event:          TimelineEvent{Event: EventEscrowReleased, PrevStatus: StatusPending, NextStatus: StatusCompleted},
		ActivityAction: audit.ActionFundsReleased,
		Escrow: &EscrowMove{
			Kind:       MoveRelease,
			Amount:     "100.00000000",
			Fee:        "1.00000000",
			FeeAccount: "platform",
		},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	buyerBal, _ := env.ledger.GetBalance(ctx, "buyer_tpg_05")
	if buyerBal.Available != "99.00000000" {
		t.Errorf("Buyer payout: got %s", buyerBal.Available)
	}
	platformBal, _ := env.ledger.GetBalance(ctx, "platform")
	if platformBal.Available != "1.00000000" {
		t.Errorf("Platform fee: got %s", platformBal.Available)
	}

	activity, err := env.activity.ListByTrade(ctx, "trd_pg_move", 10)
	if err != nil {
		t.Fatalf("ListByTrade failed: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("Expected 2 activity entries, got %d", len(activity))
	}
}

func TestPostgres_SweeperQueries(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_06", "100.00000000", "")

	now := time.Now()

	overdue := newPGTrade("trd_pg_overdue", "buyer_tpg_06", "seller_tpg_06", "10.00000000")
	overdue.ExpiresAt = now.Add(-1 * time.Minute)
	if err := env.store.Create(ctx, overdue); err != nil {
		t.Fatalf("Create overdue failed: %v", err)
	}

	fresh := newPGTrade("trd_pg_fresh", "buyer_tpg_06", "seller_tpg_06", "10.00000000")
	if err := env.store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create fresh failed: %v", err)
	}

	paid := newPGTrade("trd_pg_paid", "buyer_tpg_06", "seller_tpg_06", "10.00000000")
	if err := env.store.Create(ctx, paid); err != nil {
		t.Fatalf("Create paid failed: %v", err)
	}
	confirmedAt := now.Add(-2 * time.Hour)
	paid.Status = StatusPaymentSent
	paid.PaymentConfirmedAt = &confirmedAt
	if err := env.store.Apply(ctx, &Mutation{
		Trade:          paid,
		Event:          TimelineEvent{Event: EventPaymentConfirmed, PrevStatus: StatusPending, NextStatus: StatusPaymentSent},
		ActivityAction: audit.ActionPaymentSent,
	}); err != nil {
		t.Fatalf("Apply paid failed: %v", err)
	}

	expired, err := env.store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "trd_pg_overdue" {
		t.Errorf("Expected only trd_pg_overdue, got %v", tradeIDs(expired))
	}

	releasable, err := env.store.ListAwaitingAutoRelease(ctx, now.Add(-1*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListAwaitingAutoRelease failed: %v", err)
	}
	if len(releasable) != 1 || releasable[0].ID != "trd_pg_paid" {
		t.Errorf("Expected only trd_pg_paid, got %v", tradeIDs(releasable))
	}
}

func TestPostgres_ActorStatsCountsTimeline(t *testing.T) {
	env, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	env.ledger.Deposit(ctx, "seller_tpg_07", "100.00000000", "")

	for _, id := range []string{"trd_pg_st1", "trd_pg_st2"} {
		tr := newPGTrade(id, "buyer_tpg_07", "seller_tpg_07", "5.00000000")
		if err := env.store.Create(ctx, tr); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}

	tr, _ := env.store.Get(ctx, "trd_pg_st1")
	tr.Status = StatusCancelled
	if err := env.store.Apply(ctx, &Mutation{
		Trade:          tr,
		Event:          TimelineEvent{Event: EventTradeCancelled, ActorID: "buyer_tpg_07", PrevStatus: StatusPending, NextStatus: StatusCancelled},
		ActivityAction: audit.ActionTradeCancelled,
		ActivityActor:  "buyer_tpg_07",
	}); err != nil {
		t.Fatalf("Apply cancel failed: %v", err)
	}

	stats, err := env.store.ActorStats(ctx, "buyer_tpg_07", time.Now().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("ActorStats failed: %v", err)
	}
	if stats.TradesCreated != 2 {
		t.Errorf("TradesCreated: got %d, want 2", stats.TradesCreated)
	}
	if stats.TradesCancelled != 1 {
		t.Errorf("TradesCancelled: got %d, want 1", stats.TradesCancelled)
	}
	if stats.DisputesOpened != 0 {
		t.Errorf("DisputesOpened: got %d, want 0", stats.DisputesOpened)
	}

	// Outside the window nothing counts.
	stats, err = env.store.ActorStats(ctx, "buyer_tpg_07", time.Now().Add(1*time.Hour))
	if err != nil {
		t.Fatalf("ActorStats failed: %v", err)
	}
	if stats.TradesCreated != 0 {
		t.Errorf("TradesCreated outside window: got %d, want 0", stats.TradesCreated)
	}
}

func tradeIDs(trades []*Trade) []string {
	ids := make([]string, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.ID)
	}
	return ids
}
