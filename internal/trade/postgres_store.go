package trade

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tradewire/p2p-escrow/internal/audit"
	"github.com/tradewire/p2p-escrow/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL.
//
// Each Create/Apply runs in one SERIALIZABLE transaction covering the trade
// row, the timeline entry, the activity log record, and the escrow movement,
// so a half-applied transition (status changed but money not moved, or vice
// versa) is never observable. Concurrent writers are caught by the version
// column: the UPDATE is predicated on the version read by the caller.
type PostgresStore struct {
	db       *sql.DB
	ledger   *ledger.PostgresStore
	activity *audit.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB, ledgerStore *ledger.PostgresStore, activity *audit.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledgerStore, activity: activity}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.ledger.LockTx(ctx, tx, t.ID, t.SellerID, t.Amount); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, offer_id, buyer_id, seller_id, amount, currency, price_currency,
			agreed_price, payment_method_id, status, expires_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(30,8), $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, t.ID, t.OfferID, t.BuyerID, t.SellerID, t.Amount, t.Currency, t.PriceCurrency,
		t.AgreedPrice, t.PaymentMethodID, string(t.Status), t.ExpiresAt, t.Version)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if len(t.Timeline) > 0 {
		if err := insertTimeline(ctx, tx, t.ID, &t.Timeline[0]); err != nil {
			return err
		}
	}

	if err := p.activity.AppendTx(ctx, tx, &audit.Entry{
		TradeID: t.ID,
		ActorID: t.Creator(),
		Action:  audit.ActionTradeCreated,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	t := &Trade{}
	var confirmedAt sql.NullTime
	var disputeID sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, offer_id, buyer_id, seller_id, amount, currency, price_currency,
		       agreed_price, payment_method_id, status, expires_at,
		       payment_confirmed_at, dispute_id, version, created_at, updated_at
		FROM trades WHERE id = $1
	`, id).Scan(&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &t.Amount, &t.Currency,
		&t.PriceCurrency, &t.AgreedPrice, &t.PaymentMethodID, &t.Status, &t.ExpiresAt,
		&confirmedAt, &disputeID, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		t.PaymentConfirmedAt = &confirmedAt.Time
	}
	t.DisputeID = disputeID.String

	timeline, err := p.loadTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Timeline = timeline
	return t, nil
}

func (p *PostgresStore) Apply(ctx context.Context, m *Mutation) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	t := m.Trade
	result, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			status               = $2,
			payment_confirmed_at = $3,
			dispute_id           = NULLIF($4, ''),
			version              = version + 1,
			updated_at           = NOW()
		WHERE id = $1 AND version = $5
	`, t.ID, string(t.Status), t.PaymentConfirmedAt, t.DisputeID, t.Version)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a lost race from a missing trade.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConcurrentModification
	}

	if m.Escrow != nil {
		if err := p.applyMove(ctx, tx, t, m.Escrow); err != nil {
			return err
		}
	}

	if err := insertTimeline(ctx, tx, t.ID, &m.Event); err != nil {
		return err
	}

	if err := p.activity.AppendTx(ctx, tx, &audit.Entry{
		TradeID: t.ID,
		ActorID: m.ActivityActor,
		Action:  m.ActivityAction,
		Detail:  m.ActivityDetail,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) applyMove(ctx context.Context, tx *sql.Tx, t *Trade, move *EscrowMove) error {
	switch move.Kind {
	case MoveRelease:
		return p.ledger.ReleaseTx(ctx, tx, t.ID, t.BuyerID, move.Amount, move.Fee, move.FeeAccount)
	case MoveReturn:
		return p.ledger.ReturnTx(ctx, tx, t.ID, t.SellerID, move.Amount)
	case MoveSplit:
		return p.ledger.SplitTx(ctx, tx, t.ID, t.BuyerID, t.SellerID, move.BuyerAmount, move.SellerAmount)
	}
	return nil
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Trade, error) {
	return p.list(ctx, `
		SELECT id FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, actorID, limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	return p.list(ctx, `
		SELECT id FROM trades
		WHERE status = 'PENDING' AND payment_confirmed_at IS NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, before, limit)
}

func (p *PostgresStore) ListAwaitingAutoRelease(ctx context.Context, confirmedBefore time.Time, limit int) ([]*Trade, error) {
	return p.list(ctx, `
		SELECT id FROM trades
		WHERE status = 'PAYMENT_SENT' AND payment_confirmed_at < $1
		ORDER BY payment_confirmed_at ASC
		LIMIT $2
	`, confirmedBefore, limit)
}

func (p *PostgresStore) ActorStats(ctx context.Context, actorID string, since time.Time) (*ActorStats, error) {
	stats := &ActorStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event = $3),
			COUNT(*) FILTER (WHERE event = $4),
			COUNT(*) FILTER (WHERE event = $5)
		FROM trade_timeline
		WHERE actor_id = $1 AND created_at >= $2
	`, actorID, since, EventTradeCreated, EventTradeCancelled, EventDisputeOpened).
		Scan(&stats.TradesCreated, &stats.TradesCancelled, &stats.DisputesOpened)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trades := make([]*Trade, 0, len(ids))
	for _, id := range ids {
		t, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (p *PostgresStore) loadTimeline(ctx context.Context, tradeID string) ([]TimelineEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event, COALESCE(actor_id, ''), COALESCE(message, ''),
		       COALESCE(payment_reference, ''), COALESCE(prev_status, ''), next_status, created_at
		FROM trade_timeline
		WHERE trade_id = $1
		ORDER BY id ASC
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var timeline []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		var prev, next string
		if err := rows.Scan(&e.Event, &e.ActorID, &e.Message, &e.PaymentReference, &prev, &next, &e.Timestamp); err != nil {
			return nil, err
		}
		e.PrevStatus = Status(prev)
		e.NextStatus = Status(next)
		timeline = append(timeline, e)
	}
	return timeline, rows.Err()
}

func insertTimeline(ctx context.Context, tx *sql.Tx, tradeID string, e *TimelineEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_timeline (trade_id, event, actor_id, message, payment_reference, prev_status, next_status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NOW())
	`, tradeID, e.Event, e.ActorID, e.Message, e.PaymentReference, string(e.PrevStatus), string(e.NextStatus))
	if err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}
