package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tradewire/p2p-escrow/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed activity log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, trade_id, actor_id, action, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NOW())
	`, idgen.WithPrefix("act_"), e.TradeID, e.ActorID, e.Action, e.Detail)
	if err != nil {
		return fmt.Errorf("append activity entry: %w", err)
	}
	return nil
}

// AppendTx appends an entry within an existing transaction, so the record
// commits or rolls back together with the state change it describes.
func (p *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_log (id, trade_id, actor_id, action, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NOW())
	`, idgen.WithPrefix("act_"), e.TradeID, e.ActorID, e.Action, e.Detail)
	if err != nil {
		return fmt.Errorf("append activity entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Entry, error) {
	return p.query(ctx, `
		SELECT id, trade_id, COALESCE(actor_id, ''), action, COALESCE(detail, ''), created_at
		FROM activity_log
		WHERE trade_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, tradeID, limit)
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	return p.query(ctx, `
		SELECT id, trade_id, COALESCE(actor_id, ''), action, COALESCE(detail, ''), created_at
		FROM activity_log
		WHERE actor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TradeID, &e.ActorID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
