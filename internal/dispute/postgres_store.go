package dispute

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, trade_id, opened_by, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.TradeID, d.OpenedBy, d.Reason, string(d.Status), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d := &Dispute{}
	var resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, trade_id, opened_by, reason, status, resolved_by, resolved_at, created_at, updated_at
		FROM disputes WHERE id = $1
	`, id).Scan(&d.ID, &d.TradeID, &d.OpenedBy, &d.Reason, &d.Status,
		&resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status      = $2,
			resolved_by = NULLIF($3, ''),
			resolved_at = $4,
			updated_at  = $5
		WHERE id = $1
	`, d.ID, string(d.Status), d.ResolvedBy, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, body, attachments, is_internal, is_system, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, m.ID, m.DisputeID, m.SenderID, m.Body, pq.Array(m.Attachments), m.IsInternal, m.IsSystemMessage, m.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return ErrDisputeNotFound
		}
		return fmt.Errorf("insert dispute message: %w", err)
	}
	return nil
}

func (p *PostgresStore) Messages(ctx context.Context, disputeID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(sender_id, ''), body, attachments, is_internal, is_system, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at ASC, id ASC
	`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m := &Message{DisputeID: disputeID}
		var attachments pq.StringArray
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Body, &attachments, &m.IsInternal, &m.IsSystemMessage, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Attachments = attachments
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if msgs == nil {
		// Distinguish an empty thread from an unknown dispute.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, disputeID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrDisputeNotFound
		}
	}
	return msgs, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, opened_by, reason, status, resolved_by, resolved_at, created_at, updated_at
		FROM disputes
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d := &Dispute{}
		var resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.TradeID, &d.OpenedBy, &d.Reason, &d.Status,
			&resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			d.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
