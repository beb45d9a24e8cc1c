package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tradewire/p2p-escrow/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Each movement runs in a SERIALIZABLE transaction. Overdrafts are prevented
// at the database level: wallet_balances carries CHECK constraints on both
// columns, and escrow_locks tracks the remaining escrow per trade with its
// own CHECK, so releasing the same escrow twice fails in the database even if
// every application-level guard is bypassed.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves an actor's balance.
func (p *PostgresStore) GetBalance(ctx context.Context, actorID string) (*Balance, error) {
	bal := &Balance{ActorID: actorID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, updated_at
		FROM wallet_balances WHERE actor_id = $1
	`, actorID).Scan(&bal.Available, &bal.Escrowed, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{ActorID: actorID, Available: "0", Escrowed: "0"}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Deposit credits an actor's available balance.
func (p *PostgresStore) Deposit(ctx context.Context, actorID, amount, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.DepositTx(ctx, tx, actorID, amount, reference)
	})
}

// Lock moves amount from the seller's available balance into escrow.
func (p *PostgresStore) Lock(ctx context.Context, tradeID, sellerID, amount string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.LockTx(ctx, tx, tradeID, sellerID, amount)
	})
}

// Release pays out escrowed funds to the buyer minus the fee.
func (p *PostgresStore) Release(ctx context.Context, tradeID, buyerID, amount, feeAmount, platformAccount string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.ReleaseTx(ctx, tx, tradeID, buyerID, amount, feeAmount, platformAccount)
	})
}

// Return gives escrowed funds back to the seller.
func (p *PostgresStore) Return(ctx context.Context, tradeID, sellerID, amount string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.ReturnTx(ctx, tx, tradeID, sellerID, amount)
	})
}

// Split divides escrowed funds between buyer and seller.
func (p *PostgresStore) Split(ctx context.Context, tradeID, buyerID, sellerID, buyerAmount, sellerAmount string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return p.SplitTx(ctx, tx, tradeID, buyerID, sellerID, buyerAmount, sellerAmount)
	})
}

// --- Tx-scoped appliers ---
//
// The trade store settles a trade and moves its escrow in one transaction.
// These appliers run the ledger side of that settlement on the caller's tx.

// DepositTx credits available balance within an existing transaction.
func (p *PostgresStore) DepositTx(ctx context.Context, tx *sql.Tx, actorID, amount, reference string) error {
	if err := creditAvailable(ctx, tx, actorID, amount); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{Direction: DirDeposit, ToActor: actorID, Amount: amount, Reference: reference})
}

// LockTx moves available funds into escrow within an existing transaction.
func (p *PostgresStore) LockTx(ctx context.Context, tx *sql.Tx, tradeID, sellerID, amount string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_balances SET
			available  = available - $2::NUMERIC(30,8),
			escrowed   = escrowed  + $2::NUMERIC(30,8),
			updated_at = NOW()
		WHERE actor_id = $1
	`, sellerID, amount)
	if err != nil {
		return mapBalanceErr(err, ErrInsufficientBalance)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_locks (trade_id, seller_id, remaining)
		VALUES ($1, $2, $3::NUMERIC(30,8))
	`, tradeID, sellerID, amount)
	if err != nil {
		return fmt.Errorf("record escrow lock: %w", err)
	}

	return insertEntry(ctx, tx, &Entry{TradeID: tradeID, Direction: DirLock, FromActor: sellerID, ToActor: sellerID, Amount: amount})
}

// ReleaseTx pays escrow out to the buyer within an existing transaction.
func (p *PostgresStore) ReleaseTx(ctx context.Context, tx *sql.Tx, tradeID, buyerID, amount, feeAmount, platformAccount string) error {
	sellerID, err := debitEscrow(ctx, tx, tradeID, amount)
	if err != nil {
		return err
	}

	payout := amount
	hasFee := feeAmount != "" && feeAmount != "0"
	if hasFee {
		if err := creditAvailable(ctx, tx, platformAccount, feeAmount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, &Entry{TradeID: tradeID, Direction: DirFeeDeduction, FromActor: sellerID, ToActor: platformAccount, Amount: feeAmount}); err != nil {
			return err
		}
		// Payout is amount minus fee, computed in the database to stay in
		// NUMERIC arithmetic.
		if err := tx.QueryRowContext(ctx,
			`SELECT ($1::NUMERIC(30,8) - $2::NUMERIC(30,8))::TEXT`,
			amount, feeAmount).Scan(&payout); err != nil {
			return err
		}
	}

	if err := creditAvailable(ctx, tx, buyerID, payout); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{TradeID: tradeID, Direction: DirReleaseToBuyer, FromActor: sellerID, ToActor: buyerID, Amount: payout})
}

// ReturnTx gives escrow back to the seller within an existing transaction.
func (p *PostgresStore) ReturnTx(ctx context.Context, tx *sql.Tx, tradeID, sellerID, amount string) error {
	if _, err := debitEscrow(ctx, tx, tradeID, amount); err != nil {
		return err
	}
	if err := creditAvailable(ctx, tx, sellerID, amount); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{TradeID: tradeID, Direction: DirReturnToSeller, FromActor: sellerID, ToActor: sellerID, Amount: amount})
}

// SplitTx divides escrow between buyer and seller within an existing transaction.
func (p *PostgresStore) SplitTx(ctx context.Context, tx *sql.Tx, tradeID, buyerID, sellerID, buyerAmount, sellerAmount string) error {
	var total string
	if err := tx.QueryRowContext(ctx,
		`SELECT ($1::NUMERIC(30,8) + $2::NUMERIC(30,8))::TEXT`,
		buyerAmount, sellerAmount).Scan(&total); err != nil {
		return err
	}
	if _, err := debitEscrow(ctx, tx, tradeID, total); err != nil {
		return err
	}

	if buyerAmount != "" && buyerAmount != "0" {
		if err := creditAvailable(ctx, tx, buyerID, buyerAmount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, &Entry{TradeID: tradeID, Direction: DirPartialSplit, FromActor: sellerID, ToActor: buyerID, Amount: buyerAmount}); err != nil {
			return err
		}
	}
	if sellerAmount != "" && sellerAmount != "0" {
		if err := creditAvailable(ctx, tx, sellerID, sellerAmount); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, &Entry{TradeID: tradeID, Direction: DirPartialSplit, FromActor: sellerID, ToActor: sellerID, Amount: sellerAmount}); err != nil {
			return err
		}
	}
	return nil
}

// TradeEntries returns all entries for a trade, oldest first.
func (p *PostgresStore) TradeEntries(ctx context.Context, tradeID string) ([]*Entry, error) {
	return p.queryEntries(ctx, `
		SELECT id, COALESCE(trade_id, ''), direction, COALESCE(from_actor, ''), to_actor,
		       amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE trade_id = $1
		ORDER BY created_at ASC, id ASC
	`, tradeID)
}

// History retrieves ledger entries touching an actor, newest first.
func (p *PostgresStore) History(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	return p.queryEntries(ctx, `
		SELECT id, COALESCE(trade_id, ''), direction, COALESCE(from_actor, ''), to_actor,
		       amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE from_actor = $1 OR to_actor = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
}

// ActorEntries returns all entries touching an actor, oldest first, for replay.
func (p *PostgresStore) ActorEntries(ctx context.Context, actorID string) ([]*Entry, error) {
	return p.queryEntries(ctx, `
		SELECT id, COALESCE(trade_id, ''), direction, COALESCE(from_actor, ''), to_actor,
		       amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE from_actor = $1 OR to_actor = $1
		ORDER BY created_at ASC, id ASC
	`, actorID)
}

// AllActors lists every actor with a balance row.
func (p *PostgresStore) AllActors(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT actor_id FROM wallet_balances`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		actors = append(actors, id)
	}
	return actors, rows.Err()
}

func (p *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TradeID, &e.Direction, &e.FromActor, &e.ToActor, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// debitEscrow decrements the remaining escrow for a trade and the seller's
// escrowed balance. The CHECK on escrow_locks.remaining fails the transaction
// if the trade does not hold enough, which is what makes double release
// structurally impossible. Returns the seller debited.
func debitEscrow(ctx context.Context, tx *sql.Tx, tradeID, amount string) (string, error) {
	var sellerID string
	err := tx.QueryRowContext(ctx, `
		UPDATE escrow_locks SET
			remaining = remaining - $2::NUMERIC(30,8)
		WHERE trade_id = $1
		RETURNING seller_id
	`, tradeID, amount).Scan(&sellerID)
	if err == sql.ErrNoRows {
		return "", ErrInsufficientEscrowBalance
	}
	if err != nil {
		return "", mapBalanceErr(err, ErrInsufficientEscrowBalance)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_balances SET
			escrowed   = escrowed - $2::NUMERIC(30,8),
			updated_at = NOW()
		WHERE actor_id = $1
	`, sellerID, amount)
	if err != nil {
		return "", mapBalanceErr(err, ErrInsufficientEscrowBalance)
	}
	return sellerID, nil
}

func creditAvailable(ctx context.Context, tx *sql.Tx, actorID, amount string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_balances (actor_id, available, escrowed, updated_at)
		VALUES ($1, $2::NUMERIC(30,8), 0, NOW())
		ON CONFLICT (actor_id) DO UPDATE SET
			available  = wallet_balances.available + $2::NUMERIC(30,8),
			updated_at = NOW()
	`, actorID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, trade_id, direction, from_actor, to_actor, amount, reference, created_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6::NUMERIC(30,8), NULLIF($7, ''), NOW())
	`, idgen.WithPrefix("led_"), e.TradeID, e.Direction, e.FromActor, e.ToActor, e.Amount, e.Reference)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

// mapBalanceErr converts a CHECK constraint violation into the given sentinel.
func mapBalanceErr(err error, sentinel error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		return sentinel
	}
	return err
}
