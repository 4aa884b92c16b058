package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/obike/campuspay/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Concurrency discipline: every balance mutation runs inside a serializable
// transaction, the debit guard is part of the UPDATE's WHERE clause (never a
// separate read), and the wallets table carries CHECK (balance >= 0) as a
// backstop.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	// Upsert so concurrent first access cannot create duplicates; the
	// no-op DO NOTHING arm still leaves exactly one row to select.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, escrow_balance, total_earned, created_at, updated_at)
		VALUES ($1, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return p.Get(ctx, userID)
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, escrow_balance, total_earned, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Balance, &w.EscrowBalance, &w.TotalEarned, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertEntry(ctx, tx, userID, txType, amount, description, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Single conditional update: the balance check and the subtraction are
	// one statement, so concurrent debits cannot both pass a stale check.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.insufficientOrMissing(ctx, userID, amount)
	}

	if err := insertEntry(ctx, tx, userID, txType, -amount, description, reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowHold(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
	`, buyerID, amount)
	if err != nil {
		return fmt.Errorf("debit buyer: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.insufficientOrMissing(ctx, buyerID, amount)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE wallets SET escrow_balance = escrow_balance + $2, updated_at = NOW()
		WHERE user_id = $1
	`, sellerID, amount)
	if err != nil {
		return fmt.Errorf("raise seller escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertEntry(ctx, tx, buyerID, TxEscrowHold, -amount, "escrow hold", reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowRelease(ctx context.Context, sellerID string, amount, fee int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Gross credit out of escrow; the guard on escrow_balance keeps a
	// double release from inventing funds even if the caller's state
	// machine is bypassed.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			escrow_balance = escrow_balance - $2,
			balance        = balance + $2,
			total_earned   = total_earned + $2,
			updated_at     = NOW()
		WHERE user_id = $1 AND escrow_balance >= $2
	`, sellerID, amount)
	if err != nil {
		return fmt.Errorf("release escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.insufficientEscrowOrMissing(ctx, sellerID, amount)
	}

	if err := insertEntry(ctx, tx, sellerID, TxSale, amount, "escrow release", reference); err != nil {
		return err
	}

	if fee > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = balance - $2, updated_at = NOW()
			WHERE user_id = $1
		`, sellerID, fee); err != nil {
			return fmt.Errorf("debit platform fee: %w", err)
		}
		if err := insertEntry(ctx, tx, sellerID, TxPlatformFee, -fee, "platform fee", reference); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) EscrowRefund(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET escrow_balance = escrow_balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND escrow_balance >= $2
	`, sellerID, amount)
	if err != nil {
		return fmt.Errorf("lower seller escrow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return p.insufficientEscrowOrMissing(ctx, sellerID, amount)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1
	`, buyerID, amount)
	if err != nil {
		return fmt.Errorf("credit buyer: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertEntry(ctx, tx, buyerID, TxEscrowRefund, amount, "escrow refund", reference); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	query := `
		SELECT id, type, amount, description, reference, status, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	args := []interface{}{userID, limit}
	if before != nil {
		query = `
			SELECT id, type, amount, description, reference, status, created_at
			FROM wallet_transactions
			WHERE user_id = $1 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`
		args = append(args, before.CreatedAt, before.ID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t := &Transaction{UserID: userID}
		var desc, ref sql.NullString
		if err := rows.Scan(&t.ID, &t.Type, &t.Amount, &desc, &ref, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		t.Reference = ref.String
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) LedgerSum(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// insufficientOrMissing distinguishes a failed balance guard from a missing
// wallet so callers get the right domain error.
func (p *PostgresStore) insufficientOrMissing(ctx context.Context, userID string, requested int64) error {
	w, err := p.Get(ctx, userID)
	if err != nil {
		return err
	}
	return &InsufficientFundsError{Available: w.Balance, Requested: requested}
}

func (p *PostgresStore) insufficientEscrowOrMissing(ctx context.Context, userID string, requested int64) error {
	w, err := p.Get(ctx, userID)
	if err != nil {
		return err
	}
	return &InsufficientFundsError{Available: w.EscrowBalance, Requested: requested}
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID string, txType TxType, amount int64, description, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, type, amount, description, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'completed', NOW())
	`, generateTxID(), userID, string(txType), amount, description, reference)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}
