package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer_id, seller_id, product_ref, amount, platform_fee,
	fee_percent, status, buyer_confirmed, seller_confirmed, dispute_reason,
	created_at, updated_at, released_at`

func (s *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions
			(id, buyer_id, seller_id, product_ref, amount, platform_fee,
			 fee_percent, status, buyer_confirmed, seller_confirmed,
			 dispute_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.BuyerID, e.SellerID, e.ProductRef, e.Amount, e.PlatformFee,
		e.FeePercent, e.Status, e.BuyerConfirmed, e.SellerConfirmed,
		e.DisputeReason, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return scanEscrow(row)
}

// Transition claims the status change with a single conditional UPDATE so
// concurrent resolvers cannot both win.
func (s *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, reason string) (*Escrow, error) {
	statuses := make([]string, len(from))
	for i, f := range from {
		statuses[i] = string(f)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE escrow_transactions
		SET status = $2,
		    updated_at = NOW(),
		    dispute_reason = CASE WHEN $3 <> '' THEN $3 ELSE dispute_reason END,
		    released_at = CASE WHEN $2 = 'released' THEN NOW() ELSE NULL END
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+escrowColumns,
		id, to, reason, pq.Array(statuses))

	e, err := scanEscrow(row)
	if errors.Is(err, ErrEscrowNotFound) {
		// Distinguish a missing record from a lost claim.
		var exists bool
		if chkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); chkErr != nil {
			return nil, fmt.Errorf("check escrow exists: %w", chkErr)
		}
		if exists {
			return nil, ErrInvalidTransition
		}
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (s *PostgresStore) SetConfirmed(ctx context.Context, id string, buyer bool) (*Escrow, error) {
	column := "seller_confirmed"
	if buyer {
		column = "buyer_confirmed"
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE escrow_transactions
		SET `+column+` = TRUE, updated_at = NOW()
		WHERE id = $1
		RETURNING `+escrowColumns, id)
	return scanEscrow(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	var e Escrow
	var productRef, disputeReason sql.NullString
	var releasedAt sql.NullTime
	err := row.Scan(&e.ID, &e.BuyerID, &e.SellerID, &productRef, &e.Amount,
		&e.PlatformFee, &e.FeePercent, &e.Status, &e.BuyerConfirmed,
		&e.SellerConfirmed, &disputeReason, &e.CreatedAt, &e.UpdatedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}
	e.ProductRef = productRef.String
	e.DisputeReason = disputeReason.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return &e, nil
}
