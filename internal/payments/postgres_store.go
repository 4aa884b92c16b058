package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payments and withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `transaction_ref, user_id, amount, purpose, channel, provider,
	status, checkout_url, access_code, raw_response, paid_at, created_at, updated_at`

func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_payments
			(transaction_ref, user_id, amount, purpose, channel, provider,
			 status, checkout_url, access_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.TransactionRef, p.UserID, p.Amount, p.Purpose, p.Channel, p.Provider,
		p.Status, p.CheckoutURL, p.AccessCode, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, ref string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM gateway_payments WHERE transaction_ref = $1`, ref)
	return scanPayment(row)
}

func (s *PostgresStore) SetCheckout(ctx context.Context, ref, provider, checkoutURL, accessCode string, raw []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_payments
		SET provider = $2, checkout_url = $3, access_code = $4,
		    raw_response = COALESCE($5, raw_response), updated_at = NOW()
		WHERE transaction_ref = $1`,
		ref, provider, checkoutURL, accessCode, nullableJSON(raw))
	if err != nil {
		return fmt.Errorf("set checkout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ClaimPayment performs the single-statement pending claim that makes
// webhook delivery and polling verification idempotent.
func (s *PostgresStore) ClaimPayment(ctx context.Context, ref string, to Status, raw []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_payments
		SET status = $2,
		    raw_response = COALESCE($3, raw_response),
		    paid_at = CASE WHEN $2 = 'success' THEN NOW() ELSE paid_at END,
		    updated_at = NOW()
		WHERE transaction_ref = $1 AND status = 'pending'`,
		ref, to, nullableJSON(raw))
	if err != nil {
		return false, fmt.Errorf("claim payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Lost claim or missing row; callers treat missing as an error.
		var exists bool
		if chkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM gateway_payments WHERE transaction_ref = $1)`, ref).Scan(&exists); chkErr != nil {
			return false, chkErr
		}
		if !exists {
			return false, ErrPaymentNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) RevertPaymentClaim(ctx context.Context, ref string, from Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gateway_payments
		SET status = 'pending', paid_at = NULL, updated_at = NOW()
		WHERE transaction_ref = $1 AND status = $2`,
		ref, from)
	if err != nil {
		return fmt.Errorf("revert payment claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM gateway_payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const withdrawalColumns = `id, user_id, amount, bank_code, account_number, account_name,
	status, transfer_ref, failure_reason, created_at, updated_at`

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawals
			(id, user_id, amount, bank_code, account_number, account_name,
			 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.Amount, w.BankCode, w.AccountNumber, w.AccountName,
		w.Status, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (s *PostgresStore) GetWithdrawalByTransferRef(ctx context.Context, transferRef string) (*Withdrawal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE transfer_ref = $1`, transferRef)
	return scanWithdrawal(row)
}

func (s *PostgresStore) SetWithdrawalTransfer(ctx context.Context, id, transferRef, accountName string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET transfer_ref = $2,
		    account_name = CASE WHEN $3 <> '' THEN $3 ELSE account_name END,
		    updated_at = NOW()
		WHERE id = $1`, id, transferRef, accountName)
	if err != nil {
		return fmt.Errorf("set withdrawal transfer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimWithdrawal(ctx context.Context, id string, to Status, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $2,
		    failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, to, reason)
	if err != nil {
		return false, fmt.Errorf("claim withdrawal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if chkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); chkErr != nil {
			return false, chkErr
		}
		if !exists {
			return false, ErrWithdrawalNotFound
		}
		return false, nil
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var checkoutURL, accessCode sql.NullString
	var raw []byte
	var paidAt sql.NullTime
	err := row.Scan(&p.TransactionRef, &p.UserID, &p.Amount, &p.Purpose,
		&p.Channel, &p.Provider, &p.Status, &checkoutURL, &accessCode,
		&raw, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	p.CheckoutURL = checkoutURL.String
	p.AccessCode = accessCode.String
	p.RawResponse = raw
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return &p, nil
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	var w Withdrawal
	var accountName, transferRef, failureReason sql.NullString
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.BankCode, &w.AccountNumber,
		&accountName, &w.Status, &transferRef, &failureReason,
		&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	w.AccountName = accountName.String
	w.TransferRef = transferRef.String
	w.FailureReason = failureReason.String
	return &w, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
