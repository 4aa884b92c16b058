package rewards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists reward state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateWelcomeGrant(ctx context.Context, userID string, amount int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO welcome_bonuses (user_id, amount)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, amount)
	if err != nil {
		return false, fmt.Errorf("insert welcome grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) RevertWelcomeGrant(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM welcome_bonuses WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("revert welcome grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimReferral(ctx context.Context, referrerID, referredID string, amount int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (referred_id) DO NOTHING`,
		generateReferralID(), referrerID, referredID)
	if err != nil {
		return false, fmt.Errorf("insert referral: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE referrals
		SET bonus_paid = TRUE, bonus_amount = $3, paid_at = NOW()
		WHERE referred_id = $1 AND referrer_id = $2 AND NOT bonus_paid`,
		referredID, referrerID, amount)
	if err != nil {
		return false, fmt.Errorf("claim referral bonus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Either already paid, or the referred user belongs to a
		// different referrer.
		var existingReferrer string
		err := tx.QueryRowContext(ctx,
			`SELECT referrer_id FROM referrals WHERE referred_id = $1`, referredID).Scan(&existingReferrer)
		if err != nil {
			return false, fmt.Errorf("inspect referral: %w", err)
		}
		if existingReferrer != referrerID {
			return false, ErrDuplicateReferral
		}
		return false, tx.Commit()
	}

	return true, tx.Commit()
}

func (s *PostgresStore) RevertReferralClaim(ctx context.Context, referredID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE referrals
		SET bonus_paid = FALSE, bonus_amount = 0, paid_at = NULL
		WHERE referred_id = $1`, referredID)
	if err != nil {
		return fmt.Errorf("revert referral claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertStreakClaim(ctx context.Context, c *StreakClaim) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streak_claims (claim_hash, user_id, claim_date, amount, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ClaimHash, c.UserID, c.ClaimDate, c.Amount, c.IP, c.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("insert streak claim: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RevertStreakClaim(ctx context.Context, claimHash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM streak_claims WHERE claim_hash = $1`, claimHash)
	if err != nil {
		return fmt.Errorf("revert streak claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStreakProfile(ctx context.Context, userID string) (*StreakProfile, error) {
	var p StreakProfile
	var lastClaim sql.NullTime
	var lastIP sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_streak, last_claim_date, last_ip, ip_changes
		FROM streak_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.CurrentStreak, &lastClaim, &lastIP, &p.IPChanges)
	if errors.Is(err, sql.ErrNoRows) {
		return &StreakProfile{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load streak profile: %w", err)
	}
	if lastClaim.Valid {
		p.LastClaimDate = lastClaim.Time.Format("2006-01-02")
	}
	p.LastIP = lastIP.String
	return &p, nil
}

func (s *PostgresStore) SaveStreakProfile(ctx context.Context, p *StreakProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streak_profiles (user_id, current_streak, last_claim_date, last_ip, ip_changes, updated_at)
		VALUES ($1, $2, NULLIF($3, '')::date, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET current_streak = EXCLUDED.current_streak,
		    last_claim_date = EXCLUDED.last_claim_date,
		    last_ip = EXCLUDED.last_ip,
		    ip_changes = EXCLUDED.ip_changes,
		    updated_at = NOW()`,
		p.UserID, p.CurrentStreak, p.LastClaimDate, p.LastIP, p.IPChanges)
	if err != nil {
		return fmt.Errorf("save streak profile: %w", err)
	}
	return nil
}
