// Package rewards issues engagement incentives: a one-time welcome
// bonus, referral bonuses and daily login streak awards.
//
// Every reward path is replay-proof: welcome bonuses key on a unique
// per-user grant row, referrals on an atomically claimed paid flag, and
// streaks on a deterministic daily hash that collides on reuse.
package rewards

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/wallet"
)

var (
	ErrAlreadyGranted     = errors.New("rewards: welcome bonus already granted")
	ErrAlreadyPaid        = errors.New("rewards: referral bonus already paid")
	ErrDuplicateReferral  = errors.New("rewards: user was already referred by someone else")
	ErrSelfReferral       = errors.New("rewards: users cannot refer themselves")
)

// ipChangeAdvisoryThreshold is how many distinct-IP switches a streak
// profile accumulates before claims get flagged for review.
const ipChangeAdvisoryThreshold = 3

// streakMultiplierCap bounds how far consecutive days grow the award.
const streakMultiplierCap = 7

// Referral links a referred user to their referrer.
type Referral struct {
	ID          string     `json:"id"`
	ReferrerID  string     `json:"referrerId"`
	ReferredID  string     `json:"referredId"`
	BonusPaid   bool       `json:"bonusPaid"`
	BonusAmount int64      `json:"bonusAmount"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// StreakClaim is one accepted daily claim.
type StreakClaim struct {
	ClaimHash string    `json:"-"`
	UserID    string    `json:"userId"`
	ClaimDate string    `json:"claimDate"` // YYYY-MM-DD, UTC
	Amount    int64     `json:"amount"`
	IP        string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreakProfile is the per-user streak state.
type StreakProfile struct {
	UserID        string `json:"userId"`
	CurrentStreak int    `json:"currentStreak"`
	LastClaimDate string `json:"lastClaimDate,omitempty"`
	LastIP        string `json:"-"`
	IPChanges     int    `json:"-"`
}

// StreakResult is what a claim attempt produced.
type StreakResult struct {
	Amount         int64 `json:"amount"`
	Streak         int   `json:"streak"`
	AlreadyClaimed bool  `json:"alreadyClaimed"`
	Flagged        bool  `json:"flagged"`
}

// Store persists reward state. ClaimReferral and InsertStreakClaim are
// the anti-replay operations: both must settle who won atomically.
type Store interface {
	// CreateWelcomeGrant records the one-time grant. Returns false when
	// the user already has one.
	CreateWelcomeGrant(ctx context.Context, userID string, amount int64) (bool, error)
	// ClaimReferral links referred to referrer (first write wins) and
	// claims the paid flag. won is false when the bonus was already
	// paid; ErrDuplicateReferral when a different referrer got there
	// first.
	ClaimReferral(ctx context.Context, referrerID, referredID string, amount int64) (won bool, err error)
	// RevertReferralClaim reopens the paid flag after a failed credit.
	RevertReferralClaim(ctx context.Context, referredID string) error
	// RevertWelcomeGrant removes the grant row after a failed credit, so
	// a retry can claim it again.
	RevertWelcomeGrant(ctx context.Context, userID string) error
	// InsertStreakClaim stores the claim iff its hash is new.
	InsertStreakClaim(ctx context.Context, c *StreakClaim) (bool, error)
	// RevertStreakClaim removes the claim row after a failed credit.
	RevertStreakClaim(ctx context.Context, claimHash string) error
	// GetStreakProfile returns the profile, or a zero profile when the
	// user has never claimed.
	GetStreakProfile(ctx context.Context, userID string) (*StreakProfile, error)
	SaveStreakProfile(ctx context.Context, p *StreakProfile) error
}

// Notifier receives reward lifecycle events. Implementations must not
// block.
type Notifier interface {
	StreakAwarded(ctx context.Context, userID string, day int, amount int64)
}

// Options configures reward amounts, all in kobo.
type Options struct {
	WelcomeMin    int64
	WelcomeMax    int64
	ReferralBonus int64
	StreakBase    int64
	StreakSecret  string
}

// Service issues rewards into the wallet ledger.
type Service struct {
	store    Store
	wallets  *wallet.Service
	opts     Options
	notifier Notifier
	nowFn    func() time.Time
}

// NewService creates a rewards service.
func NewService(store Store, wallets *wallet.Service, opts Options) *Service {
	return &Service{store: store, wallets: wallets, opts: opts, nowFn: time.Now}
}

// WithNotifier attaches a notifier for streak awards.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// GrantWelcomeBonus credits a new user a random amount within the
// configured bounds, exactly once.
func (s *Service) GrantWelcomeBonus(ctx context.Context, userID string) (int64, error) {
	amount := s.opts.WelcomeMin
	if s.opts.WelcomeMax > s.opts.WelcomeMin {
		amount += cryptoInt64n(s.opts.WelcomeMax - s.opts.WelcomeMin + 1)
	}

	created, err := s.store.CreateWelcomeGrant(ctx, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("record welcome grant: %w", err)
	}
	if !created {
		return 0, ErrAlreadyGranted
	}

	if err := s.wallets.Credit(ctx, userID, amount, wallet.TxWelcomeBonus,
		"welcome bonus", ""); err != nil {
		if revertErr := s.store.RevertWelcomeGrant(ctx, userID); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: welcome grant recorded but credit and revert both failed",
				"userId", userID, "amount", amount, "error", revertErr)
		}
		return 0, fmt.Errorf("credit welcome bonus: %w", err)
	}

	logging.L(ctx).Info("welcome bonus granted", "userId", userID, "amount", amount)
	observeReward("welcome")
	return amount, nil
}

// GrantReferralBonus pays the referrer once per referred user. The paid
// flag is claimed atomically with the referral link, so retries and
// races pay a single bonus.
func (s *Service) GrantReferralBonus(ctx context.Context, referrerID, referredID string) (int64, error) {
	if referrerID == referredID {
		return 0, ErrSelfReferral
	}

	won, err := s.store.ClaimReferral(ctx, referrerID, referredID, s.opts.ReferralBonus)
	if err != nil {
		return 0, err
	}
	if !won {
		return 0, ErrAlreadyPaid
	}

	if err := s.wallets.Credit(ctx, referrerID, s.opts.ReferralBonus, wallet.TxReferralBonus,
		"referral bonus for "+referredID, ""); err != nil {
		if revertErr := s.store.RevertReferralClaim(ctx, referredID); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: referral claimed but credit and revert both failed",
				"referrerId", referrerID, "referredId", referredID, "error", revertErr)
		}
		return 0, fmt.Errorf("credit referral bonus: %w", err)
	}

	logging.L(ctx).Info("referral bonus paid",
		"referrerId", referrerID, "referredId", referredID, "amount", s.opts.ReferralBonus)
	observeReward("referral")
	return s.opts.ReferralBonus, nil
}

// ClaimStreak processes a daily login claim. The claim is keyed on a
// deterministic hash of (date, user, server secret), so replaying a day
// yields a zero-amount result and no credit. Consecutive days grow the
// award linearly up to the cap.
func (s *Service) ClaimStreak(ctx context.Context, userID, ip string) (*StreakResult, error) {
	now := s.nowFn().UTC()
	today := now.Format("2006-01-02")
	hash := streakHash(today, userID, s.opts.StreakSecret)

	profile, err := s.store.GetStreakProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load streak profile: %w", err)
	}

	streak := 1
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	if profile.LastClaimDate == yesterday {
		streak = profile.CurrentStreak + 1
	}

	multiplier := streak
	if multiplier > streakMultiplierCap {
		multiplier = streakMultiplierCap
	}
	amount := s.opts.StreakBase * int64(multiplier)

	claim := &StreakClaim{
		ClaimHash: hash,
		UserID:    userID,
		ClaimDate: today,
		Amount:    amount,
		IP:        ip,
		CreatedAt: now,
	}
	inserted, err := s.store.InsertStreakClaim(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("record streak claim: %w", err)
	}
	if !inserted {
		return &StreakResult{Amount: 0, Streak: profile.CurrentStreak, AlreadyClaimed: true}, nil
	}

	prev := *profile

	flagged := false
	if ip != "" && profile.LastIP != "" && ip != profile.LastIP {
		profile.IPChanges++
	}
	if profile.IPChanges >= ipChangeAdvisoryThreshold {
		flagged = true
		logging.L(ctx).Warn("streak claim from high-churn IP profile",
			"userId", userID, "ipChanges", profile.IPChanges)
		observeStreakFlag()
	}

	profile.UserID = userID
	profile.CurrentStreak = streak
	profile.LastClaimDate = today
	if ip != "" {
		profile.LastIP = ip
	}
	if err := s.store.SaveStreakProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("save streak profile: %w", err)
	}

	if err := s.wallets.Credit(ctx, userID, amount, wallet.TxRewardEarned,
		fmt.Sprintf("day %d login streak", streak), hash[:16]); err != nil {
		if revertErr := s.store.RevertStreakClaim(ctx, hash); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: streak claim recorded but credit and revert both failed",
				"userId", userID, "amount", amount, "error", revertErr)
		} else if restoreErr := s.store.SaveStreakProfile(ctx, &prev); restoreErr != nil {
			logging.L(ctx).Error("CRITICAL: streak claim reverted but profile restore failed",
				"userId", userID, "error", restoreErr)
		}
		return nil, fmt.Errorf("credit streak award: %w", err)
	}

	logging.L(ctx).Info("streak award granted",
		"userId", userID, "day", streak, "amount", amount)
	observeReward("streak")
	if s.notifier != nil {
		s.notifier.StreakAwarded(ctx, userID, streak, amount)
	}
	return &StreakResult{Amount: amount, Streak: streak, Flagged: flagged}, nil
}

// streakHash derives the replay-proof daily claim key.
func streakHash(date, userID, secret string) string {
	sum := sha256.Sum256([]byte(date + "|" + userID + "|" + secret))
	return hex.EncodeToString(sum[:])
}

func cryptoInt64n(n int64) int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	v := int64(binary.BigEndian.Uint64(buf[:]) >> 1)
	return v % n
}
