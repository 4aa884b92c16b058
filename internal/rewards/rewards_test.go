package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obike/campuspay/internal/wallet"
)

func newTestService(t *testing.T) (*Service, *wallet.Service) {
	t.Helper()
	wallets := wallet.NewService(wallet.NewMemoryStore())
	svc := NewService(NewMemoryStore(), wallets, Options{
		WelcomeMin:    10000,
		WelcomeMax:    50000,
		ReferralBonus: 20000,
		StreakBase:    1000,
		StreakSecret:  "test-secret",
	})
	return svc, wallets
}

func TestGrantWelcomeBonus(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	amount, err := svc.GrantWelcomeBonus(ctx, "ada")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, amount, int64(10000))
	assert.LessOrEqual(t, amount, int64(50000))

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, amount, w.Balance)

	history, err := wallets.History(ctx, "ada", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, wallet.TxWelcomeBonus, history[0].Type)
}

func TestGrantWelcomeBonusOncePerUser(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	first, err := svc.GrantWelcomeBonus(ctx, "ada")
	require.NoError(t, err)

	_, err = svc.GrantWelcomeBonus(ctx, "ada")
	assert.ErrorIs(t, err, ErrAlreadyGranted)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, first, w.Balance, "replayed grant must not credit again")
}

func TestGrantReferralBonus(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	amount, err := svc.GrantReferralBonus(ctx, "ada", "chidi")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), amount)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), w.Balance)

	history, err := wallets.History(ctx, "ada", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, wallet.TxReferralBonus, history[0].Type)
}

func TestGrantReferralBonusReplay(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	_, err := svc.GrantReferralBonus(ctx, "ada", "chidi")
	require.NoError(t, err)

	_, err = svc.GrantReferralBonus(ctx, "ada", "chidi")
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), w.Balance)
}

func TestGrantReferralBonusDifferentReferrer(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GrantReferralBonus(ctx, "ada", "chidi")
	require.NoError(t, err)

	_, err = svc.GrantReferralBonus(ctx, "emeka", "chidi")
	assert.ErrorIs(t, err, ErrDuplicateReferral)
}

func TestGrantReferralBonusSelf(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GrantReferralBonus(context.Background(), "ada", "ada")
	assert.ErrorIs(t, err, ErrSelfReferral)
}

func TestGrantReferralBonusConcurrent(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GrantReferralBonus(ctx, "ada", "chidi"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one concurrent grant should pay")

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(20000), w.Balance)
}

func TestClaimStreakFirstDay(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	result, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.Amount)
	assert.Equal(t, 1, result.Streak)
	assert.False(t, result.AlreadyClaimed)
	assert.False(t, result.Flagged)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance)
}

func TestClaimStreakReplaySameDay(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	_, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)

	result, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyClaimed)
	assert.Zero(t, result.Amount)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance, "replayed claim must not credit again")
}

func TestClaimStreakConsecutiveDays(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		svc.nowFn = func() time.Time { return day }
		result, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, i+1, result.Streak)

		wantMultiplier := i + 1
		if wantMultiplier > 7 {
			wantMultiplier = 7
		}
		assert.Equal(t, int64(1000*wantMultiplier), result.Amount,
			"award on day %d", i+1)

		day = day.AddDate(0, 0, 1)
	}

	// 1+2+3+4+5+6+7 for the ramp, then 7 for each capped day.
	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(1000*(28+3*7)), w.Balance)
}

func TestClaimStreakGapResets(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.nowFn = func() time.Time { return day }
	_, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)

	day = day.AddDate(0, 0, 1)
	svc.nowFn = func() time.Time { return day }
	result, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Streak)

	// Miss a day.
	day = day.AddDate(0, 0, 2)
	svc.nowFn = func() time.Time { return day }
	result, err = svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Streak)
	assert.Equal(t, int64(1000), result.Amount)
}

func TestClaimStreakIPChurnFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var last *StreakResult
	for i, ip := range ips {
		svc.nowFn = func() time.Time { return day }
		result, err := svc.ClaimStreak(ctx, "ada", ip)
		require.NoError(t, err)
		last = result
		if i < 3 {
			assert.False(t, result.Flagged, "claim %d should not be flagged yet", i+1)
		}
		day = day.AddDate(0, 0, 1)
	}

	// Four IP switches by the fifth claim, past the advisory threshold.
	assert.True(t, last.Flagged)
	assert.Equal(t, 5, last.Streak, "flagging is advisory, the award still lands")
	assert.Equal(t, int64(5000), last.Amount)
}

func TestClaimStreakStableIPNeverFlagged(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		svc.nowFn = func() time.Time { return day }
		result, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, result.Flagged)
		day = day.AddDate(0, 0, 1)
	}
}

func TestStreakHashDeterministic(t *testing.T) {
	a := streakHash("2026-03-01", "ada", "secret")
	b := streakHash("2026-03-01", "ada", "secret")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, streakHash("2026-03-02", "ada", "secret"))
	assert.NotEqual(t, a, streakHash("2026-03-01", "chidi", "secret"))
	assert.NotEqual(t, a, streakHash("2026-03-01", "ada", "other"))
}

// failOnceWalletStore fails the first Credit and then behaves normally,
// mimicking a transient database outage between the reward record and
// the ledger write.
type failOnceWalletStore struct {
	wallet.Store
	mu     sync.Mutex
	failed bool
}

func (f *failOnceWalletStore) Credit(ctx context.Context, userID string, amount int64, txType wallet.TxType, description, reference string) error {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return errors.New("connection reset")
	}
	return f.Store.Credit(ctx, userID, amount, txType, description, reference)
}

func TestGrantWelcomeBonusRetriesAfterCreditFailure(t *testing.T) {
	wallets := wallet.NewService(&failOnceWalletStore{Store: wallet.NewMemoryStore()})
	svc := NewService(NewMemoryStore(), wallets, Options{
		WelcomeMin: 10000, WelcomeMax: 10000,
	})
	ctx := context.Background()

	_, err := svc.GrantWelcomeBonus(ctx, "ada")
	require.Error(t, err)

	// The failed attempt must not burn the one-time grant.
	amount, err := svc.GrantWelcomeBonus(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), amount)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), w.Balance)
}

func TestClaimStreakRetriesAfterCreditFailure(t *testing.T) {
	wallets := wallet.NewService(&failOnceWalletStore{Store: wallet.NewMemoryStore()})
	svc := NewService(NewMemoryStore(), wallets, Options{
		StreakBase:   1000,
		StreakSecret: "test-secret",
	})
	ctx := context.Background()

	_, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.Error(t, err)

	// The failed attempt must not consume today's claim.
	result, err := svc.ClaimStreak(ctx, "ada", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, result.AlreadyClaimed)
	assert.Equal(t, 1, result.Streak)
	assert.Equal(t, int64(1000), result.Amount)

	w, err := wallets.GetOrCreate(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance)
}
