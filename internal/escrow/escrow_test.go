package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obike/campuspay/internal/wallet"
)

func newTestService(t *testing.T) (*Service, *wallet.Service) {
	t.Helper()
	wallets := wallet.NewService(wallet.NewMemoryStore())
	svc := NewService(NewMemoryStore(), wallets, 5.0)
	return svc, wallets
}

func fund(t *testing.T, wallets *wallet.Service, userID string, kobo int64) {
	t.Helper()
	if err := wallets.Credit(context.Background(), userID, kobo, wallet.TxDeposit, "test deposit", ""); err != nil {
		t.Fatalf("fund %s: %v", userID, err)
	}
}

func TestCreate_HoldsBuyerFunds(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", ProductRef: "textbook-101",
		Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, esc.Status)
	assert.Equal(t, int64(15000), esc.PlatformFee)

	buyer, _ := wallets.GetOrCreate(ctx, "buyer1")
	seller, _ := wallets.GetOrCreate(ctx, "seller1")
	assert.Equal(t, int64(200000), buyer.Balance)
	assert.Equal(t, int64(300000), seller.EscrowBalance)
	assert.Equal(t, int64(0), seller.Balance)
}

func TestCreate_InsufficientFunds(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 100000)

	_, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	var insErr *wallet.InsufficientFundsError
	require.ErrorAs(t, err, &insErr)

	buyer, _ := wallets.GetOrCreate(ctx, "buyer1")
	assert.Equal(t, int64(100000), buyer.Balance, "failed create must not touch the balance")

	for _, userID := range []string{"buyer1", "seller1"} {
		escrows, err := svc.ListByUser(ctx, userID, 10)
		require.NoError(t, err)
		assert.Empty(t, escrows, "failed create must not leave a record for %s", userID)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "u1", 100000)

	_, err := svc.Create(ctx, CreateRequest{BuyerID: "u1", SellerID: "u1", Amount: 1000, FeePercent: 5})
	assert.ErrorIs(t, err, ErrSameParty)

	_, err = svc.Create(ctx, CreateRequest{BuyerID: "u1", SellerID: "u2", Amount: 0, FeePercent: 5})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Create(ctx, CreateRequest{BuyerID: "u1", SellerID: "u2", Amount: 1000, FeePercent: 10})
	assert.ErrorIs(t, err, ErrFeePercentOutOfRange)

	_, err = svc.Create(ctx, CreateRequest{BuyerID: "u1", SellerID: "u2", Amount: 1000, FeePercent: 2.5})
	assert.ErrorIs(t, err, ErrFeePercentOutOfRange)
}

func TestRelease_GrossCreditThenFeeDebit(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)

	released, err := svc.Release(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)

	seller, _ := wallets.GetOrCreate(ctx, "seller1")
	assert.Equal(t, int64(285000), seller.Balance, "net of the 5 percent fee")
	assert.Equal(t, int64(0), seller.EscrowBalance)
	assert.Equal(t, int64(300000), seller.TotalEarned, "total earned tracks gross")

	// The ledger shows the gross sale and the fee as separate lines.
	history, err := wallets.History(ctx, "seller1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, wallet.TxPlatformFee, history[0].Type)
	assert.Equal(t, int64(-15000), history[0].Amount)
	assert.Equal(t, wallet.TxSale, history[1].Type)
	assert.Equal(t, int64(300000), history[1].Amount)
}

func TestRelease_TerminalIsImmutable(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)

	_, err = svc.Release(ctx, esc.ID)
	require.NoError(t, err)

	// Second release must not move funds again.
	_, err = svc.Release(ctx, esc.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Refund(ctx, esc.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	seller, _ := wallets.GetOrCreate(ctx, "seller1")
	assert.Equal(t, int64(285000), seller.Balance)

	history, _ := wallets.History(ctx, "seller1", 10)
	assert.Len(t, history, 2, "no extra ledger entries from rejected transitions")
}

func TestRefund_RestoresBuyerInFull(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)

	refunded, err := svc.Refund(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)

	buyer, _ := wallets.GetOrCreate(ctx, "buyer1")
	seller, _ := wallets.GetOrCreate(ctx, "seller1")
	assert.Equal(t, int64(500000), buyer.Balance, "refund carries no fee")
	assert.Equal(t, int64(0), seller.EscrowBalance)
	assert.Equal(t, int64(0), seller.TotalEarned)
}

func TestDispute_FreezesThenArbitrationResolves(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)

	disputed, err := svc.Dispute(ctx, esc.ID, "buyer1", "item never delivered")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
	assert.Equal(t, "item never delivered", disputed.DisputeReason)

	// Funds stay frozen in the seller's escrow sub-balance.
	seller, _ := wallets.GetOrCreate(ctx, "seller1")
	assert.Equal(t, int64(300000), seller.EscrowBalance)

	// A second dispute is rejected.
	_, err = svc.Dispute(ctx, esc.ID, "seller1", "counter claim")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Support resolves in the seller's favor: release from disputed.
	released, err := svc.Release(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
}

func TestDispute_RefundResolution(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	_, err := svc.Dispute(ctx, esc.ID, "buyer1", "wrong item")
	require.NoError(t, err)

	_, err = svc.Refund(ctx, esc.ID)
	require.NoError(t, err)

	buyer, _ := wallets.GetOrCreate(ctx, "buyer1")
	assert.Equal(t, int64(500000), buyer.Balance)
}

func TestDispute_OnlyPartiesCanDispute(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})

	_, err := svc.Dispute(ctx, esc.ID, "rando", "not my order")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConfirmFlags(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, _ := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})

	_, err := svc.ConfirmBuyer(ctx, esc.ID, "seller1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	e, err := svc.ConfirmBuyer(ctx, esc.ID, "buyer1")
	require.NoError(t, err)
	assert.True(t, e.BuyerConfirmed)
	assert.False(t, e.SellerConfirmed)

	e, err = svc.ConfirmSeller(ctx, esc.ID, "seller1")
	require.NoError(t, err)
	assert.True(t, e.BuyerConfirmed)
	assert.True(t, e.SellerConfirmed)
	assert.Equal(t, StatusHeld, e.Status, "confirmation flags never move funds")
}

func TestConcurrentRelease_ExactlyOneWins(t *testing.T) {
	svc, wallets := newTestService(t)
	ctx := context.Background()
	fund(t, wallets, "buyer1", 500000)

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Release(ctx, esc.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one release claim can win")

	seller, _ := wallets.GetOrCreate(ctx, "seller1")
	assert.Equal(t, int64(285000), seller.Balance)
}

// failingWallets claims succeed but fund moves fail.
type failingWallets struct{}

func (failingWallets) EscrowHold(ctx context.Context, buyerID, sellerID string, amount int64, ref string) error {
	return nil
}
func (failingWallets) EscrowRelease(ctx context.Context, sellerID string, amount, fee int64, ref string) error {
	return errors.New("store unavailable")
}
func (failingWallets) EscrowRefund(ctx context.Context, buyerID, sellerID string, amount int64, ref string) error {
	return nil
}

func TestRelease_RevertsClaimWhenFundsFail(t *testing.T) {
	svc := NewService(NewMemoryStore(), failingWallets{}, 5.0)
	ctx := context.Background()

	esc, err := svc.Create(ctx, CreateRequest{
		BuyerID: "buyer1", SellerID: "seller1", Amount: 300000, FeePercent: 5,
	})
	require.NoError(t, err)

	_, err = svc.Release(ctx, esc.ID)
	require.Error(t, err)

	// The claim was reverted, so a later release can still succeed.
	got, err := svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, got.Status)
	assert.Nil(t, got.ReleasedAt, "reverted claim must not keep the release stamp")
}
