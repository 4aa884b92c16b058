//go:build integration

package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/obike/campuspay/internal/testutil"
)

func TestPostgres_CreditAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	err := store.Credit(ctx, "user-pg-1", 150000, TxDeposit, "card deposit", "ref-a1")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	w, err := store.Get(ctx, "user-pg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if w.Balance != 150000 {
		t.Errorf("Expected balance 150000, got %d", w.Balance)
	}
}

func TestPostgres_DebitInsufficient(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user-pg-2", 5000, TxDeposit, "deposit", "ref-b1")

	err := store.Debit(ctx, "user-pg-2", 10000, TxPurchase, "overdraft attempt", "ref-b2")
	var insErr *InsufficientFundsError
	if !errors.As(err, &insErr) {
		t.Fatalf("Expected InsufficientFundsError, got %v", err)
	}
	if insErr.Available != 5000 {
		t.Errorf("Expected available 5000 in error, got %d", insErr.Available)
	}

	w, _ := store.Get(ctx, "user-pg-2")
	if w.Balance != 5000 {
		t.Errorf("Balance changed after failed debit: %d", w.Balance)
	}
}

func TestPostgres_EscrowHoldReleaseRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.GetOrCreate(ctx, "buyer-pg")
	store.GetOrCreate(ctx, "seller-pg")
	store.Credit(ctx, "buyer-pg", 500000, TxDeposit, "deposit", "ref-c1")

	if err := store.EscrowHold(ctx, "buyer-pg", "seller-pg", 300000, "esc_abc"); err != nil {
		t.Fatalf("EscrowHold failed: %v", err)
	}

	buyer, _ := store.Get(ctx, "buyer-pg")
	seller, _ := store.Get(ctx, "seller-pg")
	if buyer.Balance != 200000 {
		t.Errorf("Buyer balance after hold: got %d, want 200000", buyer.Balance)
	}
	if seller.EscrowBalance != 300000 {
		t.Errorf("Seller escrow after hold: got %d, want 300000", seller.EscrowBalance)
	}

	if err := store.EscrowRelease(ctx, "seller-pg", 300000, 15000, "esc_abc"); err != nil {
		t.Fatalf("EscrowRelease failed: %v", err)
	}

	seller, _ = store.Get(ctx, "seller-pg")
	if seller.EscrowBalance != 0 {
		t.Errorf("Seller escrow after release: got %d, want 0", seller.EscrowBalance)
	}
	if seller.Balance != 285000 {
		t.Errorf("Seller balance after release: got %d, want 285000", seller.Balance)
	}
	if seller.TotalEarned != 300000 {
		t.Errorf("Seller total earned: got %d, want 300000", seller.TotalEarned)
	}

	// A second release against a drained escrow balance must fail.
	err := store.EscrowRelease(ctx, "seller-pg", 300000, 15000, "esc_abc")
	if err == nil {
		t.Fatal("Expected second release to fail")
	}
}

func TestPostgres_EscrowRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.GetOrCreate(ctx, "buyer-rf")
	store.GetOrCreate(ctx, "seller-rf")
	store.Credit(ctx, "buyer-rf", 500000, TxDeposit, "deposit", "ref-d1")
	store.EscrowHold(ctx, "buyer-rf", "seller-rf", 300000, "esc_rf")

	if err := store.EscrowRefund(ctx, "buyer-rf", "seller-rf", 300000, "esc_rf"); err != nil {
		t.Fatalf("EscrowRefund failed: %v", err)
	}

	buyer, _ := store.Get(ctx, "buyer-rf")
	seller, _ := store.Get(ctx, "seller-rf")
	if buyer.Balance != 500000 {
		t.Errorf("Buyer balance after refund: got %d, want 500000", buyer.Balance)
	}
	if seller.EscrowBalance != 0 {
		t.Errorf("Seller escrow after refund: got %d, want 0", seller.EscrowBalance)
	}
}

func TestPostgres_LedgerSumMatchesBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user-pg-5", 100000, TxDeposit, "deposit", "ref-e1")
	store.Debit(ctx, "user-pg-5", 30000, TxPurchase, "purchase", "ref-e2")
	store.Credit(ctx, "user-pg-5", 5000, TxReferralBonus, "referral", "ref-e3")

	sum, err := store.LedgerSum(ctx, "user-pg-5")
	if err != nil {
		t.Fatalf("LedgerSum failed: %v", err)
	}
	w, _ := store.Get(ctx, "user-pg-5")
	if sum != w.Balance {
		t.Errorf("Ledger sum %d does not match balance %d", sum, w.Balance)
	}
	if sum != 75000 {
		t.Errorf("Expected ledger sum 75000, got %d", sum)
	}
}

func TestPostgres_ConcurrentDebits_NoOverdraft(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user-pg-6", 50000, TxDeposit, "deposit", "ref-f0")

	// 20 concurrent debits of 10000 each, only 5 can succeed.
	var wg sync.WaitGroup
	var success int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Debit(ctx, "user-pg-6", 10000, TxPurchase, "concurrent spend", "")
			if err == nil {
				atomic.AddInt32(&success, 1)
			}
		}()
	}
	wg.Wait()

	if success != 5 {
		t.Errorf("Expected exactly 5 successful debits, got %d", success)
	}

	w, _ := store.Get(ctx, "user-pg-6")
	if w.Balance != 0 {
		t.Errorf("Expected balance 0 after draining, got %d", w.Balance)
	}

	sum, _ := store.LedgerSum(ctx, "user-pg-6")
	if sum != 0 {
		t.Errorf("Expected ledger sum 0 after draining, got %d", sum)
	}
}

func TestPostgres_History(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user-pg-7", 100000, TxDeposit, "deposit", "ref-g1")
	store.Debit(ctx, "user-pg-7", 20000, TxPurchase, "purchase 1", "ref-g2")
	store.Debit(ctx, "user-pg-7", 10000, TxPurchase, "purchase 2", "ref-g3")

	entries, err := store.History(ctx, "user-pg-7", 10, nil)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	if entries[0].Type != TxPurchase || entries[0].Amount != -10000 {
		t.Errorf("Expected newest entry first, got %s %d", entries[0].Type, entries[0].Amount)
	}
}
