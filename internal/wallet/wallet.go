// Package wallet tracks user balances and the append-only transaction ledger.
//
// Flow:
//  1. A gateway deposit or reward credits the wallet
//  2. Purchases move funds into the seller's escrow sub-balance
//  3. Escrow release credits the seller (gross, then fee debit)
//  4. Withdrawal debits the wallet before the payout is initiated
//
// Every balance mutation lands together with exactly one ledger entry in a
// single atomic unit. A mutation without its entry, or the reverse, is an
// integrity violation, not an error state the caller can handle.
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/pagination"
)

var (
	ErrWalletNotFound = errors.New("wallet: wallet not found")
	ErrInvalidAmount  = errors.New("wallet: amount must be positive")
	ErrInvalidTxType  = errors.New("wallet: unknown transaction type")
	ErrInvalidCursor  = errors.New("wallet: invalid history cursor")
)

// InsufficientFundsError is a domain error: the request was valid but the
// wallet cannot cover it. Never retried automatically.
type InsufficientFundsError struct {
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance, available ₦%s", money.Format(e.Available))
}

// DriftError reports a wallet whose balance does not match the signed sum
// of its ledger entries. This means an atomic-unit guarantee was broken
// somewhere; processing for the wallet must stop rather than continue.
type DriftError struct {
	UserID     string
	Balance    int64
	LedgerSum  int64
	Difference int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("wallet %s ledger drift: balance %s, ledger sum %s",
		e.UserID, money.Format(e.Balance), money.Format(e.LedgerSum))
}

// TxType classifies a ledger entry.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxWithdrawal    TxType = "withdrawal"
	TxSale          TxType = "sale"
	TxPurchase      TxType = "purchase"
	TxRefund        TxType = "refund"
	TxBoost         TxType = "boost"
	TxReferralBonus TxType = "referral_bonus"
	TxWelcomeBonus  TxType = "welcome_bonus"
	TxEscrowHold    TxType = "escrow_hold"
	TxEscrowRelease TxType = "escrow_release"
	TxEscrowRefund  TxType = "escrow_refund"
	TxPlatformFee   TxType = "platform_fee"
	TxGiftSent      TxType = "gift_sent"
	TxGiftReceived  TxType = "gift_received"
	TxRewardEarned  TxType = "reward_earned"
	TxRewardRedeem  TxType = "reward_redeemed"
	TxTransferIn    TxType = "transfer_in"
	TxTransferOut   TxType = "transfer_out"
)

var validTxTypes = map[TxType]bool{
	TxDeposit: true, TxWithdrawal: true, TxSale: true, TxPurchase: true,
	TxRefund: true, TxBoost: true, TxReferralBonus: true, TxWelcomeBonus: true,
	TxEscrowHold: true, TxEscrowRelease: true, TxEscrowRefund: true,
	TxPlatformFee: true, TxGiftSent: true, TxGiftReceived: true,
	TxRewardEarned: true, TxRewardRedeem: true, TxTransferIn: true,
	TxTransferOut: true,
}

// Wallet is a user's balance record. EscrowBalance is the seller-side
// escrow sub-ledger: funds held against the platform, not spendable.
type Wallet struct {
	UserID        string    `json:"userId"`
	Balance       int64     `json:"balance"` // kobo
	EscrowBalance int64     `json:"escrowBalance"`
	TotalEarned   int64     `json:"totalEarned"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. Amounts are signed kobo:
// credits positive, debits negative. The signed sum of a wallet's entries
// always equals its balance (checked by Reconcile).
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        TxType    `json:"type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists wallets and their ledger. Implementations must apply each
// mutation and its ledger entry as one atomic unit, and must use conditional
// updates (not read-check-write) for anything that can race.
type Store interface {
	GetOrCreate(ctx context.Context, userID string) (*Wallet, error)
	Get(ctx context.Context, userID string) (*Wallet, error)
	// Credit adds amount to the balance and appends a positive entry.
	Credit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error
	// Debit subtracts amount iff balance >= amount, appending a negative
	// entry. Returns *InsufficientFundsError when the guard fails.
	Debit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error
	// EscrowHold debits the buyer and raises the seller's escrow
	// sub-balance in one atomic unit.
	EscrowHold(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error
	// EscrowRelease lowers the seller's escrow sub-balance and credits
	// their balance with the gross amount, then debits the platform fee as
	// a separate ledger line. TotalEarned grows by the gross amount.
	EscrowRelease(ctx context.Context, sellerID string, amount, fee int64, reference string) error
	// EscrowRefund lowers the seller's escrow sub-balance and credits the
	// buyer with the full amount.
	EscrowRefund(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error
	// History returns ledger entries newest first. A non-nil before cursor
	// restricts the page to entries strictly older than that position.
	History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	// LedgerSum returns the signed sum of all entries for a wallet.
	LedgerSum(ctx context.Context, userID string) (int64, error)
}

// Service is the wallet balance manager.
type Service struct {
	store Store
}

// NewService creates a wallet service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetOrCreate returns the user's wallet, creating a zero-balance one on
// first access. Safe under concurrent first access.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, ErrWalletNotFound
	}
	return s.store.GetOrCreate(ctx, userID)
}

// Credit adds funds to a wallet and records the matching ledger entry.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error {
	if err := validate(amount, txType); err != nil {
		return err
	}
	done := observeOp("credit")
	defer done()

	if _, err := s.store.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	if err := s.store.Credit(ctx, userID, amount, txType, description, reference); err != nil {
		return err
	}
	logging.L(ctx).Info("wallet credited",
		"user", userID, "amount", money.Format(amount), "type", string(txType), "reference", reference)
	return nil
}

// Debit removes funds from a wallet. The balance guard and the ledger entry
// are applied by the store as one atomic unit; concurrent debits cannot
// overdraw.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error {
	if err := validate(amount, txType); err != nil {
		return err
	}
	done := observeOp("debit")
	defer done()

	if err := s.store.Debit(ctx, userID, amount, txType, description, reference); err != nil {
		return err
	}
	logging.L(ctx).Info("wallet debited",
		"user", userID, "amount", money.Format(amount), "type", string(txType), "reference", reference)
	return nil
}

// EscrowHold moves amount from the buyer's balance into the seller's escrow
// sub-balance. Fails with *InsufficientFundsError if the buyer lacks funds.
func (s *Service) EscrowHold(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	done := observeOp("escrow_hold")
	defer done()

	// Both wallets must exist before the hold runs.
	if _, err := s.store.GetOrCreate(ctx, buyerID); err != nil {
		return err
	}
	if _, err := s.store.GetOrCreate(ctx, sellerID); err != nil {
		return err
	}
	return s.store.EscrowHold(ctx, buyerID, sellerID, amount, reference)
}

// EscrowRelease pays the seller: gross credit, then the platform fee as a
// separate debit, so the seller's statement shows both lines.
func (s *Service) EscrowRelease(ctx context.Context, sellerID string, amount, fee int64, reference string) error {
	if amount <= 0 || fee < 0 || fee > amount {
		return ErrInvalidAmount
	}
	done := observeOp("escrow_release")
	defer done()
	return s.store.EscrowRelease(ctx, sellerID, amount, fee, reference)
}

// EscrowRefund returns escrowed funds to the buyer in full.
func (s *Service) EscrowRefund(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	done := observeOp("escrow_refund")
	defer done()
	return s.store.EscrowRefund(ctx, buyerID, sellerID, amount, reference)
}

// History returns a wallet's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit, nil)
}

// HistoryPage returns one page of ledger entries plus an opaque cursor for
// the next page. An empty cursor starts from the newest entry.
func (s *Service) HistoryPage(ctx context.Context, userID string, limit int, cursor string) ([]*Transaction, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	txns, err := s.store.History(ctx, userID, limit+1, before)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, more, nil
}

// Reconcile checks the ledger invariant for one wallet: the signed sum of
// its entries must equal the balance. A mismatch is returned as *DriftError
// and logged at error level; callers must stop processing for that wallet.
func (s *Service) Reconcile(ctx context.Context, userID string) error {
	w, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	sum, err := s.store.LedgerSum(ctx, userID)
	if err != nil {
		return err
	}
	if sum != w.Balance {
		drift := &DriftError{
			UserID:     userID,
			Balance:    w.Balance,
			LedgerSum:  sum,
			Difference: w.Balance - sum,
		}
		logging.L(ctx).Error("CRITICAL: wallet ledger drift detected",
			"user", userID, "balance", money.Format(w.Balance), "ledger_sum", money.Format(sum))
		return drift
	}
	return nil
}

func validate(amount int64, txType TxType) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if !validTxTypes[txType] {
		return ErrInvalidTxType
	}
	return nil
}

func generateTxID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("txn_%x", b)
}
