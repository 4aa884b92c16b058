package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/obike/campuspay/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and no-database mode. It
// mirrors the conditional-update semantics of the postgres store: the
// balance guard and the ledger append happen under one lock.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	entries []*Transaction
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
	}
}

func (m *MemoryStore) getOrCreateLocked(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		now := time.Now()
		w = &Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.getOrCreateLocked(userID)
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) appendLocked(userID string, txType TxType, amount int64, description, reference string) {
	m.entries = append(m.entries, &Transaction{
		ID:          generateTxID(),
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		Status:      "completed",
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreateLocked(userID)
	w.Balance += amount
	w.UpdatedAt = time.Now()
	m.appendLocked(userID, txType, amount, description, reference)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount int64, txType TxType, description, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Balance < amount {
		return &InsufficientFundsError{Available: w.Balance, Requested: amount}
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now()
	m.appendLocked(userID, txType, -amount, description, reference)
	return nil
}

func (m *MemoryStore) EscrowHold(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buyer, ok := m.wallets[buyerID]
	if !ok {
		return ErrWalletNotFound
	}
	if buyer.Balance < amount {
		return &InsufficientFundsError{Available: buyer.Balance, Requested: amount}
	}
	seller := m.getOrCreateLocked(sellerID)

	now := time.Now()
	buyer.Balance -= amount
	buyer.UpdatedAt = now
	seller.EscrowBalance += amount
	seller.UpdatedAt = now
	m.appendLocked(buyerID, TxEscrowHold, -amount, "escrow hold", reference)
	return nil
}

func (m *MemoryStore) EscrowRelease(ctx context.Context, sellerID string, amount, fee int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seller, ok := m.wallets[sellerID]
	if !ok {
		return ErrWalletNotFound
	}
	if seller.EscrowBalance < amount {
		return &InsufficientFundsError{Available: seller.EscrowBalance, Requested: amount}
	}

	now := time.Now()
	seller.EscrowBalance -= amount
	seller.Balance += amount
	seller.TotalEarned += amount
	seller.UpdatedAt = now
	m.appendLocked(sellerID, TxSale, amount, "escrow release", reference)

	if fee > 0 {
		seller.Balance -= fee
		m.appendLocked(sellerID, TxPlatformFee, -fee, "platform fee", reference)
	}
	return nil
}

func (m *MemoryStore) EscrowRefund(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seller, ok := m.wallets[sellerID]
	if !ok {
		return ErrWalletNotFound
	}
	if seller.EscrowBalance < amount {
		return &InsufficientFundsError{Available: seller.EscrowBalance, Requested: amount}
	}
	buyer := m.getOrCreateLocked(buyerID)

	now := time.Now()
	seller.EscrowBalance -= amount
	seller.UpdatedAt = now
	buyer.Balance += amount
	buyer.UpdatedAt = now
	m.appendLocked(buyerID, TxEscrowRefund, amount, "escrow refund", reference)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if before != nil {
			after := e.CreatedAt.After(before.CreatedAt) ||
				(e.CreatedAt.Equal(before.CreatedAt) && e.ID >= before.ID)
			if after {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) LedgerSum(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}
