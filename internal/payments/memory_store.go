package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and no-DB mode.
type MemoryStore struct {
	mu          sync.Mutex
	payments    map[string]*Payment
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]*Payment),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[p.TransactionRef]; exists {
		return ErrDuplicateReference
	}
	cp := *p
	m.payments[p.TransactionRef] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, ref string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[ref]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetCheckout(ctx context.Context, ref, provider, checkoutURL, accessCode string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[ref]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Provider = provider
	p.CheckoutURL = checkoutURL
	p.AccessCode = accessCode
	if raw != nil {
		p.RawResponse = raw
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClaimPayment(ctx context.Context, ref string, to Status, raw []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[ref]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if p.Status != StatusPending {
		return false, nil
	}
	now := time.Now()
	p.Status = to
	p.UpdatedAt = now
	if to == StatusSuccess {
		p.PaidAt = &now
	}
	if raw != nil {
		p.RawResponse = raw
	}
	return true, nil
}

func (m *MemoryStore) RevertPaymentClaim(ctx context.Context, ref string, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[ref]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != from {
		return nil
	}
	p.Status = StatusPending
	p.PaidAt = nil
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWithdrawalByTransferRef(ctx context.Context, transferRef string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.withdrawals {
		if w.TransferRef == transferRef {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWithdrawalNotFound
}

func (m *MemoryStore) SetWithdrawalTransfer(ctx context.Context, id, transferRef, accountName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	w.TransferRef = transferRef
	if accountName != "" {
		w.AccountName = accountName
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClaimWithdrawal(ctx context.Context, id string, to Status, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return false, ErrWithdrawalNotFound
	}
	if w.Status != StatusPending {
		return false, nil
	}
	w.Status = to
	if reason != "" {
		w.FailureReason = reason
	}
	w.UpdatedAt = time.Now()
	return true, nil
}
