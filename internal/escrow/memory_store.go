package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and no-DB mode.
type MemoryStore struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status, reason string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}

	matched := false
	for _, f := range from {
		if e.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	e.Status = to
	e.UpdatedAt = now
	if reason != "" {
		e.DisputeReason = reason
	}
	if to == StatusReleased {
		e.ReleasedAt = &now
	} else {
		// A revert out of released must not leave the stamp behind.
		e.ReleasedAt = nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) SetConfirmed(ctx context.Context, id string, buyer bool) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if buyer {
		e.BuyerConfirmed = true
	} else {
		e.SellerConfirmed = true
	}
	e.UpdatedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
