package rewards

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and no-DB mode.
type MemoryStore struct {
	mu        sync.Mutex
	welcome   map[string]int64     // userID -> amount
	referrals map[string]*Referral // referredID -> referral
	claims    map[string]*StreakClaim
	profiles  map[string]*StreakProfile
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		welcome:   make(map[string]int64),
		referrals: make(map[string]*Referral),
		claims:    make(map[string]*StreakClaim),
		profiles:  make(map[string]*StreakProfile),
	}
}

func (m *MemoryStore) CreateWelcomeGrant(ctx context.Context, userID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.welcome[userID]; exists {
		return false, nil
	}
	m.welcome[userID] = amount
	return true, nil
}

func (m *MemoryStore) RevertWelcomeGrant(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.welcome, userID)
	return nil
}

func (m *MemoryStore) ClaimReferral(ctx context.Context, referrerID, referredID string, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.referrals[referredID]
	if !exists {
		r = &Referral{
			ID:         generateReferralID(),
			ReferrerID: referrerID,
			ReferredID: referredID,
			CreatedAt:  time.Now(),
		}
		m.referrals[referredID] = r
	}
	if r.ReferrerID != referrerID {
		return false, ErrDuplicateReferral
	}
	if r.BonusPaid {
		return false, nil
	}
	now := time.Now()
	r.BonusPaid = true
	r.BonusAmount = amount
	r.PaidAt = &now
	return true, nil
}

func (m *MemoryStore) RevertReferralClaim(ctx context.Context, referredID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.referrals[referredID]; ok {
		r.BonusPaid = false
		r.BonusAmount = 0
		r.PaidAt = nil
	}
	return nil
}

func (m *MemoryStore) InsertStreakClaim(ctx context.Context, c *StreakClaim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.claims[c.ClaimHash]; exists {
		return false, nil
	}
	cp := *c
	m.claims[c.ClaimHash] = &cp
	return true, nil
}

func (m *MemoryStore) RevertStreakClaim(ctx context.Context, claimHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, claimHash)
	return nil
}

func (m *MemoryStore) GetStreakProfile(ctx context.Context, userID string) (*StreakProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return &StreakProfile{UserID: userID}, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SaveStreakProfile(ctx context.Context, p *StreakProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.UserID] = &cp
	return nil
}

func generateReferralID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("ref_%x", b)
}
