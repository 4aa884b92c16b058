// Package gateway provides clients for the external payment processors.
//
// Two provider variants sit behind one interface: a REST provider for
// bank, ussd and transfer channels, and a Stripe provider for cards.
// The Selector picks providers per channel in priority order and tracks
// usage on an injected counter so callers own the state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrGatewayUnavailable is returned once retries against a provider are
// exhausted or its circuit is open.
var ErrGatewayUnavailable = errors.New("gateway: provider unavailable")

// ErrNoProvider is returned when no provider serves the requested channel.
var ErrNoProvider = errors.New("gateway: no provider for channel")

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 30 * time.Second

// Kind classifies a provider failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindServer      Kind = "server"
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindDeclined    Kind = "declined"
)

// Error is a classified provider failure. Message holds the provider's
// detail for logs; UserMessage is safe to show to end users.
type Error struct {
	Kind        Kind
	Status      int
	Message     string
	UserMessage string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// Retryable reports whether the failure class is worth another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	}
	return false
}

// Channel names accepted by InitializePayment.
const (
	ChannelCard     = "card"
	ChannelBank     = "bank"
	ChannelUSSD     = "ussd"
	ChannelTransfer = "bank_transfer"
)

// InitRequest starts a hosted checkout. Amount is in kobo.
type InitRequest struct {
	Reference string
	UserID    string
	Email     string
	Amount    int64
	Channel   string
}

// InitResult is the hosted checkout handle.
type InitResult struct {
	Reference   string
	CheckoutURL string
	AccessCode  string
	Provider    string
}

// VerifyResult is the provider's view of a transaction.
type VerifyResult struct {
	Reference string
	Status    string // success, failed, abandoned, pending
	Amount    int64
	PaidAt    time.Time
	Channel   string
	RawStatus string
}

// PayoutRequest sends money to a bank account. Amount is in kobo.
type PayoutRequest struct {
	Reference     string
	Amount        int64
	BankCode      string
	AccountNumber string
	AccountName   string
	Narration     string
}

// PayoutResult is the provider's transfer handle.
type PayoutResult struct {
	TransferRef string
	Status      string
}

// Account is a resolved bank account.
type Account struct {
	AccountNumber string
	AccountName   string
	BankCode      string
}

// Client is one payment processor.
type Client interface {
	Name() string
	// Channels lists the deposit channels this provider serves.
	Channels() []string
	InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error)
	VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	LookupAccount(ctx context.Context, accountNumber, bankCode string) (*Account, error)
}

// Usage tracks how often each provider was chosen. It is injected into
// the Selector so the owner decides its lifetime and visibility.
type Usage struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewUsage creates an empty usage counter.
func NewUsage() *Usage {
	return &Usage{counts: make(map[string]int64)}
}

// Record notes one selection of the named provider.
func (u *Usage) Record(provider string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[provider]++
}

// Count returns the selection count for a provider.
func (u *Usage) Count(provider string) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[provider]
}

// Snapshot copies the current counts.
func (u *Usage) Snapshot() map[string]int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int64, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}

// Selector picks providers per channel. Registration order is priority
// order: the first provider serving a channel is tried first.
type Selector struct {
	providers []Client
	usage     *Usage
}

// NewSelector creates a selector over the given providers.
func NewSelector(usage *Usage, providers ...Client) *Selector {
	return &Selector{providers: providers, usage: usage}
}

// ForChannel returns the providers serving a channel, in priority order,
// recording usage of the first. Returns ErrNoProvider when none match.
func (s *Selector) ForChannel(channel string) ([]Client, error) {
	var out []Client
	for _, p := range s.providers {
		for _, ch := range p.Channels() {
			if ch == channel {
				out = append(out, p)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, channel)
	}
	s.usage.Record(out[0].Name())
	return out, nil
}

// ByName returns the named provider, or nil.
func (s *Selector) ByName(name string) Client {
	for _, p := range s.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}
