// Package escrow implements buyer protection for marketplace purchases.
//
// Flow:
//  1. Buyer pays → funds leave the buyer's balance into the seller's
//     escrow sub-balance, escrow record lands in "held"
//  2. Both sides confirm delivery (flags only)
//  3. Release → seller is credited the gross amount, then debited the
//     platform fee as its own ledger line
//  4. Refund → full amount back to the buyer, no fee
//  5. Dispute → frozen in "disputed" until support releases or refunds
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/traces"
)

var (
	ErrEscrowNotFound       = errors.New("escrow: not found")
	ErrInvalidTransition    = errors.New("escrow: invalid status transition")
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrSameParty            = errors.New("escrow: buyer and seller cannot be the same user")
	ErrUnauthorized         = errors.New("escrow: caller is not a party to this escrow")
	ErrFeePercentOutOfRange = errors.New("escrow: fee percent must be between 3 and 6")
)

// Status represents the state of an escrow record.
type Status string

const (
	StatusHeld     Status = "held"     // buyer funds locked in seller's escrow sub-balance
	StatusReleased Status = "released" // funds paid out to seller, fee collected
	StatusRefunded Status = "refunded" // funds returned to buyer in full
	StatusDisputed Status = "disputed" // frozen pending support resolution
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Escrow is one protected purchase. Amounts are in kobo.
type Escrow struct {
	ID              string     `json:"id"`
	BuyerID         string     `json:"buyerId"`
	SellerID        string     `json:"sellerId"`
	ProductRef      string     `json:"productRef,omitempty"`
	Amount          int64      `json:"amount"`
	PlatformFee     int64      `json:"platformFee"`
	FeePercent      float64    `json:"feePercent"`
	Status          Status     `json:"status"`
	BuyerConfirmed  bool       `json:"buyerConfirmed"`
	SellerConfirmed bool       `json:"sellerConfirmed"`
	DisputeReason   string     `json:"disputeReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
}

// Store persists escrow records. Transition is the concurrency-critical
// operation: implementations must claim the status change with a single
// conditional update so two racing resolvers cannot both win.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Transition moves the escrow to the target status iff its current
	// status is one of from. Returns the updated record, or
	// ErrInvalidTransition when the claim fails, or ErrEscrowNotFound.
	// reason is persisted as the dispute reason when non-empty.
	Transition(ctx context.Context, id string, from []Status, to Status, reason string) (*Escrow, error)
	// SetConfirmed flips the buyer or seller confirmation flag.
	SetConfirmed(ctx context.Context, id string, buyer bool) (*Escrow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
}

// WalletService abstracts the fund movements escrow needs, so this
// package does not import wallet.
type WalletService interface {
	EscrowHold(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error
	EscrowRelease(ctx context.Context, sellerID string, amount, fee int64, reference string) error
	EscrowRefund(ctx context.Context, buyerID, sellerID string, amount int64, reference string) error
}

// Notifier is told about releases so the seller can be pinged. Optional.
type Notifier interface {
	EscrowReleased(ctx context.Context, sellerID, escrowID string, net int64)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	BuyerID    string  `json:"buyerId" binding:"required"`
	SellerID   string  `json:"sellerId" binding:"required"`
	ProductRef string  `json:"productRef"`
	Amount     int64   `json:"-"`
	FeePercent float64 `json:"feePercent"`
}

// DisputeRequest carries the buyer's complaint.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	wallets  WalletService
	notifier Notifier
	feePct   float64
}

// NewService creates an escrow service. defaultFeePercent is used when a
// create request does not carry its own rate.
func NewService(store Store, wallets WalletService, defaultFeePercent float64) *Service {
	return &Service{store: store, wallets: wallets, feePct: defaultFeePercent}
}

// WithNotifier attaches a release notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens an escrow: the buyer's balance is debited and the seller's
// escrow sub-balance raised in one atomic wallet operation, after which the
// record lands in held. A failed debit (insufficient funds) surfaces as-is
// and leaves no record behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}

	pct := req.FeePercent
	if pct == 0 {
		pct = s.feePct
	}
	if pct < 3 || pct > 6 {
		return nil, ErrFeePercentOutOfRange
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.UserID(req.BuyerID), traces.Amount(money.Format(req.Amount)))
	defer span.End()

	now := time.Now()
	e := &Escrow{
		ID:          generateEscrowID(),
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		ProductRef:  req.ProductRef,
		Amount:      req.Amount,
		PlatformFee: money.Fee(req.Amount, int64(math.Round(pct*100))),
		FeePercent:  pct,
		Status:      StatusHeld,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Funds move first. A record without funds would read as a held
	// purchase that never was, so the insert only happens once the
	// buyer's debit has succeeded.
	if err := s.wallets.EscrowHold(ctx, e.BuyerID, e.SellerID, e.Amount, e.ID); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, e); err != nil {
		// Funds are locked with no record tracking them. Put the money
		// back rather than strand it.
		if revertErr := s.wallets.EscrowRefund(ctx, e.BuyerID, e.SellerID, e.Amount, e.ID); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds held but record insert and refund both failed",
				"escrowId", e.ID, "buyerId", e.BuyerID, "amount", e.Amount, "error", revertErr)
		}
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	logging.L(ctx).Info("escrow created",
		"escrowId", e.ID, "buyerId", e.BuyerID, "sellerId", e.SellerID,
		"amount", e.Amount, "fee", e.PlatformFee)
	observeTransition("create")
	return e, nil
}

// ConfirmBuyer flags buyer confirmation. It does not move funds.
func (s *Service) ConfirmBuyer(ctx context.Context, id, callerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != e.BuyerID {
		return nil, ErrUnauthorized
	}
	if e.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	return s.store.SetConfirmed(ctx, id, true)
}

// ConfirmSeller flags seller confirmation. It does not move funds.
func (s *Service) ConfirmSeller(ctx context.Context, id, callerID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != e.SellerID {
		return nil, ErrUnauthorized
	}
	if e.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	return s.store.SetConfirmed(ctx, id, false)
}

// Release pays the seller: gross credit, then the platform fee debited as a
// separate ledger line. Legal from held, and from disputed when support
// resolves in the seller's favor. The status claim happens first so only
// one caller can move the funds; if the fund move then fails, the claim is
// reverted.
func (s *Service) Release(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	from := []Status{StatusHeld, StatusDisputed}
	e, err := s.store.Transition(ctx, id, from, StatusReleased, "")
	if err != nil {
		return nil, err
	}

	if err := s.wallets.EscrowRelease(ctx, e.SellerID, e.Amount, e.PlatformFee, e.ID); err != nil {
		if _, revertErr := s.store.Transition(ctx, id, []Status{StatusReleased}, StatusHeld, ""); revertErr != nil {
			// Claimed released but funds never moved and the revert
			// failed too. Needs manual resolution.
			logging.L(ctx).Error("CRITICAL: escrow claimed released but funds not moved and revert failed",
				"escrowId", id, "sellerId", e.SellerID, "amount", e.Amount, "error", revertErr)
		}
		return nil, fmt.Errorf("release escrow funds: %w", err)
	}

	logging.L(ctx).Info("escrow released",
		"escrowId", e.ID, "sellerId", e.SellerID,
		"gross", e.Amount, "fee", e.PlatformFee, "net", e.Amount-e.PlatformFee)
	observeTransition("release")

	if s.notifier != nil {
		s.notifier.EscrowReleased(ctx, e.SellerID, e.ID, e.Amount-e.PlatformFee)
	}
	return e, nil
}

// Refund returns the full amount to the buyer. No fee is taken. Legal from
// held and disputed.
func (s *Service) Refund(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	from := []Status{StatusHeld, StatusDisputed}
	e, err := s.store.Transition(ctx, id, from, StatusRefunded, "")
	if err != nil {
		return nil, err
	}

	if err := s.wallets.EscrowRefund(ctx, e.BuyerID, e.SellerID, e.Amount, e.ID); err != nil {
		if _, revertErr := s.store.Transition(ctx, id, []Status{StatusRefunded}, StatusHeld, ""); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow claimed refunded but funds not moved and revert failed",
				"escrowId", id, "buyerId", e.BuyerID, "amount", e.Amount, "error", revertErr)
		}
		return nil, fmt.Errorf("refund escrow funds: %w", err)
	}

	logging.L(ctx).Info("escrow refunded",
		"escrowId", e.ID, "buyerId", e.BuyerID, "amount", e.Amount)
	observeTransition("refund")
	return e, nil
}

// Dispute freezes a held escrow. Funds stay in the seller's escrow
// sub-balance until support releases or refunds.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != cur.BuyerID && callerID != cur.SellerID {
		return nil, ErrUnauthorized
	}

	e, err := s.store.Transition(ctx, id, []Status{StatusHeld}, StatusDisputed, reason)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Warn("escrow disputed",
		"escrowId", e.ID, "by", callerID, "reason", reason)
	observeTransition("dispute")
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func generateEscrowID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("esc_%x", b)
}
