// Package payments tracks money crossing the boundary between the
// external payment processors and the internal wallet ledger.
//
// A deposit has two halves that must reconcile: the gateway's record of
// the charge and our wallet credit. Webhooks are the fast path, polling
// verification the fallback, and both converge on the same conditional
// status claim so a deposit is credited exactly once no matter how many
// times we hear about it.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/obike/campuspay/internal/gateway"
	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/money"
	"github.com/obike/campuspay/internal/traces"
	"github.com/obike/campuspay/internal/wallet"
)

var (
	ErrPaymentNotFound    = errors.New("payments: payment not found")
	ErrWithdrawalNotFound = errors.New("payments: withdrawal not found")
	ErrBadSignature       = errors.New("payments: webhook signature mismatch")
	ErrBadPayload         = errors.New("payments: webhook payload malformed")
	ErrInvalidAmount      = errors.New("payments: amount must be positive")
	ErrDuplicateReference = errors.New("payments: transaction reference already exists")
)

// Status is the lifecycle of a payment or withdrawal. A record starts
// pending and makes exactly one transition to a terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
	StatusCancelled Status = "cancelled"
	StatusReversed  Status = "reversed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Payment is one gateway charge. Amount is in kobo.
type Payment struct {
	TransactionRef string          `json:"transactionRef"`
	UserID         string          `json:"userId"`
	Amount         int64           `json:"amount"`
	Purpose        string          `json:"purpose"`
	Channel        string          `json:"channel"`
	Provider       string          `json:"provider"`
	Status         Status          `json:"status"`
	CheckoutURL    string          `json:"checkoutUrl,omitempty"`
	AccessCode     string          `json:"-"`
	RawResponse    json.RawMessage `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
}

// Withdrawal is one payout to a bank account. Amount is in kobo.
type Withdrawal struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	BankCode      string    `json:"bankCode"`
	AccountNumber string    `json:"accountNumber"`
	AccountName   string    `json:"accountName,omitempty"`
	Status        Status    `json:"status"`
	TransferRef   string    `json:"transferRef,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists payments and withdrawals. The Claim methods are the
// idempotency backbone: they must apply the status change with a single
// conditional update from pending and report whether this caller won.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, ref string) (*Payment, error)
	// SetCheckout records the provider handle after initialization.
	SetCheckout(ctx context.Context, ref, provider, checkoutURL, accessCode string, raw []byte) error
	// ClaimPayment moves ref from pending to the terminal status.
	// Returns false when the payment was already terminal.
	ClaimPayment(ctx context.Context, ref string, to Status, raw []byte) (bool, error)
	// RevertPaymentClaim undoes a claim whose side effect failed.
	RevertPaymentClaim(ctx context.Context, ref string, from Status) error
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	GetWithdrawalByTransferRef(ctx context.Context, transferRef string) (*Withdrawal, error)
	SetWithdrawalTransfer(ctx context.Context, id, transferRef, accountName string) error
	// ClaimWithdrawal moves id from pending to the terminal status.
	ClaimWithdrawal(ctx context.Context, id string, to Status, reason string) (bool, error)
}

// Notifier pushes best-effort events to collaborating services.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, userID, reference string, amount int64)
}

// Service coordinates the gateway, the payment records and the wallet.
type Service struct {
	store         Store
	wallets       *wallet.Service
	selector      *gateway.Selector
	webhookSecret string
	notifier      Notifier
}

// NewService creates the payments service. webhookSecret verifies
// inbound gateway webhooks.
func NewService(store Store, wallets *wallet.Service, selector *gateway.Selector, webhookSecret string) *Service {
	return &Service{
		store:         store,
		wallets:       wallets,
		selector:      selector,
		webhookSecret: webhookSecret,
	}
}

// WithNotifier attaches a payment-confirmed notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// InitializeDeposit creates a pending payment record and a hosted
// checkout for it. Providers serving the channel are tried in priority
// order; the record is only marked failed when all of them refuse.
func (s *Service) InitializeDeposit(ctx context.Context, userID, email string, amount int64, channel string) (*Payment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "payments.InitializeDeposit",
		traces.UserID(userID), traces.Amount(money.Format(amount)), traces.Channel(channel))
	defer span.End()

	providers, err := s.selector.ForChannel(channel)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &Payment{
		TransactionRef: generatePaymentRef(),
		UserID:         userID,
		Amount:         amount,
		Purpose:        "wallet_funding",
		Channel:        channel,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment record: %w", err)
	}

	var lastErr error
	for _, provider := range providers {
		res, initErr := provider.InitializePayment(ctx, gateway.InitRequest{
			Reference: p.TransactionRef,
			UserID:    userID,
			Email:     email,
			Amount:    amount,
			Channel:   channel,
		})
		if initErr != nil {
			lastErr = initErr
			logging.L(ctx).Warn("deposit initialization failed, trying next provider",
				"provider", provider.Name(), "reference", p.TransactionRef, "error", initErr)
			continue
		}

		if err := s.store.SetCheckout(ctx, p.TransactionRef, res.Provider, res.CheckoutURL, res.AccessCode, nil); err != nil {
			return nil, fmt.Errorf("record checkout: %w", err)
		}
		p.Provider = res.Provider
		p.CheckoutURL = res.CheckoutURL
		p.AccessCode = res.AccessCode

		logging.L(ctx).Info("deposit initialized",
			"reference", p.TransactionRef, "userId", userID,
			"amount", amount, "channel", channel, "provider", res.Provider)
		return p, nil
	}

	if _, claimErr := s.store.ClaimPayment(ctx, p.TransactionRef, StatusFailed, nil); claimErr != nil {
		logging.L(ctx).Error("failed to mark dead payment failed",
			"reference", p.TransactionRef, "error", claimErr)
	}
	return nil, fmt.Errorf("initialize deposit: %w", lastErr)
}

// webhookEvent is the gateway's event envelope.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference    string `json:"reference"`
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
		Amount       int64  `json:"amount"`
	} `json:"data"`
}

// HandleWebhook verifies and applies one gateway webhook delivery.
// Duplicate deliveries are a success no-op. A signature mismatch is the
// only authentication failure and carries no detail about why.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if !s.VerifySignature(rawBody, signature) {
		return ErrBadSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch event.Event {
	case "charge.success":
		return s.applyChargeResult(ctx, event.Data.Reference, StatusSuccess, rawBody)
	case "charge.failed":
		return s.applyChargeResult(ctx, event.Data.Reference, StatusFailed, rawBody)
	case "transfer.success":
		return s.applyTransferResult(ctx, event.Data.TransferCode, StatusSuccess, "")
	case "transfer.failed":
		return s.applyTransferResult(ctx, event.Data.TransferCode, StatusFailed, "transfer failed at provider")
	case "transfer.reversed":
		return s.applyTransferResult(ctx, event.Data.TransferCode, StatusReversed, "transfer reversed by provider")
	}

	logging.L(ctx).Info("ignoring unhandled webhook event", "event", event.Event)
	return nil
}

// VerifySignature checks an HMAC-SHA512 hex signature over the raw body.
func (s *Service) VerifySignature(rawBody []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(s.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// applyChargeResult converges a charge onto its terminal status. Both
// the webhook path and the polling path end up here; the conditional
// claim makes the wallet credit happen exactly once.
func (s *Service) applyChargeResult(ctx context.Context, ref string, to Status, raw []byte) error {
	p, err := s.store.GetPayment(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			// Not ours. Acknowledge so the gateway stops retrying.
			logging.L(ctx).Warn("webhook for unknown payment reference", "reference", ref)
			return nil
		}
		return err
	}

	won, err := s.store.ClaimPayment(ctx, ref, to, raw)
	if err != nil {
		return fmt.Errorf("claim payment %s: %w", ref, err)
	}
	if !won {
		logging.L(ctx).Info("duplicate payment notification ignored",
			"reference", ref, "status", to)
		return nil
	}

	if to != StatusSuccess {
		logging.L(ctx).Info("payment closed without credit",
			"reference", ref, "status", to)
		return nil
	}

	if err := s.wallets.Credit(ctx, p.UserID, p.Amount, wallet.TxDeposit,
		"wallet funding via "+p.Channel, ref); err != nil {
		// The claim is already ours; put the payment back to pending so
		// a later delivery or poll can retry the credit.
		if revertErr := s.store.RevertPaymentClaim(ctx, ref, to); revertErr != nil {
			logging.L(ctx).Error("CRITICAL: payment claimed success but wallet credit and revert both failed",
				"reference", ref, "userId", p.UserID, "amount", p.Amount, "error", revertErr)
		}
		return fmt.Errorf("credit wallet for %s: %w", ref, err)
	}

	logging.L(ctx).Info("deposit credited",
		"reference", ref, "userId", p.UserID, "amount", p.Amount)
	observeWebhook("charge", string(to))

	if s.notifier != nil {
		s.notifier.PaymentConfirmed(ctx, p.UserID, ref, p.Amount)
	}
	return nil
}

// applyTransferResult settles a withdrawal by its provider transfer
// reference. Failure and reversal refund the wallet exactly once.
func (s *Service) applyTransferResult(ctx context.Context, transferRef string, to Status, reason string) error {
	w, err := s.store.GetWithdrawalByTransferRef(ctx, transferRef)
	if err != nil {
		if errors.Is(err, ErrWithdrawalNotFound) {
			logging.L(ctx).Warn("webhook for unknown transfer reference", "transferRef", transferRef)
			return nil
		}
		return err
	}

	won, err := s.store.ClaimWithdrawal(ctx, w.ID, to, reason)
	if err != nil {
		return fmt.Errorf("claim withdrawal %s: %w", w.ID, err)
	}
	if !won {
		logging.L(ctx).Info("duplicate transfer notification ignored",
			"withdrawalId", w.ID, "status", to)
		return nil
	}

	observeWebhook("transfer", string(to))

	if to == StatusFailed || to == StatusReversed {
		if err := s.wallets.Credit(ctx, w.UserID, w.Amount, wallet.TxRefund,
			"withdrawal "+string(to)+" refund", w.ID); err != nil {
			logging.L(ctx).Error("CRITICAL: withdrawal marked "+string(to)+" but refund credit failed",
				"withdrawalId", w.ID, "userId", w.UserID, "amount", w.Amount, "error", err)
			return fmt.Errorf("refund withdrawal %s: %w", w.ID, err)
		}
		logging.L(ctx).Info("withdrawal refunded", "withdrawalId", w.ID, "status", to)
	}
	return nil
}

// VerifyPayment polls the provider for a pending payment and converges
// it onto the same claim the webhook path uses. Safe to call repeatedly
// and concurrently with webhook delivery.
func (s *Service) VerifyPayment(ctx context.Context, ref string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.VerifyPayment", traces.Reference(ref))
	defer span.End()

	p, err := s.store.GetPayment(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return p, nil
	}

	provider := s.selector.ByName(p.Provider)
	if provider == nil {
		return nil, fmt.Errorf("payments: unknown provider %q for %s", p.Provider, ref)
	}

	// Stripe verifies by checkout session ID, the REST provider by our
	// transaction reference.
	verifyKey := ref
	if p.Provider == "stripe" && p.AccessCode != "" {
		verifyKey = p.AccessCode
	}

	res, err := provider.VerifyTransaction(ctx, verifyKey)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", ref, err)
	}

	switch res.Status {
	case "success":
		if res.Amount != p.Amount {
			logging.L(ctx).Error("verified amount does not match payment record",
				"reference", ref, "expected", p.Amount, "got", res.Amount)
			return nil, fmt.Errorf("payments: amount mismatch on %s", ref)
		}
		if err := s.applyChargeResult(ctx, ref, StatusSuccess, nil); err != nil {
			return nil, err
		}
	case "failed":
		if err := s.applyChargeResult(ctx, ref, StatusFailed, nil); err != nil {
			return nil, err
		}
	case "abandoned":
		if err := s.applyChargeResult(ctx, ref, StatusAbandoned, nil); err != nil {
			return nil, err
		}
	}

	return s.store.GetPayment(ctx, ref)
}

// RequestWithdrawal debits the wallet up front, then initiates the
// payout. Debit-first means an unreachable provider can never leave the
// platform owing money it already sent; the debit is refunded when the
// payout terminally fails.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount int64, bankCode, accountNumber string) (*Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "payments.RequestWithdrawal",
		traces.UserID(userID), traces.Amount(money.Format(amount)))
	defer span.End()

	now := time.Now()
	w := &Withdrawal{
		ID:            generateWithdrawalID(),
		UserID:        userID,
		Amount:        amount,
		BankCode:      bankCode,
		AccountNumber: accountNumber,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.wallets.Debit(ctx, userID, amount, wallet.TxWithdrawal,
		"withdrawal to "+maskAccount(accountNumber), w.ID); err != nil {
		return nil, err
	}

	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		// Debit landed but we have no record; give the money back.
		if creditErr := s.wallets.Credit(ctx, userID, amount, wallet.TxRefund,
			"withdrawal record failure refund", w.ID); creditErr != nil {
			logging.L(ctx).Error("CRITICAL: withdrawal debit taken but record and refund both failed",
				"withdrawalId", w.ID, "userId", userID, "amount", amount, "error", creditErr)
		}
		return nil, fmt.Errorf("create withdrawal record: %w", err)
	}

	provider := s.selector.ByName("paystack")
	if provider == nil {
		return nil, s.failWithdrawal(ctx, w, "no payout provider configured")
	}

	acct, err := provider.LookupAccount(ctx, accountNumber, bankCode)
	if err != nil {
		return nil, s.failWithdrawal(ctx, w, "account resolution failed: "+err.Error())
	}
	w.AccountName = acct.AccountName

	payout, err := provider.InitiatePayout(ctx, gateway.PayoutRequest{
		Reference:     w.ID,
		Amount:        amount,
		BankCode:      bankCode,
		AccountNumber: accountNumber,
		AccountName:   acct.AccountName,
		Narration:     "CampusPay withdrawal",
	})
	if err != nil {
		return nil, s.failWithdrawal(ctx, w, "payout initiation failed: "+err.Error())
	}

	if err := s.store.SetWithdrawalTransfer(ctx, w.ID, payout.TransferRef, acct.AccountName); err != nil {
		return nil, fmt.Errorf("record transfer ref: %w", err)
	}
	w.TransferRef = payout.TransferRef

	logging.L(ctx).Info("withdrawal initiated",
		"withdrawalId", w.ID, "userId", userID, "amount", amount,
		"transferRef", payout.TransferRef)
	return w, nil
}

// failWithdrawal marks the withdrawal failed and refunds the up-front
// debit. Returns the error to surface to the caller.
func (s *Service) failWithdrawal(ctx context.Context, w *Withdrawal, reason string) error {
	won, err := s.store.ClaimWithdrawal(ctx, w.ID, StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark withdrawal failed: %w", err)
	}
	if won {
		if err := s.wallets.Credit(ctx, w.UserID, w.Amount, wallet.TxRefund,
			"failed withdrawal refund", w.ID); err != nil {
			logging.L(ctx).Error("CRITICAL: withdrawal failed but refund credit failed",
				"withdrawalId", w.ID, "userId", w.UserID, "amount", w.Amount, "error", err)
			return fmt.Errorf("refund failed withdrawal: %w", err)
		}
	}
	return errors.New("payments: " + reason)
}

// ReconcilePending sweeps payments that have sat pending past the
// cutoff and polls the provider for each, catching deposits whose
// webhook never arrived.
func (s *Service) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	pendings, err := s.store.ListPendingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending payments: %w", err)
	}

	settled := 0
	for _, p := range pendings {
		res, err := s.VerifyPayment(ctx, p.TransactionRef)
		if err != nil {
			logging.L(ctx).Warn("pending payment reconciliation failed",
				"reference", p.TransactionRef, "error", err)
			continue
		}
		if res.Status.IsTerminal() {
			settled++
		}
	}

	if len(pendings) > 0 {
		logging.L(ctx).Info("reconciliation sweep complete",
			"checked", len(pendings), "settled", settled)
	}
	return settled, nil
}

// GetPayment returns a payment by reference.
func (s *Service) GetPayment(ctx context.Context, ref string) (*Payment, error) {
	return s.store.GetPayment(ctx, ref)
}

func maskAccount(account string) string {
	if len(account) <= 4 {
		return account
	}
	return "****" + account[len(account)-4:]
}

func generatePaymentRef() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("pay_%x", b)
}

func generateWithdrawalID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("wd_%x", b)
}
