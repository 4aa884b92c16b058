package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// StripeProvider serves the card channel through Stripe Checkout.
// Payouts and account lookups go through the REST provider; Stripe is
// deposit-only here.
type StripeProvider struct {
	successURL string
	cancelURL  string
}

// NewStripeProvider configures the global Stripe client and returns the
// card provider.
func NewStripeProvider(secretKey, successURL, cancelURL string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{successURL: successURL, cancelURL: cancelURL}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) Channels() []string {
	return []string{ChannelCard}
}

func (p *StripeProvider) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		CustomerEmail:     stripe.String(req.Email),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyNGN)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Wallet top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	return &InitResult{
		Reference:   req.Reference,
		CheckoutURL: s.URL,
		AccessCode:  s.ID,
		Provider:    p.Name(),
	}, nil
}

// VerifyTransaction takes the checkout session ID handed out as the
// access code at initialization.
func (p *StripeProvider) VerifyTransaction(ctx context.Context, sessionID string) (*VerifyResult, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := session.Get(sessionID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}

	status := "pending"
	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		status = "success"
	case s.Status == stripe.CheckoutSessionStatusExpired:
		status = "abandoned"
	}

	return &VerifyResult{
		Reference: s.ClientReferenceID,
		Status:    status,
		Amount:    s.AmountTotal,
		Channel:   ChannelCard,
		RawStatus: string(s.PaymentStatus),
	}, nil
}

func (p *StripeProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	return nil, &Error{Kind: KindValidation, Message: "stripe provider does not support payouts",
		UserMessage: "Withdrawals are not available on the card channel"}
}

func (p *StripeProvider) LookupAccount(ctx context.Context, accountNumber, bankCode string) (*Account, error) {
	return nil, &Error{Kind: KindValidation, Message: "stripe provider does not support account lookup",
		UserMessage: "Account lookup is not available on the card channel"}
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &Error{Kind: KindNetwork, Message: err.Error(),
			UserMessage: "Payment service is unreachable, please try again"}
	}

	kind := KindServer
	switch stripeErr.Type {
	case stripe.ErrorTypeCard:
		kind = KindDeclined
	case stripe.ErrorTypeInvalidRequest:
		kind = KindValidation
	case stripe.ErrorType("authentication_error"):
		kind = KindAuth
	case stripe.ErrorType("rate_limit_error"):
		kind = KindRateLimited
	}
	return &Error{
		Kind:        kind,
		Status:      statusFromStripe(stripeErr),
		Message:     stripeErr.Msg,
		UserMessage: "Card payment failed: " + stripeErr.Msg,
	}
}

func statusFromStripe(e *stripe.Error) int {
	if e.HTTPStatusCode != 0 {
		return e.HTTPStatusCode
	}
	return http.StatusBadGateway
}
