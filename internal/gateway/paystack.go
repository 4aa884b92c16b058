package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/obike/campuspay/internal/circuitbreaker"
	"github.com/obike/campuspay/internal/logging"
	"github.com/obike/campuspay/internal/retry"
)

// DefaultBaseURL is the production Paystack API host.
const DefaultBaseURL = "https://api.paystack.co"

// RESTProvider talks to the Paystack-compatible REST API. It serves the
// bank, ussd and transfer channels and is the primary provider.
type RESTProvider struct {
	baseURL    string
	secretKey  string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	maxRetries int
	baseDelay  time.Duration
}

// RESTOption configures a RESTProvider.
type RESTOption func(*RESTProvider)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) RESTOption {
	return func(p *RESTProvider) { p.client = c }
}

// WithBaseDelay overrides the first retry delay (tests).
func WithBaseDelay(d time.Duration) RESTOption {
	return func(p *RESTProvider) { p.baseDelay = d }
}

// NewRESTProvider creates the REST provider. maxRetries counts attempts,
// so 3 means one call plus two retries.
func NewRESTProvider(baseURL, secretKey string, maxRetries int, opts ...RESTOption) *RESTProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	p := &RESTProvider{
		baseURL:    baseURL,
		secretKey:  secretKey,
		client:     &http.Client{Timeout: DefaultCallTimeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RESTProvider) Name() string { return "paystack" }

func (p *RESTProvider) Channels() []string {
	return []string{ChannelBank, ChannelUSSD, ChannelTransfer}
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *RESTProvider) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	payload := map[string]any{
		"email":     req.Email,
		"amount":    req.Amount,
		"reference": req.Reference,
		"channels":  []string{req.Channel},
		"metadata":  map[string]string{"user_id": req.UserID},
	}
	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := p.call(ctx, "initialize", http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		return nil, err
	}
	return &InitResult{
		Reference:   data.Reference,
		CheckoutURL: data.AuthorizationURL,
		AccessCode:  data.AccessCode,
		Provider:    p.Name(),
	}, nil
}

func (p *RESTProvider) VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error) {
	var data struct {
		Status  string `json:"status"`
		Amount  int64  `json:"amount"`
		PaidAt  string `json:"paid_at"`
		Channel string `json:"channel"`
	}
	if err := p.call(ctx, "verify", http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, err
	}
	paidAt, _ := time.Parse(time.RFC3339, data.PaidAt)
	return &VerifyResult{
		Reference: reference,
		Status:    normalizeStatus(data.Status),
		Amount:    data.Amount,
		PaidAt:    paidAt,
		Channel:   data.Channel,
		RawStatus: data.Status,
	}, nil
}

// normalizeStatus maps provider statuses onto the internal closed set.
func normalizeStatus(s string) string {
	switch s {
	case "success", "failed", "abandoned", "pending":
		return s
	case "reversed":
		return "failed"
	case "ongoing", "processing", "queued":
		return "pending"
	}
	return "pending"
}

func (p *RESTProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	// The provider requires a stored recipient before a transfer.
	var recipient struct {
		RecipientCode string `json:"recipient_code"`
	}
	recipientPayload := map[string]any{
		"type":           "nuban",
		"name":           req.AccountName,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       "NGN",
	}
	if err := p.call(ctx, "recipient", http.MethodPost, "/transferrecipient", recipientPayload, &recipient); err != nil {
		return nil, err
	}

	var data struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	transferPayload := map[string]any{
		"source":    "balance",
		"amount":    req.Amount,
		"recipient": recipient.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Narration,
	}
	if err := p.call(ctx, "transfer", http.MethodPost, "/transfer", transferPayload, &data); err != nil {
		return nil, err
	}
	return &PayoutResult{TransferRef: data.TransferCode, Status: data.Status}, nil
}

func (p *RESTProvider) LookupAccount(ctx context.Context, accountNumber, bankCode string) (*Account, error) {
	var data struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}
	path := fmt.Sprintf("/bank/resolve?account_number=%s&bank_code=%s", accountNumber, bankCode)
	if err := p.call(ctx, "resolve", http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &Account{
		AccountNumber: data.AccountNumber,
		AccountName:   data.AccountName,
		BankCode:      bankCode,
	}, nil
}

// call runs one API operation with retries, the circuit breaker and a
// per-call timeout. out receives the unmarshalled data field.
func (p *RESTProvider) call(ctx context.Context, op, method, path string, payload, out any) error {
	if !p.breaker.Allow(p.Name()) {
		observeCall(p.Name(), op, "circuit_open")
		return ErrGatewayUnavailable
	}

	correlationID := generateCorrelationID()
	attempt := 0

	err := retry.Do(ctx, p.maxRetries, p.baseDelay, func() error {
		attempt++
		if attempt > 1 {
			observeRetry(p.Name(), op)
		}
		err := p.once(ctx, method, path, payload, out, correlationID)
		if err == nil {
			return nil
		}
		var gwErr *Error
		if errors.As(err, &gwErr) && !gwErr.Retryable() {
			return retry.Permanent(err)
		}
		logging.L(ctx).Warn("gateway call failed, will retry",
			"provider", p.Name(), "op", op, "attempt", attempt,
			"correlationId", correlationID, "error", err)
		return err
	})

	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) {
			observeCall(p.Name(), op, string(gwErr.Kind))
			if gwErr.Retryable() {
				// Only transient failures count against the breaker;
				// a validation error says nothing about provider health.
				p.breaker.RecordFailure(p.Name())
				return fmt.Errorf("%w: %s", ErrGatewayUnavailable, gwErr.Message)
			}
			return gwErr
		}
		observeCall(p.Name(), op, "error")
		p.breaker.RecordFailure(p.Name())
		return err
	}

	p.breaker.RecordSuccess(p.Name())
	observeCall(p.Name(), op, "ok")
	return nil
}

// once performs a single HTTP round trip.
func (p *RESTProvider) once(ctx context.Context, method, path string, payload, out any, correlationID string) error {
	callCtx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(callCtx, method, p.baseURL+path, body)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := p.client.Do(req)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Message: err.Error(), UserMessage: "Payment service is unreachable, please try again"}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		return classifyHTTP(resp.StatusCode, respBody)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &Error{Kind: KindServer, Status: resp.StatusCode,
			Message: "unparseable response: " + err.Error(), UserMessage: "Payment service returned an unexpected response"}
	}
	if !env.Status {
		return &Error{Kind: KindDeclined, Status: resp.StatusCode,
			Message: env.Message, UserMessage: "Payment was declined"}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Kind: KindServer, Status: resp.StatusCode,
				Message: "unparseable data: " + err.Error(), UserMessage: "Payment service returned an unexpected response"}
		}
	}
	return nil
}

func classifyHTTP(status int, body []byte) *Error {
	var env envelope
	_ = json.Unmarshal(body, &env)
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Status: status, Message: msg,
			UserMessage: "Payment service rejected our credentials"}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Message: msg,
			UserMessage: "Payment service is busy, please try again shortly"}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return &Error{Kind: KindValidation, Status: status, Message: msg,
			UserMessage: "Payment request was rejected: " + msg}
	case status >= 500:
		return &Error{Kind: KindServer, Status: status, Message: msg,
			UserMessage: "Payment service is having trouble, please try again"}
	}
	return &Error{Kind: KindDeclined, Status: status, Message: msg,
		UserMessage: "Payment was declined"}
}

func generateCorrelationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("cid_%x", b)
}
