package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*RESTProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewRESTProvider(srv.URL, "sk_test_abc", 3, WithBaseDelay(time.Millisecond))
	return p, srv
}

func TestInitializePayment_Success(t *testing.T) {
	var gotAuth, gotCorrelation string
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{
			"authorization_url":"https://checkout.example/abc",
			"access_code":"ac_123","reference":"pay_ref1"}}`))
	})

	res, err := p.InitializePayment(context.Background(), InitRequest{
		Reference: "pay_ref1", UserID: "u1", Email: "u1@example.edu",
		Amount: 500000, Channel: ChannelBank,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/abc", res.CheckoutURL)
	assert.Equal(t, "pay_ref1", res.Reference)
	assert.Equal(t, "paystack", res.Provider)
	assert.Equal(t, "Bearer sk_test_abc", gotAuth)
	assert.NotEmpty(t, gotCorrelation)
}

func TestVerify_RetriesTransientFailures(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":true,"message":"ok","data":{
			"status":"success","amount":500000,"channel":"bank",
			"paid_at":"2026-02-10T14:00:00Z"}}`))
	})

	res, err := p.VerifyTransaction(context.Background(), "pay_ref1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "two 503s then success")
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, int64(500000), res.Amount)
}

func TestVerify_NonRetryableStopsImmediately(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status":false,"message":"Invalid key"}`))
	})

	_, err := p.VerifyTransaction(context.Background(), "pay_ref1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "auth failures must not be retried")

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, KindAuth, gwErr.Kind)
	assert.False(t, gwErr.Retryable())
}

func TestVerify_ExhaustedRetriesReportUnavailable(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := p.VerifyTransaction(context.Background(), "pay_ref1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "budget of 3 attempts")
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls int32
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := p.VerifyTransaction(ctx, "pay_ref1")
		require.Error(t, err)
	}
	before := atomic.LoadInt32(&calls)

	// Circuit is now open: the next call fails without touching the wire.
	_, err := p.VerifyTransaction(ctx, "pay_ref1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestInitiatePayout_CreatesRecipientThenTransfer(t *testing.T) {
	var paths []string
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/transferrecipient":
			w.Write([]byte(`{"status":true,"message":"ok","data":{"recipient_code":"RCP_9"}}`))
		case "/transfer":
			w.Write([]byte(`{"status":true,"message":"ok","data":{"transfer_code":"TRF_7","status":"pending"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := p.InitiatePayout(context.Background(), PayoutRequest{
		Reference: "wd_1", Amount: 200000, BankCode: "058",
		AccountNumber: "0123456789", AccountName: "Ada Obi",
	})
	require.NoError(t, err)
	assert.Equal(t, "TRF_7", res.TransferRef)
	assert.Equal(t, []string{"/transferrecipient", "/transfer"}, paths)
}

func TestLookupAccount(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bank/resolve", r.URL.Path)
		assert.Equal(t, "0123456789", r.URL.Query().Get("account_number"))
		w.Write([]byte(`{"status":true,"message":"ok","data":{
			"account_number":"0123456789","account_name":"ADA OBI"}}`))
	})

	acct, err := p.LookupAccount(context.Background(), "0123456789", "058")
	require.NoError(t, err)
	assert.Equal(t, "ADA OBI", acct.AccountName)
	assert.Equal(t, "058", acct.BankCode)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"success":    "success",
		"failed":     "failed",
		"abandoned":  "abandoned",
		"pending":    "pending",
		"reversed":   "failed",
		"ongoing":    "pending",
		"processing": "pending",
		"weird":      "pending",
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeStatus(raw), "raw status %q", raw)
	}
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusUnprocessableEntity, KindValidation, false},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
	}
	for _, tc := range cases {
		err := classifyHTTP(tc.status, nil)
		assert.Equal(t, tc.kind, err.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, err.Retryable(), "status %d", tc.status)
	}
}

type fakeProvider struct {
	name     string
	channels []string
}

func (f *fakeProvider) Name() string       { return f.name }
func (f *fakeProvider) Channels() []string { return f.channels }
func (f *fakeProvider) InitializePayment(ctx context.Context, req InitRequest) (*InitResult, error) {
	return &InitResult{Reference: req.Reference, Provider: f.name}, nil
}
func (f *fakeProvider) VerifyTransaction(ctx context.Context, ref string) (*VerifyResult, error) {
	return &VerifyResult{Reference: ref, Status: "pending"}, nil
}
func (f *fakeProvider) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	return nil, errors.New("not supported")
}
func (f *fakeProvider) LookupAccount(ctx context.Context, acct, bank string) (*Account, error) {
	return nil, errors.New("not supported")
}

func TestSelector_RoutesByChannel(t *testing.T) {
	usage := NewUsage()
	rest := &fakeProvider{name: "paystack", channels: []string{ChannelBank, ChannelUSSD, ChannelTransfer}}
	card := &fakeProvider{name: "stripe", channels: []string{ChannelCard}}
	sel := NewSelector(usage, rest, card)

	providers, err := sel.ForChannel(ChannelBank)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "paystack", providers[0].Name())

	providers, err = sel.ForChannel(ChannelCard)
	require.NoError(t, err)
	assert.Equal(t, "stripe", providers[0].Name())

	_, err = sel.ForChannel("crypto")
	assert.ErrorIs(t, err, ErrNoProvider)

	assert.Equal(t, int64(1), usage.Count("paystack"))
	assert.Equal(t, int64(1), usage.Count("stripe"))
}
