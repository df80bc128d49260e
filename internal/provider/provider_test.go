package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
)

func payoutRequest() models.PayoutRequest {
	return models.PayoutRequest{
		AffiliateID:        "aff-1",
		AffiliateEmail:     "ana@example.com",
		AffiliateName:      "Ana",
		AmountMinorUnits:   12500,
		Currency:           "USD",
		Description:        "Commission 2026-09",
		PreferredMethod:    models.PayoutMethodStripe,
		BillingPeriod:      "2026-09",
		StripeAccountID:    "acct_1",
		PayPalEmail:        "ana@paypal.example.com",
		BankCounterpartyID: "cp-1",
	}
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey("aff-1", "2026-09", models.PayoutMethodStripe)
	b := IdempotencyKey("aff-1", "2026-09", models.PayoutMethodStripe)
	c := IdempotencyKey("aff-1", "2026-10", models.PayoutMethodStripe)
	d := IdempotencyKey("aff-1", "2026-09", models.PayoutMethodPayPal)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestStripeSubmitPayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, IdempotencyKey("aff-1", "2026-09", models.PayoutMethodStripe), r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "12500", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "acct_1", r.PostForm.Get("destination"))
		_, _ = w.Write([]byte(`{"id":"tr_123","object":"transfer"}`))
	}))
	defer srv.Close()

	stripe := NewStripe(StripeConfig{BaseURL: srv.URL, SecretKey: "sk_test", Currencies: []string{"USD"}}, srv.Client())
	result, err := stripe.SubmitPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	assert.Equal(t, "tr_123", result.ProviderReference)
	assert.Equal(t, models.PayoutStatusSubmitted, result.Status)
}

func TestStripeRejectedAndUnavailableErrors(t *testing.T) {
	status := int32(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"account_invalid","message":"No such destination"}}`))
	}))
	defer srv.Close()

	stripe := NewStripe(StripeConfig{BaseURL: srv.URL, SecretKey: "sk_test", Currencies: []string{"USD"}}, srv.Client())

	_, err := stripe.SubmitPayout(context.Background(), payoutRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrProviderRejected))
	assert.False(t, IsRetryable(err))
	code, msg := Details(err)
	assert.Equal(t, "account_invalid", code)
	assert.Equal(t, "No such destination", msg)

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	_, err = stripe.SubmitPayout(context.Background(), payoutRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrProviderUnavailable))
	assert.True(t, IsRetryable(err))
}

func TestStripeTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	stripe := NewStripe(StripeConfig{BaseURL: srv.URL, SecretKey: "sk_test", Currencies: []string{"USD"}}, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := stripe.SubmitPayout(ctx, payoutRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrProviderUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStripeSupports(t *testing.T) {
	stripe := NewStripe(StripeConfig{Currencies: []string{"USD"}, MinimumAmount: 100}, nil)
	req := payoutRequest()
	assert.True(t, stripe.Supports(req))

	req.StripeAccountID = ""
	assert.False(t, stripe.Supports(req))

	req = payoutRequest()
	req.Currency = "EUR"
	assert.False(t, stripe.Supports(req))

	req = payoutRequest()
	req.AmountMinorUnits = 99
	assert.False(t, stripe.Supports(req))
}

func TestPayPalSubmitPayoutUsesClientCredentials(t *testing.T) {
	var tokenCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			atomic.AddInt32(&tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "pp-client", user)
			assert.Equal(t, "pp-secret", pass)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"pp-token","token_type":"Bearer","expires_in":3600}`))
		case "/v1/payments/payouts":
			assert.Equal(t, "Bearer pp-token", r.Header.Get("Authorization"))
			key := IdempotencyKey("aff-1", "2026-09", models.PayoutMethodPayPal)
			assert.Equal(t, key, r.Header.Get("PayPal-Request-Id"))
			var body paypalPayoutRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, key, body.SenderBatchHeader.SenderBatchID)
			require.Len(t, body.Items, 1)
			assert.Equal(t, "125.00", body.Items[0].Amount.Value)
			assert.Equal(t, "ana@paypal.example.com", body.Items[0].Receiver)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"batch_header":{"payout_batch_id":"PB-1","batch_status":"PENDING"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	paypal := NewPayPal(PayPalConfig{BaseURL: srv.URL, ClientID: "pp-client", ClientSecret: "pp-secret", Currencies: []string{"USD"}}, srv.Client())
	result, err := paypal.SubmitPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	assert.Equal(t, "PB-1", result.ProviderReference)
	assert.Equal(t, models.PayoutStatusSubmitted, result.Status)

	_, err = paypal.SubmitPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestPayPalDeniedBatchIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"pp-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"batch_header":{"payout_batch_id":"PB-2","batch_status":"DENIED"}}`))
	}))
	defer srv.Close()

	paypal := NewPayPal(PayPalConfig{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret", Currencies: []string{"USD"}}, srv.Client())
	_, err := paypal.SubmitPayout(context.Background(), payoutRequest())
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	code, _ := Details(err)
	assert.Equal(t, "DENIED", code)
}

func TestBankTransferSubmitPayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1.0/pay", r.URL.Path)
		assert.Equal(t, "Bearer rev-key", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, IdempotencyKey("aff-1", "2026-09", models.PayoutMethodBankTransfer), body["request_id"])
		assert.Equal(t, "acc-src", body["account_id"])
		assert.Equal(t, 125.0, body["amount"])
		assert.Equal(t, "USD", body["currency"])
		_, _ = w.Write([]byte(`{"id":"tx-1","state":"pending"}`))
	}))
	defer srv.Close()

	bank := NewBankTransfer(BankTransferConfig{BaseURL: srv.URL, APIKey: "rev-key", SourceAccountID: "acc-src", Currencies: []string{"USD"}}, srv.Client())
	assert.True(t, bank.Capability().RequiresBankDetails)

	result, err := bank.SubmitPayout(context.Background(), payoutRequest())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", result.ProviderReference)
	assert.Equal(t, models.PayoutStatusSubmitted, result.Status)
}

func TestBankTransferDeclinedIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"tx-2","state":"declined"}`))
	}))
	defer srv.Close()

	bank := NewBankTransfer(BankTransferConfig{BaseURL: srv.URL, APIKey: "rev-key", Currencies: []string{"USD"}}, srv.Client())
	_, err := bank.SubmitPayout(context.Background(), payoutRequest())
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.False(t, IsRetryable(err))
}

type staticAdapter struct {
	capability models.ProviderCapability
	supports   bool
}

func (a staticAdapter) Capability() models.ProviderCapability { return a.capability }
func (a staticAdapter) Supports(req models.PayoutRequest) bool { return a.supports }
func (a staticAdapter) SubmitPayout(ctx context.Context, req models.PayoutRequest) (*Result, error) {
	return &Result{ProviderReference: "ref", Status: models.PayoutStatusSubmitted}, nil
}

func TestRegistrySelectPrefersPreferredMethod(t *testing.T) {
	registry := NewRegistry(nil,
		staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodStripe}, supports: true},
		staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodPayPal}, supports: true},
		staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodBankTransfer}, supports: true},
	)

	req := payoutRequest()
	req.PreferredMethod = models.PayoutMethodBankTransfer
	adapter, ok := registry.Select(req)
	require.True(t, ok)
	assert.Equal(t, models.PayoutMethodBankTransfer, adapter.Capability().Name)
}

func TestRegistrySelectFallsBackInOrder(t *testing.T) {
	registry := NewRegistry(nil,
		staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodStripe}, supports: false},
		staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodPayPal}, supports: true},
		staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodBankTransfer}, supports: true},
	)

	req := payoutRequest()
	req.PreferredMethod = models.PayoutMethodStripe
	adapter, ok := registry.Select(req)
	require.True(t, ok)
	assert.Equal(t, models.PayoutMethodPayPal, adapter.Capability().Name)
}

func TestRegistrySelectNoCandidate(t *testing.T) {
	registry := NewRegistry(nil, staticAdapter{capability: models.ProviderCapability{Name: models.PayoutMethodStripe}, supports: false})
	_, ok := registry.Select(payoutRequest())
	assert.False(t, ok)
}
