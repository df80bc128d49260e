package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// StripeConfig configures the Stripe Connect transfer rail.
type StripeConfig struct {
	BaseURL           string
	SecretKey         string
	Currencies        []string
	MinimumAmount     int64
	SettleInstantly   bool
	RequestsPerSecond float64
}

// Stripe pays affiliates by transferring funds to their connected account.
type Stripe struct {
	cfg    StripeConfig
	client *restClient
}

// NewStripe constructs the adapter.
func NewStripe(cfg StripeConfig, httpClient *http.Client) *Stripe {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &Stripe{cfg: cfg, client: newRestClient(models.PayoutMethodStripe, cfg.BaseURL, httpClient, cfg.RequestsPerSecond, parseStripeError)}
}

func (s *Stripe) Capability() models.ProviderCapability {
	return models.ProviderCapability{
		Name:          models.PayoutMethodStripe,
		MinimumAmount: s.cfg.MinimumAmount,
		Latency:       models.LatencyInstant,
		Currencies:    s.cfg.Currencies,
	}
}

func (s *Stripe) Supports(req models.PayoutRequest) bool {
	return req.StripeAccountID != "" && meetsCapability(s.Capability(), req)
}

type stripeTransfer struct {
	ID       string `json:"id"`
	Reversed bool   `json:"reversed"`
}

func (s *Stripe) SubmitPayout(ctx context.Context, req models.PayoutRequest) (*Result, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinorUnits, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.StripeAccountID)
	form.Set("transfer_group", req.BillingPeriod)
	form.Set("metadata[affiliate_id]", req.AffiliateID)
	form.Set("metadata[billing_period]", req.BillingPeriod)
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	header.Set("Idempotency-Key", IdempotencyKey(req.AffiliateID, req.BillingPeriod, models.PayoutMethodStripe))

	var transfer stripeTransfer
	if err := s.client.send(ctx, http.MethodPost, "/v1/transfers", header, "application/x-www-form-urlencoded", []byte(form.Encode()), &transfer); err != nil {
		return nil, err
	}
	if transfer.Reversed {
		return nil, rejectedError(models.PayoutMethodStripe, http.StatusOK, "transfer_reversed", "transfer "+transfer.ID+" was reversed")
	}

	status := models.PayoutStatusSubmitted
	if s.cfg.SettleInstantly {
		status = models.PayoutStatusSettled
	}
	return &Result{ProviderReference: transfer.ID, Status: status}, nil
}

func parseStripeError(body []byte) (string, string) {
	var payload struct {
		Error struct {
			Type        string `json:"type"`
			Code        string `json:"code"`
			DeclineCode string `json:"decline_code"`
			Message     string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	code := payload.Error.Code
	if payload.Error.DeclineCode != "" {
		code = payload.Error.DeclineCode
	}
	if code == "" {
		code = payload.Error.Type
	}
	return code, payload.Error.Message
}
