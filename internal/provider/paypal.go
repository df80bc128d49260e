package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// PayPalConfig configures the PayPal Payouts rail.
type PayPalConfig struct {
	BaseURL           string
	ClientID          string
	ClientSecret      string
	Currencies        []string
	MinimumAmount     int64
	EmailSubject      string
	RequestsPerSecond float64
}

// PayPal pays affiliates to their PayPal email through the Payouts API.
type PayPal struct {
	cfg    PayPalConfig
	client *restClient
}

// NewPayPal constructs the adapter. App access tokens are fetched and cached
// by the client credentials flow.
func NewPayPal(cfg PayPalConfig, httpClient *http.Client) *PayPal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.paypal.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	authed := cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, httpClient))
	authed.Timeout = httpClient.Timeout
	return &PayPal{cfg: cfg, client: newRestClient(models.PayoutMethodPayPal, cfg.BaseURL, authed, cfg.RequestsPerSecond, parsePayPalError)}
}

func (p *PayPal) Capability() models.ProviderCapability {
	return models.ProviderCapability{
		Name:          models.PayoutMethodPayPal,
		MinimumAmount: p.cfg.MinimumAmount,
		Latency:       models.LatencyHours,
		Currencies:    p.cfg.Currencies,
	}
}

func (p *PayPal) Supports(req models.PayoutRequest) bool {
	return req.PayPalEmail != "" && meetsCapability(p.Capability(), req)
}

type paypalAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paypalItem struct {
	RecipientType string       `json:"recipient_type"`
	Amount        paypalAmount `json:"amount"`
	Receiver      string       `json:"receiver"`
	Note          string       `json:"note,omitempty"`
	SenderItemID  string       `json:"sender_item_id"`
}

type paypalPayoutRequest struct {
	SenderBatchHeader struct {
		SenderBatchID string `json:"sender_batch_id"`
		EmailSubject  string `json:"email_subject,omitempty"`
		RecipientType string `json:"recipient_type"`
	} `json:"sender_batch_header"`
	Items []paypalItem `json:"items"`
}

type paypalPayoutResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
}

func (p *PayPal) SubmitPayout(ctx context.Context, req models.PayoutRequest) (*Result, error) {
	key := IdempotencyKey(req.AffiliateID, req.BillingPeriod, models.PayoutMethodPayPal)

	var payload paypalPayoutRequest
	payload.SenderBatchHeader.SenderBatchID = key
	payload.SenderBatchHeader.EmailSubject = p.cfg.EmailSubject
	payload.SenderBatchHeader.RecipientType = "EMAIL"
	payload.Items = []paypalItem{{
		RecipientType: "EMAIL",
		Amount:        paypalAmount{Value: models.FormatMinorUnits(req.AmountMinorUnits), Currency: strings.ToUpper(req.Currency)},
		Receiver:      req.PayPalEmail,
		Note:          req.Description,
		SenderItemID:  req.AffiliateID + ":" + req.BillingPeriod,
	}}

	header := http.Header{}
	header.Set("PayPal-Request-Id", key)

	var out paypalPayoutResponse
	if err := p.client.postJSON(ctx, "/v1/payments/payouts", header, payload, &out); err != nil {
		return nil, err
	}

	switch strings.ToUpper(out.BatchHeader.BatchStatus) {
	case "SUCCESS":
		return &Result{ProviderReference: out.BatchHeader.PayoutBatchID, Status: models.PayoutStatusSettled}, nil
	case "DENIED", "CANCELED":
		return nil, rejectedError(models.PayoutMethodPayPal, http.StatusCreated, out.BatchHeader.BatchStatus, "payout batch "+out.BatchHeader.PayoutBatchID+" was not accepted")
	default:
		return &Result{ProviderReference: out.BatchHeader.PayoutBatchID, Status: models.PayoutStatusSubmitted}, nil
	}
}

func parsePayPalError(body []byte) (string, string) {
	var payload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Details []struct {
			Issue string `json:"issue"`
		} `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	code := payload.Name
	if len(payload.Details) > 0 && payload.Details[0].Issue != "" {
		code = payload.Details[0].Issue
	}
	return code, payload.Message
}
