package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// BankTransferConfig configures the Revolut Business bank transfer rail.
type BankTransferConfig struct {
	BaseURL           string
	APIKey            string
	SourceAccountID   string
	Currencies        []string
	MinimumAmount     int64
	RequestsPerSecond float64
}

// BankTransfer pays affiliates to a registered bank counterparty via Revolut Business.
type BankTransfer struct {
	cfg    BankTransferConfig
	client *restClient
}

// NewBankTransfer constructs the adapter.
func NewBankTransfer(cfg BankTransferConfig, httpClient *http.Client) *BankTransfer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://b2b.revolut.com"
	}
	return &BankTransfer{cfg: cfg, client: newRestClient(models.PayoutMethodBankTransfer, cfg.BaseURL, httpClient, cfg.RequestsPerSecond, parseRevolutError)}
}

func (b *BankTransfer) Capability() models.ProviderCapability {
	return models.ProviderCapability{
		Name:                models.PayoutMethodBankTransfer,
		MinimumAmount:       b.cfg.MinimumAmount,
		Latency:             models.LatencyDays,
		RequiresBankDetails: true,
		Currencies:          b.cfg.Currencies,
	}
}

func (b *BankTransfer) Supports(req models.PayoutRequest) bool {
	return req.BankCounterpartyID != "" && meetsCapability(b.Capability(), req)
}

type revolutPayment struct {
	RequestID string `json:"request_id"`
	AccountID string `json:"account_id"`
	Receiver  struct {
		CounterpartyID string `json:"counterparty_id"`
	} `json:"receiver"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	Reference string      `json:"reference,omitempty"`
}

type revolutTransaction struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (b *BankTransfer) SubmitPayout(ctx context.Context, req models.PayoutRequest) (*Result, error) {
	var payload revolutPayment
	payload.RequestID = IdempotencyKey(req.AffiliateID, req.BillingPeriod, models.PayoutMethodBankTransfer)
	payload.AccountID = b.cfg.SourceAccountID
	payload.Receiver.CounterpartyID = req.BankCounterpartyID
	payload.Amount = json.Number(models.FormatMinorUnits(req.AmountMinorUnits))
	payload.Currency = strings.ToUpper(req.Currency)
	payload.Reference = req.Description

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	var tx revolutTransaction
	if err := b.client.postJSON(ctx, "/api/1.0/pay", header, payload, &tx); err != nil {
		return nil, err
	}

	switch strings.ToLower(tx.State) {
	case "completed":
		return &Result{ProviderReference: tx.ID, Status: models.PayoutStatusSettled}, nil
	case "declined", "failed", "reverted":
		return nil, rejectedError(models.PayoutMethodBankTransfer, http.StatusOK, strings.ToUpper(tx.State), "transaction "+tx.ID+" "+tx.State)
	default:
		return &Result{ProviderReference: tx.ID, Status: models.PayoutStatusSubmitted}, nil
	}
}

func parseRevolutError(body []byte) (string, string) {
	var payload struct {
		Code    interface{} `json:"code"`
		Message string      `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	code := ""
	switch c := payload.Code.(type) {
	case float64:
		code = fmt.Sprintf("%d", int64(c))
	case string:
		code = c
	}
	return code, payload.Message
}
