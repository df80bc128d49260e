package provider

import (
	"net/http"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/config"
)

// NewRegistryFromConfig builds adapters for every enabled rail.
func NewRegistryFromConfig(cfg *config.Config, httpClient *http.Client) (*Registry, error) {
	fallback := make([]models.PayoutMethod, 0, len(cfg.Payouts.FallbackOrder))
	for _, raw := range cfg.Payouts.FallbackOrder {
		method, err := models.ParsePayoutMethod(raw)
		if err != nil {
			return nil, err
		}
		fallback = append(fallback, method)
	}

	adapters := make([]Adapter, 0, 3)
	if cfg.Stripe.Enabled {
		adapters = append(adapters, NewStripe(StripeConfig{
			BaseURL:           cfg.Stripe.BaseURL,
			SecretKey:         cfg.Stripe.SecretKey,
			Currencies:        cfg.Stripe.Currencies,
			MinimumAmount:     cfg.Stripe.MinimumAmount,
			SettleInstantly:   cfg.Stripe.TransfersSettleInstant,
			RequestsPerSecond: cfg.Stripe.RequestsPerSecond,
		}, httpClient))
	}
	if cfg.PayPal.Enabled {
		adapters = append(adapters, NewPayPal(PayPalConfig{
			BaseURL:           cfg.PayPal.BaseURL,
			ClientID:          cfg.PayPal.ClientID,
			ClientSecret:      cfg.PayPal.ClientSecret,
			Currencies:        cfg.PayPal.Currencies,
			MinimumAmount:     cfg.PayPal.MinimumAmount,
			EmailSubject:      cfg.PayPal.EmailSubject,
			RequestsPerSecond: cfg.PayPal.RequestsPerSecond,
		}, httpClient))
	}
	if cfg.Revolut.Enabled {
		adapters = append(adapters, NewBankTransfer(BankTransferConfig{
			BaseURL:           cfg.Revolut.BaseURL,
			APIKey:            cfg.Revolut.APIKey,
			SourceAccountID:   cfg.Revolut.SourceAccountID,
			Currencies:        cfg.Revolut.Currencies,
			MinimumAmount:     cfg.Revolut.MinimumAmount,
			RequestsPerSecond: cfg.Revolut.RequestsPerSecond,
		}, httpClient))
	}
	return NewRegistry(fallback, adapters...), nil
}
