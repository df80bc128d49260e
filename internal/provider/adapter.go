// Package provider adapts external payout rails (Stripe, PayPal, bank
// transfer) to a single submission contract used by the payout dispatcher.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// Result is the provider's acknowledgement of an accepted payout. Status is
// either submitted or settled.
type Result struct {
	ProviderReference string
	Status            models.PayoutStatus
}

// Adapter submits payouts to one rail. SubmitPayout must be safe to call again
// with the same request: the idempotency key derived from it makes the
// provider return the original transfer instead of paying twice.
type Adapter interface {
	Capability() models.ProviderCapability
	Supports(req models.PayoutRequest) bool
	SubmitPayout(ctx context.Context, req models.PayoutRequest) (*Result, error)
}

// IdempotencyKey derives the provider idempotency key for one affiliate,
// billing period and rail.
func IdempotencyKey(affiliateID, billingPeriod string, method models.PayoutMethod) string {
	sum := sha256.Sum256([]byte(affiliateID + "|" + billingPeriod + "|" + string(method)))
	return hex.EncodeToString(sum[:])
}

func meetsCapability(c models.ProviderCapability, req models.PayoutRequest) bool {
	return req.AmountMinorUnits > 0 && req.AmountMinorUnits >= c.MinimumAmount && c.SupportsCurrency(req.Currency)
}
