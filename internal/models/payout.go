package models

import (
	"fmt"
	"strings"
	"time"
)

// PayoutMethod names a settlement rail.
type PayoutMethod string

const (
	PayoutMethodStripe       PayoutMethod = "stripe"
	PayoutMethodPayPal       PayoutMethod = "paypal"
	PayoutMethodBankTransfer PayoutMethod = "bank_transfer"
)

// DefaultFallbackOrder is tried after an affiliate's preferred method.
var DefaultFallbackOrder = []PayoutMethod{PayoutMethodStripe, PayoutMethodPayPal, PayoutMethodBankTransfer}

// ParsePayoutMethod validates a method name.
func ParsePayoutMethod(raw string) (PayoutMethod, error) {
	m := PayoutMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case PayoutMethodStripe, PayoutMethodPayPal, PayoutMethodBankTransfer:
		return m, nil
	}
	return "", fmt.Errorf("unknown payout method %q", raw)
}

// PayoutStatus captures payout ledger lifecycle states.
type PayoutStatus string

const (
	PayoutStatusPending      PayoutStatus = "pending"
	PayoutStatusSubmitted    PayoutStatus = "submitted"
	PayoutStatusSettled      PayoutStatus = "settled"
	PayoutStatusFailed       PayoutStatus = "failed"
	PayoutStatusManualReview PayoutStatus = "manual_review"
)

// AffiliateStatus is the simplified status shown to affiliates.
type AffiliateStatus string

const (
	AffiliateStatusPending AffiliateStatus = "pending"
	AffiliateStatusPaid    AffiliateStatus = "paid"
	AffiliateStatusFailed  AffiliateStatus = "failed"
)

// AffiliateFacing maps a ledger status onto what affiliates see.
func (s PayoutStatus) AffiliateFacing() AffiliateStatus {
	switch s {
	case PayoutStatusSubmitted, PayoutStatusSettled:
		return AffiliateStatusPaid
	case PayoutStatusFailed:
		return AffiliateStatusFailed
	default:
		return AffiliateStatusPending
	}
}

// LatencyClass is the expected settlement latency of a rail.
type LatencyClass string

const (
	LatencyInstant LatencyClass = "instant"
	LatencyHours   LatencyClass = "hours"
	LatencyDays    LatencyClass = "days"
)

// ProviderCapability is the static description of a payout rail.
type ProviderCapability struct {
	Name                PayoutMethod `json:"name"`
	MinimumAmount       int64        `json:"minimum_amount"`
	Latency             LatencyClass `json:"latency"`
	RequiresBankDetails bool         `json:"requires_bank_details"`
	Currencies          []string     `json:"currencies"`
}

// SupportsCurrency reports whether the rail pays out in currency.
func (c ProviderCapability) SupportsCurrency(currency string) bool {
	for _, cur := range c.Currencies {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// PayoutRequest is an immutable instruction to pay one affiliate for one period.
type PayoutRequest struct {
	AffiliateID        string       `json:"affiliate_id" validate:"required"`
	AffiliateEmail     string       `json:"affiliate_email" validate:"required,email"`
	AffiliateName      string       `json:"affiliate_name"`
	AmountMinorUnits   int64        `json:"amount_minor_units" validate:"gt=0"`
	Currency           string       `json:"currency" validate:"required,len=3"`
	Description        string       `json:"description"`
	PreferredMethod    PayoutMethod `json:"preferred_method"`
	BillingPeriod      string       `json:"billing_period" validate:"required"`
	StripeAccountID    string       `json:"stripe_account_id,omitempty"`
	PayPalEmail        string       `json:"paypal_email,omitempty" validate:"omitempty,email"`
	BankCounterpartyID string       `json:"bank_counterparty_id,omitempty"`
}

// PayoutRecord is one payout attempt in the ledger.
type PayoutRecord struct {
	ID                string       `db:"id" json:"id"`
	AffiliateID       string       `db:"affiliate_id" json:"affiliate_id"`
	AffiliateEmail    string       `db:"affiliate_email" json:"affiliate_email"`
	BillingPeriod     string       `db:"billing_period" json:"billing_period"`
	AmountMinorUnits  int64        `db:"amount_minor_units" json:"amount_minor_units"`
	Currency          string       `db:"currency" json:"currency"`
	Method            PayoutMethod `db:"method" json:"method"`
	IdempotencyKey    string       `db:"idempotency_key" json:"-"`
	ProviderReference *string      `db:"provider_reference" json:"provider_reference,omitempty"`
	Status            PayoutStatus `db:"status" json:"status"`
	Attempts          int          `db:"attempts" json:"attempts"`
	ErrorCode         *string      `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage      *string      `db:"error_message" json:"error_message,omitempty"`
	CRMSyncedAt       *time.Time   `db:"crm_synced_at" json:"crm_synced_at,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// AffiliateCommission is an affiliate's unpaid commission for a billing period
// together with the payout routing details on file.
type AffiliateCommission struct {
	AffiliateID        string       `db:"affiliate_id"`
	Email              string       `db:"email"`
	Name               string       `db:"name"`
	PendingCommission  int64        `db:"pending_commission"`
	Currency           string       `db:"currency"`
	PreferredMethod    PayoutMethod `db:"preferred_method"`
	StripeAccountID    string       `db:"stripe_account_id"`
	PayPalEmail        string       `db:"paypal_email"`
	BankCounterpartyID string       `db:"bank_counterparty_id"`
}

// PayoutFilter narrows ledger listings.
type PayoutFilter struct {
	AffiliateID   string
	BillingPeriod string
	Status        *PayoutStatus
	Page          int
	PageSize      int
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

const billingPeriodLayout = "2006-01"

// BillingPeriodFor returns the YYYY-MM period containing t (UTC).
func BillingPeriodFor(t time.Time) string {
	return t.UTC().Format(billingPeriodLayout)
}

// ParseBillingPeriod validates a YYYY-MM period string.
func ParseBillingPeriod(raw string) (string, error) {
	t, err := time.Parse(billingPeriodLayout, strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("billing period must be YYYY-MM: %w", err)
	}
	return t.Format(billingPeriodLayout), nil
}

// FormatMinorUnits renders an amount in minor units as a decimal string with two places.
func FormatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
