package dto

import (
	"time"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// TriggerBatchRequest starts a payout batch. Period defaults to the current month.
type TriggerBatchRequest struct {
	Period string `json:"period"`
}

// TriggerBatchResponse acknowledges an enqueued batch.
type TriggerBatchResponse struct {
	Period      string `json:"period"`
	JobID       string `json:"jobId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// PayoutListQuery captures ledger list filters from the query string.
type PayoutListQuery struct {
	Period   string `form:"period"`
	Status   string `form:"status"`
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
}

// ExportQuery selects the ledger export period and format.
type ExportQuery struct {
	Period string `form:"period" binding:"required"`
	Format string `form:"format"`
}

// AffiliatePayout is the affiliate-facing view of a ledger row.
type AffiliatePayout struct {
	ID               string                 `json:"id"`
	BillingPeriod    string                 `json:"billingPeriod"`
	Amount           string                 `json:"amount"`
	AmountMinorUnits int64                  `json:"amountMinorUnits"`
	Currency         string                 `json:"currency"`
	Method           models.PayoutMethod    `json:"method"`
	Status           models.AffiliateStatus `json:"status"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// NewAffiliatePayout projects a ledger record for affiliates.
func NewAffiliatePayout(r models.PayoutRecord) AffiliatePayout {
	return AffiliatePayout{
		ID:               r.ID,
		BillingPeriod:    r.BillingPeriod,
		Amount:           models.FormatMinorUnits(r.AmountMinorUnits),
		AmountMinorUnits: r.AmountMinorUnits,
		Currency:         r.Currency,
		Method:           r.Method,
		Status:           r.Status.AffiliateFacing(),
		UpdatedAt:        r.UpdatedAt,
	}
}
