package models

import "time"

// BatchResult summarises one dispatcher run.
type BatchResult struct {
	ID           string    `json:"id"`
	Period       string    `json:"period"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Eligible     int       `json:"eligible"`
	Skipped      int       `json:"skipped"`
	Resumed      int       `json:"resumed"`
	Submitted    int       `json:"submitted"`
	Settled      int       `json:"settled"`
	ManualReview int       `json:"manual_review"`
	Failed       int       `json:"failed"`
	LeftPending  int       `json:"left_pending"`
	Errored      int       `json:"errored"`
	CRMSynced    int       `json:"crm_synced"`
	CRMFailed    int       `json:"crm_failed"`
	CRMHalted    bool      `json:"crm_halted"`
	// Unpaid lists eligible commission the run could not pay or attribute to
	// an existing payout. Each entry needs an operator decision.
	Unpaid []UnpaidCommission `json:"unpaid,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Reasons an eligible commission stays unpaid.
const (
	UnpaidReasonOtherCurrency  = "OTHER_CURRENCY"
	UnpaidReasonAfterPayout    = "CREATED_AFTER_PAYOUT"
	UnpaidReasonAmountMismatch = "AMOUNT_MISMATCH"
)

// UnpaidCommission is commission left unpaid after the period's payout.
type UnpaidCommission struct {
	AffiliateID      string `json:"affiliate_id"`
	PayoutID         string `json:"payout_id,omitempty"`
	Currency         string `json:"currency"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Reason           string `json:"reason"`
}
