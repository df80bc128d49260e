package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

// ErrCommissionMismatch is returned when the unpaid rows a payout should cover
// do not add up to the payout amount. Nothing is marked in that case.
var ErrCommissionMismatch = errors.New("commission rows do not match payout amount")

// CommissionRepository reads unpaid affiliate commissions.
type CommissionRepository struct {
	db *sqlx.DB
}

// NewCommissionRepository constructs the repository.
func NewCommissionRepository(db *sqlx.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

// ListEligible sums unpaid commission per affiliate and currency for the
// period and keeps sums at or above minimum. Rows of one affiliate are adjacent.
func (r *CommissionRepository) ListEligible(ctx context.Context, period string, minimum int64) ([]models.AffiliateCommission, error) {
	const query = `SELECT a.id AS affiliate_id, a.email, a.name, SUM(c.amount_minor_units) AS pending_commission, c.currency,
COALESCE(a.preferred_method, '') AS preferred_method, COALESCE(a.stripe_account_id, '') AS stripe_account_id, COALESCE(a.paypal_email, '') AS paypal_email,
COALESCE(a.bank_counterparty_id, '') AS bank_counterparty_id
FROM affiliate_commissions c JOIN affiliates a ON a.id = c.affiliate_id
WHERE c.billing_period = $1 AND c.paid_at IS NULL
GROUP BY a.id, a.email, a.name, c.currency, a.preferred_method, a.stripe_account_id, a.paypal_email, a.bank_counterparty_id
HAVING SUM(c.amount_minor_units) >= $2
ORDER BY a.id, c.currency`
	var rows []models.AffiliateCommission
	if err := r.db.SelectContext(ctx, &rows, query, period, minimum); err != nil {
		return nil, fmt.Errorf("list eligible commissions: %w", err)
	}
	return rows, nil
}

type commissionRow struct {
	ID     int64 `db:"id"`
	Amount int64 `db:"amount_minor_units"`
}

// MarkPaid links the commission rows a payout covered to it: unpaid rows of
// the payout's affiliate, period and currency created no later than the
// payout. Their sum must equal the payout amount, otherwise ErrCommissionMismatch
// is returned and no row changes. Returns the amount marked.
func (r *CommissionRepository) MarkPaid(ctx context.Context, record *models.PayoutRecord, at time.Time) (covered int64, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark commissions paid: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const selectQuery = `SELECT id, amount_minor_units FROM affiliate_commissions
WHERE affiliate_id = $1 AND billing_period = $2 AND currency = $3 AND paid_at IS NULL AND created_at <= $4
ORDER BY id FOR UPDATE`
	var rows []commissionRow
	if err = tx.SelectContext(ctx, &rows, selectQuery, record.AffiliateID, record.BillingPeriod, record.Currency, record.CreatedAt); err != nil {
		return 0, fmt.Errorf("select commissions for payout %s: %w", record.ID, err)
	}
	if len(rows) == 0 {
		if err = tx.Commit(); err != nil {
			return 0, fmt.Errorf("mark commissions paid: %w", err)
		}
		return 0, nil
	}

	ids := make([]int64, 0, len(rows))
	var sum int64
	for _, row := range rows {
		ids = append(ids, row.ID)
		sum += row.Amount
	}
	if sum != record.AmountMinorUnits {
		err = fmt.Errorf("payout %s is %d but unpaid rows sum to %d: %w", record.ID, record.AmountMinorUnits, sum, ErrCommissionMismatch)
		return 0, err
	}

	const updateQuery = `UPDATE affiliate_commissions SET paid_at = $1, payout_id = $2 WHERE id = ANY($3)`
	if _, err = tx.ExecContext(ctx, updateQuery, at, record.ID, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("mark commissions paid: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark commissions paid: %w", err)
	}
	return sum, nil
}
