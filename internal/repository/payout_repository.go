package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/database"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
)

// ActivePeriodIndex is the partial unique index allowing one non-failed payout
// per affiliate and billing period.
const ActivePeriodIndex = "payout_records_active_period_idx"

const payoutColumns = `id, affiliate_id, affiliate_email, billing_period, amount_minor_units, currency, method, idempotency_key,
provider_reference, status, attempts, error_code, error_message, crm_synced_at, created_at, updated_at`

// PayoutRepository is the payout ledger. Rows are inserted and updated, never deleted.
type PayoutRepository struct {
	db *sqlx.DB
}

// NewPayoutRepository constructs the repository.
func NewPayoutRepository(db *sqlx.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// FindActive returns the non-failed record for the affiliate and period, or sql.ErrNoRows.
func (r *PayoutRepository) FindActive(ctx context.Context, affiliateID, period string) (*models.PayoutRecord, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_records
WHERE affiliate_id = $1 AND billing_period = $2 AND status <> 'failed' LIMIT 1`
	var record models.PayoutRecord
	if err := r.db.GetContext(ctx, &record, query, affiliateID, period); err != nil {
		return nil, fmt.Errorf("find active payout: %w", err)
	}
	return &record, nil
}

// Create inserts a new ledger row. A second active row for the same affiliate
// and period is reported as ErrConflict.
func (r *PayoutRepository) Create(ctx context.Context, record *models.PayoutRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = models.PayoutStatusPending
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt

	const query = `INSERT INTO payout_records (id, affiliate_id, affiliate_email, billing_period, amount_minor_units, currency, method,
idempotency_key, provider_reference, status, attempts, error_code, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.db.ExecContext(ctx, query,
		record.ID,
		record.AffiliateID,
		record.AffiliateEmail,
		record.BillingPeriod,
		record.AmountMinorUnits,
		record.Currency,
		record.Method,
		record.IdempotencyKey,
		record.ProviderReference,
		record.Status,
		record.Attempts,
		record.ErrorCode,
		record.ErrorMessage,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, ActivePeriodIndex) {
			return appErrors.WrapAs(appErrors.ErrConflict, err, "payout already recorded for period")
		}
		return fmt.Errorf("create payout record: %w", err)
	}
	return nil
}

// GetByID returns a ledger row by id.
func (r *PayoutRepository) GetByID(ctx context.Context, id string) (*models.PayoutRecord, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_records WHERE id = $1`
	var record models.PayoutRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, fmt.Errorf("get payout record: %w", err)
	}
	return &record, nil
}

// UpdatePayoutParams defines the mutable ledger fields.
type UpdatePayoutParams struct {
	Status            *models.PayoutStatus
	ProviderReference *string
	Attempts          *int
	ErrorCode         *string
	ErrorMessage      *string
	ClearError        bool
}

// Update persists an outcome for a ledger row.
func (r *PayoutRepository) Update(ctx context.Context, id string, params UpdatePayoutParams) error {
	set := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	argPos := 1

	if params.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *params.Status)
		argPos++
	}
	if params.ProviderReference != nil {
		set = append(set, fmt.Sprintf("provider_reference = $%d", argPos))
		args = append(args, *params.ProviderReference)
		argPos++
	}
	if params.Attempts != nil {
		set = append(set, fmt.Sprintf("attempts = $%d", argPos))
		args = append(args, *params.Attempts)
		argPos++
	}
	if params.ClearError {
		set = append(set, "error_code = NULL", "error_message = NULL")
	} else {
		if params.ErrorCode != nil {
			set = append(set, fmt.Sprintf("error_code = $%d", argPos))
			args = append(args, *params.ErrorCode)
			argPos++
		}
		if params.ErrorMessage != nil {
			set = append(set, fmt.Sprintf("error_message = $%d", argPos))
			args = append(args, *params.ErrorMessage)
			argPos++
		}
	}

	if len(set) == 0 {
		return nil
	}

	set = append(set, fmt.Sprintf("updated_at = $%d", argPos))
	args = append(args, time.Now().UTC())
	argPos++

	query := fmt.Sprintf("UPDATE payout_records SET %s WHERE id = $%d", strings.Join(set, ", "), argPos)
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update payout record: %w", err)
	}
	return nil
}

// List returns ledger rows matching the filter along with the total count.
func (r *PayoutRepository) List(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutRecord, int, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)

	if filter.AffiliateID != "" {
		args = append(args, filter.AffiliateID)
		where = append(where, fmt.Sprintf("affiliate_id = $%d", len(args)))
	}
	if filter.BillingPeriod != "" {
		args = append(args, filter.BillingPeriod)
		where = append(where, fmt.Sprintf("billing_period = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM payout_records"+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count payout records: %w", err)
	}

	page, size := filter.Page, filter.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 500 {
		size = 50
	}
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf("SELECT %s FROM payout_records%s ORDER BY billing_period DESC, created_at DESC LIMIT $%d OFFSET $%d",
		payoutColumns, clause, len(args)-1, len(args))

	var records []models.PayoutRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payout records: %w", err)
	}
	return records, total, nil
}

// ListByPeriod returns every ledger row of a billing period, oldest first.
func (r *PayoutRepository) ListByPeriod(ctx context.Context, period string) ([]models.PayoutRecord, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_records WHERE billing_period = $1 ORDER BY created_at ASC`
	var records []models.PayoutRecord
	if err := r.db.SelectContext(ctx, &records, query, period); err != nil {
		return nil, fmt.Errorf("list payouts by period: %w", err)
	}
	return records, nil
}

// ListUnsynced returns records whose status has not yet been mirrored to the CRM.
func (r *PayoutRepository) ListUnsynced(ctx context.Context, limit int) ([]models.PayoutRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + payoutColumns + ` FROM payout_records
WHERE crm_synced_at IS NULL AND status <> 'pending' ORDER BY updated_at ASC LIMIT $1`
	var records []models.PayoutRecord
	if err := r.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("list unsynced payouts: %w", err)
	}
	return records, nil
}

// MarkCRMSynced stamps the record as mirrored to the CRM.
func (r *PayoutRepository) MarkCRMSynced(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE payout_records SET crm_synced_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("mark payout crm synced: %w", err)
	}
	return nil
}
