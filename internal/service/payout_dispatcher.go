package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/internal/provider"
	"github.com/noah-isme/dive-affiliate-payouts/internal/repository"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/events"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/retry"
)

// Ledger error codes written by the dispatcher itself.
const (
	ErrorCodeNoEligibleProvider    = "NO_ELIGIBLE_PROVIDER"
	ErrorCodeInvalidRequest        = "INVALID_PAYOUT_REQUEST"
	ErrorCodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	ErrorCodeBatchDeadline         = "BATCH_DEADLINE"
)

const (
	outcomeWriteTimeout = 15 * time.Second
	crmSyncTimeout      = 30 * time.Second
)

type commissionSource interface {
	ListEligible(ctx context.Context, period string, minimum int64) ([]models.AffiliateCommission, error)
	MarkPaid(ctx context.Context, record *models.PayoutRecord, at time.Time) (int64, error)
}

type payoutLedger interface {
	FindActive(ctx context.Context, affiliateID, period string) (*models.PayoutRecord, error)
	Create(ctx context.Context, record *models.PayoutRecord) error
	Update(ctx context.Context, id string, params repository.UpdatePayoutParams) error
}

type providerSelector interface {
	Select(req models.PayoutRequest) (provider.Adapter, bool)
	Adapter(method models.PayoutMethod) (provider.Adapter, bool)
}

type payoutSyncer interface {
	SyncPayout(ctx context.Context, record *models.PayoutRecord, name string) error
	Reconcile(ctx context.Context) (int, int, error)
}

// PayoutDispatcherConfig tunes batch execution.
type PayoutDispatcherConfig struct {
	MinimumThreshold int64
	Workers          int
	BatchTimeout     time.Duration
	ProviderTimeout  time.Duration
	ProviderRetry    retry.Policy
	DefaultCurrency  string
}

// PayoutDispatcher pays every affiliate with enough unpaid commission for a
// billing period exactly once, recording each attempt in the payout ledger.
type PayoutDispatcher struct {
	commissions commissionSource
	ledger      payoutLedger
	providers   providerSelector
	crm         payoutSyncer
	events      events.Publisher
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         PayoutDispatcherConfig
	now         func() time.Time
}

// NewPayoutDispatcher constructs the dispatcher. crm and publisher may be nil.
func NewPayoutDispatcher(commissions commissionSource, ledger payoutLedger, providers providerSelector, crm payoutSyncer, publisher events.Publisher, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg PayoutDispatcherConfig) *PayoutDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if publisher == nil {
		publisher = &events.NopPublisher{Logger: logger}
	}
	if cfg.MinimumThreshold <= 0 {
		cfg.MinimumThreshold = 5000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.ProviderRetry.MaxAttempts <= 0 {
		cfg.ProviderRetry = retry.Policy{MaxAttempts: 4, InitialDelay: time.Second, Multiplier: 4}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &PayoutDispatcher{
		commissions: commissions,
		ledger:      ledger,
		providers:   providers,
		crm:         crm,
		events:      publisher,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunBatch pays the current billing period.
func (d *PayoutDispatcher) RunBatch(ctx context.Context) (*models.BatchResult, error) {
	return d.RunBatchForPeriod(ctx, models.BillingPeriodFor(d.now()))
}

// RunBatchForPeriod pays every eligible affiliate for period. Provider failures
// are recorded per affiliate and never abort the batch. When CRM credentials
// need re-authorization the batch still completes its payouts, skips further
// CRM sync and returns ErrReauthorizationRequired with the result.
func (d *PayoutDispatcher) RunBatchForPeriod(ctx context.Context, period string) (*models.BatchResult, error) {
	period, err := models.ParseBillingPeriod(period)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid billing period")
	}

	result := &models.BatchResult{ID: uuid.NewString(), Period: period, StartedAt: d.now()}
	batchCtx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()

	var crmHalted atomic.Bool
	if d.crm != nil {
		synced, failed, err := d.crm.Reconcile(batchCtx)
		result.CRMSynced += synced
		result.CRMFailed += failed
		if errors.Is(err, appErrors.ErrReauthorizationRequired) {
			crmHalted.Store(true)
		} else if err != nil {
			d.logger.Warn("crm reconciliation failed", zap.Error(err))
		}
	}

	commissions, err := d.commissions.ListEligible(batchCtx, period, d.cfg.MinimumThreshold)
	if err != nil {
		result.FinishedAt = d.now()
		return result, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load eligible commissions")
	}

	d.logger.Sugar().Infow("payout batch started", "batch_id", result.ID, "period", period, "candidates", len(commissions))

	// One worker owns all of an affiliate's rows so its ledger steps never interleave.
	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(d.cfg.Workers)
	for _, rows := range d.groupByAffiliate(commissions) {
		if batchCtx.Err() != nil {
			break
		}
		rows := rows
		mu.Lock()
		result.Eligible += len(rows)
		mu.Unlock()
		g.Go(func() error {
			for _, commission := range rows {
				out := d.processAffiliate(batchCtx, period, commission, &crmHalted)
				mu.Lock()
				out.apply(result)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.FinishedAt = d.now()
	result.CRMHalted = crmHalted.Load()
	d.metrics.ObserveBatch(result.FinishedAt.Sub(result.StartedAt))
	d.logger.Sugar().Infow("payout batch finished",
		"batch_id", result.ID,
		"period", period,
		"eligible", result.Eligible,
		"skipped", result.Skipped,
		"submitted", result.Submitted,
		"settled", result.Settled,
		"manual_review", result.ManualReview,
		"failed", result.Failed,
		"left_pending", result.LeftPending,
		"unpaid", len(result.Unpaid),
		"crm_halted", result.CRMHalted,
	)

	if result.CRMHalted {
		err := appErrors.Clone(appErrors.ErrReauthorizationRequired, "payouts completed but crm sync halted: crm connection requires re-authorization")
		result.Error = err.Message
		return result, err
	}
	return result, nil
}

// groupByAffiliate keeps eligible rows in listing order, one slice per affiliate.
func (d *PayoutDispatcher) groupByAffiliate(commissions []models.AffiliateCommission) [][]models.AffiliateCommission {
	index := make(map[string]int)
	var groups [][]models.AffiliateCommission
	for _, c := range commissions {
		if c.PendingCommission < d.cfg.MinimumThreshold {
			continue
		}
		i, ok := index[c.AffiliateID]
		if !ok {
			i = len(groups)
			index[c.AffiliateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

type affiliateOutcome struct {
	status  models.PayoutStatus
	skipped bool
	errored bool
	resumed bool
	crm     string
	unpaid  *models.UnpaidCommission
}

func (o affiliateOutcome) apply(r *models.BatchResult) {
	if o.resumed {
		r.Resumed++
	}
	if o.unpaid != nil {
		r.Unpaid = append(r.Unpaid, *o.unpaid)
	}
	switch {
	case o.skipped:
		r.Skipped++
	case o.errored:
		r.Errored++
	default:
		switch o.status {
		case models.PayoutStatusSubmitted:
			r.Submitted++
		case models.PayoutStatusSettled:
			r.Settled++
		case models.PayoutStatusManualReview:
			r.ManualReview++
		case models.PayoutStatusFailed:
			r.Failed++
		case models.PayoutStatusPending:
			r.LeftPending++
		}
	}
	switch o.crm {
	case "synced":
		r.CRMSynced++
	case "failed":
		r.CRMFailed++
	}
}

func (d *PayoutDispatcher) processAffiliate(ctx context.Context, period string, c models.AffiliateCommission, crmHalted *atomic.Bool) affiliateOutcome {
	log := d.logger.With(zap.String("affiliate_id", c.AffiliateID), zap.String("period", period))
	req := d.requestFor(c, period)

	existing, err := d.ledger.FindActive(ctx, c.AffiliateID, period)
	switch {
	case err == nil && existing.Currency != req.Currency:
		log.Warn("commission currency differs from the period payout, leaving it unpaid",
			zap.String("payout_id", existing.ID),
			zap.String("payout_currency", existing.Currency),
			zap.String("currency", req.Currency),
			zap.Int64("amount_minor_units", c.PendingCommission),
		)
		return affiliateOutcome{skipped: true, unpaid: unpaidCommission(existing, req.Currency, c.PendingCommission, models.UnpaidReasonOtherCurrency)}
	case err == nil && existing.Status != models.PayoutStatusPending:
		return d.skipPaid(ctx, existing, c, log)
	case err == nil:
		return d.resume(ctx, req, existing, c, crmHalted, log)
	case !errors.Is(err, sql.ErrNoRows):
		log.Error("failed to check payout ledger", zap.Error(err))
		return affiliateOutcome{errored: true}
	}

	if err := d.validator.Struct(req); err != nil {
		return d.recordManualReview(ctx, req, c, ErrorCodeInvalidRequest, err.Error(), crmHalted, log)
	}

	adapter, ok := d.providers.Select(req)
	if !ok {
		return d.recordManualReview(ctx, req, c, ErrorCodeNoEligibleProvider, "no configured payout provider supports this request", crmHalted, log)
	}

	method := adapter.Capability().Name
	record := &models.PayoutRecord{
		AffiliateID:      req.AffiliateID,
		AffiliateEmail:   req.AffiliateEmail,
		BillingPeriod:    period,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Method:           method,
		IdempotencyKey:   provider.IdempotencyKey(req.AffiliateID, period, method),
		Status:           models.PayoutStatusPending,
	}
	if err := d.ledger.Create(ctx, record); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			log.Info("payout already recorded by a concurrent run")
			return affiliateOutcome{skipped: true}
		}
		log.Error("failed to create pending payout record", zap.Error(err))
		return affiliateOutcome{errored: true}
	}

	out := d.submit(ctx, adapter, req, record, log)
	out.crm = d.syncCRM(ctx, record, c.Name, crmHalted, log)
	return out
}

// resume re-evaluates a record left pending by an interrupted run. The same
// method and idempotency key are used so a payout the provider already
// accepted is returned rather than paid again.
func (d *PayoutDispatcher) resume(ctx context.Context, req models.PayoutRequest, record *models.PayoutRecord, c models.AffiliateCommission, crmHalted *atomic.Bool, log *zap.Logger) affiliateOutcome {
	log = log.With(zap.String("payout_id", record.ID), zap.String("method", string(record.Method)))
	req.AmountMinorUnits = record.AmountMinorUnits
	req.Currency = record.Currency

	adapter, ok := d.providers.Adapter(record.Method)
	if !ok {
		log.Warn("pending payout references a provider that is no longer configured")
		out := d.finish(ctx, record, models.PayoutStatusManualReview, "", ErrorCodeProviderNotConfigured, "provider "+string(record.Method)+" is not configured", log)
		out.resumed = true
		out.crm = d.syncCRM(ctx, record, c.Name, crmHalted, log)
		return out
	}

	log.Info("re-evaluating pending payout")
	out := d.submit(ctx, adapter, req, record, log)
	out.resumed = true
	out.crm = d.syncCRM(ctx, record, c.Name, crmHalted, log)
	return out
}

func (d *PayoutDispatcher) submit(ctx context.Context, adapter provider.Adapter, req models.PayoutRequest, record *models.PayoutRecord, log *zap.Logger) affiliateOutcome {
	method := adapter.Capability().Name
	policy := d.cfg.ProviderRetry
	policy.Retryable = provider.IsRetryable
	policy.OnRetry = func(err error, attempt int, next time.Duration) {
		log.Warn("payout provider unavailable, retrying",
			zap.String("method", string(method)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	var result *provider.Result
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		record.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
		defer cancel()

		started := time.Now()
		r, err := adapter.SubmitPayout(callCtx, req)
		d.metrics.ObserveProviderCall(method, providerCallResult(err), time.Since(started))
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	switch {
	case err == nil:
		return d.finish(ctx, record, result.Status, result.ProviderReference, "", "", log)
	case provider.IsRejected(err):
		code, message := provider.Details(err)
		log.Warn("payout rejected by provider, routing to manual review", zap.String("method", string(method)), zap.String("code", code), zap.String("message", message))
		return d.finish(ctx, record, models.PayoutStatusManualReview, "", code, message, log)
	case ctx.Err() != nil:
		_, message := provider.Details(err)
		log.Warn("batch deadline reached during payout submission, leaving record pending", zap.Error(err))
		return d.finish(ctx, record, models.PayoutStatusPending, "", ErrorCodeBatchDeadline, message, log)
	default:
		code, message := provider.Details(err)
		log.Error("payout provider unavailable after retries", zap.String("method", string(method)), zap.Int("attempts", record.Attempts), zap.Error(err))
		return d.finish(ctx, record, models.PayoutStatusFailed, "", code, message, log)
	}
}

// finish writes the outcome on a context detached from the batch deadline so
// the ledger reflects what happened even when the batch ran out of time.
func (d *PayoutDispatcher) finish(ctx context.Context, record *models.PayoutRecord, status models.PayoutStatus, reference, code, message string, log *zap.Logger) affiliateOutcome {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	attempts := record.Attempts
	params := repository.UpdatePayoutParams{Status: &status, Attempts: &attempts}
	if reference != "" {
		params.ProviderReference = &reference
	}
	if code == "" && message == "" {
		params.ClearError = true
	} else {
		params.ErrorCode = &code
		params.ErrorMessage = &message
	}
	if err := d.ledger.Update(writeCtx, record.ID, params); err != nil {
		log.Error("failed to record payout outcome", zap.String("payout_id", record.ID), zap.String("status", string(status)), zap.Error(err))
		return affiliateOutcome{errored: true}
	}

	record.Status = status
	if reference != "" {
		record.ProviderReference = &reference
	}
	if params.ClearError {
		record.ErrorCode, record.ErrorMessage = nil, nil
	} else {
		record.ErrorCode, record.ErrorMessage = &code, &message
	}
	record.UpdatedAt = d.now()

	out := affiliateOutcome{status: status}
	if status == models.PayoutStatusSubmitted || status == models.PayoutStatusSettled {
		if _, err := d.markCommissionsPaid(writeCtx, record, log); errors.Is(err, repository.ErrCommissionMismatch) {
			out.unpaid = unpaidCommission(record, record.Currency, record.AmountMinorUnits, models.UnpaidReasonAmountMismatch)
		}
	}
	if status != models.PayoutStatusPending {
		d.metrics.RecordPayout(record.Method, status)
		d.publish(writeCtx, record, log)
	}
	log.Info("payout outcome recorded", zap.String("payout_id", record.ID), zap.String("status", string(status)), zap.String("method", string(record.Method)))
	return out
}

func (d *PayoutDispatcher) recordManualReview(ctx context.Context, req models.PayoutRequest, c models.AffiliateCommission, code, message string, crmHalted *atomic.Bool, log *zap.Logger) affiliateOutcome {
	record := &models.PayoutRecord{
		AffiliateID:      req.AffiliateID,
		AffiliateEmail:   req.AffiliateEmail,
		BillingPeriod:    req.BillingPeriod,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Method:           req.PreferredMethod,
		IdempotencyKey:   provider.IdempotencyKey(req.AffiliateID, req.BillingPeriod, req.PreferredMethod),
		Status:           models.PayoutStatusManualReview,
		ErrorCode:        &code,
		ErrorMessage:     &message,
	}
	if err := d.ledger.Create(ctx, record); err != nil {
		if errors.Is(err, appErrors.ErrConflict) {
			return affiliateOutcome{skipped: true}
		}
		log.Error("failed to record payout for manual review", zap.Error(err))
		return affiliateOutcome{errored: true}
	}
	log.Warn("payout routed to manual review", zap.String("payout_id", record.ID), zap.String("code", code))
	d.metrics.RecordPayout(record.Method, record.Status)
	d.publish(ctx, record, log)
	return affiliateOutcome{status: models.PayoutStatusManualReview, crm: d.syncCRM(ctx, record, c.Name, crmHalted, log)}
}

func (d *PayoutDispatcher) syncCRM(ctx context.Context, record *models.PayoutRecord, name string, crmHalted *atomic.Bool, log *zap.Logger) string {
	if d.crm == nil || record.Status == models.PayoutStatusPending || crmHalted.Load() {
		return ""
	}
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), crmSyncTimeout)
	defer cancel()

	if err := d.crm.SyncPayout(syncCtx, record, name); err != nil {
		if errors.Is(err, appErrors.ErrReauthorizationRequired) {
			if crmHalted.CompareAndSwap(false, true) {
				log.Error("crm credentials need re-authorization, skipping crm sync for the rest of the batch", zap.Error(err))
			}
		} else {
			log.Warn("crm status sync failed, will reconcile on next run", zap.String("payout_id", record.ID), zap.Error(err))
		}
		return "failed"
	}
	return "synced"
}

func (d *PayoutDispatcher) markCommissionsPaid(ctx context.Context, record *models.PayoutRecord, log *zap.Logger) (int64, error) {
	covered, err := d.commissions.MarkPaid(ctx, record, d.now())
	if err != nil {
		log.Error("failed to mark commissions paid", zap.String("payout_id", record.ID), zap.Error(err))
	}
	return covered, err
}

// skipPaid handles an affiliate whose period payout already finished. Rows the
// payout covered but were never marked are repaired; any other unpaid
// commission is reported rather than attributed to that payout.
func (d *PayoutDispatcher) skipPaid(ctx context.Context, existing *models.PayoutRecord, c models.AffiliateCommission, log *zap.Logger) affiliateOutcome {
	if existing.Status != models.PayoutStatusSubmitted && existing.Status != models.PayoutStatusSettled {
		return affiliateOutcome{skipped: true}
	}
	covered, err := d.markCommissionsPaid(ctx, existing, log)
	reason := models.UnpaidReasonAfterPayout
	switch {
	case errors.Is(err, repository.ErrCommissionMismatch):
		covered = 0
		reason = models.UnpaidReasonAmountMismatch
	case err != nil:
		return affiliateOutcome{skipped: true}
	}
	leftover := c.PendingCommission - covered
	if leftover <= 0 {
		return affiliateOutcome{skipped: true}
	}
	log.Warn("unpaid commission remains after the period payout",
		zap.String("payout_id", existing.ID),
		zap.Int64("amount_minor_units", leftover),
		zap.String("reason", reason),
	)
	return affiliateOutcome{skipped: true, unpaid: unpaidCommission(existing, c.Currency, leftover, reason)}
}

func unpaidCommission(payout *models.PayoutRecord, currency string, amount int64, reason string) *models.UnpaidCommission {
	return &models.UnpaidCommission{
		AffiliateID:      payout.AffiliateID,
		PayoutID:         payout.ID,
		Currency:         currency,
		AmountMinorUnits: amount,
		Reason:           reason,
	}
}

func (d *PayoutDispatcher) publish(ctx context.Context, record *models.PayoutRecord, log *zap.Logger) {
	event := events.PayoutEvent{
		PayoutID:         record.ID,
		AffiliateID:      record.AffiliateID,
		BillingPeriod:    record.BillingPeriod,
		Method:           string(record.Method),
		Status:           string(record.Status),
		AmountMinorUnits: record.AmountMinorUnits,
		Currency:         record.Currency,
		OccurredAt:       d.now(),
	}
	if record.ProviderReference != nil {
		event.ProviderReference = *record.ProviderReference
	}
	if record.ErrorCode != nil {
		event.ErrorCode = *record.ErrorCode
	}
	if err := d.events.PublishPayoutEvent(ctx, event); err != nil {
		log.Warn("failed to publish payout event", zap.String("payout_id", record.ID), zap.Error(err))
	}
}

func (d *PayoutDispatcher) requestFor(c models.AffiliateCommission, period string) models.PayoutRequest {
	currency := c.Currency
	if currency == "" {
		currency = d.cfg.DefaultCurrency
	}
	return models.PayoutRequest{
		AffiliateID:        c.AffiliateID,
		AffiliateEmail:     c.Email,
		AffiliateName:      c.Name,
		AmountMinorUnits:   c.PendingCommission,
		Currency:           currency,
		Description:        fmt.Sprintf("Affiliate commission %s", period),
		PreferredMethod:    c.PreferredMethod,
		BillingPeriod:      period,
		StripeAccountID:    c.StripeAccountID,
		PayPalEmail:        c.PayPalEmail,
		BankCounterpartyID: c.BankCounterpartyID,
	}
}

func providerCallResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case provider.IsRejected(err):
		return "rejected"
	default:
		return "unavailable"
	}
}
