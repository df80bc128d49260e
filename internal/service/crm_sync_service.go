package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
)

// CRM contact tags mirroring payout status.
const (
	TagCommissionPaid         = "Commission Paid"
	TagCommissionReview       = "Commission Payout Review"
	TagCommissionPayoutFailed = "Commission Payout Failed"
)

type crmGateway interface {
	ContactID(ctx context.Context, email, name string) (string, error)
	AddTags(ctx context.Context, contactID string, tags []string) error
}

type payoutSyncStore interface {
	ListUnsynced(ctx context.Context, limit int) ([]models.PayoutRecord, error)
	MarkCRMSynced(ctx context.Context, id string, at time.Time) error
}

// CRMSyncService mirrors payout outcomes onto the affiliate's CRM contact.
// Failures never touch the payout itself; unsynced rows are retried by Reconcile.
type CRMSyncService struct {
	gateway crmGateway
	ledger  payoutSyncStore
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewCRMSyncService constructs the service.
func NewCRMSyncService(gateway crmGateway, ledger payoutSyncStore, metrics *MetricsService, logger *zap.Logger) *CRMSyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CRMSyncService{
		gateway: gateway,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TagsFor returns the contact tags for a ledger status. Pending payouts have none.
func TagsFor(status models.PayoutStatus) []string {
	switch status {
	case models.PayoutStatusSubmitted, models.PayoutStatusSettled:
		return []string{TagCommissionPaid}
	case models.PayoutStatusManualReview:
		return []string{TagCommissionReview}
	case models.PayoutStatusFailed:
		return []string{TagCommissionPayoutFailed}
	default:
		return nil
	}
}

// SyncPayout tags the affiliate's contact with the record's status and stamps the record as synced.
func (s *CRMSyncService) SyncPayout(ctx context.Context, record *models.PayoutRecord, name string) error {
	tags := TagsFor(record.Status)
	if len(tags) == 0 {
		return nil
	}

	contactID, err := s.gateway.ContactID(ctx, record.AffiliateEmail, name)
	if err == nil {
		err = s.gateway.AddTags(ctx, contactID, tags)
	}
	if err != nil {
		s.metrics.RecordCRMSync(syncResult(err))
		return err
	}

	at := s.now()
	if err := s.ledger.MarkCRMSynced(ctx, record.ID, at); err != nil {
		s.logger.Warn("crm synced but ledger stamp failed", zap.String("payout_id", record.ID), zap.Error(err))
	} else {
		record.CRMSyncedAt = &at
	}
	s.metrics.RecordCRMSync("success")
	return nil
}

// Reconcile retries CRM sync for records left unsynced by earlier runs. It
// stops at the first ErrReauthorizationRequired and returns it.
func (s *CRMSyncService) Reconcile(ctx context.Context) (synced int, failed int, err error) {
	records, err := s.ledger.ListUnsynced(ctx, 200)
	if err != nil {
		return 0, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list unsynced payouts")
	}
	for i := range records {
		record := &records[i]
		if err := s.SyncPayout(ctx, record, ""); err != nil {
			failed++
			if errors.Is(err, appErrors.ErrReauthorizationRequired) {
				s.logger.Error("crm reconciliation halted, re-authorization required", zap.Error(err))
				return synced, failed, err
			}
			s.logger.Warn("crm reconciliation failed", zap.String("payout_id", record.ID), zap.Error(err))
			continue
		}
		synced++
	}
	if len(records) > 0 {
		s.logger.Sugar().Infow("crm reconciliation finished", "synced", synced, "failed", failed)
	}
	return synced, failed, nil
}

func syncResult(err error) string {
	switch {
	case errors.Is(err, appErrors.ErrReauthorizationRequired):
		return "reauthorization_required"
	case errors.Is(err, appErrors.ErrAuthenticationFailed):
		return "authentication_failed"
	default:
		return "error"
	}
}
