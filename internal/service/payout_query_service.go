package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/dto"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/export"
)

type payoutReader interface {
	GetByID(ctx context.Context, id string) (*models.PayoutRecord, error)
	List(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutRecord, int, error)
	ListByPeriod(ctx context.Context, period string) ([]models.PayoutRecord, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
	ContentType() string
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
	ContentType() string
}

// ExportFormat selects the ledger export encoding.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportFile is a rendered ledger export.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

var exportHeaders = []string{"payout_id", "affiliate_id", "affiliate_email", "method", "amount", "currency", "status", "provider_reference", "error_code", "updated_at"}

// PayoutQueryService reads the payout ledger for operators and affiliates.
type PayoutQueryService struct {
	ledger payoutReader
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
}

// NewPayoutQueryService constructs the service. Nil renderers default to pkg/export.
func NewPayoutQueryService(ledger payoutReader, csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *PayoutQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &PayoutQueryService{ledger: ledger, csv: csv, pdf: pdf, logger: logger}
}

// Get returns a single ledger record.
func (s *PayoutQueryService) Get(ctx context.Context, id string) (*models.PayoutRecord, error) {
	record, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payout not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payout")
	}
	return record, nil
}

// List returns ledger records matching filter.
func (s *PayoutQueryService) List(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutRecord, *models.Pagination, error) {
	if filter.BillingPeriod != "" {
		period, err := models.ParseBillingPeriod(filter.BillingPeriod)
		if err != nil {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
		}
		filter.BillingPeriod = period
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 50
	}
	records, total, err := s.ledger.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payouts")
	}
	return records, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// ListForAffiliate returns the affiliate-facing view of an affiliate's payouts,
// newest first, always read from the ledger.
func (s *PayoutQueryService) ListForAffiliate(ctx context.Context, affiliateID string, page, pageSize int) ([]dto.AffiliatePayout, *models.Pagination, error) {
	if strings.TrimSpace(affiliateID) == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "affiliate id is required")
	}
	records, pagination, err := s.List(ctx, models.PayoutFilter{AffiliateID: affiliateID, Page: page, PageSize: pageSize})
	if err != nil {
		return nil, nil, err
	}
	out := make([]dto.AffiliatePayout, 0, len(records))
	for _, r := range records {
		out = append(out, dto.NewAffiliatePayout(r))
	}
	return out, pagination, nil
}

// Export renders every ledger record for period with a per-currency total footer.
func (s *PayoutQueryService) Export(ctx context.Context, period string, format ExportFormat) (*ExportFile, error) {
	period, err := models.ParseBillingPeriod(period)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if format == "" {
		format = ExportFormatCSV
	}

	records, err := s.ledger.ListByPeriod(ctx, period)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payouts for export")
	}
	dataset := buildLedgerDataset(records)

	file := &ExportFile{Filename: fmt.Sprintf("payouts_%s.%s", period, format)}
	switch format {
	case ExportFormatCSV:
		file.Data, err = s.csv.Render(dataset)
		file.ContentType = s.csv.ContentType()
	case ExportFormatPDF:
		file.Data, err = s.pdf.Render(dataset, "Affiliate payouts "+period)
		file.ContentType = s.pdf.ContentType()
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render payout export")
	}
	s.logger.Sugar().Infow("payout ledger exported", "period", period, "format", format, "rows", len(records))
	return file, nil
}

func buildLedgerDataset(records []models.PayoutRecord) export.Dataset {
	rows := make([]map[string]string, 0, len(records))
	totals := map[string]int64{}
	var currencies []string
	for _, r := range records {
		rows = append(rows, map[string]string{
			"payout_id":          r.ID,
			"affiliate_id":       r.AffiliateID,
			"affiliate_email":    r.AffiliateEmail,
			"method":             string(r.Method),
			"amount":             models.FormatMinorUnits(r.AmountMinorUnits),
			"currency":           r.Currency,
			"status":             string(r.Status),
			"provider_reference": deref(r.ProviderReference),
			"error_code":         deref(r.ErrorCode),
			"updated_at":         r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
		if r.Status == models.PayoutStatusSubmitted || r.Status == models.PayoutStatusSettled {
			if _, seen := totals[r.Currency]; !seen {
				currencies = append(currencies, r.Currency)
			}
			totals[r.Currency] += r.AmountMinorUnits
		}
	}

	dataset := export.Dataset{Headers: exportHeaders, Rows: rows}
	if len(currencies) > 0 {
		amounts := make([]string, 0, len(currencies))
		for _, cur := range currencies {
			amounts = append(amounts, models.FormatMinorUnits(totals[cur]))
		}
		dataset.Footer = map[string]string{
			"payout_id": "TOTAL PAID",
			"amount":    strings.Join(amounts, " / "),
			"currency":  strings.Join(currencies, " / "),
		}
	}
	return dataset
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
