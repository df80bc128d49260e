package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/dive-affiliate-payouts/internal/dto"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/internal/service"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/response"
)

type batchTrigger interface {
	Trigger(period string) (string, error)
	Status(period string) (*service.BatchStatus, error)
}

type payoutQuery interface {
	Get(ctx context.Context, id string) (*models.PayoutRecord, error)
	List(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutRecord, *models.Pagination, error)
	ListForAffiliate(ctx context.Context, affiliateID string, page, pageSize int) ([]dto.AffiliatePayout, *models.Pagination, error)
	Export(ctx context.Context, period string, format service.ExportFormat) (*service.ExportFile, error)
}

// PayoutHandler exposes batch control and ledger reads.
type PayoutHandler struct {
	batches batchTrigger
	payouts payoutQuery
}

// NewPayoutHandler constructs the handler.
func NewPayoutHandler(batches batchTrigger, payouts payoutQuery) *PayoutHandler {
	return &PayoutHandler{batches: batches, payouts: payouts}
}

// TriggerBatch godoc
// @Summary Run a payout batch
// @Description Enqueues a payout batch for the given billing period (defaults to the current month).
// @Tags Payouts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.TriggerBatchRequest false "Batch period"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /payouts/batches [post]
func (h *PayoutHandler) TriggerBatch(c *gin.Context) {
	var req dto.TriggerBatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload"))
			return
		}
	}
	jobID, err := h.batches.Trigger(req.Period)
	if err != nil {
		response.Error(c, err)
		return
	}
	resp := dto.TriggerBatchResponse{Period: strings.TrimPrefix(jobID, "batch:"), JobID: jobID}
	if claims := claimsFromContext(c); claims != nil {
		resp.RequestedBy = claims.Subject
	}
	response.Accepted(c, resp)
}

// BatchStatus godoc
// @Summary Payout batch status
// @Tags Payouts
// @Produce json
// @Security BearerAuth
// @Param period path string true "Billing period (YYYY-MM)"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /payouts/batches/{period} [get]
func (h *PayoutHandler) BatchStatus(c *gin.Context) {
	status, err := h.batches.Status(c.Param("period"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// List godoc
// @Summary List payout ledger records
// @Tags Payouts
// @Produce json
// @Security BearerAuth
// @Param period query string false "Billing period (YYYY-MM)"
// @Param status query string false "Ledger status"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /payouts [get]
func (h *PayoutHandler) List(c *gin.Context) {
	var query dto.PayoutListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid query"))
		return
	}
	filter := models.PayoutFilter{BillingPeriod: query.Period, Page: query.Page, PageSize: query.PageSize}
	if query.Status != "" {
		status := models.PayoutStatus(strings.ToLower(query.Status))
		filter.Status = &status
	}
	records, pagination, err := h.payouts.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, pagination)
}

// Get godoc
// @Summary Payout ledger record
// @Tags Payouts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Payout ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /payouts/{id} [get]
func (h *PayoutHandler) Get(c *gin.Context) {
	record, err := h.payouts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, record, nil)
}

// Export godoc
// @Summary Export the payout ledger for a period
// @Tags Payouts
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param period query string true "Billing period (YYYY-MM)"
// @Param format query string false "csv or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /payouts/export [get]
func (h *PayoutHandler) Export(c *gin.Context) {
	var query dto.ExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "period is required"))
		return
	}
	file, err := h.payouts.Export(c.Request.Context(), query.Period, service.ExportFormat(strings.ToLower(query.Format)))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Data)
}

// AffiliatePayouts godoc
// @Summary An affiliate's payouts
// @Description Affiliate-facing statuses: paid, pending or failed.
// @Tags Affiliates
// @Produce json
// @Security BearerAuth
// @Param id path string true "Affiliate ID"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /affiliates/{id}/payouts [get]
func (h *PayoutHandler) AffiliatePayouts(c *gin.Context) {
	payouts, pagination, err := h.payouts.ListForAffiliate(c.Request.Context(), c.Param("id"), queryInt(c, "page", 1), queryInt(c, "pageSize", 20))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payouts, pagination)
}
