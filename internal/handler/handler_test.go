package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/dive-affiliate-payouts/internal/dto"
	"github.com/noah-isme/dive-affiliate-payouts/internal/middleware"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	"github.com/noah-isme/dive-affiliate-payouts/internal/service"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
)

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

type consentStub struct{}

func (consentStub) AuthCodeURL(state string) string {
	return "https://crm.example.com/oauth/chooselocation?state=" + url.QueryEscape(state)
}

type connectionStub struct {
	codes  []string
	err    error
	status models.ConnectionStatus
}

func (s *connectionStub) ExchangeAuthorizationCode(ctx context.Context, code string) (*models.TokenSet, error) {
	s.codes = append(s.codes, code)
	if s.err != nil {
		return nil, s.err
	}
	return &models.TokenSet{ConnectionID: "default", LocationID: "loc-1"}, nil
}

func (s *connectionStub) Status(ctx context.Context) (models.ConnectionStatus, error) {
	return s.status, nil
}

func newStateSigner() *service.APITokenService {
	return service.NewAPITokenService(service.APITokenConfig{Secret: "secret", Issuer: "payouts"}, nil)
}

func issuedState(t *testing.T, signer *service.APITokenService) string {
	t.Helper()
	state, err := signer.IssueOAuthState("ops@example.com")
	require.NoError(t, err)
	return state
}

func TestCRMAuthorizeSetsStateCookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := newStateSigner()
	h := NewCRMHandler(consentStub{}, signer, &connectionStub{}, false, nil)

	c, w := newGinContext(http.MethodGet, "/oauth/crm/authorize", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{Role: models.RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: "ops@example.com"}})
	h.Authorize(c)

	require.Equal(t, http.StatusFound, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, oauthStateCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Contains(t, w.Header().Get("Location"), "state="+url.QueryEscape(cookies[0].Value))

	claims, err := signer.ValidateOAuthState(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
}

func TestCRMAuthorizeRejectsAnonymousCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := newStateSigner()
	h := NewCRMHandler(consentStub{}, signer, &connectionStub{}, false, nil)

	r := gin.New()
	r.GET("/oauth/crm/authorize", middleware.JWT(signer), middleware.RequireRoles(models.RoleOperator), h.Authorize)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/crm/authorize", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.Empty(t, w.Header().Get("Location"))

	// A state token cannot stand in for an operator bearer.
	req := httptest.NewRequest(http.MethodGet, "/oauth/crm/authorize", nil)
	req.Header.Set("Authorization", "Bearer "+issuedState(t, signer))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	affiliate, _, err := signer.Issue("aff-1", models.RoleAffiliate, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/oauth/crm/authorize", nil)
	req.Header.Set("Authorization", "Bearer "+affiliate)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestCRMAuthorizeWithoutClaimsIsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewCRMHandler(consentStub{}, newStateSigner(), &connectionStub{}, false, nil)

	c, w := newGinContext(http.MethodGet, "/oauth/crm/authorize", nil)
	h.Authorize(c)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Result().Cookies())
}

func TestCRMCallbackExchangesCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := newStateSigner()
	conn := &connectionStub{status: models.ConnectionStatus{ConnectionID: "default", State: models.TokenStateValid}}
	h := NewCRMHandler(consentStub{}, signer, conn, false, nil)

	state := issuedState(t, signer)
	c, w := newGinContext(http.MethodGet, "/oauth/crm/callback?code=abc&state="+url.QueryEscape(state), nil)
	c.Request.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: state})
	h.Callback(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"abc"}, conn.codes)
	assert.Contains(t, w.Body.String(), `"state":"valid"`)
}

func TestCRMCallbackRejectsStateMismatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := newStateSigner()
	conn := &connectionStub{}
	h := NewCRMHandler(consentStub{}, signer, conn, false, nil)

	c, w := newGinContext(http.MethodGet, "/oauth/crm/callback?code=abc&state=forged", nil)
	c.Request.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: issuedState(t, signer)})
	h.Callback(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, conn.codes)
}

func TestCRMCallbackRejectsUnsignedState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn := &connectionStub{}
	h := NewCRMHandler(consentStub{}, newStateSigner(), conn, false, nil)

	// Cookie and query agree, but the state was never issued by this service.
	c, w := newGinContext(http.MethodGet, "/oauth/crm/callback?code=abc&state=s-1", nil)
	c.Request.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s-1"})
	h.Callback(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, conn.codes)

	other := service.NewAPITokenService(service.APITokenConfig{Secret: "other", Issuer: "payouts"}, nil)
	state := issuedState(t, other)
	c, w = newGinContext(http.MethodGet, "/oauth/crm/callback?code=abc&state="+url.QueryEscape(state), nil)
	c.Request.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: state})
	h.Callback(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, conn.codes)
}

func TestCRMCallbackSurfacesRejectedCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := newStateSigner()
	conn := &connectionStub{err: appErrors.Clone(appErrors.ErrInvalidAuthorizationCode, "")}
	h := NewCRMHandler(consentStub{}, signer, conn, false, nil)

	state := issuedState(t, signer)
	c, w := newGinContext(http.MethodGet, "/oauth/crm/callback?code=expired&state="+url.QueryEscape(state), nil)
	c.Request.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: state})
	h.Callback(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrInvalidAuthorizationCode.Code)
}

type batchTriggerStub struct {
	periods []string
	err     error
	status  *service.BatchStatus
}

func (s *batchTriggerStub) Trigger(period string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if period == "" {
		period = "2026-10"
	}
	s.periods = append(s.periods, period)
	return "batch:" + period, nil
}

func (s *batchTriggerStub) Status(period string) (*service.BatchStatus, error) {
	if s.status == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no payout batch recorded")
	}
	return s.status, nil
}

type payoutQueryStub struct {
	affiliateID string
	file        *service.ExportFile
}

func (s *payoutQueryStub) Get(ctx context.Context, id string) (*models.PayoutRecord, error) {
	return &models.PayoutRecord{ID: id, Status: models.PayoutStatusSubmitted}, nil
}

func (s *payoutQueryStub) List(ctx context.Context, filter models.PayoutFilter) ([]models.PayoutRecord, *models.Pagination, error) {
	return []models.PayoutRecord{{ID: "p1"}}, &models.Pagination{Page: 1, PageSize: 50, TotalCount: 1}, nil
}

func (s *payoutQueryStub) ListForAffiliate(ctx context.Context, affiliateID string, page, pageSize int) ([]dto.AffiliatePayout, *models.Pagination, error) {
	s.affiliateID = affiliateID
	return []dto.AffiliatePayout{{ID: "p1", Status: models.AffiliateStatusPaid, Amount: "125.00", UpdatedAt: time.Now()}}, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: 1}, nil
}

func (s *payoutQueryStub) Export(ctx context.Context, period string, format service.ExportFormat) (*service.ExportFile, error) {
	return s.file, nil
}

func TestPayoutHandlerTriggerBatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	batches := &batchTriggerStub{}
	h := NewPayoutHandler(batches, &payoutQueryStub{})

	payload, _ := json.Marshal(dto.TriggerBatchRequest{Period: "2026-09"})
	c, w := newGinContext(http.MethodPost, "/api/v1/payouts/batches", payload)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{Role: models.RoleOperator})
	h.TriggerBatch(c)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"2026-09"}, batches.periods)
	assert.Contains(t, w.Body.String(), `"jobId":"batch:2026-09"`)
}

func TestPayoutHandlerTriggerBatchWithoutBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	batches := &batchTriggerStub{}
	h := NewPayoutHandler(batches, &payoutQueryStub{})

	c, w := newGinContext(http.MethodPost, "/api/v1/payouts/batches", nil)
	h.TriggerBatch(c)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"2026-10"}, batches.periods)
}

func TestPayoutHandlerTriggerBatchConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewPayoutHandler(&batchTriggerStub{err: appErrors.Clone(appErrors.ErrConflict, "already running")}, &payoutQueryStub{})

	c, w := newGinContext(http.MethodPost, "/api/v1/payouts/batches", nil)
	h.TriggerBatch(c)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestPayoutHandlerBatchStatusNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewPayoutHandler(&batchTriggerStub{}, &payoutQueryStub{})

	c, w := newGinContext(http.MethodGet, "/api/v1/payouts/batches/2026-09", nil)
	c.Params = gin.Params{{Key: "period", Value: "2026-09"}}
	h.BatchStatus(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPayoutHandlerExport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	query := &payoutQueryStub{file: &service.ExportFile{Filename: "payouts_2026-09.csv", ContentType: "text/csv", Data: []byte("payout_id\np1\n")}}
	h := NewPayoutHandler(&batchTriggerStub{}, query)

	c, w := newGinContext(http.MethodGet, "/api/v1/payouts/export?period=2026-09&format=csv", nil)
	h.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "payouts_2026-09.csv")
	assert.Equal(t, "payout_id\np1\n", w.Body.String())
}

func TestPayoutHandlerExportRequiresPeriod(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewPayoutHandler(&batchTriggerStub{}, &payoutQueryStub{})

	c, w := newGinContext(http.MethodGet, "/api/v1/payouts/export", nil)
	h.Export(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayoutHandlerAffiliatePayouts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	query := &payoutQueryStub{}
	h := NewPayoutHandler(&batchTriggerStub{}, query)

	c, w := newGinContext(http.MethodGet, "/api/v1/affiliates/aff-1/payouts?page=2", nil)
	c.Params = gin.Params{{Key: "id", Value: "aff-1"}}
	h.AffiliatePayouts(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "aff-1", query.affiliateID)
	assert.Contains(t, w.Body.String(), `"status":"paid"`)
	assert.Contains(t, w.Body.String(), `"page":2`)
}

func TestHealthHandlerReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthHandler(service.NewMetricsService(), nil)

	c, w := newGinContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)

	c, w = newGinContext(http.MethodGet, "/metrics", nil)
	h.Prometheus(c)
	require.Equal(t, http.StatusOK, w.Code)
}
