package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/response"
)

const (
	oauthStateCookie = "crm_oauth_state"
	oauthCookiePath  = "/oauth/crm"
	oauthStateMaxAge = 600
)

type consentURLBuilder interface {
	AuthCodeURL(state string) string
}

type oauthStateSigner interface {
	IssueOAuthState(operator string) (string, error)
	ValidateOAuthState(state string) (*models.JWTClaims, error)
}

type crmConnection interface {
	ExchangeAuthorizationCode(ctx context.Context, code string) (*models.TokenSet, error)
	Status(ctx context.Context) (models.ConnectionStatus, error)
}

// CRMHandler runs the OAuth consent flow and reports connection state.
type CRMHandler struct {
	consent      consentURLBuilder
	states       oauthStateSigner
	connection   crmConnection
	secureCookie bool
	logger       *zap.Logger
}

// NewCRMHandler constructs the handler. secureCookie should be true outside local development.
func NewCRMHandler(consent consentURLBuilder, states oauthStateSigner, connection crmConnection, secureCookie bool, logger *zap.Logger) *CRMHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CRMHandler{consent: consent, states: states, connection: connection, secureCookie: secureCookie, logger: logger}
}

// Authorize godoc
// @Summary Start CRM OAuth consent
// @Description Redirects the operator to the CRM consent screen. The state is signed for the calling operator.
// @Tags CRM
// @Security BearerAuth
// @Success 302
// @Failure 401 {object} response.Envelope
// @Router /oauth/crm/authorize [get]
func (h *CRMHandler) Authorize(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil || claims.Role != models.RoleOperator {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "operator credentials required"))
		return
	}
	state, err := h.states.IssueOAuthState(claims.Subject)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("crm consent started", zap.String("operator", claims.Subject))
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, oauthStateMaxAge, oauthCookiePath, "", h.secureCookie, true)
	c.Redirect(http.StatusFound, h.consent.AuthCodeURL(state))
}

// Callback godoc
// @Summary Complete CRM OAuth consent
// @Tags CRM
// @Produce json
// @Param code query string true "Authorization code"
// @Param state query string true "Opaque state issued by authorize"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /oauth/crm/callback [get]
func (h *CRMHandler) Callback(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "crm consent denied: "+denied))
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "code is required"))
		return
	}
	state := c.Query("state")
	expected, err := c.Cookie(oauthStateCookie)
	if err != nil || expected == "" || expected != state {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "oauth state mismatch"))
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, oauthCookiePath, "", h.secureCookie, true)
	operator, err := h.states.ValidateOAuthState(state)
	if err != nil {
		response.Error(c, err)
		return
	}

	token, err := h.connection.ExchangeAuthorizationCode(c.Request.Context(), code)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.logger.Info("crm connection authorized",
		zap.String("connection_id", token.ConnectionID),
		zap.String("location_id", token.LocationID),
		zap.String("operator", operator.Subject),
	)
	status, err := h.connection.Status(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Connection godoc
// @Summary CRM connection status
// @Tags CRM
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /crm/connection [get]
func (h *CRMHandler) Connection(c *gin.Context) {
	status, err := h.connection.Status(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}
