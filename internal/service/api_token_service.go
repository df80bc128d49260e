package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
)

// OAuthStateAudience marks tokens that may only be used as CRM OAuth state.
const OAuthStateAudience = "crm-oauth-state"

const oauthStateTTL = 10 * time.Minute

// APITokenConfig configures API token signing.
type APITokenConfig struct {
	Secret     string
	Issuer     string
	DefaultTTL time.Duration
}

// APITokenService issues and validates the HS256 bearer tokens used by
// operators and affiliates on the HTTP API.
type APITokenService struct {
	cfg    APITokenConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewAPITokenService constructs the service.
func NewAPITokenService(cfg APITokenConfig, logger *zap.Logger) *APITokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	return &APITokenService{cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Issue signs a token for subject. Affiliate tokens carry the affiliate id as subject.
func (s *APITokenService) Issue(subject string, role models.UserRole, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrValidation, "subject is required")
	}
	if role != models.RoleOperator && role != models.RoleAffiliate {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown role %q", role))
	}
	if s.cfg.Secret == "" {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrInternal, "jwt secret is not configured")
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl)
	claims := &models.JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign token")
	}
	s.logger.Info("api token issued", zap.String("subject", subject), zap.String("role", string(role)), zap.Time("expires_at", expiresAt))
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies a bearer token. OAuth state tokens are refused.
func (s *APITokenService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	for _, aud := range claims.Audience {
		if aud == OAuthStateAudience {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
		}
	}
	return claims, nil
}

// IssueOAuthState signs the state parameter for a CRM consent flow started by
// an operator. The state expires with the consent cookie.
func (s *APITokenService) IssueOAuthState(operator string) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "operator is required")
	}
	if s.cfg.Secret == "" {
		return "", appErrors.Clone(appErrors.ErrInternal, "jwt secret is not configured")
	}
	issuedAt := s.now()
	claims := &models.JWTClaims{
		Role: models.RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.cfg.Issuer,
			Subject:   operator,
			Audience:  jwt.ClaimStrings{OAuthStateAudience},
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(oauthStateTTL)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign oauth state")
	}
	return signed, nil
}

// ValidateOAuthState verifies a state issued by IssueOAuthState and returns
// the operator that started the flow.
func (s *APITokenService) ValidateOAuthState(state string) (*models.JWTClaims, error) {
	claims, err := s.parse(state, jwt.WithAudience(OAuthStateAudience))
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid oauth state")
	}
	if claims.Role != models.RoleOperator || claims.Subject == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid oauth state")
	}
	return claims, nil
}

func (s *APITokenService) parse(tokenString string, extra ...jwt.ParserOption) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	opts = append(opts, extra...)
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}
