package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/dive-affiliate-payouts/internal/crm"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/logger"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/retry"
)

const defaultTokenLifetime = time.Hour

type credentialStore interface {
	Load(ctx context.Context, connectionID string) (*models.TokenSet, error)
	Save(ctx context.Context, token *models.TokenSet) error
	Delete(ctx context.Context, connectionID string) error
}

type authorizationServer interface {
	ExchangeCode(ctx context.Context, code string) (*crm.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*crm.Grant, error)
}

type refreshLease interface {
	Acquire(ctx context.Context, connectionID string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, connectionID, token string) error
}

// TokenServiceConfig tunes the CRM credential lifecycle.
type TokenServiceConfig struct {
	ConnectionID   string
	LocationID     string
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
	LeaseTTL       time.Duration
	LeasePoll      time.Duration
	Retry          retry.Policy
}

// TokenService owns the CRM access token. Callers ask for a valid token and
// the service refreshes it when it is inside the safety margin, collapsing
// concurrent refreshes into one call to the authorization server.
type TokenService struct {
	store   credentialStore
	server  authorizationServer
	lease   refreshLease
	metrics *MetricsService
	logger  *zap.Logger
	cfg     TokenServiceConfig
	now     func() time.Time
	group   singleflight.Group

	mu     sync.Mutex
	token  *models.TokenSet
	loaded bool
	stale  string
}

// NewTokenService constructs the service. lease may be nil for single-replica deployments.
func NewTokenService(store credentialStore, server authorizationServer, lease refreshLease, metrics *MetricsService, logger *zap.Logger, cfg TokenServiceConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = "default"
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.RefreshTimeout
	}
	if cfg.LeasePoll <= 0 {
		cfg.LeasePoll = 250 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Multiplier: 2}
	}
	return &TokenService{
		store:   store,
		server:  server,
		lease:   lease,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetValidToken returns an access token valid for at least the refresh margin.
func (s *TokenService) GetValidToken(ctx context.Context) (string, error) {
	current, err := s.current(ctx)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", appErrors.Clone(appErrors.ErrReauthorizationRequired, "crm connection has no credentials")
	}
	if s.usable(current) {
		return current.AccessToken, nil
	}
	next, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

// Invalidate marks accessToken stale when it is still the current token, so
// the next GetValidToken refreshes. Stale tokens other than the current one are ignored.
func (s *TokenService) Invalidate(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil && s.token.AccessToken == accessToken {
		s.stale = accessToken
	}
}

// ExchangeAuthorizationCode redeems a consent code, then persists and activates the token set.
func (s *TokenService) ExchangeAuthorizationCode(ctx context.Context, code string) (*models.TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "authorization code is required")
	}

	issuedAt := s.now()
	grant, err := s.server.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, crm.ErrInvalidGrant) {
			return nil, appErrors.WrapAs(appErrors.ErrInvalidAuthorizationCode, err, "")
		}
		return nil, appErrors.Wrap(err, "CRM_UNAVAILABLE", http.StatusBadGateway, "crm authorization server unavailable")
	}

	next := s.tokenSetFrom(grant, issuedAt, nil)
	if err := s.store.Save(ctx, next); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist crm credentials")
	}
	s.activate(next)

	s.logger.Info("crm connection authorized",
		zap.String("connection_id", s.cfg.ConnectionID),
		zap.String("location_id", next.LocationID),
		zap.Time("expires_at", next.ExpiresAt),
		logger.Fingerprint("refresh_token_fp", next.RefreshToken),
	)
	return next, nil
}

// Status reports the connection state without exposing token values.
func (s *TokenService) Status(ctx context.Context) (models.ConnectionStatus, error) {
	status := models.ConnectionStatus{ConnectionID: s.cfg.ConnectionID, State: models.TokenStateUnauthenticated}
	current, err := s.current(ctx)
	if err != nil {
		return status, err
	}
	if current == nil {
		return status, nil
	}
	status.State = models.TokenStateExpiring
	if s.usable(current) {
		status.State = models.TokenStateValid
	}
	status.LocationID = current.LocationID
	status.Scope = current.Scope
	expiresAt, issuedAt := current.ExpiresAt, current.IssuedAt
	status.ExpiresAt = &expiresAt
	status.IssuedAt = &issuedAt
	return status, nil
}

func (s *TokenService) current(ctx context.Context) (*models.TokenSet, error) {
	s.mu.Lock()
	if s.loaded {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("load:"+s.cfg.ConnectionID, func() (interface{}, error) {
		stored, err := s.store.Load(ctx, s.cfg.ConnectionID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load crm credentials")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.loaded {
			s.token = stored
			s.loaded = true
		}
		return s.token, nil
	})
	if err != nil {
		return nil, err
	}
	token, _ := v.(*models.TokenSet)
	return token, nil
}

func (s *TokenService) usable(token *models.TokenSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return token.ValidAt(s.now(), s.cfg.RefreshMargin) && token.AccessToken != s.stale
}

func (s *TokenService) snapshot() *models.TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *TokenService) activate(token *models.TokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.loaded = true
	s.stale = ""
}

// refresh joins the in-flight refresh or starts one. The flight runs detached
// from the caller so one caller giving up does not fail the others.
func (s *TokenService) refresh(ctx context.Context) (*models.TokenSet, error) {
	ch := s.group.DoChan(s.cfg.ConnectionID, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		return s.refreshFlight(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.TokenSet), nil
	}
}

func (s *TokenService) refreshFlight(ctx context.Context) (*models.TokenSet, error) {
	current := s.snapshot()
	if current == nil {
		return nil, appErrors.Clone(appErrors.ErrReauthorizationRequired, "crm connection has no credentials")
	}
	if s.usable(current) {
		return current, nil
	}

	base := current
	if s.lease != nil {
		release, err := s.acquireLease(ctx)
		if err != nil {
			return nil, err
		}
		defer release()

		stored, err := s.store.Load(ctx, s.cfg.ConnectionID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			s.activate(nil)
			return nil, appErrors.Clone(appErrors.ErrReauthorizationRequired, "crm credentials were revoked")
		case err != nil:
			s.logger.Warn("failed to reload crm credentials before refresh", zap.Error(err))
		case stored.AccessToken != current.AccessToken && stored.ValidAt(s.now(), s.cfg.RefreshMargin):
			s.activate(stored)
			s.metrics.RecordTokenRefresh("adopted")
			s.logger.Info("adopted crm token refreshed by another replica", zap.String("connection_id", s.cfg.ConnectionID))
			return stored, nil
		case stored.RefreshToken != "":
			base = stored
		}
	}

	return s.refreshWithRetry(ctx, base)
}

func (s *TokenService) acquireLease(ctx context.Context) (func(), error) {
	for {
		leaseToken, ok, err := s.lease.Acquire(ctx, s.cfg.ConnectionID, s.cfg.LeaseTTL)
		if err != nil {
			s.logger.Warn("refresh lease unavailable, refreshing without it", zap.Error(err))
			return func() {}, nil
		}
		if ok {
			return func() {
				if err := s.lease.Release(context.WithoutCancel(ctx), s.cfg.ConnectionID, leaseToken); err != nil {
					s.logger.Warn("failed to release refresh lease", zap.Error(err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, appErrors.WrapAs(appErrors.ErrRefreshFailed, ctx.Err(), "timed out waiting for refresh lease")
		case <-time.After(s.cfg.LeasePoll):
		}
	}
}

func (s *TokenService) refreshWithRetry(ctx context.Context, base *models.TokenSet) (*models.TokenSet, error) {
	var (
		grant    *crm.Grant
		issuedAt time.Time
	)
	policy := s.cfg.Retry
	policy.Retryable = func(err error) bool { return !errors.Is(err, crm.ErrInvalidGrant) }
	policy.OnRetry = func(err error, attempt int, next time.Duration) {
		s.metrics.RecordTokenRefresh("retry")
		s.logger.Warn("crm token refresh failed, retrying",
			zap.String("connection_id", s.cfg.ConnectionID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		issuedAt = s.now()
		g, err := s.server.Refresh(ctx, base.RefreshToken)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err != nil {
		if errors.Is(err, crm.ErrInvalidGrant) {
			s.discard(ctx)
			s.metrics.RecordTokenRefresh("invalid_grant")
			s.logger.Error("crm refresh token rejected, re-authorization required",
				zap.String("connection_id", s.cfg.ConnectionID), zap.Error(err))
			return nil, appErrors.WrapAs(appErrors.ErrReauthorizationRequired, err, "")
		}
		s.metrics.RecordTokenRefresh("failed")
		s.logger.Error("crm token refresh failed", zap.String("connection_id", s.cfg.ConnectionID), zap.Error(err))
		return nil, appErrors.WrapAs(appErrors.ErrRefreshFailed, err, "")
	}

	next := s.tokenSetFrom(grant, issuedAt, base)
	if err := s.store.Save(ctx, next); err != nil {
		s.logger.Error("failed to persist refreshed crm token", zap.String("connection_id", s.cfg.ConnectionID), zap.Error(err))
	}
	s.activate(next)
	s.metrics.RecordTokenRefresh("success")
	s.logger.Info("crm token refreshed",
		zap.String("connection_id", s.cfg.ConnectionID),
		zap.Time("expires_at", next.ExpiresAt),
		logger.Fingerprint("refresh_token_fp", next.RefreshToken),
	)
	return next, nil
}

func (s *TokenService) discard(ctx context.Context) {
	if err := s.store.Delete(ctx, s.cfg.ConnectionID); err != nil {
		s.logger.Error("failed to delete rejected crm credentials", zap.String("connection_id", s.cfg.ConnectionID), zap.Error(err))
	}
	s.activate(nil)
}

func (s *TokenService) tokenSetFrom(grant *crm.Grant, issuedAt time.Time, previous *models.TokenSet) *models.TokenSet {
	refreshToken, scope, location := grant.RefreshToken, grant.Scope, grant.LocationID
	if previous != nil {
		if refreshToken == "" {
			refreshToken = previous.RefreshToken
		}
		if scope == "" {
			scope = previous.Scope
		}
		if location == "" {
			location = previous.LocationID
		}
	}
	if location == "" {
		location = s.cfg.LocationID
	}
	tokenType := grant.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	lifetime := grant.ExpiresIn
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	return models.NewTokenSet(s.cfg.ConnectionID, grant.AccessToken, refreshToken, tokenType, scope, location, issuedAt, lifetime)
}
