package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/crm"
	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/retry"
)

type credentialStoreStub struct {
	mu      sync.Mutex
	token   *models.TokenSet
	saves   int
	deletes int
	loadErr error
	saveErr error
}

func (s *credentialStoreStub) Load(ctx context.Context, connectionID string) (*models.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.token == nil {
		return nil, fmt.Errorf("load crm credentials: %w", sql.ErrNoRows)
	}
	copied := *s.token
	return &copied, nil
}

func (s *credentialStoreStub) Save(ctx context.Context, token *models.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := *token
	s.token = &copied
	s.saves++
	return nil
}

func (s *credentialStoreStub) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	s.deletes++
	return nil
}

type authServerStub struct {
	refreshCalls  int32
	exchangeCalls int32
	delay         time.Duration
	refreshFn     func(call int32, refreshToken string) (*crm.Grant, error)
	exchangeFn    func(code string) (*crm.Grant, error)
}

func (s *authServerStub) ExchangeCode(ctx context.Context, code string) (*crm.Grant, error) {
	atomic.AddInt32(&s.exchangeCalls, 1)
	return s.exchangeFn(code)
}

func (s *authServerStub) Refresh(ctx context.Context, refreshToken string) (*crm.Grant, error) {
	call := atomic.AddInt32(&s.refreshCalls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.refreshFn(call, refreshToken)
}

func (s *authServerStub) calls() int32 { return atomic.LoadInt32(&s.refreshCalls) }

func grantFor(access, refresh string) *crm.Grant {
	return &crm.Grant{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer", ExpiresIn: 24 * time.Hour, Scope: "contacts.write", LocationID: "loc-1"}
}

func expiredToken() *models.TokenSet {
	issued := time.Now().UTC().Add(-25 * time.Hour)
	return models.NewTokenSet("default", "at-1", "rt-1", "Bearer", "contacts.write", "loc-1", issued, 24*time.Hour)
}

func freshToken() *models.TokenSet {
	return models.NewTokenSet("default", "at-1", "rt-1", "Bearer", "contacts.write", "loc-1", time.Now().UTC(), 24*time.Hour)
}

func newTestTokenService(store *credentialStoreStub, server *authServerStub) *TokenService {
	return NewTokenService(store, server, nil, nil, zap.NewNop(), TokenServiceConfig{
		ConnectionID:  "default",
		RefreshMargin: 5 * time.Minute,
		Retry:         retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
	})
}

func TestTokenServiceExchangeThenGetValidToken(t *testing.T) {
	store := &credentialStoreStub{}
	server := &authServerStub{exchangeFn: func(code string) (*crm.Grant, error) {
		assert.Equal(t, "code-1", code)
		return grantFor("at-1", "rt-1"), nil
	}}
	svc := newTestTokenService(store, server)

	token, err := svc.ExchangeAuthorizationCode(context.Background(), "code-1")
	require.NoError(t, err)
	assert.True(t, token.ExpiresAt.After(time.Now().Add(5*time.Minute)))
	assert.Equal(t, 1, store.saves)

	access, err := svc.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", access)
	assert.Equal(t, int32(0), server.calls())
}

func TestTokenServiceExpiryCountsFromRequestStart(t *testing.T) {
	store := &credentialStoreStub{}
	issued := time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)
	server := &authServerStub{exchangeFn: func(code string) (*crm.Grant, error) {
		return &crm.Grant{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 86399 * time.Second}, nil
	}}
	svc := newTestTokenService(store, server)
	svc.now = func() time.Time { return issued }

	token, err := svc.ExchangeAuthorizationCode(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, issued, token.IssuedAt)
	assert.Equal(t, issued.Add(86399*time.Second), token.ExpiresAt)
	assert.Equal(t, "Bearer", token.TokenType)
}

func TestTokenServiceExchangeRejectedCode(t *testing.T) {
	store := &credentialStoreStub{}
	server := &authServerStub{exchangeFn: func(code string) (*crm.Grant, error) {
		return nil, fmt.Errorf("exchange authorization code: %w", crm.ErrInvalidGrant)
	}}
	svc := newTestTokenService(store, server)

	_, err := svc.ExchangeAuthorizationCode(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidAuthorizationCode))
	assert.Equal(t, 0, store.saves)
}

func TestTokenServiceWithoutCredentialsRequiresReauthorization(t *testing.T) {
	svc := newTestTokenService(&credentialStoreStub{}, &authServerStub{})

	_, err := svc.GetValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrReauthorizationRequired))

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TokenStateUnauthenticated, status.State)
}

func TestTokenServiceCoalescesConcurrentRefreshes(t *testing.T) {
	store := &credentialStoreStub{token: expiredToken()}
	server := &authServerStub{
		delay: 50 * time.Millisecond,
		refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
			assert.Equal(t, "rt-1", refreshToken)
			return grantFor("at-2", "rt-2"), nil
		},
	}
	svc := newTestTokenService(store, server)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-2", results[i])
	}
	assert.Equal(t, int32(1), server.calls())
	assert.Equal(t, "rt-2", store.token.RefreshToken)
}

func TestTokenServiceCallerCancellationDoesNotFailSharedRefresh(t *testing.T) {
	store := &credentialStoreStub{token: expiredToken()}
	server := &authServerStub{
		delay: 80 * time.Millisecond,
		refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
			return grantFor("at-2", "rt-2"), nil
		},
	}
	svc := newTestTokenService(store, server)

	impatient, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var patientToken string
	var patientErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		patientToken, patientErr = svc.GetValidToken(context.Background())
	}()

	_, err := svc.GetValidToken(impatient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
	require.NoError(t, patientErr)
	assert.Equal(t, "at-2", patientToken)
	assert.Equal(t, int32(1), server.calls())
}

func TestTokenServiceRefreshRetriesTransientFailures(t *testing.T) {
	store := &credentialStoreStub{token: expiredToken()}
	server := &authServerStub{refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
		if call <= 2 {
			return nil, errors.New("connection reset by peer")
		}
		return grantFor("at-2", ""), nil
	}}
	svc := newTestTokenService(store, server)

	access, err := svc.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", access)
	assert.Equal(t, int32(3), server.calls())
	assert.Equal(t, "rt-1", store.token.RefreshToken, "refresh token is kept when the server does not rotate it")
}

func TestTokenServiceRefreshExhaustedReturnsRefreshFailed(t *testing.T) {
	store := &credentialStoreStub{token: expiredToken()}
	server := &authServerStub{refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
		return nil, errors.New("token endpoint status 503")
	}}
	svc := newTestTokenService(store, server)

	_, err := svc.GetValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrRefreshFailed))
	assert.False(t, errors.Is(err, appErrors.ErrReauthorizationRequired))
	assert.Equal(t, int32(3), server.calls())

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TokenStateExpiring, status.State)
	assert.Equal(t, 0, store.deletes)
}

func TestTokenServiceInvalidGrantDiscardsCredentials(t *testing.T) {
	store := &credentialStoreStub{token: expiredToken()}
	server := &authServerStub{refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
		return nil, fmt.Errorf("refresh token: %w: invalid_grant", crm.ErrInvalidGrant)
	}}
	svc := newTestTokenService(store, server)

	_, err := svc.GetValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrReauthorizationRequired))
	assert.Equal(t, int32(1), server.calls(), "invalid grant is never retried")
	assert.Equal(t, 1, store.deletes)

	_, err = svc.GetValidToken(context.Background())
	assert.True(t, errors.Is(err, appErrors.ErrReauthorizationRequired))
	assert.Equal(t, int32(1), server.calls())
}

func TestTokenServiceInvalidateForcesRefresh(t *testing.T) {
	store := &credentialStoreStub{token: freshToken()}
	server := &authServerStub{refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
		return grantFor("at-2", "rt-2"), nil
	}}
	svc := newTestTokenService(store, server)

	access, err := svc.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", access)

	svc.Invalidate("some-older-token")
	access, err = svc.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", access)
	assert.Equal(t, int32(0), server.calls())

	svc.Invalidate("at-1")
	access, err = svc.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", access)
	assert.Equal(t, int32(1), server.calls())
}

type leaseStub struct {
	acquired int32
	released int32
}

func (l *leaseStub) Acquire(ctx context.Context, connectionID string, ttl time.Duration) (string, bool, error) {
	atomic.AddInt32(&l.acquired, 1)
	return "lease-1", true, nil
}

func (l *leaseStub) Release(ctx context.Context, connectionID, token string) error {
	atomic.AddInt32(&l.released, 1)
	return nil
}

func TestTokenServiceAdoptsTokenRefreshedByAnotherReplica(t *testing.T) {
	store := &credentialStoreStub{token: expiredToken()}
	server := &authServerStub{refreshFn: func(call int32, refreshToken string) (*crm.Grant, error) {
		t.Error("refresh must not be called when another replica already refreshed")
		return nil, errors.New("unexpected")
	}}
	lease := &leaseStub{}
	svc := NewTokenService(store, server, lease, nil, zap.NewNop(), TokenServiceConfig{ConnectionID: "default"})

	_, err := svc.current(context.Background())
	require.NoError(t, err)

	other := models.NewTokenSet("default", "at-other", "rt-other", "Bearer", "", "loc-1", time.Now().UTC(), 24*time.Hour)
	require.NoError(t, store.Save(context.Background(), other))

	access, err := svc.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-other", access)
	assert.Equal(t, int32(1), atomic.LoadInt32(&lease.acquired))
	assert.Equal(t, int32(1), atomic.LoadInt32(&lease.released))
}

func TestTokenServiceStatusReportsValid(t *testing.T) {
	svc := newTestTokenService(&credentialStoreStub{token: freshToken()}, &authServerStub{})

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TokenStateValid, status.State)
	assert.Equal(t, "loc-1", status.LocationID)
	require.NotNil(t, status.ExpiresAt)
}
