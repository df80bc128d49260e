package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/middleware/requestid"
)

type tokenSourceStub struct {
	mu          sync.Mutex
	tokens      []string
	calls       int
	invalidated []string
	err         error
}

func (s *tokenSourceStub) GetValidToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	idx := s.calls
	if idx >= len(s.tokens) {
		idx = len(s.tokens) - 1
	}
	s.calls++
	return s.tokens[idx], nil
}

func (s *tokenSourceStub) Invalidate(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, accessToken)
}

func newTestClient(t *testing.T, tokens *tokenSourceStub, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{BaseURL: srv.URL, Version: "2021-07-28", LocationID: "loc-1"}, tokens, srv.Client(), zap.NewNop())
	t.Cleanup(client.Close)
	return client
}

func TestCallAttachesBearerAndVersion(t *testing.T) {
	tokens := &tokenSourceStub{tokens: []string{"at-1"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "2021-07-28", r.Header.Get("Version"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := client.Call(context.Background(), Request{Method: http.MethodGet, Path: "/contacts/c-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, tokens.invalidated)
}

func TestCallForwardsRequestID(t *testing.T) {
	tokens := &tokenSourceStub{tokens: []string{"at-1"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "req-42", r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte(`{}`))
	})

	ctx := requestid.WithValue(context.Background(), "req-42")
	_, err := client.Call(ctx, Request{Method: http.MethodGet, Path: "/contacts/c-1"})
	require.NoError(t, err)
}

func TestCallRetriesOnceAfterUnauthorized(t *testing.T) {
	tokens := &tokenSourceStub{tokens: []string{"stale", "fresh"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Call(context.Background(), Request{Method: http.MethodGet, Path: "/contacts/c-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, tokens.invalidated)
	assert.Equal(t, 2, tokens.calls)
}

func TestCallPersistentUnauthorizedFailsAfterOneRetry(t *testing.T) {
	var hits int32
	tokens := &tokenSourceStub{tokens: []string{"at-1", "at-2"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid JWT"}`))
	})

	_, err := client.Call(context.Background(), Request{Method: http.MethodPost, Path: "/contacts/upsert", Body: map[string]string{"email": "a@example.com"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrAuthenticationFailed))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, []string{"at-1"}, tokens.invalidated)
}

func TestCallSurfacesAPIError(t *testing.T) {
	tokens := &tokenSourceStub{tokens: []string{"at-1"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":["email must be an email"]}`))
	})

	_, err := client.Call(context.Background(), Request{Method: http.MethodPost, Path: "/contacts/upsert"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "email must be an email", apiErr.Message)
}

func TestCallPropagatesTokenErrors(t *testing.T) {
	tokens := &tokenSourceStub{err: appErrors.ErrReauthorizationRequired}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without a token")
	})

	_, err := client.Call(context.Background(), Request{Method: http.MethodGet, Path: "/contacts/c-1"})
	assert.True(t, errors.Is(err, appErrors.ErrReauthorizationRequired))
}

func TestContactIDIsCachedPerEmail(t *testing.T) {
	var upserts int32
	tokens := &tokenSourceStub{tokens: []string{"at-1"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/contacts/upsert", r.URL.Path)
		atomic.AddInt32(&upserts, 1)
		_, _ = w.Write([]byte(`{"contact":{"id":"c-1"}}`))
	})

	id, err := client.ContactID(context.Background(), "Ana@Example.com", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)

	id, err = client.ContactID(context.Background(), "ana@example.com", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&upserts))
}

func TestAddTagsPostsToContact(t *testing.T) {
	tokens := &tokenSourceStub{tokens: []string{"at-1"}}
	client := newTestClient(t, tokens, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/contacts/c-1/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"tags":["Commission Paid"]}`))
	})

	require.NoError(t, client.AddTags(context.Background(), "c-1", []string{"Commission Paid"}))
}
