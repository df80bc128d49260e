package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/middleware/requestid"
)

const maxResponseBody = 1 << 20

// TokenSource hands out CRM access tokens. Invalidate tells it that the CRM
// rejected token so the next call refreshes.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
	Invalidate(accessToken string)
}

// Request is a CRM API call relative to the configured base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
}

// Response is a successful CRM API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into dest.
func (r *Response) Decode(dest interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, dest)
}

// APIError is a non-2xx CRM response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("crm api status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("crm api status %d", e.StatusCode)
}

// ClientConfig configures the CRM API client.
type ClientConfig struct {
	BaseURL         string
	Version         string
	LocationID      string
	RequestTimeout  time.Duration
	ContactCacheTTL time.Duration
}

// Client is the authenticated gateway to the CRM API. Every call carries a
// bearer token from the TokenSource; a 401 invalidates that token and the
// call is retried exactly once.
type Client struct {
	cfg        ClientConfig
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
	contacts   *ttlcache.Cache[string, string]
}

// NewClient constructs the gateway.
func NewClient(cfg ClientConfig, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ContactCacheTTL <= 0 {
		cfg.ContactCacheTTL = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	contacts := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](cfg.ContactCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go contacts.Start()

	return &Client{cfg: cfg, tokens: tokens, httpClient: httpClient, logger: logger, contacts: contacts}
}

// Close stops the contact cache janitor.
func (c *Client) Close() {
	c.contacts.Stop()
}

// Call performs an authenticated request.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode crm request: %w", err)
		}
		body = encoded
	}

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, req, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(resp)
	}

	c.logger.Warn("crm rejected access token, refreshing once", zap.String("method", req.Method), zap.String("path", req.Path))
	c.tokens.Invalidate(token)
	token, err = c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err = c.do(ctx, req, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Error("crm rejected refreshed access token", zap.String("method", req.Method), zap.String("path", req.Path))
		return nil, appErrors.WrapAs(appErrors.ErrAuthenticationFailed, apiError(resp), "")
	}
	return checkStatus(resp)
}

func (c *Client) do(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	target := c.cfg.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build crm request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.Version != "" {
		httpReq.Header.Set("Version", c.cfg.Version)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if id := requestid.FromContext(ctx); id != "" {
		httpReq.Header.Set(requestid.HeaderKey, id)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("crm %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read crm response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

func checkStatus(resp *Response) (*Response, error) {
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apiError(resp)
	}
	return resp, nil
}

func apiError(resp *Response) *APIError {
	var payload struct {
		Message interface{} `json:"message"`
		Error   string      `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
	if err := json.Unmarshal(resp.Body, &payload); err == nil {
		switch m := payload.Message.(type) {
		case string:
			apiErr.Message = m
		case []interface{}:
			parts := make([]string, 0, len(m))
			for _, p := range m {
				parts = append(parts, fmt.Sprint(p))
			}
			apiErr.Message = strings.Join(parts, "; ")
		}
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
