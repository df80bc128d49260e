package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
)

const maxProviderResponse = 1 << 20

// errorParser extracts the provider's error code and message from a non-2xx body.
type errorParser func(body []byte) (code, message string)

// restClient is the transport shared by the adapters: throttled JSON/form
// calls with provider-agnostic error classification.
type restClient struct {
	provider   models.PayoutMethod
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	parseError errorParser
}

func newRestClient(provider models.PayoutMethod, baseURL string, httpClient *http.Client, requestsPerSecond float64, parse errorParser) *restClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &restClient{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		parseError: parse,
	}
}

func (c *restClient) postJSON(ctx context.Context, path string, header http.Header, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.provider, err)
	}
	return c.send(ctx, http.MethodPost, path, header, "application/json", body, out)
}

func (c *restClient) send(ctx context.Context, method, path string, header http.Header, contentType string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return unavailableError(c.provider, 0, "", "rate limiter wait", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.provider, err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return unavailableError(c.provider, 0, "", "", ctxErr)
		}
		return unavailableError(c.provider, 0, "", "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return unavailableError(c.provider, resp.StatusCode, "", "read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return unavailableError(c.provider, resp.StatusCode, "", "decode response", err)
		}
		return nil
	}

	code, message := "", ""
	if c.parseError != nil {
		code, message = c.parseError(raw)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode >= http.StatusInternalServerError:
		return unavailableError(c.provider, resp.StatusCode, code, message, nil)
	default:
		return rejectedError(c.provider, resp.StatusCode, code, message)
	}
}
