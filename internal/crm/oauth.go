// Package crm talks to the CRM: the OAuth authorization server that issues
// credentials and the REST API those credentials unlock.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/noah-isme/dive-affiliate-payouts/pkg/config"
)

// ErrInvalidGrant marks a permanent rejection by the token endpoint: the code
// or refresh token will never work again and an operator must re-consent.
var ErrInvalidGrant = errors.New("crm: invalid grant")

var permanentGrantErrors = map[string]struct{}{
	"invalid_grant":       {},
	"invalid_client":      {},
	"unauthorized_client": {},
	"invalid_request":     {},
}

// Grant is a token endpoint response.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	LocationID   string
	ExpiresIn    time.Duration
}

// AuthorizationServer exchanges authorization codes and refresh tokens at the
// CRM token endpoint.
type AuthorizationServer struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewAuthorizationServer builds a client for the configured CRM OAuth app.
func NewAuthorizationServer(cfg config.CRMConfig, httpClient *http.Client) *AuthorizationServer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &AuthorizationServer{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// AuthCodeURL returns the consent URL an operator visits to connect the CRM.
func (s *AuthorizationServer) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// ExchangeCode redeems a one-time authorization code.
func (s *AuthorizationServer) ExchangeCode(ctx context.Context, code string) (*Grant, error) {
	token, err := s.oauth.Exchange(s.withClient(ctx), code)
	if err != nil {
		return nil, classify("exchange authorization code", err)
	}
	return grantFrom(token), nil
}

// Refresh trades a refresh token for a new grant.
func (s *AuthorizationServer) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token: %w", ErrInvalidGrant)
	}
	src := s.oauth.TokenSource(s.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, classify("refresh token", err)
	}
	return grantFrom(token), nil
}

func (s *AuthorizationServer) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

func grantFrom(token *oauth2.Token) *Grant {
	g := &Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    expiresIn(token),
	}
	if scope, ok := token.Extra("scope").(string); ok {
		g.Scope = scope
	}
	if loc, ok := token.Extra("locationId").(string); ok {
		g.LocationID = loc
	}
	return g
}

func expiresIn(token *oauth2.Token) time.Duration {
	switch v := token.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v) + "s"); err == nil {
			return d
		}
	}
	if !token.Expiry.IsZero() {
		return time.Until(token.Expiry).Round(time.Second)
	}
	return 0
}

// classify separates permanent grant rejections from transient failures.
// Network errors, 429 and 5xx responses stay retryable.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%s: %w", op, err)
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if _, ok := permanentGrantErrors[re.ErrorCode]; ok {
		return fmt.Errorf("%s: %w: %s %s", op, ErrInvalidGrant, re.ErrorCode, re.ErrorDescription)
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: status %d", op, ErrInvalidGrant, status)
	}
	return fmt.Errorf("%s: token endpoint status %d: %w", op, status, err)
}
