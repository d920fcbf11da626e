package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Upstream is the behaviour the session facade needs from the OAuth server.
type Upstream interface {
	AuthorizationURL(scopes []string, state string) string
	ExchangeCode(ctx context.Context, code string) (UpstreamTokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (UpstreamTokenResponse, error)
}

// UpstreamClient talks to the upstream authorization and token endpoints.
// Client credentials are always sent with HTTP Basic auth and no call is retried.
type UpstreamClient struct {
	oauthConfig *oauth2.Config
	httpClient  *http.Client
	timeout     time.Duration
	logger      *slog.Logger
}

// NewUpstreamClient builds the client, discovering endpoints when an issuer is configured.
func NewUpstreamClient(ctx context.Context, cfg UpstreamConfig, logger *slog.Logger) (*UpstreamClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthURL,
		TokenURL: cfg.TokenURL,
	}
	if cfg.Issuer != "" {
		discoverCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, httpClient), timeout)
		defer cancel()
		op, err := oidc.NewProvider(discoverCtx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover upstream %s: %w", cfg.Issuer, err)
		}
		endpoint = op.Endpoint()
		logger.Info("upstream endpoints discovered", "issuer", cfg.Issuer, "auth_url", endpoint.AuthURL, "token_url", endpoint.TokenURL)
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, errors.New("upstream auth_url and token_url are required")
	}
	endpoint.AuthStyle = oauth2.AuthStyleInHeader

	return &UpstreamClient{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       cfg.LoginScopes(),
		},
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// AuthorizationURL builds the browser redirect for the given scopes and state.
// It performs no network I/O.
func (c *UpstreamClient) AuthorizationURL(scopes []string, state string) string {
	conf := *c.oauthConfig
	if scopes != nil {
		conf.Scopes = scopes
	}
	return conf.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for tokens.
func (c *UpstreamClient) ExchangeCode(ctx context.Context, code string) (UpstreamTokenResponse, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	tok, err := c.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return UpstreamTokenResponse{}, c.upstreamError("code exchange", err)
	}
	return tokenResponse(tok), nil
}

// Refresh redeems a refresh token. A 400 or 401 from the token endpoint is
// reported as *RefreshRejectedError.
func (c *UpstreamClient) Refresh(ctx context.Context, refreshToken string) (UpstreamTokenResponse, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	tok, err := c.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return UpstreamTokenResponse{}, &RefreshRejectedError{
					StatusCode: retrieveErr.Response.StatusCode,
					Body:       string(retrieveErr.Body),
				}
			}
		}
		return UpstreamTokenResponse{}, c.upstreamError("refresh", err)
	}
	return tokenResponse(tok), nil
}

func (c *UpstreamClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.timeout)
}

func (c *UpstreamClient) upstreamError(op string, err error) error {
	uerr := &UpstreamAuthError{Op: op, Err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		uerr.StatusCode = retrieveErr.Response.StatusCode
		uerr.Body = string(retrieveErr.Body)
	}
	return uerr
}

func tokenResponse(tok *oauth2.Token) UpstreamTokenResponse {
	resp := UpstreamTokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int64(DefaultTokenLifetime.Seconds()),
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Round(time.Second).Seconds()); secs > 0 {
			resp.ExpiresIn = secs
		}
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	resp.RefreshExpiresIn = extraSeconds(tok.Extra("refresh_token_expires_in"))
	return resp
}

// extraSeconds reads a numeric token response field that may arrive as a
// JSON number or a string.
func extraSeconds(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
