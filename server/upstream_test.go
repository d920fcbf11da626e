package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamTestConfig(srvURL string) UpstreamConfig {
	cfg := testConfig().Upstream
	cfg.AuthURL = srvURL + "/oauth/Authorize"
	cfg.TokenURL = srvURL + "/oauth/Token"
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestUpstream(t *testing.T, handler http.HandlerFunc) (*UpstreamClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	up, err := NewUpstreamClient(context.Background(), upstreamTestConfig(srv.URL), discardLogger())
	require.NoError(t, err)
	return up, srv
}

func writeTokenJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestUpstreamExchangeCode(t *testing.T) {
	up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			writeTokenJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/oauth/Token", r.URL.Path)
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "abc", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost:8000/auth/callback", r.PostForm.Get("redirect_uri"))
		assert.Empty(t, r.PostForm.Get("client_secret"))

		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "T",
			"token_type":    "bearer",
			"expires_in":    3600,
			"refresh_token": "R",
			"scope":         "table.Read",
		})
	})

	resp, err := up.ExchangeCode(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "T", resp.AccessToken)
	assert.Equal(t, "R", resp.RefreshToken)
	assert.Equal(t, "table.Read", resp.Scope)
	assert.InDelta(t, 3600, resp.ExpiresIn, 2)
}

func TestUpstreamExchangeDefaultsLifetime(t *testing.T) {
	up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusOK, map[string]any{"access_token": "T", "token_type": "bearer"})
	})

	resp, err := up.ExchangeCode(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Empty(t, resp.RefreshToken)
}

func TestUpstreamExchangeReadsRefreshLifetime(t *testing.T) {
	up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":             "T",
			"token_type":               "bearer",
			"expires_in":               900,
			"refresh_token":            "R",
			"refresh_token_expires_in": 86400,
		})
	})

	resp, err := up.ExchangeCode(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(86400), resp.RefreshExpiresIn)
}

func TestUpstreamExchangeErrorCarriesStatusAndBody(t *testing.T) {
	up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "code already used"})
	})

	_, err := up.ExchangeCode(context.Background(), "used")
	var upstreamErr *UpstreamAuthError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, upstreamErr.StatusCode)
	assert.Contains(t, upstreamErr.Body, "invalid_grant")
	assert.NotContains(t, err.Error(), "invalid_grant")
}

func TestUpstreamRefresh(t *testing.T) {
	up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "R1", r.PostForm.Get("refresh_token"))
		_, _, ok := r.BasicAuth()
		assert.True(t, ok)
		writeTokenJSON(w, http.StatusOK, map[string]any{"access_token": "T2", "token_type": "bearer", "expires_in": 1800})
	})

	resp, err := up.Refresh(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "T2", resp.AccessToken)
	assert.InDelta(t, 1800, resp.ExpiresIn, 2)
}

func TestUpstreamRefreshRejected(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized} {
		var calls atomic.Int32
		up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeTokenJSON(w, status, map[string]any{"error": "invalid_grant"})
		})

		_, err := up.Refresh(context.Background(), "R1")
		var rejected *RefreshRejectedError
		require.True(t, errors.As(err, &rejected), "status %d: got %v", status, err)
		assert.Equal(t, status, rejected.StatusCode)
		assert.Equal(t, int32(1), calls.Load(), "refresh must not be retried")
	}
}

func TestUpstreamRefreshServerError(t *testing.T) {
	up, _ := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily_unavailable"})
	})

	_, err := up.Refresh(context.Background(), "R1")
	var upstreamErr *UpstreamAuthError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, upstreamErr.StatusCode)
	var rejected *RefreshRejectedError
	assert.False(t, errors.As(err, &rejected))
}

func TestUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	cfg := upstreamTestConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	up, err := NewUpstreamClient(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	_, err = up.ExchangeCode(context.Background(), "abc")
	var upstreamErr *UpstreamAuthError
	require.True(t, errors.As(err, &upstreamErr), "got %v", err)
	assert.Zero(t, upstreamErr.StatusCode)
}

func TestUpstreamAuthorizationURL(t *testing.T) {
	up, err := NewUpstreamClient(context.Background(), testConfig().Upstream, discardLogger())
	require.NoError(t, err)

	u, err := url.Parse(up.AuthorizationURL(nil, "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, "signin.laserfiche.com", u.Host)
	assert.Equal(t, "/oauth/Authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "http://localhost:8000/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "table.Read project/Global", q.Get("scope"))
	assert.Equal(t, "nonce-1", q.Get("state"))

	custom, err := url.Parse(up.AuthorizationURL([]string{"table.Read", "table.Write"}, "nonce-2"))
	require.NoError(t, err)
	assert.Equal(t, "table.Read table.Write", custom.Query().Get("scope"))
}

func TestUpstreamDiscovery(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"jwks_uri":               srv.URL + "/jwks",
		})
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig().Upstream
	cfg.Issuer = srv.URL
	up, err := NewUpstreamClient(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	u, err := url.Parse(up.AuthorizationURL(nil, "s"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, srv.URL+"/token", up.oauthConfig.Endpoint.TokenURL)
}

func TestUpstreamDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	cfg := testConfig().Upstream
	cfg.Issuer = srv.URL
	_, err := NewUpstreamClient(context.Background(), cfg, discardLogger())
	assert.Error(t, err)
}
