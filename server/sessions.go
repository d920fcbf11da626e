package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	tokenCookieName = "lf_token"
	stateCookieName = "lf_state"
	stateCookiePath = "/auth"
)

// SessionManager drives the cookie-only login lifecycle: login, callback,
// per-request token retrieval with refresh, and logout. It keeps no server state.
type SessionManager struct {
	codec    *TokenCodec
	signer   *StateSigner
	upstream Upstream
	metrics  *Metrics
	logger   *slog.Logger

	scopes        []string
	refreshMargin time.Duration
	cookieTTL     time.Duration
	secure        bool
	cookieDomain  string

	now func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, upstream Upstream, metrics *Metrics, logger *slog.Logger) (*SessionManager, error) {
	codec, err := NewTokenCodec(cfg.Security.TokenEncryptionKey)
	if err != nil {
		return nil, err
	}
	signer, err := NewStateSigner(cfg.Security.SecretKey)
	if err != nil {
		return nil, err
	}
	return &SessionManager{
		codec:         codec,
		signer:        signer,
		upstream:      upstream,
		metrics:       metrics,
		logger:        logger,
		scopes:        cfg.Upstream.LoginScopes(),
		refreshMargin: cfg.Sessions.RefreshMargin,
		cookieTTL:     cfg.Sessions.TokenCookieTTL,
		secure:        !cfg.Server.DevMode,
		cookieDomain:  cfg.Server.CookieDomain,
		now:           time.Now,
	}, nil
}

// InitiateLogin sets the state cookie and returns the upstream authorization URL.
// A nil scopes slice requests the configured login scopes.
func (sm *SessionManager) InitiateLogin(w http.ResponseWriter, scopes []string) (LoginStart, error) {
	if len(scopes) == 0 {
		scopes = sm.scopes
	}
	st, err := sm.signer.Generate()
	if err != nil {
		sm.metrics.login("error")
		return LoginStart{}, err
	}
	sm.setStateCookie(w, st.Value)
	sm.metrics.login("started")
	return LoginStart{
		RedirectURL: sm.upstream.AuthorizationURL(scopes, st.Nonce),
		State:       st.Nonce,
	}, nil
}

// HandleCallback verifies the state round-trip, exchanges code for tokens and
// sets the token cookie. The state cookie is cleared whatever the outcome.
// Every failure wraps ErrAuthenticationFailed.
func (sm *SessionManager) HandleCallback(ctx context.Context, w http.ResponseWriter, r *http.Request, code, state string) error {
	var cookieValue string
	if c, err := r.Cookie(stateCookieName); err == nil {
		cookieValue = c.Value
	}
	sm.clearStateCookie(w)

	if err := sm.signer.VerifyRoundTrip(cookieValue, state); err != nil {
		sm.logger.Warn("oauth callback rejected", "reason", stateFailureReason(cookieValue, err), "request_id", RequestIDFromContext(ctx))
		sm.metrics.callback("csrf")
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if code == "" {
		sm.logger.Warn("oauth callback rejected", "reason", "code_missing")
		sm.metrics.callback("invalid")
		return fmt.Errorf("%w: missing code", ErrAuthenticationFailed)
	}

	resp, err := sm.upstream.ExchangeCode(ctx, code)
	if err != nil {
		attrs := []any{"reason", "upstream_exchange", "error", err}
		var upstreamErr *UpstreamAuthError
		if errors.As(err, &upstreamErr) && upstreamErr.StatusCode != 0 {
			attrs = append(attrs, "upstream_status", upstreamErr.StatusCode, "upstream_body", upstreamErr.Body)
		}
		sm.logger.Error("oauth code exchange failed", attrs...)
		sm.metrics.callback("exchange_failed")
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if resp.AccessToken == "" {
		sm.logger.Error("oauth code exchange failed", "reason", "upstream_exchange", "error", "empty access token")
		sm.metrics.callback("exchange_failed")
		return fmt.Errorf("%w: empty access token", ErrAuthenticationFailed)
	}

	payload := payloadFrom(resp, sm.now(), TokenPayload{})
	if err := sm.setTokenCookie(w, payload); err != nil {
		sm.metrics.callback("error")
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	sm.logger.Info("oauth login completed", "expires_at", payload.ExpiresAt, "has_refresh_token", payload.RefreshToken != "")
	sm.metrics.callback("success")
	return nil
}

// ValidAccessToken returns the token payload carried by the request, refreshing
// it at most once when it is expired or within the refresh margin. Refreshed
// tokens are written back into the response's token cookie.
//
// Errors: ErrUnauthenticated when no cookie is present; ErrReauthenticationRequired
// when the cookie does not decrypt or cannot be refreshed (no upstream call is made
// in that case unless a refresh token exists); *UpstreamAuthError when the refresh
// call itself failed for another reason, which leaves the cookie in place.
func (sm *SessionManager) ValidAccessToken(ctx context.Context, w http.ResponseWriter, r *http.Request) (TokenPayload, error) {
	c, err := r.Cookie(tokenCookieName)
	if err != nil || c.Value == "" {
		return TokenPayload{}, ErrUnauthenticated
	}

	payload, err := sm.codec.Open(c.Value)
	if err != nil {
		sm.logger.Warn("token cookie rejected", "reason", "decrypt_failed", "request_id", RequestIDFromContext(ctx))
		sm.clearTokenCookie(w)
		return TokenPayload{}, fmt.Errorf("%w: %w", ErrReauthenticationRequired, err)
	}

	now := sm.now()
	if !payload.Expired(now, sm.refreshMargin) {
		return payload, nil
	}
	if !payload.CanRefresh(now) {
		sm.logger.Info("token expired without usable refresh token", "request_id", RequestIDFromContext(ctx))
		sm.clearTokenCookie(w)
		return TokenPayload{}, ErrReauthenticationRequired
	}

	resp, err := sm.upstream.Refresh(ctx, payload.RefreshToken)
	if err != nil {
		var rejected *RefreshRejectedError
		if errors.As(err, &rejected) {
			sm.logger.Warn("refresh token rejected", "reason", "refresh_rejected", "upstream_status", rejected.StatusCode, "upstream_body", rejected.Body)
			sm.metrics.refresh("rejected")
			sm.clearTokenCookie(w)
			return TokenPayload{}, fmt.Errorf("%w: %w", ErrReauthenticationRequired, err)
		}
		sm.logger.Error("token refresh failed", "error", err, "request_id", RequestIDFromContext(ctx))
		sm.metrics.refresh("error")
		return TokenPayload{}, err
	}
	if resp.AccessToken == "" {
		sm.metrics.refresh("rejected")
		sm.clearTokenCookie(w)
		return TokenPayload{}, fmt.Errorf("%w: refresh returned no access token", ErrReauthenticationRequired)
	}

	refreshed := payloadFrom(resp, now, payload)
	if err := sm.setTokenCookie(w, refreshed); err != nil {
		sm.metrics.refresh("error")
		return TokenPayload{}, err
	}
	sm.logger.Debug("access token refreshed", "expires_at", refreshed.ExpiresAt)
	sm.metrics.refresh("success")
	return refreshed, nil
}

// Logout clears both cookies. It never fails.
func (sm *SessionManager) Logout(w http.ResponseWriter) {
	sm.clearTokenCookie(w)
	sm.clearStateCookie(w)
}

func (sm *SessionManager) setTokenCookie(w http.ResponseWriter, p TokenPayload) error {
	value, err := sm.codec.Seal(p)
	if err != nil {
		return fmt.Errorf("seal token cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   sm.tokenCookieMaxAge(p),
	})
	return nil
}

// tokenCookieMaxAge follows the access token lifetime unless a cookie TTL is
// configured and a refresh token is available to renew it.
func (sm *SessionManager) tokenCookieMaxAge(p TokenPayload) int {
	ttl := p.ExpiresAt.Sub(sm.now())
	if sm.cookieTTL > 0 && p.RefreshToken != "" {
		ttl = sm.cookieTTL
		if !p.RefreshExpiresAt.IsZero() {
			if rest := p.RefreshExpiresAt.Sub(sm.now()); rest < ttl {
				ttl = rest
			}
		}
	}
	secs := int(ttl.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (sm *SessionManager) clearTokenCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) setStateCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     stateCookiePath,
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(StateCookieTTL.Seconds()),
	})
}

func (sm *SessionManager) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     stateCookiePath,
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// stateFailureReason names the failed CSRF check for server-side logs only.
func stateFailureReason(cookieValue string, err error) string {
	switch {
	case cookieValue == "":
		return "state_missing"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case strings.Contains(err.Error(), "malformed"):
		return "state_malformed"
	default:
		return "state_signature"
	}
}
