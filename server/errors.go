package server

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthenticated means the request carried no token cookie.
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrReauthenticationRequired means the browser must restart the OAuth flow.
	ErrReauthenticationRequired = errors.New("reauthentication required")
	// ErrAuthenticationFailed is returned when the callback could not complete.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrInvalidState covers a missing, malformed or badly signed state cookie.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrStateMismatch is a validly signed state whose nonce differs from the callback.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrDecryption is returned for any ciphertext that does not open.
	ErrDecryption = errors.New("token decryption failed")
)

// UpstreamAuthError reports a failed call to the upstream token endpoint.
// Body is kept for server-side diagnostics and must never be sent to a browser.
type UpstreamAuthError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamAuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// RefreshRejectedError means the upstream refused the refresh token.
type RefreshRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("refresh token rejected with status %d", e.StatusCode)
}

// IsStateFailure reports whether err is any OAuth state (CSRF) failure.
func IsStateFailure(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrStateMismatch)
}

// errorResponse is the JSON body returned for every handled failure.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSONStatus(w, status, errorResponse{Detail: detail, ErrorCode: code})
}

// writeAuthError maps session and guard errors onto the HTTP boundary.
func writeAuthError(w http.ResponseWriter, err error) {
	var upstreamErr *UpstreamAuthError
	switch {
	case errors.Is(err, ErrReauthenticationRequired):
		writeError(w, http.StatusUnauthorized, "reauthentication_required", "Session expired. Please log in again.")
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Not authenticated. Please log in.")
	case errors.As(err, &upstreamErr):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "Authentication service unavailable. Please try again later.")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", http.StatusText(http.StatusInternalServerError))
	}
}
