package server

import (
	"context"
	"errors"
	"net/http"
)

type accessTokenKey struct{}

// RequireAccessToken rejects requests without a usable token cookie and puts
// the (possibly refreshed) access token on the request context.
func (a *App) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := a.Sessions.ValidAccessToken(r.Context(), w, r)
		if err != nil {
			a.Metrics.guarded(guardResult(err))
			writeAuthError(w, err)
			return
		}
		a.Metrics.guarded("allowed")
		ctx := context.WithValue(r.Context(), accessTokenKey{}, payload.AccessToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessTokenFromContext returns the access token stored by RequireAccessToken.
func AccessTokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(accessTokenKey{}).(string); ok {
		return v
	}
	return ""
}

func guardResult(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrReauthenticationRequired):
		return "reauthentication_required"
	default:
		return "error"
	}
}
