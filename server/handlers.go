package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tablegate/client"
)

// ServiceName and Version are reported by the root endpoint.
const ServiceName = "tablegate"

// Version is overridden at build time with -ldflags.
var Version = "dev"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Sessions *SessionManager
	Tables   TableAPI
	Metrics  *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	upstream, err := NewUpstreamClient(ctx, cfg.Upstream, logger)
	if err != nil {
		return nil, err
	}
	tables := client.NewTableClient(client.Config{
		BaseURL:       cfg.Tables.BaseURL,
		HTTPClient:    &http.Client{Timeout: cfg.Tables.Timeout},
		MaxConcurrent: cfg.Tables.MaxConcurrent,
		PollInterval:  cfg.Tables.PollInterval,
		MaxWait:       cfg.Tables.MaxWait,
	})
	return newApp(cfg, logger, upstream, tables)
}

func newApp(cfg Config, logger *slog.Logger, upstream Upstream, tables TableAPI) (*App, error) {
	metrics := NewMetrics()
	sessions, err := NewSessionManager(cfg, upstream, metrics, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:   cfg,
		Logger:   logger,
		Sessions: sessions,
		Tables:   tables,
		Metrics:  metrics,
	}, nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	start, err := a.Sessions.InitiateLogin(w, nil)
	if err != nil {
		a.Logger.Error("login initiation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not start login.")
		return
	}
	writeJSON(w, start)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Sessions.clearStateCookie(w)
		a.Logger.Warn("oauth callback returned error", "error", upstreamErr, "description", q.Get("error_description"))
		a.Metrics.callback("denied")
		writeError(w, http.StatusBadRequest, "authentication_failed", "Authentication failed. Please try logging in again.")
		return
	}

	if err := a.Sessions.HandleCallback(r.Context(), w, r, q.Get("code"), q.Get("state")); err != nil {
		writeError(w, http.StatusBadRequest, "authentication_failed", "Authentication failed. Please try logging in again.")
		return
	}
	http.Redirect(w, r, a.Config.Server.FrontendURL, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Logout(w)
	writeJSON(w, map[string]string{"message": "Logged out successfully"})
}

type statusResponse struct {
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// handleStatus never fails: any problem with the token reads as unauthenticated.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload, err := a.Sessions.ValidAccessToken(r.Context(), w, r)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			a.Logger.Debug("auth status check failed", "error", err)
		}
		writeJSON(w, statusResponse{Authenticated: false})
		return
	}
	expiresAt := payload.ExpiresAt.UTC()
	writeJSON(w, statusResponse{Authenticated: true, ExpiresAt: &expiresAt})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"authenticated": true, "message": "Token is valid"})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy", "environment": a.Config.Server.Environment()})
}

func (a *App) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"message": ServiceName, "version": Version})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
