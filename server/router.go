package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth, table and operational endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(a.Metrics.Middleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleRoot)
	r.Get("/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/logout", a.handleLogout)
		r.Get("/status", a.handleStatus)
		r.With(a.RequireAccessToken).Get("/me", a.handleMe)
	})

	r.Route("/tables", func(r chi.Router) {
		r.Use(a.RequireAccessToken)

		r.Get("/", a.handleListTables)
		r.Get("/{table}", a.handleTableRows)
		r.Post("/{table}", a.handleCreateRow)
		r.Get("/{table}/schema", a.handleTableSchema)
		r.Get("/{table}/count", a.handleTableCount)
		r.Post("/{table}/batch", a.handleBatchCreate)
		r.Post("/{table}/replace", a.handleReplaceAll)
		r.Get("/{table}/{key}", a.handleGetRow)
		r.Patch("/{table}/{key}", a.handleUpdateRow)
		r.Delete("/{table}/{key}", a.handleDeleteRow)
	})

	return r
}
