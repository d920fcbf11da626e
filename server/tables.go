package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tablegate/client"
)

const (
	filterParamPrefix = "filter."
	maxRowBodyBytes   = 1 << 20
	maxBulkBodyBytes  = 16 << 20
)

// TableAPI is the upstream table API surface the proxy handlers use.
type TableAPI interface {
	ListTables(ctx context.Context, token string) ([]client.TableInfo, error)
	Rows(ctx context.Context, token, table string, q client.RowQuery) (client.RowPage, error)
	Row(ctx context.Context, token, table, key string) (client.Row, error)
	CreateRow(ctx context.Context, token, table string, data client.Row) (client.Row, error)
	UpdateRow(ctx context.Context, token, table, key string, data client.Row) (client.Row, error)
	DeleteRow(ctx context.Context, token, table, key string) error
	Count(ctx context.Context, token, table string) (int, error)
	Schema(ctx context.Context, token, table string) ([]client.Column, error)
	BatchCreate(ctx context.Context, token, table string, rows []client.Row) []client.RowResult
	ReplaceAll(ctx context.Context, token, table string, rows []client.Row) (client.ReplaceResult, error)
}

type rowRequest struct {
	Data client.Row `json:"data"`
}

type rowsRequest struct {
	Rows []client.Row `json:"rows"`
}

type rowResponse struct {
	Data client.Row `json:"data"`
}

func (a *App) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := a.Tables.ListTables(r.Context(), AccessTokenFromContext(r.Context()))
	if err != nil {
		a.writeTableError(w, r, "list_tables", err)
		return
	}
	a.Metrics.tableCall("list_tables", http.StatusOK)
	writeJSON(w, map[string]any{"tables": tables})
}

func (a *App) handleTableRows(w http.ResponseWriter, r *http.Request) {
	q, err := parseRowQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	page, err := a.Tables.Rows(r.Context(), AccessTokenFromContext(r.Context()), chi.URLParam(r, "table"), q)
	if err != nil {
		a.writeTableError(w, r, "rows", err)
		return
	}
	a.Metrics.tableCall("rows", http.StatusOK)
	writeJSON(w, page)
}

func (a *App) handleTableSchema(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	cols, err := a.Tables.Schema(r.Context(), AccessTokenFromContext(r.Context()), table)
	if err != nil {
		a.writeTableError(w, r, "schema", err)
		return
	}
	a.Metrics.tableCall("schema", http.StatusOK)
	writeJSON(w, map[string]any{"table_name": table, "columns": cols})
}

func (a *App) handleTableCount(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	n, err := a.Tables.Count(r.Context(), AccessTokenFromContext(r.Context()), table)
	if err != nil {
		a.writeTableError(w, r, "count", err)
		return
	}
	a.Metrics.tableCall("count", http.StatusOK)
	writeJSON(w, map[string]any{"table_name": table, "row_count": n})
}

func (a *App) handleGetRow(w http.ResponseWriter, r *http.Request) {
	row, err := a.Tables.Row(r.Context(), AccessTokenFromContext(r.Context()), chi.URLParam(r, "table"), chi.URLParam(r, "key"))
	if err != nil {
		a.writeTableError(w, r, "get_row", err)
		return
	}
	a.Metrics.tableCall("get_row", http.StatusOK)
	writeJSON(w, rowResponse{Data: row})
}

func (a *App) handleCreateRow(w http.ResponseWriter, r *http.Request) {
	var req rowRequest
	if err := decodeBody(w, r, maxRowBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "data is required")
		return
	}
	row, err := a.Tables.CreateRow(r.Context(), AccessTokenFromContext(r.Context()), chi.URLParam(r, "table"), req.Data)
	if err != nil {
		a.writeTableError(w, r, "create_row", err)
		return
	}
	a.Metrics.tableCall("create_row", http.StatusCreated)
	writeJSONStatus(w, http.StatusCreated, rowResponse{Data: row})
}

func (a *App) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if err := decodeBody(w, r, maxBulkBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	results := a.Tables.BatchCreate(r.Context(), AccessTokenFromContext(r.Context()), chi.URLParam(r, "table"), req.Rows)
	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	a.Metrics.tableCall("batch_create", http.StatusOK)
	writeJSON(w, map[string]any{
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

func (a *App) handleReplaceAll(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if err := decodeBody(w, r, maxBulkBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	table := chi.URLParam(r, "table")
	res, err := a.Tables.ReplaceAll(r.Context(), AccessTokenFromContext(r.Context()), table, req.Rows)
	if err != nil {
		a.writeTableError(w, r, "replace_all", err)
		return
	}
	if !res.Success {
		a.Logger.Warn("replace all rows failed", "table", table, "error", res.Error)
	}
	a.Metrics.tableCall("replace_all", http.StatusOK)
	writeJSON(w, res)
}

func (a *App) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	var req rowRequest
	if err := decodeBody(w, r, maxRowBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "data is required")
		return
	}
	row, err := a.Tables.UpdateRow(r.Context(), AccessTokenFromContext(r.Context()), chi.URLParam(r, "table"), chi.URLParam(r, "key"), req.Data)
	if err != nil {
		a.writeTableError(w, r, "update_row", err)
		return
	}
	a.Metrics.tableCall("update_row", http.StatusOK)
	writeJSON(w, rowResponse{Data: row})
}

func (a *App) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	err := a.Tables.DeleteRow(r.Context(), AccessTokenFromContext(r.Context()), chi.URLParam(r, "table"), chi.URLParam(r, "key"))
	if err != nil {
		a.writeTableError(w, r, "delete_row", err)
		return
	}
	a.Metrics.tableCall("delete_row", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// writeTableError passes upstream statuses through with a sanitized message.
func (a *App) writeTableError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr):
		a.Metrics.tableCall(op, apiErr.StatusCode)
		a.Logger.Warn("table api error", "op", op, "status", apiErr.StatusCode, "message", apiErr.Message, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, apiErr.StatusCode, "table_api_error", tableErrorMessage(apiErr))
	case errors.Is(err, client.ErrReplaceTimeout):
		a.Metrics.tableCall(op, http.StatusGatewayTimeout)
		a.Logger.Error("table api timeout", "op", op, "error", err)
		writeError(w, http.StatusGatewayTimeout, "table_api_timeout", "Replace operation timed out.")
	default:
		a.Metrics.tableCall(op, http.StatusBadGateway)
		a.Logger.Error("table api unreachable", "op", op, "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "table_api_unavailable", "Upstream table API unavailable. Please try again later.")
	}
}

func tableErrorMessage(e *client.APIError) string {
	switch {
	case e.StatusCode == http.StatusBadRequest:
		return "Bad request: " + e.Message
	case e.StatusCode == http.StatusUnauthorized:
		return "Authentication failed. Please log in again."
	case e.StatusCode == http.StatusForbidden:
		return "Insufficient permissions. Check your OAuth scopes."
	case e.StatusCode == http.StatusNotFound:
		return "Resource not found: " + e.Message
	case e.StatusCode == http.StatusConflict:
		return "Conflict: " + e.Message
	case e.StatusCode >= 500:
		return "Upstream table API error. Please try again later."
	default:
		return e.Message
	}
}

func parseRowQuery(r *http.Request) (client.RowQuery, error) {
	qs := r.URL.Query()
	q := client.RowQuery{Limit: client.DefaultRowLimit, FilterMode: "and"}

	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > client.MaxRowLimit {
			return q, fmt.Errorf("limit must be an integer between 1 and %d", client.MaxRowLimit)
		}
		q.Limit = n
	}
	if v := qs.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	if v := qs.Get("filter_mode"); v != "" {
		if v != "and" && v != "or" {
			return q, errors.New("filter_mode must be 'and' or 'or'")
		}
		q.FilterMode = v
	}
	for key, vals := range qs {
		col, ok := strings.CutPrefix(key, filterParamPrefix)
		if !ok || col == "" || len(vals) == 0 {
			continue
		}
		if !validColumnName(col) {
			return q, fmt.Errorf("invalid filter column %q", col)
		}
		if q.Filters == nil {
			q.Filters = make(map[string]string)
		}
		q.Filters[col] = vals[0]
	}
	return q, nil
}

// validColumnName keeps filter columns to identifier characters so they can
// be placed into an OData expression unquoted.
func validColumnName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", limit)
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}
