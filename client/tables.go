package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Row query limits.
const (
	DefaultRowLimit = 50
	MaxRowLimit     = 1000
)

// ResultCountHeader carries the total row count on list responses.
const ResultCountHeader = "X-APIServer-ResultCount"

// ErrReplaceTimeout is returned when a replace-all task outlives Config.MaxWait.
var ErrReplaceTimeout = errors.New("replace operation timed out")

// Config configures the table API client.
type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	MaxConcurrent int
	PollInterval  time.Duration
	MaxWait       time.Duration
}

// TableClient calls the OData table API with a caller-supplied bearer token.
type TableClient struct {
	cfg    Config
	client *http.Client
}

// APIError is a non-2xx answer from the table API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("table api: status %d: %s", e.StatusCode, e.Message)
}

// TableInfo describes one accessible table.
type TableInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// RowQuery selects a page of rows. Filters are exact, case-insensitive matches.
type RowQuery struct {
	Limit      int
	Offset     int
	Filters    map[string]string
	FilterMode string
}

// RowPage is one page of rows. Total is -1 when the upstream does not report it.
type RowPage struct {
	Rows   []Row `json:"rows"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// RowResult is the outcome of one row in a batch create.
type RowResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Data    Row    `json:"data"`
	Error   string `json:"error,omitempty"`
}

// ReplaceResult is the outcome of a replace-all.
type ReplaceResult struct {
	Success      bool   `json:"success"`
	RowsReplaced int    `json:"rows_replaced"`
	Error        string `json:"error,omitempty"`
}

// NewTableClient creates a client with sane defaults.
func NewTableClient(cfg Config) *TableClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	return &TableClient{cfg: cfg, client: client}
}

// ListTables returns the tables the token can see.
func (c *TableClient) ListTables(ctx context.Context, token string) ([]TableInfo, error) {
	var body struct {
		Value []TableInfo `json:"value"`
	}
	if _, err := c.doJSON(ctx, token, http.MethodGet, c.tableURL(""), nil, nil, &body); err != nil {
		return nil, err
	}
	if body.Value == nil {
		body.Value = []TableInfo{}
	}
	return body.Value, nil
}

// Rows returns one page of rows.
func (c *TableClient) Rows(ctx context.Context, token, table string, q RowQuery) (RowPage, error) {
	q = normalizeQuery(q)
	params := url.Values{}
	params.Set("$top", strconv.Itoa(q.Limit))
	params.Set("$skip", strconv.Itoa(q.Offset))
	if filter := BuildFilter(q.Filters, q.FilterMode); filter != "" {
		params.Set("$filter", filter)
	}

	var body struct {
		Value []Row `json:"value"`
	}
	header, err := c.doJSON(ctx, token, http.MethodGet, c.tableURL(table), params, nil, &body)
	if err != nil {
		return RowPage{}, err
	}
	total := -1
	if v := header.Get(ResultCountHeader); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			total = n
		}
	}
	if body.Value == nil {
		body.Value = []Row{}
	}
	return RowPage{Rows: body.Value, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Row fetches a single row by key.
func (c *TableClient) Row(ctx context.Context, token, table, key string) (Row, error) {
	var row Row
	if _, err := c.doJSON(ctx, token, http.MethodGet, c.rowURL(table, key), nil, nil, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// CreateRow inserts a row and returns what the upstream stored.
func (c *TableClient) CreateRow(ctx context.Context, token, table string, data Row) (Row, error) {
	var created Row
	if _, err := c.doJSON(ctx, token, http.MethodPost, c.tableURL(table), nil, data, &created); err != nil {
		return nil, err
	}
	if created == nil {
		created = data
	}
	return created, nil
}

// UpdateRow patches a row. When the upstream answers 204 the sent data is returned.
func (c *TableClient) UpdateRow(ctx context.Context, token, table, key string, data Row) (Row, error) {
	var updated Row
	if _, err := c.doJSON(ctx, token, http.MethodPatch, c.rowURL(table, key), nil, data, &updated); err != nil {
		return nil, err
	}
	if updated == nil {
		updated = data
	}
	return updated, nil
}

// DeleteRow removes a row.
func (c *TableClient) DeleteRow(ctx context.Context, token, table, key string) error {
	_, err := c.doJSON(ctx, token, http.MethodDelete, c.rowURL(table, key), nil, nil, nil)
	return err
}

// Count returns the number of rows using an OData aggregate.
func (c *TableClient) Count(ctx context.Context, token, table string) (int, error) {
	params := url.Values{}
	params.Set("$apply", "aggregate($count as rowCount)")

	var body struct {
		RowCount *int `json:"rowCount"`
		Value    []struct {
			RowCount int `json:"rowCount"`
		} `json:"value"`
	}
	if _, err := c.doJSON(ctx, token, http.MethodGet, c.tableURL(table), params, nil, &body); err != nil {
		return 0, err
	}
	switch {
	case body.RowCount != nil:
		return *body.RowCount, nil
	case len(body.Value) > 0:
		return body.Value[0].RowCount, nil
	default:
		return 0, nil
	}
}

// Schema describes the columns of table. It reads $metadata and falls back to
// inferring types from the first row when the metadata is unavailable or silent.
func (c *TableClient) Schema(ctx context.Context, token, table string) ([]Column, error) {
	cols, err := c.metadataColumns(ctx, token, table)
	if err == nil && len(cols) > 0 {
		return cols, nil
	}

	params := url.Values{}
	params.Set("$top", "1")
	var body struct {
		Value []json.RawMessage `json:"value"`
	}
	if _, err := c.doJSON(ctx, token, http.MethodGet, c.tableURL(table), params, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Value) == 0 {
		return []Column{}, nil
	}
	return InferColumns(body.Value[0])
}

func (c *TableClient) metadataColumns(ctx context.Context, token, table string) ([]Column, error) {
	req, err := c.newRequest(ctx, token, http.MethodGet, c.cfg.BaseURL+"/table/$metadata", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/xml")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, apiError(resp)
	}
	return ParseMetadata(resp.Body, table)
}

// BatchCreate creates rows concurrently, at most Config.MaxConcurrent at a time.
// A failed row does not stop the others; results are in input order.
func (c *TableClient) BatchCreate(ctx context.Context, token, table string, rows []Row) []RowResult {
	results := make([]RowResult, len(rows))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrent)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			created, err := c.CreateRow(ctx, token, table, row)
			if err != nil {
				results[i] = RowResult{Index: i, Error: errorMessage(err)}
				return nil
			}
			results[i] = RowResult{Index: i, Success: true, Data: created}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ReplaceAll atomically replaces every row of table by uploading them as a
// JSON file, then polls the resulting task until it settles.
func (c *TableClient) ReplaceAll(ctx context.Context, token, table string, rows []Row) (ReplaceResult, error) {
	if rows == nil {
		rows = []Row{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return ReplaceResult{}, fmt.Errorf("encode rows: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="data.json"`)
	h.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(h)
	if err != nil {
		return ReplaceResult{}, err
	}
	if _, err := part.Write(payload); err != nil {
		return ReplaceResult{}, err
	}
	if err := mw.Close(); err != nil {
		return ReplaceResult{}, err
	}

	req, err := c.newRequest(ctx, token, http.MethodPost, c.tableURL(table)+"/ReplaceAllRowsAsync", nil, &buf)
	if err != nil {
		return ReplaceResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var started struct {
		TaskID json.RawMessage `json:"taskId"`
	}
	if _, err := c.do(req, &started); err != nil {
		return ReplaceResult{}, err
	}
	taskID := rawID(started.TaskID)
	if taskID == "" {
		return ReplaceResult{Success: true, RowsReplaced: len(rows)}, nil
	}
	return c.waitForTask(ctx, token, taskID, len(rows))
}

type taskStatus struct {
	Status string `json:"Status"`
	Errors []struct {
		Title  string `json:"Title"`
		Detail string `json:"Detail"`
	} `json:"Errors"`
}

func (c *TableClient) waitForTask(ctx context.Context, token, taskID string, rowCount int) (ReplaceResult, error) {
	deadline := time.NewTimer(c.cfg.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	taskURL := c.cfg.BaseURL + "/general/Tasks(" + taskID + ")"
	for {
		select {
		case <-ctx.Done():
			return ReplaceResult{}, ctx.Err()
		case <-deadline.C:
			return ReplaceResult{}, fmt.Errorf("%w after %s", ErrReplaceTimeout, c.cfg.MaxWait)
		case <-ticker.C:
		}

		var st taskStatus
		if _, err := c.doJSON(ctx, token, http.MethodGet, taskURL, nil, nil, &st); err != nil {
			return ReplaceResult{}, err
		}
		switch st.Status {
		case "Completed":
			return ReplaceResult{Success: true, RowsReplaced: rowCount}, nil
		case "Failed":
			msg := "Replace operation failed"
			if len(st.Errors) > 0 {
				msg = st.Errors[0].Title
				if msg == "" {
					msg = "Unknown error"
				}
				if st.Errors[0].Detail != "" {
					msg += ": " + st.Errors[0].Detail
				}
			}
			return ReplaceResult{Error: msg}, nil
		case "Cancelled":
			return ReplaceResult{Error: "Operation was cancelled"}, nil
		}
		// NotStarted, InProgress and Unknown keep polling.
	}
}

// BuildFilter renders column filters as an OData $filter expression using
// case-insensitive equality. Wildcards are stripped since the upstream has no
// substring functions; _key and empty values are skipped.
func BuildFilter(filters map[string]string, mode string) string {
	if len(filters) == 0 {
		return ""
	}
	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == "_key" {
			continue
		}
		v := strings.TrimSpace(strings.Trim(filters[col], "*"))
		if v == "" {
			continue
		}
		v = strings.ReplaceAll(v, "'", "''")
		parts = append(parts, fmt.Sprintf("toupper(%s) eq toupper('%s')", col, v))
	}
	if mode != "or" {
		mode = "and"
	}
	return strings.Join(parts, " "+mode+" ")
}

func normalizeQuery(q RowQuery) RowQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultRowLimit
	}
	if q.Limit > MaxRowLimit {
		q.Limit = MaxRowLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func (c *TableClient) tableURL(table string) string {
	if table == "" {
		return c.cfg.BaseURL + "/table"
	}
	return c.cfg.BaseURL + "/table/" + url.PathEscape(table)
}

func (c *TableClient) rowURL(table, key string) string {
	return c.tableURL(table) + "('" + url.PathEscape(strings.ReplaceAll(key, "'", "''")) + "')"
}

func (c *TableClient) newRequest(ctx context.Context, token, method, rawURL string, params url.Values, body io.Reader) (*http.Request, error) {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *TableClient) doJSON(ctx context.Context, token, method, rawURL string, params url.Values, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, token, method, rawURL, params, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *TableClient) do(req *http.Request, out any) (http.Header, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return resp.Header, apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.Header, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return resp.Header, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return resp.Header, nil
}

// apiError reads the upstream error message from an OData error body,
// falling back to the raw body text and then the status text.
func apiError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var odata struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := ""
	if json.Unmarshal(b, &odata) == nil {
		msg = odata.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(b))
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func errorMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}
