package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tablegate/client"
)

func TestListTables(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.tables.tables = []client.TableInfo{{Name: "Customers", DisplayName: "Customers"}, {Name: "Orders"}}

	rec := ta.do(ta.authed(t, http.MethodGet, "/tables", ""))
	var body struct {
		Tables []client.TableInfo `json:"tables"`
	}
	decodeJSON(t, rec, &body)
	if len(body.Tables) != 2 || body.Tables[1].Name != "Orders" {
		t.Fatalf("tables = %+v", body.Tables)
	}
}

func TestTableRowsQueryParsing(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.tables.page = client.RowPage{Rows: []client.Row{{"Name": client.StringValue("Acme")}}, Total: 1, Limit: 10, Offset: 20}

	rec := ta.do(ta.authed(t, http.MethodGet, "/tables/Customers?limit=10&offset=20&filter_mode=or&filter.Name=acme&filter.City=Paris", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	q := ta.tables.lastQuery
	if ta.tables.lastTable != "Customers" || q.Limit != 10 || q.Offset != 20 || q.FilterMode != "or" {
		t.Fatalf("query = %+v", q)
	}
	if q.Filters["Name"] != "acme" || q.Filters["City"] != "Paris" || len(q.Filters) != 2 {
		t.Fatalf("filters = %v", q.Filters)
	}
	if !strings.Contains(rec.Body.String(), `"rows":[{"Name":"Acme"}]`) || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestTableRowsDefaults(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.do(ta.authed(t, http.MethodGet, "/tables/Customers", ""))
	q := ta.tables.lastQuery
	if q.Limit != client.DefaultRowLimit || q.Offset != 0 || q.FilterMode != "and" || q.Filters != nil {
		t.Fatalf("query = %+v", q)
	}
}

func TestTableRowsRejectsBadQuery(t *testing.T) {
	ta := setupTestApp(t, nil)
	for _, target := range []string{
		"/tables/Customers?limit=0",
		"/tables/Customers?limit=1001",
		"/tables/Customers?limit=ten",
		"/tables/Customers?offset=-1",
		"/tables/Customers?filter_mode=xor",
		"/tables/Customers?filter.Name%29%20or%201%20eq%201%20or%20(x=1",
	} {
		rec := ta.do(ta.authed(t, http.MethodGet, target, ""))
		assertErrorCode(t, rec, http.StatusBadRequest, "invalid_request")
	}
}

func TestGetRowPassesKey(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.tables.row = client.Row{"_key": client.StringValue("k1"), "Qty": client.IntegerValue(3)}

	rec := ta.do(ta.authed(t, http.MethodGet, "/tables/Orders/k1", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ta.tables.lastKey != "k1" || ta.tables.lastTable != "Orders" {
		t.Fatalf("table/key = %q/%q", ta.tables.lastTable, ta.tables.lastKey)
	}
	if !strings.Contains(rec.Body.String(), `"Qty":3`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCreateRow(t *testing.T) {
	ta := setupTestApp(t, nil)
	rec := ta.do(ta.authed(t, http.MethodPost, "/tables/Orders", `{"data":{"Name":"x","Qty":3,"Price":1.5,"Paid":true,"Note":null}}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	row := ta.tables.lastRow
	if row["Qty"].Kind() != client.KindInteger || row["Price"].Kind() != client.KindDecimal || row["Paid"].Kind() != client.KindBoolean || !row["Note"].IsNull() {
		t.Fatalf("row kinds = %v", row)
	}
}

func TestCreateRowValidation(t *testing.T) {
	ta := setupTestApp(t, nil)
	for _, body := range []string{
		`{}`,
		`{"data":{"Nested":{"a":1}}}`,
		`{"data":{"List":[1,2]}}`,
		`not json`,
	} {
		rec := ta.do(ta.authed(t, http.MethodPost, "/tables/Orders", body))
		assertErrorCode(t, rec, http.StatusBadRequest, "invalid_request")
	}
}

func TestCreateRowBodyTooLarge(t *testing.T) {
	ta := setupTestApp(t, nil)
	body := `{"data":{"Blob":"` + strings.Repeat("a", maxRowBodyBytes) + `"}}`
	rec := ta.do(ta.authed(t, http.MethodPost, "/tables/Orders", body))
	assertErrorCode(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestUpdateAndDeleteRow(t *testing.T) {
	ta := setupTestApp(t, nil)

	rec := ta.do(ta.authed(t, http.MethodPatch, "/tables/Orders/k9", `{"data":{"Qty":4}}`))
	if rec.Code != http.StatusOK || ta.tables.lastKey != "k9" {
		t.Fatalf("update = %d key %q", rec.Code, ta.tables.lastKey)
	}

	rec = ta.do(ta.authed(t, http.MethodDelete, "/tables/Orders/k9", ""))
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("delete = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSchemaAndCount(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.tables.columns = []client.Column{{Name: "_key", Type: "Edm.String", Required: true}}
	ta.tables.count = 42

	rec := ta.do(ta.authed(t, http.MethodGet, "/tables/Orders/schema", ""))
	if !strings.Contains(rec.Body.String(), `"table_name":"Orders"`) || !strings.Contains(rec.Body.String(), `"required":true`) {
		t.Fatalf("schema = %s", rec.Body.String())
	}

	rec = ta.do(ta.authed(t, http.MethodGet, "/tables/Orders/count", ""))
	if !strings.Contains(rec.Body.String(), `"row_count":42`) {
		t.Fatalf("count = %s", rec.Body.String())
	}
}

func TestBatchCreateSummary(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.tables.results = []client.RowResult{
		{Index: 0, Success: true, Data: client.Row{"Name": client.StringValue("a")}},
		{Index: 1, Error: "Conflict"},
		{Index: 2, Success: true, Data: client.Row{"Name": client.StringValue("c")}},
	}

	rec := ta.do(ta.authed(t, http.MethodPost, "/tables/Orders/batch", `{"rows":[{"Name":"a"},{"Name":"b"},{"Name":"c"}]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	decodeJSON(t, rec, &body)
	if body.Total != 3 || body.Succeeded != 2 || body.Failed != 1 || len(ta.tables.lastRows) != 3 {
		t.Fatalf("summary = %+v", body)
	}
}

func TestReplaceAll(t *testing.T) {
	ta := setupTestApp(t, nil)
	ta.tables.replace = client.ReplaceResult{Success: true, RowsReplaced: 2}

	rec := ta.do(ta.authed(t, http.MethodPost, "/tables/Orders/replace", `{"rows":[{"Name":"a"},{"Name":"b"}]}`))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"rows_replaced":2`) {
		t.Fatalf("replace = %d %s", rec.Code, rec.Body.String())
	}
}

func TestTableErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		detail string
	}{
		{"not_found", &client.APIError{StatusCode: 404, Message: "no such table"}, 404, "table_api_error", "Resource not found: no such table"},
		{"bad_request", &client.APIError{StatusCode: 400, Message: "bad filter"}, 400, "table_api_error", "Bad request: bad filter"},
		{"unauthorized", &client.APIError{StatusCode: 401, Message: "token expired"}, 401, "table_api_error", "Authentication failed. Please log in again."},
		{"forbidden", &client.APIError{StatusCode: 403, Message: "nope"}, 403, "table_api_error", "Insufficient permissions. Check your OAuth scopes."},
		{"conflict", &client.APIError{StatusCode: 409, Message: "duplicate key"}, 409, "table_api_error", "Conflict: duplicate key"},
		{"server_error", &client.APIError{StatusCode: 500, Message: "stack trace"}, 500, "table_api_error", "Upstream table API error. Please try again later."},
		{"timeout", client.ErrReplaceTimeout, 504, "table_api_timeout", "Replace operation timed out."},
		{"unreachable", errors.New("dial tcp: connection refused"), 502, "table_api_unavailable", "Upstream table API unavailable. Please try again later."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := setupTestApp(t, nil)
			ta.tables.err = tt.err
			rec := ta.do(ta.authed(t, http.MethodGet, "/tables/Orders/count", ""))
			body := assertErrorCode(t, rec, tt.status, tt.code)
			if body.Detail != tt.detail {
				t.Fatalf("detail = %q, want %q", body.Detail, tt.detail)
			}
		})
	}
}

func TestValidColumnName(t *testing.T) {
	for _, ok := range []string{"Name", "_key", "col_2"} {
		if !validColumnName(ok) {
			t.Fatalf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"a b", "x')", "na-me", "é"} {
		if validColumnName(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

func TestAccessTokenFromContextEmpty(t *testing.T) {
	if got := AccessTokenFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Fatalf("got %q", got)
	}
}
