package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tablegate/server"
)

type staticUpstream struct {
	authURL string
}

func (s staticUpstream) AuthorizationURL(scopes []string, state string) string {
	return s.authURL + "?state=" + state
}

func (staticUpstream) ExchangeCode(ctx context.Context, code string) (server.UpstreamTokenResponse, error) {
	return server.UpstreamTokenResponse{}, nil
}

func (staticUpstream) Refresh(ctx context.Context, refreshToken string) (server.UpstreamTokenResponse, error) {
	return server.UpstreamTokenResponse{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConnectFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/Authorize", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") == "" {
			t.Errorf("authorize request without state")
		}
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>login</html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := runConnect(context.Background(), server.DefaultConfig(), testLogger(), staticUpstream{authURL: srv.URL + "/oauth/Authorize"}, srv.Client())
	if err != nil {
		t.Fatalf("runConnect: %v", err)
	}
}

func TestRunConnectFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid client", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := runConnect(context.Background(), server.DefaultConfig(), testLogger(), staticUpstream{authURL: srv.URL}, srv.Client())
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 error, got %v", err)
	}
}

func TestRunConnectRequiresUpstream(t *testing.T) {
	if err := runConnect(context.Background(), server.DefaultConfig(), testLogger(), nil, nil); err == nil {
		t.Fatalf("expected error without upstream")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"err":     slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestRunKeygen(t *testing.T) {
	var buf bytes.Buffer
	if err := runKeygen(&buf); err != nil {
		t.Fatalf("runKeygen: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	secret, ok1 := strings.CutPrefix(lines[0], "TABLEGATE_SECRET_KEY=")
	enc, ok2 := strings.CutPrefix(lines[1], "TABLEGATE_TOKEN_ENCRYPTION_KEY=")
	if !ok1 || !ok2 {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if len(secret) < server.MinSecretLength || len(enc) < server.MinSecretLength || secret == enc {
		t.Fatalf("generated secrets are unusable: %q %q", secret, enc)
	}
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	if err == nil || !strings.Contains(err.Error(), "config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestLoadConfigFromEnvironmentOnly(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("TABLEGATE_UPSTREAM_CLIENT_ID", "client-id")
	t.Setenv("TABLEGATE_UPSTREAM_CLIENT_SECRET", "client-secret")
	t.Setenv("TABLEGATE_UPSTREAM_REDIRECT_URI", "http://localhost:8000/auth/callback")
	t.Setenv("TABLEGATE_SECRET_KEY", strings.Repeat("s", 40))
	t.Setenv("TABLEGATE_TOKEN_ENCRYPTION_KEY", strings.Repeat("k", 40))

	cfg, err := loadConfig("", testLogger())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Upstream.ClientID != "client-id" {
		t.Fatalf("client id = %q", cfg.Upstream.ClientID)
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	input := strings.Join([]string{
		"y",    // dev mode
		"",     // listen addr
		"",     // frontend url
		"",     // cors origins
		"cid",  // client id
		"csec", // client secret
		"",     // redirect uri
		"",     // project name
	}, "\n") + "\n"

	cfg, err := runSetup(bufio.NewReader(strings.NewReader(input)), path, testLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Upstream.ClientID != "cid" || cfg.Upstream.RedirectURI != "http://localhost:8000/auth/callback" {
		t.Fatalf("unexpected config: %+v", cfg.Upstream)
	}
	if cfg.Security.SecretKey == cfg.Security.TokenEncryptionKey {
		t.Fatalf("secrets must differ")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}
}

func TestNormalizeList(t *testing.T) {
	fallback := []string{"x"}
	if got := normalizeList(" , ", fallback); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := normalizeList("a, b", fallback); strings.Join(got, "|") != "a|b" {
		t.Fatalf("got %v", got)
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/tables?limit=5", nil)
	redirectToHTTPS(rec, req)
	if rec.Code != http.StatusMovedPermanently || rec.Header().Get("Location") != "https://api.example.com/tables?limit=5" {
		t.Fatalf("redirect = %d %q", rec.Code, rec.Header().Get("Location"))
	}
}
