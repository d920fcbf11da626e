package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream and session defaults.
const (
	DefaultAuthURL         = "https://signin.laserfiche.com/oauth/Authorize"
	DefaultTokenURL        = "https://signin.laserfiche.com/oauth/Token"
	DefaultTablesBaseURL   = "https://api.laserfiche.com/odata4"
	DefaultUpstreamTimeout = 10 * time.Second
	DefaultRefreshMargin   = 60 * time.Second
	DefaultTokenLifetime   = time.Hour
	StateCookieTTL         = 10 * time.Minute
)

// Table proxy defaults.
const (
	DefaultTablesTimeout       = 30 * time.Second
	DefaultTablesMaxConcurrent = 5
	DefaultTablesPollInterval  = 2 * time.Second
	DefaultTablesMaxWait       = 5 * time.Minute
)

// DefaultCORSAllowedMethods lists the methods the frontend may use.
var DefaultCORSAllowedMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Security SecurityConfig `yaml:"security"`
	Sessions SessionConfig  `yaml:"sessions"`
	Tables   TablesConfig   `yaml:"tables"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	FrontendURL     string     `yaml:"frontend_url"`
	CookieDomain    string     `yaml:"cookie_domain"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// UpstreamConfig describes the OAuth authorization server.
// When Issuer is set the endpoints are discovered and AuthURL/TokenURL are ignored.
type UpstreamConfig struct {
	Issuer       string        `yaml:"issuer"`
	AuthURL      string        `yaml:"auth_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	RedirectURI  string        `yaml:"redirect_uri"`
	Scopes       []string      `yaml:"scopes"`
	ProjectName  string        `yaml:"project_name"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SecurityConfig holds the server-side secrets.
type SecurityConfig struct {
	SecretKey          string `yaml:"secret_key"`
	TokenEncryptionKey string `yaml:"token_encryption_key"`
}

// SessionConfig tunes the token cookie lifecycle.
type SessionConfig struct {
	RefreshMargin  time.Duration `yaml:"refresh_margin"`
	TokenCookieTTL time.Duration `yaml:"token_cookie_ttl"`
}

// TablesConfig configures the upstream table API client.
type TablesConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxWait       time.Duration `yaml:"max_wait"`
}

// LoginScopes returns the scopes requested at login.
func (u UpstreamConfig) LoginScopes() []string {
	scopes := append([]string(nil), u.Scopes...)
	if u.ProjectName != "" {
		scopes = append(scopes, "project/"+u.ProjectName)
	}
	return scopes
}

// Environment names the deployment mode reported by /health.
func (s ServerConfig) Environment() string {
	if s.DevMode {
		return "development"
	}
	return "production"
}

// LoadConfig reads the YAML config file and merges environment overrides.
// An empty path yields defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:8000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			FrontendURL:     "http://localhost:3000",
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			},
		},
		Upstream: UpstreamConfig{
			AuthURL:     DefaultAuthURL,
			TokenURL:    DefaultTokenURL,
			Scopes:      []string{"table.Read"},
			ProjectName: "Global",
			Timeout:     DefaultUpstreamTimeout,
		},
		Sessions: SessionConfig{
			RefreshMargin: DefaultRefreshMargin,
		},
		Tables: TablesConfig{
			BaseURL:       DefaultTablesBaseURL,
			Timeout:       DefaultTablesTimeout,
			MaxConcurrent: DefaultTablesMaxConcurrent,
			PollInterval:  DefaultTablesPollInterval,
			MaxWait:       DefaultTablesMaxWait,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TABLEGATE_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TABLEGATE_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TABLEGATE_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TABLEGATE_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TABLEGATE_SERVER_FRONTEND_URL":      func(v string) { cfg.Server.FrontendURL = v },
		"TABLEGATE_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"TABLEGATE_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TABLEGATE_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TABLEGATE_SERVER_ALLOWED_ORIGINS":   func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"TABLEGATE_UPSTREAM_ISSUER":          func(v string) { cfg.Upstream.Issuer = v },
		"TABLEGATE_UPSTREAM_AUTH_URL":        func(v string) { cfg.Upstream.AuthURL = v },
		"TABLEGATE_UPSTREAM_TOKEN_URL":       func(v string) { cfg.Upstream.TokenURL = v },
		"TABLEGATE_UPSTREAM_CLIENT_ID":       func(v string) { cfg.Upstream.ClientID = v },
		"TABLEGATE_UPSTREAM_CLIENT_SECRET":   func(v string) { cfg.Upstream.ClientSecret = v },
		"TABLEGATE_UPSTREAM_REDIRECT_URI":    func(v string) { cfg.Upstream.RedirectURI = v },
		"TABLEGATE_UPSTREAM_SCOPES":          func(v string) { cfg.Upstream.Scopes = splitAndTrim(v) },
		"TABLEGATE_UPSTREAM_PROJECT_NAME":    func(v string) { cfg.Upstream.ProjectName = v },
		"TABLEGATE_UPSTREAM_TIMEOUT":         func(v string) { cfg.Upstream.Timeout = parseDuration(v, cfg.Upstream.Timeout) },
		"TABLEGATE_SECRET_KEY":               func(v string) { cfg.Security.SecretKey = v },
		"TABLEGATE_TOKEN_ENCRYPTION_KEY":     func(v string) { cfg.Security.TokenEncryptionKey = v },
		"TABLEGATE_SESSIONS_REFRESH_MARGIN":  func(v string) { cfg.Sessions.RefreshMargin = parseDuration(v, cfg.Sessions.RefreshMargin) },
		"TABLEGATE_SESSIONS_COOKIE_TTL":      func(v string) { cfg.Sessions.TokenCookieTTL = parseDuration(v, cfg.Sessions.TokenCookieTTL) },
		"TABLEGATE_TABLES_BASE_URL":          func(v string) { cfg.Tables.BaseURL = v },
		"TABLEGATE_TABLES_MAX_CONCURRENT":    func(v string) { cfg.Tables.MaxConcurrent = parseInt(v, cfg.Tables.MaxConcurrent) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Upstream.ClientID == "" {
		slog.Error("Missing required configuration", "field", "upstream.client_id")
		return errors.New("upstream.client_id is required")
	}
	if c.Upstream.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "upstream.client_secret")
		return errors.New("upstream.client_secret is required")
	}
	if err := requireHTTPURL("upstream.redirect_uri", c.Upstream.RedirectURI); err != nil {
		return err
	}
	if c.Upstream.Issuer != "" {
		if err := requireHTTPURL("upstream.issuer", c.Upstream.Issuer); err != nil {
			return err
		}
	} else {
		if err := requireHTTPURL("upstream.auth_url", c.Upstream.AuthURL); err != nil {
			return err
		}
		if err := requireHTTPURL("upstream.token_url", c.Upstream.TokenURL); err != nil {
			return err
		}
	}
	if len(c.Upstream.LoginScopes()) == 0 {
		slog.Error("Missing required configuration", "field", "upstream.scopes")
		return errors.New("upstream.scopes must not be empty")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %s", c.Upstream.Timeout)
	}

	if len(c.Security.SecretKey) < MinSecretLength {
		slog.Error("Invalid configuration value", "field", "security.secret_key", "reason", "too short")
		return fmt.Errorf("security.secret_key must be at least %d bytes", MinSecretLength)
	}
	if len(c.Security.TokenEncryptionKey) < MinSecretLength {
		slog.Error("Invalid configuration value", "field", "security.token_encryption_key", "reason", "too short")
		return fmt.Errorf("security.token_encryption_key must be at least %d bytes", MinSecretLength)
	}
	if c.Security.SecretKey == c.Security.TokenEncryptionKey {
		slog.Error("Invalid configuration value", "field", "security.token_encryption_key", "reason", "must differ from secret_key")
		return errors.New("security.token_encryption_key must differ from security.secret_key")
	}

	if c.Sessions.RefreshMargin < 0 {
		return fmt.Errorf("sessions.refresh_margin must not be negative, got %s", c.Sessions.RefreshMargin)
	}
	if c.Sessions.TokenCookieTTL < 0 {
		return fmt.Errorf("sessions.token_cookie_ttl must not be negative, got %s", c.Sessions.TokenCookieTTL)
	}

	if err := requireHTTPURL("server.frontend_url", c.Server.FrontendURL); err != nil {
		return err
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	for i, origin := range c.Server.CORS.AllowedOrigins {
		if origin == "*" {
			slog.Error("Invalid CORS origin", "index", i, "reason", "wildcard not allowed with credentials")
			return fmt.Errorf("server.cors.allowed_origins[%d]: wildcard is not allowed with credentialed requests", i)
		}
	}

	if err := requireHTTPURL("tables.base_url", c.Tables.BaseURL); err != nil {
		return err
	}
	if c.Tables.MaxConcurrent < 1 || c.Tables.MaxConcurrent > 50 {
		return fmt.Errorf("tables.max_concurrent must be between 1 and 50, got %d", c.Tables.MaxConcurrent)
	}
	if c.Tables.Timeout <= 0 || c.Tables.PollInterval <= 0 || c.Tables.MaxWait <= 0 {
		return errors.New("tables.timeout, tables.poll_interval and tables.max_wait must be positive")
	}

	return nil
}

func requireHTTPURL(field, value string) error {
	if value == "" {
		slog.Error("Missing required configuration", "field", field)
		return fmt.Errorf("%s is required", field)
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		slog.Error("Invalid configuration value", "field", field, "value", value, "reason", "must start with http:// or https://")
		return fmt.Errorf("%s must start with http:// or https://, got: %s", field, value)
	}
	return nil
}
