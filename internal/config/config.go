// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rewrite-proxy/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is sent upstream unless overridden; many sites block
// non-browser clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Session identity modes.
const (
	IdentityAddress = "address"
	IdentityCookie  = "cookie"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicURL string `kong:"help='Public URL of the proxy endpoint (overrides config).',env='PUBLIC_URL'"`
	Disabled  bool   `kong:"help='Reject all proxy requests with 503.',env='PROXY_DISABLED'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Session  SessionConfig  `toml:"session"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	Disabled     bool            `toml:"disabled"`
	BlockedIPs   []string        `toml:"blocked_ips"` // IPs or CIDRs
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Allowlist         []string `toml:"allowlist"` // IPs or CIDRs exempt from limiting
}

// ProxyConfig holds rewriting proxy settings.
type ProxyConfig struct {
	// PublicURL is the absolute URL of the proxy endpoint as browsers see it.
	// When empty it is derived from each request's scheme and host.
	PublicURL string `toml:"public_url"`
	Path      string `toml:"path"`
	UserAgent string `toml:"user_agent"`
	RulesPath string `toml:"rules_path"` // YAML file or directory; ';' separates several
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int   `toml:"timeout_seconds"`
	IdleConnections int   `toml:"idle_connections"`
	MaxBodyBytes    int64 `toml:"max_body_bytes"`
}

// SessionConfig controls cookie sessions and their persistence.
type SessionConfig struct {
	Identity               string `toml:"identity"`
	Store                  string `toml:"store"`
	FilePath               string `toml:"file_path"`
	PostgresDSN            string `toml:"postgres_dsn"`
	PersistIntervalSeconds int    `toml:"persist_interval_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File, when set, receives a copy of the log stream with size-based rotation.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/rewrite-proxy/config.toml then configs/config.toml. Running without
// any file is allowed; defaults apply.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicURL = cli.PublicURL
	}
	if cli.Disabled {
		c.Server.Disabled = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Proxy.PublicURL != "" {
		u, err := url.Parse(c.Proxy.PublicURL)
		if err != nil {
			return fmt.Errorf("proxy.public_url is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_url must be an absolute http(s) URL; got %q", c.Proxy.PublicURL)
		}
	}
	if p := c.Proxy.Path; p != "" && p[0] != '/' {
		return fmt.Errorf("proxy.path must start with '/'; got %q", p)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for _, entry := range c.Server.BlockedIPs {
		if _, err := ParseIPMatcher(entry); err != nil {
			return fmt.Errorf("server.blocked_ips: %w", err)
		}
	}
	for _, entry := range c.Server.RateLimit.Allowlist {
		if _, err := ParseIPMatcher(entry); err != nil {
			return fmt.Errorf("server.rate_limit.allowlist: %w", err)
		}
	}

	// Session fields.
	switch strings.ToLower(c.Session.Identity) {
	case IdentityAddress, IdentityCookie, "":
	default:
		return fmt.Errorf("session.identity must be one of: address, cookie; got %q", c.Session.Identity)
	}
	switch strings.ToLower(c.Session.Store) {
	case StoreMemory, StoreFile, "":
	case StorePostgres:
		if c.Session.PostgresDSN == "" {
			return fmt.Errorf("session.postgres_dsn is required when session.store is postgres")
		}
	default:
		return fmt.Errorf("session.store must be one of: memory, file, postgres; got %q", c.Session.Store)
	}
	if c.Session.PersistIntervalSeconds < 0 {
		return fmt.Errorf("session.persist_interval_seconds must be non-negative; got %d", c.Session.PersistIntervalSeconds)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/healthz", "/proxy/status", c.proxyPath()}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// proxyPath is the endpoint path before defaults are applied.
func (c *Config) proxyPath() string {
	if c.Proxy.Path != "" {
		return c.Proxy.Path
	}
	return "/proxy"
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/proxy"
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = DefaultUserAgent
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 50 * 1024 * 1024 // 50 MB
	}
	c.Session.Identity = strings.ToLower(c.Session.Identity)
	if c.Session.Identity == "" {
		c.Session.Identity = IdentityAddress
	}
	c.Session.Store = strings.ToLower(c.Session.Store)
	if c.Session.Store == "" {
		c.Session.Store = StoreMemory
	}
	if c.Session.FilePath == "" {
		c.Session.FilePath = "data/sessions.json"
	}
	if c.Session.PersistIntervalSeconds == 0 {
		c.Session.PersistIntervalSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// PersistInterval returns the session persistence period.
func (c *SessionConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold a database DSN.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// IPMatcher matches a single IP or a CIDR range.
type IPMatcher struct {
	ip  net.IP
	net *net.IPNet
}

// ParseIPMatcher parses an IP address or CIDR.
func ParseIPMatcher(s string) (IPMatcher, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return IPMatcher{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return IPMatcher{net: n}, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return IPMatcher{}, fmt.Errorf("invalid IP %q", s)
	}
	return IPMatcher{ip: ip}, nil
}

// Contains reports whether ip matches.
func (m IPMatcher) Contains(ip net.IP) bool {
	if m.net != nil {
		return m.net.Contains(ip)
	}
	return m.ip.Equal(ip)
}

// ParseIPMatchers parses entries that already passed validation.
func ParseIPMatchers(entries []string) []IPMatcher {
	out := make([]IPMatcher, 0, len(entries))
	for _, e := range entries {
		if m, err := ParseIPMatcher(e); err == nil {
			out = append(out, m)
		}
	}
	return out
}
