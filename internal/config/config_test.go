package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
base_url = "https://serena-mcp.fly.dev"
username = "serena"
password = "hunter2"
connect_timeout_seconds = 5
response_header_timeout_seconds = 30

[relay]
service_name = "serena-staging"
idle_timeout_seconds = 120
keep_alive_seconds = 15

[log]
level = "debug"
format = "text"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.BaseURL != "https://serena-mcp.fly.dev" {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, "https://serena-mcp.fly.dev")
	}
	if cfg.Upstream.Password != "hunter2" {
		t.Errorf("Upstream.Password = %q, want %q", cfg.Upstream.Password, "hunter2")
	}
	if cfg.Relay.ServiceName != "serena-staging" {
		t.Errorf("Relay.ServiceName = %q, want %q", cfg.Relay.ServiceName, "serena-staging")
	}
	if cfg.Relay.IdleTimeoutSeconds != 120 {
		t.Errorf("Relay.IdleTimeoutSeconds = %d, want %d", cfg.Relay.IdleTimeoutSeconds, 120)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_MissingUpstreamURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
port = 9000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for missing upstream.base_url, got nil")
	}
	if !strings.Contains(err.Error(), "UPSTREAM_URL") {
		t.Errorf("error = %q, want mention of UPSTREAM_URL", err)
	}
}

func TestLoad_NoConfigFile_EnvOnly(t *testing.T) {
	// No file anywhere; UPSTREAM_URL arrives via the CLI/env layer.
	cli := &CLI{UpstreamURL: "http://up:9000"}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v; the relay must run without a config file", err)
	}
	if cfg.Upstream.BaseURL != "http://up:9000" {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, "http://up:9000")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestLoad_NoConfigFile_NoUpstream(t *testing.T) {
	_, err := Load(&CLI{})
	if err == nil {
		t.Fatal("Load() expected error with no config file and no UPSTREAM_URL, got nil")
	}
}

func TestLoad_InvalidUpstreamScheme(t *testing.T) {
	_, err := Load(&CLI{UpstreamURL: "ftp://up:9000"})
	if err == nil {
		t.Fatal("Load() expected error for ftp upstream, got nil")
	}
}

func TestLoad_RelativeUpstreamURL(t *testing.T) {
	_, err := Load(&CLI{UpstreamURL: "http://"})
	if err == nil {
		t.Fatal("Load() expected error for upstream URL without host, got nil")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	_, err := Load(&CLI{UpstreamURL: "http://up:9000", LogLevel: "verbose"})
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(&CLI{UpstreamURL: "https://serena-mcp.fly.dev"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Upstream.Username != "serena" {
		t.Errorf("default Upstream.Username = %q, want %q", cfg.Upstream.Username, "serena")
	}
	if cfg.Upstream.ConnectTimeoutSeconds != 10 {
		t.Errorf("default Upstream.ConnectTimeoutSeconds = %d, want %d", cfg.Upstream.ConnectTimeoutSeconds, 10)
	}
	if cfg.Relay.ServiceName != "serena" {
		t.Errorf("default Relay.ServiceName = %q, want %q", cfg.Relay.ServiceName, "serena")
	}
	if cfg.Relay.IdleTimeoutSeconds != 300 {
		t.Errorf("default Relay.IdleTimeoutSeconds = %d, want %d", cfg.Relay.IdleTimeoutSeconds, 300)
	}
	if cfg.Relay.KeepAliveSeconds != 10 {
		t.Errorf("default Relay.KeepAliveSeconds = %d, want %d", cfg.Relay.KeepAliveSeconds, 10)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit config file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
host = "0.0.0.0"
port = 8080

[upstream]
base_url = "https://from-file.example"

[relay]
service_name = "file-name"

[log]
level = "info"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cli := &CLI{
		Config:      path,
		Host:        "127.0.0.1",
		Port:        3000,
		UpstreamURL: "http://up:9000",
		ServiceName: "cli-name",
		Password:    "cli-secret",
		LogLevel:    "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Upstream.BaseURL != "http://up:9000" {
		t.Errorf("Upstream.BaseURL = %q, want %q (CLI override)", cfg.Upstream.BaseURL, "http://up:9000")
	}
	if cfg.Relay.ServiceName != "cli-name" {
		t.Errorf("Relay.ServiceName = %q, want %q (CLI override)", cfg.Relay.ServiceName, "cli-name")
	}
	if cfg.Upstream.Password != "cli-secret" {
		t.Errorf("Upstream.Password = %q, want %q (CLI override)", cfg.Upstream.Password, "cli-secret")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_PortBounds(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"negative", -1, true},
		{"too big", 70000, true},
		{"lowest valid", 1, false},
		{"highest valid", 65535, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(&CLI{UpstreamURL: "http://up:9000", Port: tt.port})
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_NegativeBodyMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
body_max_bytes = -1

[upstream]
base_url = "http://up:9000"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative body_max_bytes, got nil")
	}
}

func TestLoad_NegativeConnectTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"
connect_timeout_seconds = -5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative connect timeout, got nil")
	}
}

func TestLoad_KeepAliveDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[relay]
keep_alive_seconds = -1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; -1 should disable keep-alive", err)
	}
	if got := cfg.Relay.KeepAliveInterval(); got != 0 {
		t.Errorf("KeepAliveInterval() = %v, want 0 (disabled)", got)
	}
}

func TestLoad_KeepAliveTooNegative(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[relay]
keep_alive_seconds = -2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for keep_alive_seconds < -1, got nil")
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[server.rate_limit]
enabled = true
requests_per_second = 50.0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[server.rate_limit]
enabled = true
requests_per_second = 0
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[upstream]\nbase_url = \"http://up:9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	path1 := filepath.Join(dir1, "config.toml")
	path2 := filepath.Join(dir2, "config.toml")
	for _, p := range []string{path1, path2} {
		if err := os.WriteFile(p, []byte("[upstream]\nbase_url = \"http://up:9000\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[metrics]
enabled = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[metrics]
enabled = true
path = "metrics"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithRelayRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"healthz exact", "/healthz"},
		{"healthz sub", "/healthz/metrics"},
		{"health alias", "/health"},
		{"relay status", "/relay/status"},
		{"openapi json", "/openapi.json"},
		{"openapi txt", "/openapi.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfgPath := filepath.Join(dir, "config.toml")
			data := `
[upstream]
base_url = "http://up:9000"

[metrics]
enabled = true
path = "` + tt.path + `"
`
			if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[upstream]
base_url = "http://up:9000"

[metrics]
enabled = false
path = "bad-no-slash"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestDurationHelpers(t *testing.T) {
	uc := &UpstreamConfig{ConnectTimeoutSeconds: 5, ResponseHeaderTimeoutSeconds: 30}
	if got := uc.ConnectTimeout(); got != 5*time.Second {
		t.Errorf("ConnectTimeout() = %v, want %v", got, 5*time.Second)
	}
	if got := uc.ResponseHeaderTimeout(); got != 30*time.Second {
		t.Errorf("ResponseHeaderTimeout() = %v, want %v", got, 30*time.Second)
	}

	rc := &RelayConfig{IdleTimeoutSeconds: 120, KeepAliveSeconds: 15}
	if got := rc.IdleTimeout(); got != 120*time.Second {
		t.Errorf("IdleTimeout() = %v, want %v", got, 120*time.Second)
	}
	if got := rc.KeepAliveInterval(); got != 15*time.Second {
		t.Errorf("KeepAliveInterval() = %v, want %v", got, 15*time.Second)
	}
}
