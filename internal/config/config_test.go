package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("db_path: /tmp/obscore-test.db\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 3001 {
		t.Errorf("listen.port = %d, want 3001", cfg.Listen.Port)
	}
	if cfg.Upstream.WSURL != "ws://localhost:1888/v2/socket" {
		t.Errorf("upstream.ws_url = %q, want default", cfg.Upstream.WSURL)
	}
	if cfg.Session.TargetExpiry != 8*3600*1e9 {
		t.Errorf("session.target_expiry = %v, want 8h", cfg.Session.TargetExpiry)
	}
	if cfg.DBPath != "/tmp/obscore-test.db" {
		t.Errorf("db_path = %q, want explicit value preserved", cfg.DBPath)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
listen:
  address: 127.0.0.1
  port: 9001
upstream:
  ws_url: ws://rig.local:1888/v2/socket
  subscribe_frame: "SUBSCRIBE /v2/socket"
  history_url: http://rig.local:1888/event-history
  timezone: America/Denver
db_path: /var/lib/obscore/state.db
log_level: debug
session:
  target_expiry: 4h
  recent_events_cap: 25
fanout:
  client_cap: 50
  heartbeat_interval: 10s
  send_timeout: 2s
`
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Address != "127.0.0.1" || cfg.Listen.Port != 9001 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Upstream.Timezone != "America/Denver" {
		t.Errorf("upstream.timezone = %q", cfg.Upstream.Timezone)
	}
	if cfg.Session.RecentEventsCap != 25 {
		t.Errorf("session.recent_events_cap = %d, want 25", cfg.Session.RecentEventsCap)
	}
	if cfg.Fanout.ClientCap != 50 {
		t.Errorf("fanout.client_cap = %d, want 50", cfg.Fanout.ClientCap)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 3001\nupstream:\n  timezone: America/Los_Angeles\ndb_path: ./data/obscore.db\n"), 0600)

	os.Setenv("PORT", "4444")
	os.Setenv("IC_TZ", "UTC")
	os.Setenv("DB_PATH", "/tmp/override.db")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("IC_TZ")
	defer os.Unsetenv("DB_PATH")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 4444 {
		t.Errorf("listen.port = %d, want 4444 from PORT env", cfg.Listen.Port)
	}
	if cfg.Upstream.Timezone != "UTC" {
		t.Errorf("upstream.timezone = %q, want UTC from IC_TZ env", cfg.Upstream.Timezone)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("db_path = %q, want override from DB_PATH env", cfg.DBPath)
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := Default()
	cfg.Upstream.Timezone = "Not/A_Zone"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_ZeroClientCap(t *testing.T) {
	cfg := Default()
	cfg.Fanout.ClientCap = 0
	cfg.applyDefaults() // defaults only fill zero values before Validate in Load; simulate explicit zero surviving
	cfg.Fanout.ClientCap = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero client_cap")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}
