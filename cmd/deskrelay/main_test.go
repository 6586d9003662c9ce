package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
	"github.com/spf13/pflag"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Addr != "127.0.0.1:7420" {
		t.Fatalf("expected loopback default addr, got %q", cfg.Addr)
	}
	if cfg.StoreDSN != "file://.deskrelay/actions.json" {
		t.Fatalf("expected file store default, got %q", cfg.StoreDSN)
	}
	if cfg.MaxAttempts != 5 || cfg.NotifyCap != 5 {
		t.Fatalf("expected 5 attempts and cap 5, got %d and %d", cfg.MaxAttempts, cfg.NotifyCap)
	}
	if cfg.BackoffBase != time.Second || cfg.BackoffMax != 30*time.Second || cfg.BackoffJitter != 0.2 {
		t.Fatalf("unexpected backoff defaults: %s %s %f", cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter)
	}
	if !cfg.AutoHide || cfg.AutoHideDelay != 5*time.Second {
		t.Fatalf("expected auto-hide after 5s, got %v %s", cfg.AutoHide, cfg.AutoHideDelay)
	}
	if cfg.NotifyURL != "" || cfg.ProbeAddr != "" {
		t.Fatalf("expected notifications and probe disabled by default")
	}
}

func TestLoadConfigReadsEnv(t *testing.T) {
	t.Setenv("DESKRELAY_MAX_ATTEMPTS", "7")
	t.Setenv("DESKRELAY_BACKOFF_BASE", "250ms")
	t.Setenv("DESKRELAY_AUTOHIDE", "false")
	t.Setenv("DESKRELAY_NOTIFY_URL", " wss://helpdesk.example/notifications ")

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.MaxAttempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.BackoffBase != 250*time.Millisecond {
		t.Fatalf("expected 250ms backoff base, got %s", cfg.BackoffBase)
	}
	if cfg.AutoHide {
		t.Fatalf("expected auto-hide disabled from env")
	}
	if cfg.NotifyURL != "wss://helpdesk.example/notifications" {
		t.Fatalf("expected trimmed notify url, got %q", cfg.NotifyURL)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DESKRELAY_STORE_DSN", "memory://")
	t.Setenv("DESKRELAY_NOTIFY_CAP", "3")

	cfg, err := loadConfig([]string{"--store", "sqlite:///tmp/actions.db", "--notify-cap=9", "--autohide=false"})
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.StoreDSN != "sqlite:///tmp/actions.db" {
		t.Fatalf("expected flag store dsn, got %q", cfg.StoreDSN)
	}
	if cfg.NotifyCap != 9 {
		t.Fatalf("expected flag cap 9, got %d", cfg.NotifyCap)
	}
	if cfg.AutoHide {
		t.Fatalf("expected auto-hide disabled by flag")
	}
}

func TestLoadConfigRejectsInvalidEnv(t *testing.T) {
	t.Setenv("DESKRELAY_MAX_ACTIONS", "lots")
	if _, err := loadConfig(nil); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadConfigRejectsPositionalArguments(t *testing.T) {
	if _, err := loadConfig([]string{"serve"}); err == nil {
		t.Fatalf("expected positional argument to be rejected")
	}
}

func TestLoadConfigHelp(t *testing.T) {
	_, err := loadConfig([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestNormalizeConfigClampsJitter(t *testing.T) {
	if got := normalizeConfig(Config{BackoffJitter: -0.1}).BackoffJitter; got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := normalizeConfig(Config{BackoffJitter: 1.5}).BackoffJitter; got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := normalizeConfig(Config{BackoffJitter: 0.4}).BackoffJitter; got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestNormalizeConfigRepairsDurations(t *testing.T) {
	cfg := normalizeConfig(Config{BackoffBase: 2 * time.Second, BackoffMax: time.Second})
	if cfg.BackoffMax != 2*time.Second {
		t.Fatalf("expected backoff max raised to base, got %s", cfg.BackoffMax)
	}
	cfg = normalizeConfig(Config{})
	if cfg.BackoffBase != time.Second || cfg.AutoHideDelay != 5*time.Second || cfg.MaxAttempts != 5 {
		t.Fatalf("expected zero values replaced by defaults, got %+v", cfg)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("cmp", "test").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line at warn level, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json log line: %v", err)
	}
	if entry["message"] != "shown" || entry["level"] != "warn" || entry["time"] == nil {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestNewLoggerRejectsInvalidSettings(t *testing.T) {
	if _, err := newLogger("loud", "json", io.Discard); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := newLogger("info", "xml", io.Discard); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestRunFailsOnUnsupportedStore(t *testing.T) {
	err := run([]string{"--store", "redis://localhost:6379/0", "--log-format", "json"}, io.Discard)
	if !errors.Is(err, actionqueue.ErrNotImplemented) {
		t.Fatalf("expected not implemented store error, got %v", err)
	}
}
