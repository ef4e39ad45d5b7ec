package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"knowhow/internal/logging"
)

func newTestCommand() *cobra.Command {
	root := &cobra.Command{Use: "knowhow"}
	RegisterGlobalFlags(root.PersistentFlags())
	serve := &cobra.Command{Use: "serve", RunE: func(*cobra.Command, []string) error { return nil }}
	RegisterServeFlags(serve.Flags())
	root.AddCommand(serve)
	return serve
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load(newTestCommand(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.PollInterval != DefaultPollInterval || !cfg.FSNotify {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("expected no config file, got %q", cfg.ConfigFile)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	file := filepath.Join(dir, "knowhow.yaml")
	content := "addr: \":9000\"\npoll-interval: 3s\nsend-buffer: 4\nallowed-origins:\n  - example.com\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KNOWHOW_POLL_INTERVAL", "250ms")

	cmd := newTestCommand()
	if err := cmd.Flags().Set("send-buffer", "32"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(cmd, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected addr from file, got %q", cfg.Addr)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("expected env to override file, got %s", cfg.PollInterval)
	}
	if cfg.SendBuffer != 32 {
		t.Fatalf("expected flag to override file, got %d", cfg.SendBuffer)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "example.com" {
		t.Fatalf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
	if !strings.HasSuffix(cfg.ConfigFile, "knowhow.yaml") {
		t.Fatalf("expected config file recorded, got %q", cfg.ConfigFile)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(newTestCommand(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("KNOWHOW_SCAN_CONCURRENCY", "0")
	if _, err := Load(newTestCommand(), ""); err == nil || !strings.Contains(err.Error(), "scan-concurrency") {
		t.Fatalf("expected scan-concurrency error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}

	cfg.LogLevel = "loud"
	cfg.PollInterval = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "log level") || !strings.Contains(err.Error(), "poll-interval") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestEffectiveLogLevel(t *testing.T) {
	cfg := Default()
	if got := cfg.EffectiveLogLevel(); got != logging.LevelInfo {
		t.Fatalf("expected info, got %q", got)
	}
	cfg.Verbose = true
	if got := cfg.EffectiveLogLevel(); got != logging.LevelDebug {
		t.Fatalf("expected debug, got %q", got)
	}
	cfg.Quiet = true
	if got := cfg.EffectiveLogLevel(); got != logging.LevelError {
		t.Fatalf("expected quiet to win, got %q", got)
	}
}
