package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
endpoints:
  latency_url: https://ping.example.net/blank
  download_url: https://files.example.net/payload.bin
latency:
  samples: 7
  pause_ms: 50
upload:
  low_mbps: 20
  high_mbps: 40
publish:
  webhook_url: https://hooks.example.net/speed
server:
  addr: ":8099"
  allowed_origins: ["https://dash.example.net"]
schedule:
  auto_run_sec: 900
`

func TestLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(ctx, path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Endpoints.LatencyURL != "https://ping.example.net/blank" {
		t.Fatalf("unexpected latency url: %s", cfg.Endpoints.LatencyURL)
	}
	if cfg.Latency.Samples != 7 {
		t.Fatalf("unexpected samples: %d", cfg.Latency.Samples)
	}
	if cfg.Upload.LowMbps != 20 || cfg.Upload.HighMbps != 40 {
		t.Fatalf("unexpected upload range: [%d,%d]", cfg.Upload.LowMbps, cfg.Upload.HighMbps)
	}
	if cfg.Schedule.AutoRunSec != 900 {
		t.Fatalf("unexpected auto run cadence: %d", cfg.Schedule.AutoRunSec)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://dash.example.net" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadKeepsDefaultsForOmittedSections(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(ctx, path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Endpoints.NetworkInfoURL != DefaultNetworkInfoURL {
		t.Fatalf("expected default network info url, got %s", cfg.Endpoints.NetworkInfoURL)
	}
	if cfg.Download.AssumedContentLength != 5_000_000 {
		t.Fatalf("expected default assumed content length, got %d", cfg.Download.AssumedContentLength)
	}
	if cfg.Download.FallbackLowMbps != 50 || cfg.Download.FallbackHighMbps != 150 {
		t.Fatalf("unexpected fallback range: [%d,%d]", cfg.Download.FallbackLowMbps, cfg.Download.FallbackHighMbps)
	}
	if cfg.Simulation.TickMs != 100 || cfg.Simulation.ProgressStep != 5 {
		t.Fatalf("unexpected simulation defaults: %+v", cfg.Simulation)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := LoadOrDefault(ctx, path)
	if err != nil {
		t.Fatalf("LoadOrDefault returned error: %v", err)
	}
	if cfg.Endpoints.LatencyURL != DefaultLatencyURL {
		t.Fatalf("expected defaults, got latency url %s", cfg.Endpoints.LatencyURL)
	}
	if cfg.Upload.LowMbps != 10 || cfg.Upload.HighMbps != 50 {
		t.Fatalf("unexpected upload defaults: [%d,%d]", cfg.Upload.LowMbps, cfg.Upload.HighMbps)
	}
}

func TestLoadFromEnv(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(envConfigPath, path)

	cfg, err := LoadFromEnv(ctx)
	if err != nil {
		t.Fatalf("LoadFromEnv returned error: %v", err)
	}

	if cfg.Publish.WebhookURL != "https://hooks.example.net/speed" {
		t.Fatalf("unexpected webhook url: %s", cfg.Publish.WebhookURL)
	}
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"icmp without host", func(c *Config) { c.Latency.Mode = LatencyModeICMP }},
		{"unknown mode", func(c *Config) { c.Latency.Mode = "tcp" }},
		{"inverted fallback range", func(c *Config) { c.Download.FallbackLowMbps = 200 }},
		{"inverted upload range", func(c *Config) { c.Upload.LowMbps = 90 }},
		{"manifest without key", func(c *Config) { c.Manifest.URL = "https://cfg.example.net/manifest.yaml" }},
		{"tls cert without key", func(c *Config) { c.Server.TLSCert = "/etc/netmeter/tls.crt" }},
	}

	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
