package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "NETMETER_CONFIG"
	DefaultConfigPath = "/etc/netmeter/config.yaml"
)

// Latency probe modes.
const (
	LatencyModeHTTP = "http"
	LatencyModeICMP = "icmp"
)

// Built-in endpoints used when no config file or manifest overrides them.
const (
	DefaultLatencyURL     = "https://www.gstatic.com/generate_204"
	DefaultDownloadURL    = "https://speed.cloudflare.com/__down?bytes=25000000"
	DefaultNetworkInfoURL = "https://ipwho.is/"
)

type Config struct {
	Endpoints   EndpointsConfig   `yaml:"endpoints"`
	Latency     LatencyConfig     `yaml:"latency"`
	Download    DownloadConfig    `yaml:"download"`
	Upload      UploadConfig      `yaml:"upload"`
	Simulation  SimulationConfig  `yaml:"simulation"`
	NetworkInfo NetworkInfoConfig `yaml:"network_info"`
	Manifest    ManifestConfig    `yaml:"manifest"`
	Publish     PublishConfig     `yaml:"publish"`
	Server      ServerConfig      `yaml:"server"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

type EndpointsConfig struct {
	LatencyURL     string `yaml:"latency_url"`
	DownloadURL    string `yaml:"download_url"`
	NetworkInfoURL string `yaml:"network_info_url"`
}

type LatencyConfig struct {
	Mode      string `yaml:"mode"`
	Samples   int    `yaml:"samples"`
	PauseMs   int    `yaml:"pause_ms"`
	TimeoutMs int    `yaml:"timeout_ms"`
	ICMPHost  string `yaml:"icmp_host"`
}

type DownloadConfig struct {
	AssumedContentLength int64 `yaml:"assumed_content_length"`
	FallbackLowMbps      int   `yaml:"fallback_low_mbps"`
	FallbackHighMbps     int   `yaml:"fallback_high_mbps"`
}

type UploadConfig struct {
	LowMbps  int `yaml:"low_mbps"`
	HighMbps int `yaml:"high_mbps"`
}

type SimulationConfig struct {
	TickMs       int `yaml:"tick_ms"`
	ProgressStep int `yaml:"progress_step"`
}

type NetworkInfoConfig struct {
	TimeoutMs int    `yaml:"timeout_ms"`
	MMDBPath  string `yaml:"mmdb_path"`
}

type ManifestConfig struct {
	URL        string `yaml:"url"`
	PublicKey  string `yaml:"public_key"`
	RefreshSec int    `yaml:"refresh_sec"`
}

type PublishConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int      `yaml:"idle_timeout_sec"`
	TriggerPerMin   int      `yaml:"trigger_per_min"`
	TriggerBurst    int      `yaml:"trigger_burst"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	TLSCert         string   `yaml:"tls_cert"`
	TLSKey          string   `yaml:"tls_key"`
}

type ScheduleConfig struct {
	AutoRunSec int `yaml:"auto_run_sec"`
}

// Default returns the configuration used when no file overrides it. The
// measurement constants here define the engine's stock behavior and are the
// values the rest of the codebase assumes in its own defaults.
func Default() Config {
	return Config{
		Endpoints: EndpointsConfig{
			LatencyURL:     DefaultLatencyURL,
			DownloadURL:    DefaultDownloadURL,
			NetworkInfoURL: DefaultNetworkInfoURL,
		},
		Latency: LatencyConfig{
			Mode:      LatencyModeHTTP,
			Samples:   5,
			PauseMs:   100,
			TimeoutMs: 2000,
		},
		Download: DownloadConfig{
			AssumedContentLength: 5_000_000,
			FallbackLowMbps:      50,
			FallbackHighMbps:     150,
		},
		Upload: UploadConfig{
			LowMbps:  10,
			HighMbps: 50,
		},
		Simulation: SimulationConfig{
			TickMs:       100,
			ProgressStep: 5,
		},
		NetworkInfo: NetworkInfoConfig{
			TimeoutMs: 5000,
		},
		Manifest: ManifestConfig{
			RefreshSec: 3600,
		},
		Publish: PublishConfig{
			TimeoutMs: 10000,
		},
		Server: ServerConfig{
			Addr:            ":9340",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 30,
			IdleTimeoutSec:  60,
			TriggerPerMin:   6,
			TriggerBurst:    2,
		},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(ctx context.Context, path string) (Config, error) {
	cfg, err := Load(ctx, path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadOrDefault(ctx, path)
}

// Validate enforces cross-field rules. Numeric per-component defaults are
// handled by the component constructors; this catches combinations that can
// only be judged at the config level.
func (c Config) Validate() error {
	switch c.Latency.Mode {
	case "", LatencyModeHTTP:
	case LatencyModeICMP:
		if c.Latency.ICMPHost == "" {
			return errors.New("latency.icmp_host is required when latency.mode is icmp")
		}
	default:
		return fmt.Errorf("latency.mode %q is not one of %q, %q", c.Latency.Mode, LatencyModeHTTP, LatencyModeICMP)
	}

	if c.Latency.Samples < 0 {
		return fmt.Errorf("latency.samples must not be negative, got %d", c.Latency.Samples)
	}
	if c.Download.FallbackLowMbps > c.Download.FallbackHighMbps {
		return fmt.Errorf("download fallback range [%d,%d] is inverted", c.Download.FallbackLowMbps, c.Download.FallbackHighMbps)
	}
	if c.Upload.LowMbps > c.Upload.HighMbps {
		return fmt.Errorf("upload range [%d,%d] is inverted", c.Upload.LowMbps, c.Upload.HighMbps)
	}
	if c.Manifest.URL != "" && c.Manifest.PublicKey == "" {
		return errors.New("manifest.public_key is required when manifest.url is set")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}
