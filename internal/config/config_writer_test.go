package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteDefault(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault returned error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o640 {
		t.Fatalf("expected perms 0640 got %v", perm)
	}

	cfg, err := Load(ctx, path)
	if err != nil {
		t.Fatalf("Load of written config returned error: %v", err)
	}
	if cfg.Server.Addr != ":9340" {
		t.Fatalf("unexpected server addr: %s", cfg.Server.Addr)
	}
	if cfg.Latency.Samples != 5 {
		t.Fatalf("unexpected samples: %d", cfg.Latency.Samples)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault returned error: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite existing config")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Fatalf("WriteDefault with force returned error: %v", err)
	}
}
