package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeTestConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "netmeter.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func checkByName(t *testing.T, checks []Check, name string) Check {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, checks)
	return Check{}
}

func TestRunReportsHealthyEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate_204", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 128*1024))
	})
	mux.HandleFunc("/ipinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"ip":"93.184.216.34","connection":{"isp":"ExampleNet"}}`))
	})
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfgPath := writeTestConfig(t, map[string]any{
		"endpoints": map[string]any{
			"latency_url":      ts.URL + "/generate_204",
			"download_url":     ts.URL + "/down",
			"network_info_url": ts.URL + "/ipinfo",
		},
		"publish": map[string]any{"webhook_url": ts.URL + "/hook"},
	})
	output := filepath.Join(t.TempDir(), "report.json")

	deps := Dependencies{
		Now: func() time.Time {
			return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		},
		HTTPClient: ts.Client(),
	}
	if err := Run(context.Background(), []string{"-config", cfgPath, "-output", output}, deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}

	if report.GeneratedAt != "2026-03-14T09:30:00Z" {
		t.Errorf("unexpected generated_at %q", report.GeneratedAt)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d: %+v", len(report.Checks), report.Checks)
	}
	for _, c := range report.Checks {
		if !c.OK {
			t.Errorf("check %s failed: %s", c.Name, c.Detail)
		}
	}
	down := checkByName(t, report.Checks, "download")
	if !strings.Contains(down.Detail, "sampled 65536 bytes") {
		t.Errorf("unexpected download detail %q", down.Detail)
	}
	ni := checkByName(t, report.Checks, "netinfo")
	if !strings.Contains(ni.Detail, "93.184.216.34") || !strings.Contains(ni.Detail, "ExampleNet") {
		t.Errorf("unexpected netinfo detail %q", ni.Detail)
	}
	hook := checkByName(t, report.Checks, "webhook")
	if !hook.OK {
		t.Errorf("405 from the hook still proves reachability, got %+v", hook)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", report.Warnings)
	}
}

func TestRunFailsWhenRequiredCheckFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate_204", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/ipinfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"ip":"93.184.216.34","isp":"ExampleNet"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	cfgPath := writeTestConfig(t, map[string]any{
		"endpoints": map[string]any{
			"latency_url":      ts.URL + "/generate_204",
			"download_url":     downURL,
			"network_info_url": ts.URL + "/ipinfo",
		},
	})
	output := filepath.Join(t.TempDir(), "report.json")

	err := Run(context.Background(), []string{"-config", cfgPath, "-output", output}, Dependencies{})
	if !errors.Is(err, ErrChecksFailed) {
		t.Fatalf("expected ErrChecksFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "download") {
		t.Errorf("expected failing check name in error, got %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("report must be written even on failure: %v", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if c := checkByName(t, report.Checks, "download"); c.OK {
		t.Errorf("download check should have failed: %+v", c)
	}
	if c := checkByName(t, report.Checks, "latency"); !c.OK {
		t.Errorf("latency check should have passed: %+v", c)
	}
}

func TestRunWarnsOnOptionalFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate_204", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	})
	mux.HandleFunc("/ipinfo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	hook := httptest.NewServer(http.NotFoundHandler())
	hookURL := hook.URL
	hook.Close()

	mmdbPath := filepath.Join(t.TempDir(), "missing.mmdb")
	cfgPath := writeTestConfig(t, map[string]any{
		"endpoints": map[string]any{
			"latency_url":      ts.URL + "/generate_204",
			"download_url":     ts.URL + "/down",
			"network_info_url": ts.URL + "/ipinfo",
		},
		"publish":      map[string]any{"webhook_url": hookURL},
		"network_info": map[string]any{"mmdb_path": mmdbPath},
	})

	var out bytes.Buffer
	err := Run(context.Background(), []string{"-config", cfgPath}, Dependencies{Stdout: &out})
	if err != nil {
		t.Fatalf("optional failures must not fail the run: %v", err)
	}

	var report Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report from stdout: %v", err)
	}

	if c := checkByName(t, report.Checks, "download"); !c.OK || !strings.Contains(c.Detail, "sampled 1024 bytes") {
		t.Errorf("short bodies end the sample at EOF, got %+v", c)
	}
	for _, name := range []string{"netinfo", "webhook", "mmdb"} {
		if c := checkByName(t, report.Checks, name); c.OK {
			t.Errorf("%s check should have failed: %+v", name, c)
		}
	}
	if c := checkByName(t, report.Checks, "mmdb"); c.Target != mmdbPath {
		t.Errorf("unexpected mmdb target %q", c.Target)
	}
	if len(report.Warnings) != 3 {
		t.Errorf("expected 3 warnings, got %v", report.Warnings)
	}
}
