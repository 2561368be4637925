package netinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type countingRecorder struct {
	failures atomic.Uint64
}

func (c *countingRecorder) IncLookupFailures() {
	c.failures.Add(1)
}

func TestLookupPrefersConnectionISP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"ip":"203.0.113.7","isp":"Legacy Telecom","connection":{"isp":"Fiber Express"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	info, err := client.Lookup(context.Background())
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if info.IP != "203.0.113.7" {
		t.Fatalf("unexpected ip: %s", info.IP)
	}
	if info.ISP != "Fiber Express" {
		t.Fatalf("expected nested connection isp to win, got %s", info.ISP)
	}
}

func TestLookupFallsBackToTopLevelISP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"ip":"203.0.113.8","isp":"Legacy Telecom"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	info, err := client.Lookup(context.Background())
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if info.ISP != "Legacy Telecom" {
		t.Fatalf("expected top-level isp, got %s", info.ISP)
	}
}

func TestLookupDefaultsToUnknownISP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"ip":"203.0.113.9"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	info, err := client.Lookup(context.Background())
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if info.ISP != UnknownISP {
		t.Fatalf("expected %q, got %s", UnknownISP, info.ISP)
	}
}

func TestLookupFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unsuccessful payload", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false}`))
		}},
		{"bad status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":`))
		}},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(tc.handler)
		rec := &countingRecorder{}
		client, err := NewClient(Config{URL: srv.URL}, Dependencies{
			HTTPClient: srv.Client(),
			Metrics:    rec,
		})
		if err != nil {
			srv.Close()
			t.Fatalf("%s: NewClient returned error: %v", tc.name, err)
		}

		if _, err := client.Lookup(context.Background()); err == nil {
			srv.Close()
			t.Fatalf("%s: expected lookup error", tc.name)
		}
		if rec.failures.Load() != 1 {
			srv.Close()
			t.Fatalf("%s: expected 1 recorded failure, got %d", tc.name, rec.failures.Load())
		}
		srv.Close()
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

func TestOpenLocalResolverMissingFile(t *testing.T) {
	if _, err := OpenLocalResolver("/nonexistent/path.mmdb"); err == nil {
		t.Fatalf("expected error for missing database")
	}
}
