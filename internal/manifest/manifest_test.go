package manifest

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// testPublicKey is syntactically valid (base64 of the 42-byte key layout)
// but corresponds to no real secret key; only parsing succeeds against it.
func testPublicKey(t *testing.T) string {
	t.Helper()
	raw := append([]byte("Ed"), make([]byte, 40)...)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestNewVerifierKeyForms(t *testing.T) {
	bare := testPublicKey(t)
	cases := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "bare key line", key: bare},
		{name: "full document", key: "untrusted comment: test key\n" + bare},
		{name: "empty", key: "  ", wantErr: true},
		{name: "not base64", key: "!!!not-a-key!!!", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewVerifier(tc.key)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for key %q", tc.key)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("NewVerifier returned error: %v", err)
			}
		})
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	verifier, err := NewVerifier(testPublicKey(t))
	if err != nil {
		t.Fatalf("NewVerifier returned error: %v", err)
	}
	if err := verifier.Verify([]byte("payload"), []byte("not a signature")); err == nil {
		t.Fatalf("expected malformed signature to be rejected")
	}
}

func TestManifestValidate(t *testing.T) {
	valid := Manifest{
		Version: "2024-06-01",
		Endpoints: Endpoints{
			LatencyURL:  "https://probe.example.com/204",
			DownloadURL: "https://probe.example.com/blob",
		},
	}
	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Manifest) {}},
		{name: "empty endpoints allowed", mutate: func(m *Manifest) { m.Endpoints = Endpoints{} }},
		{name: "missing version", mutate: func(m *Manifest) { m.Version = " " }, wantErr: true},
		{name: "bad scheme", mutate: func(m *Manifest) { m.Endpoints.DownloadURL = "ftp://probe.example.com/blob" }, wantErr: true},
		{name: "unparseable", mutate: func(m *Manifest) { m.Endpoints.LatencyURL = "http://[::1" }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := valid
			tc.mutate(&m)
			err := m.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
		})
	}
}

func TestNewFetcherValidation(t *testing.T) {
	if _, err := NewFetcher(Config{PublicKey: testPublicKey(t)}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing URL")
	}
	if _, err := NewFetcher(Config{URL: "https://cdn.example.com/manifest.yaml"}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing public key")
	}
	if _, err := NewFetcher(Config{
		URL:       "https://cdn.example.com/manifest.yaml",
		PublicKey: testPublicKey(t),
	}, Dependencies{}); err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
}

func TestFetchNotModified(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if strings.HasSuffix(r.URL.Path, signatureSuffix) {
			t.Errorf("signature must not be fetched on 304")
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("missing conditional header, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(Config{URL: srv.URL + "/manifest.yaml", PublicKey: testPublicKey(t)}, Dependencies{
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	result, err := fetcher.Fetch(context.Background(), `"v1"`)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if !result.NotModified {
		t.Fatalf("expected NotModified")
	}
	if result.ETag != `"v1"` {
		t.Fatalf("expected etag passthrough, got %q", result.ETag)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected a single request, got %d", requests.Load())
	}
}

func TestFetchRejectsMissingSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, signatureSuffix) {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("version: \"1\"\n"))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(Config{URL: srv.URL + "/manifest.yaml", PublicKey: testPublicKey(t)}, Dependencies{
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Fetch(context.Background(), ""); err == nil {
		t.Fatalf("expected error when the signature is missing")
	}
}

func TestFetchRejectsGarbageSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, signatureSuffix) {
			w.Write([]byte("definitely not minisign output"))
			return
		}
		w.Write([]byte("version: \"1\"\n"))
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(Config{URL: srv.URL + "/manifest.yaml", PublicKey: testPublicKey(t)}, Dependencies{
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	_, err = fetcher.Fetch(context.Background(), "")
	if err == nil {
		t.Fatalf("expected verification failure")
	}
	if !strings.Contains(err.Error(), "verify manifest") {
		t.Fatalf("expected a verification error, got %v", err)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fetcher, err := NewFetcher(Config{URL: srv.URL + "/manifest.yaml", PublicKey: testPublicKey(t)}, Dependencies{
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Fetch(context.Background(), ""); err == nil {
		t.Fatalf("expected error for server failure")
	}
}
