package apiclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIdentifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/identify" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "token": "tok-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{MaxRetries: 2, InitialDelaySeconds: 1}, discardLogger())
	outcome, err := c.Identify(context.Background(), IdentifyRequest{RoomName: "lab-1"})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if outcome.Kind != IdentifySuccess || outcome.Token != "tok-1" {
		t.Fatalf("outcome = %+v, want success with token tok-1", outcome)
	}
}

func TestIdentifyMFARequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "mfa_required"})
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{}, discardLogger())
	outcome, err := c.Identify(context.Background(), IdentifyRequest{})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if outcome.Kind != IdentifyMFARequired {
		t.Fatalf("Kind = %v, want IdentifyMFARequired", outcome.Kind)
	}
}

func TestIdentifyUnauthorizedViaHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{}, discardLogger())
	outcome, err := c.Identify(context.Background(), IdentifyRequest{})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if outcome.Kind != IdentifyUnauthorized {
		t.Fatalf("Kind = %v, want IdentifyUnauthorized", outcome.Kind)
	}
}

func TestAuthenticatedRequestAttachesHeaders(t *testing.T) {
	var gotAgentID, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgentID = r.Header.Get("X-Agent-Id")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{}, discardLogger())
	c.SetCredentials("agent-42", "secret-token")

	if err := c.SubmitHardwareInfo(context.Background(), HardwareInfo{Hostname: "host-1"}); err != nil {
		t.Fatalf("SubmitHardwareInfo: %v", err)
	}
	if gotAgentID != "agent-42" {
		t.Fatalf("X-Agent-Id = %q, want agent-42", gotAgentID)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("Authorization = %q, want Bearer secret-token", gotAuth)
	}
}

func TestCheckUpdateNoUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "no-update"})
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{}, discardLogger())
	outcome, err := c.CheckUpdate(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if outcome.Available {
		t.Fatal("Available = true, want false")
	}
}

func TestCheckUpdateAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "available",
			"descriptor": map[string]string{
				"version":        "1.2.0",
				"downloadUrl":    "/packages/agent-1.2.0.zip",
				"checksumSha256": "abc123",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{}, discardLogger())
	outcome, err := c.CheckUpdate(context.Background(), "1.0.0")
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if !outcome.Available || outcome.Descriptor.Version != "1.2.0" {
		t.Fatalf("outcome = %+v, want available 1.2.0", outcome)
	}
}

func TestRetryOnServerErrorThenSucceed(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{MaxRetries: 5, InitialDelaySeconds: 0}, discardLogger())
	if err := c.SubmitHardwareInfo(context.Background(), HardwareInfo{}); err != nil {
		t.Fatalf("SubmitHardwareInfo: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestNonRetryableStatusPropagatesImmediately(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{MaxRetries: 5, InitialDelaySeconds: 0}, discardLogger())
	err := c.SubmitHardwareInfo(context.Background(), HardwareInfo{})
	if err == nil {
		t.Fatal("SubmitHardwareInfo() error = nil, want error for 400")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on 4xx)", attempts)
	}
}

func TestOnUnauthorizedHookFiresOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{MaxRetries: 5, InitialDelaySeconds: 0}, discardLogger())

	var calls int32
	c.OnUnauthorized(func() { atomic.AddInt32(&calls, 1) })

	if err := c.SubmitHardwareInfo(context.Background(), HardwareInfo{}); err == nil {
		t.Fatal("SubmitHardwareInfo() error = nil, want Unauthorized")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("OnUnauthorized hook calls = %d, want 1", calls)
	}
}

func TestOnUnauthorizedHookNotCalledForIdentify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, RetryPolicy{MaxRetries: 5, InitialDelaySeconds: 0}, discardLogger())

	var calls int32
	c.OnUnauthorized(func() { atomic.AddInt32(&calls, 1) })

	outcome, err := c.Identify(context.Background(), IdentifyRequest{})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if outcome.Kind != IdentifyUnauthorized {
		t.Fatalf("Kind = %v, want IdentifyUnauthorized", outcome.Kind)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("OnUnauthorized hook calls = %d, want 0 for a pre-session provisioning call", calls)
	}
}

func TestDownloadPackageStreamsToDestPath(t *testing.T) {
	const payload = "this is the update archive contents"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "package.zip")

	c := New(srv.URL, RetryPolicy{}, discardLogger())
	if err := c.DownloadPackage(context.Background(), "agent-1.2.0.zip", dest); err != nil {
		t.Fatalf("DownloadPackage: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != payload {
		t.Fatalf("downloaded content = %q, want %q", data, payload)
	}
}
