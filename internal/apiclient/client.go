// Package apiclient implements the request/response half of the Connection
// & Session State Machine (spec §4.4): a single HTTP client attaching agent
// identification and bearer credentials to every authenticated call, with a
// retry wrapper for idempotent requests and streaming downloads.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/LoGGGG2402/computer-management-system-sub006/internal/atomicfile"
	"github.com/LoGGGG2402/computer-management-system-sub006/internal/backoff"
)

const acceptHeader = "application/json"

// RetryPolicy configures the retry wrapper (spec §4.4.2).
type RetryPolicy struct {
	MaxRetries          int
	InitialDelaySeconds int
}

// Client is the single HTTP client the agent uses for request/response
// traffic. It does not interpret bodies beyond the documented status
// discriminators and never attempts to refresh the token itself.
type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryPolicy
	log     *slog.Logger

	mu      sync.RWMutex
	agentID string
	token   string

	onUnauthorized func()
}

// New builds a Client against baseURL with the given retry policy.
func New(baseURL string, retry RetryPolicy, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry,
		log:     log.With("component", "apiclient"),
	}
}

// SetCredentials updates the headers attached to subsequent authenticated
// requests. Called by the Session Controller once the Identity Store
// yields an AgentId and token.
func (c *Client) SetCredentials(agentID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.token = token
}

func (c *Client) credentials() (agentID, token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID, c.token
}

// OnUnauthorized registers fn to run whenever an authenticated call (any
// call made through withRetry) is rejected with 401 — the API-client side
// of the "auth failure from either the API Client or the Event Channel"
// suspension trigger (spec §4.6). Not called for Identify/VerifyMFA, which
// are pre-session provisioning calls and report Unauthorized as a typed
// outcome instead.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	if body != nil {
		req.Header.Set("Content-Type", acceptHeader)
	}

	agentID, token := c.credentials()
	if agentID != "" {
		req.Header.Set("X-Agent-Id", agentID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// doJSON performs a single request and decodes a JSON response body into
// out (if non-nil). The raw status code is returned for the caller to
// interpret per-endpoint.
func (c *Client) doJSON(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("apiclient: transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("apiclient: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, &Unauthorized{Message: string(data)}
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("apiclient: request failed with status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("apiclient: unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// isRetryable reports whether err represents a network-class failure or a
// 5xx response — the only outcomes the retry wrapper (§4.4.2) acts on.
func isRetryable(statusCode int, err error) bool {
	if err == nil {
		return false
	}
	var unauthorized *Unauthorized
	if asUnauthorized(err, &unauthorized) {
		return false
	}
	// statusCode == 0 means the request never reached the server at all
	// (a transport-level failure); statusCode >= 500 is a server error.
	// Both are the network-class/5xx subset the retry wrapper acts on.
	return statusCode == 0 || statusCode >= 500
}

func asUnauthorized(err error, target **Unauthorized) bool {
	u, ok := err.(*Unauthorized)
	if ok {
		*target = u
	}
	return ok
}

// withRetry retries fn per RetryPolicy for idempotent requests and stream
// downloads, per spec §4.4.2. fn returns the HTTP status observed (0 if the
// request never reached the server) so the caller can classify the
// outcome.
func (c *Client) withRetry(ctx context.Context, fn func() (int, error)) error {
	policy := backoff.Policy{
		Initial:     time.Duration(c.retry.InitialDelaySeconds) * time.Second,
		Max:         time.Duration(c.retry.InitialDelaySeconds*64) * time.Second,
		MaxAttempts: c.retry.MaxRetries,
	}
	b := backoff.New(policy)

	var lastErr error
	for {
		status, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(status, err) {
			var unauthorized *Unauthorized
			if asUnauthorized(err, &unauthorized) {
				c.mu.RLock()
				hook := c.onUnauthorized
				c.mu.RUnlock()
				if hook != nil {
					hook()
				}
			}
			return err
		}

		delay, ok := b.Next()
		if !ok {
			return lastErr
		}
		c.log.Warn("retrying after transient failure", "status", status, "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Identify performs registration or re-identification.
func (c *Client) Identify(ctx context.Context, in IdentifyRequest) (IdentifyOutcome, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/agent/identify", in)
	if err != nil {
		return IdentifyOutcome{}, err
	}

	var wire struct {
		Status  string `json:"status"`
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	status, err := c.doJSON(req, &wire)
	if err != nil {
		var unauthorized *Unauthorized
		if asUnauthorized(err, &unauthorized) {
			return IdentifyOutcome{Kind: IdentifyUnauthorized, Message: unauthorized.Message}, nil
		}
		return IdentifyOutcome{}, err
	}
	_ = status

	switch wire.Status {
	case "success":
		return IdentifyOutcome{Kind: IdentifySuccess, Token: wire.Token}, nil
	case "mfa_required":
		return IdentifyOutcome{Kind: IdentifyMFARequired, Message: wire.Message}, nil
	case "position_error":
		return IdentifyOutcome{Kind: IdentifyPositionError, Message: wire.Message}, nil
	case "unauthorized":
		return IdentifyOutcome{Kind: IdentifyUnauthorized, Message: wire.Message}, nil
	default:
		return IdentifyOutcome{Kind: IdentifyError, Message: wire.Message}, nil
	}
}

// VerifyMFA exchanges a one-time code for a token.
func (c *Client) VerifyMFA(ctx context.Context, in VerifyMFARequest) (VerifyMFAOutcome, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/agent/verify-mfa", in)
	if err != nil {
		return VerifyMFAOutcome{}, err
	}

	var wire struct {
		Status  string `json:"status"`
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	_, err = c.doJSON(req, &wire)
	if err != nil {
		var unauthorized *Unauthorized
		if asUnauthorized(err, &unauthorized) {
			return VerifyMFAOutcome{Kind: VerifyMFAUnauthorized, Message: unauthorized.Message}, nil
		}
		return VerifyMFAOutcome{}, err
	}

	switch wire.Status {
	case "success":
		return VerifyMFAOutcome{Kind: VerifyMFASuccess, Token: wire.Token}, nil
	case "unauthorized":
		return VerifyMFAOutcome{Kind: VerifyMFAUnauthorized, Message: wire.Message}, nil
	default:
		return VerifyMFAOutcome{Kind: VerifyMFAError, Message: wire.Message}, nil
	}
}

// SubmitHardwareInfo uploads the static hardware attributes once.
func (c *Client) SubmitHardwareInfo(ctx context.Context, info HardwareInfo) error {
	return c.withRetry(ctx, func() (int, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/agent/hardware-info", info)
		if err != nil {
			return 0, err
		}
		return c.doJSON(req, nil)
	})
}

// ReportError delivers an error record, used both live and when draining
// the error-report partition of the Offline Queue.
func (c *Client) ReportError(ctx context.Context, report ErrorReport) error {
	return c.withRetry(ctx, func() (int, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/agent/report-error", report)
		if err != nil {
			return 0, err
		}
		return c.doJSON(req, nil)
	})
}

// UploadLogArchive streams the archive at archivePath to the server as the
// get_logs command's delivery mechanism (spec command handler_logs),
// mirroring DownloadPackage's streaming shape in the opposite direction.
func (c *Client) UploadLogArchive(ctx context.Context, archivePath string) error {
	return c.withRetry(ctx, func() (int, error) {
		f, err := os.Open(archivePath)
		if err != nil {
			return 0, fmt.Errorf("apiclient: open log archive: %w", err)
		}
		defer f.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/logs", f)
		if err != nil {
			return 0, fmt.Errorf("apiclient: build log upload request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		agentID, token := c.credentials()
		if agentID != "" {
			req.Header.Set("X-Agent-Id", agentID)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, fmt.Errorf("apiclient: log upload transport: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return resp.StatusCode, &Unauthorized{}
		}
		if resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("apiclient: log upload failed with status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
}

// CheckUpdate asks whether a newer version than currentVersion exists.
func (c *Client) CheckUpdate(ctx context.Context, currentVersion string) (CheckUpdateOutcome, error) {
	var wire struct {
		Status     string           `json:"status"`
		Descriptor UpdateDescriptor `json:"descriptor"`
	}

	err := c.withRetry(ctx, func() (int, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/agent/check-update?current_version="+currentVersion, nil)
		if err != nil {
			return 0, err
		}
		return c.doJSON(req, &wire)
	})
	if err != nil {
		return CheckUpdateOutcome{}, err
	}

	if wire.Status == "no-update" {
		return CheckUpdateOutcome{Available: false}, nil
	}
	return CheckUpdateOutcome{Available: true, Descriptor: wire.Descriptor}, nil
}

// DownloadPackage streams the update archive named filename to destPath,
// writing through a temp file and renaming only after the stream completes
// (spec §4.4: "streams directly to a temporary path and are renamed only
// after the stream completes").
func (c *Client) DownloadPackage(ctx context.Context, filename, destPath string) error {
	return c.withRetry(ctx, func() (int, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/agent/agent-packages/"+filename, nil)
		if err != nil {
			return 0, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, fmt.Errorf("apiclient: download transport: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return resp.StatusCode, &Unauthorized{}
		}
		if resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("apiclient: download failed with status %d", resp.StatusCode)
		}

		if _, err := atomicfile.WriteFromReader(destPath, resp.Body, 0o644); err != nil {
			return resp.StatusCode, fmt.Errorf("apiclient: write downloaded package: %w", err)
		}
		return resp.StatusCode, nil
	})
}
