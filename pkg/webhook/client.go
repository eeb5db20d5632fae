// Package webhook implements the client side of the job server's
// webhook protocol: job fetch, progress reporting, certificate and
// profile status, and terminal completion or failure. All calls for
// one job go through a single Client so progress stays serialized and
// monotonic from the server's point of view.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrTransport marks a webhook call that failed after all retries.
var ErrTransport = errors.New("webhook transport failure")

// errRejected marks an envelope with code != 1. The server has the
// payload; resending it cannot change the answer.
var errRejected = errors.New("server rejected call")

// Retry policy. Progress reports are cheap to lose, so they give up
// early; complete/fail are the only record of the job outcome and
// retry much harder before the caller falls back to local logging.
// Only transport failures retry; an explicit rejection is final.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second

	progressAttempts = 3
	terminalAttempts = 8
)

// Client talks to one job server about one job.
type Client struct {
	baseURL string
	token   string
	jobID   string
	httpc   *http.Client
	log     *slog.Logger

	mu           sync.Mutex
	lastProgress int
}

// NewClient creates a webhook client for the given job. baseURL is
// the server root without the /api/v1/webhook suffix.
func NewClient(baseURL, token, jobID string, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		jobID:   jobID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// JobID returns the job identifier this client reports for.
func (c *Client) JobID() string { return c.jobID }

// envelope is the server's standard response wrapper. code 1 means
// success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// JobInfo is the payload returned by job/start.
type JobInfo struct {
	Job        JobData     `json:"job"`
	Account    AccountData `json:"account"`
	IPA        IPAData     `json:"ipa"`
	RedeemCode string      `json:"redeem_code"`
}

// JobData describes the work item.
type JobData struct {
	JobType    string `json:"job_type"`
	InputPath  string `json:"input_path"`
	BundleName string `json:"bundle_name"`
	BundleID   string `json:"bundle_id"`
}

// AccountData carries the developer account. Password arrives
// encrypted and is decrypted by pkg/secret before use.
type AccountData struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	TeamID    string `json:"team_id"`
}

// IPAData describes the unsigned artifact.
type IPAData struct {
	Name     string `json:"name"`
	FileSize int64  `json:"file_size"`
}

// Start fetches the job context. It is the first call of a job and is
// retried like a terminal call: without it there is no job.
func (c *Client) Start(ctx context.Context) (*JobInfo, error) {
	data, err := c.call(ctx, "job/start", map[string]any{"job_id": c.jobID}, terminalAttempts)
	if err != nil {
		return nil, err
	}
	var info JobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse job info: %w", err)
	}
	return &info, nil
}

// Progress reports job progress. Values are clamped so the server
// never sees a percentage lower than one already reported. A lost
// progress call is logged and swallowed; it is not worth failing a
// job over.
func (c *Client) Progress(ctx context.Context, progress int, state, message string) {
	c.mu.Lock()
	if progress < c.lastProgress {
		progress = c.lastProgress
	}
	c.lastProgress = progress

	_, err := c.call(ctx, "job/progress", map[string]any{
		"job_id":   c.jobID,
		"progress": progress,
		"state":    state,
		"message":  message,
	}, progressAttempts)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("progress report lost", "progress", progress, "state", state, "error", err)
		return
	}
	c.log.Info("progress reported", "progress", progress, "state", state, "message", message)
}

// CertificateStatus reports a certificate lifecycle transition.
// certificateData, when non-empty, is the base64 P12 for server-side
// caching.
func (c *Client) CertificateStatus(ctx context.Context, status, message, certificateData string) error {
	payload := map[string]any{
		"job_id":  c.jobID,
		"status":  status,
		"message": message,
	}
	if certificateData != "" {
		payload["certificate_data"] = certificateData
	}
	_, err := c.call(ctx, "certificate/status", payload, progressAttempts)
	return err
}

// ProfileStatus reports a provisioning profile lifecycle transition.
func (c *Client) ProfileStatus(ctx context.Context, status, message, profileData string) error {
	payload := map[string]any{
		"job_id":  c.jobID,
		"status":  status,
		"message": message,
	}
	if profileData != "" {
		payload["profile_data"] = profileData
	}
	_, err := c.call(ctx, "profile/status", payload, progressAttempts)
	return err
}

// StoredCertificate fetches the P12 cached on the server for an
// account. Any failure, including the server holding none, is a cache
// miss and the caller issues a fresh certificate.
func (c *Client) StoredCertificate(ctx context.Context, accountID string) ([]byte, error) {
	data, err := c.call(ctx, "certificate/get", map[string]any{"account_id": accountID}, 1)
	if err != nil {
		return nil, err
	}
	var resp struct {
		CertificateData string `json:"certificate_data"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.CertificateData == "" {
		return nil, nil
	}
	p12, err := base64.StdEncoding.DecodeString(resp.CertificateData)
	if err != nil {
		return nil, fmt.Errorf("cached certificate is not valid base64: %w", err)
	}
	return p12, nil
}

// StoreCertificate caches a freshly issued P12 on the server so later
// jobs on the same account skip portal issuance.
func (c *Client) StoreCertificate(ctx context.Context, accountID, teamID string, p12 []byte) error {
	_, err := c.call(ctx, "certificate/store", map[string]any{
		"account_id":       accountID,
		"team_id":          teamID,
		"certificate_data": base64.StdEncoding.EncodeToString(p12),
	}, progressAttempts)
	return err
}

// TwoFactorCode polls the server once for a submitted second-factor
// code. Empty string means none is available yet.
func (c *Client) TwoFactorCode(ctx context.Context) (string, error) {
	data, err := c.call(ctx, "job/2fa", map[string]any{"job_id": c.jobID}, 1)
	if err != nil {
		return "", err
	}
	var resp struct {
		TwoFactorCode string `json:"two_factor_code"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil
	}
	return resp.TwoFactorCode, nil
}

// Complete reports terminal success. The caller must treat a returned
// error as last-resort: the outcome could not be delivered and must
// be logged locally.
func (c *Client) Complete(ctx context.Context, outputPath string, fileSize int64) error {
	c.mu.Lock()
	c.lastProgress = 100
	c.mu.Unlock()
	_, err := c.call(ctx, "job/complete", map[string]any{
		"job_id":      c.jobID,
		"output_path": outputPath,
		"file_size":   fileSize,
		"status":      "completed",
		"message":     "Job completed successfully",
	}, terminalAttempts)
	return err
}

// Fail reports terminal failure with full diagnostic detail.
func (c *Client) Fail(ctx context.Context, message, errorDetails string) error {
	_, err := c.call(ctx, "job/fail", map[string]any{
		"job_id":        c.jobID,
		"message":       message,
		"error_details": errorDetails,
	}, terminalAttempts)
	return err
}

// call POSTs a JSON payload to an endpoint with bounded exponential
// backoff, in the shape the server expects. Any non-2xx status or
// code != 1 envelope counts as a failed attempt.
func (c *Client) call(ctx context.Context, endpoint string, payload map[string]any, attempts int) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	url := fmt.Sprintf("%s/api/v1/webhook/%s", c.baseURL, endpoint)

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s: %v", ErrTransport, endpoint, ctx.Err())
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		data, err := c.post(ctx, url, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if errors.Is(err, errRejected) || ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrTransport, endpoint, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Code != 1 {
		return nil, fmt.Errorf("%w: %s", errRejected, env.Message)
	}
	return env.Data, nil
}
