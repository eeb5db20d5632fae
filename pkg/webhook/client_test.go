package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type capture struct {
	mu       sync.Mutex
	requests []map[string]any
	paths    []string
	tokens   []string
}

func newTestServer(c *capture, data any) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		c.mu.Lock()
		c.requests = append(c.requests, payload)
		c.paths = append(c.paths, r.URL.Path)
		c.tokens = append(c.tokens, r.Header.Get("X-API-Token"))
		c.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"code": 1, "message": "ok", "data": data})
	}))
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartFetchesJobInfo(t *testing.T) {
	c := &capture{}
	srv := newTestServer(c, map[string]any{
		"job":     map[string]any{"job_type": "sign", "input_path": "https://cdn/x.ipa"},
		"account": map[string]any{"email": "dev@example.com", "team_id": "TEAM123456"},
		"ipa":     map[string]any{"name": "x.ipa", "file_size": 1234},
	})
	defer srv.Close()

	client := NewClient(srv.URL, "tok-1", "job-1", testLog())
	info, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if info.Job.JobType != "sign" || info.Account.TeamID != "TEAM123456" {
		t.Errorf("unexpected job info: %+v", info)
	}
	if info.IPA.FileSize != 1234 {
		t.Errorf("file size = %d", info.IPA.FileSize)
	}
	if c.paths[0] != "/api/v1/webhook/job/start" {
		t.Errorf("path = %q", c.paths[0])
	}
	if c.tokens[0] != "tok-1" {
		t.Errorf("token header = %q", c.tokens[0])
	}
	if c.requests[0]["job_id"] != "job-1" {
		t.Errorf("job_id = %v", c.requests[0]["job_id"])
	}
}

func TestProgressMonotonic(t *testing.T) {
	c := &capture{}
	srv := newTestServer(c, nil)
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	ctx := context.Background()

	client.Progress(ctx, 30, "signing", "started")
	client.Progress(ctx, 20, "signing", "late report") // must not regress
	client.Progress(ctx, 55, "signing", "halfway")

	want := []float64{30, 30, 55}
	if len(c.requests) != len(want) {
		t.Fatalf("got %d requests, want %d", len(c.requests), len(want))
	}
	for i, w := range want {
		if got := c.requests[i]["progress"].(float64); got != w {
			t.Errorf("request %d progress = %v, want %v", i, got, w)
		}
	}
}

func TestFailurePayload(t *testing.T) {
	c := &capture{}
	srv := newTestServer(c, nil)
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	if err := client.Fail(context.Background(), "boom", "stack trace"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	req := c.requests[0]
	if req["message"] != "boom" || req["error_details"] != "stack trace" {
		t.Errorf("unexpected payload: %v", req)
	}
	if c.paths[0] != "/api/v1/webhook/job/fail" {
		t.Errorf("path = %q", c.paths[0])
	}
}

func TestCompleteSetsTerminalProgress(t *testing.T) {
	c := &capture{}
	srv := newTestServer(c, nil)
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	ctx := context.Background()

	if err := client.Complete(ctx, "signed/job-1/signed.ipa", 999); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	client.Progress(ctx, 50, "late", "should clamp to 100")

	last := c.requests[len(c.requests)-1]
	if got := last["progress"].(float64); got != 100 {
		t.Errorf("progress after complete = %v, want 100", got)
	}
}

func TestServerRejectionIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "unknown job"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	if _, err := client.TwoFactorCode(context.Background()); err == nil {
		t.Fatal("code != 1 must be an error")
	}
}

func TestRejectionIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "unknown job"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	if err := client.Fail(context.Background(), "boom", "details"); err == nil {
		t.Fatal("rejected fail report must be an error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("rejected call sent %d times, want 1", calls)
	}
}

func TestCertificateCacheRoundTrip(t *testing.T) {
	p12 := []byte("p12 archive bytes")

	c := &capture{}
	srv := newTestServer(c, map[string]any{
		"certificate_data": base64.StdEncoding.EncodeToString(p12),
	})
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	if err := client.StoreCertificate(context.Background(), "acct-1", "TEAM123456", p12); err != nil {
		t.Fatalf("StoreCertificate failed: %v", err)
	}
	req := c.requests[0]
	if req["account_id"] != "acct-1" || req["team_id"] != "TEAM123456" {
		t.Errorf("unexpected store payload: %v", req)
	}
	if req["certificate_data"] != base64.StdEncoding.EncodeToString(p12) {
		t.Errorf("certificate_data = %v", req["certificate_data"])
	}
	if c.paths[0] != "/api/v1/webhook/certificate/store" {
		t.Errorf("path = %q", c.paths[0])
	}

	got, err := client.StoredCertificate(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("StoredCertificate failed: %v", err)
	}
	if string(got) != string(p12) {
		t.Errorf("cached P12 = %q", got)
	}
	if c.paths[1] != "/api/v1/webhook/certificate/get" {
		t.Errorf("path = %q", c.paths[1])
	}
}

func TestStoredCertificateEmptyWhenUncached(t *testing.T) {
	c := &capture{}
	srv := newTestServer(c, map[string]any{})
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	got, err := client.StoredCertificate(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("StoredCertificate failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected cache miss, got %q", got)
	}
}

func TestTwoFactorCodeEmptyWhenPending(t *testing.T) {
	c := &capture{}
	srv := newTestServer(c, map[string]any{"two_factor_code": ""})
	defer srv.Close()

	client := NewClient(srv.URL, "tok", "job-1", testLog())
	code, err := client.TwoFactorCode(context.Background())
	if err != nil {
		t.Fatalf("TwoFactorCode failed: %v", err)
	}
	if code != "" {
		t.Errorf("code = %q, want empty", code)
	}
}
