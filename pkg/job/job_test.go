package job

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/signtools/signerd/pkg/bundle"
	"github.com/signtools/signerd/pkg/config"
	"github.com/signtools/signerd/pkg/patch"
	"github.com/signtools/signerd/pkg/profile"
	"github.com/signtools/signerd/pkg/webhook"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", bundle.ErrStructural), "structural"},
		{fmt.Errorf("x: %w", patch.ErrPatch), "patch"},
		{fmt.Errorf("x: %w", profile.ErrCertificate), "certificate"},
		{fmt.Errorf("x: %w", profile.ErrProfile), "profile"},
		{fmt.Errorf("x: %w", webhook.ErrTransport), "transport"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("something else"), "internal"},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestSigningProgressBand(t *testing.T) {
	if got := signingProgress(0, 10); got != signingStart {
		t.Errorf("no components signed: %d, want %d", got, signingStart)
	}
	if got := signingProgress(10, 10); got != signingEnd {
		t.Errorf("all components signed: %d, want %d", got, signingEnd)
	}
	mid := signingProgress(5, 10)
	if mid <= signingStart || mid >= signingEnd {
		t.Errorf("midpoint %d outside signing band", mid)
	}
	prev := 0
	for i := 0; i <= 10; i++ {
		p := signingProgress(i, 10)
		if p < prev {
			t.Fatalf("progress regressed at %d: %d < %d", i, p, prev)
		}
		prev = p
	}
}

func TestStateProgressMonotonic(t *testing.T) {
	states := []State{
		StateInit, StateDownloading, StateCertificate, StateExtracting,
		StateTweakInjection, StateSigning, StatePackaging, StateUploading,
		StateCompleted,
	}
	prev := 0
	for _, s := range states {
		if s.Progress() <= prev {
			t.Errorf("%s progress %d not after %d", s, s.Progress(), prev)
		}
		prev = s.Progress()
	}
}

func TestFetcherDownloadsPresignedURL(t *testing.T) {
	content := []byte("ipa bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	f := &Fetcher{ServerURL: "unused", APIToken: "tok", HTTP: srv.Client(), Log: testLog()}
	dest := filepath.Join(t.TempDir(), "unsigned.ipa")
	if err := f.Download(context.Background(), "job-1", srv.URL+"/bucket/x.ipa", dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded %q", got)
	}
}

func TestFetcherFallsBackOnExpiredURL(t *testing.T) {
	content := []byte("ipa bytes")
	var legacyHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/jobs/job-1/file" {
			if r.Header.Get("X-API-Token") != "tok" {
				t.Errorf("legacy endpoint called without token")
			}
			legacyHit = true
			w.Write(content)
			return
		}
		// The expired presigned URL.
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := &Fetcher{ServerURL: srv.URL, APIToken: "tok", HTTP: srv.Client(), Log: testLog()}
	dest := filepath.Join(t.TempDir(), "unsigned.ipa")
	if err := f.Download(context.Background(), "job-1", srv.URL+"/presigned/x.ipa", dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !legacyHit {
		t.Error("expired URL must fall back to the legacy endpoint")
	}

	got, _ := os.ReadFile(dest)
	if string(got) != string(content) {
		t.Errorf("downloaded %q", got)
	}
}

func TestFetcherUsesLegacyForBareKeys(t *testing.T) {
	var legacyHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/jobs/job-1/file" {
			legacyHit = true
			w.Write([]byte("data"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := &Fetcher{ServerURL: srv.URL, APIToken: "tok", HTTP: srv.Client(), Log: testLog()}
	dest := filepath.Join(t.TempDir(), "unsigned.ipa")
	if err := f.Download(context.Background(), "job-1", "uploads/job-1/app.ipa", dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !legacyHit {
		t.Error("bare storage key must use the legacy endpoint")
	}
}

func TestExecuteReportsFailureAfterCancel(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"code": 1, "message": "ok"})
	}))
	defer srv.Close()

	r := &Runner{
		Cfg:  &config.Worker{WorkDir: t.TempDir()},
		Hook: webhook.NewClient(srv.URL, "tok", "job-1", testLog()),
		Log:  testLog(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Execute(ctx); err == nil {
		t.Fatal("canceled job must return an error")
	}

	// The failure report rides a context detached from the canceled
	// one, so the server still learns the outcome.
	mu.Lock()
	defer mu.Unlock()
	var failed bool
	for _, p := range paths {
		if p == "/api/v1/webhook/job/fail" {
			failed = true
		}
	}
	if !failed {
		t.Errorf("job/fail never reached the server; paths: %v", paths)
	}
}

func TestFinishSwallowsLostCompletionReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "unknown job"})
	}))
	defer srv.Close()

	r := &Runner{
		Hook: webhook.NewClient(srv.URL, "tok", "job-1", testLog()),
		Log:  testLog(),
	}

	// The app is signed and stored; a completion report the server
	// refuses must not turn the job into a failure.
	if err := r.finish(context.Background(), "signed/job-1/signed.ipa", 42); err != nil {
		t.Fatalf("finish escalated a lost completion report: %v", err)
	}
}

func TestOldTeamFromEntitlements(t *testing.T) {
	if got := oldTeamFromEntitlements(map[string]any{
		"com.apple.developer.team-identifier": "TEAM123456",
	}); got != "TEAM123456" {
		t.Errorf("team from identifier = %q", got)
	}
	if got := oldTeamFromEntitlements(map[string]any{
		"application-identifier": "TEAM123456.com.example.app",
	}); got != "TEAM123456" {
		t.Errorf("team from app id = %q", got)
	}
	if got := oldTeamFromEntitlements(nil); got != "" {
		t.Errorf("nil entitlements = %q", got)
	}
}
