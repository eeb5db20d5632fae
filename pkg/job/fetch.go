package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
)

// Fetcher downloads the unsigned IPA. Modern jobs carry a presigned
// storage URL in input_path; older jobs carry a bare storage key, and
// presigned URLs can expire before a queued job starts. Both fall
// back to the authenticated legacy file endpoint.
type Fetcher struct {
	ServerURL string
	APIToken  string
	HTTP      *http.Client
	Log       *slog.Logger
}

// Download fetches inputPath for jobID into dest.
func (f *Fetcher) Download(ctx context.Context, jobID, inputPath, dest string) error {
	if !isHTTP(inputPath) {
		f.Log.Info("input path is not a URL, using legacy file endpoint", "input", inputPath)
		return f.legacy(ctx, jobID, dest)
	}

	status, err := f.fetch(ctx, inputPath, nil, dest)
	if err == nil {
		return nil
	}
	// Presigned URLs return 403 once expired.
	if status == http.StatusForbidden {
		f.Log.Warn("presigned URL rejected, falling back to legacy file endpoint")
		return f.legacy(ctx, jobID, dest)
	}
	return fmt.Errorf("failed to download unsigned IPA: %w", err)
}

func (f *Fetcher) legacy(ctx context.Context, jobID, dest string) error {
	u := fmt.Sprintf("%s/api/v1/jobs/%s/file", f.ServerURL, jobID)
	headers := map[string]string{"X-API-Token": f.APIToken}
	if _, err := f.fetch(ctx, u, headers, dest); err != nil {
		return fmt.Errorf("failed to download unsigned IPA from legacy endpoint: %w", err)
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, u string, headers map[string]string, dest string) (status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("server returned %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return resp.StatusCode, err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return resp.StatusCode, fmt.Errorf("download interrupted: %w", err)
	}
	return resp.StatusCode, nil
}

func isHTTP(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}
