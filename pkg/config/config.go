// Package config holds the worker configuration and the per-job
// signing options. Worker settings come from a YAML file with
// environment overrides; SignOptions is an immutable value passed
// into the pipeline, never mutated after job setup.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Worker is the process-level configuration shared by all jobs.
type Worker struct {
	// ServerURL is the base URL of the job server, without the
	// /api/v1/webhook suffix.
	ServerURL string `yaml:"server_url"`
	// APIToken authenticates webhook calls (X-API-Token header).
	APIToken string `yaml:"api_token"`
	// SecretKey decrypts account credentials delivered by job/start.
	SecretKey string `yaml:"secret_key"`
	// LegacyKey authenticates the legacy job/file download endpoint.
	LegacyKey string `yaml:"legacy_key"`

	// Concurrency bounds the number of components signed in
	// parallel within one job. Zero means NumCPU.
	Concurrency int `yaml:"concurrency"`

	// TwoFactorTimeoutSec bounds the wait, in seconds, for a
	// second-factor code from the server during portal
	// authentication.
	TwoFactorTimeoutSec int `yaml:"two_factor_timeout_sec"`

	// WorkDir is the parent directory for per-job working
	// directories. Empty means the system temp directory.
	WorkDir string `yaml:"work_dir"`
}

// Load reads a worker configuration file and applies environment
// overrides. A missing file is not an error; env-only configuration
// is the normal deployment mode.
func Load(path string) (Worker, error) {
	w := Worker{
		TwoFactorTimeoutSec: 120,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Worker{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &w); err != nil {
			return Worker{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("SIGNER_URL"); v != "" {
		w.ServerURL = v
	}
	if v := os.Getenv("SIGNER_TOKEN"); v != "" {
		w.APIToken = v
	}
	if v := os.Getenv("SIGNER_KEY"); v != "" {
		w.SecretKey = v
	}
	if v := os.Getenv("SIGNER_LEGACY_KEY"); v != "" {
		w.LegacyKey = v
	}

	if w.Concurrency <= 0 {
		w.Concurrency = runtime.NumCPU()
	}
	if w.TwoFactorTimeoutSec <= 0 {
		w.TwoFactorTimeoutSec = 120
	}
	if w.WorkDir == "" {
		w.WorkDir = os.TempDir()
	}

	return w, nil
}

// TwoFactorTimeout returns the configured second-factor wait bound.
func (w Worker) TwoFactorTimeout() time.Duration {
	return time.Duration(w.TwoFactorTimeoutSec) * time.Second
}

// Validate checks that the settings required to talk to the job
// server are present.
func (w Worker) Validate() error {
	if w.ServerURL == "" {
		return fmt.Errorf("server URL is required (SIGNER_URL or config file)")
	}
	if w.APIToken == "" {
		return fmt.Errorf("API token is required (SIGNER_TOKEN or config file)")
	}
	return nil
}

// SignOptions enumerates every recognized signing option for one job.
// It is assembled once from the job payload and passed by value.
type SignOptions struct {
	CommonName  string // certificate common name to sign with
	TeamID      string // Apple team identifier
	AccountName string // developer account email
	AccountPass string // developer account password (decrypted)

	BundleID   string // forced main bundle id; empty means derive
	BundleName string // CFBundleDisplayName override; empty keeps original

	PatchDebug       bool // force get-task-allow on (development) or off
	PatchAllDevices  bool // lift device/OS restrictions in Info.plist
	PatchFileSharing bool // force UIFileSharingEnabled
	EncodeIDs        bool // remap bundle ids to deterministic encoded ids
	PatchIDs         bool // patch remapped ids inside raw binaries
	ForceOriginalID  bool // keep the original main bundle id
}

// IsDistribution reports whether the selected certificate is a
// distribution certificate, which flips release-mode entitlement
// overrides.
func (o SignOptions) IsDistribution() bool {
	return strings.Contains(o.CommonName, "Distribution")
}
