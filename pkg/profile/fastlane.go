package profile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/signtools/signerd/pkg/runner"
)

// TwoFactorSource supplies a second-factor code submitted out of band
// (the job server's job/2fa endpoint). Empty string means no code is
// available yet.
type TwoFactorSource interface {
	TwoFactorCode(ctx context.Context) (string, error)
}

const twoFactorPollInterval = 2 * time.Second

// CertificateExportPassword protects the combined P12. It is a fixed
// value shared with the job server's certificate cache, so a P12
// issued by one job can be reopened by later jobs on the same account.
const CertificateExportPassword = "defaultpass"

// Fastlane drives the Developer Portal through the fastlane tools, the
// same way the signing runners in production do. Authentication is a
// true suspension point: spaceauth blocks on a second-factor prompt
// and the worker polls the job server until a code arrives or the
// configured wait expires.
type Fastlane struct {
	Run              runner.Runner
	TwoFactor        TwoFactorSource
	TwoFactorTimeout time.Duration
	PollInterval     time.Duration // defaults to twoFactorPollInterval
	Log              *slog.Logger

	// newAuthSession is swapped by tests; the default spawns
	// `fastlane spaceauth`.
	newAuthSession func(ctx context.Context, env []string) (authSession, error)
}

// NewFastlane creates a portal backed by the fastlane CLI.
func NewFastlane(run runner.Runner, twoFactor TwoFactorSource, timeout time.Duration, log *slog.Logger) *Fastlane {
	return &Fastlane{
		Run:              run,
		TwoFactor:        twoFactor,
		TwoFactorTimeout: timeout,
		Log:              log,
		newAuthSession:   newSpaceauthSession,
	}
}

func portalEnv(creds Credentials) []string {
	return []string{
		"FASTLANE_USER=" + creds.Email,
		"FASTLANE_PASSWORD=" + creds.Password,
		"FASTLANE_TEAM_ID=" + creds.TeamID,
	}
}

// Authenticate logs into the portal, parking on the second-factor
// exchange if one is required. The wait is bounded by
// TwoFactorTimeout; expiry kills the session and fails.
func (f *Fastlane) Authenticate(ctx context.Context, creds Credentials) error {
	session, err := f.newAuthSession(ctx, portalEnv(creds))
	if err != nil {
		return fmt.Errorf("failed to start portal login: %w", err)
	}
	defer session.Kill()

	interval := f.PollInterval
	if interval <= 0 {
		interval = twoFactorPollInterval
	}
	deadline := time.NewTimer(f.TwoFactorTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(interval)
	defer poll.Stop()

	submitted := false
	for {
		select {
		case err := <-session.Done():
			if err != nil {
				return fmt.Errorf("portal login failed: %w", err)
			}
			return nil
		case <-deadline.C:
			return fmt.Errorf("timed out after %s waiting for two-factor code", f.TwoFactorTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if submitted {
				continue
			}
			code, err := f.TwoFactor.TwoFactorCode(ctx)
			if err != nil {
				f.Log.Debug("two-factor poll failed", "error", err)
				continue
			}
			if code == "" {
				f.Log.Info("waiting for two-factor code from server")
				continue
			}
			if err := session.Submit(code); err != nil {
				return fmt.Errorf("failed to submit two-factor code: %w", err)
			}
			f.Log.Info("submitted two-factor code from server")
			submitted = true
		}
	}
}

// FetchCertificate issues a development or distribution certificate
// and folds fastlane's split key/cert output into a single P12.
func (f *Fastlane) FetchCertificate(ctx context.Context, creds Credentials) ([]byte, string, error) {
	tmpdir, err := os.MkdirTemp("", "signerd-cert-*")
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(tmpdir)

	env := portalEnv(creds)
	if _, err := f.Run.Run(ctx, runner.Cmd{
		Name: "fastlane",
		Args: []string{"cert", "create", "--force", "--development",
			"--output_path", tmpdir, "--filename", "cert.p12"},
		Env: env,
	}); err != nil {
		return nil, "", err
	}

	// fastlane writes the private key (.p12) and the certificate
	// (.p12.cer) separately; openssl recombines them.
	keyPath, certPath, err := findCertParts(tmpdir)
	if err != nil {
		return nil, "", err
	}

	password := CertificateExportPassword
	combined := filepath.Join(tmpdir, "combined.p12")
	if _, err := f.Run.Run(ctx, runner.Cmd{
		Name: "openssl",
		Args: []string{"pkcs12", "-export",
			"-in", certPath, "-inkey", keyPath,
			"-out", combined, "-passout", "pass:" + password},
	}); err != nil {
		return nil, "", err
	}

	p12, err := os.ReadFile(combined)
	if err != nil {
		return nil, "", err
	}
	return p12, password, nil
}

// FetchProfile registers the bundle id with the portal and issues a
// provisioning profile for it.
func (f *Fastlane) FetchProfile(ctx context.Context, creds Credentials, bundleID string, distribution bool) ([]byte, error) {
	env := portalEnv(creds)

	// no-op if the app id already exists
	if _, err := f.Run.Run(ctx, runner.Cmd{
		Name: "fastlane",
		Args: []string{"produce", "create", "--skip_itc",
			"--app_identifier", bundleID,
			"--app_name", devPortalName("ST " + bundleID)},
		Env: env,
	}); err != nil {
		return nil, err
	}

	provType := "development"
	if distribution {
		provType = "adhoc"
	}

	tmpdir, err := os.MkdirTemp("", "signerd-prov-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpdir)

	if _, err := f.Run.Run(ctx, runner.Cmd{
		Name: "fastlane",
		Args: []string{"sigh", "renew",
			"--app_identifier", bundleID,
			"--provisioning_name", devPortalName(fmt.Sprintf("ST %s %s", bundleID, provType)),
			"--force", "--skip_install",
			"--platform", "ios",
			"--" + provType,
			"--output_path", tmpdir,
			"--filename", "prov.mobileprovision"},
		Env: env,
	}); err != nil {
		return nil, err
	}

	return os.ReadFile(filepath.Join(tmpdir, "prov.mobileprovision"))
}

func findCertParts(dir string) (keyPath, certPath string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case filepath.Ext(name) == ".cer":
			certPath = filepath.Join(dir, name)
		case filepath.Ext(name) == ".p12" && name != "combined.p12":
			keyPath = filepath.Join(dir, name)
		}
	}
	if keyPath == "" || certPath == "" {
		return "", "", fmt.Errorf("certificate output incomplete in %s", dir)
	}
	return keyPath, certPath, nil
}

// devPortalName strips characters the portal rejects in resource
// names.
func devPortalName(name string) string {
	out := make([]rune, 0, len(name))
	lastSpace := false
	for _, r := range name {
		alnum := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if alnum {
			out = append(out, r)
			lastSpace = false
		} else if !lastSpace {
			out = append(out, ' ')
			lastSpace = true
		}
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	for len(out) > 0 && out[0] == ' ' {
		out = out[1:]
	}
	return string(out)
}

// authSession is one in-flight portal login with an open stdin for
// the second-factor code.
type authSession interface {
	Submit(code string) error
	Done() <-chan error
	Kill() error
}

type spaceauthSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan error
}

func newSpaceauthSession(ctx context.Context, env []string) (authSession, error) {
	cmd := exec.CommandContext(ctx, "fastlane", "spaceauth", "--copy_to_clipboard")
	cmd.Env = append(os.Environ(), env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &spaceauthSession{cmd: cmd, stdin: stdin, done: make(chan error, 1)}
	go func() { s.done <- cmd.Wait() }()
	return s, nil
}

func (s *spaceauthSession) Submit(code string) error {
	_, err := io.WriteString(s.stdin, code+"\n")
	return err
}

func (s *spaceauthSession) Done() <-chan error { return s.done }

func (s *spaceauthSession) Kill() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		return s.cmd.Process.Kill()
	}
	return nil
}
