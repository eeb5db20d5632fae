package profile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
)

// Lifecycle errors. The portal is never retried automatically:
// Developer Portal rate limits punish retries, so a failure parks the
// job for an operator.
var (
	ErrCertificate = errors.New("certificate error")
	ErrProfile     = errors.New("profile error")
)

// State tracks the identity/profile lifecycle.
type State int

const (
	NotRequested State = iota
	Requesting
	Ready
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case NotRequested:
		return "not_requested"
	case Requesting:
		return "requesting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Credentials identify the developer account at the portal.
type Credentials struct {
	AccountID string
	Email     string
	Password  string
	TeamID    string
}

// Material is the signing material a ready lifecycle yields: a P12
// for keychain import and the provisioning profile to embed.
type Material struct {
	P12         []byte
	P12Password string
	Profile     *Profile
}

// Portal is the Developer Portal collaborator. Authenticate may block
// on a second-factor exchange; implementations bound that wait.
type Portal interface {
	Authenticate(ctx context.Context, creds Credentials) error
	FetchCertificate(ctx context.Context, creds Credentials) (p12 []byte, password string, err error)
	FetchProfile(ctx context.Context, creds Credentials, bundleID string, distribution bool) ([]byte, error)
}

// Reporter receives certificate/profile status transitions. Reporting
// failures never mask the underlying lifecycle error.
type Reporter interface {
	CertificateStatus(ctx context.Context, status, message, data string) error
	ProfileStatus(ctx context.Context, status, message, data string) error
}

// Lifecycle drives NotRequested → Requesting → Ready/Failed, and
// Ready → Expired on re-validation.
type Lifecycle struct {
	portal   Portal
	reporter Reporter
	log      *slog.Logger

	state    State
	material *Material
}

// NewLifecycle creates an identity/profile lifecycle.
func NewLifecycle(portal Portal, reporter Reporter, log *slog.Logger) *Lifecycle {
	return &Lifecycle{portal: portal, reporter: reporter, log: log}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State { return l.state }

// Ready obtains or validates signing material for bundleID. When
// rawProfile is non-empty the job supplied its own profile and the
// portal is not consulted for it; otherwise the portal registers the
// app and issues one. Same for existingP12 and the certificate.
func (l *Lifecycle) Ready(ctx context.Context, creds Credentials, bundleID string, distribution bool, rawProfile, existingP12 []byte, p12Password string) (*Material, error) {
	l.state = Requesting

	p12, password, err := l.certificate(ctx, creds, existingP12, p12Password)
	if err != nil {
		l.state = Failed
		return nil, err
	}

	prof, err := l.profile(ctx, creds, bundleID, distribution, rawProfile)
	if err != nil {
		l.state = Failed
		return nil, err
	}

	l.material = &Material{P12: p12, P12Password: password, Profile: prof}
	l.state = Ready
	return l.material, nil
}

// Revalidate re-checks a ready profile's validity; an expired profile
// moves the lifecycle to Expired.
func (l *Lifecycle) Revalidate() error {
	if l.state != Ready || l.material == nil {
		return nil
	}
	if l.material.Profile.IsExpired() {
		l.state = Expired
		return fmt.Errorf("%w: provisioning profile expired during job", ErrProfile)
	}
	return nil
}

func (l *Lifecycle) certificate(ctx context.Context, creds Credentials, existingP12 []byte, password string) ([]byte, string, error) {
	if len(existingP12) > 0 {
		l.log.Info("using certificate supplied with job")
		return existingP12, password, nil
	}

	if err := l.portal.Authenticate(ctx, creds); err != nil {
		msg := fmt.Sprintf("portal authentication failed: %v", err)
		l.report(ctx, l.reporter.CertificateStatus, "failed", msg, "")
		return nil, "", fmt.Errorf("%w: %s", ErrCertificate, msg)
	}

	p12, pass, err := l.portal.FetchCertificate(ctx, creds)
	if err != nil {
		msg := fmt.Sprintf("certificate issuance failed: %v", err)
		l.report(ctx, l.reporter.CertificateStatus, "failed", msg, "")
		return nil, "", fmt.Errorf("%w: %s", ErrCertificate, msg)
	}

	l.report(ctx, l.reporter.CertificateStatus, "ready", "certificate issued",
		base64.StdEncoding.EncodeToString(p12))
	return p12, pass, nil
}

func (l *Lifecycle) profile(ctx context.Context, creds Credentials, bundleID string, distribution bool, raw []byte) (*Profile, error) {
	if len(raw) == 0 {
		var err error
		raw, err = l.portal.FetchProfile(ctx, creds, bundleID, distribution)
		if err != nil {
			msg := fmt.Sprintf("profile issuance failed: %v", err)
			l.report(ctx, l.reporter.ProfileStatus, "failed", msg, "")
			return nil, fmt.Errorf("%w: %s", ErrProfile, msg)
		}
	}

	prof, err := Parse(raw)
	if err != nil {
		msg := fmt.Sprintf("profile unreadable: %v", err)
		l.report(ctx, l.reporter.ProfileStatus, "failed", msg, "")
		return nil, fmt.Errorf("%w: %s", ErrProfile, msg)
	}
	if prof.IsExpired() {
		msg := fmt.Sprintf("profile %s expired %s", prof.UUID, prof.ExpirationDate.Format("2006-01-02"))
		l.report(ctx, l.reporter.ProfileStatus, "failed", msg, "")
		return nil, fmt.Errorf("%w: %s", ErrProfile, msg)
	}
	if !prof.MatchesBundleID(bundleID) {
		msg := fmt.Sprintf("profile app id %q does not authorize bundle id %q", prof.AppID(), bundleID)
		l.report(ctx, l.reporter.ProfileStatus, "failed", msg, "")
		return nil, fmt.Errorf("%w: %s", ErrProfile, msg)
	}

	l.report(ctx, l.reporter.ProfileStatus, "ready",
		fmt.Sprintf("profile %s valid until %s", prof.UUID, prof.ExpirationDate.Format("2006-01-02")),
		base64.StdEncoding.EncodeToString(raw))
	return prof, nil
}

func (l *Lifecycle) report(ctx context.Context, call func(context.Context, string, string, string) error, status, message, data string) {
	if err := call(ctx, status, message, data); err != nil {
		l.log.Warn("lifecycle status report lost", "status", status, "error", err)
	}
}
