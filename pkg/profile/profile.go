// Package profile parses provisioning profiles and drives the
// certificate/profile lifecycle against the Developer Portal.
package profile

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Profile is a parsed .mobileprovision file. Raw keeps the original
// CMS payload for embedding into the bundle.
type Profile struct {
	Name                        string         `plist:"Name"`
	TeamName                    string         `plist:"TeamName"`
	TeamIdentifier              []string       `plist:"TeamIdentifier"`
	AppIDName                   string         `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string       `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]any `plist:"Entitlements"`
	DeveloperCertificates       [][]byte       `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string       `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool           `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time      `plist:"CreationDate"`
	ExpirationDate              time.Time      `plist:"ExpirationDate"`
	UUID                        string         `plist:"UUID"`
	Platform                    []string       `plist:"Platform"`

	Raw []byte `plist:"-"`
}

// Parse decodes a .mobileprovision file, which is a CMS (PKCS#7)
// signed container with a plist payload.
func Parse(data []byte) (*Profile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}

	var p Profile
	if _, err := plist.Unmarshal(p7.Content, &p); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	p.Raw = data
	return &p, nil
}

// TeamID returns the team identifier from the profile.
func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// AppID returns the application identifier the profile authorizes,
// including the team prefix. May be a wildcard like TEAM.*.
func (p *Profile) AppID() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsWildcard reports whether the profile authorizes any bundle id
// under its team prefix.
func (p *Profile) IsWildcard() bool {
	return strings.HasSuffix(p.AppID(), ".*")
}

// MatchesBundleID reports whether the profile authorizes the given
// bundle identifier: exact match on the app id, or any id under a
// wildcard prefix.
func (p *Profile) MatchesBundleID(bundleID string) bool {
	appID := p.AppID()
	if appID == "" {
		return false
	}
	// Strip the team prefix from the pattern.
	pattern := appID
	if i := strings.Index(pattern, "."); i >= 0 {
		pattern = pattern[i+1:]
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(bundleID, strings.TrimSuffix(pattern, "*"))
	}
	return bundleID == pattern
}

// IsExpired checks if the provisioning profile has expired.
func (p *Profile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this
// profile. Enterprise and distribution profiles provision all devices.
func (p *Profile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// Certificates parses and returns the developer certificates from the
// profile.
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate checks if the given certificate is one of the
// profile's developer certificates.
func (p *Profile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}
