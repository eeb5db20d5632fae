package profile

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func TestMatchesBundleID(t *testing.T) {
	cases := []struct {
		appID    string
		bundleID string
		want     bool
	}{
		{"TEAM123456.com.example.app", "com.example.app", true},
		{"TEAM123456.com.example.app", "com.example.other", false},
		{"TEAM123456.*", "com.anything.at.all", true},
		{"TEAM123456.com.example.*", "com.example.app", true},
		{"TEAM123456.com.example.*", "com.other.app", false},
		{"", "com.example.app", false},
	}

	for _, c := range cases {
		p := &Profile{Entitlements: map[string]any{"application-identifier": c.appID}}
		if got := p.MatchesBundleID(c.bundleID); got != c.want {
			t.Errorf("appID %q vs bundle %q = %v, want %v", c.appID, c.bundleID, got, c.want)
		}
	}
}

func TestIsWildcard(t *testing.T) {
	wild := &Profile{Entitlements: map[string]any{"application-identifier": "TEAM123456.*"}}
	if !wild.IsWildcard() {
		t.Error("TEAM.* should be a wildcard")
	}
	exact := &Profile{Entitlements: map[string]any{"application-identifier": "TEAM123456.com.example.app"}}
	if exact.IsWildcard() {
		t.Error("exact app id should not be a wildcard")
	}
}

func TestTeamIDFallback(t *testing.T) {
	p := &Profile{TeamIdentifier: []string{"TEAM123456"}}
	if p.TeamID() != "TEAM123456" {
		t.Errorf("TeamID = %q", p.TeamID())
	}
	p = &Profile{ApplicationIdentifierPrefix: []string{"PREFIX7890"}}
	if p.TeamID() != "PREFIX7890" {
		t.Errorf("TeamID fallback = %q", p.TeamID())
	}
}

func TestIsExpired(t *testing.T) {
	past := &Profile{ExpirationDate: time.Now().Add(-time.Hour)}
	if !past.IsExpired() {
		t.Error("past expiry should be expired")
	}
	future := &Profile{ExpirationDate: time.Now().Add(time.Hour)}
	if future.IsExpired() {
		t.Error("future expiry should not be expired")
	}
}

func TestIsDeviceAllowed(t *testing.T) {
	p := &Profile{ProvisionedDevices: []string{"udid-1", "udid-2"}}
	if !p.IsDeviceAllowed("udid-1") {
		t.Error("listed device should be allowed")
	}
	if p.IsDeviceAllowed("udid-9") {
		t.Error("unlisted device should be denied")
	}
	all := &Profile{ProvisionsAllDevices: true}
	if !all.IsDeviceAllowed("anything") {
		t.Error("enterprise profile should allow all devices")
	}
}

func testCertificate(t *testing.T, cn string, serial int64) (*x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:         cn,
			OrganizationalUnit: []string{"TEAM123456"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, der
}

func TestMatchesCertificate(t *testing.T) {
	member, memberDER := testCertificate(t, "Apple Development: dev@example.com", 1)
	stranger, _ := testCertificate(t, "Apple Development: other@example.com", 2)

	p := &Profile{DeveloperCertificates: [][]byte{memberDER}}
	if !p.MatchesCertificate(member) {
		t.Error("profile must match its own developer certificate")
	}
	if p.MatchesCertificate(stranger) {
		t.Error("profile must reject a certificate it does not carry")
	}

	empty := &Profile{}
	if empty.MatchesCertificate(member) {
		t.Error("profile without certificates must match nothing")
	}
}

func TestRevalidateExpires(t *testing.T) {
	lc := &Lifecycle{
		state: Ready,
		material: &Material{Profile: &Profile{
			ExpirationDate: time.Now().Add(-time.Minute),
		}},
	}
	if err := lc.Revalidate(); err == nil {
		t.Fatal("expired profile must fail revalidation")
	}
	if lc.State() != Expired {
		t.Errorf("state = %v, want Expired", lc.State())
	}
}
