package keychain

import (
	"crypto/x509"
	"fmt"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is the signing identity decoded from a P12, inspected
// before keychain import so a bad archive fails early with a real
// error instead of an opaque security exit code.
type Identity struct {
	Certificate *x509.Certificate
	CommonName  string
	TeamID      string
}

// InspectP12 decodes a PKCS#12 archive and extracts the identity's
// common name and team id.
func InspectP12(p12Data []byte, password string) (*Identity, error) {
	_, cert, _, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	teamID := extractTeamID(cert)
	if teamID == "" {
		return nil, fmt.Errorf("certificate %q carries no team id", cert.Subject.CommonName)
	}

	return &Identity{
		Certificate: cert,
		CommonName:  cert.Subject.CommonName,
		TeamID:      teamID,
	}, nil
}

func extractTeamID(cert *x509.Certificate) string {
	// Apple puts the 10-character team id in the OU field.
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
