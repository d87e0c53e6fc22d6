package security

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"slices"
)

// LoadCA reads a PEM certificate and checks it may act as a certificate
// authority for client certificates.
func LoadCA(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}

	ca, err := parsePEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing CA file: %w", err)
	}

	if !ca.BasicConstraintsValid || !ca.IsCA {
		return nil, fmt.Errorf("invalid CA file: certificate is not a CA")
	}
	if ca.KeyUsage != 0 && ca.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("invalid CA file: key usage does not allow certificate signing")
	}
	if !allowsClientAuth(ca.ExtKeyUsage) {
		return nil, fmt.Errorf("invalid CA file: extended key usage excludes client authentication")
	}
	return ca, nil
}

func parsePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

// allowsClientAuth reports whether an extended key usage list permits the
// "SSL client" purpose. An absent list places no restriction.
func allowsClientAuth(usages []x509.ExtKeyUsage) bool {
	if len(usages) == 0 {
		return true
	}
	return slices.Contains(usages, x509.ExtKeyUsageClientAuth) || slices.Contains(usages, x509.ExtKeyUsageAny)
}
