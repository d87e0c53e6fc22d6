package security

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spachava753/buda/internal/models"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newAuthority(t *testing.T, isCA bool) authority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "buda test ca"},
		NotBefore:             epoch.Add(-24 * time.Hour),
		NotAfter:              epoch.Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	if !isCA {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return authority{cert: cert, key: key}
}

type clientOpts struct {
	notBefore time.Time
	notAfter  time.Time
	usages    []x509.ExtKeyUsage
}

func (a authority) issue(t *testing.T, opts clientOpts) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if opts.notBefore.IsZero() {
		opts.notBefore = epoch.Add(-time.Hour)
	}
	if opts.notAfter.IsZero() {
		opts.notAfter = epoch.Add(time.Hour)
	}
	if opts.usages == nil {
		opts.usages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "client"},
		NotBefore:    opts.notBefore,
		NotAfter:     opts.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  opts.usages,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatal(err)
	}
	return encodeHeader(der)
}

func encodeHeader(der []byte) string {
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func writePEM(t *testing.T, cert *x509.Certificate) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.crt")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCA(t *testing.T) {
	ca := newAuthority(t, true)
	loaded, err := LoadCA(writePEM(t, ca.cert))
	if err != nil {
		t.Fatalf("LoadCA failed: %v", err)
	}
	if !loaded.Equal(ca.cert) {
		t.Error("expected loaded CA to equal the written one")
	}

	leaf := newAuthority(t, false)
	if _, err := LoadCA(writePEM(t, leaf.cert)); err == nil {
		t.Error("expected error for a non-CA certificate")
	}

	if _, err := LoadCA(filepath.Join(t.TempDir(), "missing.crt")); err == nil {
		t.Error("expected error for a missing file")
	}

	garbage := filepath.Join(t.TempDir(), "garbage.crt")
	os.WriteFile(garbage, []byte("not a certificate"), 0644)
	if _, err := LoadCA(garbage); err == nil {
		t.Error("expected error for a non-PEM file")
	}
}

func TestGateCheck(t *testing.T) {
	ca := newAuthority(t, true)
	other := newAuthority(t, true)
	gate := NewGate(ca.cert, Options{Clock: clockwork.NewFakeClockAt(epoch)})

	tests := []struct {
		name     string
		header   string
		wantCode models.ErrorCode
	}{
		{name: "valid", header: ca.issue(t, clientOpts{})},
		{name: "missing header", header: "", wantCode: models.ErrInvalidClientCertificate},
		{name: "not base64", header: "%%%", wantCode: models.ErrInvalidClientCertificate},
		{name: "not pem", header: base64.StdEncoding.EncodeToString([]byte("hello")), wantCode: models.ErrInvalidClientCertificate},
		{
			name:     "server only purpose",
			header:   ca.issue(t, clientOpts{usages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}),
			wantCode: models.ErrInvalidClientCertificate,
		},
		{name: "signed by another ca", header: other.issue(t, clientOpts{}), wantCode: models.ErrUnsignedClientCertificate},
		{
			name:     "not yet valid",
			header:   ca.issue(t, clientOpts{notBefore: epoch.Add(time.Hour), notAfter: epoch.Add(2 * time.Hour)}),
			wantCode: models.ErrFutureClientCertificate,
		},
		{
			name:     "expired",
			header:   ca.issue(t, clientOpts{notBefore: epoch.Add(-2 * time.Hour), notAfter: epoch.Add(-time.Hour)}),
			wantCode: models.ErrExpiredClientCertificate,
		},
		{
			name:     "unsigned wins over expired",
			header:   other.issue(t, clientOpts{notBefore: epoch.Add(-2 * time.Hour), notAfter: epoch.Add(-time.Hour)}),
			wantCode: models.ErrUnsignedClientCertificate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Check(context.Background(), tt.header)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !models.IsCode(err, tt.wantCode) {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestNilGateAdmitsEverything(t *testing.T) {
	var gate *Gate
	if gate.Enabled() {
		t.Error("expected nil gate to be disabled")
	}
	if err := gate.Check(context.Background(), ""); err != nil {
		t.Errorf("expected nil gate to pass, got %v", err)
	}
	if err := NewGate(nil, Options{}).Check(context.Background(), "junk"); err != nil {
		t.Errorf("expected gate without CA to pass, got %v", err)
	}
}

func TestGateCacheKeepsDatesAccurate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	ca := newAuthority(t, true)
	gate := NewGate(ca.cert, Options{Clock: clock, CacheTTL: 24 * time.Hour})

	header := ca.issue(t, clientOpts{notAfter: epoch.Add(30 * time.Minute)})
	if err := gate.Check(context.Background(), header); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gate.cache.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", gate.cache.Len())
	}

	clock.Advance(time.Hour)
	err := gate.Check(context.Background(), header)
	if !models.IsCode(err, models.ErrExpiredClientCertificate) {
		t.Errorf("expected cached certificate to expire on the wall clock, got %v", err)
	}
}

func TestCacheTTL(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	c := NewCache(time.Minute, clock)
	der := []byte("certificate bytes")

	if c.Valid(der) {
		t.Fatal("expected empty cache to miss")
	}
	c.Store(der)
	if !c.Valid(der) {
		t.Fatal("expected stored entry to hit")
	}
	clock.Advance(2 * time.Minute)
	if c.Valid(der) {
		t.Error("expected entry to expire after the TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be evicted, got %d", c.Len())
	}

	var nilCache *Cache
	nilCache.Store(der)
	if nilCache.Valid(der) {
		t.Error("expected nil cache to miss")
	}
}
