package security

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spachava753/buda/internal/models"
)

// HeaderName carries the base64 encoded PEM client certificate.
const HeaderName = "X-BUDA-Client"

// DefaultTimeout bounds a single certificate check.
const DefaultTimeout = 5 * time.Second

// Options configures a Gate.
type Options struct {
	// Timeout bounds each validation step. Zero uses DefaultTimeout.
	Timeout time.Duration
	// CacheTTL enables chain-validation caching when positive.
	CacheTTL time.Duration
	Clock    clockwork.Clock
}

// Gate validates client certificates against a CA. A nil *Gate admits
// every request.
type Gate struct {
	ca      *x509.Certificate
	timeout time.Duration
	clock   clockwork.Clock
	cache   *Cache
}

// NewGate creates a gate for the given CA.
func NewGate(ca *x509.Certificate, opts Options) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	g := &Gate{
		ca:      ca,
		timeout: opts.Timeout,
		clock:   opts.Clock,
	}
	if opts.CacheTTL > 0 {
		g.cache = NewCache(opts.CacheTTL, opts.Clock)
	}
	return g
}

// Enabled reports whether requests are checked at all.
func (g *Gate) Enabled() bool {
	return g != nil && g.ca != nil
}

// Check validates the header value. Failures are *models.APIError values
// carrying one of the four certificate codes, or INTERNAL_ERROR when a step
// exceeds its timeout.
func (g *Gate) Check(ctx context.Context, header string) error {
	if !g.Enabled() {
		return nil
	}

	var cert *x509.Certificate
	err := g.bounded(ctx, "parse", func() error {
		var err error
		cert, err = parseClientCert(header)
		return err
	})
	if err != nil {
		return err
	}

	if !g.cache.Valid(cert.Raw) {
		err = g.bounded(ctx, "verify", func() error {
			if err := cert.CheckSignatureFrom(g.ca); err != nil {
				return &models.APIError{Code: models.ErrUnsignedClientCertificate, Cause: err}
			}
			return nil
		})
		if err != nil {
			return err
		}
		g.cache.Store(cert.Raw)
	}

	// Validity dates always use the current time, cached or not.
	now := g.clock.Now()
	if now.Before(cert.NotBefore) {
		return &models.APIError{
			Code:  models.ErrFutureClientCertificate,
			Cause: fmt.Errorf("certificate not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)),
		}
	}
	if now.After(cert.NotAfter) {
		return &models.APIError{
			Code:  models.ErrExpiredClientCertificate,
			Cause: fmt.Errorf("certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}

// bounded runs fn off the caller's goroutine and gives up after the gate
// timeout.
func (g *Gate) bounded(ctx context.Context, step string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		slog.Error("certificate check timed out", "step", step, "timeout", g.timeout)
		return models.NewAPIError(models.ErrInternalError, fmt.Errorf("certificate %s: %w", step, ctx.Err()))
	}
}

func parseClientCert(header string) (*x509.Certificate, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, &models.APIError{Code: models.ErrInvalidClientCertificate, Cause: errors.New("missing client certificate")}
	}

	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, &models.APIError{Code: models.ErrInvalidClientCertificate, Cause: fmt.Errorf("decoding header: %w", err)}
	}

	cert, err := parsePEM(data)
	if err != nil {
		return nil, &models.APIError{Code: models.ErrInvalidClientCertificate, Cause: err}
	}

	if !allowsClientAuth(cert.ExtKeyUsage) {
		return nil, &models.APIError{Code: models.ErrInvalidClientCertificate, Cause: errors.New("certificate purpose excludes SSL client")}
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return nil, &models.APIError{Code: models.ErrInvalidClientCertificate, Cause: errors.New("key usage excludes digital signature")}
	}
	return cert, nil
}
