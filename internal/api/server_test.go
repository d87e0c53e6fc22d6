package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/security"
)

type fakeService struct {
	records map[string]*models.DatasetRecord
	// lastDoc is the definition passed to the last Register or Update.
	lastDoc []byte
	calls   int
	err     error
}

func newFakeService() *fakeService {
	return &fakeService{records: make(map[string]*models.DatasetRecord)}
}

func (s *fakeService) recordFrom(doc []byte) (*models.DatasetRecord, error) {
	s.lastDoc = doc
	var rec models.DatasetRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	rec.Extras.ID = "id-" + rec.Data.Storage.Collection
	return &rec, nil
}

func (s *fakeService) Register(ctx context.Context, doc []byte) (*models.DatasetRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	rec, err := s.recordFrom(doc)
	if err != nil {
		return nil, err
	}
	s.records[rec.Extras.ID] = rec
	return rec, nil
}

func (s *fakeService) List(ctx context.Context) ([]*models.DatasetRecord, error) {
	s.calls++
	out := make([]*models.DatasetRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeService) Get(ctx context.Context, id string) (*models.DatasetRecord, error) {
	s.calls++
	rec, ok := s.records[id]
	if !ok {
		return nil, models.NewAPIError(models.ErrInvalidZoneID, nil)
	}
	return rec, nil
}

func (s *fakeService) Update(ctx context.Context, id string, doc []byte) (*models.DatasetRecord, error) {
	s.calls++
	if _, ok := s.records[id]; !ok {
		return nil, models.NewAPIError(models.ErrInvalidZoneID, nil)
	}
	rec, err := s.recordFrom(doc)
	if err != nil {
		return nil, err
	}
	delete(s.records, id)
	s.records[rec.Extras.ID] = rec
	return rec, nil
}

func (s *fakeService) Delete(ctx context.Context, id string) (*models.DatasetRecord, error) {
	s.calls++
	rec, ok := s.records[id]
	if !ok {
		return nil, models.NewAPIError(models.ErrInvalidZoneID, nil)
	}
	delete(s.records, id)
	return rec, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	assert.True(t, resp.Error)
	return resp
}

const datasetJSON = `{"version":"1","metadata":{"title":"Air Quality MX","description":"d","organization":"X"},` +
	`"data":{"format":"csv","storage":{"collection":"airquality_mx","batch":50},"hotspot":{"type":"tcp"}}}`

const datasetYAML = `version: "1"
metadata:
  title: Air Quality MX
  description: d
  organization: X
data:
  format: csv
  storage:
    collection: airquality_mx
    batch: 50
  hotspot:
    type: tcp
`

func TestLifecycle(t *testing.T) {
	svc := newFakeService()
	srv := NewServer(svc, nil)

	rec := do(t, srv, http.MethodPost, "/", `{"dataset":`+datasetJSON+`}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.DatasetRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "id-airquality_mx", created.Extras.ID)

	rec = do(t, srv, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.DatasetRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, srv, http.MethodGet, "/id-airquality_mx", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	updated := strings.Replace(datasetJSON, "airquality_mx", "airquality_v2", 1)
	rec = do(t, srv, http.MethodPatch, "/id-airquality_mx", `{"dataset":`+updated+`}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodDelete, "/id-airquality_v2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/id-airquality_v2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.ErrInvalidZoneID, decodeError(t, rec).Desc)
}

func TestEmptyList(t *testing.T) {
	rec := do(t, NewServer(newFakeService(), nil), http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPing(t *testing.T) {
	svc := newFakeService()
	rec := do(t, NewServer(svc, nil), http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Zero(t, svc.calls)
}

func TestInvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "unknown path", method: http.MethodGet, path: "/a/b"},
		{name: "method not allowed on root", method: http.MethodDelete, path: "/"},
		{name: "post to id", method: http.MethodPost, path: "/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewServer(newFakeService(), nil), tt.method, tt.path, "", nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, models.ErrInvalidRequest, decodeError(t, rec).Desc)
		})
	}
}

func TestRegisterBody(t *testing.T) {
	yamlBody, err := json.Marshal(map[string]string{"dataset": datasetYAML, "format": "yaml"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantDesc models.ErrorCode
	}{
		{name: "json object", body: `{"dataset":` + datasetJSON + `}`, wantCode: http.StatusCreated},
		{name: "yaml string", body: string(yamlBody), wantCode: http.StatusCreated},
		{name: "empty body", body: "", wantCode: http.StatusBadRequest, wantDesc: models.ErrMissingParameters},
		{name: "no dataset", body: `{"format":"json"}`, wantCode: http.StatusBadRequest, wantDesc: models.ErrMissingParameters},
		{name: "null dataset", body: `{"dataset":null}`, wantCode: http.StatusBadRequest, wantDesc: models.ErrMissingParameters},
		{name: "malformed body", body: `{"dataset":`, wantCode: http.StatusBadRequest, wantDesc: models.ErrInvalidDatasetDefinition},
		{name: "bad yaml", body: `{"dataset":"a: [", "format":"yaml"}`, wantCode: http.StatusBadRequest, wantDesc: models.ErrInvalidDatasetDefinition},
		{
			name:     "oversized body",
			body:     `{"dataset":"` + strings.Repeat("x", MaxBodyBytes) + `"}`,
			wantCode: http.StatusBadRequest,
			wantDesc: models.ErrInvalidDatasetDefinition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			rec := do(t, NewServer(svc, nil), http.MethodPost, "/", tt.body, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, decodeError(t, rec).Desc)
				assert.Zero(t, svc.calls)
				return
			}
			var got map[string]any
			require.NoError(t, json.Unmarshal(svc.lastDoc, &got))
			assert.Equal(t, "1", got["version"])
		})
	}
}

func TestValidationDetails(t *testing.T) {
	svc := newFakeService()
	svc.err = &models.APIError{
		Code:    models.ErrInvalidDatasetDefinition,
		Details: []models.ErrorDetail{{Field: "/metadata", Message: "missing properties: 'title'"}},
	}
	rec := do(t, NewServer(svc, nil), http.MethodPost, "/", `{"dataset":{"version":"1"}}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, models.ErrInvalidDatasetDefinition, resp.Desc)
	assert.Equal(t, svc.err.(*models.APIError).Details, resp.Details)
}

func TestInternalErrorIsOpaque(t *testing.T) {
	svc := newFakeService()
	svc.err = models.NewAPIError(models.ErrInternalError, assert.AnError)
	rec := do(t, NewServer(svc, nil), http.MethodPost, "/", `{"dataset":`+datasetJSON+`}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":true,"desc":"INTERNAL_ERROR"}`, rec.Body.String())
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T, now time.Time) testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "buda api test ca"},
		NotBefore:             now.Add(-48 * time.Hour),
		NotAfter:              now.Add(48 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return testCA{cert: cert, key: key}
}

func (ca testCA) header(t *testing.T, notBefore, notAfter time.Time) http.Header {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "client"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	h := http.Header{}
	h.Set(security.HeaderName, encoded)
	return h
}

func TestSecureMode(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ca := newTestCA(t, now)
	gate := security.NewGate(ca.cert, security.Options{Clock: clockwork.NewFakeClockAt(now)})
	lowercase := http.Header{
		"x-buda-client": ca.header(t, now.Add(-time.Hour), now.Add(time.Hour)).Values(security.HeaderName),
	}

	tests := []struct {
		name     string
		path     string
		header   http.Header
		wantCode int
		wantDesc models.ErrorCode
	}{
		{
			name:     "valid certificate",
			path:     "/",
			header:   ca.header(t, now.Add(-time.Hour), now.Add(time.Hour)),
			wantCode: http.StatusOK,
		},
		{
			name:     "lowercase header name",
			path:     "/",
			header:   lowercase,
			wantCode: http.StatusOK,
		},
		{
			name:     "expired certificate",
			path:     "/",
			header:   ca.header(t, now.Add(-2*time.Hour), now.Add(-time.Hour)),
			wantCode: http.StatusUnauthorized,
			wantDesc: models.ErrExpiredClientCertificate,
		},
		{
			name:     "ping is gated",
			path:     "/ping",
			wantCode: http.StatusUnauthorized,
			wantDesc: models.ErrInvalidClientCertificate,
		},
		{
			name:     "unknown route is gated",
			path:     "/a/b",
			header:   ca.header(t, now.Add(time.Hour), now.Add(2*time.Hour)),
			wantCode: http.StatusUnauthorized,
			wantDesc: models.ErrFutureClientCertificate,
		},
		{
			name:     "foreign certificate",
			path:     "/",
			header:   newTestCA(t, now).header(t, now.Add(-time.Hour), now.Add(time.Hour)),
			wantCode: http.StatusUnauthorized,
			wantDesc: models.ErrUnsignedClientCertificate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			rec := do(t, NewServer(svc, gate), http.MethodGet, tt.path, "", tt.header)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantDesc != "" {
				assert.Equal(t, tt.wantDesc, decodeError(t, rec).Desc)
				assert.Zero(t, svc.calls, "handler must not run")
			}
		})
	}
}

func TestRecoversFromPanic(t *testing.T) {
	srv := NewServer(panicService{}, nil)
	rec := do(t, srv, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicService struct{ Service }

func (panicService) List(ctx context.Context) ([]*models.DatasetRecord, error) {
	panic("boom")
}
