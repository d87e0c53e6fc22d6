// Package api serves the dataset control REST API.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/spachava753/buda/internal/dataset"
	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/security"
)

// MaxBodyBytes bounds a request body.
const MaxBodyBytes = 1 << 20

// Service is the dataset lifecycle the API exposes.
type Service interface {
	Register(ctx context.Context, doc []byte) (*models.DatasetRecord, error)
	List(ctx context.Context) ([]*models.DatasetRecord, error)
	Get(ctx context.Context, id string) (*models.DatasetRecord, error)
	Update(ctx context.Context, id string, doc []byte) (*models.DatasetRecord, error)
	Delete(ctx context.Context, id string) (*models.DatasetRecord, error)
}

// Server routes control requests to a Service. Every request, including
// unmatched ones, passes the security gate first.
type Server struct {
	svc  Service
	gate *security.Gate

	handler http.Handler
}

// NewServer builds the handler chain. A nil or disabled gate admits all
// requests.
func NewServer(svc Service, gate *security.Gate) *Server {
	s := &Server{svc: svc, gate: gate}

	router := mux.NewRouter()
	router.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet).Name("Ping")
	router.HandleFunc("/", s.handleList).Methods(http.MethodGet).Name("List")
	router.HandleFunc("/", s.handleRegister).Methods(http.MethodPost).Name("Register")
	router.HandleFunc("/{id}", s.handleGet).Methods(http.MethodGet).Name("Get")
	router.HandleFunc("/{id}", s.handleUpdate).Methods(http.MethodPut, http.MethodPatch).Name("Update")
	router.HandleFunc("/{id}", s.handleDelete).Methods(http.MethodDelete).Name("Delete")
	router.NotFoundHandler = http.HandlerFunc(s.handleInvalid)
	router.MethodNotAllowedHandler = http.HandlerFunc(s.handleInvalid)
	router.Use(collectStats)

	var h http.Handler = router
	h = s.authenticate(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = handlers.CombinedLoggingHandler(&accessLog{}, h)
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve accepts connections on l until ctx is done, then shuts down within
// closeTimeout.
func (s *Server) Serve(ctx context.Context, l net.Listener, closeTimeout time.Duration) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.gate.Check(r.Context(), r.Header.Get(security.HeaderName)); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{OK: true})
}

func (s *Server) handleInvalid(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, models.NewAPIError(models.ErrInvalidRequest, nil))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*models.DatasetRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	doc, err := readDataset(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.svc.Register(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	doc, err := readDataset(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.svc.Update(r.Context(), mux.Vars(r)["id"], doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// datasetRequest is the body of register and update calls. Dataset holds a
// JSON object, or a string in the declared format.
type datasetRequest struct {
	Dataset json.RawMessage `json:"dataset"`
	Format  string          `json:"format"`
}

// readDataset returns the dataset definition of the request as JSON.
func readDataset(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, invalidBody(fmt.Errorf("reading body: %w", err))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, missing("dataset")
	}

	var req datasetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, invalidBody(err)
	}
	raw := bytes.TrimSpace(req.Dataset)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, missing("dataset")
	}

	if raw[0] != '"' {
		if req.Format != "" && !strings.EqualFold(req.Format, dataset.FormatJSON) {
			return nil, invalidBody(fmt.Errorf("format %q requires the dataset as a string", req.Format))
		}
		return raw, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, invalidBody(err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, missing("dataset")
	}
	doc, err := dataset.ToJSON([]byte(text), req.Format)
	if err != nil {
		return nil, invalidBody(err)
	}
	return doc, nil
}

func missing(field string) error {
	return &models.APIError{
		Code:    models.ErrMissingParameters,
		Details: []models.ErrorDetail{{Field: field, Message: "required"}},
	}
}

func invalidBody(err error) error {
	return &models.APIError{
		Code:    models.ErrInvalidDatasetDefinition,
		Details: []models.ErrorDetail{{Field: "", Message: err.Error()}},
		Cause:   err,
	}
}

// accessLog turns combined log lines into structured log records.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		slog.Info("http request", "access", scanner.Text())
	}
	return len(p), nil
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	slog.Error("panic serving request", "panic", fmt.Sprint(v...))
}
