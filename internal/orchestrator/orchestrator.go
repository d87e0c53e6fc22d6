// Package orchestrator implements the dataset lifecycle: admission,
// registration, update, deletion, boot reconciliation and shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/buda/internal/dataset"
	"github.com/spachava753/buda/internal/models"
	"github.com/spachava753/buda/internal/registry"
	"github.com/spachava753/buda/internal/supervisor"
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBootConcurrency = 4
)

var errShuttingDown = errors.New("orchestrator is shutting down")

// Validator checks a JSON dataset definition. Failures are *models.APIError.
type Validator interface {
	Validate(doc []byte) error
}

// Registry persists dataset records.
type Registry interface {
	List(ctx context.Context) ([]*models.DatasetRecord, error)
	Get(ctx context.Context, id string) (*models.DatasetRecord, error)
	Insert(ctx context.Context, rec *models.DatasetRecord) error
	RemoveByID(ctx context.Context, id string) (*models.DatasetRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Supervisor runs one worker per dataset.
type Supervisor interface {
	Start(ctx context.Context, rec *models.DatasetRecord) (*models.WorkerHandle, error)
	Stop(ctx context.Context, id string) error
	StopAll(ctx context.Context) error
	Handle(id string) (models.WorkerHandle, bool)
}

// Options configures an Orchestrator.
type Options struct {
	// StorageHost is written into specs that leave storage.host empty. When
	// it is empty such specs are rejected.
	StorageHost     string
	ShutdownTimeout time.Duration
	BootConcurrency int
	Clock           clockwork.Clock
}

// Orchestrator coordinates the registry and the workers. Operations on the
// same dataset id never interleave.
type Orchestrator struct {
	validator  Validator
	registry   Registry
	supervisor Supervisor
	opts       Options

	locks *keyedMutex

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an orchestrator.
func New(v Validator, reg Registry, sup Supervisor, opts Options) *Orchestrator {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.BootConcurrency <= 0 {
		opts.BootConcurrency = DefaultBootConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		validator:  v,
		registry:   reg,
		supervisor: sup,
		opts:       opts,
		locks:      newKeyedMutex(),
	}
}

// Admit validates a JSON definition and returns the normalized record,
// with its id computed. It has no side effects.
func Admit(v Validator, doc []byte, now time.Time, storageHost string) (*models.DatasetRecord, error) {
	if err := v.Validate(doc); err != nil {
		return nil, err
	}
	spec, err := dataset.Parse(doc)
	if err != nil {
		return nil, &models.APIError{
			Code:    models.ErrInvalidDatasetDefinition,
			Details: []models.ErrorDetail{{Field: "", Message: err.Error()}},
			Cause:   err,
		}
	}
	if dataset.IsReservedCollection(spec.Data.Storage.Collection) {
		return nil, &models.APIError{
			Code: models.ErrReservedCollection,
			Details: []models.ErrorDetail{{
				Field:   "data.storage.collection",
				Message: fmt.Sprintf("collection %q is reserved", spec.Data.Storage.Collection),
			}},
		}
	}
	if spec.Extras.Handler == "" && spec.Extras.Docker == nil && !slices.Contains(models.AgentFormats, spec.Data.Format) {
		return nil, &models.APIError{
			Code: models.ErrInvalidDatasetDefinition,
			Details: []models.ErrorDetail{{
				Field: "data.format",
				Message: fmt.Sprintf("format %q has no agent, set extras.handler or use one of %s",
					spec.Data.Format, strings.Join(models.AgentFormats, ", ")),
			}},
		}
	}
	if spec.Data.Storage.Host == "" && storageHost == "" {
		return nil, &models.APIError{
			Code: models.ErrInvalidDatasetDefinition,
			Details: []models.ErrorDetail{{
				Field:   "data.storage.host",
				Message: "required: the manager storage cannot be shared with workers",
			}},
		}
	}
	dataset.Normalize(spec, now, storageHost)
	return spec, nil
}

func (o *Orchestrator) admit(doc []byte) (*models.DatasetRecord, error) {
	return Admit(o.validator, doc, o.opts.Clock.Now(), o.opts.StorageHost)
}

// Register admits and starts a dataset. A definition whose id is already
// registered replaces that dataset.
func (o *Orchestrator) Register(ctx context.Context, doc []byte) (rec *models.DatasetRecord, err error) {
	defer func() { observe("register", err) }()
	if o.closing.Load() {
		return nil, models.NewAPIError(models.ErrInternalError, errShuttingDown)
	}

	rec, err = o.admit(doc)
	if err != nil {
		return nil, err
	}
	id := rec.Extras.ID

	unlock := o.locks.Lock(id)
	defer unlock()

	old, err := o.registry.Get(ctx, id)
	switch {
	case err == nil:
		slog.Info("dataset already registered, replacing", "dataset_id", id)
		return o.replace(ctx, old, rec)
	case errors.Is(err, registry.ErrNotFound):
	default:
		return nil, models.NewAPIError(models.ErrInternalError, err)
	}

	if err := o.create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// create starts the worker, then persists the record. A failed write stops
// the worker again so no orphan is left behind.
func (o *Orchestrator) create(ctx context.Context, rec *models.DatasetRecord) error {
	id := rec.Extras.ID

	handle, err := o.supervisor.Start(ctx, rec)
	if err != nil {
		slog.Error("failed to start worker", "dataset_id", id, "error", err)
		return models.NewAPIError(models.ErrInternalError, err)
	}

	if err := o.registry.Insert(ctx, rec); err != nil {
		slog.Error("failed to persist dataset, stopping worker", "dataset_id", id, "error", err)
		if stopErr := o.supervisor.Stop(context.WithoutCancel(ctx), id); stopErr != nil {
			slog.Warn("failed to stop worker after persistence failure", "dataset_id", id, "error", stopErr)
		}
		return models.NewAPIError(models.ErrInternalError, err)
	}

	slog.Info("dataset registered",
		"dataset_id", id,
		"collection", rec.Data.Storage.Collection,
		"endpoint", handle.Endpoint)
	return nil
}

// List returns every registered dataset.
func (o *Orchestrator) List(ctx context.Context) ([]*models.DatasetRecord, error) {
	recs, err := o.registry.List(ctx)
	if err != nil {
		return nil, models.NewAPIError(models.ErrInternalError, err)
	}
	return recs, nil
}

// Get returns the dataset for id, or INVALID_ZONE_ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.DatasetRecord, error) {
	rec, err := o.registry.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, models.NewAPIError(models.ErrInvalidZoneID, err)
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrInternalError, err)
	}
	return rec, nil
}

// Worker returns the live worker handle for id, if any.
func (o *Orchestrator) Worker(id string) (models.WorkerHandle, bool) {
	return o.supervisor.Handle(id)
}

// Update replaces the dataset id with a new definition. The new definition
// is admitted before anything is touched. If it cannot be started the old
// dataset is registered again.
func (o *Orchestrator) Update(ctx context.Context, id string, doc []byte) (rec *models.DatasetRecord, err error) {
	defer func() { observe("update", err) }()
	if o.closing.Load() {
		return nil, models.NewAPIError(models.ErrInternalError, errShuttingDown)
	}

	rec, err = o.admit(doc)
	if err != nil {
		return nil, err
	}
	newID := rec.Extras.ID

	unlock := o.locks.Lock(id, newID)
	defer unlock()

	old, err := o.registry.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, models.NewAPIError(models.ErrInvalidZoneID, err)
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrInternalError, err)
	}

	if newID != id {
		// The new definition may collide with another registered dataset.
		if _, err := o.remove(ctx, newID); err != nil && !models.IsCode(err, models.ErrInvalidZoneID) {
			return nil, err
		}
	}
	return o.replace(ctx, old, rec)
}

// replace removes old and registers rec in its place, restoring old when
// rec cannot be registered. Callers hold the locks for both ids.
func (o *Orchestrator) replace(ctx context.Context, old, rec *models.DatasetRecord) (*models.DatasetRecord, error) {
	if _, err := o.remove(ctx, old.Extras.ID); err != nil {
		return nil, err
	}

	err := o.create(ctx, rec)
	if err == nil {
		slog.Info("dataset updated", "old_id", old.Extras.ID, "dataset_id", rec.Extras.ID)
		return rec, nil
	}

	slog.Warn("update failed, restoring previous dataset", "dataset_id", old.Extras.ID, "error", err)
	if restoreErr := o.create(context.WithoutCancel(ctx), old); restoreErr != nil {
		slog.Error("failed to restore previous dataset",
			"dataset_id", old.Extras.ID,
			"error", restoreErr)
	}
	return nil, err
}

// Delete removes the dataset and stops its worker.
func (o *Orchestrator) Delete(ctx context.Context, id string) (rec *models.DatasetRecord, err error) {
	defer func() { observe("delete", err) }()

	unlock := o.locks.Lock(id)
	defer unlock()
	return o.remove(ctx, id)
}

func (o *Orchestrator) remove(ctx context.Context, id string) (*models.DatasetRecord, error) {
	rec, err := o.registry.RemoveByID(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, models.NewAPIError(models.ErrInvalidZoneID, err)
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrInternalError, err)
	}

	if err := o.supervisor.Stop(ctx, id); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		slog.Warn("failed to stop worker", "dataset_id", id, "error", err)
	}
	slog.Info("dataset removed", "dataset_id", id)
	return rec, nil
}

// Boot starts a worker for every registered dataset. Handles from a
// previous manager lifetime are assumed dead. Individual start failures are
// logged and returned joined; the remaining datasets are still started.
func (o *Orchestrator) Boot(ctx context.Context) error {
	recs, err := o.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("listing datasets: %w", err)
	}
	GaugeDatasets.Set(float64(len(recs)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.BootConcurrency)
	for _, rec := range recs {
		g.Go(func() error {
			id := rec.Extras.ID
			unlock := o.locks.Lock(id)
			defer unlock()

			if _, err := o.supervisor.Start(gctx, rec); err != nil {
				slog.Error("failed to start worker on boot", "dataset_id", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("starting %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("boot reconciliation finished", "datasets", len(recs), "failed", len(errs))
	return errors.Join(errs...)
}

// Seed registers every definition whose id is not yet known. Definitions
// that fail admission are reported and skipped.
func (o *Orchestrator) Seed(ctx context.Context, docs [][]byte) error {
	var errs []error
	for _, doc := range docs {
		rec, err := o.admit(doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := o.registry.Get(ctx, rec.Extras.ID); err == nil {
			slog.Debug("seed dataset already registered", "dataset_id", rec.Extras.ID)
			continue
		}
		if _, err := o.Register(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks that the registry is reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if err := o.registry.Ping(ctx); err != nil {
		return models.NewAPIError(models.ErrInternalError, err)
	}
	return nil
}

// Shutdown stops every worker and closes the registry. Only the first call
// does any work; later calls return the first result. The whole sequence is
// bounded by the shutdown timeout.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.closing.Store(true)
		o.shutdownErr = o.shutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		recs, err := o.registry.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing datasets: %w", err))
		}
		for _, rec := range recs {
			wg.Go(func() {
				err := o.supervisor.Stop(ctx, rec.Extras.ID)
				if err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
		}
		wg.Wait()
		// Workers not in the registry, e.g. when listing failed.
		if err := o.supervisor.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		done <- errors.Join(errs...)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stopping workers: %w", ctx.Err())
		slog.Warn("shutdown timed out waiting for workers")
	}

	if closeErr := o.registry.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("closing registry: %w", closeErr))
	}
	return err
}
