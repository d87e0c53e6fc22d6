// Package registry is the persistent catalog of admitted datasets. It is
// the source of truth for which workers must be running.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/spachava753/buda/internal/docstore"
	"github.com/spachava753/buda/internal/models"
)

// Collection is the reserved collection holding dataset records.
const Collection = "sys.datasets"

const idField = "extras.id"

// ErrNotFound is returned for ids with no record.
var ErrNotFound = errors.New("dataset not found")

// Registry stores DatasetRecords in a docstore collection.
type Registry struct {
	store docstore.Store
	coll  docstore.Collection
}

func New(store docstore.Store) *Registry {
	return &Registry{store: store, coll: store.Collection(Collection)}
}

// List returns every record in insertion order.
func (r *Registry) List(ctx context.Context) ([]*models.DatasetRecord, error) {
	docs, err := r.coll.Find(ctx, docstore.All())
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	records := make([]*models.DatasetRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := toRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.DatasetRecord, error) {
	doc, err := docstore.FindOne(ctx, r.coll, docstore.Eq(idField, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting dataset %s: %w", id, err)
	}
	return toRecord(doc)
}

// Insert persists rec. The record must already carry extras.id.
func (r *Registry) Insert(ctx context.Context, rec *models.DatasetRecord) error {
	if rec.Extras.ID == "" {
		return fmt.Errorf("inserting dataset: record has no id")
	}
	doc, err := docstore.Encode(rec)
	if err != nil {
		return err
	}
	if err := r.coll.InsertMany(ctx, []docstore.Document{doc}); err != nil {
		return fmt.Errorf("inserting dataset %s: %w", rec.Extras.ID, err)
	}
	return nil
}

// RemoveByID deletes the record for id and returns it.
func (r *Registry) RemoveByID(ctx context.Context, id string) (*models.DatasetRecord, error) {
	doc, err := r.coll.DeleteOne(ctx, docstore.Eq(idField, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("removing dataset %s: %w", id, err)
	}
	return toRecord(doc)
}

// Ping checks that the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Registry) Close() error {
	return r.store.Close()
}

func toRecord(doc docstore.Document) (*models.DatasetRecord, error) {
	var rec models.DatasetRecord
	if err := docstore.Decode(doc, &rec); err != nil {
		return nil, fmt.Errorf("decoding dataset record: %w", err)
	}
	return &rec, nil
}
