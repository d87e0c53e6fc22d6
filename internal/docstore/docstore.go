// Package docstore is a small collection-oriented document store used for
// the dataset registry and for the records written by workers. Backends
// are chosen by URL scheme in Open.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no document matches a filter.
var ErrNotFound = errors.New("document not found")

// Document is a schemaless JSON object.
type Document = map[string]any

// Filter selects documents whose value at a dotted path equals Value.
// The zero Filter matches every document.
type Filter struct {
	Field string
	Value any
}

// Eq returns a filter on a dotted field path such as "extras.id".
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// All matches every document.
func All() Filter {
	return Filter{}
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	// InsertMany appends documents in order.
	InsertMany(ctx context.Context, docs []Document) error
	// Find returns matching documents in insertion order.
	Find(ctx context.Context, f Filter) ([]Document, error)
	// DeleteOne removes the first matching document and returns it.
	DeleteOne(ctx context.Context, f Filter) (Document, error)
	Count(ctx context.Context, f Filter) (int, error)
}

// Store opens collections on a single backend.
type Store interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close() error
}

// FindOne returns the first matching document or ErrNotFound.
func FindOne(ctx context.Context, c Collection, f Filter) (Document, error) {
	docs, err := c.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// Encode converts a typed value into a Document through its JSON form.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return decodeBytes(data)
}

// Decode converts a Document into a typed value through its JSON form.
func Decode(doc Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}

func decodeBytes(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decoding document: not an object")
	}
	return doc, nil
}

// clone deep-copies a document so callers never share maps with a backend.
func clone(doc Document) (Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return decodeBytes(data)
}

// lookup walks a dotted path through nested objects.
func lookup(doc Document, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Match reports whether doc satisfies f.
func Match(doc Document, f Filter) bool {
	if f.Field == "" {
		return true
	}
	v, ok := lookup(doc, f.Field)
	if !ok {
		return false
	}
	return fmt.Sprint(v) == fmt.Sprint(f.Value)
}

// validCollection rejects names that cannot be used as a bucket, key
// segment or table value.
func validCollection(name string) error {
	if name == "" {
		return fmt.Errorf("empty collection name")
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}
