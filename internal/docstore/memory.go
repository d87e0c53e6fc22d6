package docstore

import (
	"context"
	"sync"
)

// MemoryStore keeps collections in process memory. It is used in tests and
// for throwaway managers.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string][]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]Document)}
}

func (s *MemoryStore) Collection(name string) Collection {
	return &memoryCollection{store: s, name: name}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryCollection struct {
	store *MemoryStore
	name  string
}

func (c *memoryCollection) Name() string {
	return c.name
}

func (c *memoryCollection) InsertMany(ctx context.Context, docs []Document) error {
	if err := validCollection(c.name); err != nil {
		return err
	}
	copies := make([]Document, 0, len(docs))
	for _, d := range docs {
		cp, err := clone(d)
		if err != nil {
			return err
		}
		copies = append(copies, cp)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.collections[c.name] = append(c.store.collections[c.name], copies...)
	return nil
}

func (c *memoryCollection) Find(ctx context.Context, f Filter) ([]Document, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var out []Document
	for _, d := range c.store.collections[c.name] {
		if !Match(d, f) {
			continue
		}
		cp, err := clone(d)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (c *memoryCollection) DeleteOne(ctx context.Context, f Filter) (Document, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	docs := c.store.collections[c.name]
	for i, d := range docs {
		if Match(d, f) {
			c.store.collections[c.name] = append(docs[:i:i], docs[i+1:]...)
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCollection) Count(ctx context.Context, f Filter) (int, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	n := 0
	for _, d := range c.store.collections[c.name] {
		if Match(d, f) {
			n++
		}
	}
	return n, nil
}
