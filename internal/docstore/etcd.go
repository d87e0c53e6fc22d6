package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KvItem is one key with the revision it was last modified at.
type KvItem struct {
	Key         string
	Value       string
	ModRevision int64
}

// KvProvider is the slice of etcd the store needs. The default provider
// talks to a cluster; tests use NewFakeKvProvider.
type KvProvider interface {
	// List returns keys under prefix sorted by key.
	List(ctx context.Context, prefix string) ([]KvItem, error)
	Put(ctx context.Context, key, value string) error
	// DeleteAt removes key only if it is still at revision rev.
	DeleteAt(ctx context.Context, key string, rev int64) (bool, error)
	Close() error
}

// EtcdStore keeps documents as JSON values under <prefix>/<collection>/.
// Keys are UUIDv7 so a prefix listing returns them in insertion order.
type EtcdStore struct {
	kv     KvProvider
	prefix string
}

// NewEtcdStore wraps an existing provider.
func NewEtcdStore(kv KvProvider, prefix string) *EtcdStore {
	return &EtcdStore{kv: kv, prefix: strings.TrimSuffix(prefix, "/")}
}

// OpenEtcd connects to the given endpoints.
func OpenEtcd(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	kv, err := NewEtcdKvProvider(endpoints, dialTimeout)
	if err != nil {
		return nil, err
	}
	return NewEtcdStore(kv, prefix), nil
}

func (s *EtcdStore) Collection(name string) Collection {
	return &etcdCollection{kv: s.kv, name: name, dir: s.prefix + "/" + name + "/"}
}

func (s *EtcdStore) Ping(ctx context.Context) error {
	_, err := s.kv.List(ctx, s.prefix+"/")
	return err
}

func (s *EtcdStore) Close() error {
	return s.kv.Close()
}

type etcdCollection struct {
	kv   KvProvider
	name string
	dir  string
}

func (c *etcdCollection) Name() string {
	return c.name
}

func (c *etcdCollection) InsertMany(ctx context.Context, docs []Document) error {
	if err := validCollection(c.name); err != nil {
		return err
	}
	for _, d := range docs {
		body, err := marshalDocument(d)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		if err := c.kv.Put(ctx, c.dir+id.String(), body); err != nil {
			return fmt.Errorf("etcd put in %s: %w", c.name, err)
		}
	}
	return nil
}

func (c *etcdCollection) scan(ctx context.Context, f Filter, fn func(item KvItem, doc Document) bool) error {
	items, err := c.kv.List(ctx, c.dir)
	if err != nil {
		return fmt.Errorf("etcd list %s: %w", c.name, err)
	}
	for _, item := range items {
		doc, err := decodeBytes([]byte(item.Value))
		if err != nil {
			return err
		}
		if Match(doc, f) && !fn(item, doc) {
			return nil
		}
	}
	return nil
}

func (c *etcdCollection) Find(ctx context.Context, f Filter) ([]Document, error) {
	var out []Document
	err := c.scan(ctx, f, func(_ KvItem, doc Document) bool {
		out = append(out, doc)
		return true
	})
	return out, err
}

func (c *etcdCollection) DeleteOne(ctx context.Context, f Filter) (Document, error) {
	// A concurrent delete of the same key loses the revision check and
	// the scan is retried.
	for attempt := 0; attempt < 3; attempt++ {
		var found *KvItem
		var doc Document
		err := c.scan(ctx, f, func(item KvItem, d Document) bool {
			found, doc = &item, d
			return false
		})
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, ErrNotFound
		}
		ok, err := c.kv.DeleteAt(ctx, found.Key, found.ModRevision)
		if err != nil {
			return nil, fmt.Errorf("etcd delete in %s: %w", c.name, err)
		}
		if ok {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("etcd delete in %s: too much contention", c.name)
}

func (c *etcdCollection) Count(ctx context.Context, f Filter) (int, error) {
	n := 0
	err := c.scan(ctx, f, func(KvItem, Document) bool {
		n++
		return true
	})
	return n, err
}

func marshalDocument(d Document) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	return string(data), nil
}

type etcdKvProvider struct {
	client *clientv3.Client
}

// NewEtcdKvProvider dials an etcd cluster.
func NewEtcdKvProvider(endpoints []string, dialTimeout time.Duration) (KvProvider, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %s: %w", strings.Join(endpoints, ","), err)
	}
	return &etcdKvProvider{client: cli}, nil
}

func (p *etcdKvProvider) List(ctx context.Context, prefix string) ([]KvItem, error) {
	resp, err := p.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, err
	}
	items := make([]KvItem, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		items = append(items, KvItem{
			Key:         string(kv.Key),
			Value:       string(kv.Value),
			ModRevision: kv.ModRevision,
		})
	}
	return items, nil
}

func (p *etcdKvProvider) Put(ctx context.Context, key, value string) error {
	_, err := p.client.Put(ctx, key, value)
	return err
}

func (p *etcdKvProvider) DeleteAt(ctx context.Context, key string, rev int64) (bool, error) {
	resp, err := p.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (p *etcdKvProvider) Close() error {
	return p.client.Close()
}

// FakeKvProvider is an in-memory KvProvider with etcd-like revisions.
type FakeKvProvider struct {
	mu       sync.Mutex
	revision int64
	items    map[string]KvItem
}

func NewFakeKvProvider() *FakeKvProvider {
	return &FakeKvProvider{items: make(map[string]KvItem)}
}

func (p *FakeKvProvider) List(ctx context.Context, prefix string) ([]KvItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []KvItem
	for k, item := range p.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *FakeKvProvider) Put(ctx context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revision++
	p.items[key] = KvItem{Key: key, Value: value, ModRevision: p.revision}
	return nil
}

func (p *FakeKvProvider) DeleteAt(ctx context.Context, key string, rev int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if !ok || item.ModRevision != rev {
		return false, nil
	}
	p.revision++
	delete(p.items, key)
	return true, nil
}

func (p *FakeKvProvider) Close() error {
	return nil
}
