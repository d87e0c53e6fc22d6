package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS documents (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_collection ON documents(collection, seq);`

// SQLiteStore keeps every collection in one table of a SQLite file in WAL
// mode, which lets several worker processes append to the same file.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	if path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	return &SQLiteStore{pool: pool, path: path}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Collection(name string) Collection {
	return &sqliteCollection{store: s, name: name}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("closing sqlite database %s: %w", s.path, err)
	}
	return nil
}

type sqliteCollection struct {
	store *SQLiteStore
	name  string
}

func (c *sqliteCollection) Name() string {
	return c.name
}

func (c *sqliteCollection) InsertMany(ctx context.Context, docs []Document) (err error) {
	if err := validCollection(c.name); err != nil {
		return err
	}
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	defer c.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, d := range docs {
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding document: %w", err)
		}
		err = sqlitex.Execute(conn, "INSERT INTO documents (collection, body) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{c.name, string(body)},
		})
		if err != nil {
			return fmt.Errorf("sqlite insert: %w", err)
		}
	}
	return nil
}

// where renders the filter as a json_extract predicate.
func (c *sqliteCollection) where(f Filter) (string, []any) {
	if f.Field == "" {
		return "collection = ?", []any{c.name}
	}
	return "collection = ? AND CAST(json_extract(body, ?) AS TEXT) = ?", []any{c.name, "$." + f.Field, fmt.Sprint(f.Value)}
}

func (c *sqliteCollection) Find(ctx context.Context, f Filter) ([]Document, error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite find: %w", err)
	}
	defer c.store.pool.Put(conn)

	clause, args := c.where(f)
	var out []Document
	err = sqlitex.Execute(conn, "SELECT body FROM documents WHERE "+clause+" ORDER BY seq", &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			doc, err := decodeBytes([]byte(stmt.ColumnText(0)))
			if err != nil {
				return err
			}
			out = append(out, doc)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite find: %w", err)
	}
	return out, nil
}

func (c *sqliteCollection) DeleteOne(ctx context.Context, f Filter) (doc Document, err error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite delete: %w", err)
	}
	defer c.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin transaction: %w", err)
	}
	defer endTransaction(&err)

	clause, args := c.where(f)
	var seq int64
	var body string
	err = sqlitex.Execute(conn, "SELECT seq, body FROM documents WHERE "+clause+" ORDER BY seq LIMIT 1", &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seq = stmt.ColumnInt64(0)
			body = stmt.ColumnText(1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite delete: %w", err)
	}
	if body == "" {
		return nil, ErrNotFound
	}

	if err := sqlitex.Execute(conn, "DELETE FROM documents WHERE seq = ?", &sqlitex.ExecOptions{Args: []any{seq}}); err != nil {
		return nil, fmt.Errorf("sqlite delete: %w", err)
	}
	return decodeBytes([]byte(body))
}

func (c *sqliteCollection) Count(ctx context.Context, f Filter) (int, error) {
	conn, err := c.store.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	defer c.store.pool.Put(conn)

	clause, args := c.where(f)
	var n int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM documents WHERE "+clause, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}
