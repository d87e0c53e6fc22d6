package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS buda_documents (
	id         BIGSERIAL PRIMARY KEY,
	collection TEXT NOT NULL,
	body       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS buda_documents_collection ON buda_documents (collection, id);`

// PostgresStore keeps every collection in a single JSONB table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with a postgres:// URL and creates the table.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Collection(name string) Collection {
	return &postgresCollection{db: s.db, name: name}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresCollection struct {
	db   *sql.DB
	name string
}

func (c *postgresCollection) Name() string {
	return c.name
}

func (c *postgresCollection) InsertMany(ctx context.Context, docs []Document) error {
	if err := validCollection(c.name); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range docs {
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encoding document: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO buda_documents (collection, body) VALUES ($1, $2)", c.name, string(body)); err != nil {
			return fmt.Errorf("postgres insert: %w", err)
		}
	}
	return tx.Commit()
}

// where renders the filter; the dotted field becomes a text[] path.
func (c *postgresCollection) where(f Filter) (string, []any) {
	if f.Field == "" {
		return "collection = $1", []any{c.name}
	}
	path := "{" + strings.ReplaceAll(f.Field, ".", ",") + "}"
	return "collection = $1 AND body #>> $2::text[] = $3", []any{c.name, path, fmt.Sprint(f.Value)}
}

func (c *postgresCollection) Find(ctx context.Context, f Filter) ([]Document, error) {
	clause, args := c.where(f)
	rows, err := c.db.QueryContext(ctx, "SELECT body FROM buda_documents WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("postgres find: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres scan: %w", err)
		}
		doc, err := decodeBytes(body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (c *postgresCollection) DeleteOne(ctx context.Context, f Filter) (Document, error) {
	clause, args := c.where(f)
	q := "DELETE FROM buda_documents WHERE id = (SELECT id FROM buda_documents WHERE " + clause + " ORDER BY id LIMIT 1) RETURNING body"
	var body []byte
	if err := c.db.QueryRowContext(ctx, q, args...).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres delete: %w", err)
	}
	return decodeBytes(body)
}

func (c *postgresCollection) Count(ctx context.Context, f Filter) (int, error) {
	clause, args := c.where(f)
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM buda_documents WHERE "+clause, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres count: %w", err)
	}
	return n, nil
}
