package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists the mapping in a Postgres table, one JSONB document
// per key.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS library_entries (
	key TEXT PRIMARY KEY,
	entry JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure library schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (map[string]LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, entry FROM library_entries`)
	if err != nil {
		return nil, fmt.Errorf("query library entries: %w", err)
	}
	defer rows.Close()

	entries := map[string]LibraryEntry{}
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan library entry: %w", err)
		}
		var e LibraryEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode library entry %s: %w", key, err)
		}
		entries[key] = e
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Put(ctx context.Context, entry LibraryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode library entry: %w", err)
	}
	query := `INSERT INTO library_entries (key, entry, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET
	entry = EXCLUDED.entry,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.db.ExecContext(ctx, query, entry.Key, raw); err != nil {
		return fmt.Errorf("upsert library entry %s: %w", entry.Key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM library_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete library entry %s: %w", key, err)
	}
	return nil
}
