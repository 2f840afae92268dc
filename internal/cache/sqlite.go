package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"
)

// Schema for the layer store. The chain digest is the primary key;
// INSERT OR IGNORE in Put enforces the append-only, first-write-wins
// discipline at the database level.
const schema = `
CREATE TABLE IF NOT EXISTS layers (
	chain      TEXT PRIMARY KEY,
	parent     TEXT NOT NULL,
	key        TEXT NOT NULL,
	stage      TEXT NOT NULL,
	delta      TEXT NOT NULL,
	diff_id    TEXT NOT NULL,
	size       INTEGER NOT NULL,
	media_type TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// A SQLite-backed layer store, persisted across builds.
type SQLiteStore struct {
	db *sql.DB
}

// Opens (creating if needed) a SQLite layer store at the given path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrStore, err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, chain digest.Digest) (Entry, bool, error) {
	query := `
		SELECT chain, parent, key, stage, delta, diff_id, size, media_type, created_at
		FROM layers WHERE chain = ?
	`

	var e Entry
	var chainStr, parent, key, delta, diffID string
	var createdAt int64

	row := s.db.QueryRowContext(ctx, query, chain.String())
	err := row.Scan(&chainStr, &parent, &key, &e.Stage, &delta, &diffID, &e.Size, &e.MediaType, &createdAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrStore, err)
	}

	e.Chain = digest.Digest(chainStr)
	e.Parent = digest.Digest(parent)
	e.Key = digest.Digest(key)
	e.Delta = digest.Digest(delta)
	e.DiffID = digest.Digest(diffID)
	e.CreatedAt = time.Unix(createdAt, 0)
	return e, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	query := `
		INSERT OR IGNORE INTO layers (chain, parent, key, stage, delta, diff_id, size, media_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.Chain.String(),
		entry.Parent.String(),
		entry.Key.String(),
		entry.Stage,
		entry.Delta.String(),
		entry.DiffID.String(),
		entry.Size,
		entry.MediaType,
		createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) Entries(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT chain, parent, key, stage, delta, diff_id, size, media_type, created_at
		FROM layers ORDER BY created_at DESC, chain
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var chain, parent, key, delta, diffID string
		var createdAt int64

		if err := rows.Scan(&chain, &parent, &key, &e.Stage, &delta, &diffID, &e.Size, &e.MediaType, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}

		e.Chain = digest.Digest(chain)
		e.Parent = digest.Digest(parent)
		e.Key = digest.Digest(key)
		e.Delta = digest.Digest(delta)
		e.DiffID = digest.Digest(diffID)
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return entries, nil
}

func (s *SQLiteStore) Prune(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM layers`)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
