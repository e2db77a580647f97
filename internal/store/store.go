// Package store persists entries and their chunks in SQLite. It backs the
// update_entry and create_chunks host imports.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/keystroke-tools/hub/internal/store/migrations"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var (
	// ErrNotFound is returned for an unknown entry.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidChunks is returned when a chunk set is malformed.
	ErrInvalidChunks = errors.New("invalid chunk set")
)

// Record is a stored entry with its derived fields.
type Record struct {
	ID        string
	Name      string
	URL       string
	Type      protocol.EntryType
	Content   protocol.Content
	Checksum  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is an SQLite entry and chunk store.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path and applies pending
// migrations. MemoryPath opens an in-memory database.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(context.Background(), migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, s.now().Unix()); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// CreateEntry inserts e, or refreshes its name, URL and type when an entry
// with the same ID exists. Derived fields are left untouched.
func (s *Store) CreateEntry(ctx context.Context, e protocol.Entry) error {
	if e.ID == "" {
		return fmt.Errorf("saving entry: empty id")
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, name, url, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			type = excluded.type,
			updated_at = excluded.updated_at
	`, e.ID, e.Name, e.URL, e.Type.String(), now, now)
	if err != nil {
		return fmt.Errorf("saving entry %s: %w", e.ID, err)
	}
	return nil
}

// GetEntry returns the entry with id.
func (s *Store) GetEntry(ctx context.Context, id string) (*Record, error) {
	var (
		r                Record
		typ              string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, type, markdown, plain_text, checksum, created_at, updated_at
		FROM entries WHERE id = ?
	`, id).Scan(&r.ID, &r.Name, &r.URL, &typ, &r.Content.Markdown, &r.Content.PlainText, &r.Checksum, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	if r.Type, err = protocol.ParseEntryType(typ); err != nil {
		return nil, fmt.Errorf("getting entry %s: %w", id, err)
	}
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}

// UpdateEntry applies the non-nil fields of opts.
func (s *Store) UpdateEntry(ctx context.Context, opts protocol.UpdateEntryOpts) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now().UnixMilli()}
	if opts.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *opts.Name)
	}
	if opts.Content != nil {
		sets = append(sets, "markdown = ?", "plain_text = ?")
		args = append(args, opts.Content.Markdown, opts.Content.PlainText)
	}
	if opts.Checksum != nil {
		sets = append(sets, "checksum = ?")
		args = append(args, *opts.Checksum)
	}
	args = append(args, opts.ID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE entries SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating entry %s: %w", opts.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating entry %s: %w", opts.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, opts.ID)
	}
	return nil
}

// checkChunks verifies that every chunk belongs to entryID and that the
// indices run densely from zero.
func checkChunks(entryID string, chunks []protocol.Chunk) ([]protocol.Chunk, error) {
	sorted := make([]protocol.Chunk, len(chunks))
	copy(sorted, chunks)
	for _, c := range sorted {
		if c.EntryID != entryID {
			return nil, fmt.Errorf("%w: chunk %d belongs to entry %q, not %q", ErrInvalidChunks, c.Index, c.EntryID, entryID)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for i, c := range sorted {
		if c.Index != int32(i) {
			return nil, fmt.Errorf("%w: entry %s: expected index %d, got %d", ErrInvalidChunks, entryID, i, c.Index)
		}
	}
	return sorted, nil
}

// CreateChunks replaces the chunk set of entryID with chunks in one
// transaction. An empty chunks clears the set. On error nothing changes.
func (s *Store) CreateChunks(ctx context.Context, entryID string, chunks []protocol.Chunk) (int, error) {
	if entryID == "" {
		return 0, fmt.Errorf("%w: no entry id", ErrInvalidChunks)
	}
	sorted, err := checkChunks(entryID, chunks)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE id = ?", entryID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking entry %s: %w", entryID, err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE entry_id = ?", entryID); err != nil {
		return 0, fmt.Errorf("clearing chunks of %s: %w", entryID, err)
	}

	if len(sorted) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (entry_id, idx, minimum_version, content, language)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range sorted {
			if _, err := stmt.ExecContext(ctx, entryID, c.Index, c.MinimumVersion, c.Content, c.Language); err != nil {
				return 0, fmt.Errorf("inserting chunk %d of %s: %w", c.Index, entryID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing chunks: %w", err)
	}
	return len(sorted), nil
}

// ListChunks returns the chunks of entryID in index order.
func (s *Store) ListChunks(ctx context.Context, entryID string) ([]protocol.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, idx, minimum_version, content, language
		FROM chunks WHERE entry_id = ? ORDER BY idx
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks of %s: %w", entryID, err)
	}
	defer rows.Close()

	var chunks []protocol.Chunk
	for rows.Next() {
		var c protocol.Chunk
		if err := rows.Scan(&c.EntryID, &c.Index, &c.MinimumVersion, &c.Content, &c.Language); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
