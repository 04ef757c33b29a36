// Package records is the storage layer for personal records. It never
// infers privileges: every operation takes an explicit access.Decision
// computed by the caller, and filters reads and writes with it. A
// record invisible to the caller is indistinguishable from one that
// does not exist.
package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/recallerr"
)

const (
	dirPerm = fs.FileMode(0o700)

	// defaultSearchLimit bounds search results when the caller does
	// not specify a limit.
	defaultSearchLimit = 20
)

// Record is a stored personal record. Scope is empty for unscoped
// records; Restricted marks records only the guardian tier may touch.
type Record struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	Restricted bool      `json:"restricted,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the SQLite-backed record store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	content_fold TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	scope TEXT NOT NULL DEFAULT '',
	restricted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_scope ON records(scope);
`

// DefaultPath returns ~/.recall/recall.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".recall", "recall.db")
}

// Open opens (creating if needed) the record database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening record db: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY
	// churn under concurrent tool calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing record db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// visibilityClause returns the SQL filter expressing what the decision
// may see, with its arguments. ok is false when the decision sees
// nothing at all.
func visibilityClause(d access.Decision) (clause string, args []any, ok bool) {
	switch d.Level {
	case access.LevelGuardian:
		return "1=1", nil, true
	case access.LevelCoding:
		return "restricted = 0 AND scope = ''", nil, true
	case access.LevelScoped:
		return "restricted = 0 AND scope = ?", []any{d.Scope}, true
	default:
		return "", nil, false
	}
}

// Save stores a new record under the caller's decision. Writing a
// record the decision could not read back is refused, so a scoped
// caller can neither plant restricted records nor write into foreign
// scopes.
func (s *Store) Save(ctx context.Context, d access.Decision, rec *Record) error {
	if !d.CanWrite(rec.Restricted, rec.Scope) {
		return recallerr.ErrAccessDenied
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Content = norm.NFC.String(rec.Content)

	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	// content_fold is the case-folded shadow of content. SQLite's
	// lower() only folds ASCII, so the Unicode folding happens here and
	// Search matches against this column.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, content, content_fold, tags, scope, restricted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, strings.ToLower(rec.Content), string(tags), rec.Scope, boolToInt(rec.Restricted),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	return nil
}

// Get returns the record with the given id, or nil when it is absent or
// invisible to the decision. The two cases are indistinguishable. A
// decision that resolved to no tier at all is refused outright rather
// than treated as an empty view.
func (s *Store) Get(ctx context.Context, d access.Decision, id string) (*Record, error) {
	clause, args, ok := visibilityClause(d)
	if !ok {
		return nil, recallerr.ErrAccessDenied
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, tags, scope, restricted, created_at, updated_at
		 FROM records WHERE id = ? AND `+clause,
		append([]any{id}, args...)...,
	)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	return rec, nil
}

// Search returns records visible to the decision whose content matches
// the query, case-insensitively, newest first. No ranking is applied.
func (s *Store) Search(ctx context.Context, d access.Decision, query string, limit int) ([]*Record, error) {
	clause, args, ok := visibilityClause(d)
	if !ok {
		return nil, recallerr.ErrAccessDenied
	}

	if limit <= 0 {
		limit = defaultSearchLimit
	}

	// Normalize to NFC so composed and decomposed forms of the same
	// text match; stored content is normalized the same way on save.
	pattern := "%" + escapeLike(strings.ToLower(norm.NFC.String(query))) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, tags, scope, restricted, created_at, updated_at
		 FROM records
		 WHERE `+clause+` AND content_fold LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC LIMIT ?`,
		append(append([]any{}, args...), pattern, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Forget deletes a record the decision can see. Reports whether a row
// was deleted; for a resolved tier, deleting an absent or invisible
// record reports false without error. An unresolved decision is refused.
func (s *Store) Forget(ctx context.Context, d access.Decision, id string) (bool, error) {
	clause, args, ok := visibilityClause(d)
	if !ok {
		return false, recallerr.ErrAccessDenied
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE id = ? AND `+clause,
		append([]any{id}, args...)...,
	)
	if err != nil {
		return false, fmt.Errorf("deleting record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec        Record
		tags       string
		restricted int
		createdAt  string
		updatedAt  string
	)

	err := sc.Scan(&rec.ID, &rec.Content, &tags, &rec.Scope, &restricted, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}

	rec.Restricted = restricted != 0

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
