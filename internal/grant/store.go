// Package grant persists project-scoped permission decisions. One row per
// (projectPath, toolKind); a new "always" decision overwrites the prior one.
package grant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no grant exists for a key.
var ErrNotFound = errors.New("grant not found")

// Grant is one durable always-allow or always-reject decision.
type Grant struct {
	ID          string `json:"id"`
	ProjectPath string `json:"projectPath"`
	ToolKind    string `json:"toolKind"`
	ToolTitle   string `json:"toolTitle"`
	Granted     bool   `json:"granted"`
	CreatedAt   int64  `json:"createdAt"` // unix millis
}

// Store is a SQLite-backed grant store. Mutations are atomic per key; the
// settings surface and permission interceptor share one Store.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS grants (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	tool_kind    TEXT NOT NULL,
	tool_title   TEXT NOT NULL DEFAULT '',
	granted      INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE(project_path, tool_kind)
);
CREATE INDEX IF NOT EXISTS idx_grants_project ON grants(project_path);
`

// NewStore opens (or creates) the grant database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the grant for (projectPath, toolKind), or ErrNotFound.
func (s *Store) Get(ctx context.Context, projectPath, toolKind string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_path, tool_kind, tool_title, granted, created_at
		 FROM grants WHERE project_path = ? AND tool_kind = ?`,
		NormalizeProject(projectPath), toolKind)

	var g Grant
	var granted int
	err := row.Scan(&g.ID, &g.ProjectPath, &g.ToolKind, &g.ToolTitle, &granted, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query grant: %w", err)
	}
	g.Granted = granted != 0
	return &g, nil
}

// List returns all grants for a project, newest first.
func (s *Store) List(ctx context.Context, projectPath string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_path, tool_kind, tool_title, granted, created_at
		 FROM grants WHERE project_path = ? ORDER BY created_at DESC`,
		NormalizeProject(projectPath))
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var granted int
		if err := rows.Scan(&g.ID, &g.ProjectPath, &g.ToolKind, &g.ToolTitle, &granted, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Granted = granted != 0
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Upsert stores a decision, overwriting any existing row for the same
// (projectPath, toolKind). Last decision wins.
func (s *Store) Upsert(ctx context.Context, g Grant) (*Grant, error) {
	g.ProjectPath = NormalizeProject(g.ProjectPath)
	if g.ID == "" {
		g.ID = ulid.Make().String()
	}
	if g.CreatedAt == 0 {
		g.CreatedAt = time.Now().UnixMilli()
	}

	granted := 0
	if g.Granted {
		granted = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (id, project_path, tool_kind, tool_title, granted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_path, tool_kind) DO UPDATE SET
			tool_title = excluded.tool_title,
			granted    = excluded.granted,
			created_at = excluded.created_at`,
		g.ID, g.ProjectPath, g.ToolKind, g.ToolTitle, granted, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert grant: %w", err)
	}

	// On conflict the original row id survives; read it back.
	return s.Get(ctx, g.ProjectPath, g.ToolKind)
}

// Delete removes a grant by id. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return nil
}

// DeleteAll removes every grant for a project and returns how many rows
// were deleted.
func (s *Store) DeleteAll(ctx context.Context, projectPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE project_path = ?`, NormalizeProject(projectPath))
	if err != nil {
		return 0, fmt.Errorf("delete grants: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NormalizeProject canonicalizes a project path so the same project
// referenced two different ways maps to one key. Case is folded on
// platforms whose filesystems are case-insensitive by default.
func NormalizeProject(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		abs = strings.ToLower(abs)
	}
	return abs
}
