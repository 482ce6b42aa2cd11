package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pkt.systems/codedock/schema"
	"pkt.systems/pslog"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_user_id TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS project_files (
	project_id TEXT NOT NULL REFERENCES projects(id),
	path TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT,
	updated_by TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (project_id, path)
);
CREATE TABLE IF NOT EXISTS collaborators (
	project_id TEXT NOT NULL REFERENCES projects(id),
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	PRIMARY KEY (project_id, user_id)
);
`

// SQLite implements Store on an embedded sqlite database.
type SQLite struct {
	db  *sql.DB
	log pslog.Logger
}

// OpenSQLite opens (and if needed bootstraps) the database at path.
func OpenSQLite(path string, logger pslog.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap store schema: %w", err)
	}
	if logger != nil {
		logger = logger.With("store_path", path)
	}
	return &SQLite{db: db, log: logger}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListFiles returns every file and folder row for the project.
func (s *SQLite) ListFiles(ctx context.Context, projectID schema.ProjectID) ([]schema.ProjectFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, type, COALESCE(content, '') FROM project_files WHERE project_id = ? ORDER BY path`,
		string(projectID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []schema.ProjectFile
	for rows.Next() {
		file := schema.ProjectFile{ProjectID: projectID}
		var fileType string
		if err := rows.Scan(&file.Path, &fileType, &file.Content); err != nil {
			return nil, err
		}
		file.Type = schema.FileType(fileType)
		out = append(out, file)
	}
	return out, rows.Err()
}

// GetFile returns a single file row.
func (s *SQLite) GetFile(ctx context.Context, projectID schema.ProjectID, path string) (schema.ProjectFile, error) {
	file := schema.ProjectFile{ProjectID: projectID, Path: path}
	var fileType string
	err := s.db.QueryRowContext(ctx,
		`SELECT type, COALESCE(content, '') FROM project_files WHERE project_id = ? AND path = ?`,
		string(projectID), path).Scan(&fileType, &file.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.ProjectFile{}, fmt.Errorf("%w: %s", schema.ErrFileNotFound, path)
	}
	if err != nil {
		return schema.ProjectFile{}, err
	}
	file.Type = schema.FileType(fileType)
	return file, nil
}

// SaveFile upserts file content.
func (s *SQLite) SaveFile(ctx context.Context, projectID schema.ProjectID, path, content string, userID schema.UserID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_files (project_id, path, type, content, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, path)
		 DO UPDATE SET content = excluded.content, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		string(projectID), path, string(schema.FileTypeFile), content, string(userID), now)
	if err != nil && s.log != nil {
		s.log.Warn("file save failed", "project", projectID, "path", path, "err", err)
	}
	return err
}

// ProjectOwner returns the owner of the project.
func (s *SQLite) ProjectOwner(ctx context.Context, projectID schema.ProjectID) (schema.UserID, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_user_id FROM projects WHERE id = ?`, string(projectID)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", schema.ErrProjectNotFound
	}
	if err != nil {
		return "", err
	}
	return schema.UserID(owner), nil
}

// CollaboratorAccepted reports whether the user is an accepted collaborator.
func (s *SQLite) CollaboratorAccepted(ctx context.Context, projectID schema.ProjectID, userID schema.UserID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM collaborators WHERE project_id = ? AND user_id = ? AND status = 'ACCEPTED'`,
		string(projectID), string(userID)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateProject inserts a project row.
func (s *SQLite) CreateProject(ctx context.Context, projectID schema.ProjectID, name string, owner schema.UserID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, owner_user_id, created_at) VALUES (?, ?, ?, ?)`,
		string(projectID), name, string(owner), now)
	return err
}

// AddFile inserts a file or folder row.
func (s *SQLite) AddFile(ctx context.Context, file schema.ProjectFile) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_files (project_id, path, type, content, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, path)
		 DO UPDATE SET type = excluded.type, content = excluded.content, updated_at = excluded.updated_at`,
		string(file.ProjectID), file.Path, string(file.Type), file.Content, now)
	return err
}

// AddCollaborator inserts or updates a collaborator grant.
func (s *SQLite) AddCollaborator(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collaborators (project_id, user_id, status) VALUES (?, ?, ?)
		 ON CONFLICT (project_id, user_id) DO UPDATE SET status = excluded.status`,
		string(projectID), string(userID), status)
	return err
}
