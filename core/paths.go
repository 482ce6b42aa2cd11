package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/internal/store"
	"pkt.systems/codedock/schema"
)

// DefaultFilename is written when an edit or run names no file.
const DefaultFilename = "main.py"

// SanitizePath normalizes a user-supplied project-relative path and rejects
// anything that could escape a workspace. Backslashes are rejected outright
// rather than translated; the project tree uses forward slashes only. A
// blank path maps to DefaultFilename.
func SanitizePath(userPath string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		return DefaultFilename, nil
	}
	if strings.ContainsAny(userPath, "\\\x00") {
		return "", fmt.Errorf("%w: %q", schema.ErrInvalidPath, userPath)
	}
	cleaned := userPath
	for strings.Contains(cleaned, "//") {
		cleaned = strings.ReplaceAll(cleaned, "//", "/")
	}
	for _, segment := range strings.Split(cleaned, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: traversal in %q", schema.ErrInvalidPath, userPath)
		}
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return DefaultFilename, nil
	}
	return cleaned, nil
}

// resolveInside joins a sanitized path onto root and verifies, after
// normalization, that the target is still a descendant of root. The check
// runs on the cleaned result so no join shortcut can bypass it.
func resolveInside(root, safePath string) (string, error) {
	target := filepath.Clean(filepath.Join(root, filepath.FromSlash(safePath)))
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return "", fmt.Errorf("%w: %q", schema.ErrInvalidPath, safePath)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes workspace", schema.ErrInvalidPath, safePath)
	}
	return target, nil
}

// FileSync materializes project trees from the durable store into session
// workspaces and keeps them updated on live edits.
type FileSync struct {
	store store.Store
	root  string
}

// NewFileSync constructs a FileSync rooted at workspaceRoot.
func NewFileSync(st store.Store, workspaceRoot string) (*FileSync, error) {
	if strings.TrimSpace(workspaceRoot) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &FileSync{store: st, root: abs}, nil
}

// WorkspacePath returns the on-disk root for a session's workspace.
func (f *FileSync) WorkspacePath(sessionID schema.SessionID) string {
	return filepath.Join(f.root, string(sessionID))
}

// SyncProject writes the whole project tree into a fresh session workspace.
// Folder rows become directories, file rows become UTF-8 files. A single
// file failure is logged and skipped so one bad row cannot block a session.
func (f *FileSync) SyncProject(ctx context.Context, projectID schema.ProjectID, sessionID schema.SessionID) error {
	log := logx.WithProjectSession(ctx, projectID, sessionID)
	workspace := f.WorkspacePath(sessionID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	files, err := f.store.ListFiles(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list project files: %w", err)
	}
	log.Info("workspace sync start", "files", len(files))
	for _, file := range files {
		safePath, err := SanitizePath(file.Path)
		if err != nil {
			log.Warn("workspace sync skipped file", "path", file.Path, "err", err)
			continue
		}
		target, err := resolveInside(workspace, safePath)
		if err != nil {
			log.Warn("workspace sync skipped file", "path", file.Path, "err", err)
			continue
		}
		if file.Type == schema.FileTypeFolder {
			if err := os.MkdirAll(target, 0o700); err != nil {
				log.Warn("workspace sync folder failed", "path", safePath, "err", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			log.Warn("workspace sync file failed", "path", safePath, "err", err)
			continue
		}
		if err := os.WriteFile(target, []byte(file.Content), 0o600); err != nil {
			log.Warn("workspace sync file failed", "path", safePath, "err", err)
		}
	}
	log.Info("workspace sync ok", "files", len(files))
	return nil
}

// WriteFile writes a single file into a session workspace, used by live
// edits while a session is running.
func (f *FileSync) WriteFile(ctx context.Context, sessionID schema.SessionID, userPath, content string) error {
	safePath, err := SanitizePath(userPath)
	if err != nil {
		return err
	}
	workspace := f.WorkspacePath(sessionID)
	target, err := resolveInside(workspace, safePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(content), 0o600)
}

// RemoveWorkspace deletes a session workspace, deepest entries first.
// Individual delete failures are logged and skipped; cleanup must never
// abort halfway.
func (f *FileSync) RemoveWorkspace(ctx context.Context, sessionID schema.SessionID) error {
	log := logx.Ctx(ctx).With("session", sessionID)
	workspace := f.WorkspacePath(sessionID)
	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		return nil
	}
	log.Info("workspace remove start")
	var entries []string
	err := filepath.Walk(workspace, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			log.Warn("workspace walk failed", "path", path, "err", err)
			return nil
		}
		entries = append(entries, path)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(entries)))
	for _, entry := range entries {
		if err := os.Remove(entry); err != nil && !os.IsNotExist(err) {
			log.Warn("workspace delete failed", "path", entry, "err", err)
		}
	}
	log.Info("workspace remove ok")
	return nil
}
