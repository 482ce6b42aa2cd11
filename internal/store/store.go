// Package store is the durable project/file store. It is authoritative for
// project content; session workspaces are disposable projections of it.
package store

import (
	"context"

	"pkt.systems/codedock/schema"
)

// Store persists projects, files, and collaborator grants.
type Store interface {
	ListFiles(ctx context.Context, projectID schema.ProjectID) ([]schema.ProjectFile, error)
	GetFile(ctx context.Context, projectID schema.ProjectID, path string) (schema.ProjectFile, error)
	SaveFile(ctx context.Context, projectID schema.ProjectID, path, content string, userID schema.UserID) error

	ProjectOwner(ctx context.Context, projectID schema.ProjectID) (schema.UserID, error)
	CollaboratorAccepted(ctx context.Context, projectID schema.ProjectID, userID schema.UserID) (bool, error)

	CreateProject(ctx context.Context, projectID schema.ProjectID, name string, owner schema.UserID) error
	AddFile(ctx context.Context, file schema.ProjectFile) error
	AddCollaborator(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, status string) error

	Close() error
}
