package schema

import "time"

// ProjectID identifies a project.
type ProjectID string

// SessionID identifies an execution session.
type SessionID string

// UserID identifies a user.
type UserID string

// FileType distinguishes files from folders in a project tree.
type FileType string

const (
	// FileTypeFile is a regular file with text content.
	FileTypeFile FileType = "FILE"
	// FileTypeFolder is a directory entry with no content.
	FileTypeFolder FileType = "FOLDER"
)

// ProjectFile is a durable project tree entry. The store is authoritative;
// any workspace on disk is a disposable projection of it.
type ProjectFile struct {
	ProjectID ProjectID
	Path      string
	Type      FileType
	Content   string
}

// SessionInfo is the live binding between a project and its sandbox.
type SessionInfo struct {
	SessionID     SessionID
	ContainerName string
	ProjectID     ProjectID
	OwnerUserID   UserID
	CreatedAt     time.Time
}

// Permission names an action a user may be granted on a project.
type Permission string

const (
	// PermissionEditFiles allows editing project files.
	PermissionEditFiles Permission = "edit_files"
	// PermissionStartSession allows starting the project's sandbox.
	PermissionStartSession Permission = "start_session"
	// PermissionStopSession allows stopping the project's sandbox.
	PermissionStopSession Permission = "stop_session"
	// PermissionExecuteCode allows running code in the sandbox.
	PermissionExecuteCode Permission = "execute_code"
)
