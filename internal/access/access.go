// Package access decides what a user may do to a project.
package access

import (
	"context"
	"fmt"

	"pkt.systems/codedock/internal/store"
	"pkt.systems/codedock/schema"
)

// Manager authorizes project actions.
type Manager interface {
	Require(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, permission schema.Permission) error
}

// StoreManager implements Manager against the durable store: the owner may
// do everything, accepted collaborators may edit and execute, and only the
// owner starts or stops sessions.
type StoreManager struct {
	store store.Store
}

// NewStoreManager constructs a store-backed Manager.
func NewStoreManager(s store.Store) *StoreManager {
	return &StoreManager{store: s}
}

// Require returns nil when the user holds the permission, ErrForbidden when
// not, and ErrProjectNotFound for unknown projects.
func (m *StoreManager) Require(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, permission schema.Permission) error {
	owner, err := m.store.ProjectOwner(ctx, projectID)
	if err != nil {
		return err
	}
	if owner == userID {
		return nil
	}
	switch permission {
	case schema.PermissionStartSession, schema.PermissionStopSession:
		return fmt.Errorf("%w: only the project owner may %s", schema.ErrForbidden, permission)
	case schema.PermissionEditFiles, schema.PermissionExecuteCode:
		accepted, err := m.store.CollaboratorAccepted(ctx, projectID, userID)
		if err != nil {
			return err
		}
		if !accepted {
			return fmt.Errorf("%w: user %s is not an accepted collaborator", schema.ErrForbidden, userID)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown permission %s", schema.ErrForbidden, permission)
	}
}
