package access

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/codedock/internal/store"
	"pkt.systems/codedock/schema"
)

type stubStore struct {
	store.Store
	owner    schema.UserID
	ownerErr error
	accepted map[schema.UserID]bool
}

func (s stubStore) ProjectOwner(context.Context, schema.ProjectID) (schema.UserID, error) {
	if s.ownerErr != nil {
		return "", s.ownerErr
	}
	return s.owner, nil
}

func (s stubStore) CollaboratorAccepted(_ context.Context, _ schema.ProjectID, userID schema.UserID) (bool, error) {
	return s.accepted[userID], nil
}

func TestOwnerHasAllPermissions(t *testing.T) {
	mgr := NewStoreManager(stubStore{owner: "alice"})
	for _, perm := range []schema.Permission{
		schema.PermissionEditFiles,
		schema.PermissionStartSession,
		schema.PermissionStopSession,
		schema.PermissionExecuteCode,
	} {
		if err := mgr.Require(context.Background(), "p1", "alice", perm); err != nil {
			t.Fatalf("owner denied %s: %v", perm, err)
		}
	}
}

func TestCollaboratorMayEditAndExecuteOnly(t *testing.T) {
	mgr := NewStoreManager(stubStore{owner: "alice", accepted: map[schema.UserID]bool{"bob": true}})
	if err := mgr.Require(context.Background(), "p1", "bob", schema.PermissionEditFiles); err != nil {
		t.Fatalf("collaborator edit denied: %v", err)
	}
	if err := mgr.Require(context.Background(), "p1", "bob", schema.PermissionExecuteCode); err != nil {
		t.Fatalf("collaborator execute denied: %v", err)
	}
	if err := mgr.Require(context.Background(), "p1", "bob", schema.PermissionStartSession); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("collaborator start should be forbidden, got %v", err)
	}
	if err := mgr.Require(context.Background(), "p1", "bob", schema.PermissionStopSession); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("collaborator stop should be forbidden, got %v", err)
	}
}

func TestPendingCollaboratorForbidden(t *testing.T) {
	mgr := NewStoreManager(stubStore{owner: "alice"})
	if err := mgr.Require(context.Background(), "p1", "mallory", schema.PermissionEditFiles); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestUnknownProjectPropagates(t *testing.T) {
	mgr := NewStoreManager(stubStore{ownerErr: schema.ErrProjectNotFound})
	if err := mgr.Require(context.Background(), "nope", "alice", schema.PermissionEditFiles); !errors.Is(err, schema.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}
