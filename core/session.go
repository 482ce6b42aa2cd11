package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/codedock/internal/access"
	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/internal/sandbox"
	"pkt.systems/codedock/schema"
)

// ContainerNamePrefix marks containers owned by this service. Orphan
// cleanup matches on it after an unclean shutdown.
const ContainerNamePrefix = "session_"

// SessionsConfig carries the sandbox parameters applied to every session
// container.
type SessionsConfig struct {
	Image     string
	Resources sandbox.ResourceCaps
}

// Sessions manages execution session lifecycles: workspace sync, container
// creation, registration, teardown. Start is idempotent per project and
// rolls back partial work on failure.
type Sessions struct {
	registry *Registry
	runtime  sandbox.Runtime
	files    *FileSync
	access   access.Manager
	cfg      SessionsConfig

	mu       sync.Mutex
	starting map[schema.ProjectID]*sync.Mutex
}

// NewSessions constructs a lifecycle manager.
func NewSessions(registry *Registry, runtime sandbox.Runtime, files *FileSync, accessMgr access.Manager, cfg SessionsConfig) *Sessions {
	return &Sessions{
		registry: registry,
		runtime:  runtime,
		files:    files,
		access:   accessMgr,
		cfg:      cfg,
		starting: make(map[schema.ProjectID]*sync.Mutex),
	}
}

// projectMutex returns the per-project start mutex, creating it on first use.
func (s *Sessions) projectMutex(projectID schema.ProjectID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.starting[projectID]
	if !ok {
		m = &sync.Mutex{}
		s.starting[projectID] = m
	}
	return m
}

// Start returns the project's live session, creating one if none exists.
// Concurrent callers for the same project serialize on a per-project mutex;
// exactly one creates, the rest observe it. A missing image is pulled once
// and creation retried; a second failure is terminal.
func (s *Sessions) Start(ctx context.Context, projectID schema.ProjectID, userID schema.UserID) (schema.SessionInfo, error) {
	if err := s.access.Require(ctx, projectID, userID, schema.PermissionStartSession); err != nil {
		return schema.SessionInfo{}, err
	}
	if info, ok := s.registry.ByProject(projectID); ok {
		return info, nil
	}

	m := s.projectMutex(projectID)
	m.Lock()
	defer m.Unlock()
	if info, ok := s.registry.ByProject(projectID); ok {
		return info, nil
	}

	sessionID := schema.SessionID(newSessionID())
	containerName := ContainerNamePrefix + string(sessionID)
	log := logx.WithProjectSession(ctx, projectID, sessionID).With("container", containerName)
	log.Info("session start")

	if err := s.files.SyncProject(ctx, projectID, sessionID); err != nil {
		return schema.SessionInfo{}, fmt.Errorf("sync workspace: %w", err)
	}

	handle, err := s.createContainer(ctx, containerName, sessionID)
	if err != nil {
		s.rollback(ctx, sessionID, nil)
		log.Error("session start failed", "err", err)
		return schema.SessionInfo{}, err
	}

	info := schema.SessionInfo{
		SessionID:     sessionID,
		ContainerName: containerName,
		ProjectID:     projectID,
		OwnerUserID:   userID,
		CreatedAt:     time.Now(),
	}
	if !s.registry.Register(info) {
		// Another session won the project slot despite the per-project
		// mutex. Tear down ours and return the winner.
		s.rollback(ctx, sessionID, handle)
		existing, _ := s.registry.ByProject(projectID)
		return existing, nil
	}
	log.Info("session start ok")
	return info, nil
}

// createContainer creates and starts the session sandbox, pulling the image
// once if it is missing.
func (s *Sessions) createContainer(ctx context.Context, containerName string, sessionID schema.SessionID) (sandbox.Handle, error) {
	spec := sandbox.ContainerSpec{
		Name:  containerName,
		Image: s.cfg.Image,
		// The keepalive holds pid 1 so exec'd runs have a live target.
		Command: []string{"tail", "-f", "/dev/null"},
		Mounts: []sandbox.Mount{{
			Source: s.files.WorkspacePath(sessionID),
			Target: "/workspace",
		}},
		Resources:      s.cfg.Resources,
		DisableNetwork: true,
	}
	handle, err := s.runtime.Create(ctx, spec)
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, sandbox.ErrImageMissing) {
		return nil, fmt.Errorf("%w: create container: %v", schema.ErrInfrastructure, err)
	}
	log := logx.Ctx(ctx).With("image", s.cfg.Image)
	log.Info("image pull start")
	if pullErr := s.runtime.EnsureImage(ctx, s.cfg.Image); pullErr != nil {
		return nil, fmt.Errorf("%w: pull image: %v", schema.ErrInfrastructure, pullErr)
	}
	log.Info("image pull ok")
	handle, err = s.runtime.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create container after pull: %v", schema.ErrInfrastructure, err)
	}
	return handle, nil
}

// rollback tears down the partial artifacts of a failed start. Every step
// is best effort; rollback must never compound the original failure.
func (s *Sessions) rollback(ctx context.Context, sessionID schema.SessionID, handle sandbox.Handle) {
	cleanupCtx := context.WithoutCancel(ctx)
	log := logx.Ctx(ctx).With("session", sessionID)
	if handle != nil {
		if err := s.runtime.Remove(cleanupCtx, handle); err != nil {
			log.Warn("rollback container remove failed", "err", err)
		}
	}
	if err := s.files.RemoveWorkspace(cleanupCtx, sessionID); err != nil {
		log.Warn("rollback workspace remove failed", "err", err)
	}
}

// Stop tears down a session by id. An unknown or already-stopped id is a
// no-op. The container and workspace are removed even if either step
// fails; the registry entry always goes.
func (s *Sessions) Stop(ctx context.Context, sessionID schema.SessionID, requesterID schema.UserID) error {
	info, ok := s.registry.BySession(sessionID)
	if !ok {
		return nil
	}
	if err := s.access.Require(ctx, info.ProjectID, requesterID, schema.PermissionStopSession); err != nil {
		return err
	}
	log := logx.WithProjectSession(ctx, info.ProjectID, info.SessionID)
	log.Info("session stop")
	if err := s.runtime.Remove(ctx, containerHandle{name: info.ContainerName}); err != nil {
		log.Warn("container remove failed", "err", err)
	}
	if err := s.files.RemoveWorkspace(ctx, info.SessionID); err != nil {
		log.Warn("workspace remove failed", "err", err)
	}
	s.registry.Remove(info.SessionID)
	log.Info("session stop ok")
	return nil
}

// CleanupOrphans force-removes containers left behind by an unclean
// shutdown. Containers belonging to registered sessions are skipped.
func (s *Sessions) CleanupOrphans(ctx context.Context) {
	log := logx.Ctx(ctx)
	handles, err := s.runtime.List(ctx, ContainerNamePrefix)
	if err != nil {
		log.Warn("orphan scan failed", "err", err)
		return
	}
	live := make(map[string]bool)
	for _, info := range s.registry.Sessions() {
		live[info.ContainerName] = true
	}
	removed := 0
	for _, handle := range handles {
		if live[handle.Name()] || !strings.HasPrefix(handle.Name(), ContainerNamePrefix) {
			continue
		}
		if err := s.runtime.Remove(ctx, handle); err != nil {
			log.Warn("orphan remove failed", "container", handle.Name(), "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("orphan cleanup ok", "removed", removed)
	}
}
