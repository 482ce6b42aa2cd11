package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/codedock/internal/access"
	"pkt.systems/codedock/internal/eventbus"
	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/schema"
)

// Service is the execution-subsystem facade. Run requests enter here and
// leave only as broadcast events; no error crosses this boundary back to
// the transport.
type Service struct {
	registry    *Registry
	sessions    *Sessions
	pipeline    *RunPipeline
	coordinator *Coordinator
	saves       *DebouncedSaves
	files       *FileSync
	lock        *ExecLock
	limiter     *RateLimiter
	bus         *eventbus.Bus
	access      access.Manager
	maxEdit     int
}

// ServiceConfig carries the orchestration knobs.
type ServiceConfig struct {
	MaxEditBytes int
}

// NewService wires the execution subsystem together.
func NewService(
	registry *Registry,
	sessions *Sessions,
	pipeline *RunPipeline,
	coordinator *Coordinator,
	saves *DebouncedSaves,
	files *FileSync,
	lock *ExecLock,
	limiter *RateLimiter,
	bus *eventbus.Bus,
	accessMgr access.Manager,
	cfg ServiceConfig,
) *Service {
	if cfg.MaxEditBytes <= 0 {
		cfg.MaxEditBytes = 1 << 20
	}
	return &Service{
		registry:    registry,
		sessions:    sessions,
		pipeline:    pipeline,
		coordinator: coordinator,
		saves:       saves,
		files:       files,
		lock:        lock,
		limiter:     limiter,
		bus:         bus,
		access:      accessMgr,
		maxEdit:     cfg.MaxEditBytes,
	}
}

// StartSession starts (or returns) the project's live session.
func (s *Service) StartSession(ctx context.Context, projectID schema.ProjectID, userID schema.UserID) (schema.SessionInfo, error) {
	return s.sessions.Start(ctx, projectID, userID)
}

// StopSession stops a session by id; unknown ids are a no-op.
func (s *Service) StopSession(ctx context.Context, sessionID schema.SessionID, userID schema.UserID) error {
	return s.sessions.Stop(ctx, sessionID, userID)
}

// Session returns the project's live session.
func (s *Service) Session(projectID schema.ProjectID) (schema.SessionInfo, bool) {
	return s.registry.ByProject(projectID)
}

// Subscribe attaches a run-event listener for the project.
func (s *Service) Subscribe(projectID schema.ProjectID) (<-chan schema.RunEvent, func()) {
	return s.bus.Subscribe(projectID)
}

// CleanupOrphans removes sandbox containers with no registered session.
func (s *Service) CleanupOrphans(ctx context.Context) {
	s.sessions.CleanupOrphans(ctx)
}

// Close flushes nothing and stops the debounce timers.
func (s *Service) Close() {
	s.saves.Close()
}

// ScheduleEdit validates an edit, schedules its debounced persistence, and
// writes it through to the live session workspace when one exists so a run
// issued immediately after sees the new content on disk.
func (s *Service) ScheduleEdit(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, path, content string) error {
	if err := s.access.Require(ctx, projectID, userID, schema.PermissionEditFiles); err != nil {
		return err
	}
	if len(content) > s.maxEdit {
		return fmt.Errorf("%w: %d bytes exceeds %d", schema.ErrPayloadTooLarge, len(content), s.maxEdit)
	}
	if err := s.saves.ScheduleSave(ctx, projectID, path, content, userID); err != nil {
		return err
	}
	if info, ok := s.registry.ByProject(projectID); ok {
		if err := s.files.WriteFile(ctx, info.SessionID, path, content); err != nil {
			logx.WithProjectSession(ctx, projectID, info.SessionID).Warn("live write-through failed", "path", path, "err", err)
		}
	}
	return nil
}

// HandleRun processes a run request end to end. Every outcome, success or
// failure, surfaces as broadcast events; HandleRun itself never returns an
// error to its caller.
func (s *Service) HandleRun(ctx context.Context, projectID schema.ProjectID, userID schema.UserID, filename string, timeout time.Duration) {
	log := logx.WithProject(ctx, projectID).With("user", userID)

	if err := s.access.Require(ctx, projectID, userID, schema.PermissionExecuteCode); err != nil {
		s.broadcastError(projectID, "", userID, "You do not have permission to execute code in this project.")
		log.Warn("run denied", "err", err)
		return
	}
	info, ok := s.registry.ByProject(projectID)
	if !ok {
		s.broadcastError(projectID, "", userID, "No active session. Start a session before running code.")
		return
	}
	if !s.lock.TryAcquire(projectID) {
		s.broadcastError(projectID, info.SessionID, userID, "Another execution is already in progress.")
		return
	}
	if !s.limiter.Allow(projectID) {
		s.lock.Release(projectID)
		s.broadcastError(projectID, info.SessionID, userID, "Execution rate limit reached. Try again shortly.")
		return
	}
	defer s.lock.Release(projectID)

	s.coordinator.FlushBeforeExecution(ctx, projectID)

	s.bus.Broadcast(projectID, schema.RunEvent{
		Kind:        schema.RunStarted,
		ProjectID:   projectID,
		SessionID:   info.SessionID,
		TriggeredBy: userID,
	})

	exitCode, err := s.pipeline.Run(ctx, info.SessionID, filename, timeout, func(line string) {
		s.bus.Broadcast(projectID, schema.RunEvent{
			Kind:        schema.RunOutput,
			ProjectID:   projectID,
			SessionID:   info.SessionID,
			TriggeredBy: userID,
			Output:      line,
		})
	})

	switch {
	case errors.Is(err, schema.ErrExecutionTimeout):
		s.bus.Broadcast(projectID, schema.RunEvent{
			Kind:        schema.RunFinished,
			ProjectID:   projectID,
			SessionID:   info.SessionID,
			TriggeredBy: userID,
			ExitCode:    &exitCode,
		})
	case err != nil:
		s.broadcastError(projectID, info.SessionID, userID, "Execution failed.")
		log.Error("run failed", "err", err)
	default:
		s.bus.Broadcast(projectID, schema.RunEvent{
			Kind:        schema.RunFinished,
			ProjectID:   projectID,
			SessionID:   info.SessionID,
			TriggeredBy: userID,
			ExitCode:    &exitCode,
		})
	}
}

func (s *Service) broadcastError(projectID schema.ProjectID, sessionID schema.SessionID, userID schema.UserID, message string) {
	s.bus.Broadcast(projectID, schema.RunEvent{
		Kind:        schema.RunError,
		ProjectID:   projectID,
		SessionID:   sessionID,
		TriggeredBy: userID,
		Message:     message,
	})
}
