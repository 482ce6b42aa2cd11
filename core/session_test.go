package core

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"pkt.systems/codedock/internal/sandbox"
	"pkt.systems/codedock/schema"
)

func newTestSessions(t *testing.T, runtime *fakeRuntime) (*Sessions, *Registry, *fakeStore, *FileSync) {
	t.Helper()
	st := newFakeStore()
	st.CreateProject(context.Background(), "p1", "demo", "alice")
	st.AddFile(context.Background(), schema.ProjectFile{ProjectID: "p1", Path: "main.py", Type: schema.FileTypeFile, Content: "print('hi')\n"})
	files, err := NewFileSync(st, t.TempDir())
	if err != nil {
		t.Fatalf("new file sync: %v", err)
	}
	reg := NewRegistry()
	sessions := NewSessions(reg, runtime, files, allowAllAccess{}, SessionsConfig{
		Image: "python:3.12-slim",
		Resources: sandbox.ResourceCaps{
			MemoryBytes: 512 << 20,
			NanoCPUs:    1_000_000_000,
			PidsLimit:   256,
		},
	})
	return sessions, reg, st, files
}

func TestStartCreatesSandboxedContainer(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, reg, _, files := newTestSessions(t, runtime)

	info, err := sessions.Start(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.ContainerName != ContainerNamePrefix+string(info.SessionID) {
		t.Fatalf("container name %q does not match session %q", info.ContainerName, info.SessionID)
	}
	if _, ok := reg.BySession(info.SessionID); !ok {
		t.Fatalf("session not registered")
	}
	if _, err := os.Stat(files.WorkspacePath(info.SessionID)); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}
	spec := runtime.createSpecs[0]
	if spec.Image != "python:3.12-slim" {
		t.Fatalf("image = %q", spec.Image)
	}
	if len(spec.Command) != 3 || spec.Command[0] != "tail" {
		t.Fatalf("keepalive command = %v", spec.Command)
	}
	if !spec.DisableNetwork {
		t.Fatalf("network must be disabled")
	}
	if spec.Resources.MemoryBytes != 512<<20 || spec.Resources.PidsLimit != 256 {
		t.Fatalf("resource caps not applied: %+v", spec.Resources)
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Target != "/workspace" {
		t.Fatalf("workspace mount = %+v", spec.Mounts)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, _, _, _ := newTestSessions(t, runtime)

	first, err := sessions.Start(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := sessions.Start(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("second start created a new session: %v vs %v", first.SessionID, second.SessionID)
	}
	if runtime.createCount() != 1 {
		t.Fatalf("expected one container create, got %d", runtime.createCount())
	}
}

func TestStartConcurrentCallersShareOneSession(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, _, _, _ := newTestSessions(t, runtime)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan schema.SessionID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := sessions.Start(context.Background(), "p1", "alice")
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			results <- info.SessionID
		}()
	}
	wg.Wait()
	close(results)
	seen := make(map[schema.SessionID]bool)
	for id := range results {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one shared session, got %d", len(seen))
	}
	if runtime.createCount() != 1 {
		t.Fatalf("expected one container create, got %d", runtime.createCount())
	}
}

func TestStartPullsMissingImageOnce(t *testing.T) {
	runtime := &fakeRuntime{createErrs: []error{sandbox.ErrImageMissing}}
	sessions, _, _, _ := newTestSessions(t, runtime)

	if _, err := sessions.Start(context.Background(), "p1", "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if runtime.ensureCalls != 1 {
		t.Fatalf("expected one pull, got %d", runtime.ensureCalls)
	}
	if runtime.createCount() != 2 {
		t.Fatalf("expected create retry after pull, got %d creates", runtime.createCount())
	}
}

func TestStartPullFailureIsTerminal(t *testing.T) {
	runtime := &fakeRuntime{
		createErrs: []error{sandbox.ErrImageMissing},
		ensureErr:  errors.New("registry unreachable"),
	}
	sessions, reg, _, files := newTestSessions(t, runtime)

	_, err := sessions.Start(context.Background(), "p1", "alice")
	if !errors.Is(err, schema.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}
	if len(reg.Sessions()) != 0 {
		t.Fatalf("failed start must not register a session")
	}
	entries, readErr := os.ReadDir(files.root)
	if readErr != nil {
		t.Fatalf("read workspace root: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("failed start must roll the workspace back, found %v", entries)
	}
}

func TestStartCreateFailureRollsBack(t *testing.T) {
	runtime := &fakeRuntime{createErrs: []error{errors.New("daemon down")}}
	sessions, reg, _, files := newTestSessions(t, runtime)

	_, err := sessions.Start(context.Background(), "p1", "alice")
	if !errors.Is(err, schema.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}
	if len(reg.Sessions()) != 0 {
		t.Fatalf("failed start must not register a session")
	}
	entries, readErr := os.ReadDir(files.root)
	if readErr != nil {
		t.Fatalf("read workspace root: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace should be rolled back, found %v", entries)
	}
}

func TestStopTearsDownSession(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, reg, _, files := newTestSessions(t, runtime)

	info, err := sessions.Start(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sessions.Stop(context.Background(), info.SessionID, "alice"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := reg.ByProject("p1"); ok {
		t.Fatalf("session still registered after stop")
	}
	removed := runtime.removedNames()
	if len(removed) != 1 || removed[0] != info.ContainerName {
		t.Fatalf("removed = %v, want [%s]", removed, info.ContainerName)
	}
	if _, err := os.Stat(files.WorkspacePath(info.SessionID)); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone")
	}
}

func TestStopUnknownSessionIsNoop(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, _, _, _ := newTestSessions(t, runtime)
	if err := sessions.Stop(context.Background(), "never-started", "alice"); err != nil {
		t.Fatalf("stop unknown session: %v", err)
	}
	if len(runtime.removedNames()) != 0 {
		t.Fatalf("nothing should be removed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, _, _, _ := newTestSessions(t, runtime)
	info, err := sessions.Start(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sessions.Stop(context.Background(), info.SessionID, "alice"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sessions.Stop(context.Background(), info.SessionID, "alice"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if removed := runtime.removedNames(); len(removed) != 1 {
		t.Fatalf("second stop must not remove again, removed = %v", removed)
	}
}

func TestStartDeniedWithoutPermission(t *testing.T) {
	runtime := &fakeRuntime{}
	st := newFakeStore()
	files, err := NewFileSync(st, t.TempDir())
	if err != nil {
		t.Fatalf("new file sync: %v", err)
	}
	sessions := NewSessions(NewRegistry(), runtime, files, denyAccess{}, SessionsConfig{Image: "img"})
	if _, err := sessions.Start(context.Background(), "p1", "mallory"); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if runtime.createCount() != 0 {
		t.Fatalf("denied start must not touch the runtime")
	}
}

func TestCleanupOrphansSkipsLiveSessions(t *testing.T) {
	runtime := &fakeRuntime{}
	sessions, _, _, _ := newTestSessions(t, runtime)

	info, err := sessions.Start(context.Background(), "p1", "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	runtime.listHandles = []sandbox.Handle{
		fakeHandle{name: info.ContainerName, id: "live"},
		fakeHandle{name: "session_dead1", id: "d1"},
		fakeHandle{name: "session_dead2", id: "d2"},
		fakeHandle{name: "unrelated", id: "u"},
	}
	sessions.CleanupOrphans(context.Background())
	removed := runtime.removedNames()
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want the two dead sessions", removed)
	}
	for _, name := range removed {
		if name == info.ContainerName || name == "unrelated" {
			t.Fatalf("removed %q which must be kept", name)
		}
	}
}
