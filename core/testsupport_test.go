package core

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/codedock/internal/sandbox"
	"pkt.systems/codedock/schema"
)

// fakeStore is an in-memory store.Store for tests.
type fakeStore struct {
	mu            sync.Mutex
	files         map[schema.ProjectID]map[string]schema.ProjectFile
	owners        map[schema.ProjectID]schema.UserID
	collaborators map[schema.ProjectID]map[schema.UserID]string
	saves         []savedFile
	saveErr       error
	listErr       error
}

type savedFile struct {
	project schema.ProjectID
	path    string
	content string
	userID  schema.UserID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:         make(map[schema.ProjectID]map[string]schema.ProjectFile),
		owners:        make(map[schema.ProjectID]schema.UserID),
		collaborators: make(map[schema.ProjectID]map[schema.UserID]string),
	}
}

func (f *fakeStore) ListFiles(_ context.Context, projectID schema.ProjectID) ([]schema.ProjectFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []schema.ProjectFile
	for _, file := range f.files[projectID] {
		out = append(out, file)
	}
	return out, nil
}

func (f *fakeStore) GetFile(_ context.Context, projectID schema.ProjectID, path string) (schema.ProjectFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[projectID][path]
	if !ok {
		return schema.ProjectFile{}, fmt.Errorf("%w: %s", schema.ErrFileNotFound, path)
	}
	return file, nil
}

func (f *fakeStore) SaveFile(_ context.Context, projectID schema.ProjectID, path, content string, userID schema.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.files[projectID] == nil {
		f.files[projectID] = make(map[string]schema.ProjectFile)
	}
	f.files[projectID][path] = schema.ProjectFile{ProjectID: projectID, Path: path, Type: schema.FileTypeFile, Content: content}
	f.saves = append(f.saves, savedFile{project: projectID, path: path, content: content, userID: userID})
	return nil
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) lastSave() (savedFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return savedFile{}, false
	}
	return f.saves[len(f.saves)-1], true
}

func (f *fakeStore) ProjectOwner(_ context.Context, projectID schema.ProjectID) (schema.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[projectID]
	if !ok {
		return "", fmt.Errorf("%w: %s", schema.ErrProjectNotFound, projectID)
	}
	return owner, nil
}

func (f *fakeStore) CollaboratorAccepted(_ context.Context, projectID schema.ProjectID, userID schema.UserID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collaborators[projectID][userID] == "ACCEPTED", nil
}

func (f *fakeStore) CreateProject(_ context.Context, projectID schema.ProjectID, _ string, owner schema.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[projectID] = owner
	return nil
}

func (f *fakeStore) AddFile(_ context.Context, file schema.ProjectFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[file.ProjectID] == nil {
		f.files[file.ProjectID] = make(map[string]schema.ProjectFile)
	}
	f.files[file.ProjectID][file.Path] = file
	return nil
}

func (f *fakeStore) AddCollaborator(_ context.Context, projectID schema.ProjectID, userID schema.UserID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collaborators[projectID] == nil {
		f.collaborators[projectID] = make(map[schema.UserID]string)
	}
	f.collaborators[projectID][userID] = status
	return nil
}

func (f *fakeStore) Close() error { return nil }

// allowAllAccess authorizes everything.
type allowAllAccess struct{}

func (allowAllAccess) Require(context.Context, schema.ProjectID, schema.UserID, schema.Permission) error {
	return nil
}

// denyAccess rejects everything with ErrForbidden.
type denyAccess struct{}

func (denyAccess) Require(context.Context, schema.ProjectID, schema.UserID, schema.Permission) error {
	return schema.ErrForbidden
}

// fakeHandle is a minimal sandbox.Handle.
type fakeHandle struct {
	name string
	id   string
}

func (h fakeHandle) Name() string { return h.name }
func (h fakeHandle) ID() string   { return h.id }

// fakeRuntime scripts sandbox.Runtime behavior for tests.
type fakeRuntime struct {
	mu          sync.Mutex
	createErrs  []error
	createSpecs []sandbox.ContainerSpec
	ensureErr   error
	ensureCalls int
	removed     []string
	listHandles []sandbox.Handle
	listErr     error
	execFn      func(spec sandbox.ExecSpec) (sandbox.ExecResult, error)
}

func (r *fakeRuntime) EnsureImage(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureCalls++
	return r.ensureErr
}

func (r *fakeRuntime) Create(_ context.Context, spec sandbox.ContainerSpec) (sandbox.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createSpecs = append(r.createSpecs, spec)
	if len(r.createErrs) > 0 {
		err := r.createErrs[0]
		r.createErrs = r.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return fakeHandle{name: spec.Name, id: "cid-" + spec.Name}, nil
}

func (r *fakeRuntime) Exec(_ context.Context, _ sandbox.Handle, spec sandbox.ExecSpec) (sandbox.ExecResult, error) {
	r.mu.Lock()
	fn := r.execFn
	r.mu.Unlock()
	if fn == nil {
		return sandbox.ExecResult{}, nil
	}
	return fn(spec)
}

func (r *fakeRuntime) Remove(_ context.Context, handle sandbox.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, handle.Name())
	return nil
}

func (r *fakeRuntime) List(context.Context, string) ([]sandbox.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listHandles, r.listErr
}

func (r *fakeRuntime) createCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.createSpecs)
}

func (r *fakeRuntime) removedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.removed))
	copy(out, r.removed)
	return out
}
