// Package sandbox defines the container runtime surface the session
// subsystem depends on. The orchestrator demands resource caps, a workspace
// bind mount, and a process exec mechanism from the runtime; everything
// below that line (kernel isolation, image contents) belongs to the runtime.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrImageMissing indicates the container image is not present locally.
	ErrImageMissing = errors.New("image not found")
	// ErrExecTimeout indicates the exec hit its deadline and was killed.
	ErrExecTimeout = errors.New("exec timed out")
)

// Runtime manages sandbox container lifecycles.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (Handle, error)
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (ExecResult, error)
	Remove(ctx context.Context, handle Handle) error
	List(ctx context.Context, namePrefix string) ([]Handle, error)
}

// Handle represents a created container.
type Handle interface {
	Name() string
	ID() string
}

// ResourceCaps sets hard limits on a sandbox (0 means runtime default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// Mount describes a host directory bind inside a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a detached sandbox container.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Mounts         []Mount
	Resources      ResourceCaps
	DisableNetwork bool
	Labels         map[string]string
}

// ExecSpec describes a command execution inside a running container.
// Stdout receives merged stdout and stderr.
type ExecSpec struct {
	Command    []string
	WorkingDir string
	Stdout     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}
