package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/internal/sandbox"
	"pkt.systems/codedock/schema"
)

// DefaultMaxOutputBytes caps how much combined stdout and stderr a single
// run may stream before the rest is discarded.
const DefaultMaxOutputBytes = 128 << 10

const truncationMarker = "[Output truncated]"

// RunPipeline executes a project file inside a live session's container and
// streams its merged output line by line.
type RunPipeline struct {
	registry       *Registry
	runtime        sandbox.Runtime
	maxOutputBytes int
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewRunPipeline constructs a pipeline. Zero values fall back to defaults.
func NewRunPipeline(registry *Registry, runtime sandbox.Runtime, maxOutputBytes int, defaultTimeout, maxTimeout time.Duration) *RunPipeline {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if maxTimeout <= 0 {
		maxTimeout = 120 * time.Second
	}
	return &RunPipeline{
		registry:       registry,
		runtime:        runtime,
		maxOutputBytes: maxOutputBytes,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
}

// SanitizeRunFilename normalizes a requested run target into a safe
// workspace-relative Python file name. Control characters and traversal
// segments are stripped rather than rejected; a run request should degrade
// to something executable, not fail on cosmetics.
func SanitizeRunFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '\x00':
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	for strings.Contains(cleaned, "..") {
		cleaned = strings.ReplaceAll(cleaned, "..", "")
	}
	for strings.Contains(cleaned, "//") {
		cleaned = strings.ReplaceAll(cleaned, "//", "/")
	}
	cleaned = strings.TrimLeft(cleaned, "/")
	if cleaned == "" {
		return DefaultFilename
	}
	if !strings.HasSuffix(cleaned, ".py") {
		cleaned += ".py"
	}
	return cleaned
}

// clampTimeout maps a requested per-run timeout into the allowed range.
func (p *RunPipeline) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return p.defaultTimeout
	}
	if requested > p.maxTimeout {
		return p.maxTimeout
	}
	return requested
}

// Run executes filename with the session container's Python interpreter and
// feeds each completed output line to onLine. On timeout the container's
// processes are killed, a marker line is emitted, and the result carries
// exit code -1 alongside ErrExecutionTimeout.
func (p *RunPipeline) Run(ctx context.Context, sessionID schema.SessionID, filename string, timeout time.Duration, onLine func(string)) (int, error) {
	info, ok := p.registry.BySession(sessionID)
	if !ok {
		return -1, fmt.Errorf("%w: %s", schema.ErrSessionNotFound, sessionID)
	}
	target := SanitizeRunFilename(filename)
	timeout = p.clampTimeout(timeout)
	log := logx.WithProjectSession(ctx, info.ProjectID, sessionID).With("file", target)

	sink := newLineSink(p.maxOutputBytes, onLine)
	log.Info("run start", "timeout", timeout)
	result, err := p.runtime.Exec(ctx, containerHandle{name: info.ContainerName}, sandbox.ExecSpec{
		Command:    []string{"python", target},
		WorkingDir: "/workspace",
		Stdout:     sink,
		Timeout:    timeout,
	})
	sink.Flush()

	if errors.Is(err, sandbox.ErrExecTimeout) {
		onLine(fmt.Sprintf("[Process killed after timeout %ds]", int(timeout.Seconds())))
		log.Warn("run timed out", "timeout", timeout)
		return -1, fmt.Errorf("%w after %s", schema.ErrExecutionTimeout, timeout)
	}
	if err != nil {
		log.Error("run failed", "err", err)
		return -1, fmt.Errorf("%w: %v", schema.ErrExecutionFailed, err)
	}
	log.Info("run ok", "exit_code", result.ExitCode, "duration", result.Finished.Sub(result.Started))
	return result.ExitCode, nil
}

// containerHandle addresses an existing container by name only.
type containerHandle struct {
	name string
}

func (h containerHandle) Name() string { return h.name }
func (h containerHandle) ID() string   { return "" }

// lineSink is an io.Writer that splits its input on newlines, enforces a
// total byte cap, and emits exactly one truncation marker once the cap is
// reached. Writes arrive from the exec stream goroutine, so it locks.
type lineSink struct {
	mu        sync.Mutex
	onLine    func(string)
	remaining int
	buf       bytes.Buffer
	truncated bool
}

func newLineSink(maxBytes int, onLine func(string)) *lineSink {
	return &lineSink{onLine: onLine, remaining: maxBytes}
}

// Write consumes a chunk of merged process output. Bytes past the cap are
// counted as consumed but never delivered.
func (s *lineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.truncated {
		return len(p), nil
	}
	accept := p
	if len(accept) > s.remaining {
		accept = accept[:s.remaining]
	}
	s.remaining -= len(accept)
	s.buf.Write(accept)
	s.emitLinesLocked()
	if s.remaining == 0 && !s.truncated {
		s.truncated = true
		if s.buf.Len() > 0 {
			s.onLine(s.buf.String())
			s.buf.Reset()
		}
		s.onLine(truncationMarker)
	}
	return len(p), nil
}

func (s *lineSink) emitLinesLocked() {
	for {
		data := s.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSuffix(string(data[:idx]), "\r")
		s.buf.Next(idx + 1)
		s.onLine(line)
	}
}

// Flush emits any final unterminated line.
func (s *lineSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.truncated || s.buf.Len() == 0 {
		return
	}
	s.onLine(strings.TrimSuffix(s.buf.String(), "\r"))
	s.buf.Reset()
}
