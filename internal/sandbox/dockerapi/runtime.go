// Package dockerapi implements sandbox.Runtime against a Docker-compatible
// HTTP API (docker or podman) over a unix socket or TCP endpoint.
package dockerapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"pkt.systems/codedock/internal/sandbox"
	"pkt.systems/pslog"
)

const labelManaged = "codedock.managed"

// Config configures the runtime endpoint.
type Config struct {
	Address     string
	PullTimeout time.Duration
}

// Runtime implements sandbox.Runtime using the Docker HTTP API.
type Runtime struct {
	client      *client
	pullTimeout time.Duration
}

// New constructs a runtime, trying fallback socket paths if needed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "dockerapi")
	addresses := candidateAddresses(cfg.Address)
	var lastErr error
	for _, addr := range addresses {
		log.Debug("runtime connect attempt", "address", addr)
		cl, err := newClient(addr)
		if err != nil {
			log.Warn("runtime connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		if err := cl.ping(ctx); err != nil {
			log.Warn("runtime ping failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		timeout := cfg.PullTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		log.Info("runtime ready", "address", addr)
		return &Runtime{client: cl, pullTimeout: timeout}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("runtime address not configured")
	}
	log.Warn("runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases any resources held by the runtime.
func (r *Runtime) Close() error { return nil }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "dockerapi")
}

// ImageExists reports whether an image exists locally without pulling.
func (r *Runtime) ImageExists(ctx context.Context, image string) (bool, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return false, errors.New("image is required")
	}
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/images/%s/json", escapeImagePath(image)), nil, nil, "")
	if err != nil {
		return false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		return false, nil
	}
	if res.StatusCode >= 300 {
		return false, readAPIError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return true, nil
}

// EnsureImage pulls the image if it is not available locally.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	log := r.logger(ctx).With("image", image)
	log.Info("ensure image start")
	ok, err := r.ImageExists(ctx, image)
	if err != nil {
		log.Warn("ensure image failed", "err", err)
		return err
	}
	if ok {
		log.Info("ensure image ok")
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	name, tag := splitImageRef(image)
	query.Set("fromImage", name)
	if tag != "" {
		query.Set("tag", tag)
	}
	res, err := r.client.do(pullCtx, "POST", "/images/create", query, nil, "")
	if err != nil {
		log.Warn("image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		log.Warn("image pull failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	// The pull endpoint streams progress JSON; drain it so the pull runs
	// to completion before reporting success.
	if err := drainPullStream(res.Body); err != nil {
		log.Warn("image pull failed", "err", err)
		return err
	}
	log.Info("ensure image ok")
	return nil
}

// Create creates and starts a detached sandbox container.
func (r *Runtime) Create(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	log.Info("create start")
	created, err := r.createContainer(ctx, spec)
	if err != nil {
		if isImageMissing(err) {
			log.Info("create needs image", "err", err)
			return nil, fmt.Errorf("%w: %s", sandbox.ErrImageMissing, spec.Image)
		}
		log.Warn("create failed", "err", err)
		return nil, err
	}
	if err := r.startContainer(ctx, created.ID); err != nil {
		log.Warn("start failed", "err", err)
		return nil, err
	}
	log.Info("create ok", "id", created.ID)
	return &handle{name: spec.Name, id: created.ID}, nil
}

// Remove force-removes a container. A missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, h sandbox.Handle) error {
	if h == nil {
		return nil
	}
	log := r.logger(ctx).With("container", h.Name())
	log.Info("remove start")
	ref := containerRef(h)
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, "DELETE", fmt.Sprintf("/containers/%s", url.PathEscape(ref)), query, nil, "")
	if err != nil {
		log.Warn("remove failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 404 {
		log.Info("remove skipped", "reason", "not found")
		return nil
	}
	if res.StatusCode >= 300 {
		log.Warn("remove failed", "status", res.StatusCode)
		return readAPIError(res)
	}
	log.Info("remove ok")
	return nil
}

// List returns managed containers whose name starts with namePrefix.
func (r *Runtime) List(ctx context.Context, namePrefix string) ([]sandbox.Handle, error) {
	filters := map[string][]string{
		"label": {labelManaged + "=true"},
	}
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("all", "1")
	query.Set("filters", string(filterJSON))
	res, err := r.client.do(ctx, "GET", "/containers/json", query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return nil, readAPIError(res)
	}
	var list []containerListItem
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, err
	}
	var out []sandbox.Handle
	for _, item := range list {
		name := containerName(item)
		if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
			continue
		}
		out = append(out, &handle{name: name, id: item.ID})
	}
	return out, nil
}

// Exec runs a command in a running container, streaming merged output to
// spec.Stdout. When the timeout elapses, the process group is force-killed
// inside the container and ErrExecTimeout is returned.
func (r *Runtime) Exec(ctx context.Context, h sandbox.Handle, spec sandbox.ExecSpec) (sandbox.ExecResult, error) {
	if h == nil {
		return sandbox.ExecResult{}, errors.New("container handle is required")
	}
	if len(spec.Command) == 0 {
		return sandbox.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", h.Name(), "cmd_len", len(spec.Command))
	log.Info("exec start")
	started := time.Now()
	execCtx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	execID, err := r.createExec(execCtx, containerRef(h), spec)
	if err != nil {
		log.Warn("exec failed", "err", err)
		return sandbox.ExecResult{}, err
	}
	streamErr := r.startExec(execCtx, execID, spec.Stdout)
	timedOut := execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	if streamErr != nil && !timedOut {
		log.Warn("exec failed", "err", streamErr)
		return sandbox.ExecResult{}, streamErr
	}

	if timedOut {
		r.killContainerProcesses(ctx, h)
		finished := time.Now()
		log.Warn("exec timed out", "duration_ms", finished.Sub(started).Milliseconds())
		return sandbox.ExecResult{ExitCode: -1, Started: started, Finished: finished}, sandbox.ErrExecTimeout
	}

	code, err := r.inspectExec(ctx, execID)
	if err != nil {
		log.Warn("exec failed", "err", err)
		return sandbox.ExecResult{}, err
	}
	finished := time.Now()
	if code != 0 {
		log.Warn("exec done nonzero", "exit_code", code, "duration_ms", finished.Sub(started).Milliseconds())
	} else {
		log.Info("exec ok", "exit_code", code, "duration_ms", finished.Sub(started).Milliseconds())
	}
	return sandbox.ExecResult{ExitCode: code, Started: started, Finished: finished}, nil
}

// killContainerProcesses force-kills everything in the container except its
// pid 1 keepalive, which is immune to in-namespace SIGKILL.
func (r *Runtime) killContainerProcesses(ctx context.Context, h sandbox.Handle) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	execID, err := r.createExec(killCtx, containerRef(h), sandbox.ExecSpec{
		Command: []string{"/bin/sh", "-c", "kill -KILL -- -1 2>/dev/null || true"},
	})
	if err != nil {
		r.logger(ctx).Warn("sandbox kill failed", "container", h.Name(), "err", err)
		return
	}
	if err := r.startExec(killCtx, execID, io.Discard); err != nil {
		r.logger(ctx).Warn("sandbox kill failed", "container", h.Name(), "err", err)
	}
}

func (r *Runtime) createContainer(ctx context.Context, spec sandbox.ContainerSpec) (createResponse, error) {
	labels := map[string]string{labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	req := map[string]any{
		"Image":  spec.Image,
		"Cmd":    spec.Command,
		"Labels": labels,
	}
	hostConfig := map[string]any{}
	if spec.DisableNetwork {
		hostConfig["NetworkMode"] = "none"
	}
	if spec.Resources.MemoryBytes > 0 {
		hostConfig["Memory"] = spec.Resources.MemoryBytes
	}
	if spec.Resources.NanoCPUs > 0 {
		hostConfig["NanoCPUs"] = spec.Resources.NanoCPUs
	}
	if spec.Resources.PidsLimit > 0 {
		hostConfig["PidsLimit"] = spec.Resources.PidsLimit
	}
	if binds := buildBinds(spec.Mounts); len(binds) > 0 {
		hostConfig["Binds"] = binds
	}
	req["HostConfig"] = hostConfig

	payload, err := json.Marshal(req)
	if err != nil {
		return createResponse{}, err
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	res, err := r.client.do(ctx, "POST", "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return createResponse{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return createResponse{}, readAPIError(res)
	}
	var created createResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return createResponse{}, err
	}
	if created.ID == "" {
		return createResponse{}, errors.New("create did not return container id")
	}
	return created, nil
}

func (r *Runtime) startContainer(ctx context.Context, id string) error {
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/start", url.PathEscape(id)), nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == 304 {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

// containerRef picks the API reference for a handle. Handles recovered from
// the registry after lookup carry only the container name; the API accepts
// either form.
func containerRef(h sandbox.Handle) string {
	if id := h.ID(); id != "" {
		return id
	}
	return h.Name()
}

func (r *Runtime) createExec(ctx context.Context, id string, spec sandbox.ExecSpec) (string, error) {
	req := map[string]any{
		"AttachStdout": true,
		"AttachStderr": true,
		"Cmd":          spec.Command,
		"Tty":          false,
	}
	if spec.WorkingDir != "" {
		req["WorkingDir"] = spec.WorkingDir
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/containers/%s/exec", url.PathEscape(id)), nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return "", readAPIError(res)
	}
	var resp execCreateResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("exec did not return id")
	}
	return resp.ID, nil
}

func (r *Runtime) startExec(ctx context.Context, id string, out io.Writer) error {
	payload, err := json.Marshal(map[string]any{"Detach": false, "Tty": false})
	if err != nil {
		return err
	}
	res, err := r.client.do(ctx, "POST", fmt.Sprintf("/exec/%s/start", url.PathEscape(id)), nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return copyDockerStream(res.Body, out)
}

func (r *Runtime) inspectExec(ctx context.Context, id string) (int, error) {
	res, err := r.client.do(ctx, "GET", fmt.Sprintf("/exec/%s/json", url.PathEscape(id)), nil, nil, "")
	if err != nil {
		return -1, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return -1, readAPIError(res)
	}
	var inspect execInspect
	if err := json.NewDecoder(res.Body).Decode(&inspect); err != nil {
		return -1, err
	}
	if inspect.Running {
		return -1, errors.New("exec still running")
	}
	return inspect.ExitCode, nil
}

// copyDockerStream demultiplexes the attach framing, merging stdout and
// stderr into a single writer.
func copyDockerStream(r io.Reader, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		if _, err := io.CopyN(out, r, int64(size)); err != nil {
			return err
		}
	}
}

func drainPullStream(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

func isImageMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such image") ||
		strings.Contains(msg, "unable to find image") ||
		strings.Contains(msg, "image not known")
}

func buildBinds(mounts []sandbox.Mount) []string {
	if len(mounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" || strings.TrimSpace(m.Target) == "" {
			continue
		}
		entry := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			entry += ":ro"
		}
		out = append(out, entry)
	}
	return out
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func containerName(item containerListItem) string {
	if len(item.Names) == 0 {
		return ""
	}
	return strings.TrimPrefix(item.Names[0], "/")
}

func splitImageRef(image string) (string, string) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", ""
	}
	if strings.Contains(image, "@") {
		return image, ""
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, ""
}

func escapeImagePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	escaped := url.PathEscape(value)
	return strings.ReplaceAll(escaped, "%2F", "/")
}

// handle represents a container known to the runtime.
type handle struct {
	name string
	id   string
}

func (h *handle) Name() string { return h.name }
func (h *handle) ID() string   { return h.id }
