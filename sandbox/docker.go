package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the slice of the Engine API a session depends on.
// *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ImagePull(ctx context.Context, refStr string, options imagetypes.PullOptions) (io.ReadCloser, error)
	Close() error
}

// newDockerAPI builds the real Engine API client. Tests swap this out.
var newDockerAPI = func(host string) (dockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

const (
	cpuQuotaPeriod   = 100000
	sandboxPidsLimit = 128
)

// DockerSession runs commands inside one long-lived Docker container. The
// container is created on Open and force-removed on Close. A session executes
// at most one command at a time.
type DockerSession struct {
	cfg     SessionConfig
	handler LanguageHandler
	logger  *zap.Logger
	name    string
	runtime string

	cli        dockerAPI
	ownsClient bool

	mu          sync.Mutex
	open        bool
	inFlight    bool
	containerID string

	broken atomic.Bool
}

var _ Session = (*DockerSession)(nil)

// DockerOption configures a DockerSession.
type DockerOption func(*DockerSession)

// WithDockerClient substitutes the Engine API client, primarily for testing.
func WithDockerClient(cli dockerAPI) DockerOption {
	return func(s *DockerSession) {
		s.cli = cli
	}
}

// withRuntimeName relabels the session for runtimes that speak the Engine
// API, such as Podman.
func withRuntimeName(name string) DockerOption {
	return func(s *DockerSession) {
		s.runtime = name
	}
}

// NewDockerSession builds a session for cfg.Language. The container is not
// created until Open.
func NewDockerSession(cfg SessionConfig, logger *zap.Logger, opts ...DockerOption) (*DockerSession, error) {
	handler, err := handlerFor(cfg.Language)
	if err != nil {
		return nil, err
	}

	cfg = cfg.normalized()
	if cfg.Image == "" {
		cfg.Image = handler.DefaultImage()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &DockerSession{
		cfg:     cfg,
		handler: handler,
		runtime: "docker",
		name:    "runbox-" + uuid.New().String()[:8],
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With(zap.String("backend", s.runtime), zap.String("language", cfg.Language))
	return s, nil
}

// Open creates and starts the backing container, pulling the image when it is
// missing locally, and prepares the working directory.
func (s *DockerSession) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return ErrSessionAlreadyOpen
	}

	if s.cli == nil {
		cli, err := newDockerAPI(s.cfg.DockerHost)
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}
		s.cli = cli
		s.ownsClient = true
	}

	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach container runtime: %w", err)
	}

	memBytes, err := units.RAMInBytes(s.cfg.Memory)
	if err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", s.cfg.Memory, err)
	}

	containerConfig := &container.Config{
		Image:      s.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: s.cfg.Workdir,
		Env:        mergeEnv(s.cfg.Env, nil),
		Labels:     map[string]string{"runbox.session": s.name},
	}

	networkMode := "none"
	if s.cfg.NetworkEnabled {
		networkMode = "bridge"
	}
	pidsLimit := int64(sandboxPidsLimit)
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:    memBytes,
			CPUQuota:  int64(cpuQuotaPeriod * s.cfg.CPUs),
			CPUPeriod: cpuQuotaPeriod,
			PidsLimit: &pidsLimit,
		},
	}

	created, err := s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, s.name)
	if err != nil {
		if !isImageMissing(err) {
			return fmt.Errorf("failed to create container: %w", err)
		}
		if err := s.pullImage(ctx); err != nil {
			return err
		}
		created, err = s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, s.name)
		if err != nil {
			return fmt.Errorf("failed to create container: %w", err)
		}
	}

	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}

	out, err := s.exec(ctx, created.ID, "mkdir -p "+shellQuote(s.cfg.Workdir), resolveExecSettings(&s.cfg, nil))
	if err == nil && out.ExitCode != 0 {
		err = fmt.Errorf("mkdir exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if err != nil {
		_ = s.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to prepare working directory: %w", err)
	}

	s.containerID = created.ID
	s.open = true
	s.broken.Store(false)

	s.logger.Info("session opened",
		zap.String("container_id", created.ID),
		zap.String("image", s.cfg.Image),
		zap.String("workdir", s.cfg.Workdir))
	return nil
}

// Close force-removes the container. Calling Close on a session that never
// opened, or twice, is a no-op.
func (s *DockerSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false

	var errs []error
	if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove container: %w", err))
	}
	s.logger.Info("session closed", zap.String("container_id", s.containerID))
	s.containerID = ""

	if s.ownsClient {
		if err := s.cli.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
		}
		s.cli = nil
		s.ownsClient = false
	}
	return errors.Join(errs...)
}

// Run stages code into the working directory and executes the language
// handler's command plan.
func (s *DockerSession) Run(ctx context.Context, code string, opts ...ExecOption) (ConsoleOutput, error) {
	return stageAndRun(ctx, s, s.handler, &s.cfg, code, opts)
}

// ExecuteCommand runs one shell command inside the container.
func (s *DockerSession) ExecuteCommand(ctx context.Context, command string, opts ...ExecOption) (ConsoleOutput, error) {
	settings := resolveExecSettings(&s.cfg, opts)

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ConsoleOutput{}, ErrSessionNotOpen
	}
	if s.inFlight {
		s.mu.Unlock()
		return ConsoleOutput{}, ErrExecutionInFlight
	}
	s.inFlight = true
	containerID := s.containerID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	s.logger.Debug("executing command",
		zap.String("command", command),
		zap.String("workdir", settings.workdir))
	return s.exec(ctx, containerID, command, settings)
}

// ExecuteCommands runs commands strictly in order, stopping at the first
// non-zero exit code.
func (s *DockerSession) ExecuteCommands(ctx context.Context, commands []Command, opts ...ExecOption) (ConsoleOutput, error) {
	return runSequence(ctx, s, commands, opts)
}

// CopyToSandbox writes data to destPath inside the container, creating parent
// directories as needed.
func (s *DockerSession) CopyToSandbox(ctx context.Context, data []byte, destPath string) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	containerID := s.containerID
	s.mu.Unlock()

	dir, file := path.Split(destPath)
	if file == "" {
		return fmt.Errorf("destination %q is a directory", destPath)
	}
	if dir == "" {
		dir = s.cfg.Workdir
	} else {
		dir = path.Clean(dir)
	}

	out, err := s.exec(ctx, containerID, "mkdir -p "+shellQuote(dir), resolveExecSettings(&s.cfg, nil))
	if err != nil {
		return fmt.Errorf("failed to prepare directory %s: %w", dir, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("failed to prepare directory %s: %s", dir, strings.TrimSpace(out.Stderr))
	}

	archive, err := tarFile(file, data)
	if err != nil {
		return err
	}
	if err := s.cli.CopyToContainer(ctx, containerID, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy into sandbox: %w", err)
	}
	return nil
}

// CopyFromSandbox reads the file at srcPath inside the container.
func (s *DockerSession) CopyFromSandbox(ctx context.Context, srcPath string) ([]byte, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrSessionNotOpen
	}
	containerID := s.containerID
	s.mu.Unlock()

	rc, _, err := s.cli.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from sandbox: %w", err)
	}
	defer rc.Close()

	entries, err := untarFiles(rc, s.cfg.MaxFileBytes)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no file at %s", srcPath)
	}
	return entries[0].Data, nil
}

// Broken reports whether a prior command on this session timed out or failed
// at the runtime level. A broken session must be closed, not reused.
func (s *DockerSession) Broken() bool {
	return s.broken.Load()
}

func (s *DockerSession) markBroken() {
	s.broken.Store(true)
}

// exec dispatches one command over the exec API and drains its output via the
// transport the settings select. Buffered transport bounds the whole command
// with the configured timeout; streamed transport bounds the gap between
// consecutive chunks instead.
func (s *DockerSession) exec(ctx context.Context, containerID, command string, settings execSettings) (ConsoleOutput, error) {
	streamed := settings.streamed(s.cfg.StreamOutput)

	execCtx := ctx
	if !streamed && settings.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	execOpts := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   settings.workdir,
		Env:          mergeEnv(nil, settings.env),
	}

	created, err := s.cli.ContainerExecCreate(execCtx, containerID, execOpts)
	if err != nil {
		s.markBroken()
		return ConsoleOutput{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		s.markBroken()
		return ConsoleOutput{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr string
	if streamed {
		stdout, stderr, err = s.drainStreamed(execCtx, attach.Reader, settings)
	} else {
		stdout, stderr, err = s.drainBuffered(execCtx, attach.Reader, settings)
	}
	if err != nil {
		s.markBroken()
		return ConsoleOutput{}, err
	}

	inspect, err := s.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		s.markBroken()
		return ConsoleOutput{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ConsoleOutput{ExitCode: inspect.ExitCode, Stdout: stdout, Stderr: stderr}, nil
}

// drainBuffered demultiplexes the whole stream into memory. Closing the
// attached connection on return unblocks the copy goroutine, so a timeout
// here cannot leak it.
func (s *DockerSession) drainBuffered(ctx context.Context, r io.Reader, settings execSettings) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, r)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", fmt.Errorf("failed to read exec output: %w", err)
		}
		return stdoutBuf.String(), stderrBuf.String(), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", "", fmt.Errorf("command timed out after %s: %w", settings.timeout, ErrExecutionTimeout)
		}
		return "", "", ctx.Err()
	}
}

// drainStreamed demultiplexes into frames and hands them to the consumer loop
// so callbacks observe chunks as they arrive.
func (s *DockerSession) drainStreamed(ctx context.Context, r io.Reader, settings execSettings) (string, string, error) {
	frames := make(chan streamFrame)
	done := make(chan struct{})
	defer close(done)

	copyErr := make(chan error, 1)
	go func() {
		defer close(frames)
		_, err := stdcopy.StdCopy(
			&frameWriter{frames: frames, done: done},
			&frameWriter{frames: frames, done: done, stderr: true},
			r,
		)
		copyErr <- err
	}()

	stdout, stderr, err := consumeFrames(ctx, s.logger, frames, settings.timeout, settings.onStdout, settings.onStderr)
	if err != nil {
		return "", "", err
	}
	if err := <-copyErr; err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, errStreamAborted) {
		return "", "", fmt.Errorf("failed to read exec output: %w", err)
	}
	return stdout, stderr, nil
}

func (s *DockerSession) pullImage(ctx context.Context) error {
	s.logger.Info("pulling image", zap.String("image", s.cfg.Image))

	reader, err := s.cli.ImagePull(ctx, s.cfg.Image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.cfg.Image, err)
	}
	defer reader.Close()

	// Drain pull progress so the pull actually completes.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.cfg.Image, err)
	}
	return nil
}

// isImageMissing reports whether a create failed because the image is not
// present locally. The client wraps daemon 404s in errdefs not-found errors,
// which keeps unrelated create failures from triggering a pull.
func isImageMissing(err error) bool {
	return errdefs.IsNotFound(err)
}

// mergeEnv flattens base overlaid with extra into sorted KEY=value pairs.
func mergeEnv(base, extra map[string]string) []string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// paths survive /bin/sh -c splitting.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
