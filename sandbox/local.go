package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// FileSystem is the file operation seam the local backend stages files
// through. Tests substitute a mock.
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem on the host file system.
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Process is one started host command. Stdout and Stderr must be drained
// before Wait.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (exitCode int, err error)
}

// ProcessRunner starts host processes for the local backend. Tests
// substitute a fake; the default shells out through os/exec.
type ProcessRunner interface {
	Start(ctx context.Context, command, dir string, env []string) (Process, error)
}

// RealProcessRunner implements ProcessRunner with /bin/sh -c.
type RealProcessRunner struct{}

func (RealProcessRunner) Start(ctx context.Context, command, dir string, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command) //nolint:gosec // local backend runs caller-supplied commands by design
	cmd.Dir = dir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// LocalSession executes commands directly on the host inside a throwaway
// temp directory standing in for the container working directory. It exists
// for development and tests; it provides no isolation and is config-gated.
type LocalSession struct {
	cfg     SessionConfig
	handler LanguageHandler
	logger  *zap.Logger
	fs      FileSystem
	runner  ProcessRunner

	mu       sync.Mutex
	open     bool
	inFlight bool
	root     string

	broken atomic.Bool
}

var _ Session = (*LocalSession)(nil)

// LocalOption configures a LocalSession.
type LocalOption func(*LocalSession)

// WithLocalFileSystem substitutes the file system seam.
func WithLocalFileSystem(fs FileSystem) LocalOption {
	return func(s *LocalSession) {
		s.fs = fs
	}
}

// WithLocalProcessRunner substitutes the process runner seam.
func WithLocalProcessRunner(runner ProcessRunner) LocalOption {
	return func(s *LocalSession) {
		s.runner = runner
	}
}

// NewLocalSession builds a local session for cfg.Language.
func NewLocalSession(cfg SessionConfig, logger *zap.Logger, opts ...LocalOption) (*LocalSession, error) {
	handler, err := handlerFor(cfg.Language)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &LocalSession{
		cfg:     cfg.normalized(),
		handler: handler,
		logger:  logger.With(zap.String("backend", "local"), zap.String("language", cfg.Language)),
		fs:      RealFileSystem{},
		runner:  RealProcessRunner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open creates the temp directory backing the sandbox working directory.
func (s *LocalSession) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return ErrSessionAlreadyOpen
	}

	root, err := s.fs.MkdirTemp("", "runbox-local-")
	if err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	s.root = root
	s.open = true
	s.broken.Store(false)

	s.logger.Info("session opened", zap.String("root", root))
	return nil
}

// Close removes the session directory. Closing a session that never opened
// is a no-op.
func (s *LocalSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false

	if err := s.fs.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	s.logger.Info("session closed", zap.String("root", s.root))
	s.root = ""
	return nil
}

// Run stages code into the session directory and executes the language
// handler's command plan.
func (s *LocalSession) Run(ctx context.Context, code string, opts ...ExecOption) (ConsoleOutput, error) {
	return stageAndRun(ctx, s, s.handler, &s.cfg, code, opts)
}

// ExecuteCommand runs one shell command in the session directory.
func (s *LocalSession) ExecuteCommand(ctx context.Context, command string, opts ...ExecOption) (ConsoleOutput, error) {
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
	root := s.root
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	dir, err := hostPath(root, s.cfg.Workdir, settings.workdir)
	if err != nil {
		return ConsoleOutput{}, err
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return ConsoleOutput{}, fmt.Errorf("failed to prepare working directory: %w", err)
	}

	streamed := settings.streamed(s.cfg.StreamOutput)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !streamed && settings.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	env := append(os.Environ(), mergeEnv(s.cfg.Env, settings.env)...)

	s.logger.Debug("executing command", zap.String("command", command), zap.String("dir", dir))
	proc, err := s.runner.Start(execCtx, command, dir, env)
	if err != nil {
		s.markBroken()
		return ConsoleOutput{}, fmt.Errorf("failed to start command: %w", err)
	}

	var stdout, stderr string
	if streamed {
		stdout, stderr, err = s.drainStreamed(execCtx, proc, settings)
	} else {
		stdout, stderr, err = drainBufferedProcess(proc)
	}
	if err != nil {
		s.markBroken()
		cancel()
		go func() { _, _ = proc.Wait() }()
		return ConsoleOutput{}, err
	}

	exitCode, err := proc.Wait()
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			s.markBroken()
			return ConsoleOutput{}, fmt.Errorf("command timed out after %s: %w", settings.timeout, ErrExecutionTimeout)
		}
		s.markBroken()
		return ConsoleOutput{}, fmt.Errorf("failed to run command: %w", err)
	}

	return ConsoleOutput{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// ExecuteCommands runs commands strictly in order, stopping at the first
// non-zero exit code.
func (s *LocalSession) ExecuteCommands(ctx context.Context, commands []Command, opts ...ExecOption) (ConsoleOutput, error) {
	return runSequence(ctx, s, commands, opts)
}

// CopyToSandbox writes data to destPath inside the session directory.
func (s *LocalSession) CopyToSandbox(_ context.Context, data []byte, destPath string) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrSessionNotOpen
	}
	root := s.root
	s.mu.Unlock()

	target, err := hostPath(root, s.cfg.Workdir, destPath)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	if err := s.fs.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// CopyFromSandbox reads the file at srcPath inside the session directory.
func (s *LocalSession) CopyFromSandbox(_ context.Context, srcPath string) ([]byte, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ErrSessionNotOpen
	}
	root := s.root
	s.mu.Unlock()

	source, err := hostPath(root, s.cfg.Workdir, srcPath)
	if err != nil {
		return nil, err
	}
	exists, err := s.fs.FileExists(source)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("no file at %s", srcPath)
	}

	data, err := s.fs.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if s.cfg.MaxFileBytes > 0 && int64(len(data)) > s.cfg.MaxFileBytes {
		return nil, fmt.Errorf("file %s is %d bytes, limit is %d", srcPath, len(data), s.cfg.MaxFileBytes)
	}
	return data, nil
}

// Broken reports whether a prior command on this session timed out or failed
// at the process level.
func (s *LocalSession) Broken() bool {
	return s.broken.Load()
}

func (s *LocalSession) markBroken() {
	s.broken.Store(true)
}

// drainStreamed pumps both pipes into frames so callbacks observe chunks as
// they arrive. The liveness bound applies between consecutive chunks.
func (s *LocalSession) drainStreamed(ctx context.Context, proc Process, settings execSettings) (string, string, error) {
	frames := make(chan streamFrame)
	done := make(chan struct{})
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpPipe(proc.Stdout(), &frameWriter{frames: frames, done: done}, &wg)
	go pumpPipe(proc.Stderr(), &frameWriter{frames: frames, done: done, stderr: true}, &wg)
	go func() {
		wg.Wait()
		close(frames)
	}()

	return consumeFrames(ctx, s.logger, frames, settings.timeout, settings.onStdout, settings.onStderr)
}

// pumpPipe copies r into w read by read, preserving chunk boundaries as the
// pipe delivers them.
func pumpPipe(r io.Reader, w io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drainBufferedProcess reads both pipes to exhaustion concurrently so
// neither can fill and deadlock the child.
func drainBufferedProcess(proc Process) (string, string, error) {
	var stdout, stderr []byte
	var stdoutErr, stderrErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdout, stdoutErr = io.ReadAll(proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		stderr, stderrErr = io.ReadAll(proc.Stderr())
	}()
	wg.Wait()

	if stdoutErr != nil {
		return "", "", fmt.Errorf("failed to read stdout: %w", stdoutErr)
	}
	if stderrErr != nil {
		return "", "", fmt.Errorf("failed to read stderr: %w", stderrErr)
	}
	return string(stdout), string(stderr), nil
}

// hostPath maps a sandbox path onto the host directory backing the session.
// Absolute paths must sit under the configured workdir; anything escaping
// the session root is rejected.
func hostPath(root, workdir, sandboxPath string) (string, error) {
	rel := sandboxPath
	if path.IsAbs(sandboxPath) {
		if sandboxPath != workdir && !strings.HasPrefix(sandboxPath, workdir+"/") {
			return "", fmt.Errorf("path %s is outside the sandbox working directory", sandboxPath)
		}
		rel = strings.TrimPrefix(strings.TrimPrefix(sandboxPath, workdir), "/")
	}

	clean := path.Clean("/" + rel)[1:] // normalize and strip any leading ..
	target := filepath.Join(root, filepath.FromSlash(clean))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the session directory", sandboxPath)
	}
	return target, nil
}
