package sandbox

import (
	"context"
	"fmt"
	"path"
	"time"
)

// StreamCallback receives one decoded output chunk. Callbacks are invoked
// synchronously on the calling goroutine, strictly in arrival order, and only
// for the duration of the originating call. A nil callback means "never
// invoke". Callbacks must be fast: a slow callback delays every subsequent
// chunk of that execution.
type StreamCallback func(chunk string)

// ConsoleOutput is the final result of a command or command sequence.
type ConsoleOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Artifacts holds files recognized by a language handler after a run.
	// Populated only by ArtifactSession.
	Artifacts []Artifact
}

// Command is a single shell command with an optional working directory
// override. An empty Workdir inherits the session default.
type Command struct {
	Text    string
	Workdir string
}

// Executor is the command execution surface shared by direct sessions and
// pooled leases.
type Executor interface {
	// Run stages code into the sandbox working directory and executes the
	// language handler's command plan (optional dependency install, then the
	// run command), forwarding options to every step.
	Run(ctx context.Context, code string, opts ...ExecOption) (ConsoleOutput, error)

	// ExecuteCommand runs one command to completion. Supplying a stream
	// callback forces streamed transport for that call regardless of the
	// session's configured default.
	ExecuteCommand(ctx context.Context, command string, opts ...ExecOption) (ConsoleOutput, error)

	// ExecuteCommands runs commands strictly in order, passing the same
	// options (and therefore the identical callback references) to each.
	// Execution stops at the first non-zero exit code; that command's own
	// output is returned. On full success the last command's output is
	// returned.
	ExecuteCommands(ctx context.Context, commands []Command, opts ...ExecOption) (ConsoleOutput, error)

	// CopyToSandbox writes data to destPath inside the sandbox.
	CopyToSandbox(ctx context.Context, data []byte, destPath string) error

	// CopyFromSandbox reads the file at srcPath inside the sandbox.
	CopyFromSandbox(ctx context.Context, srcPath string) ([]byte, error)
}

// Session is one container-backed execution environment. Sessions are not
// safe for concurrent use; exactly one execution may be in flight at a time.
type Session interface {
	Executor

	// Open provisions and starts the underlying environment.
	Open(ctx context.Context) error

	// Close stops the environment and releases its resources. Close is safe
	// to call on a session that never opened.
	Close(ctx context.Context) error
}

// SessionConfig holds the settings shared by all session backends.
type SessionConfig struct {
	Language       string
	Image          string // empty = language handler default
	Workdir        string
	Timeout        time.Duration // default per-command time bound
	StreamOutput   bool          // default transport when no callbacks are supplied
	Memory         string        // go-units size string, e.g. "512m"
	CPUs           float64
	NetworkEnabled bool
	DockerHost     string // empty = environment / default socket
	Env            map[string]string
	PrefixCode     string
	PostfixCode    string
	MaxFileBytes   int64 // cap for CopyFromSandbox reads, 0 = unlimited
}

const (
	defaultWorkdir = "/sandbox"
	defaultTimeout = 30 * time.Second
	defaultMemory  = "512m"
	defaultCPUs    = 1.0
)

// normalized returns a copy with zero values replaced by defaults.
func (c SessionConfig) normalized() SessionConfig {
	if c.Workdir == "" {
		c.Workdir = defaultWorkdir
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Memory == "" {
		c.Memory = defaultMemory
	}
	if c.CPUs <= 0 {
		c.CPUs = defaultCPUs
	}
	return c
}

// execSettings is the resolved form of a call's ExecOptions.
type execSettings struct {
	workdir   string
	timeout   time.Duration
	onStdout  StreamCallback
	onStderr  StreamCallback
	libraries []string
	env       map[string]string
}

// ExecOption configures a single Run/ExecuteCommand(s) call.
type ExecOption func(*execSettings)

// WithWorkdir overrides the working directory for this call.
func WithWorkdir(workdir string) ExecOption {
	return func(s *execSettings) {
		s.workdir = workdir
	}
}

// WithTimeout overrides the session's default time bound for this call.
func WithTimeout(timeout time.Duration) ExecOption {
	return func(s *execSettings) {
		s.timeout = timeout
	}
}

// WithStdoutCallback registers a live callback for stdout chunks. Registering
// any callback switches the call to streamed transport.
func WithStdoutCallback(cb StreamCallback) ExecOption {
	return func(s *execSettings) {
		s.onStdout = cb
	}
}

// WithStderrCallback registers a live callback for stderr chunks.
func WithStderrCallback(cb StreamCallback) ExecOption {
	return func(s *execSettings) {
		s.onStderr = cb
	}
}

// WithLibraries requests a dependency install step before the run command.
// Only Run consults this option.
func WithLibraries(libraries ...string) ExecOption {
	return func(s *execSettings) {
		s.libraries = libraries
	}
}

// WithEnv adds environment variables for this call on top of the session's
// configured environment.
func WithEnv(env map[string]string) ExecOption {
	return func(s *execSettings) {
		s.env = env
	}
}

// resolveExecSettings applies opts over the session defaults.
func resolveExecSettings(cfg *SessionConfig, opts []ExecOption) execSettings {
	settings := execSettings{
		workdir: cfg.Workdir,
		timeout: cfg.Timeout,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.workdir == "" {
		settings.workdir = cfg.Workdir
	}
	if settings.timeout <= 0 {
		settings.timeout = cfg.Timeout
	}
	return settings
}

// streamed reports whether this call must use streamed transport: any
// registered callback forces it, otherwise the session default governs.
func (s *execSettings) streamed(sessionDefault bool) bool {
	return s.onStdout != nil || s.onStderr != nil || sessionDefault
}

// commandExecutor is the narrow surface the sequencing layer needs.
type commandExecutor interface {
	ExecuteCommand(ctx context.Context, command string, opts ...ExecOption) (ConsoleOutput, error)
}

// runSequence executes commands strictly in order on exec. Every command
// receives the caller's opts unchanged, so callback references are identical
// across the whole sequence; a per-command workdir is appended as an extra
// option so it wins over the sequence-level default. The first non-zero exit
// code stops the sequence and its own output is returned.
func runSequence(ctx context.Context, exec commandExecutor, commands []Command, opts []ExecOption) (ConsoleOutput, error) {
	if len(commands) == 0 {
		return ConsoleOutput{}, ErrNoCommands
	}

	var out ConsoleOutput
	for _, cmd := range commands {
		callOpts := opts
		if cmd.Workdir != "" {
			// Full slice expression so the append cannot overwrite a shared
			// backing array owned by the caller.
			callOpts = append(opts[:len(opts):len(opts)], WithWorkdir(cmd.Workdir))
		}

		var err error
		out, err = exec.ExecuteCommand(ctx, cmd.Text, callOpts...)
		if err != nil {
			return ConsoleOutput{}, err
		}
		if out.ExitCode != 0 {
			return out, nil
		}
	}
	return out, nil
}

// stageAndRun implements Run for all backends: write the (hook-wrapped) code
// file into the sandbox, then execute the handler's install/run plan through
// exec with the caller's options forwarded verbatim.
func stageAndRun(ctx context.Context, exec Executor, handler LanguageHandler, cfg *SessionConfig, code string, opts []ExecOption) (ConsoleOutput, error) {
	settings := resolveExecSettings(cfg, opts)

	source := applyCodeHooks(code, cfg.PrefixCode, cfg.PostfixCode)
	codePath := path.Join(cfg.Workdir, "main"+handler.FileExtension())
	if err := exec.CopyToSandbox(ctx, []byte(source), codePath); err != nil {
		return ConsoleOutput{}, fmt.Errorf("failed to stage code file: %w", err)
	}

	commands := make([]Command, 0, 2)
	if len(settings.libraries) > 0 {
		if install := handler.BuildInstallCommand(settings.libraries); install != "" {
			commands = append(commands, Command{Text: install})
		}
	}
	commands = append(commands, Command{Text: handler.BuildRunCommand(codePath)})

	return exec.ExecuteCommands(ctx, commands, opts...)
}

// applyCodeHooks wraps user code with configured prefix and postfix snippets.
func applyCodeHooks(code, prefix, postfix string) string {
	if prefix == "" && postfix == "" {
		return code
	}
	return prefix + code + postfix
}
