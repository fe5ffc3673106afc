package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/sandbox"
)

// MCPServer exposes the sandbox session pools over the Model Context
// Protocol.
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	pools     map[string]*sandbox.SessionPool
	mcpServer *server.MCPServer
}

// New creates an MCPServer with one session pool per supported language.
func New(cfg *config.Config, logger *zap.Logger) (*MCPServer, error) {
	pools := make(map[string]*sandbox.SessionPool, len(sandbox.SupportedLanguages()))
	for _, language := range sandbox.SupportedLanguages() {
		sessionCfg := sessionConfig(cfg, language)
		factory := func(_ context.Context) (sandbox.Session, error) {
			return sandbox.NewSession(cfg.Sandbox.Backend, sessionCfg, logger)
		}
		pools[language] = sandbox.NewSessionPool(sandbox.PoolConfig{
			MaxSessions:    cfg.Pool.MaxSessions,
			WarmSessions:   cfg.Pool.WarmSessions,
			AcquireTimeout: cfg.Pool.AcquireTimeout(),
			IdleTimeout:    cfg.Pool.IdleTimeout(),
			ReapInterval:   cfg.Pool.ReapInterval(),
		}, factory, logger.With(zap.String("language", language)))
	}
	return NewWithPools(cfg, logger, pools)
}

// NewWithPools creates an MCPServer over pre-built pools, primarily for
// testing.
func NewWithPools(cfg *config.Config, logger *zap.Logger, pools map[string]*sandbox.SessionPool) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		pools:  pools,
	}

	logger.Info("configuration loaded", zap.String("config", cfg.String()))

	s.mcpServer = server.NewMCPServer("runbox", "A sandboxed code execution server")
	s.registerRunCodeTool()
	s.registerExecuteCommandTool()
	return s, nil
}

// sessionConfig builds the per-language session settings from the
// application configuration.
func sessionConfig(cfg *config.Config, language string) sandbox.SessionConfig {
	lang := cfg.Languages[language]
	return sandbox.SessionConfig{
		Language:       language,
		Image:          lang.Image,
		Workdir:        cfg.Sandbox.Workdir,
		Timeout:        cfg.Sandbox.Timeout(),
		StreamOutput:   cfg.Sandbox.StreamOutput,
		Memory:         cfg.Sandbox.Memory,
		CPUs:           cfg.Sandbox.CPUs,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		DockerHost:     cfg.Sandbox.DockerHost,
		Env:            lang.Environment,
		PrefixCode:     lang.PrefixCode,
		PostfixCode:    lang.PostfixCode,
		MaxFileBytes:   int64(cfg.Sandbox.MaxArtifactSizeMB) * 1024 * 1024,
	}
}

// registerRunCodeTool registers the run_code tool
func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute source code in a pooled sandbox session and return its output plus any generated artifacts",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        sandbox.SupportedLanguages(),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
				"libraries": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Libraries to install before running (optional)",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Execution time bound in seconds (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// registerExecuteCommandTool registers the execute_command tool
func (s *MCPServer) registerExecuteCommandTool() {
	tool := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a shell command in a pooled sandbox session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Language pool to run the command in",
					"enum":        sandbox.SupportedLanguages(),
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory override (optional)",
				},
			},
			Required: []string{"language", "command"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleExecuteCommand)
}

// resultPayload mirrors sandbox.ConsoleOutput for the wire.
type resultPayload struct {
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	ExitCode  int               `json:"exit_code"`
	Artifacts []artifactPayload `json:"artifacts,omitempty"`
}

type artifactPayload struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"` // base64
}

// handleRunCode handles the run_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	pool, ok := s.pools[language]
	if !ok {
		return nil, fmt.Errorf("invalid language: %s", language)
	}

	args := request.GetArguments()
	var libraries []string
	if raw, ok := args["libraries"].([]any); ok {
		for _, item := range raw {
			if lib, ok := item.(string); ok {
				libraries = append(libraries, lib)
			}
		}
	}

	opts := make([]sandbox.ExecOption, 0, 2)
	if len(libraries) > 0 {
		opts = append(opts, sandbox.WithLibraries(libraries...))
	}
	if timeoutSec, ok := args["timeout_sec"].(float64); ok && timeoutSec > 0 {
		opts = append(opts, sandbox.WithTimeout(time.Duration(timeoutSec)*time.Second))
	}

	s.logger.Info("executing code in sandbox",
		zap.String("language", language),
		zap.Int("libraries", len(libraries)))

	// Artifact extraction must reuse the lease the run happened on, so the
	// lease is held across both rather than going through the pool-level Run.
	lease, err := pool.Acquire(ctx)
	if err != nil {
		return s.errorResult("failed to acquire session", err), nil
	}
	defer pool.Release(lease)

	exec, err := sandbox.NewArtifactSession(lease, language, s.logger,
		sandbox.WithArtifactWorkdir(s.config.Sandbox.Workdir),
		sandbox.WithMaxArtifactBytes(int64(s.config.Sandbox.MaxArtifactSizeMB)*1024*1024))
	if err != nil {
		return s.errorResult("failed to build artifact session", err), nil
	}

	out, err := exec.Run(ctx, code, opts...)
	if err != nil {
		s.logger.Error("sandbox execution failed", zap.Error(err), zap.String("language", language))
		return s.errorResult("execution failed", err), nil
	}

	s.logger.Info("code execution completed",
		zap.String("language", language),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("artifacts", len(out.Artifacts)))

	return s.textResult(out)
}

// handleExecuteCommand handles the execute_command tool
func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	pool, ok := s.pools[language]
	if !ok {
		return nil, fmt.Errorf("invalid language: %s", language)
	}

	var opts []sandbox.ExecOption
	if workdir := request.GetString("workdir", ""); workdir != "" {
		opts = append(opts, sandbox.WithWorkdir(workdir))
	}

	s.logger.Info("executing command in sandbox",
		zap.String("language", language),
		zap.String("command", command))

	out, err := pool.ExecuteCommand(ctx, command, opts...)
	if err != nil {
		s.logger.Error("command execution failed", zap.Error(err), zap.String("language", language))
		return s.errorResult("execution failed", err), nil
	}

	return s.textResult(out)
}

func (s *MCPServer) textResult(out sandbox.ConsoleOutput) (*mcp.CallToolResult, error) {
	payload := resultPayload{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
	}
	for _, artifact := range out.Artifacts {
		payload.Artifacts = append(payload.Artifacts, artifactPayload{
			Name: artifact.Name,
			MIME: artifact.MIME,
			Data: base64.StdEncoding.EncodeToString(artifact.Data),
		})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(encoded)},
		},
	}, nil
}

func (s *MCPServer) errorResult(msg string, err error) *mcp.CallToolResult {
	text := fmt.Sprintf("%s: %v", msg, err)
	if errors.Is(err, sandbox.ErrPoolExhausted) {
		text = fmt.Sprintf("%s: all sandbox sessions are busy, retry later (%v)", msg, err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
		IsError: true,
	}
}

// Warm pre-opens pool sessions so first requests skip container startup.
func (s *MCPServer) Warm(ctx context.Context) error {
	if s.config.Pool.WarmSessions <= 0 {
		return nil
	}
	for language, pool := range s.pools {
		if err := pool.Warm(ctx); err != nil {
			return fmt.Errorf("failed to warm %s pool: %w", language, err)
		}
	}
	return nil
}

// Close shuts down every session pool.
func (s *MCPServer) Close(ctx context.Context) error {
	var errs []error
	for language, pool := range s.pools {
		if err := pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s pool: %w", language, err))
		}
	}
	return errors.Join(errs...)
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
