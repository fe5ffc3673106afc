package sandbox

import (
	"context"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Artifact is one named file recovered from the sandbox after a run, such as
// a plot image. Ownership of Data transfers to the ConsoleOutput carrying it.
type Artifact struct {
	Name string
	MIME string
	Data []byte
}

const artifactSubdir = ".artifacts"

// ArtifactSession wraps an Executor so that Run additionally recovers
// artifacts the executed code produced. The wrapped executor's streaming
// behavior is untouched: instrumentation happens before the run, extraction
// strictly after its result is final. Extraction failures are logged and
// never override a completed run result.
type ArtifactSession struct {
	Executor
	handler  LanguageHandler
	logger   *zap.Logger
	workdir  string
	maxBytes int64
}

// ArtifactOption configures an ArtifactSession.
type ArtifactOption func(*ArtifactSession)

// WithArtifactWorkdir sets the sandbox working directory scanned for
// artifacts. Defaults to the session default workdir.
func WithArtifactWorkdir(workdir string) ArtifactOption {
	return func(a *ArtifactSession) {
		a.workdir = workdir
	}
}

// WithMaxArtifactBytes caps the size of a single recovered artifact.
// Oversized files are skipped with a warning. Zero means no cap.
func WithMaxArtifactBytes(maxBytes int64) ArtifactOption {
	return func(a *ArtifactSession) {
		a.maxBytes = maxBytes
	}
}

// NewArtifactSession wraps exec with artifact recovery for the given
// language.
func NewArtifactSession(exec Executor, language string, logger *zap.Logger, opts ...ArtifactOption) (*ArtifactSession, error) {
	handler, err := handlerFor(language)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &ArtifactSession{
		Executor: exec,
		handler:  handler,
		logger:   logger,
		workdir:  defaultWorkdir,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run executes code through the wrapped executor and, when the language
// supports it, attaches recovered artifacts to the result.
func (a *ArtifactSession) Run(ctx context.Context, code string, opts ...ExecOption) (ConsoleOutput, error) {
	if !a.handler.SupportsArtifactDetection() {
		return a.Executor.Run(ctx, code, opts...)
	}

	artifactDir := path.Join(a.workdir, artifactSubdir)
	out, err := a.Executor.Run(ctx, a.handler.InstrumentForArtifacts(code, artifactDir), opts...)
	if err != nil {
		return out, err
	}

	artifacts, err := a.handler.ExtractArtifacts(ctx, a.Executor, artifactDir, out.Stdout)
	if err != nil {
		a.logger.Warn("artifact extraction failed", zap.Error(err))
		return out, nil
	}

	for _, artifact := range artifacts {
		if a.maxBytes > 0 && int64(len(artifact.Data)) > a.maxBytes {
			a.logger.Warn("skipping oversized artifact",
				zap.String("name", artifact.Name),
				zap.Int("bytes", len(artifact.Data)),
				zap.Int64("limit", a.maxBytes))
			continue
		}
		out.Artifacts = append(out.Artifacts, artifact)
	}
	return out, nil
}

// collectArtifacts lists the regular files directly under dir inside the
// sandbox and copies each one out, sniffing its MIME type from content. A
// missing directory means the run produced nothing and is not an error.
func collectArtifacts(ctx context.Context, exec Executor, dir string) ([]Artifact, error) {
	out, err := exec.ExecuteCommand(ctx, "find "+shellQuote(dir)+" -maxdepth 1 -type f | sort")
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, nil
	}

	var artifacts []Artifact
	for _, line := range strings.Split(out.Stdout, "\n") {
		srcPath := strings.TrimSpace(line)
		if srcPath == "" {
			continue
		}
		data, err := exec.CopyFromSandbox(ctx, srcPath)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{
			Name: path.Base(srcPath),
			MIME: http.DetectContentType(data),
			Data: data,
		})
	}
	return artifacts, nil
}
