package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Supported language tags.
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageGo     = "go"
	LanguageCPP    = "cpp"
)

// LanguageHandler describes how one supported language stages, installs and
// runs code inside a sandbox, and how generated artifacts are recovered
// afterwards. The set of handlers is closed; selection goes through
// handlerFor.
type LanguageHandler interface {
	// Language returns the tag this handler is registered under.
	Language() string

	// FileExtension returns the extension for staged code files, dot
	// included.
	FileExtension() string

	// DefaultImage returns the container image used when the session config
	// does not name one.
	DefaultImage() string

	// BuildInstallCommand returns the shell command installing the given
	// libraries, or "" when the language has no install step.
	BuildInstallCommand(libraries []string) string

	// BuildRunCommand returns the shell command executing the staged code
	// file at codePath.
	BuildRunCommand(codePath string) string

	// SupportsArtifactDetection reports whether this handler can recover
	// generated artifacts after a run.
	SupportsArtifactDetection() bool

	// InstrumentForArtifacts rewrites code so that generated artifacts land
	// under artifactDir. Handlers without artifact support return code
	// unchanged.
	InstrumentForArtifacts(code, artifactDir string) string

	// ExtractArtifacts scans artifactDir (and, where useful, the captured
	// stdout) for files the instrumented run produced. Called strictly after
	// the run result is final.
	ExtractArtifacts(ctx context.Context, exec Executor, artifactDir, stdout string) ([]Artifact, error)
}

// SupportedLanguages lists every language tag a handler exists for.
func SupportedLanguages() []string {
	return []string{LanguagePython, LanguageNodeJS, LanguageGo, LanguageCPP}
}

// handlerFor selects the handler for a language tag.
func handlerFor(language string) (LanguageHandler, error) {
	switch language {
	case LanguagePython:
		return pythonHandler{}, nil
	case LanguageNodeJS:
		return nodeHandler{}, nil
	case LanguageGo:
		return goHandler{}, nil
	case LanguageCPP:
		return cppHandler{}, nil
	default:
		return nil, fmt.Errorf("unsupported language: %s", language)
	}
}

// HandlerFor exposes handler selection to callers composing their own
// executors, such as ArtifactSession construction.
func HandlerFor(language string) (LanguageHandler, error) {
	return handlerFor(language)
}

// quoteAll shell-quotes every item for safe /bin/sh -c interpolation.
func quoteAll(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = shellQuote(item)
	}
	return strings.Join(quoted, " ")
}

type pythonHandler struct{}

func (pythonHandler) Language() string      { return LanguagePython }
func (pythonHandler) FileExtension() string { return ".py" }
func (pythonHandler) DefaultImage() string  { return "python:3.11-slim" }

func (pythonHandler) BuildInstallCommand(libraries []string) string {
	if len(libraries) == 0 {
		return ""
	}
	return "pip install --quiet --no-cache-dir " + quoteAll(libraries)
}

func (pythonHandler) BuildRunCommand(codePath string) string {
	return "python " + shellQuote(codePath)
}

func (pythonHandler) SupportsArtifactDetection() bool { return true }

// pythonArtifactPrelude reroutes matplotlib rendering into the artifact
// directory: the Agg backend needs no display, and a patched plt.show saves
// each figure instead of blocking. Code without matplotlib is unaffected.
const pythonArtifactPrelude = `import os as _sbx_os
_sbx_os.makedirs(%q, exist_ok=True)
try:
    import matplotlib as _sbx_mpl
    _sbx_mpl.use("Agg")
    import matplotlib.pyplot as _sbx_plt
    _sbx_fig = [0]
    def _sbx_show(*args, **kwargs):
        _sbx_fig[0] += 1
        _sbx_plt.savefig(_sbx_os.path.join(%q, "figure_%%d.png" %% _sbx_fig[0]))
        _sbx_plt.close("all")
    _sbx_plt.show = _sbx_show
except ImportError:
    pass
`

func (pythonHandler) InstrumentForArtifacts(code, artifactDir string) string {
	return fmt.Sprintf(pythonArtifactPrelude, artifactDir, artifactDir) + code
}

func (pythonHandler) ExtractArtifacts(ctx context.Context, exec Executor, artifactDir, _ string) ([]Artifact, error) {
	return collectArtifacts(ctx, exec, artifactDir)
}

type nodeHandler struct{}

func (nodeHandler) Language() string      { return LanguageNodeJS }
func (nodeHandler) FileExtension() string { return ".js" }
func (nodeHandler) DefaultImage() string  { return "node:20-alpine" }

func (nodeHandler) BuildInstallCommand(libraries []string) string {
	if len(libraries) == 0 {
		return ""
	}
	return "npm install --no-fund --no-audit " + quoteAll(libraries)
}

func (nodeHandler) BuildRunCommand(codePath string) string {
	return "node " + shellQuote(codePath)
}

func (nodeHandler) SupportsArtifactDetection() bool { return false }

func (nodeHandler) InstrumentForArtifacts(code, _ string) string { return code }

func (nodeHandler) ExtractArtifacts(context.Context, Executor, string, string) ([]Artifact, error) {
	return nil, nil
}

type goHandler struct{}

func (goHandler) Language() string      { return LanguageGo }
func (goHandler) FileExtension() string { return ".go" }
func (goHandler) DefaultImage() string  { return "golang:1.23-alpine" }

// BuildInstallCommand initializes a throwaway module on first use so go get
// has somewhere to record the dependency.
func (goHandler) BuildInstallCommand(libraries []string) string {
	if len(libraries) == 0 {
		return ""
	}
	return "[ -f go.mod ] || go mod init sandbox >/dev/null 2>&1; go get " + quoteAll(libraries)
}

func (goHandler) BuildRunCommand(codePath string) string {
	return "go run " + shellQuote(codePath)
}

func (goHandler) SupportsArtifactDetection() bool { return false }

func (goHandler) InstrumentForArtifacts(code, _ string) string { return code }

func (goHandler) ExtractArtifacts(context.Context, Executor, string, string) ([]Artifact, error) {
	return nil, nil
}

type cppHandler struct{}

func (cppHandler) Language() string      { return LanguageCPP }
func (cppHandler) FileExtension() string { return ".cpp" }
func (cppHandler) DefaultImage() string  { return "gcc:13" }

// BuildInstallCommand returns "" because C++ has no in-sandbox package
// manager; libraries must be baked into the image.
func (cppHandler) BuildInstallCommand([]string) string { return "" }

func (cppHandler) BuildRunCommand(codePath string) string {
	return "g++ -std=c++17 -O2 -o main.bin " + shellQuote(codePath) + " && ./main.bin"
}

func (cppHandler) SupportsArtifactDetection() bool { return false }

func (cppHandler) InstrumentForArtifacts(code, _ string) string { return code }

func (cppHandler) ExtractArtifacts(context.Context, Executor, string, string) ([]Artifact, error) {
	return nil, nil
}
