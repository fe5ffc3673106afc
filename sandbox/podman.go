package sandbox

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// NewPodmanSession builds a session against Podman's Docker-compatible API
// socket. Everything past client construction is shared with DockerSession.
// When cfg.DockerHost is empty the usual podman socket locations are probed.
func NewPodmanSession(cfg SessionConfig, logger *zap.Logger, opts ...DockerOption) (*DockerSession, error) {
	if cfg.DockerHost == "" {
		cfg.DockerHost = podmanSocket()
	}
	opts = append(opts, withRuntimeName("podman"))
	return NewDockerSession(cfg, logger, opts...)
}

// podmanSocket resolves the Podman API socket: CONTAINER_HOST wins, then the
// rootless per-user socket, then the system socket.
func podmanSocket() string {
	if host := os.Getenv("CONTAINER_HOST"); host != "" {
		return host
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		sock := filepath.Join(runtimeDir, "podman", "podman.sock")
		if _, err := os.Stat(sock); err == nil {
			return "unix://" + sock
		}
	}
	return "unix:///run/podman/podman.sock"
}
