package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by NewSession.
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendLocal  = "local"
)

// NewSession builds an unopened session for the named backend.
func NewSession(backend string, cfg SessionConfig, logger *zap.Logger) (Session, error) {
	switch backend {
	case BackendDocker:
		return NewDockerSession(cfg, logger)
	case BackendPodman:
		return NewPodmanSession(cfg, logger)
	case BackendLocal:
		return NewLocalSession(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}
