package runtime

import (
	"context"
	"fmt"

	"burstflare/internal/config"
	"burstflare/internal/flare"
)

// NewHostFromConfig creates a RuntimeHost based on the runtime config type.
func NewHostFromConfig(ctx context.Context, cfg config.RuntimeConfig, clock flare.Clock, logger flare.Logger) (flare.RuntimeHost, error) {
	switch cfg.Type {
	case "", "simulated":
		return NewSimulated(clock, cfg.SSHAddr), nil
	case "docker":
		d, err := NewDocker(ctx, DockerOptions{
			Network:     cfg.Network,
			SSHPort:     cfg.SSHPort,
			StopTimeout: cfg.StopTimeout,
		}, clock, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown runtime type: %s", cfg.Type)
	}
}
