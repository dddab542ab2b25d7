package dispatch

import (
	"context"
	"fmt"

	"burstflare/internal/config"
	"burstflare/internal/flare"
)

// Runner is a Dispatcher that can also execute the jobs it accepts.
type Runner interface {
	flare.Dispatcher
	Run(ctx context.Context, h Handler) error
}

// NewFromConfig creates a Runner based on the dispatch config type.
// The "none" type returns a nil Runner: builds then wait for an explicit
// process call or a reconcile sweep.
func NewFromConfig(cfg config.DispatchConfig, logger flare.Logger) (Runner, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "local":
		return NewLocal(cfg.Workers, cfg.QueueSize, logger), nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("amqp dispatcher requires amqp_url to be set")
		}
		a, err := NewAMQP(cfg.AMQPURL, cfg.Exchange, cfg.Queue, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown dispatch type: %s", cfg.Type)
	}
}
