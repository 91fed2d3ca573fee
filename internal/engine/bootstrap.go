package engine

import (
	"context"
	"fmt"
	"time"

	"convoflow/internal/pipeline"
	"convoflow/internal/transport"
)

func Bootstrap(ctx context.Context, cfg Config, o pipeline.Options) (*Engine, error) {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	// 1. pipeline runner
	runner, err := pipeline.Compile(ctx, cfg.PipelineYml, o)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if err := runner.Start(ctx); err != nil {
		_ = runner.Close(ctx)
		return nil, err
	}

	// 2. transport server
	srv, err := transport.StartServer(cfg.GRPCPort, backend(runner))
	if err != nil {
		_ = runner.Close(ctx)
		return nil, fmt.Errorf("transport: %w", err)
	}

	return &Engine{
		transport: srv,
		runner:    runner,
		drain:     cfg.DrainTimeout,
	}, nil
}

// backend exposes only the stages that exist; a nil pointer must not become
// a non-nil interface.
func backend(r *pipeline.Runner) transport.Backend {
	var b transport.Backend
	if c := r.Capture(); c != nil {
		b.Capture = c
		b.NodeID = c.NodeID()
	}
	if c := r.Consumer(); c != nil {
		b.Consumer = c
	}
	if buf := r.Buffer(); buf != nil {
		b.Buffer = buf
	}
	return b
}
