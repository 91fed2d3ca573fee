package engine

import (
	"context"
	"time"

	"convoflow/internal/pipeline"
	"convoflow/internal/transport"
)

type Config struct {
	GRPCPort     int
	PipelineYml  string
	DrainTimeout time.Duration
}

type Engine struct {
	transport *transport.Server
	runner    *pipeline.Runner
	drain     time.Duration
}

// Run serves the control surface until ctx ends, then stops the pipeline
// within the drain timeout.
func (e *Engine) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- e.transport.Serve() }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	e.transport.Stop()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.drain)
	defer cancel()
	if cerr := e.runner.Close(stopCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
