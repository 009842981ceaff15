package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pipetrace/pipetrace/internal/engine"
	"github.com/pipetrace/pipetrace/internal/tracing"
)

// openEngine builds the trace provider from config and opens the engine
// over the configured database and vault. The returned closer shuts both
// down.
func openEngine() (*engine.Engine, func(), error) {
	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure tracing: %w", err)
	}

	eng, err := engine.New(cfg.Database, cfg.Vault, engine.WithTracer(provider.Tracer()))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, nil, err
	}

	closer := func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close engine: %v\n", err)
		}
		if err := provider.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to shut down tracing: %v\n", err)
		}
	}
	return eng, closer, nil
}
