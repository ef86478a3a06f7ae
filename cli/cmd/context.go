package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/cli/config"
	"github.com/exam2quiz/pipeline/wiring"
)

// buildDeps loads the config file named by --config and wires the full
// dependency graph, the same helper every command uses before calling into
// admission or snapshot.
func buildDeps(c *cli.Context) (*wiring.Deps, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	deps, err := wiring.Build(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("wire dependencies: %w", err)
	}
	return deps, nil
}
