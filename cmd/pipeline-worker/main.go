// Package main provides the pipeline-worker entrypoint: a long-running
// process that drives every pipeline stage's Stage Runner loop until
// terminated, adapted from the teacher's cmd/quarry-runtime main (the same
// config-flag-precedence loading, signal handling, and cli.ExitCoder exit
// code convention), generalized from "execute one script run and exit" to
// "run N stage loops until signaled."
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/chaining"
	"github.com/exam2quiz/pipeline/cli/config"
	"github.com/exam2quiz/pipeline/coordinator"
	"github.com/exam2quiz/pipeline/log"
	"github.com/exam2quiz/pipeline/stage"
	"github.com/exam2quiz/pipeline/stagerunner"
	"github.com/exam2quiz/pipeline/types"
	"github.com/exam2quiz/pipeline/wiring"
)

// Exit codes, mirrored from the teacher's cmd/quarry-runtime convention.
const (
	exitConfigError = 1
	exitWorkerCrash = 2
)

func main() {
	app := &cli.App{
		Name:           "pipeline-worker",
		Usage:          "Runs the pipeline's stage runner loops until terminated",
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to config.yaml", Required: true},
			&cli.StringSliceFlag{Name: "stage", Usage: "Stages to run (default: all six)"},
			&cli.StringFlag{Name: "consumer-group", Value: "pipeline-workers", Usage: "Redis Streams consumer group"},
		},
		Action: runWorker,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitWorkerCrash)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "pipeline-worker: %v\n", err)
	var exitCoder cli.ExitCoder
	if ec, ok := err.(cli.ExitCoder); ok {
		exitCoder = ec
		os.Exit(exitCoder.ExitCode())
	}
	os.Exit(exitWorkerCrash)
}

func runWorker(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("load config: %v", err), exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	deps, err := wiring.Build(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("wire dependencies: %v", err), exitConfigError)
	}
	defer deps.Close()

	stages := c.StringSlice("stage")
	if len(stages) == 0 {
		stages = []string{
			string(types.StageExtract),
			string(types.StageParse),
			string(types.StageCategorize),
			string(types.StageCoordinate),
			string(types.StageSimilarity),
			string(types.StageSplit),
		}
	}

	group := c.String("consumer-group")
	logger := log.NewLogger(log.Context{})

	var wg sync.WaitGroup
	errCh := make(chan error, len(stages))
	for _, s := range stages {
		runner, err := buildRunner(types.Stage(s), group, cfg, deps)
		if err != nil {
			return cli.Exit(fmt.Sprintf("build runner for stage %s: %v", s, err), exitConfigError)
		}
		wg.Add(1)
		go func(stageName string, r *stagerunner.Runner) {
			defer wg.Done()
			logger.Info("pipeline-worker: stage runner started", map[string]any{"stage": stageName})
			if err := r.Run(ctx); err != nil {
				errCh <- fmt.Errorf("stage %s: %w", stageName, err)
			}
		}(s, runner)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return cli.Exit(err.Error(), exitWorkerCrash)
		}
	}
	return nil
}

// buildRunner binds the stage-appropriate Processor to a stagerunner.Runner.
// Five of the six stages run a stage.Processor; StageCoordinate runs the
// Batch Coordinator's fan-in poll loop instead.
func buildRunner(st types.Stage, group string, cfg *config.Config, deps *wiring.Deps) (*stagerunner.Runner, error) {
	var proc stagerunner.Processor
	switch st {
	case types.StageExtract:
		proc = stage.NewExtract(deps.StageConfig)
	case types.StageParse:
		proc = stage.NewParse(deps.StageConfig)
	case types.StageCategorize:
		proc = stage.NewCategorize(deps.StageConfig)
	case types.StageCoordinate:
		proc = coordinator.NewCoordinateProcessor(deps.Coordinator)
	case types.StageSimilarity:
		proc = stage.NewSimilarity(deps.StageConfig)
	case types.StageSplit:
		proc = stage.NewSplit(deps.StageConfig)
	default:
		return nil, fmt.Errorf("unknown stage %q", st)
	}

	return stagerunner.New(stagerunner.Config{
		Stage:             st,
		ConsumerGroup:     group,
		Concurrency:       cfg.Worker.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout.Duration,
		MaxRetries:        cfg.Queue.MaxRetries,
		Queue:             deps.Queue,
		Store:             deps.Store,
		Processor:         proc,
		Chainer:           chaining.Policy{},
		Notifier:          deps.Notifier,
	}), nil
}
