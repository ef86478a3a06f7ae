package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/cli/render"
)

// CancelCommand returns the cancel command.
func CancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a non-terminal run",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{ConfigFlag},
		Action:    cancelAction,
	}
}

func cancelAction(c *cli.Context) error {
	runID := c.Args().First()
	if runID == "" {
		return cli.Exit("run id is required", 1)
	}
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.Admission.Cancel(c.Context, runID); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// RestartCommand returns the restart command.
func RestartCommand() *cli.Command {
	return &cli.Command{
		Name:      "restart",
		Usage:     "Restart a terminal run from scratch",
		ArgsUsage: "<run-id>",
		Flags:     ReadOnlyFlags(),
		Action:    restartAction,
	}
}

func restartAction(c *cli.Context) error {
	runID := c.Args().First()
	if runID == "" {
		return cli.Exit("run id is required", 1)
	}
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	summary, err := deps.Admission.Restart(c.Context, runID)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	renderer, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return renderer.Render(summary)
}

// DeleteCommand returns the delete command.
func DeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a terminal run and its items/output directories",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{ConfigFlag},
		Action:    deleteAction,
	}
}

func deleteAction(c *cli.Context) error {
	runID := c.Args().First()
	if runID == "" {
		return cli.Exit("run id is required", 1)
	}
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.Admission.Delete(c.Context, runID); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// MergeCommand returns the merge command.
func MergeCommand() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Merge two or more completed runs into a new standalone run",
		ArgsUsage: "<run-id> <run-id> [run-id...]",
		Flags:     ReadOnlyFlags(),
		Action:    mergeAction,
	}
}

func mergeAction(c *cli.Context) error {
	runIDs := c.Args().Slice()
	if len(runIDs) < 2 {
		return cli.Exit("merge requires at least two run ids", 1)
	}
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	summary, err := deps.Admission.Merge(c.Context, runIDs)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	renderer, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return renderer.Render(summary)
}
