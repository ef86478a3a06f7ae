// Package main provides the pipelinectl admin CLI entrypoint: submit,
// cancel, restart, delete, list, merge, snapshot export, monitor, and
// version — the
// operator-facing surface over the admission controller, since this repo
// has no HTTP admission surface (out of scope). Adapted from the teacher's
// cmd/quarry main: same urfave/cli app shape and ExitCoder-aware exit
// handling.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/cli/cmd"
)

// version is the pipelinectl release version; commit is set via ldflags.
const version = "0.1.0"

var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "pipelinectl",
		Usage:          "Admin CLI for the document pipeline orchestrator",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.SubmitCommand(),
			cmd.CancelCommand(),
			cmd.RestartCommand(),
			cmd.DeleteCommand(),
			cmd.ListCommand(),
			cmd.MergeCommand(),
			cmd.SnapshotCommand(),
			cmd.MonitorCommand(),
			cmd.VersionCommand(version, commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
