// Package cmd provides the pipelinectl admin CLI's commands: submit,
// cancel, restart, delete, list, merge, snapshot export, monitor, and
// version. Every command but monitor and version is a thin wrapper around
// one admission.Controller or snapshot.Exporter method; monitor launches the
// cli/tui dashboard and version reports the CLI's own version.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for commands that load config and render a response.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// ConfigFlag points at the shared config.yaml every command loads.
	ConfigFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "Path to config.yaml",
		Required: true,
	}
)

// ReadOnlyFlags returns the shared config, format, and color flags. It is
// used by state-changing commands (submit, restart, merge) as well as by
// read-only ones.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, FormatFlag, NoColorFlag}
}
