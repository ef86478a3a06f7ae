package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/cli/tui"
)

// MonitorCommand returns the monitor command: a live, read-only Bubble Tea
// dashboard over run state.
func MonitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Live dashboard of pipeline runs",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{Name: "tenant", Usage: "Restrict to one tenant (default: all tenants)"},
			&cli.DurationFlag{Name: "interval", Value: tui.DefaultRefreshInterval, Usage: "Refresh interval"},
		},
		Action: monitorAction,
	}
}

func monitorAction(c *cli.Context) error {
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	return tui.Run(c.Context, deps.Admission, c.String("tenant"), c.Duration("interval"))
}
