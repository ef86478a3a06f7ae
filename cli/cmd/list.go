package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/cli/render"
	"github.com/exam2quiz/pipeline/store"
	"github.com/exam2quiz/pipeline/types"
)

// ListCommand returns the list command: a filtered, thin view of runs.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List pipeline runs",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{Name: "tenant", Usage: "Filter by tenant ID"},
			&cli.StringFlag{Name: "status", Usage: "Filter by run status"},
			&cli.StringFlag{Name: "parent-run", Usage: "Filter by parent run ID (empty string matches standalone/parent runs only)"},
			&cli.IntFlag{Name: "limit", Value: 50},
			&cli.IntFlag{Name: "offset"},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	filter := store.RunFilter{
		TenantID: c.String("tenant"),
		Status:   types.RunStatus(c.String("status")),
		Limit:    c.Int("limit"),
		Offset:   c.Int("offset"),
	}
	if c.IsSet("parent-run") {
		parent := c.String("parent-run")
		filter.ParentRunID = &parent
	}

	runs, err := deps.Admission.List(c.Context, filter)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	renderer, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return renderer.Render(runs)
}
