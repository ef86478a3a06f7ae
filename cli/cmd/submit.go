package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/admission"
	"github.com/exam2quiz/pipeline/cli/render"
)

// SubmitCommand returns the submit command: admit a tenant's files and/or
// URLs into the pipeline, per the admission.Submit operation.
func SubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit input documents for a tenant",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{Name: "tenant", Required: true, Usage: "Tenant ID"},
			&cli.StringSliceFlag{Name: "file", Usage: "Path to a local PDF (repeatable)"},
			&cli.StringSliceFlag{Name: "url", Usage: "URL to fetch as input (repeatable)"},
		),
		Action: submitAction,
	}
}

func submitAction(c *cli.Context) error {
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	var files []admission.FileInput
	for _, path := range c.StringSlice("file") {
		data, err := os.ReadFile(path)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		files = append(files, admission.FileInput{Name: path, Data: data})
	}

	summary, err := deps.Admission.Submit(c.Context, admission.SubmitRequest{
		TenantID: c.String("tenant"),
		Files:    files,
		URLs:     c.StringSlice("url"),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	renderer, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return renderer.Render(summary)
}
