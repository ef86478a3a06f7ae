package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/exam2quiz/pipeline/cli/render"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// VersionCommand returns the version command. It must not contact any
// backing service.
func VersionCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  []cli.Flag{FormatFlag, NoColorFlag},
		Action: versionAction(version, commit),
	}
}

func versionAction(version, commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		renderer, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		return renderer.Render(VersionResponse{Version: version, Commit: commit})
	}
}
