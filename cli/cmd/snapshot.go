package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// SnapshotCommand returns the snapshot command with its export subcommand.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Corpus snapshot export",
		Subcommands: []*cli.Command{
			snapshotExportCommand(),
		},
	}
}

func snapshotExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export a tenant's item corpus as Parquet",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{Name: "tenant", Required: true, Usage: "Tenant ID"},
		},
		Action: snapshotExportAction,
	}
}

func snapshotExportAction(c *cli.Context) error {
	deps, err := buildDeps(c)
	if err != nil {
		return err
	}
	defer deps.Close()

	dst, err := deps.Snapshot.Export(c.Context, c.String("tenant"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(dst)
	return nil
}
