package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/recast/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the recast version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("recast " + version.String())
			_ = ctx
			return nil
		},
	}
}
