// Command dcgka-node is a thin demonstration harness exercising pkg/dcgka
// and pkg/logsync against a configured pkg/store backend. It is not part
// of the protocol core itself: each subcommand wires the real state
// machines together for a single process run and prints what happened, the
// way a developer would reach for the library from a script.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/p2panda/dcgka-core/internal/logging"
)

var logger = logging.Logger("dcgka-node")

func main() {
	app := &cli.App{
		Name:  "dcgka-node",
		Usage: "demonstration CLI for the DCGKA group messaging core",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML node configuration file",
			},
		},
		Commands: []*cli.Command{
			createGroupCommand,
			addMemberCommand,
			removeMemberCommand,
			syncCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
