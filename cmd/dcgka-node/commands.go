package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/p2panda/dcgka-core/pkg/config"
)

func loadConfigIfSet(c *cli.Context) (config.Config, bool, error) {
	path := c.String("config")
	if path == "" {
		return config.Config{}, false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, false, err
	}
	return cfg, true, nil
}

var memberFlag = &cli.StringSliceFlag{
	Name:     "member",
	Aliases:  []string{"m"},
	Usage:    "a group member's display name; repeat for each initial member",
	Required: true,
}

var createGroupCommand = &cli.Command{
	Name:  "create-group",
	Usage: "create a new group out of the given initial members and converge their DCGKA state",
	Flags: []cli.Flag{memberFlag},
	Action: func(c *cli.Context) error {
		if _, ok, err := loadConfigIfSet(c); err != nil {
			return err
		} else if ok {
			logger.Infof("using configured node settings")
		}

		names := c.StringSlice("member")
		members, err := bootstrapGroup(names)
		if err != nil {
			return err
		}
		fmt.Printf("created group %v with %d members, all converged on the creator's update secret\n", names, len(members))
		return nil
	},
}

var addMemberCommand = &cli.Command{
	Name:  "add-member",
	Usage: "bootstrap a group, then add one more member to it",
	Flags: []cli.Flag{
		memberFlag,
		&cli.StringFlag{Name: "add", Usage: "name of the member to add", Required: true},
		&cli.StringFlag{Name: "by", Usage: "name of the existing member performing the add (defaults to the first --member)"},
	},
	Action: func(c *cli.Context) error {
		names := c.StringSlice("member")
		members, err := bootstrapGroup(names)
		if err != nil {
			return err
		}

		adderName := c.String("by")
		if adderName == "" {
			adderName = names[0]
		}

		newMember, err := addMember(members, adderName, c.String("add"))
		if err != nil {
			return err
		}
		fmt.Printf("%s added %s to the group\n", adderName, newMember.name)
		return nil
	},
}

var removeMemberCommand = &cli.Command{
	Name:  "remove-member",
	Usage: "bootstrap a group, then remove one of its members",
	Flags: []cli.Flag{
		memberFlag,
		&cli.StringFlag{Name: "remove", Usage: "name of the member to remove", Required: true},
		&cli.StringFlag{Name: "by", Usage: "name of the member performing the removal (defaults to the first --member)"},
	},
	Action: func(c *cli.Context) error {
		names := c.StringSlice("member")
		members, err := bootstrapGroup(names)
		if err != nil {
			return err
		}

		removerName := c.String("by")
		if removerName == "" {
			removerName = names[0]
		}

		if err := removeMember(members, removerName, c.String("remove")); err != nil {
			return err
		}
		fmt.Printf("%s removed %s from the group\n", removerName, c.String("remove"))
		return nil
	},
}

var syncCommand = &cli.Command{
	Name:  "sync",
	Usage: "run a local two-peer log sync session and report what was exchanged",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "operations", Value: 3, Usage: "number of operations to seed on the sending peer's log"},
	},
	Action: func(c *cli.Context) error {
		cfg, ok, err := loadConfigIfSet(c)
		if err != nil {
			return err
		}
		capacity := 0
		if ok {
			capacity = cfg.Sync.DedupCapacity
		} else {
			cfg.Storage.Backend = config.StorageMemory
		}

		hashes, err := runLocalSync(cfg, c.Int("operations"), capacity)
		if err != nil {
			return err
		}
		fmt.Printf("sync complete: receiving peer learned %d operations (storage=%s)\n", len(hashes), cfg.Storage.Backend)
		return nil
	},
}
