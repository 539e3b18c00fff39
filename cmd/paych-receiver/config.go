package main

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage receiver config",
	Subcommands: []*cli.Command{
		configDefaultCmd,
		configShowCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print default receiver config",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-comment",
			Usage: "don't comment default values",
		},
	},
	Action: func(cctx *cli.Context) error {
		c := config.DefaultReceiver()

		if cctx.Bool("no-comment") {
			return printConfig(c)
		}

		cb, err := config.ConfigComment(c)
		if err != nil {
			return err
		}

		fmt.Println(string(cb))
		return nil
	},
}

var configShowCmd = &cli.Command{
	Name:  "show",
	Usage: "Print the effective config, with file and environment applied",
	Action: func(cctx *cli.Context) error {
		c, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		return printConfig(c)
	},
}

func loadConfig(cctx *cli.Context) (*config.Receiver, error) {
	c, err := config.FromFile(cctx.String("config"), config.DefaultReceiver())
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	return c, nil
}

func printConfig(c *config.Receiver) error {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	fmt.Println(buf.String())
	return nil
}
