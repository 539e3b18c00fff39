package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/ethpaych/build"
	"github.com/filecoin-project/ethpaych/lib/lotuslog"
)

var log = logging.Logger("main")

func main() {
	lotuslog.SetupLogLevels()

	app := &cli.App{
		Name:    "paych-receiver",
		Usage:   "Receiving end of Ethereum micropayment channels",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the config file",
				EnvVars: []string{"PAYCH_CONFIG"},
				Value:   "~/.paych/config.toml",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			channelsCmd,
			configCmd,
			keyCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}
