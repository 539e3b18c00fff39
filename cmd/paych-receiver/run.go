package main

import (
	"context"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/build"
	"github.com/filecoin-project/ethpaych/node"
	"github.com/filecoin-project/ethpaych/node/modules"
	"github.com/filecoin-project/ethpaych/node/modules/dtypes"
	"github.com/filecoin-project/ethpaych/paychmgr"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the payment receiver",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "override the API listen address",
		},
		&cli.BoolFlag{
			Name:  "wait-sync",
			Usage: "block startup until the ledger caught up with the chain",
			Value: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cctx.IsSet("listen") {
			cfg.API.ListenAddress = cctx.String("listen")
		}

		log.Infow("starting payment receiver", "version", build.UserVersion(), "contract", cfg.Chain.Contract, "endpoint", cfg.Chain.Endpoint)

		ctx := cctx.Context
		shutdownChan := make(chan struct{})

		var pm *paychmgr.Manager
		var ep modules.APIEndpoint
		stop, err := node.New(ctx,
			node.Receiver(cfg),
			node.ShutdownChan(dtypes.ShutdownChan(shutdownChan)),
			node.ManagerAPI(&pm),
			node.APIEndpointOut(&ep),
		)
		if err != nil {
			if paychmgr.IsFatal(err) {
				return xerrors.Errorf("refusing to start with this state file: %w", err)
			}
			return xerrors.Errorf("initializing node: %w", err)
		}

		if cctx.Bool("wait-sync") {
			log.Info("waiting for chain sync")
			if err := pm.WaitSync(ctx); err != nil {
				_ = stop(context.Background())
				return xerrors.Errorf("waiting for sync: %w", err)
			}
		}
		log.Infow("payment receiver ready", "receiver", pm.Receiver(), "api", ep)

		finishCh := node.MonitorShutdown(shutdownChan,
			node.ShutdownHandler{Component: "receiver", StopFunc: stop},
		)
		<-finishCh
		return nil
	},
}
