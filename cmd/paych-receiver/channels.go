package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/node/config"
	"github.com/filecoin-project/ethpaych/node/modules"
	"github.com/filecoin-project/ethpaych/paychmgr"
)

var channelsCmd = &cli.Command{
	Name:  "channels",
	Usage: "List channels in the state file of a stopped receiver",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "sender",
			Usage: "only list channels from this sender",
		},
		&cli.StringFlag{
			Name:  "state",
			Usage: "only list channels in this state (open, closing)",
		},
		&cli.DurationFlag{
			Name:  "idle",
			Usage: "only list channels without updates for this long",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		key, err := modules.ReceiverKey(cfg)
		if err != nil {
			return err
		}
		pcfg, err := modules.ManagerConfig(cfg, key, nil)
		if err != nil {
			return err
		}

		store, err := paychmgr.OpenStore(pcfg.StatePath, pcfg.Identity())
		if errors.Is(err, paychmgr.ErrStateFileLocked) {
			return xerrors.Errorf("%w; use the API of the running receiver instead", err)
		}
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		snap, err := store.Load()
		if err != nil {
			return err
		}

		filter, err := channelFilter(cctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "Sender\tOpen Block\tState\tDeposit\tBalance\tRemaining\tLast Update\n")
		for _, ch := range snap.Channels {
			if !filter.Match(ch) {
				continue
			}
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				ch.Sender, ch.OpenBlock, stateString(ch), humanize.BigComma(ch.Deposit), humanize.BigComma(ch.Balance),
				humanize.BigComma(ch.Remaining()), humanize.Time(ch.LastUpdate))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		fmt.Printf("\ncursor: block %d (%s)\n", snap.Cursor.Block, snap.Cursor.Hash)
		return nil
	},
}

func stateString(ch *paychmgr.Channel) string {
	switch ch.State {
	case paychmgr.StateOpen:
		return color.GreenString("%s", ch.State)
	case paychmgr.StateClosing:
		return color.YellowString("%s (settles at %d)", ch.State, ch.SettleTimeout)
	default:
		return color.RedString("%s", ch.State)
	}
}

func channelFilter(cctx *cli.Context) (paychmgr.ChannelFilter, error) {
	var filter paychmgr.ChannelFilter
	if s := cctx.String("sender"); s != "" {
		if !common.IsHexAddress(s) {
			return filter, xerrors.Errorf("invalid sender address %q", s)
		}
		sender := common.HexToAddress(s)
		filter.Sender = &sender
	}
	if s := cctx.String("state"); s != "" {
		var st paychmgr.ChannelState
		if err := st.UnmarshalText([]byte(s)); err != nil {
			return filter, err
		}
		filter.State = &st
	}
	if d := cctx.Duration("idle"); d > 0 {
		filter.IdleSince = time.Now().Add(-d)
	}
	return filter, nil
}

var keyCmd = &cli.Command{
	Name:  "key",
	Usage: "Manage the receiver key",
	Subcommands: []*cli.Command{
		keyNewCmd,
		keyAddressCmd,
	},
}

var keyNewCmd = &cli.Command{
	Name:  "new",
	Usage: "Generate a new receiver key at the configured key file",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		path, err := config.ExpandPath(cfg.Wallet.KeyFile)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return xerrors.Errorf("key file %s already exists", path)
		}

		addr, err := generateKey(path)
		if err != nil {
			return err
		}
		fmt.Println(addr.Hex())
		return nil
	},
}

var keyAddressCmd = &cli.Command{
	Name:  "address",
	Usage: "Print the receiver address",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		key, err := modules.ReceiverKey(cfg)
		if err != nil {
			return err
		}
		pcfg, err := modules.ManagerConfig(cfg, key, nil)
		if err != nil {
			return err
		}
		fmt.Println(pcfg.Receiver().Hex())
		return nil
	},
}
