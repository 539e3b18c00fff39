package modules

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/journal"
	"github.com/filecoin-project/ethpaych/node/config"
	"github.com/filecoin-project/ethpaych/node/modules/helpers"
	"github.com/filecoin-project/ethpaych/paychmgr"
)

// ReceiverKey loads the receiver private key from the configured key file.
func ReceiverKey(cfg *config.Receiver) (*ecdsa.PrivateKey, error) {
	path, err := config.ExpandPath(cfg.Wallet.KeyFile)
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, xerrors.Errorf("loading receiver key from %s: %w", path, err)
	}
	return key, nil
}

// ChainClient dials the configured Ethereum node.
func ChainClient(mctx helpers.MetricsCtx, lc fx.Lifecycle, cfg *config.Receiver) (paychmgr.ChainAPI, error) {
	ctx, cancel := context.WithTimeout(mctx, 30*time.Second)
	defer cancel()

	chain, err := paychmgr.DialChain(ctx, cfg.Chain.Endpoint, cfg.Chain.NetworkID)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			chain.Close()
			return nil
		},
	})
	return chain, nil
}

// ManagerConfig translates the node config into the channel manager config.
func ManagerConfig(cfg *config.Receiver, key *ecdsa.PrivateKey, j journal.Journal) (paychmgr.Config, error) {
	if !common.IsHexAddress(cfg.Chain.Contract) {
		return paychmgr.Config{}, xerrors.Errorf("invalid channel contract address %q", cfg.Chain.Contract)
	}
	statePath, err := config.ExpandPath(cfg.State.Path)
	if err != nil {
		return paychmgr.Config{}, err
	}
	return paychmgr.Config{
		Contract:          common.HexToAddress(cfg.Chain.Contract),
		NetworkID:         cfg.Chain.NetworkID,
		ReceiverKey:       key,
		StatePath:         statePath,
		ConfirmationDepth: cfg.Chain.ConfirmationDepth,
		ChallengePeriod:   cfg.Chain.ChallengePeriod,
		StartBlock:        cfg.Chain.StartBlock,
		PollInterval:      time.Duration(cfg.Chain.PollInterval),
		MaxPollBackoff:    time.Duration(cfg.Chain.MaxPollBackoff),
		MaxBlockRange:     cfg.Chain.MaxBlockRange,
		DedupCacheSize:    cfg.State.DedupCacheSize,
		Journal:           j,
	}, nil
}

// PaymentChannelManager loads the channel ledger and follows the chain for
// the lifetime of the node.
func PaymentChannelManager(mctx helpers.MetricsCtx, lc fx.Lifecycle, api paychmgr.ChainAPI, pcfg paychmgr.Config) (*paychmgr.Manager, error) {
	ctx := helpers.LifecycleCtx(mctx, lc)
	pm, err := paychmgr.NewManager(ctx, api, pcfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return pm.Start(ctx)
		},
		OnStop: pm.Stop,
	})

	return pm, nil
}

// HandleDisputes reports unilateral closes undercutting a received balance.
// The receiver has until the settle timeout to submit its proof on chain.
func HandleDisputes(lc fx.Lifecycle, pm *paychmgr.Manager) {
	unsub := pm.SubscribeDisputes(func(evt paychmgr.DisputeEvt) {
		log.Warnw("channel closed below received balance, submit the balance proof before the settle timeout",
			"channel", evt.Channel,
			"closeBalance", evt.CloseBalance,
			"balance", evt.Balance,
			"balanceSignature", common.Bytes2Hex(evt.BalanceSignature),
			"settleTimeout", evt.SettleTimeout)
	})
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			unsub()
			return nil
		},
	})
}
