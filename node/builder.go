package node

import (
	"context"
	"crypto/ecdsa"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/gateway"
	"github.com/filecoin-project/ethpaych/journal"
	"github.com/filecoin-project/ethpaych/node/config"
	"github.com/filecoin-project/ethpaych/node/modules"
	"github.com/filecoin-project/ethpaych/node/modules/dtypes"
	"github.com/filecoin-project/ethpaych/node/modules/helpers"
	"github.com/filecoin-project/ethpaych/paychmgr"
)

var log = logging.Logger("node")

type invoke int

// Invokes are called in the order they are defined.
//
//nolint:golint
const (
	SetupLoggingKey = invoke(iota)
	RegisterMetricsKey

	HandleDisputesKey

	ServeAPIKey
	ExtractAPIKey
	ExtractEndpointKey

	_nInvokes // keep this last
)

type Settings struct {
	// modules is a map of constructors for DI
	//
	// In most cases the index will be a reflect. Type of element returned by
	// the constructor
	modules map[interface{}]fx.Option

	// invokes are separate from modules as they can't be referenced by return
	// type, and must be applied in correct order
	invokes []fx.Option

	Config bool // Config option applied
}

func defaults() []Option {
	return []Option{
		Override(new(helpers.MetricsCtx), context.Background),
		Override(new(dtypes.ShutdownChan), make(chan struct{})),
		Override(new(journal.Journal), journal.NilJournal),
	}
}

// Receiver configures a payment receiver from cfg.
func Receiver(cfg *config.Receiver) Option {
	return Options(
		func(s *Settings) error { s.Config = true; return nil },

		Override(new(*config.Receiver), cfg),
		Override(SetupLoggingKey, modules.SetupLogging),
		Override(RegisterMetricsKey, modules.RegisterMetrics),

		If(cfg.Journal.Path != "",
			Override(new(journal.DisabledEvents), modules.DisabledEvents),
			Override(new(journal.Journal), modules.OpenFilesystemJournal),
		),

		Override(new(*ecdsa.PrivateKey), modules.ReceiverKey),
		Override(new(paychmgr.ChainAPI), modules.ChainClient),
		Override(new(paychmgr.Config), modules.ManagerConfig),
		Override(new(*paychmgr.Manager), modules.PaymentChannelManager),
		Override(new(gateway.PaymentAPI), From(new(*paychmgr.Manager))),
		Override(HandleDisputesKey, modules.HandleDisputes),

		Override(new(modules.APIEndpoint), modules.ServeAPI),
		Override(ServeAPIKey, func(modules.APIEndpoint) {}),
	)
}

// ShutdownChan lets the caller request a shutdown from inside the node.
func ShutdownChan(ch dtypes.ShutdownChan) Option {
	return Override(new(dtypes.ShutdownChan), ch)
}

// ManagerAPI populates out with the channel manager of the started node.
func ManagerAPI(out **paychmgr.Manager) Option {
	return func(s *Settings) error {
		s.invokes[ExtractAPIKey] = fx.Populate(out)
		return nil
	}
}

// APIEndpointOut populates out with the address the payment API listens on.
func APIEndpointOut(out *modules.APIEndpoint) Option {
	return Override(ExtractEndpointKey, func(ep modules.APIEndpoint) { *out = ep })
}

type StopFunc func(context.Context) error

// New builds and starts new payment receiver node
func New(ctx context.Context, opts ...Option) (StopFunc, error) {
	settings := Settings{
		modules: map[interface{}]fx.Option{},
		invokes: make([]fx.Option, _nInvokes),
	}

	// apply module options in the right order
	if err := Options(Options(defaults()...), Options(opts...))(&settings); err != nil {
		return nil, xerrors.Errorf("applying node options failed: %w", err)
	}
	if !settings.Config {
		return nil, xerrors.New("node config not set")
	}

	// gather constructors for fx.Options
	ctors := make([]fx.Option, 0, len(settings.modules))
	for _, opt := range settings.modules {
		ctors = append(ctors, opt)
	}

	// fill holes in invokes for use in fx.Options
	for i, opt := range settings.invokes {
		if opt == nil {
			settings.invokes[i] = fx.Options()
		}
	}

	app := fx.New(
		fx.Options(ctors...),
		fx.Options(settings.invokes...),

		fx.NopLogger,
	)

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	log.Info("payment receiver started")
	return app.Stop, nil
}
