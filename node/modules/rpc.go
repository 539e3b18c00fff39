package modules

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/gateway"
	"github.com/filecoin-project/ethpaych/node/config"
	"github.com/filecoin-project/ethpaych/node/modules/dtypes"
	"github.com/filecoin-project/ethpaych/node/modules/helpers"
)

// APIEndpoint is the address the payment API listens on.
type APIEndpoint net.Addr

// ServeAPI listens on the configured address and, once chain sync has
// caught up, serves the payment API until the node stops. Connections made
// before that wait in the listen backlog. A failing server requests a
// shutdown.
func ServeAPI(mctx helpers.MetricsCtx, lc fx.Lifecycle, cfg *config.Receiver, api gateway.PaymentAPI, shutdown dtypes.ShutdownChan) (APIEndpoint, error) {
	ctx := helpers.LifecycleCtx(mctx, lc)

	h, err := gateway.Handler(ctx, api, gateway.Options{
		RateLimit:        cfg.API.RateLimit,
		PerHostPerMinute: cfg.API.PerHostPerMinute,
		Timeout:          time.Duration(cfg.API.Timeout),
	})
	if err != nil {
		return nil, xerrors.Errorf("building api handler: %w", err)
	}

	lst, err := net.Listen("tcp", cfg.API.ListenAddress)
	if err != nil {
		return nil, xerrors.Errorf("listening on %s: %w", cfg.API.ListenAddress, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				log.Infow("payment api waiting for chain sync", "addr", lst.Addr())
				if err := api.WaitSync(ctx); err != nil {
					_ = lst.Close()
					return
				}

				log.Infow("serving payment api", "addr", lst.Addr())
				if err := srv.Serve(lst); err != nil && err != http.ErrServerClosed {
					log.Errorw("payment api server failed", "error", err)
					select {
					case shutdown <- struct{}{}:
					default:
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})

	return lst.Addr(), nil
}
