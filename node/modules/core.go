package modules

import (
	"context"
	"strconv"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/build"
	"github.com/filecoin-project/ethpaych/journal"
	"github.com/filecoin-project/ethpaych/journal/fsjournal"
	"github.com/filecoin-project/ethpaych/lib/lotuslog"
	"github.com/filecoin-project/ethpaych/metrics"
	"github.com/filecoin-project/ethpaych/node/config"
	"github.com/filecoin-project/ethpaych/node/modules/helpers"
)

var log = logging.Logger("modules")

// DisabledEvents merges the configured disabled journal events with the
// ones from the environment.
func DisabledEvents(cfg *config.Receiver) (journal.DisabledEvents, error) {
	disabled := journal.EnvDisabledEvents()
	if cfg.Journal.DisabledEvents == "" {
		return disabled, nil
	}
	parsed, err := journal.ParseDisabledEvents(cfg.Journal.DisabledEvents)
	if err != nil {
		return nil, xerrors.Errorf("parsing disabled journal events: %w", err)
	}
	return append(disabled, parsed...), nil
}

// OpenFilesystemJournal opens the journal under the configured directory and
// closes it with the node.
func OpenFilesystemJournal(lc fx.Lifecycle, cfg *config.Receiver, disabled journal.DisabledEvents) (journal.Journal, error) {
	dir, err := config.ExpandPath(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	jrnl, err := fsjournal.OpenFSJournalPath(dir, disabled)
	if err != nil {
		return nil, xerrors.Errorf("opening journal: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return jrnl.Close() },
	})

	return jrnl, nil
}

// SetupLogging applies the configured subsystem log levels.
func SetupLogging(cfg *config.Receiver) error {
	lotuslog.SetupLogLevels()
	return lotuslog.SetSubsystemLevels(cfg.Logging.SubsystemLevels)
}

// RegisterMetrics registers the receiver views and records build info.
func RegisterMetrics(mctx helpers.MetricsCtx, cfg *config.Receiver) error {
	if err := view.Register(metrics.DefaultViews...); err != nil {
		return xerrors.Errorf("registering metric views: %w", err)
	}

	ctx, err := tag.New(mctx,
		tag.Insert(metrics.Version, build.BuildVersion),
		tag.Insert(metrics.Commit, build.CurrentCommit),
	)
	if err != nil {
		return err
	}
	ctx = metrics.AddNetworkTag(ctx, strconv.FormatUint(cfg.Chain.NetworkID, 10))
	stats.Record(ctx, metrics.Info.M(1))

	log.Debugw("metrics registered", "views", len(metrics.DefaultViews))
	return nil
}
