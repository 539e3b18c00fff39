package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000, // 100 ms intervals from 500 to 1000 ms
	2000, 3000, 4000, 5000, 10000, 20000, 30000, 60000,
)

var blockLagDistribution = view.Distribution(0, 1, 2, 3, 5, 10, 20, 50, 100, 500, 1000, 5000, 10000)

// Tags
var (
	Version, _     = tag.NewKey("version")
	Commit, _      = tag.NewKey("commit")
	Network, _     = tag.NewKey("network")
	Receiver, _    = tag.NewKey("receiver")
	FailureType, _ = tag.NewKey("failure_type")
	EventName, _   = tag.NewKey("event")
	Endpoint, _    = tag.NewKey("endpoint")
)

// Measures
var (
	Info               = stats.Int64("info", "Arbitrary counter to tag receiver info to", stats.UnitDimensionless)
	APIRequestDuration = stats.Float64("api/request_duration_ms", "Duration of API requests", stats.UnitMilliseconds)

	// payments
	PaychPaymentAccepted = stats.Int64("paych/payment_accepted", "Counter of accepted balance proofs", stats.UnitDimensionless)
	PaychPaymentRejected = stats.Int64("paych/payment_rejected", "Counter of rejected balance proofs", stats.UnitDimensionless)
	PaychPaymentDelta    = stats.Float64("paych/payment_delta", "Token amount received per accepted balance proof", stats.UnitDimensionless)
	PaychOpenChannels    = stats.Int64("paych/open_channels", "Number of channels tracked by the ledger", stats.UnitDimensionless)
	PaychDisputes        = stats.Int64("paych/disputes", "Counter of close requests below the registered balance", stats.UnitDimensionless)

	// chain sync
	PaychSyncHeight      = stats.Int64("paych/sync_height", "Last block applied to the ledger", stats.UnitDimensionless)
	PaychSyncLag         = stats.Int64("paych/sync_lag", "Blocks between chain head and the sync cursor", stats.UnitDimensionless)
	PaychEventsApplied   = stats.Int64("paych/events_applied", "Counter of contract events applied to the ledger", stats.UnitDimensionless)
	PaychPollFailure     = stats.Int64("paych/poll_failure", "Counter of failed chain polls", stats.UnitDimensionless)
	PaychReorgDetected   = stats.Int64("paych/reorg_detected", "Counter of cursor hash mismatches", stats.UnitDimensionless)
	PaychSnapshotSaveDur = stats.Float64("paych/snapshot_save_ms", "Duration of state snapshot writes", stats.UnitMilliseconds)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Payment receiver information",
		Measure:     Info,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit, Network, Receiver},
	}
	APIRequestDurationView = &view.View{
		Measure:     APIRequestDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Endpoint},
	}
	PaychPaymentAcceptedView = &view.View{
		Measure:     PaychPaymentAccepted,
		Aggregation: view.Count(),
	}
	PaychPaymentRejectedView = &view.View{
		Measure:     PaychPaymentRejected,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	PaychPaymentDeltaView = &view.View{
		Measure:     PaychPaymentDelta,
		Aggregation: view.Sum(),
	}
	PaychOpenChannelsView = &view.View{
		Measure:     PaychOpenChannels,
		Aggregation: view.LastValue(),
	}
	PaychDisputesView = &view.View{
		Measure:     PaychDisputes,
		Aggregation: view.Count(),
	}
	PaychSyncHeightView = &view.View{
		Measure:     PaychSyncHeight,
		Aggregation: view.LastValue(),
	}
	PaychSyncLagView = &view.View{
		Measure:     PaychSyncLag,
		Aggregation: blockLagDistribution,
	}
	PaychEventsAppliedView = &view.View{
		Measure:     PaychEventsApplied,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{EventName},
	}
	PaychPollFailureView = &view.View{
		Measure:     PaychPollFailure,
		Aggregation: view.Count(),
	}
	PaychReorgDetectedView = &view.View{
		Measure:     PaychReorgDetected,
		Aggregation: view.Count(),
	}
	PaychSnapshotSaveDurView = &view.View{
		Measure:     PaychSnapshotSaveDur,
		Aggregation: defaultMillisecondsDistribution,
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	InfoView,
	APIRequestDurationView,
	PaychPaymentAcceptedView,
	PaychPaymentRejectedView,
	PaychPaymentDeltaView,
	PaychOpenChannelsView,
	PaychDisputesView,
	PaychSyncHeightView,
	PaychSyncLagView,
	PaychEventsAppliedView,
	PaychPollFailureView,
	PaychReorgDetectedView,
	PaychSnapshotSaveDurView,
}

func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// AddNetworkTag tags ctx with the chain network id.
func AddNetworkTag(ctx context.Context, network string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(Network, network))
	return ctx
}
