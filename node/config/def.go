package config

import (
	"encoding"
	"time"

	"github.com/filecoin-project/ethpaych/build"
)

// DefaultReceiver returns the default config
func DefaultReceiver() *Receiver {
	return &Receiver{
		API: API{
			ListenAddress:    "127.0.0.1:5000",
			Timeout:          Duration(30 * time.Second),
			PerHostPerMinute: 600,
		},
		Chain: Chain{
			Endpoint:          "http://127.0.0.1:8545",
			NetworkID:         1,
			ConfirmationDepth: build.ConfirmationDepth,
			ChallengePeriod:   build.ChallengePeriodMin,
			PollInterval:      Duration(build.PollInterval),
			MaxPollBackoff:    Duration(build.MaxPollBackoff),
			MaxBlockRange:     build.MaxBlockRange,
		},
		Wallet: Wallet{
			KeyFile: "~/.paych/receiver.key",
		},
		State: State{
			Path:           "~/.paych/paych.state",
			DedupCacheSize: build.DedupCacheSize,
		},
		Journal: Journal{
			Path: "~/.paych/journal",
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
