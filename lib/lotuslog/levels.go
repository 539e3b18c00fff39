package lotuslog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

// SetupLogLevels sets the default subsystem levels. Levels from the
// GOLOG_LOG_LEVEL environment variable are left alone.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); set {
		return
	}
	_ = logging.SetLogLevel("*", "INFO")
	_ = logging.SetLogLevel("lock", "WARN")
	_ = logging.SetLogLevel("paych-sync", "INFO")
	_ = logging.SetLogLevel("fsjournal", "WARN")
	_ = logging.SetLogLevel("fx", "WARN")
}

// SetSubsystemLevels applies per-subsystem overrides, typically from the
// [Logging] section of the config file.
func SetSubsystemLevels(levels map[string]string) error {
	for system, level := range levels {
		if err := logging.SetLogLevel(system, level); err != nil {
			return xerrors.Errorf("setting log level %q for %s: %w", level, system, err)
		}
	}
	return nil
}
