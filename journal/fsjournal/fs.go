package fsjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/build"
	"github.com/filecoin-project/ethpaych/journal"
)

var log = logging.Logger("fsjournal")

const RFC3339nocolon = "2006-01-02T150405Z0700"

const (
	currentName  = "paych-journal.ndjson"
	rolledPrefix = "paych-journal-"
)

// fsJournal is a basic journal backed by files on a filesystem.
type fsJournal struct {
	journal.EventTypeRegistry

	dir       string
	sizeLimit int64
	keep      int
	clock     clock.Clock

	fi    *os.File
	fSize int64

	incoming chan *journal.Event

	closing chan struct{}
	closed  chan struct{}
}

// OpenFSJournalPath constructs a rolling filesystem journal under dir. Size
// and backup limits come from PAYCH_JOURNAL_MAX_SIZE and
// PAYCH_JOURNAL_MAX_BACKUPS.
func OpenFSJournalPath(dir string, disabled journal.DisabledEvents) (journal.Journal, error) {
	return openFSJournal(dir, disabled, journal.EnvMaxSize, int(journal.EnvMaxBackups), build.Clock)
}

func openFSJournal(dir string, disabled journal.DisabledEvents, sizeLimit int64, keep int, clk clock.Clock) (*fsJournal, error) {
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, xerrors.Errorf("failed to expand journal path: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to mk directory %s for file journal: %w", dir, err)
	}

	f := &fsJournal{
		EventTypeRegistry: journal.NewEventTypeRegistry(disabled),
		dir:               dir,
		sizeLimit:         sizeLimit,
		keep:              keep,
		clock:             clk,
		incoming:          make(chan *journal.Event, 32),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}

	if err := f.rollJournalFile(); err != nil {
		return nil, err
	}

	go f.runLoop()

	return f, nil
}

func (f *fsJournal) RecordEvent(evtType journal.EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("recovered from panic while recording journal event; type=%s, err=%v", evtType, r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	je := &journal.Event{
		EventType: evtType,
		Timestamp: f.clock.Now(),
		Data:      supplier(),
	}
	select {
	case f.incoming <- je:
	case <-f.closing:
		log.Warnw("journal closed but tried to log event", "event", je)
	}
}

func (f *fsJournal) Close() error {
	close(f.closing)
	<-f.closed
	return nil
}

func (f *fsJournal) putEvent(evt *journal.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	n, err := f.fi.Write(append(b, '\n'))
	if err != nil {
		return err
	}

	f.fSize += int64(n)

	if f.fSize >= f.sizeLimit {
		_ = f.rollJournalFile()
	}

	return nil
}

func (f *fsJournal) rollJournalFile() error {
	if f.fi != nil {
		_ = f.fi.Close()
	}
	current := filepath.Join(f.dir, currentName)
	rolled := filepath.Join(f.dir, fmt.Sprintf(
		"%s%s.ndjson",
		rolledPrefix,
		f.clock.Now().Format(RFC3339nocolon),
	))

	// check if journal file exists
	if fi, err := os.Stat(current); err == nil && !fi.IsDir() {
		err := os.Rename(current, rolled)
		if err != nil {
			return xerrors.Errorf("failed to roll journal file: %w", err)
		}
	}

	nfi, err := os.Create(current)
	if err != nil {
		return xerrors.Errorf("failed to create journal file: %w", err)
	}

	f.fi = nfi
	f.fSize = 0

	f.pruneBackups()

	return nil
}

// pruneBackups removes the oldest rolled files beyond f.keep. Rolled names
// embed their timestamp, so lexical order is chronological.
func (f *fsJournal) pruneBackups() {
	if f.keep <= 0 {
		return
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		log.Warnw("listing journal directory", "dir", f.dir, "error", err)
		return
	}
	var rolled []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), rolledPrefix) {
			continue
		}
		rolled = append(rolled, e.Name())
	}
	if len(rolled) <= f.keep {
		return
	}
	sort.Strings(rolled)
	for _, name := range rolled[:len(rolled)-f.keep] {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
			log.Warnw("removing old journal file", "file", name, "error", err)
		}
	}
}

func (f *fsJournal) runLoop() {
	defer close(f.closed)

	for {
		select {
		case je := <-f.incoming:
			if err := f.putEvent(je); err != nil {
				log.Errorw("failed to write out journal event", "event", je, "err", err)
			}
		case <-f.closing:
			_ = f.fi.Close()
			return
		}
	}
}
