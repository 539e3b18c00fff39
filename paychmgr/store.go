package paychmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	fslock "github.com/ipfs/go-fs-lock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/build"
	"github.com/filecoin-project/ethpaych/lib/cborutil"
	"github.com/filecoin-project/ethpaych/metrics"
)

// Identity is what a snapshot was built against. A snapshot is only valid
// for the receiver, contract and network it was written for.
type Identity struct {
	Receiver  common.Address
	Contract  common.Address
	NetworkID uint64
}

// Cursor is the last block whose events were fully applied.
type Cursor struct {
	Block uint64
	Hash  common.Hash
}

// Tombstone remembers a settled channel until the sync cursor passes the
// block it was settled at, so replayed events cannot resurrect it.
type Tombstone struct {
	Key   ChannelKey
	Block uint64
}

// Snapshot is the persisted image of the ledger.
type Snapshot struct {
	Version   uint64
	Receiver  common.Address
	Contract  common.Address
	NetworkID uint64

	Cursor     Cursor
	Channels   []*Channel
	Tombstones []Tombstone
}

func newSnapshot(id Identity) *Snapshot {
	return &Snapshot{
		Version:   build.SnapshotVersion,
		Receiver:  id.Receiver,
		Contract:  id.Contract,
		NetworkID: id.NetworkID,
	}
}

// Store persists the ledger snapshot in a single owner-only file. It holds
// an exclusive lock on the file from OpenStore until Close.
type Store struct {
	path string
	id   Identity

	lk io.Closer
}

func lockName(path string) string {
	return filepath.Base(path) + ".lock"
}

// OpenStore locks the state file at path. It fails with ErrStateFileLocked
// if another store holds the lock.
func OpenStore(path string, id Identity) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, xerrors.Errorf("creating state directory: %w", err)
	}

	locked, err := fslock.Locked(dir, lockName(path))
	if err != nil {
		return nil, xerrors.Errorf("could not check lock status: %w", err)
	}
	if locked {
		return nil, &StateFileError{Kind: ErrStateFileLocked, Path: path}
	}

	closer, err := fslock.Lock(dir, lockName(path))
	if err != nil {
		if errors.As(err, new(fslock.LockedError)) {
			return nil, &StateFileError{Kind: ErrStateFileLocked, Path: path, Err: err}
		}
		return nil, xerrors.Errorf("could not lock the state file: %w", err)
	}

	return &Store{path: path, id: id, lk: closer}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file yields an empty snapshot for the
// store's identity. Any problem with an existing file is a *StateFileError.
func (s *Store) Load() (*Snapshot, error) {
	st, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return newSnapshot(s.id), nil
	}
	if err != nil {
		return nil, xerrors.Errorf("stat state file: %w", err)
	}
	if perm := st.Mode().Perm(); perm&0o077 != 0 {
		return nil, &StateFileError{
			Kind:     ErrInsecureStateFile,
			Path:     s.path,
			Expected: "0600",
			Found:    fmt.Sprintf("%#o", perm),
		}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xerrors.Errorf("reading state file: %w", err)
	}

	var snap Snapshot
	if err := cborutil.Load(data, &snap); err != nil {
		return nil, &StateFileError{Kind: ErrStateFileCorrupt, Path: s.path, Err: err}
	}
	if snap.Version != build.SnapshotVersion {
		return nil, &StateFileError{
			Kind:     ErrStateFileCorrupt,
			Path:     s.path,
			Expected: fmt.Sprintf("version %d", build.SnapshotVersion),
			Found:    fmt.Sprintf("version %d", snap.Version),
		}
	}
	if err := s.checkIdentity(&snap); err != nil {
		return nil, err
	}
	for _, ch := range snap.Channels {
		if err := checkChannel(ch); err != nil {
			return nil, &StateFileError{Kind: ErrStateFileCorrupt, Path: s.path, Err: err}
		}
	}
	return &snap, nil
}

func (s *Store) checkIdentity(snap *Snapshot) error {
	switch {
	case snap.Receiver != s.id.Receiver:
		return &StateFileError{
			Kind:     ErrStateReceiverAddrMismatch,
			Path:     s.path,
			Expected: s.id.Receiver.Hex(),
			Found:    snap.Receiver.Hex(),
		}
	case snap.Contract != s.id.Contract:
		return &StateFileError{
			Kind:     ErrStateContractAddrMismatch,
			Path:     s.path,
			Expected: s.id.Contract.Hex(),
			Found:    snap.Contract.Hex(),
		}
	case snap.NetworkID != s.id.NetworkID:
		return &StateFileError{
			Kind:     ErrNetworkIDMismatch,
			Path:     s.path,
			Expected: fmt.Sprint(s.id.NetworkID),
			Found:    fmt.Sprint(snap.NetworkID),
		}
	}
	return nil
}

func checkChannel(ch *Channel) error {
	if ch == nil {
		return xerrors.New("nil channel")
	}
	if ch.Deposit == nil || ch.Balance == nil || ch.Withdrawn == nil {
		return xerrors.Errorf("channel %s: missing amounts", ch.Key())
	}
	if ch.Balance.Sign() < 0 || ch.Balance.Cmp(ch.Deposit) > 0 {
		return xerrors.Errorf("channel %s: balance outside deposit", ch.Key())
	}
	if ch.State != StateOpen && ch.State != StateClosing {
		return xerrors.Errorf("channel %s: state %s", ch.Key(), ch.State)
	}
	return nil
}

// Save writes the snapshot to a temporary file next to the state file and
// renames it into place.
func (s *Store) Save(snap *Snapshot) error {
	defer metrics.Timer(context.TODO(), metrics.PaychSnapshotSaveDur)()

	sort.Slice(snap.Channels, func(i, j int) bool {
		return lessKey(snap.Channels[i].Key(), snap.Channels[j].Key())
	})

	data, err := cborutil.Dump(snap)
	if err != nil {
		return xerrors.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return xerrors.Errorf("creating temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("chmod temporary state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("writing temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("syncing temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("closing temporary state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return xerrors.Errorf("renaming state file: %w", err)
	}
	tmpName = ""

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			log.Warnw("syncing state directory", "dir", dir, "error", err)
		}
		_ = d.Close()
	}
	return nil
}

// Close releases the state file lock.
func (s *Store) Close() error {
	if s.lk == nil {
		return nil
	}
	err := s.lk.Close()
	s.lk = nil
	return err
}

func lessKey(a, b ChannelKey) bool {
	if c := bytes.Compare(a.Sender[:], b.Sender[:]); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.Receiver[:], b.Receiver[:]); c != 0 {
		return c < 0
	}
	return a.OpenBlock < b.OpenBlock
}
