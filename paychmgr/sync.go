package paychmgr

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/journal"
	"github.com/filecoin-project/ethpaych/metrics"
)

var synclog = logging.Logger("paych-sync")

type logID struct {
	tx    common.Hash
	index uint
}

// ReorgEvt is journaled when the block at the sync cursor changed after it
// was confirmed.
type ReorgEvt struct {
	Block    uint64
	Expected common.Hash
	Found    common.Hash
}

// TrustedContractEvt is journaled for TrustedContract events.
type TrustedContractEvt struct {
	Contract common.Address
	Trusted  bool
}

// PollResult describes one poll of the chain.
type PollResult struct {
	Head   uint64
	Cursor Cursor
	// Events are the events applied to the ledger, in chain order.
	Events []*ChainEvent
	// Pending are channels opened within the confirmation depth.
	Pending []ChannelKey
}

// Sync feeds confirmed contract events into the ledger. Events are applied
// in (block, log index) order and the cursor only moves once every event up
// to it was applied, so a crash replays at most one block range.
type Sync struct {
	api    ChainAPI
	ledger *Ledger
	cfg    Config

	backoff *backoff.Backoff
	seen    *lru.Cache[logID, struct{}]

	reorgEvt   journal.EventType
	trustedEvt journal.EventType

	pollLk sync.Mutex

	readyOnce sync.Once
	ready     chan struct{}

	runningCtx context.Context
	cancelCtx  context.CancelFunc
	errgrp     *errgroup.Group
}

// NewSync creates a sync for ledger. cfg must have defaults filled in.
func NewSync(ctx context.Context, api ChainAPI, ledger *Ledger, cfg Config) (*Sync, error) {
	seen, err := lru.New[logID, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating dedup cache: %w", err)
	}

	runningCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	errgrp, runningCtx := errgroup.WithContext(runningCtx)
	return &Sync{
		api:    api,
		ledger: ledger,
		cfg:    cfg,
		backoff: &backoff.Backoff{
			Min:    cfg.PollInterval,
			Max:    cfg.MaxPollBackoff,
			Factor: 1.5,
			Jitter: true,
		},
		seen:       seen,
		reorgEvt:   cfg.Journal.RegisterEventType("paych", "reorg_detected"),
		trustedEvt: cfg.Journal.RegisterEventType("paych", "trusted_contract"),
		ready:      make(chan struct{}),
		runningCtx: runningCtx,
		cancelCtx:  cancel,
		errgrp:     errgrp,
	}, nil
}

// Start runs the poll loop in the background until Stop.
func (s *Sync) Start(ctx context.Context) error {
	s.errgrp.Go(func() error {
		return s.run(s.runningCtx)
	})
	return nil
}

// Stop cancels the poll loop and waits for an in-flight poll to return.
func (s *Sync) Stop(ctx context.Context) error {
	s.cancelCtx()
	return s.errgrp.Wait()
}

func (s *Sync) run(ctx context.Context) error {
	for ctx.Err() == nil {
		wait := s.cfg.PollInterval
		switch _, err := s.Poll(ctx); {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			wait = s.backoff.Duration()
			synclog.Warnw("chain poll failed; retrying after backoff", "backoff", wait, "attempts", s.backoff.Attempt(), "err", err)
			stats.Record(ctx, metrics.PaychPollFailure.M(1))
		default:
			s.backoff.Reset()
		}

		select {
		case <-s.cfg.Clock.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// WaitSync blocks until a poll caught the cursor up with the confirmed head.
func (s *Sync) WaitSync(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the cursor has caught up at least once.
func (s *Sync) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Poll fetches and applies every confirmed event after the cursor, then
// refreshes the set of pending channels. It is safe to call concurrently
// with the background loop; polls are serialized.
func (s *Sync) Poll(ctx context.Context) (*PollResult, error) {
	s.pollLk.Lock()
	defer s.pollLk.Unlock()

	head, err := s.api.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Errorf("getting chain head: %w", err)
	}

	cursor := s.ledger.Cursor()
	if err := s.checkReorg(ctx, cursor); err != nil {
		return nil, err
	}

	res := &PollResult{Head: head, Cursor: cursor}

	from := cursor.Block + 1
	if cursor.Hash == (common.Hash{}) {
		// never synced
		from = s.cfg.StartBlock
	}
	if from < s.cfg.StartBlock {
		from = s.cfg.StartBlock
	}

	target, confirmed := confirmedHead(head, s.cfg.ConfirmationDepth)
	for confirmed && from <= target {
		to := target
		if s.cfg.MaxBlockRange > 0 && to-from+1 > s.cfg.MaxBlockRange {
			to = from + s.cfg.MaxBlockRange - 1
		}

		evts, err := s.Fetch(ctx, from, to)
		if err != nil {
			return res, err
		}
		for _, ev := range evts {
			applied, err := s.apply(ctx, ev)
			if err != nil {
				return res, err
			}
			if applied {
				res.Events = append(res.Events, ev)
			}
		}

		hash, err := s.api.BlockHash(ctx, to)
		if err != nil {
			return res, xerrors.Errorf("getting hash of block %d: %w", to, err)
		}
		next := Cursor{Block: to, Hash: hash}
		if err := s.ledger.SetCursor(next); err != nil {
			return res, xerrors.Errorf("advancing cursor: %w", err)
		}
		res.Cursor = next
		from = to + 1
	}

	pendingFrom := from
	if confirmed && target+1 > pendingFrom {
		pendingFrom = target + 1
	}
	if pendingFrom <= head {
		res.Pending, err = s.scanPending(ctx, pendingFrom, head)
		if err != nil {
			return res, err
		}
	}
	s.ledger.SetPending(res.Pending)

	// nothing confirmed to apply yet counts as caught up, including a fresh
	// ledger starting above the confirmed head
	if !confirmed || from > target || res.Cursor.Block >= target {
		s.readyOnce.Do(func() {
			synclog.Infow("chain sync caught up", "head", head, "cursor", res.Cursor.Block)
			close(s.ready)
		})
	}

	stats.Record(ctx,
		metrics.PaychSyncHeight.M(int64(res.Cursor.Block)),
		metrics.PaychSyncLag.M(int64(head-min(head, res.Cursor.Block))),
	)
	return res, nil
}

// confirmedHead is the newest block at least depth blocks below head.
func confirmedHead(head, depth uint64) (uint64, bool) {
	if head < depth {
		return 0, false
	}
	return head - depth, true
}

// Fetch returns the contract events in [from, to] in chain order. Logs
// that cannot be decoded are skipped.
func (s *Sync) Fetch(ctx context.Context, from, to uint64) ([]*ChainEvent, error) {
	logs, err := s.api.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{eventTopics},
	})
	if err != nil {
		return nil, xerrors.Errorf("filtering logs %d-%d: %w", from, to, err)
	}

	evts := make([]*ChainEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeLog(lg)
		if err != nil {
			synclog.Errorw("skipping undecodable log", "tx", lg.TxHash, "index", lg.Index, "err", err)
			continue
		}
		evts = append(evts, ev)
	}
	sortEvents(evts)
	return evts, nil
}

func (s *Sync) scanPending(ctx context.Context, from, to uint64) ([]ChannelKey, error) {
	logs, err := s.api.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics: [][]common.Hash{
			{createdTopic},
			nil,
			{common.BytesToHash(s.cfg.Receiver().Bytes())},
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("filtering pending channels %d-%d: %w", from, to, err)
	}

	var keys []ChannelKey
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeLog(lg)
		if err != nil || ev.Name != EvtChannelCreated || ev.Channel.Receiver != s.cfg.Receiver() {
			continue
		}
		keys = append(keys, ev.Channel)
	}
	return keys, nil
}

func (s *Sync) checkReorg(ctx context.Context, cursor Cursor) error {
	if cursor.Hash == (common.Hash{}) {
		return nil
	}
	hash, err := s.api.BlockHash(ctx, cursor.Block)
	if err != nil {
		return xerrors.Errorf("getting hash of cursor block %d: %w", cursor.Block, err)
	}
	if hash == cursor.Hash {
		return nil
	}

	synclog.Errorw("block at sync cursor changed; reorg deeper than the confirmation depth",
		"block", cursor.Block, "expected", cursor.Hash, "found", hash)
	stats.Record(ctx, metrics.PaychReorgDetected.M(1))
	journal.MaybeAddEntry(s.cfg.Journal, s.reorgEvt, func() interface{} {
		return ReorgEvt{Block: cursor.Block, Expected: cursor.Hash, Found: hash}
	})
	return nil
}

// apply hands one event to the ledger. It reports whether the event was
// applied; redelivered and foreign events are skipped.
func (s *Sync) apply(ctx context.Context, ev *ChainEvent) (bool, error) {
	id := logID{tx: ev.TxHash, index: ev.Pos.Index}
	if s.seen.Contains(id) {
		return false, nil
	}
	if ev.Name != EvtTrustedContract && ev.Channel.Receiver != s.cfg.Receiver() {
		return false, nil
	}

	var err error
	switch ev.Name {
	case EvtChannelCreated:
		err = s.ledger.OpenChannel(ev.Channel, ev.Amount, ev.Pos)
	case EvtChannelToppedUp:
		err = s.ledger.TopUp(ev.Channel, ev.Amount, ev.Pos)
	case EvtChannelCloseRequested:
		_, err = s.ledger.RequestClose(ev.Channel, ev.Amount, ev.Pos.Block+s.cfg.ChallengePeriod, ev.Pos)
	case EvtChannelSettled:
		err = s.ledger.Settle(ev.Channel, ev.Amount, ev.Pos)
	case EvtChannelWithdraw:
		err = s.ledger.Withdraw(ev.Channel, ev.Amount, ev.Pos)
	case EvtTrustedContract:
		synclog.Infow("trusted contract", "contract", ev.TrustedContract, "trusted", ev.Trusted)
		journal.MaybeAddEntry(s.cfg.Journal, s.trustedEvt, func() interface{} {
			return TrustedContractEvt{Contract: ev.TrustedContract, Trusted: ev.Trusted}
		})
	}

	switch {
	case err == nil:
		synclog.Debugf("applied %s for %s at %d/%d", ev.Name, ev.Channel, ev.Pos.Block, ev.Pos.Index)
	case errors.Is(err, ErrChannelAlreadyExists):
		synclog.Debugw("ignoring redelivered event", "event", ev.Name, "channel", ev.Channel, "err", err)
	case errors.Is(err, ErrNoOpenChannel),
		errors.Is(err, ErrInvalidChannelState),
		errors.Is(err, ErrInvalidBalanceAmount),
		errors.Is(err, ErrChannelNotTracked):
		synclog.Warnw("event does not apply to the ledger", "event", ev.Name, "channel", ev.Channel, "block", ev.Pos.Block, "err", err)
	default:
		return false, xerrors.Errorf("applying %s at %d/%d: %w", ev.Name, ev.Pos.Block, ev.Pos.Index, err)
	}

	s.seen.Add(id, struct{}{})
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.EventName, ev.Name)}, metrics.PaychEventsApplied.M(1))
	return err == nil, nil
}
