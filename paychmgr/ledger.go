package paychmgr

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hannahhoward/go-pubsub"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/journal"
	"github.com/filecoin-project/ethpaych/metrics"
)

type snapshotSaver interface {
	Save(*Snapshot) error
}

// Journal event payloads.
type (
	ChannelOpenedEvt struct {
		Channel ChannelKey
		Deposit *big.Int
	}
	PaymentAcceptedEvt struct {
		Channel ChannelKey
		Balance *big.Int
		Delta   *big.Int
	}
	ChannelSettledEvt struct {
		Channel     ChannelKey
		Cooperative bool
		Balance     *big.Int
	}
)

type ledgerEvtTypes struct {
	channelOpened   journal.EventType
	paymentAccepted journal.EventType
	dispute         journal.EventType
	channelSettled  journal.EventType
}

// Ledger is the authoritative set of channels for one receiver. Every
// mutation is written through the store before it becomes visible.
type Ledger struct {
	id     Identity
	store  snapshotSaver
	clock  clock.Clock
	j      journal.Journal
	evtTyp ledgerEvtTypes

	disputes disputeListeners

	lk         sync.RWMutex
	channels   map[ChannelKey]*Channel
	tombstones map[ChannelKey]uint64
	pending    map[ChannelKey]struct{}
	cursor     Cursor
}

// NewLedger builds a ledger from a loaded snapshot. The snapshot must have
// been validated against id by the store.
func NewLedger(id Identity, snap *Snapshot, store snapshotSaver, clk clock.Clock, j journal.Journal) *Ledger {
	if j == nil {
		j = journal.NilJournal()
	}
	l := &Ledger{
		id:    id,
		store: store,
		clock: clk,
		j:     j,
		evtTyp: ledgerEvtTypes{
			channelOpened:   j.RegisterEventType("paych", "channel_opened"),
			paymentAccepted: j.RegisterEventType("paych", "payment_accepted"),
			dispute:         j.RegisterEventType("paych", "dispute"),
			channelSettled:  j.RegisterEventType("paych", "channel_settled"),
		},
		disputes:   newDisputeListeners(),
		channels:   make(map[ChannelKey]*Channel),
		tombstones: make(map[ChannelKey]uint64),
		pending:    make(map[ChannelKey]struct{}),
	}
	if snap != nil {
		for _, ch := range snap.Channels {
			l.channels[ch.Key()] = ch.Clone()
		}
		for _, t := range snap.Tombstones {
			l.tombstones[t.Key] = t.Block
		}
		l.cursor = snap.Cursor
	}
	l.recordOpenChannels()
	return l
}

// ledgerUpdate is one atomic change to the ledger.
type ledgerUpdate struct {
	put       *Channel
	remove    *ChannelKey
	tombstone *Tombstone
	cursor    *Cursor
}

// commit persists the ledger with upd applied, then applies upd in memory.
// If the write fails the in-memory state is unchanged. Caller holds lk.
func (l *Ledger) commit(upd ledgerUpdate) error {
	cursor := l.cursor
	if upd.cursor != nil {
		cursor = *upd.cursor
	}

	snap := newSnapshot(l.id)
	snap.Cursor = cursor
	for k, ch := range l.channels {
		if upd.remove != nil && *upd.remove == k {
			continue
		}
		if upd.put != nil && upd.put.Key() == k {
			continue
		}
		snap.Channels = append(snap.Channels, ch)
	}
	if upd.put != nil {
		snap.Channels = append(snap.Channels, upd.put)
	}

	tombstones := make(map[ChannelKey]uint64, len(l.tombstones)+1)
	for k, b := range l.tombstones {
		tombstones[k] = b
	}
	if upd.tombstone != nil {
		tombstones[upd.tombstone.Key] = upd.tombstone.Block
	}
	for k, b := range tombstones {
		if cursor.Block >= b {
			delete(tombstones, k)
			continue
		}
		snap.Tombstones = append(snap.Tombstones, Tombstone{Key: k, Block: b})
	}
	sort.Slice(snap.Tombstones, func(i, j int) bool {
		return lessKey(snap.Tombstones[i].Key, snap.Tombstones[j].Key)
	})

	if err := l.store.Save(snap); err != nil {
		return xerrors.Errorf("persisting ledger: %w", err)
	}

	if upd.remove != nil {
		delete(l.channels, *upd.remove)
	}
	if upd.put != nil {
		l.channels[upd.put.Key()] = upd.put
		delete(l.pending, upd.put.Key())
	}
	l.tombstones = tombstones
	l.cursor = cursor
	return nil
}

// OpenChannel starts tracking a channel opened on chain at pos. Re-delivery
// of a known or already settled channel fails with ErrChannelAlreadyExists.
func (l *Ledger) OpenChannel(key ChannelKey, deposit *big.Int, pos EventPos) error {
	if key.Receiver != l.id.Receiver {
		return xerrors.Errorf("channel %s is for another receiver: %w", key, ErrChannelNotTracked)
	}
	if deposit == nil || deposit.Sign() < 0 {
		return xerrors.Errorf("channel %s deposit %v: %w", key, deposit, ErrInvalidBalanceAmount)
	}

	l.lk.Lock()
	defer l.lk.Unlock()

	if _, ok := l.channels[key]; ok {
		return xerrors.Errorf("channel %s: %w", key, ErrChannelAlreadyExists)
	}
	if _, ok := l.tombstones[key]; ok {
		return xerrors.Errorf("channel %s was settled: %w", key, ErrChannelAlreadyExists)
	}

	ch := newChannel(key, deposit)
	ch.LastEvent = pos
	ch.LastUpdate = l.clock.Now()
	if err := l.commit(ledgerUpdate{put: ch}); err != nil {
		return err
	}

	log.Infow("channel opened", "channel", key, "deposit", deposit)
	journal.MaybeAddEntry(l.j, l.evtTyp.channelOpened, func() interface{} {
		return ChannelOpenedEvt{Channel: key, Deposit: cloneInt(deposit)}
	})
	l.recordOpenChannels()
	return nil
}

// TopUp adds to the deposit of an open channel.
func (l *Ledger) TopUp(key ChannelKey, added *big.Int, pos EventPos) error {
	if added == nil || added.Sign() < 0 {
		return xerrors.Errorf("channel %s top up %v: %w", key, added, ErrInvalidBalanceAmount)
	}

	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		return xerrors.Errorf("top up for %s: %w", key, ErrNoOpenChannel)
	}
	if !cur.LastEvent.Before(pos) {
		log.Debugw("ignoring replayed top up", "channel", key, "block", pos.Block, "index", pos.Index)
		return nil
	}
	if cur.State != StateOpen {
		return xerrors.Errorf("top up for %s channel %s: %w", cur.State, key, ErrInvalidChannelState)
	}

	ch := cur.Clone()
	ch.Deposit.Add(ch.Deposit, added)
	ch.LastEvent = pos
	if err := l.commit(ledgerUpdate{put: ch}); err != nil {
		return err
	}
	log.Infow("channel topped up", "channel", key, "added", added, "deposit", ch.Deposit)
	return nil
}

// RegisterPayment accepts a balance proof signed by the channel's sender and
// returns the amount received with it. The sender is always the account
// recovered from sig; claimedSender, when set, must match it.
func (l *Ledger) RegisterPayment(receiver common.Address, openBlock uint32, claimedSender common.Address, balance *big.Int, sig []byte) (*big.Int, error) {
	if balance == nil || balance.Sign() <= 0 {
		return nil, xerrors.Errorf("balance %v: %w", balance, ErrInvalidBalanceAmount)
	}
	if len(sig) == 0 {
		return nil, ErrNoBalanceProofReceived
	}

	signer, err := RecoverBalanceProofSigner(receiver, openBlock, balance, l.id.Contract, l.id.NetworkID, sig)
	if err != nil {
		return nil, err
	}
	if claimedSender != (common.Address{}) && claimedSender != signer {
		return nil, xerrors.Errorf("proof not signed by %s: %w", claimedSender.Hex(), ErrInvalidBalanceProof)
	}

	key := ChannelKey{Sender: signer, Receiver: receiver, OpenBlock: openBlock}

	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		if _, pending := l.pending[key]; pending {
			return nil, xerrors.Errorf("channel %s: %w", key, ErrInsufficientConfirmations)
		}
		return nil, xerrors.Errorf("channel %s: %w", key, ErrNoOpenChannel)
	}
	if cur.State != StateOpen {
		return nil, xerrors.Errorf("channel %s is %s: %w", key, cur.State, ErrNoOpenChannel)
	}
	if balance.Cmp(cur.Balance) <= 0 {
		return nil, xerrors.Errorf("balance must increase: %w", ErrInvalidBalanceAmount)
	}
	if balance.Cmp(cur.Deposit) > 0 {
		return nil, xerrors.Errorf("balance exceeds deposit: %w", ErrInvalidBalanceAmount)
	}

	ch := cur.Clone()
	delta := new(big.Int).Sub(balance, cur.Balance)
	ch.Balance = new(big.Int).Set(balance)
	ch.BalanceSignature = append([]byte(nil), sig...)
	ch.LastUpdate = l.clock.Now()
	if err := l.commit(ledgerUpdate{put: ch}); err != nil {
		return nil, err
	}

	journal.MaybeAddEntry(l.j, l.evtTyp.paymentAccepted, func() interface{} {
		return PaymentAcceptedEvt{Channel: key, Balance: cloneInt(balance), Delta: cloneInt(delta)}
	})
	return delta, nil
}

// RequestClose applies a unilateral close requested on chain. When the
// sender closes below the registered balance the returned dispute is
// non-nil and is also published to dispute subscribers.
func (l *Ledger) RequestClose(key ChannelKey, closeBalance *big.Int, settleTimeout uint64, pos EventPos) (*DisputeEvt, error) {
	if closeBalance == nil || closeBalance.Sign() < 0 {
		return nil, xerrors.Errorf("close balance %v: %w", closeBalance, ErrInvalidBalanceAmount)
	}

	dispute, err := l.requestClose(key, closeBalance, settleTimeout, pos)
	if err != nil || dispute == nil {
		return dispute, err
	}

	log.Warnw("sender closed below registered balance",
		"channel", key, "closeBalance", closeBalance, "balance", dispute.Balance, "settleTimeout", settleTimeout)
	stats.Record(context.TODO(), metrics.PaychDisputes.M(1))
	journal.MaybeAddEntry(l.j, l.evtTyp.dispute, func() interface{} {
		return *dispute
	})
	l.disputes.fireDispute(*dispute)
	return dispute, nil
}

func (l *Ledger) requestClose(key ChannelKey, closeBalance *big.Int, settleTimeout uint64, pos EventPos) (*DisputeEvt, error) {
	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		return nil, xerrors.Errorf("close request for %s: %w", key, ErrNoOpenChannel)
	}
	if !cur.LastEvent.Before(pos) {
		log.Debugw("ignoring replayed close request", "channel", key, "block", pos.Block, "index", pos.Index)
		return nil, nil
	}
	if cur.State != StateOpen {
		return nil, xerrors.Errorf("close request for %s channel %s: %w", cur.State, key, ErrInvalidChannelState)
	}

	ch := cur.Clone()
	ch.State = StateClosing
	ch.SettleTimeout = settleTimeout
	ch.CloseBalance = new(big.Int).Set(closeBalance)
	ch.LastEvent = pos
	if err := l.commit(ledgerUpdate{put: ch}); err != nil {
		return nil, err
	}
	log.Infow("channel closing", "channel", key, "closeBalance", closeBalance, "settleTimeout", settleTimeout)

	// the higher balance always wins
	if closeBalance.Cmp(ch.Balance) < 0 {
		return &DisputeEvt{
			Channel:          key,
			CloseBalance:     cloneInt(closeBalance),
			Balance:          cloneInt(ch.Balance),
			BalanceSignature: append([]byte(nil), ch.BalanceSignature...),
			SettleTimeout:    settleTimeout,
		}, nil
	}
	return nil, nil
}

// CloseCooperatively settles a channel immediately given the sender's
// balance proof and the receiver's closing signature over it.
func (l *Ledger) CloseCooperatively(key ChannelKey, balance *big.Int, balanceSig, closingSig []byte) error {
	if len(balanceSig) == 0 {
		return ErrNoBalanceProofReceived
	}
	if balance == nil || balance.Sign() < 0 {
		return xerrors.Errorf("balance %v: %w", balance, ErrInvalidBalanceAmount)
	}
	signer, err := RecoverBalanceProofSigner(key.Receiver, key.OpenBlock, balance, l.id.Contract, l.id.NetworkID, balanceSig)
	if err != nil {
		return err
	}
	if signer != key.Sender {
		return xerrors.Errorf("balance proof not signed by %s: %w", key.Sender.Hex(), ErrInvalidBalanceProof)
	}
	if err := VerifyClosingAgreement(balanceSig, closingSig, key.Receiver); err != nil {
		return err
	}

	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		return xerrors.Errorf("channel %s: %w", key, ErrNoOpenChannel)
	}
	if balance.Cmp(cur.Deposit) > 0 {
		return xerrors.Errorf("balance exceeds deposit: %w", ErrInvalidBalanceAmount)
	}
	// the registered balance never decreases
	if balance.Cmp(cur.Balance) < 0 {
		return xerrors.Errorf("close balance %s below registered balance %s: %w", balance, cur.Balance, ErrInvalidBalanceAmount)
	}

	block := cur.LastEvent.Block
	if err := l.commit(ledgerUpdate{remove: &key, tombstone: &Tombstone{Key: key, Block: block}}); err != nil {
		return err
	}
	l.settled(key, balance, true)
	return nil
}

// CloseRegistered closes a channel cooperatively at its registered balance
// and returns the channel as it was before removal together with the
// receiver's closing signature. sign is called with the registered balance
// proof while the ledger is locked, so no payment is accepted between
// signing and removal. If balance is set it must equal the registered
// balance.
func (l *Ledger) CloseRegistered(key ChannelKey, balance *big.Int, sign func(balanceSig []byte) ([]byte, error)) (*Channel, []byte, error) {
	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		return nil, nil, xerrors.Errorf("channel %s: %w", key, ErrChannelNotTracked)
	}
	if !cur.HasProof() {
		return nil, nil, xerrors.Errorf("channel %s: %w", key, ErrNoBalanceProofReceived)
	}
	if balance != nil && balance.Cmp(cur.Balance) != 0 {
		return nil, nil, xerrors.Errorf("requested close balance %s differs from registered balance %s: %w", balance, cur.Balance, ErrInvalidBalanceAmount)
	}

	closing, err := sign(cur.BalanceSignature)
	if err != nil {
		return nil, nil, xerrors.Errorf("signing closing agreement: %w", err)
	}

	final := cur.Clone()
	if err := l.commit(ledgerUpdate{remove: &key, tombstone: &Tombstone{Key: key, Block: cur.LastEvent.Block}}); err != nil {
		return nil, nil, err
	}
	l.settled(key, final.Balance, true)
	return final, closing, nil
}

// Settle removes a channel settled on chain. Settling an unknown channel is
// a no-op.
func (l *Ledger) Settle(key ChannelKey, balance *big.Int, pos EventPos) error {
	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		log.Debugw("settle for untracked channel", "channel", key)
		return nil
	}
	if !cur.LastEvent.Before(pos) {
		log.Debugw("ignoring replayed settle", "channel", key, "block", pos.Block, "index", pos.Index)
		return nil
	}

	if err := l.commit(ledgerUpdate{remove: &key, tombstone: &Tombstone{Key: key, Block: pos.Block}}); err != nil {
		return err
	}
	l.settled(key, balance, false)
	return nil
}

// settled is called with lk held.
func (l *Ledger) settled(key ChannelKey, balance *big.Int, cooperative bool) {
	log.Infow("channel settled", "channel", key, "balance", balance, "cooperative", cooperative)
	journal.MaybeAddEntry(l.j, l.evtTyp.channelSettled, func() interface{} {
		return ChannelSettledEvt{Channel: key, Cooperative: cooperative, Balance: cloneInt(balance)}
	})
	stats.Record(context.TODO(), metrics.PaychOpenChannels.M(int64(len(l.channels))))
}

// Withdraw records tokens the receiver claimed on chain. It never lowers the
// registered balance.
func (l *Ledger) Withdraw(key ChannelKey, withdrawn *big.Int, pos EventPos) error {
	if withdrawn == nil || withdrawn.Sign() < 0 {
		return xerrors.Errorf("withdrawn %v: %w", withdrawn, ErrInvalidBalanceAmount)
	}

	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.channels[key]
	if !ok {
		return xerrors.Errorf("withdraw for %s: %w", key, ErrNoOpenChannel)
	}
	if !cur.LastEvent.Before(pos) {
		return nil
	}

	ch := cur.Clone()
	ch.Withdrawn.Add(ch.Withdrawn, withdrawn)
	ch.LastEvent = pos
	if err := l.commit(ledgerUpdate{put: ch}); err != nil {
		return err
	}
	log.Infow("channel withdraw", "channel", key, "withdrawn", withdrawn)
	return nil
}

// SetPending replaces the set of channels seen on chain but not yet
// confirmed. Pending channels are not persisted.
func (l *Ledger) SetPending(keys []ChannelKey) {
	l.lk.Lock()
	defer l.lk.Unlock()

	l.pending = make(map[ChannelKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := l.channels[k]; ok {
			continue
		}
		l.pending[k] = struct{}{}
	}
}

// SetCursor persists the sync cursor. It may not move backwards.
func (l *Ledger) SetCursor(c Cursor) error {
	l.lk.Lock()
	defer l.lk.Unlock()

	if c.Block < l.cursor.Block {
		return xerrors.Errorf("cursor moving backwards from %d to %d", l.cursor.Block, c.Block)
	}
	return l.commit(ledgerUpdate{cursor: &c})
}

func (l *Ledger) Cursor() Cursor {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.cursor
}

// GetChannel returns a copy of the channel.
func (l *Ledger) GetChannel(key ChannelKey) (*Channel, error) {
	l.lk.RLock()
	defer l.lk.RUnlock()

	ch, ok := l.channels[key]
	if !ok {
		return nil, xerrors.Errorf("channel %s: %w", key, ErrChannelNotTracked)
	}
	return ch.Clone(), nil
}

// ListChannels returns copies of the channels matching filter, ordered by key.
func (l *Ledger) ListChannels(filter ChannelFilter) []*Channel {
	l.lk.RLock()
	defer l.lk.RUnlock()

	out := make([]*Channel, 0, len(l.channels))
	for _, ch := range l.channels {
		if filter.Match(ch) {
			out = append(out, ch.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(out[i].Key(), out[j].Key())
	})
	return out
}

// IsPending reports whether key was seen on chain but is not confirmed yet.
func (l *Ledger) IsPending(key ChannelKey) bool {
	l.lk.RLock()
	defer l.lk.RUnlock()
	_, ok := l.pending[key]
	return ok
}

// SubscribeDisputes calls cb for every dispute until the returned function
// is called.
func (l *Ledger) SubscribeDisputes(cb func(DisputeEvt)) pubsub.Unsubscribe {
	return l.disputes.onDispute(cb)
}

func (l *Ledger) recordOpenChannels() {
	stats.Record(context.TODO(), metrics.PaychOpenChannels.M(int64(len(l.channels))))
}
