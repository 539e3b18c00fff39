package paychmgr

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hannahhoward/go-pubsub"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/build"
	"github.com/filecoin-project/ethpaych/journal"
	"github.com/filecoin-project/ethpaych/metrics"
)

var log = logging.Logger("paych")

// Config is everything the manager needs. There is no package level state;
// two managers with different configs can run side by side.
type Config struct {
	Contract  common.Address
	NetworkID uint64
	// ReceiverKey signs closing agreements. The receiver address is derived
	// from it.
	ReceiverKey *ecdsa.PrivateKey

	StatePath string

	ConfirmationDepth uint64
	ChallengePeriod   uint64
	// StartBlock is where a fresh ledger starts scanning, usually the
	// contract deployment block.
	StartBlock     uint64
	PollInterval   time.Duration
	MaxPollBackoff time.Duration
	MaxBlockRange  uint64
	DedupCacheSize int

	Clock   clock.Clock
	Journal journal.Journal
}

// Receiver is the address of ReceiverKey.
func (c Config) Receiver() common.Address {
	if c.ReceiverKey == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.ReceiverKey.PublicKey)
}

func (c Config) Identity() Identity {
	return Identity{Receiver: c.Receiver(), Contract: c.Contract, NetworkID: c.NetworkID}
}

func (c *Config) fillDefaults() {
	if c.ChallengePeriod == 0 {
		c.ChallengePeriod = build.ChallengePeriodMin
	}
	if c.PollInterval == 0 {
		c.PollInterval = build.PollInterval
	}
	if c.MaxPollBackoff == 0 {
		c.MaxPollBackoff = build.MaxPollBackoff
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = build.MaxBlockRange
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = build.DedupCacheSize
	}
	if c.Clock == nil {
		c.Clock = build.Clock
	}
	if c.Journal == nil {
		c.Journal = journal.NilJournal()
	}
}

func (c *Config) validate() error {
	switch {
	case c.ReceiverKey == nil:
		return xerrors.New("receiver key not set")
	case c.Contract == (common.Address{}):
		return xerrors.New("channel contract address not set")
	case c.StatePath == "":
		return xerrors.New("state file path not set")
	}
	return nil
}

// CloseAgreement is what a sender needs to close a channel cooperatively.
type CloseAgreement struct {
	Channel          ChannelKey
	Balance          *big.Int
	BalanceSignature []byte
	ClosingSignature []byte
}

type Manager struct {
	cfg Config

	store  *Store
	ledger *Ledger
	sync   *Sync
}

// NewManager loads the state file and prepares chain sync. Any
// *StateFileError is returned as is and must abort startup.
func NewManager(ctx context.Context, api ChainAPI, cfg Config) (*Manager, error) {
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg.StatePath, cfg.Identity())
	if err != nil {
		return nil, err
	}
	snap, err := store.Load()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ledger := NewLedger(cfg.Identity(), snap, store, cfg.Clock, cfg.Journal)
	sync, err := NewSync(ctx, api, ledger, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Infow("loaded channel state",
		"path", cfg.StatePath,
		"receiver", cfg.Receiver(),
		"contract", cfg.Contract,
		"channels", len(snap.Channels),
		"cursor", snap.Cursor.Block)

	return &Manager{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		sync:   sync,
	}, nil
}

// Start starts following the chain.
func (pm *Manager) Start(ctx context.Context) error {
	return pm.sync.Start(ctx)
}

// WaitSync blocks until the ledger has caught up with the confirmed head.
// Payments should not be served before it returns.
func (pm *Manager) WaitSync(ctx context.Context) error {
	return pm.sync.WaitSync(ctx)
}

func (pm *Manager) Ready() bool {
	return pm.sync.Ready()
}

// Poll runs one sync step in the calling goroutine.
func (pm *Manager) Poll(ctx context.Context) (*PollResult, error) {
	return pm.sync.Poll(ctx)
}

func (pm *Manager) Receiver() common.Address {
	return pm.cfg.Receiver()
}

func (pm *Manager) Contract() common.Address {
	return pm.cfg.Contract
}

// checkSynced fails with ErrInsufficientConfirmations until chain sync has
// caught up once. Before that the ledger may miss deposits, closes and
// settlements that happened while the receiver was down.
func (pm *Manager) checkSynced() error {
	if !pm.sync.Ready() {
		return xerrors.Errorf("chain sync has not caught up: %w", ErrInsufficientConfirmations)
	}
	return nil
}

// RegisterPayment registers a balance proof and returns the amount received.
func (pm *Manager) RegisterPayment(ctx context.Context, receiver common.Address, openBlock uint32, sender common.Address, balance *big.Int, sig []byte) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	delta, err := pm.registerPayment(receiver, openBlock, sender, balance, sig)
	if err != nil {
		_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.FailureType, failureType(err))}, metrics.PaychPaymentRejected.M(1))
		return nil, err
	}

	d, _ := new(big.Float).SetInt(delta).Float64()
	stats.Record(ctx, metrics.PaychPaymentAccepted.M(1), metrics.PaychPaymentDelta.M(d))
	return delta, nil
}

func (pm *Manager) registerPayment(receiver common.Address, openBlock uint32, sender common.Address, balance *big.Int, sig []byte) (*big.Int, error) {
	if err := pm.checkSynced(); err != nil {
		return nil, err
	}
	return pm.ledger.RegisterPayment(receiver, openBlock, sender, balance, sig)
}

// GetChannel fails with ErrChannelNotTracked for unknown channels.
func (pm *Manager) GetChannel(key ChannelKey) (*Channel, error) {
	return pm.ledger.GetChannel(key)
}

func (pm *Manager) ListChannels(filter ChannelFilter) []*Channel {
	return pm.ledger.ListChannels(filter)
}

// SignClose returns the receiver's closing signature over the registered
// balance proof of the channel. If balance is set it must equal the
// registered balance.
func (pm *Manager) SignClose(sender common.Address, openBlock uint32, balance *big.Int) (*CloseAgreement, error) {
	if err := pm.checkSynced(); err != nil {
		return nil, err
	}

	key := ChannelKey{Sender: sender, Receiver: pm.cfg.Receiver(), OpenBlock: openBlock}
	ch, err := pm.ledger.GetChannel(key)
	if errors.Is(err, ErrChannelNotTracked) {
		return nil, xerrors.Errorf("channel %s: %w", key, ErrNoOpenChannel)
	}
	if err != nil {
		return nil, err
	}
	if !ch.HasProof() {
		return nil, xerrors.Errorf("channel %s: %w", key, ErrNoBalanceProofReceived)
	}
	if balance != nil && balance.Cmp(ch.Balance) != 0 {
		return nil, xerrors.Errorf("requested close balance differs from registered balance: %w", ErrInvalidBalanceAmount)
	}

	closing, err := SignClosingAgreement(pm.cfg.ReceiverKey, ch.BalanceSignature)
	if err != nil {
		return nil, xerrors.Errorf("signing closing agreement: %w", err)
	}
	return &CloseAgreement{
		Channel:          key,
		Balance:          ch.Balance,
		BalanceSignature: ch.BalanceSignature,
		ClosingSignature: closing,
	}, nil
}

// CloseCooperatively settles a channel given both parties' signatures. The
// balance may not be below the registered balance.
func (pm *Manager) CloseCooperatively(ctx context.Context, key ChannelKey, balance *big.Int, balanceSig, closingSig []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pm.checkSynced(); err != nil {
		return err
	}
	return pm.ledger.CloseCooperatively(key, balance, balanceSig, closingSig)
}

// CloseChannel signs a closing agreement over the registered balance proof
// of a channel and drops the channel in the same ledger operation. It
// returns the channel as it was when closed. If balance is set it must
// equal the registered balance.
func (pm *Manager) CloseChannel(ctx context.Context, sender common.Address, openBlock uint32, balance *big.Int) (*Channel, *CloseAgreement, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := pm.checkSynced(); err != nil {
		return nil, nil, err
	}

	key := ChannelKey{Sender: sender, Receiver: pm.cfg.Receiver(), OpenBlock: openBlock}
	ch, closing, err := pm.ledger.CloseRegistered(key, balance, func(balanceSig []byte) ([]byte, error) {
		return SignClosingAgreement(pm.cfg.ReceiverKey, balanceSig)
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, &CloseAgreement{
		Channel:          key,
		Balance:          cloneInt(ch.Balance),
		BalanceSignature: append([]byte(nil), ch.BalanceSignature...),
		ClosingSignature: closing,
	}, nil
}

// SubscribeDisputes calls cb whenever a sender closes a channel below the
// registered balance.
func (pm *Manager) SubscribeDisputes(cb func(DisputeEvt)) pubsub.Unsubscribe {
	return pm.ledger.SubscribeDisputes(cb)
}

// Stop shuts down chain sync and releases the state file. Every accepted
// mutation is already on disk.
func (pm *Manager) Stop(ctx context.Context) error {
	var merr *multierror.Error
	if err := pm.sync.Stop(ctx); err != nil {
		merr = multierror.Append(merr, xerrors.Errorf("stopping chain sync: %w", err))
	}
	if err := pm.store.Close(); err != nil {
		merr = multierror.Append(merr, xerrors.Errorf("releasing state file: %w", err))
	}
	return merr.ErrorOrNil()
}
