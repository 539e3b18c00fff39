package paychmgr

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState uint8

const (
	StateOpen ChannelState = iota
	// StateClosing means a unilateral close was requested and the challenge
	// period is running.
	StateClosing
	StateSettled
)

func (s ChannelState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("ChannelState(%d)", uint8(s))
	}
}

func (s ChannelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ChannelState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StateOpen
	case "closing":
		*s = StateClosing
	case "settled":
		*s = StateSettled
	default:
		return xerrors.Errorf("unknown channel state %q", string(b))
	}
	return nil
}

// ChannelKey identifies a channel. Several channels may exist between the
// same pair of accounts, one per open block.
type ChannelKey struct {
	Sender    common.Address
	Receiver  common.Address
	OpenBlock uint32
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s-%s-%d", k.Sender.Hex(), k.Receiver.Hex(), k.OpenBlock)
}

// EventPos orders contract events on chain.
type EventPos struct {
	Block uint64
	Index uint
}

// Before reports whether p comes strictly before o.
func (p EventPos) Before(o EventPos) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

// Channel is the receiver's view of one payment channel.
type Channel struct {
	Sender    common.Address
	Receiver  common.Address
	OpenBlock uint32

	Deposit *big.Int
	// Balance is the highest balance a valid proof has been registered for.
	Balance          *big.Int
	BalanceSignature []byte
	// Withdrawn is the amount the receiver already claimed on chain.
	Withdrawn *big.Int

	State ChannelState
	// SettleTimeout is the block after which a closing channel may be settled.
	SettleTimeout uint64
	// CloseBalance is the balance the sender submitted with a unilateral close.
	CloseBalance *big.Int

	LastUpdate time.Time
	// LastEvent is the last chain event applied to the channel.
	LastEvent EventPos
}

func (ch *Channel) Key() ChannelKey {
	return ChannelKey{Sender: ch.Sender, Receiver: ch.Receiver, OpenBlock: ch.OpenBlock}
}

// HasProof reports whether a balance proof was registered.
func (ch *Channel) HasProof() bool {
	return len(ch.BalanceSignature) > 0
}

// Remaining is the part of the deposit not yet paid out.
func (ch *Channel) Remaining() *big.Int {
	return new(big.Int).Sub(ch.Deposit, ch.Balance)
}

// Clone returns a deep copy.
func (ch *Channel) Clone() *Channel {
	out := *ch
	out.Deposit = cloneInt(ch.Deposit)
	out.Balance = cloneInt(ch.Balance)
	out.Withdrawn = cloneInt(ch.Withdrawn)
	out.CloseBalance = cloneInt(ch.CloseBalance)
	if ch.BalanceSignature != nil {
		out.BalanceSignature = append([]byte(nil), ch.BalanceSignature...)
	}
	return &out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func newChannel(key ChannelKey, deposit *big.Int) *Channel {
	return &Channel{
		Sender:    key.Sender,
		Receiver:  key.Receiver,
		OpenBlock: key.OpenBlock,
		Deposit:   cloneInt(deposit),
		Balance:   new(big.Int),
		Withdrawn: new(big.Int),
		State:     StateOpen,
	}
}

// ChannelFilter selects channels in ListChannels. Zero fields match
// everything.
type ChannelFilter struct {
	Sender   *common.Address
	Receiver *common.Address
	State    *ChannelState
	// IdleSince matches channels not updated since the given time.
	IdleSince time.Time
}

func (f ChannelFilter) Match(ch *Channel) bool {
	if f.Sender != nil && *f.Sender != ch.Sender {
		return false
	}
	if f.Receiver != nil && *f.Receiver != ch.Receiver {
		return false
	}
	if f.State != nil && *f.State != ch.State {
		return false
	}
	if !f.IdleSince.IsZero() && !ch.LastUpdate.Before(f.IdleSince) {
		return false
	}
	return true
}
