package paychmgr

import (
	"bytes"
	_ "embed"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/xerrors"
)

//go:embed channels.abi.json
var channelsABIJSON []byte

// Contract event names.
const (
	EvtChannelCreated        = "ChannelCreated"
	EvtChannelToppedUp       = "ChannelToppedUp"
	EvtChannelCloseRequested = "ChannelCloseRequested"
	EvtChannelSettled        = "ChannelSettled"
	EvtChannelWithdraw       = "ChannelWithdraw"
	EvtTrustedContract       = "TrustedContract"
)

var ErrUnknownEvent = xerrors.New("unknown contract event")

var (
	channelsABI  abi.ABI
	eventsByID   map[common.Hash]abi.Event
	eventTopics  []common.Hash
	createdTopic common.Hash
)

func init() {
	var err error
	channelsABI, err = abi.JSON(bytes.NewReader(channelsABIJSON))
	if err != nil {
		panic(err)
	}

	eventsByID = make(map[common.Hash]abi.Event, len(channelsABI.Events))
	for _, ev := range channelsABI.Events {
		eventsByID[ev.ID] = ev
		eventTopics = append(eventTopics, ev.ID)
	}
	sort.Slice(eventTopics, func(i, j int) bool {
		return bytes.Compare(eventTopics[i][:], eventTopics[j][:]) < 0
	})
	createdTopic = channelsABI.Events[EvtChannelCreated].ID
}

// ChainEvent is a decoded contract event.
type ChainEvent struct {
	Name   string
	Pos    EventPos
	TxHash common.Hash

	// Channel is unset for TrustedContract.
	Channel ChannelKey
	// Amount is the deposit, added deposit, balance or withdrawn amount,
	// depending on the event.
	Amount *big.Int
	// ReceiverTokens is set for ChannelSettled.
	ReceiverTokens *big.Int

	TrustedContract common.Address
	Trusted         bool
}

// DecodeLog decodes a contract log. The open block of ChannelCreated is the
// block the log was included in.
func DecodeLog(lg types.Log) (*ChainEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, xerrors.Errorf("log %s/%d has no topics: %w", lg.TxHash, lg.Index, ErrUnknownEvent)
	}
	ev, ok := eventsByID[lg.Topics[0]]
	if !ok {
		return nil, xerrors.Errorf("topic %s: %w", lg.Topics[0], ErrUnknownEvent)
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, xerrors.Errorf("%s log has %d topics, expected %d", ev.Name, len(lg.Topics), len(indexed)+1)
	}
	fields := make(map[string]interface{})
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, xerrors.Errorf("decoding %s topics: %w", ev.Name, err)
	}
	if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
		return nil, xerrors.Errorf("decoding %s data: %w", ev.Name, err)
	}

	out := &ChainEvent{
		Name:   ev.Name,
		Pos:    EventPos{Block: lg.BlockNumber, Index: lg.Index},
		TxHash: lg.TxHash,
	}

	if ev.Name == EvtTrustedContract {
		var err error
		if out.TrustedContract, err = field[common.Address](fields, "_trusted_contract_address"); err != nil {
			return nil, err
		}
		if out.Trusted, err = field[bool](fields, "_trusted_status"); err != nil {
			return nil, err
		}
		return out, nil
	}

	sender, err := field[common.Address](fields, "_sender_address")
	if err != nil {
		return nil, err
	}
	receiver, err := field[common.Address](fields, "_receiver_address")
	if err != nil {
		return nil, err
	}
	out.Channel = ChannelKey{Sender: sender, Receiver: receiver}

	var amountField string
	switch ev.Name {
	case EvtChannelCreated:
		if lg.BlockNumber > math.MaxUint32 {
			return nil, xerrors.Errorf("open block %d does not fit uint32", lg.BlockNumber)
		}
		out.Channel.OpenBlock = uint32(lg.BlockNumber)
		amountField = "_deposit"
	case EvtChannelToppedUp:
		amountField = "_added_deposit"
	case EvtChannelCloseRequested, EvtChannelSettled:
		amountField = "_balance"
	case EvtChannelWithdraw:
		amountField = "_withdrawn_balance"
	}

	if ev.Name != EvtChannelCreated {
		if out.Channel.OpenBlock, err = field[uint32](fields, "_open_block_number"); err != nil {
			return nil, err
		}
	}
	if out.Amount, err = field[*big.Int](fields, amountField); err != nil {
		return nil, err
	}
	if ev.Name == EvtChannelSettled {
		if out.ReceiverTokens, err = field[*big.Int](fields, "_receiver_tokens"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func field[T any](fields map[string]interface{}, name string) (T, error) {
	v, ok := fields[name].(T)
	if !ok {
		var zero T
		return zero, xerrors.Errorf("event field %s: unexpected %T", name, fields[name])
	}
	return v, nil
}

// sortEvents orders events by block, then log index.
func sortEvents(evts []*ChainEvent) {
	sort.SliceStable(evts, func(i, j int) bool {
		return evts[i].Pos.Before(evts[j].Pos)
	})
}
