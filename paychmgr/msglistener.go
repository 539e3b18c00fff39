package paychmgr

import (
	"math/big"

	"github.com/hannahhoward/go-pubsub"
	"golang.org/x/xerrors"
)

// DisputeEvt is published when a sender requests a unilateral close with a
// balance below the one the receiver holds a proof for. The receiver must
// submit Balance and BalanceSignature on chain before SettleTimeout.
type DisputeEvt struct {
	Channel          ChannelKey
	CloseBalance     *big.Int
	Balance          *big.Int
	BalanceSignature []byte
	SettleTimeout    uint64
}

type disputeListeners struct {
	ps *pubsub.PubSub
}

type disputeSubscriberFn func(DisputeEvt)

func newDisputeListeners() disputeListeners {
	ps := pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt, ok := event.(DisputeEvt)
		if !ok {
			return xerrors.Errorf("wrong type of event")
		}
		sub, ok := subFn.(disputeSubscriberFn)
		if !ok {
			return xerrors.Errorf("wrong type of subscriber")
		}
		sub(evt)
		return nil
	})
	return disputeListeners{ps: ps}
}

// onDispute registers a callback for disputes on any channel.
func (dl *disputeListeners) onDispute(cb func(DisputeEvt)) pubsub.Unsubscribe {
	var fn disputeSubscriberFn = cb
	return dl.ps.Subscribe(fn)
}

// fireDispute is called once the closing channel has been persisted.
func (dl *disputeListeners) fireDispute(evt DisputeEvt) {
	e := dl.ps.Publish(evt)
	if e != nil {
		// In theory we shouldn't ever get an error here
		log.Errorf("unexpected error publishing dispute: %s", e)
	}
}
