package paychmgr

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestLedgerOpenChannel(t *testing.T) {
	env := newTestEnv(t)
	saver := &memSaver{}
	l := env.newLedger(saver)

	key := env.key(100)
	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100, Index: 1}))
	require.Equal(t, 1, saver.saves)

	ch, err := l.GetChannel(key)
	require.NoError(t, err)
	require.Equal(t, StateOpen, ch.State)
	require.EqualValues(t, 1000, ch.Deposit.Int64())
	require.EqualValues(t, 0, ch.Balance.Int64())
	require.False(t, ch.HasProof())

	// same chain event delivered twice
	err = l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100, Index: 1})
	require.ErrorIs(t, err, ErrChannelAlreadyExists)
	require.Equal(t, 1, saver.saves)
	require.Len(t, l.ListChannels(ChannelFilter{}), 1)

	// a later channel between the same pair is a different channel
	require.NoError(t, l.OpenChannel(env.key(200), big.NewInt(5), EventPos{Block: 200}))
	require.Len(t, l.ListChannels(ChannelFilter{}), 2)

	other := ChannelKey{Sender: env.sender, Receiver: common.HexToAddress("0x01"), OpenBlock: 300}
	require.ErrorIs(t, l.OpenChannel(other, big.NewInt(5), EventPos{Block: 300}), ErrChannelNotTracked)
}

func TestLedgerPaymentMonotonicity(t *testing.T) {
	env := newTestEnv(t)
	l := env.newLedger(&memSaver{})

	key := env.key(100)
	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))

	prev := int64(0)
	for _, bal := range []int64{1, 5, 5, 4, 500, 1000, 1001, 999} {
		delta, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(bal), env.sign(t, 100, bal))
		ch, gerr := l.GetChannel(key)
		require.NoError(t, gerr)

		if bal > prev && bal <= 1000 {
			require.NoError(t, err, "balance %d", bal)
			require.EqualValues(t, bal-prev, delta.Int64())
			prev = bal
		} else {
			require.ErrorIs(t, err, ErrInvalidBalanceAmount, "balance %d", bal)
		}
		require.EqualValues(t, prev, ch.Balance.Int64())
		require.True(t, ch.Balance.Cmp(ch.Deposit) <= 0)
	}
}

func TestLedgerPaymentRejections(t *testing.T) {
	env := newTestEnv(t)
	saver := &memSaver{}
	l := env.newLedger(saver)
	require.NoError(t, l.OpenChannel(env.key(100), big.NewInt(1000), EventPos{Block: 100}))
	saves := saver.saves

	t.Run("wrong claimed sender", func(t *testing.T) {
		_, err := l.RegisterPayment(env.receiver, 100, common.HexToAddress("0x0a"), big.NewInt(10), env.sign(t, 100, 10))
		require.ErrorIs(t, err, ErrInvalidBalanceProof)
	})
	t.Run("proof for another balance", func(t *testing.T) {
		_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(11), env.sign(t, 100, 10))
		require.ErrorIs(t, err, ErrInvalidBalanceProof)
	})
	t.Run("proof for another channel", func(t *testing.T) {
		_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), env.sign(t, 101, 10))
		require.ErrorIs(t, err, ErrInvalidBalanceProof)
	})
	t.Run("proof for another contract", func(t *testing.T) {
		sig, err := SignBalanceProof(env.senderKey, env.receiver, 100, big.NewInt(10), common.HexToAddress("0x0c"))
		require.NoError(t, err)
		_, err = l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), sig)
		require.ErrorIs(t, err, ErrInvalidBalanceProof)
	})
	t.Run("unknown channel", func(t *testing.T) {
		_, err := l.RegisterPayment(env.receiver, 77, common.Address{}, big.NewInt(10), env.sign(t, 77, 10))
		require.ErrorIs(t, err, ErrNoOpenChannel)
	})
	t.Run("pending channel", func(t *testing.T) {
		l.SetPending([]ChannelKey{env.key(77)})
		require.True(t, l.IsPending(env.key(77)))
		_, err := l.RegisterPayment(env.receiver, 77, common.Address{}, big.NewInt(10), env.sign(t, 77, 10))
		require.ErrorIs(t, err, ErrInsufficientConfirmations)
		l.SetPending(nil)
	})
	t.Run("missing signature", func(t *testing.T) {
		_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), nil)
		require.ErrorIs(t, err, ErrNoBalanceProofReceived)
	})
	t.Run("malformed signature", func(t *testing.T) {
		_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), []byte{1, 2, 3})
		require.ErrorIs(t, err, ErrInvalidBalanceProof)
	})
	t.Run("eth_sign prefixed proof", func(t *testing.T) {
		h, err := BalanceProofHash(env.receiver, 100, big.NewInt(10), env.contract)
		require.NoError(t, err)
		prefixed := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), h.Bytes())
		sig, err := crypto.Sign(prefixed, env.senderKey)
		require.NoError(t, err)
		_, err = l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), sig)
		require.ErrorIs(t, err, ErrInvalidBalanceProof)
	})

	for _, err := range []error{ErrInvalidBalanceProof, ErrNoOpenChannel, ErrInsufficientConfirmations} {
		require.True(t, IsPaymentRejection(xerrors.Errorf("wrapped: %w", err)))
	}
	require.Equal(t, saves, saver.saves, "rejected payments must not be persisted")

	ch, err := l.GetChannel(env.key(100))
	require.NoError(t, err)
	require.EqualValues(t, 0, ch.Balance.Int64())
}

func TestLedgerFailedSaveLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	saver := &memSaver{}
	l := env.newLedger(saver)
	key := env.key(100)
	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))

	saver.err = xerrors.New("disk full")
	_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), env.sign(t, 100, 10))
	require.Error(t, err)
	require.False(t, IsPaymentRejection(err))

	ch, err := l.GetChannel(key)
	require.NoError(t, err)
	require.EqualValues(t, 0, ch.Balance.Int64())

	saver.err = nil
	delta, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(10), env.sign(t, 100, 10))
	require.NoError(t, err)
	require.EqualValues(t, 10, delta.Int64())
}

func TestLedgerTopUp(t *testing.T) {
	env := newTestEnv(t)
	l := env.newLedger(&memSaver{})
	key := env.key(100)

	require.ErrorIs(t, l.TopUp(key, big.NewInt(5), EventPos{Block: 101}), ErrNoOpenChannel)

	require.NoError(t, l.OpenChannel(key, big.NewInt(10), EventPos{Block: 100}))
	require.NoError(t, l.TopUp(key, big.NewInt(5), EventPos{Block: 101}))
	// replay of the same event
	require.NoError(t, l.TopUp(key, big.NewInt(5), EventPos{Block: 101}))

	ch, err := l.GetChannel(key)
	require.NoError(t, err)
	require.EqualValues(t, 15, ch.Deposit.Int64())

	// payments up to the new deposit are accepted
	_, err = l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(15), env.sign(t, 100, 15))
	require.NoError(t, err)

	_, err = l.RequestClose(key, big.NewInt(15), 602, EventPos{Block: 102})
	require.NoError(t, err)
	require.ErrorIs(t, l.TopUp(key, big.NewInt(5), EventPos{Block: 103}), ErrInvalidChannelState)
}

func TestLedgerDispute(t *testing.T) {
	tcases := []struct {
		name         string
		closeBalance int64
		dispute      bool
	}{
		{name: "below registered balance", closeBalance: 50, dispute: true},
		{name: "one below registered balance", closeBalance: 89, dispute: true},
		{name: "equal to registered balance", closeBalance: 90, dispute: false},
		{name: "above registered balance", closeBalance: 95, dispute: false},
	}

	for _, tcase := range tcases {
		tcase := tcase
		t.Run(tcase.name, func(t *testing.T) {
			env := newTestEnv(t)
			l := env.newLedger(&memSaver{})
			key := env.key(100)
			require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))
			sig90 := env.sign(t, 100, 90)
			_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(90), sig90)
			require.NoError(t, err)

			var published []DisputeEvt
			unsub := l.SubscribeDisputes(func(evt DisputeEvt) {
				published = append(published, evt)
			})
			defer unsub()

			dispute, err := l.RequestClose(key, big.NewInt(tcase.closeBalance), 700, EventPos{Block: 200})
			require.NoError(t, err)

			ch, err := l.GetChannel(key)
			require.NoError(t, err)
			require.Equal(t, StateClosing, ch.State)
			require.EqualValues(t, 700, ch.SettleTimeout)
			require.EqualValues(t, tcase.closeBalance, ch.CloseBalance.Int64())
			// the registered balance is never lowered by a close request
			require.EqualValues(t, 90, ch.Balance.Int64())

			if !tcase.dispute {
				require.Nil(t, dispute)
				require.Empty(t, published)
				return
			}
			require.NotNil(t, dispute)
			require.EqualValues(t, 90, dispute.Balance.Int64())
			require.EqualValues(t, tcase.closeBalance, dispute.CloseBalance.Int64())
			require.Equal(t, sig90, dispute.BalanceSignature)
			require.Len(t, published, 1)
			require.Equal(t, key, published[0].Channel)

			// payments are refused while closing
			_, err = l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(95), env.sign(t, 100, 95))
			require.ErrorIs(t, err, ErrNoOpenChannel)
		})
	}
}

func TestLedgerSettle(t *testing.T) {
	env := newTestEnv(t)
	saver := &memSaver{}
	l := env.newLedger(saver)
	key := env.key(100)

	// unknown channel settles as a no-op
	require.NoError(t, l.Settle(key, big.NewInt(0), EventPos{Block: 99}))

	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))
	_, err := l.RequestClose(key, big.NewInt(0), 600, EventPos{Block: 101})
	require.NoError(t, err)
	require.NoError(t, l.Settle(key, big.NewInt(0), EventPos{Block: 601}))

	_, err = l.GetChannel(key)
	require.ErrorIs(t, err, ErrChannelNotTracked)
	require.NoError(t, l.Settle(key, big.NewInt(0), EventPos{Block: 601}))

	// replaying the open event cannot resurrect the channel
	require.ErrorIs(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}), ErrChannelAlreadyExists)
	require.Len(t, saver.last.Tombstones, 1)

	// once the cursor passes the settle block the tombstone is dropped
	require.NoError(t, l.SetCursor(Cursor{Block: 601}))
	require.Empty(t, saver.last.Tombstones)
	require.Empty(t, saver.last.Channels)
}

func TestLedgerCloseCooperatively(t *testing.T) {
	env := newTestEnv(t)
	l := env.newLedger(&memSaver{})
	key := env.key(100)
	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))

	sig50 := env.sign(t, 100, 50)
	_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(50), sig50)
	require.NoError(t, err)

	closing, err := SignClosingAgreement(env.receiverKey, sig50)
	require.NoError(t, err)

	// closing signature by someone else
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged, err := SignClosingAgreement(otherKey, sig50)
	require.NoError(t, err)
	require.ErrorIs(t, l.CloseCooperatively(key, big.NewInt(50), sig50, forged), ErrInvalidBalanceProof)

	// balance does not match the proof
	require.ErrorIs(t, l.CloseCooperatively(key, big.NewInt(51), sig50, closing), ErrInvalidBalanceProof)

	require.NoError(t, l.CloseCooperatively(key, big.NewInt(50), sig50, closing))
	_, err = l.GetChannel(key)
	require.ErrorIs(t, err, ErrChannelNotTracked)

	require.ErrorIs(t, l.CloseCooperatively(key, big.NewInt(50), sig50, closing), ErrNoOpenChannel)
}

func TestLedgerCloseBelowRegisteredBalance(t *testing.T) {
	env := newTestEnv(t)
	l := env.newLedger(&memSaver{})
	key := env.key(100)
	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))

	sig50 := env.sign(t, 100, 50)
	_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(50), sig50)
	require.NoError(t, err)
	closing, err := SignClosingAgreement(env.receiverKey, sig50)
	require.NoError(t, err)

	// a payment lands after the closing agreement was signed
	_, err = l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(90), env.sign(t, 100, 90))
	require.NoError(t, err)

	require.ErrorIs(t, l.CloseCooperatively(key, big.NewInt(50), sig50, closing), ErrInvalidBalanceAmount)
	ch, err := l.GetChannel(key)
	require.NoError(t, err)
	require.EqualValues(t, 90, ch.Balance.Int64())
}

func TestLedgerCloseRegistered(t *testing.T) {
	env := newTestEnv(t)
	saver := &memSaver{}
	l := env.newLedger(saver)
	key := env.key(100)
	require.NoError(t, l.OpenChannel(key, big.NewInt(1000), EventPos{Block: 100}))

	sign := func(balanceSig []byte) ([]byte, error) {
		return SignClosingAgreement(env.receiverKey, balanceSig)
	}

	_, _, err := l.CloseRegistered(key, nil, sign)
	require.ErrorIs(t, err, ErrNoBalanceProofReceived)

	sig50 := env.sign(t, 100, 50)
	_, err = l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(50), sig50)
	require.NoError(t, err)

	_, _, err = l.CloseRegistered(key, big.NewInt(40), sign)
	require.ErrorIs(t, err, ErrInvalidBalanceAmount)

	_, _, err = l.CloseRegistered(key, nil, func([]byte) ([]byte, error) {
		return nil, xerrors.New("no key")
	})
	require.Error(t, err)
	_, err = l.GetChannel(key)
	require.NoError(t, err)

	// a payment racing the close waits for it and then finds no channel
	sig90 := env.sign(t, 100, 90)
	payErr := make(chan error, 1)
	ch, closing, err := l.CloseRegistered(key, big.NewInt(50), func(balanceSig []byte) ([]byte, error) {
		go func() {
			_, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(90), sig90)
			payErr <- err
		}()
		return sign(balanceSig)
	})
	require.NoError(t, err)
	require.EqualValues(t, 50, ch.Balance.Int64())
	require.Equal(t, sig50, ch.BalanceSignature)
	require.NoError(t, VerifyClosingAgreement(sig50, closing, env.receiver))

	select {
	case err := <-payErr:
		require.ErrorIs(t, err, ErrNoOpenChannel)
	case <-time.After(5 * time.Second):
		t.Fatal("payment did not return")
	}

	_, err = l.GetChannel(key)
	require.ErrorIs(t, err, ErrChannelNotTracked)
	require.Empty(t, saver.last.Channels)
	require.Len(t, saver.last.Tombstones, 1)
}

func TestLedgerListChannels(t *testing.T) {
	env := newTestEnv(t)
	l := env.newLedger(&memSaver{})

	require.NoError(t, l.OpenChannel(env.key(100), big.NewInt(10), EventPos{Block: 100}))
	env.clock.Add(time.Hour)
	require.NoError(t, l.OpenChannel(env.key(200), big.NewInt(10), EventPos{Block: 200}))
	_, err := l.RequestClose(env.key(200), big.NewInt(0), 800, EventPos{Block: 201})
	require.NoError(t, err)

	require.Len(t, l.ListChannels(ChannelFilter{}), 2)
	require.Len(t, l.ListChannels(ChannelFilter{Sender: &env.sender}), 2)

	other := common.HexToAddress("0x0b")
	require.Empty(t, l.ListChannels(ChannelFilter{Receiver: &other}))

	closing := StateClosing
	chs := l.ListChannels(ChannelFilter{State: &closing})
	require.Len(t, chs, 1)
	require.EqualValues(t, 200, chs[0].OpenBlock)

	idle := l.ListChannels(ChannelFilter{IdleSince: env.clock.Now().Add(-time.Minute)})
	require.Len(t, idle, 1)
	require.EqualValues(t, 100, idle[0].OpenBlock)

	// returned channels are copies
	chs[0].Balance.SetInt64(5)
	ch, err := l.GetChannel(env.key(200))
	require.NoError(t, err)
	require.EqualValues(t, 0, ch.Balance.Int64())
}

func TestLedgerConcurrentPayments(t *testing.T) {
	env := newTestEnv(t)
	l := env.newLedger(&memSaver{})
	require.NoError(t, l.OpenChannel(env.key(100), big.NewInt(1000), EventPos{Block: 100}))

	const n = 20
	sigs := make([][]byte, n+1)
	for i := 1; i <= n; i++ {
		sigs[i] = env.sign(t, 100, int64(i))
	}

	var (
		wg    sync.WaitGroup
		lk    sync.Mutex
		total = new(big.Int)
	)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta, err := l.RegisterPayment(env.receiver, 100, env.sender, big.NewInt(int64(i)), sigs[i])
			if err != nil {
				return
			}
			lk.Lock()
			total.Add(total, delta)
			lk.Unlock()
		}(i)
	}
	wg.Wait()

	ch, err := l.GetChannel(env.key(100))
	require.NoError(t, err)
	// deltas of accepted payments add up to the final balance
	require.Zero(t, ch.Balance.Cmp(total), "balance %s, deltas %s", ch.Balance, total)
}
