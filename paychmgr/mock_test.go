package paychmgr

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
)

// mockChain is an in-memory ChainAPI.
type mockChain struct {
	lk sync.Mutex

	contract common.Address
	head     uint64
	logs     []types.Log
	// reorged overrides the hash of a block.
	reorged map[uint64]common.Hash
	logSeq  uint

	// err is returned by every call while set.
	err error
}

var _ ChainAPI = (*mockChain)(nil)

func newMockChain(contract common.Address) *mockChain {
	return &mockChain{
		contract: contract,
		reorged:  make(map[uint64]common.Hash),
	}
}

func (m *mockChain) BlockNumber(ctx context.Context) (uint64, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.head, nil
}

func (m *mockChain) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.err != nil {
		return common.Hash{}, m.err
	}
	if h, ok := m.reorged[number]; ok {
		return h, nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], number)
	return crypto.Keccak256Hash(b[:]), nil
}

func (m *mockChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	var out []types.Log
	for _, lg := range m.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, lg.Address) {
			continue
		}
		if !topicsMatch(q.Topics, lg.Topics) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func containsAddr(addrs []common.Address, a common.Address) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(query [][]common.Hash, topics []common.Hash) bool {
	if len(query) > len(topics) {
		return false
	}
	for i, alts := range query {
		if len(alts) == 0 {
			continue
		}
		found := false
		for _, t := range alts {
			if t == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *mockChain) setHead(h uint64) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.head = h
}

func (m *mockChain) setErr(err error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.err = err
}

func (m *mockChain) reorg(block uint64) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.reorged[block] = crypto.Keccak256Hash([]byte("fork"), new(big.Int).SetUint64(block).Bytes())
}

// emit appends a contract log and returns it.
func (m *mockChain) emit(t *testing.T, block uint64, name string, indexed []common.Hash, data ...interface{}) types.Log {
	ev, ok := channelsABI.Events[name]
	require.True(t, ok, name)
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)

	m.lk.Lock()
	defer m.lk.Unlock()
	m.logSeq++
	lg := types.Log{
		Address:     m.contract,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        packed,
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash([]byte(name), big.NewInt(int64(m.logSeq)).Bytes()),
		Index:       m.logSeq,
	}
	m.logs = append(m.logs, lg)
	return lg
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func blockTopic(b uint32) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(uint64(b)))
}

func (m *mockChain) created(t *testing.T, block uint64, sender, receiver common.Address, deposit int64) types.Log {
	return m.emit(t, block, EvtChannelCreated, []common.Hash{addrTopic(sender), addrTopic(receiver)}, big.NewInt(deposit))
}

func (m *mockChain) toppedUp(t *testing.T, block uint64, key ChannelKey, added int64) types.Log {
	return m.emit(t, block, EvtChannelToppedUp, channelTopics(key), big.NewInt(added))
}

func (m *mockChain) closeRequested(t *testing.T, block uint64, key ChannelKey, balance int64) types.Log {
	return m.emit(t, block, EvtChannelCloseRequested, channelTopics(key), big.NewInt(balance))
}

func (m *mockChain) settled(t *testing.T, block uint64, key ChannelKey, balance int64) types.Log {
	return m.emit(t, block, EvtChannelSettled, channelTopics(key), big.NewInt(balance), big.NewInt(balance))
}

func channelTopics(key ChannelKey) []common.Hash {
	return []common.Hash{addrTopic(key.Sender), addrTopic(key.Receiver), blockTopic(key.OpenBlock)}
}

// memSaver keeps saved snapshots in memory.
type memSaver struct {
	saves int
	last  *Snapshot
	err   error
}

func (m *memSaver) Save(s *Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.saves++
	m.last = s
	return nil
}

type testEnv struct {
	chain *mockChain
	clock *clock.Mock

	receiverKey *ecdsa.PrivateKey
	senderKey   *ecdsa.PrivateKey
	receiver    common.Address
	sender      common.Address
	contract    common.Address

	cfg Config
}

func newTestEnv(t *testing.T) *testEnv {
	receiverKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	senderKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	contract := common.HexToAddress("0x00000000000000000000000000000000c0ffee00")
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	env := &testEnv{
		chain:       newMockChain(contract),
		clock:       mock,
		receiverKey: receiverKey,
		senderKey:   senderKey,
		receiver:    crypto.PubkeyToAddress(receiverKey.PublicKey),
		sender:      crypto.PubkeyToAddress(senderKey.PublicKey),
		contract:    contract,
	}
	env.cfg = Config{
		Contract:          contract,
		NetworkID:         1337,
		ReceiverKey:       receiverKey,
		StatePath:         filepath.Join(t.TempDir(), "paych.state"),
		ConfirmationDepth: 5,
		ChallengePeriod:   500,
		PollInterval:      time.Second,
		MaxBlockRange:     100,
		Clock:             mock,
	}
	return env
}

func (e *testEnv) key(openBlock uint32) ChannelKey {
	return ChannelKey{Sender: e.sender, Receiver: e.receiver, OpenBlock: openBlock}
}

func (e *testEnv) sign(t *testing.T, openBlock uint32, balance int64) []byte {
	sig, err := SignBalanceProof(e.senderKey, e.receiver, openBlock, big.NewInt(balance), e.contract)
	require.NoError(t, err)
	return sig
}

func (e *testEnv) newLedger(saver snapshotSaver) *Ledger {
	return NewLedger(e.cfg.Identity(), nil, saver, e.clock, nil)
}

func (e *testEnv) newManager(t *testing.T) *Manager {
	pm, err := NewManager(context.Background(), e.chain, e.cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pm.Stop(context.Background())
	})
	return pm
}
