package paychmgr

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/xerrors"
)

// ChainAPI defines the chain methods needed to follow the channel contract
type ChainAPI interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthChain is a ChainAPI backed by an Ethereum JSON-RPC endpoint.
type EthChain struct {
	client *ethclient.Client
}

var _ ChainAPI = (*EthChain)(nil)

// DialChain connects to endpoint and checks it serves networkID.
func DialChain(ctx context.Context, endpoint string, networkID uint64) (*EthChain, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, xerrors.Errorf("dialing %s: %w", endpoint, err)
	}

	id, err := client.NetworkID(ctx)
	if err != nil {
		client.Close()
		return nil, xerrors.Errorf("getting network id: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != networkID {
		client.Close()
		return nil, xerrors.Errorf("endpoint serves network %s, configured %d", id, networkID)
	}
	return &EthChain{client: client}, nil
}

func (c *EthChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EthChain) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	h, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, xerrors.Errorf("getting header %d: %w", number, err)
	}
	return h.Hash(), nil
}

func (c *EthChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.client.FilterLogs(ctx, q)
}

func (c *EthChain) Close() {
	c.client.Close()
}
