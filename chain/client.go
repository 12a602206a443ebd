// Package chain adapts go-ethereum's RPC client to the transfer-scanning
// interface the detection engine consumes.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/foldspace/paygate"
)

// transferTopic is the event signature hash of ERC-20 Transfer(address,address,uint256).
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Client reads ERC-20 transfer events from one EVM network.
type Client struct {
	eth *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return &Client{eth: eth}, nil
}

// NewClient wraps an existing ethclient, mainly for tests.
func NewClient(eth *ethclient.Client) *Client {
	return &Client{eth: eth}
}

// BlockNumber returns the current chain head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch block number: %w", err)
	}
	return height, nil
}

// FilterTransfers returns Transfer events emitted by the given asset
// contracts over the inclusive block range [from, to].
func (c *Client) FilterTransfers(ctx context.Context, assets []string, from, to uint64) ([]paygate.TransferEvent, error) {
	addresses := make([]common.Address, 0, len(assets))
	for _, asset := range assets {
		addresses = append(addresses, common.HexToAddress(asset))
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
		Topics:    [][]common.Hash{{transferTopic}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs [%d, %d]: %w", from, to, err)
	}

	events := make([]paygate.TransferEvent, 0, len(logs))
	for _, entry := range logs {
		// Transfer logs carry [signature, from, to] as indexed topics and
		// the value in the data segment. Anything else is some other event
		// that happened to share the signature; skip it.
		if len(entry.Topics) != 3 || entry.Removed {
			continue
		}
		events = append(events, paygate.TransferEvent{
			TxHash: entry.TxHash.Hex(),
			Asset:  entry.Address.Hex(),
			To:     common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
			Value:  new(big.Int).SetBytes(entry.Data),
		})
	}
	return events, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Ensure Client implements paygate.ChainClient
var _ paygate.ChainClient = (*Client)(nil)
