package api

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// balanceOf(address)
var balanceOfSelector = common.Hex2Bytes("70a08231")

const usdcDecimals = 6

// BalanceReader returns a wallet's spendable USDC.
type BalanceReader interface {
	GetUSDCBalance(ctx context.Context, wallet string) (float64, error)
}

type chainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BalanceClient reads USDC balances over Polygon JSON-RPC.
type BalanceClient struct {
	chain chainReader
	usdc  common.Address
	close func()
}

// NewBalanceClient dials the RPC endpoint.
func NewBalanceClient(ctx context.Context, rpcURL, usdcContract string) (*BalanceClient, error) {
	if strings.TrimSpace(usdcContract) == "" {
		return nil, fmt.Errorf("usdc contract address is empty")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Polygon: %w", err)
	}
	return &BalanceClient{
		chain: client,
		usdc:  common.HexToAddress(usdcContract),
		close: client.Close,
	}, nil
}

// GetUSDCBalance returns the ERC20 balanceOf for wallet, in whole USDC.
func (b *BalanceClient) GetUSDCBalance(ctx context.Context, wallet string) (float64, error) {
	if !common.IsHexAddress(wallet) {
		return 0, fmt.Errorf("invalid wallet address %q", wallet)
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(wallet).Bytes(), 32)...)

	result, err := b.chain.CallContract(ctx, ethereum.CallMsg{
		To:   &b.usdc,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get USDC balance: %w", err)
	}

	raw := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(raw, -usdcDecimals).InexactFloat64(), nil
}

// BlockNumber returns the latest block; used as an RPC liveness probe.
func (b *BalanceClient) BlockNumber(ctx context.Context) (uint64, error) {
	return b.chain.BlockNumber(ctx)
}

// Close releases the RPC connection.
func (b *BalanceClient) Close() {
	if b.close != nil {
		b.close()
	}
}

var _ BalanceReader = (*BalanceClient)(nil)
