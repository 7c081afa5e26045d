package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const weiExp = -18

// balanceOfABI is the slice of the ERC-20 ABI the token source calls.
const balanceOfABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// EthClient is the part of ethclient.Client the sources use.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(rpcURL string) (EthClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnavailable, rpcURL, err)
	}
	return client, nil
}

func hexAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrUnavailable, address)
	}
	return common.HexToAddress(address), nil
}

// Ether reads native ETH balances at the latest block.
type Ether struct {
	client EthClient
}

// NewEther creates an ETH source.
func NewEther(client EthClient) *Ether {
	return &Ether{client: client}
}

func (e *Ether) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := hexAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := e.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: eth balance: %w", ErrUnavailable, err)
	}
	return decimal.NewFromBigInt(wei, weiExp), nil
}

// Token reads ERC-20 balances through balanceOf.
type Token struct {
	client   EthClient
	contract common.Address
	decimals int32
	abi      abi.ABI
}

// NewToken creates a source for the ERC-20 contract with the given decimals
// (6 for USDT).
func NewToken(client EthClient, contract string, decimals int32) (*Token, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("oracle: invalid token contract %q", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse erc20 abi: %w", err)
	}
	return &Token{
		client:   client,
		contract: common.HexToAddress(contract),
		decimals: decimals,
		abi:      parsed,
	}, nil
}

func (t *Token) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	addr, err := hexAddress(address)
	if err != nil {
		return decimal.Zero, err
	}

	data, err := t.abi.Pack("balanceOf", addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: pack balanceOf: %w", ErrUnavailable, err)
	}
	out, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &t.contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: call balanceOf: %w", ErrUnavailable, err)
	}

	values, err := t.abi.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return decimal.Zero, fmt.Errorf("%w: unpack balanceOf: %v", ErrUnavailable, err)
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unexpected balanceOf type %T", ErrUnavailable, values[0])
	}
	return decimal.NewFromBigInt(raw, -t.decimals), nil
}
