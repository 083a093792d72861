// Package registry wraps the on-chain bot registry contract. Mutations are
// restricted to the designated analyzer identity; the registry itself
// enforces upsert-by-address semantics and rejects trades from flagged bad
// bots, so resubmitting a batch is state-safe.
package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const registryABIJSON = `[
{"inputs":[{"internalType":"address[]","name":"bots","type":"address[]"},{"internalType":"uint256[]","name":"scores","type":"uint256[]"},{"internalType":"string[]","name":"botTypes","type":"string[]"},{"internalType":"uint256[]","name":"liquidityAmounts","type":"uint256[]"}],"name":"flagGoodBots","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address[]","name":"bots","type":"address[]"},{"internalType":"uint256[]","name":"scores","type":"uint256[]"},{"internalType":"string[]","name":"riskLevels","type":"string[]"}],"name":"flagBadBots","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"bot","type":"address"}],"name":"unflagBot","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"bot","type":"address"}],"name":"getBotInfo","outputs":[{"internalType":"uint8","name":"category","type":"uint8"},{"internalType":"uint256","name":"score","type":"uint256"},{"internalType":"string","name":"botType","type":"string"},{"internalType":"string","name":"riskLevel","type":"string"},{"internalType":"uint256","name":"liquidity","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	registryABI abi.ABI
	dec1e18     = decimal.NewFromInt(1_000_000_000_000_000_000)

	// ErrLengthMismatch indicates a logic defect: the registry reverts on
	// ragged argument arrays, so the mismatch is rejected before submission.
	ErrLengthMismatch = errors.New("registry: argument array length mismatch")
	// ErrNotConfigured indicates missing connection or signing settings.
	ErrNotConfigured = errors.New("registry: not configured")
	// ErrTxReverted indicates the registry rejected the mutation.
	ErrTxReverted = errors.New("registry: transaction reverted")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic("failed to parse registry ABI: " + err.Error())
	}
	registryABI = parsed
}

// BotInfo is the registry's view of one address.
type BotInfo struct {
	Category  uint8
	Score     int
	BotType   string
	RiskLevel string
	Liquidity decimal.Decimal
}

// Registry is the mutation surface the publisher depends on.
type Registry interface {
	FlagGoodBots(ctx context.Context, addrs []common.Address, scores []int, botTypes []string, liquidity []decimal.Decimal) error
	FlagBadBots(ctx context.Context, addrs []common.Address, scores []int, riskLevels []string) error
	UnflagBot(ctx context.Context, addr common.Address) error
}

// Options parameterise the Ethereum-backed registry client.
type Options struct {
	RPCURL          string
	ContractAddress string
	AnalyzerKey     string
	ChainID         int64
	Timeout         time.Duration
}

// Client talks to the registry contract over Ethereum RPC.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int

	clientMux sync.Mutex
	client    *ethclient.Client
}

// NewClient builds a registry client. The analyzer key is parsed eagerly so
// a misconfigured identity fails at startup, not at first flush.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc url missing", ErrNotConfigured)
	}
	if opts.ContractAddress == "" {
		return nil, fmt.Errorf("%w: contract address missing", ErrNotConfigured)
	}
	if opts.AnalyzerKey == "" {
		return nil, fmt.Errorf("%w: analyzer key missing", ErrNotConfigured)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.AnalyzerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse analyzer key: %w", err)
	}

	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "registry").Logger(),
		contract: common.HexToAddress(opts.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(opts.ChainID),
	}, nil
}

// AnalyzerAddress returns the identity used to sign registry mutations.
func (c *Client) AnalyzerAddress() common.Address {
	return c.from
}

// FlagGoodBots commits a good-bot batch. The registry upserts by address and
// removes each address from the bad set in the same call.
func (c *Client) FlagGoodBots(ctx context.Context, addrs []common.Address, scores []int, botTypes []string, liquidity []decimal.Decimal) error {
	if len(addrs) != len(scores) || len(addrs) != len(botTypes) || len(addrs) != len(liquidity) {
		return fmt.Errorf("%w: flagGoodBots %d/%d/%d/%d", ErrLengthMismatch, len(addrs), len(scores), len(botTypes), len(liquidity))
	}
	if len(addrs) == 0 {
		return nil
	}

	liquidityAtoms := make([]*big.Int, len(liquidity))
	for i, l := range liquidity {
		liquidityAtoms[i] = l.Mul(dec1e18).Round(0).BigInt()
	}

	payload, err := registryABI.Pack("flagGoodBots", addrs, bigScores(scores), botTypes, liquidityAtoms)
	if err != nil {
		return fmt.Errorf("pack flagGoodBots: %w", err)
	}
	return c.submit(ctx, "flagGoodBots", payload, len(addrs))
}

// FlagBadBots commits a bad-bot batch. Once mined, the registry rejects
// trade submissions from every address in it.
func (c *Client) FlagBadBots(ctx context.Context, addrs []common.Address, scores []int, riskLevels []string) error {
	if len(addrs) != len(scores) || len(addrs) != len(riskLevels) {
		return fmt.Errorf("%w: flagBadBots %d/%d/%d", ErrLengthMismatch, len(addrs), len(scores), len(riskLevels))
	}
	if len(addrs) == 0 {
		return nil
	}

	payload, err := registryABI.Pack("flagBadBots", addrs, bigScores(scores), riskLevels)
	if err != nil {
		return fmt.Errorf("pack flagBadBots: %w", err)
	}
	return c.submit(ctx, "flagBadBots", payload, len(addrs))
}

// UnflagBot removes an address from both registry buckets.
func (c *Client) UnflagBot(ctx context.Context, addr common.Address) error {
	payload, err := registryABI.Pack("unflagBot", addr)
	if err != nil {
		return fmt.Errorf("pack unflagBot: %w", err)
	}
	return c.submit(ctx, "unflagBot", payload, 1)
}

// GetBotInfo reads an address's registry entry.
func (c *Client) GetBotInfo(ctx context.Context, addr common.Address) (BotInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return BotInfo{}, err
	}

	payload, err := registryABI.Pack("getBotInfo", addr)
	if err != nil {
		return BotInfo{}, fmt.Errorf("pack getBotInfo: %w", err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: payload}, nil)
	if err != nil {
		return BotInfo{}, err
	}

	outputs, err := registryABI.Unpack("getBotInfo", res)
	if err != nil {
		return BotInfo{}, fmt.Errorf("unpack getBotInfo: %w", err)
	}
	if len(outputs) != 5 {
		return BotInfo{}, errors.New("unexpected getBotInfo response")
	}

	category, _ := outputs[0].(uint8)
	score, _ := outputs[1].(*big.Int)
	botType, _ := outputs[2].(string)
	riskLevel, _ := outputs[3].(string)
	liquidityAtoms, _ := outputs[4].(*big.Int)

	info := BotInfo{Category: category, BotType: botType, RiskLevel: riskLevel}
	if score != nil {
		info.Score = int(score.Int64())
	}
	if liquidityAtoms != nil {
		info.Liquidity = decimal.NewFromBigInt(liquidityAtoms, -18)
	}
	return info, nil
}

// submit signs, sends, and waits for one registry mutation.
func (c *Client) submit(ctx context.Context, method string, payload []byte, batchSize int) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}

	nonce, err := client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: payload,
	})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, payload)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign %s: %w", method, err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, client, signed)
	if err != nil {
		return fmt.Errorf("wait %s receipt: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxReverted, method)
	}

	c.logger.Info().
		Str("method", method).
		Int("batch", batchSize).
		Str("tx", signed.Hash().Hex()).
		Uint64("block", receipt.BlockNumber.Uint64()).
		Msg("registry mutation confirmed")
	return nil
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func bigScores(scores []int) []*big.Int {
	out := make([]*big.Int, len(scores))
	for i, s := range scores {
		out[i] = big.NewInt(int64(s))
	}
	return out
}

var _ Registry = (*Client)(nil)
