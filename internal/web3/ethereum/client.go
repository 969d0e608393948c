package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"BurnerLaunch/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// NativeTransferGas is the fixed gas limit of a plain value transfer.
const NativeTransferGas uint64 = 21000

// gasBufferBps pads contract call estimates by 20%.
const gasBufferBps = 12000

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	Contracts    web3.Contracts
	PollInterval time.Duration
}

// Client signs and submits the transactions the launch flow needs and
// waits for their receipts.
type Client struct {
	name         string
	backend      web3.Backend
	rpcClient    *gethrpc.Client
	contracts    web3.Contracts
	pollInterval time.Duration
	commit       func()

	mu      sync.Mutex
	chainID *big.Int
}

// Option customises a Client built from an existing backend.
type Option func(*Client)

// WithPollInterval sets how often WaitMined polls for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithCommit registers a hook invoked on every receipt poll. Simulated
// backends use it to seal a block.
func WithCommit(fn func()) Option {
	return func(c *Client) {
		c.commit = fn
	}
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := NewFromBackend(cfg.Name, ethclient.NewClient(rpcClient), cfg.Contracts, WithPollInterval(cfg.PollInterval))
	client.rpcClient = rpcClient
	return client, nil
}

// NewFromBackend wraps an already connected backend, such as the go-ethereum
// simulated backend used in tests.
func NewFromBackend(name string, backend web3.Backend, contracts web3.Contracts, opts ...Option) *Client {
	c := &Client{
		name:         name,
		backend:      backend,
		contracts:    contracts,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Contracts returns the contract addresses configured for the chain.
func (c *Client) Contracts() web3.Contracts { return c.contracts }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the chain id, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = new(big.Int).Set(id)
	return id, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{Name: c.name, ChainID: id, BlockNumber: head.Number.Uint64()}, nil
}

// NativeBalance returns the latest native balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// GasPrice returns the node's suggested legacy gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	return price, nil
}

// FeeQuote reads the latest base fee and the suggested priority fee.
func (c *Client) FeeQuote(ctx context.Context) (web3.FeeQuote, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.FeeQuote{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.FeeQuote{}, fmt.Errorf("获取优先费失败: %w", err)
	}
	base := new(big.Int)
	if head.BaseFee != nil {
		base.Set(head.BaseFee)
	}
	return web3.FeeQuote{BaseFee: base, TipCap: tip}, nil
}

// SendNative transfers value to the recipient with the given fee quote. The
// sender's nonce is read immediately before signing.
func (c *Client) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, quote web3.FeeQuote) (common.Hash, error) {
	return c.transact(ctx, key, &to, value, nil, NativeTransferGas, &quote)
}

// TokenBalance calls balanceOf on an ERC-20 token.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("解析代币余额失败: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("代币余额类型异常")
	}
	return balance, nil
}

// TransferToken sends an ERC-20 transfer signed by key.
func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 transfer 失败: %w", err)
	}
	return c.transact(ctx, key, &token, nil, data, 0, nil)
}

// Swap submits a payable exactInputSingle call on the router.
func (c *Client) Swap(ctx context.Context, key *ecdsa.PrivateKey, req web3.SwapRequest) (common.Hash, error) {
	data, err := swapRouterABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		Fee:               new(big.Int).SetUint64(uint64(req.PoolFee)),
		Recipient:         req.Recipient,
		AmountIn:          req.AmountIn,
		AmountOutMinimum:  req.AmountOutMinimum,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 exactInputSingle 失败: %w", err)
	}
	router := req.Router
	return c.transact(ctx, key, &router, req.AmountIn, data, 0, nil)
}

// DeployToken calls deployToken on the factory.
func (c *Client) DeployToken(ctx context.Context, key *ecdsa.PrivateKey, req web3.TokenDeployment) (common.Hash, error) {
	data, err := tokenFactoryABI.Pack("deployToken",
		req.Name, req.Symbol, req.Image, req.Metadata,
		req.Admin, req.RewardRecipient, req.RewardBps)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 deployToken 失败: %w", err)
	}
	factory := req.Factory
	return c.transact(ctx, key, &factory, nil, data, 0, nil)
}

// DeployedToken extracts the token address from a TokenCreated log.
func (c *Client) DeployedToken(receipt *coretypes.Receipt) (common.Address, bool) {
	return DeployedToken(receipt)
}

// DeployedToken extracts the token address from a TokenCreated log.
func DeployedToken(receipt *coretypes.Receipt) (common.Address, bool) {
	if receipt == nil {
		return common.Address{}, false
	}
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) < 2 || l.Topics[0] != TokenCreatedTopic {
			continue
		}
		return common.BytesToAddress(l.Topics[1].Bytes()), true
	}
	return common.Address{}, false
}

// WaitMined polls until the transaction has a receipt or ctx expires.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if c.commit != nil {
			c.commit()
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) transact(ctx context.Context, key *ecdsa.PrivateKey, to *common.Address, value *big.Int, data []byte, gasLimit uint64, quote *web3.FeeQuote) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, errors.New("未提供交易签名密钥")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if quote == nil {
		q, err := c.FeeQuote(ctx)
		if err != nil {
			return common.Hash{}, err
		}
		quote = &q
	}
	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: to, Value: value, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
		}
		gasLimit = estimated * gasBufferBps / 10000
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取 nonce 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: quote.TipCap,
		GasFeeCap: quote.FeeCap(),
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}
