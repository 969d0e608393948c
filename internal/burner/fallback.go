package burner

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/web3"
	"BurnerLaunch/internal/web3/ethereum"
	"BurnerLaunch/pkg/logger"
)

// DeployChain 定义直接部署所需的链上能力。
type DeployChain interface {
	DeployToken(ctx context.Context, key *ecdsa.PrivateKey, req web3.TokenDeployment) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// TokenConfig 是直接部署的代币参数。Admin 必须是请求方的真实地址。
type TokenConfig struct {
	Name            string
	Symbol          string
	Image           string
	Description     string
	Links           map[string]string
	Admin           common.Address
	RewardRecipient common.Address
	RewardBps       uint16
}

// DeployResult 是直接部署的结果。
type DeployResult struct {
	TxHash          common.Hash
	TokenAddress    common.Address
	Admin           common.Address
	RewardRecipient common.Address
}

// FallbackDeployer 在代理调用耗尽后直接调用代币工厂合约。
type FallbackDeployer struct {
	chain          DeployChain
	factory        common.Address
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewFallbackDeployer 构造 FallbackDeployer。
func NewFallbackDeployer(chain DeployChain, factory common.Address, confirmTimeout time.Duration) *FallbackDeployer {
	if confirmTimeout <= 0 {
		confirmTimeout = 2 * time.Minute
	}
	return &FallbackDeployer{
		chain:          chain,
		factory:        factory,
		confirmTimeout: confirmTimeout,
		logger:         logger.Named("fallback"),
	}
}

// DeployDirect 以 burner 签名直接部署代币，管理员与收益地址指向请求方。
func (f *FallbackDeployer) DeployDirect(ctx context.Context, cfg TokenConfig, key *ecdsa.PrivateKey) (*DeployResult, error) {
	if key == nil {
		return nil, xerrors.New(CodeFallbackFailed, "未提供签名密钥")
	}
	if f.chain == nil || f.factory == (common.Address{}) {
		return nil, xerrors.New(CodeFallbackFailed, "未配置代币工厂合约")
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)
	if cfg.Admin == (common.Address{}) {
		return nil, xerrors.New(CodeFallbackFailed, "缺少请求方地址")
	}
	if cfg.Admin == signer {
		return nil, xerrors.New(CodeFallbackFailed, "临时钱包不能成为代币管理员")
	}
	recipient := cfg.RewardRecipient
	if recipient == (common.Address{}) || recipient == signer {
		recipient = cfg.Admin
	}

	metadata, err := json.Marshal(struct {
		Description string            `json:"description,omitempty"`
		Links       map[string]string `json:"links,omitempty"`
	}{cfg.Description, cfg.Links})
	if err != nil {
		return nil, xerrors.Wrap(CodeFallbackFailed, err, "编码代币元数据失败")
	}

	hash, err := f.chain.DeployToken(ctx, key, web3.TokenDeployment{
		Factory:         f.factory,
		Name:            cfg.Name,
		Symbol:          cfg.Symbol,
		Image:           cfg.Image,
		Metadata:        string(metadata),
		Admin:           cfg.Admin,
		RewardRecipient: recipient,
		RewardBps:       cfg.RewardBps,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeFallbackFailed, err, "提交部署交易失败")
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.confirmTimeout)
	defer cancel()
	receipt, err := f.chain.WaitMined(waitCtx, hash)
	if err != nil {
		msg := "等待部署交易确认失败"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("部署交易在 %s 内未确认", f.confirmTimeout)
		}
		return nil, xerrors.Wrap(CodeFallbackFailed, err, msg, xerrors.WithMetadata("deploy_tx_hash", hash.Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.New(CodeFallbackFailed, fmt.Sprintf("部署交易 %s 执行失败", hash.Hex()))
	}

	result := &DeployResult{TxHash: hash, Admin: cfg.Admin, RewardRecipient: recipient}
	if token, ok := ethereum.DeployedToken(receipt); ok {
		result.TokenAddress = token
	}
	logger.Audit().Info("直接部署完成",
		slog.String("signer", signer.Hex()),
		slog.String("admin", cfg.Admin.Hex()),
		slog.String("token", result.TokenAddress.Hex()),
		slog.String("deploy_tx_hash", hash.Hex()))
	return result, nil
}
