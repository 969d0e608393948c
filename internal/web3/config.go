package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint together with the
// contracts the launch flow talks to on it.
type ChainDefinition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	ChainID        int64  `yaml:"chain_id"`
	StableToken    string `yaml:"stable_token"`
	StableDecimals int    `yaml:"stable_decimals"`
	WrappedNative  string `yaml:"wrapped_native"`
	SwapRouter     string `yaml:"swap_router"`
	PoolFee        uint32 `yaml:"pool_fee"`
	TokenFactory   string `yaml:"token_factory"`
	Description    string `yaml:"description"`
}

// Contracts is the parsed form of the addresses in a ChainDefinition.
type Contracts struct {
	ChainID        int64
	StableToken    common.Address
	StableDecimals int
	WrappedNative  common.Address
	SwapRouter     common.Address
	PoolFee        uint32
	TokenFactory   common.Address
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if _, err := def.Contracts(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
	}
	return defs, nil
}

// Contracts validates and converts the configured addresses.
func (d ChainDefinition) Contracts() (Contracts, error) {
	out := Contracts{ChainID: d.ChainID, StableDecimals: d.StableDecimals, PoolFee: d.PoolFee}
	if out.StableDecimals == 0 {
		out.StableDecimals = 6
	}
	if out.PoolFee == 0 {
		out.PoolFee = 3000
	}
	fields := []struct {
		name  string
		value string
		dst   *common.Address
	}{
		{"stable_token", d.StableToken, &out.StableToken},
		{"wrapped_native", d.WrappedNative, &out.WrappedNative},
		{"swap_router", d.SwapRouter, &out.SwapRouter},
		{"token_factory", d.TokenFactory, &out.TokenFactory},
	}
	for _, f := range fields {
		value := strings.TrimSpace(f.value)
		if value == "" {
			continue
		}
		if !common.IsHexAddress(value) {
			return Contracts{}, fmt.Errorf("%s 不是合法地址: %s", f.name, value)
		}
		*f.dst = common.HexToAddress(value)
	}
	return out, nil
}
