package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the contracts the
// wallet talks to on it.
type ChainDefinition struct {
	Type        string    `yaml:"type"`
	RPCURL      string    `yaml:"rpc_url"`
	ChainID     int64     `yaml:"chain_id"`
	Description string    `yaml:"description"`
	Contracts   Contracts `yaml:"contracts"`
}

// TokenContract locates an ERC-20 token.
type TokenContract struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// Contracts lists the contract addresses used by the wallet.
type Contracts struct {
	Tokens map[TokenType]TokenContract `yaml:"tokens"`
	// SavingsToken is deposited into Market; defaults to USDC.
	SavingsToken TokenType `yaml:"savings_token"`
	Market       string    `yaml:"market"`
	NFT          string    `yaml:"nft"`
}

// Token returns the contract for token, if configured.
func (c Contracts) Token(token TokenType) (TokenContract, bool) {
	tc, ok := c.Tokens[token]
	return tc, ok && strings.TrimSpace(tc.Address) != ""
}

// Savings returns the configured savings token or the default.
func (c Contracts) Savings() TokenType {
	if c.SavingsToken == "" {
		return DefaultToken
	}
	return c.SavingsToken
}

// Validate checks that every configured address is well formed.
func (c Contracts) Validate() error {
	for token, tc := range c.Tokens {
		if _, err := NormalizeAddress(tc.Address); err != nil {
			return fmt.Errorf("token %s: %w", token, err)
		}
	}
	for name, addr := range map[string]string{"market": c.Market, "nft": c.NFT} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, err := NormalizeAddress(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
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
	for name, chain := range defs.Chains {
		if err := chain.Contracts.Validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 合约配置无效: %w", name, err)
		}
	}
	return defs, nil
}
