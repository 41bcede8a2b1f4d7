package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenType names an asset the wallet can hold.
type TokenType string

const (
	TokenETH  TokenType = "ETH"
	TokenUSDC TokenType = "USDC"
	TokenUSDT TokenType = "USDT"
)

// DefaultToken is used when a caller does not name a token.
const DefaultToken = TokenUSDC

// NativeDecimals is the precision of the chain's native coin.
const NativeDecimals = 18

// ParseTokenType normalises a token name, falling back to DefaultToken when
// the input is empty.
func ParseTokenType(raw string) (TokenType, error) {
	switch TokenType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "":
		return DefaultToken, nil
	case TokenETH:
		return TokenETH, nil
	case TokenUSDC:
		return TokenUSDC, nil
	case TokenUSDT:
		return TokenUSDT, nil
	default:
		return "", fmt.Errorf("unsupported token type %q", raw)
	}
}

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Balance is an on-chain amount in base units together with its metadata.
type Balance struct {
	Value    *big.Int
	Decimals uint8
	Symbol   string
}

// Formatted renders the balance with four fractional digits, e.g. "12.5000 USDC".
func (b Balance) Formatted() string {
	return fmt.Sprintf("%s %s", FormatFixed(b.Value, b.Decimals, 4), b.Symbol)
}

// Receipt summarises a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64
}

// NFTMetadata describes a companion NFT at mint time.
type NFTMetadata struct {
	Name        string
	Description string
	ImageURL    string
}

// Wallet signs and submits transactions on behalf of one delegated key.
// Implementations wait for each transaction to be mined before returning.
type Wallet interface {
	Address() common.Address
	Balance(ctx context.Context, owner common.Address, token TokenType) (Balance, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int, token TokenType) (Receipt, error)

	// SavingsToken is the asset accepted by the lending market.
	SavingsToken() TokenType
	MintTokens(ctx context.Context, amount *big.Int) (Receipt, error)
	Deposit(ctx context.Context, amount *big.Int) (Receipt, error)
	Redeem(ctx context.Context, amount *big.Int) (Receipt, error)
	DepositOf(ctx context.Context, owner common.Address) (*big.Int, error)

	MintNFT(ctx context.Context, to common.Address, meta NFTMetadata) (Receipt, *big.Int, error)
	UpgradeNFT(ctx context.Context, tokenID *big.Int) (Receipt, error)
	UpdateNFTDescription(ctx context.Context, tokenID *big.Int, description string) (Receipt, error)
	UpdateNFTImageURL(ctx context.Context, tokenID *big.Int, imageURL string) (Receipt, error)
	BurnNFT(ctx context.Context, tokenID *big.Int) (Receipt, error)
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	// NewWallet binds a signing key to the chain's contracts.
	NewWallet(ctx context.Context, key *ecdsa.PrivateKey) (Wallet, error)
	Close()
}

// NormalizeAddress validates a hex address and returns its checksummed form.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}
