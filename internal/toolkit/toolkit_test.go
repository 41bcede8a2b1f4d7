package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/web3"
	"pawmise/internal/web3/web3test"
)

var petAddr = common.HexToAddress("0x9aBd0eF6cdd3cE1e5B6E38E3F2e3f2aA7dC9A2B1")

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func newTestToolkit(t *testing.T) (*Toolkit, *web3test.Wallet) {
	t.Helper()
	wallet := web3test.NewWallet(petAddr)
	tk := New("pet-1", ownerAddr, wallet, NewGuard(GuardConfig{MaxAmount: "1000", OwnerOnlyRecipients: true}))
	return tk, wallet
}

func TestToolkitExposesFixedToolSet(t *testing.T) {
	tk, _ := newTestToolkit(t)

	assert.Equal(t, []string{
		"view_balance", "send_tokens",
		"stake_token", "redeem_token", "check_deposit", "mint_token",
		"mint_nft", "upgrade_nft", "update_nft_description", "update_nft_image_url", "burn_nft",
	}, tk.Names())

	defs := tk.Definitions()
	require.Len(t, defs, 11)
	for _, def := range defs {
		assert.NotEmpty(t, def.Description, def.Name)
		assert.Equal(t, "object", def.Parameters["type"], def.Name)
	}
	assert.Equal(t, ownerAddr.Hex(), tk.UserAddress())
	assert.Equal(t, petAddr.Hex(), tk.PetAddress())
	assert.Equal(t, "pet-1", tk.PetID())
}

func TestViewBalance(t *testing.T) {
	ctx := context.Background()
	tk, wallet := newTestToolkit(t)
	wallet.Fund(petAddr, web3.TokenUSDC, big.NewInt(12_500_000))
	wallet.Fund(ownerAddr, web3.TokenUSDT, usdc(3))

	inv, err := tk.Invoke(ctx, "view_balance", `{"formatted":true}`)
	require.NoError(t, err)
	assert.Equal(t, "12.5000 USDC", inv.Output)

	inv, err = tk.Invoke(ctx, "view_balance", `{"address":"`+ownerAddr.Hex()+`","tokenType":"usdt"}`)
	require.NoError(t, err)
	var out balanceOutput
	require.NoError(t, json.Unmarshal([]byte(inv.Output), &out))
	assert.Equal(t, "3000000", out.Value)
	assert.Equal(t, uint8(6), out.Decimals)
	assert.Equal(t, "USDT", out.Symbol)

	_, err = tk.Invoke(ctx, "view_balance", `{"tokenType":"DOGE"}`)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
}

func TestSendTokens(t *testing.T) {
	ctx := context.Background()
	tk, wallet := newTestToolkit(t)
	wallet.Fund(petAddr, web3.TokenUSDC, usdc(1))

	_, err := tk.Invoke(ctx, "send_tokens", `{"to":"`+ownerAddr.Hex()+`","amount":"2","tokenType":"USDC"}`)
	require.True(t, xerrors.Is(err, xerrors.CodeInsufficientFunds), "got %v", err)
	assert.Contains(t, err.Error(), "Insufficient USDC balance: have 1, need 2")

	_, err = tk.Invoke(ctx, "send_tokens", `{"to":"`+strangerAddr.Hex()+`","amount":"0.5","tokenType":"USDC"}`)
	assert.True(t, xerrors.Is(err, xerrors.CodePolicyViolation), "got %v", err)

	_, err = tk.Invoke(ctx, "send_tokens", `{"to":"`+ownerAddr.Hex()+`","amount":"5000","tokenType":"USDC"}`)
	assert.True(t, xerrors.Is(err, xerrors.CodePolicyViolation), "over the cap, got %v", err)
	assert.Empty(t, wallet.Calls(), "rejected calls must not reach the chain")

	inv, err := tk.Invoke(ctx, "send_tokens", `{"to":"`+ownerAddr.Hex()+`","amount":0.25,"tokenType":"USDC"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.TxHash)

	calls := wallet.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Transfer", calls[0].Method)
	assert.Equal(t, ownerAddr, calls[0].To)
	assert.Equal(t, "250000", calls[0].Amount.String())
}

func TestStakeRedeemAndCheckDeposit(t *testing.T) {
	ctx := context.Background()
	tk, wallet := newTestToolkit(t)
	wallet.Fund(petAddr, web3.TokenUSDC, usdc(10))

	_, err := tk.Invoke(ctx, "stake_token", `{"amount":"11"}`)
	assert.True(t, xerrors.Is(err, xerrors.CodeInsufficientFunds))

	inv, err := tk.Invoke(ctx, "stake_token", `{"amount":"4"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.TxHash)

	inv, err = tk.Invoke(ctx, "check_deposit", `{"humanReadable":true}`)
	require.NoError(t, err)
	assert.Equal(t, "4 USDC", inv.Output)

	inv, err = tk.Invoke(ctx, "redeem_token", `{"amount":"4"}`)
	require.NoError(t, err)
	var out redeemOutput
	require.NoError(t, json.Unmarshal([]byte(inv.Output), &out))
	assert.Equal(t, "4", out.Amount)
	assert.Equal(t, "4.4", out.ExpectedWithInterest)

	_, err = tk.Invoke(ctx, "redeem_token", `{"amount":"1"}`)
	assert.True(t, xerrors.Is(err, xerrors.CodeInsufficientFunds), "nothing left to redeem, got %v", err)

	inv, err = tk.Invoke(ctx, "mint_token", `{"amount":"5"}`)
	require.NoError(t, err)
	bal, err := wallet.Balance(ctx, petAddr, web3.TokenUSDC)
	require.NoError(t, err)
	assert.Equal(t, usdc(15).String(), bal.Value.String())
}

func TestExpectedWithInterest(t *testing.T) {
	assert.Equal(t, "11", ExpectedWithInterest(big.NewInt(10)).String())
	assert.Equal(t, "1", ExpectedWithInterest(big.NewInt(1)).String())
	assert.Equal(t, "0", ExpectedWithInterest(big.NewInt(0)).String())
}

func TestNFTTools(t *testing.T) {
	ctx := context.Background()
	tk, wallet := newTestToolkit(t)

	inv, err := tk.Invoke(ctx, "mint_nft", `{"address":"`+ownerAddr.Hex()+`"}`)
	require.NoError(t, err)
	var out nftOutput
	require.NoError(t, json.Unmarshal([]byte(inv.Output), &out))
	assert.Equal(t, "1", out.NFTID)

	_, err = tk.Invoke(ctx, "update_nft_image_url", `{"nftId":"1","imageUrl":"https://example.com/tier2.png"}`)
	require.NoError(t, err)
	_, err = tk.Invoke(ctx, "update_nft_description", `{"nftId":"1","description":"  "}`)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
	_, err = tk.Invoke(ctx, "upgrade_nft", `{"nftId":"1"}`)
	require.NoError(t, err)
	_, err = tk.Invoke(ctx, "burn_nft", `{"nftId":"1"}`)
	require.NoError(t, err)

	methods := make([]string, 0)
	for _, call := range wallet.Calls() {
		methods = append(methods, call.Method)
	}
	assert.Equal(t, []string{"MintNFT", "UpdateNFTImageURL", "UpgradeNFT", "BurnNFT"}, methods)
	assert.Equal(t, DefaultNFTMetadata.Name, wallet.Calls()[0].Text)
	assert.Equal(t, "https://example.com/tier2.png", wallet.Calls()[1].Text)
}

func TestInvokeErrors(t *testing.T) {
	ctx := context.Background()
	tk, wallet := newTestToolkit(t)

	_, err := tk.Invoke(ctx, "drain_wallet", `{}`)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))

	_, err = tk.Invoke(ctx, "send_tokens", `{"to":`)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))

	wallet.Err = errors.New("rpc down")
	_, err = tk.Invoke(ctx, "mint_nft", `{"address":"`+ownerAddr.Hex()+`"}`)
	assert.EqualError(t, err, "rpc down")

	inv, err := tk.Invoke(ctx, "view_balance", "")
	require.NoError(t, err, "empty arguments default to an empty object")
	assert.Equal(t, "{}", inv.Arguments)
}
