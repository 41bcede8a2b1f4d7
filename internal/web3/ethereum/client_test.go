package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func newSimulatedWallet(t *testing.T) (*Client, *Wallet, *backends.SimulatedBackend) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	alloc := coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	t.Cleanup(func() { backend.Close() })

	client := NewSimulatedClient("simulated", big.NewInt(1337), backend, web3.Contracts{})
	t.Cleanup(client.Close)

	wallet, err := client.NewWallet(context.Background(), key)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	return client, wallet.(*Wallet), backend
}

func TestWalletNativeTransfer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, wallet, _ := newSimulatedWallet(t)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	before, err := wallet.Balance(ctx, wallet.Address(), web3.TokenETH)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if before.Decimals != 18 || before.Symbol != "ETH" {
		t.Fatalf("unexpected balance metadata %+v", before)
	}

	receipt, err := wallet.Transfer(ctx, recipient, big.NewInt(1_000), web3.TokenETH)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if receipt.TxHash == "" || receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	got, err := wallet.Balance(ctx, recipient, web3.TokenETH)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if got.Value.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected recipient balance %s", got.Value)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after transfer")
	}
}

func TestWalletRequiresConfiguredContracts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, wallet, _ := newSimulatedWallet(t)

	if _, err := wallet.Balance(ctx, wallet.Address(), web3.TokenUSDC); !xerrors.Is(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for missing token, got %v", err)
	}
	if _, _, err := wallet.MintNFT(ctx, wallet.Address(), web3.NFTMetadata{Name: "x"}); !xerrors.Is(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for missing nft contract, got %v", err)
	}
	if _, err := wallet.DepositOf(ctx, wallet.Address()); !xerrors.Is(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for missing market, got %v", err)
	}
	if wallet.SavingsToken() != web3.TokenUSDC {
		t.Fatalf("unexpected savings token %s", wallet.SavingsToken())
	}
}

func TestMintedTokenID(t *testing.T) {
	nft := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	other := common.HexToAddress("0x00000000000000000000000000000000000000a3")
	to := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	receipt := &coretypes.Receipt{Logs: []*coretypes.Log{
		{Address: other, Topics: []common.Hash{transferTopic, {}, common.BytesToHash(to.Bytes()), common.BigToHash(big.NewInt(99))}},
		{Address: nft, Topics: []common.Hash{transferTopic, {}, common.BytesToHash(to.Bytes()), common.BigToHash(big.NewInt(7))}},
	}}
	id, ok := mintedTokenID(receipt, nft)
	if !ok || id.Int64() != 7 {
		t.Fatalf("unexpected token id %v %v", id, ok)
	}

	if _, ok := mintedTokenID(&coretypes.Receipt{}, nft); ok {
		t.Fatal("expected no token id without logs")
	}
}
