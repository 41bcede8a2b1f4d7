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

	xerrors "pawmise/internal/errors"
	"pawmise/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

var defaultTipCap = big.NewInt(1_000_000_000)

// Wallet signs EIP-1559 transactions with a single delegated key.
type Wallet struct {
	client *Client
	auth   *bind.TransactOpts

	// sendMu serialises nonce allocation for this key.
	sendMu sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[web3.TokenType]uint8
}

func newWallet(client *Client, key *ecdsa.PrivateKey, chainID *big.Int) (*Wallet, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	return &Wallet{client: client, auth: auth, decimals: make(map[web3.TokenType]uint8)}, nil
}

// Address returns the signer address.
func (w *Wallet) Address() common.Address {
	return w.auth.From
}

// SavingsToken returns the asset accepted by the lending market.
func (w *Wallet) SavingsToken() web3.TokenType {
	return w.client.contracts.Savings()
}

// Balance reads the native or ERC-20 balance of owner.
func (w *Wallet) Balance(ctx context.Context, owner common.Address, token web3.TokenType) (web3.Balance, error) {
	if token == web3.TokenETH {
		value, err := w.client.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return web3.Balance{}, xerrors.Wrap(xerrors.CodeExternalDependency, err, "查询原生余额失败")
		}
		return web3.Balance{Value: value, Decimals: web3.NativeDecimals, Symbol: string(web3.TokenETH)}, nil
	}

	contract, err := w.tokenAddress(token)
	if err != nil {
		return web3.Balance{}, err
	}
	var value *big.Int
	if err := w.call(ctx, contract, parsedERC20, "balanceOf", &value, owner); err != nil {
		return web3.Balance{}, err
	}
	decimals, err := w.TokenDecimals(ctx, token)
	if err != nil {
		return web3.Balance{}, err
	}
	return web3.Balance{Value: value, Decimals: decimals, Symbol: string(token)}, nil
}

// TokenDecimals returns the configured precision of token, asking the
// contract when the chain file leaves it unset.
func (w *Wallet) TokenDecimals(ctx context.Context, token web3.TokenType) (uint8, error) {
	if token == web3.TokenETH {
		return web3.NativeDecimals, nil
	}
	w.decimalsMu.Lock()
	cached, ok := w.decimals[token]
	w.decimalsMu.Unlock()
	if ok {
		return cached, nil
	}

	tc, ok := w.client.contracts.Token(token)
	if !ok {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未配置代币 %s 的合约", token))
	}
	decimals := tc.Decimals
	if decimals == 0 {
		if err := w.call(ctx, common.HexToAddress(tc.Address), parsedERC20, "decimals", &decimals); err != nil {
			return 0, err
		}
	}
	w.decimalsMu.Lock()
	w.decimals[token] = decimals
	w.decimalsMu.Unlock()
	return decimals, nil
}

// Transfer sends native coin or ERC-20 tokens to to.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, amount *big.Int, token web3.TokenType) (web3.Receipt, error) {
	if token == web3.TokenETH {
		return w.send(ctx, to, amount, nil)
	}
	contract, err := w.tokenAddress(token)
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, contract, parsedERC20, "transfer", to, amount)
}

// MintTokens calls the savings token faucet for the signer.
func (w *Wallet) MintTokens(ctx context.Context, amount *big.Int) (web3.Receipt, error) {
	contract, err := w.tokenAddress(w.SavingsToken())
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, contract, parsedERC20, "requestTokensForSelf", amount)
}

// Deposit approves the market and deposits amount of the savings token.
func (w *Wallet) Deposit(ctx context.Context, amount *big.Int) (web3.Receipt, error) {
	token, err := w.tokenAddress(w.SavingsToken())
	if err != nil {
		return web3.Receipt{}, err
	}
	market, err := w.marketAddress()
	if err != nil {
		return web3.Receipt{}, err
	}
	if _, err := w.transact(ctx, token, parsedERC20, "approve", market, amount); err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, market, parsedMarket, "deposit", amount)
}

// Redeem withdraws amount of the savings token from the market.
func (w *Wallet) Redeem(ctx context.Context, amount *big.Int) (web3.Receipt, error) {
	market, err := w.marketAddress()
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, market, parsedMarket, "redeem", amount)
}

// DepositOf reads the amount owner has staked in the market.
func (w *Wallet) DepositOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	market, err := w.marketAddress()
	if err != nil {
		return nil, err
	}
	var value *big.Int
	if err := w.call(ctx, market, parsedMarket, "depositOf", &value, owner); err != nil {
		return nil, err
	}
	return value, nil
}

// MintNFT mints a companion NFT and returns the token id from the Transfer log.
func (w *Wallet) MintNFT(ctx context.Context, to common.Address, meta web3.NFTMetadata) (web3.Receipt, *big.Int, error) {
	nft, err := w.nftAddress()
	if err != nil {
		return web3.Receipt{}, nil, err
	}
	data, err := parsedNFT.Pack("mint", to, meta.Name, meta.Description, meta.ImageURL)
	if err != nil {
		return web3.Receipt{}, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 mint 调用失败")
	}
	receipt, raw, err := w.sendRaw(ctx, nft, nil, data)
	if err != nil {
		return web3.Receipt{}, nil, err
	}
	tokenID, ok := mintedTokenID(raw, nft)
	if !ok {
		return receipt, nil, xerrors.New(xerrors.CodeParseFailure, "未在回执中找到 NFT Transfer 事件")
	}
	return receipt, tokenID, nil
}

func (w *Wallet) UpgradeNFT(ctx context.Context, tokenID *big.Int) (web3.Receipt, error) {
	nft, err := w.nftAddress()
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, nft, parsedNFT, "upgrade", tokenID)
}

func (w *Wallet) UpdateNFTDescription(ctx context.Context, tokenID *big.Int, description string) (web3.Receipt, error) {
	nft, err := w.nftAddress()
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, nft, parsedNFT, "updateDescription", tokenID, description)
}

func (w *Wallet) UpdateNFTImageURL(ctx context.Context, tokenID *big.Int, imageURL string) (web3.Receipt, error) {
	nft, err := w.nftAddress()
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, nft, parsedNFT, "updateImageUrl", tokenID, imageURL)
}

func (w *Wallet) BurnNFT(ctx context.Context, tokenID *big.Int) (web3.Receipt, error) {
	nft, err := w.nftAddress()
	if err != nil {
		return web3.Receipt{}, err
	}
	return w.transact(ctx, nft, parsedNFT, "burn", tokenID)
}

func (w *Wallet) tokenAddress(token web3.TokenType) (common.Address, error) {
	tc, ok := w.client.contracts.Token(token)
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未配置代币 %s 的合约", token))
	}
	return common.HexToAddress(tc.Address), nil
}

func (w *Wallet) marketAddress() (common.Address, error) {
	if strings.TrimSpace(w.client.contracts.Market) == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "未配置质押市场合约")
	}
	return common.HexToAddress(w.client.contracts.Market), nil
}

func (w *Wallet) nftAddress() (common.Address, error) {
	if strings.TrimSpace(w.client.contracts.NFT) == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "未配置 NFT 合约")
	}
	return common.HexToAddress(w.client.contracts.NFT), nil
}

func (w *Wallet) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, out any, args ...any) error {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 调用失败", method))
	}
	raw, err := w.client.backend.CallContract(ctx, gethcore.CallMsg{From: w.auth.From, To: &contract, Data: data}, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalDependency, err, fmt.Sprintf("调用 %s 失败", method))
	}
	values, err := parsed.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		if err == nil {
			err = errors.New("empty return data")
		}
		return xerrors.Wrap(xerrors.CodeParseFailure, err, fmt.Sprintf("解析 %s 返回值失败", method))
	}
	switch dst := out.(type) {
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return xerrors.New(xerrors.CodeParseFailure, fmt.Sprintf("%s 返回值类型异常", method))
		}
		*dst = v
	case *uint8:
		v, ok := values[0].(uint8)
		if !ok {
			return xerrors.New(xerrors.CodeParseFailure, fmt.Sprintf("%s 返回值类型异常", method))
		}
		*dst = v
	default:
		return fmt.Errorf("unsupported output type %T", out)
	}
	return nil
}

func (w *Wallet) transact(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) (web3.Receipt, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return web3.Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("编码 %s 调用失败", method))
	}
	receipt, _, err := w.sendRaw(ctx, contract, nil, data)
	return receipt, err
}

func (w *Wallet) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (web3.Receipt, error) {
	receipt, _, err := w.sendRaw(ctx, to, value, data)
	return receipt, err
}

// sendRaw signs a dynamic fee transaction, submits it and waits for the receipt.
func (w *Wallet) sendRaw(ctx context.Context, to common.Address, value *big.Int, data []byte) (web3.Receipt, *coretypes.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	backend := w.client.backend

	w.sendMu.Lock()
	signed, err := w.buildAndSign(ctx, to, value, data)
	if err == nil {
		err = backend.SendTransaction(ctx, signed)
		if err != nil {
			err = xerrors.Wrap(xerrors.CodeExternalDependency, err, "发送交易失败")
		}
	}
	w.sendMu.Unlock()
	if err != nil {
		return web3.Receipt{}, nil, err
	}

	w.client.commit()
	raw, err := w.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return web3.Receipt{}, nil, err
	}
	receipt := web3.Receipt{TxHash: signed.Hash().Hex(), Status: raw.Status}
	if raw.BlockNumber != nil {
		receipt.BlockNumber = raw.BlockNumber.Uint64()
	}
	if raw.Status != coretypes.ReceiptStatusSuccessful {
		return receipt, raw, xerrors.New(xerrors.CodeExternalDependency, "交易执行失败: "+receipt.TxHash)
	}
	return receipt, raw, nil
}

func (w *Wallet) buildAndSign(ctx context.Context, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	backend := w.client.backend
	from := w.auth.From

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalDependency, err, "获取 nonce 失败")
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalDependency, err, "获取最新区块失败")
	}
	gasTipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil || gasTipCap == nil {
		gasTipCap = new(big.Int).Set(defaultTipCap)
	}
	gasFeeCap := new(big.Int).Set(gasTipCap)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), gasTipCap)
	}
	gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalDependency, err, "估算 gas 失败")
	}
	if len(data) > 0 {
		gas = gas * 12 / 10
	}

	chainID, err := w.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := w.auth.Signer(from, tx)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

func (w *Wallet) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(w.client.poll)
	defer ticker.Stop()

	for {
		receipt, err := w.client.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, xerrors.Wrap(xerrors.CodeExternalDependency, err, "查询交易回执失败")
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易上链超时")
		case <-ticker.C:
			w.client.commit()
		}
	}
}

var _ web3.Wallet = (*Wallet)(nil)
