// Package web3test provides an in-memory web3.Wallet for tests.
package web3test

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"pawmise/internal/web3"
)

// Call records one state-changing wallet operation.
type Call struct {
	Method string
	To     common.Address
	Amount *big.Int
	Token  web3.TokenType
	NFTID  *big.Int
	Text   string
}

// Wallet keeps balances in memory and hands out sequential fake tx hashes.
type Wallet struct {
	mu       sync.Mutex
	address  common.Address
	savings  web3.TokenType
	decimals map[web3.TokenType]uint8
	balances map[common.Address]map[web3.TokenType]*big.Int
	deposits map[common.Address]*big.Int
	nextNFT  int64
	nonce    int
	calls    []Call

	// Err, when set, is returned by every state-changing call.
	Err error
}

// NewWallet creates a wallet whose savings token is USDC with 6 decimals.
func NewWallet(address common.Address) *Wallet {
	return &Wallet{
		address: address,
		savings: web3.TokenUSDC,
		decimals: map[web3.TokenType]uint8{
			web3.TokenETH:  web3.NativeDecimals,
			web3.TokenUSDC: 6,
			web3.TokenUSDT: 6,
		},
		balances: make(map[common.Address]map[web3.TokenType]*big.Int),
		deposits: make(map[common.Address]*big.Int),
		nextNFT:  1,
	}
}

// SetDecimals overrides a token's precision.
func (w *Wallet) SetDecimals(token web3.TokenType, decimals uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.decimals[token] = decimals
}

// Fund sets the balance of owner in base units.
func (w *Wallet) Fund(owner common.Address, token web3.TokenType, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balanceLocked(owner, token).Set(amount)
}

// SetDeposit sets the staked amount of owner in base units.
func (w *Wallet) SetDeposit(owner common.Address, amount *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deposits[owner] = new(big.Int).Set(amount)
}

// Calls returns the recorded state-changing calls.
func (w *Wallet) Calls() []Call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Call(nil), w.calls...)
}

func (w *Wallet) Address() common.Address { return w.address }

func (w *Wallet) SavingsToken() web3.TokenType { return w.savings }

func (w *Wallet) Balance(_ context.Context, owner common.Address, token web3.TokenType) (web3.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return web3.Balance{
		Value:    new(big.Int).Set(w.balanceLocked(owner, token)),
		Decimals: w.decimals[token],
		Symbol:   string(token),
	}, nil
}

func (w *Wallet) Transfer(_ context.Context, to common.Address, amount *big.Int, token web3.TokenType) (web3.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return web3.Receipt{}, w.Err
	}
	from := w.balanceLocked(w.address, token)
	if from.Cmp(amount) < 0 {
		return web3.Receipt{}, fmt.Errorf("execution reverted: insufficient balance")
	}
	from.Sub(from, amount)
	dst := w.balanceLocked(to, token)
	dst.Add(dst, amount)
	return w.recordLocked(Call{Method: "Transfer", To: to, Amount: new(big.Int).Set(amount), Token: token}), nil
}

func (w *Wallet) MintTokens(_ context.Context, amount *big.Int) (web3.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return web3.Receipt{}, w.Err
	}
	bal := w.balanceLocked(w.address, w.savings)
	bal.Add(bal, amount)
	return w.recordLocked(Call{Method: "MintTokens", Amount: new(big.Int).Set(amount), Token: w.savings}), nil
}

func (w *Wallet) Deposit(_ context.Context, amount *big.Int) (web3.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return web3.Receipt{}, w.Err
	}
	bal := w.balanceLocked(w.address, w.savings)
	if bal.Cmp(amount) < 0 {
		return web3.Receipt{}, fmt.Errorf("execution reverted: insufficient balance")
	}
	bal.Sub(bal, amount)
	dep := w.depositLocked(w.address)
	dep.Add(dep, amount)
	return w.recordLocked(Call{Method: "Deposit", Amount: new(big.Int).Set(amount), Token: w.savings}), nil
}

func (w *Wallet) Redeem(_ context.Context, amount *big.Int) (web3.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return web3.Receipt{}, w.Err
	}
	dep := w.depositLocked(w.address)
	if dep.Cmp(amount) < 0 {
		return web3.Receipt{}, fmt.Errorf("execution reverted: insufficient deposit")
	}
	dep.Sub(dep, amount)
	bal := w.balanceLocked(w.address, w.savings)
	bal.Add(bal, amount)
	return w.recordLocked(Call{Method: "Redeem", Amount: new(big.Int).Set(amount), Token: w.savings}), nil
}

func (w *Wallet) DepositOf(_ context.Context, owner common.Address) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).Set(w.depositLocked(owner)), nil
}

func (w *Wallet) MintNFT(_ context.Context, to common.Address, meta web3.NFTMetadata) (web3.Receipt, *big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return web3.Receipt{}, nil, w.Err
	}
	id := big.NewInt(w.nextNFT)
	w.nextNFT++
	receipt := w.recordLocked(Call{Method: "MintNFT", To: to, NFTID: new(big.Int).Set(id), Text: meta.Name})
	return receipt, id, nil
}

func (w *Wallet) UpgradeNFT(_ context.Context, tokenID *big.Int) (web3.Receipt, error) {
	return w.nftCall("UpgradeNFT", tokenID, "")
}

func (w *Wallet) UpdateNFTDescription(_ context.Context, tokenID *big.Int, description string) (web3.Receipt, error) {
	return w.nftCall("UpdateNFTDescription", tokenID, description)
}

func (w *Wallet) UpdateNFTImageURL(_ context.Context, tokenID *big.Int, imageURL string) (web3.Receipt, error) {
	return w.nftCall("UpdateNFTImageURL", tokenID, imageURL)
}

func (w *Wallet) BurnNFT(_ context.Context, tokenID *big.Int) (web3.Receipt, error) {
	return w.nftCall("BurnNFT", tokenID, "")
}

func (w *Wallet) nftCall(method string, tokenID *big.Int, text string) (web3.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return web3.Receipt{}, w.Err
	}
	return w.recordLocked(Call{Method: method, NFTID: new(big.Int).Set(tokenID), Text: text}), nil
}

func (w *Wallet) balanceLocked(owner common.Address, token web3.TokenType) *big.Int {
	byToken, ok := w.balances[owner]
	if !ok {
		byToken = make(map[web3.TokenType]*big.Int)
		w.balances[owner] = byToken
	}
	bal, ok := byToken[token]
	if !ok {
		bal = new(big.Int)
		byToken[token] = bal
	}
	return bal
}

func (w *Wallet) depositLocked(owner common.Address) *big.Int {
	dep, ok := w.deposits[owner]
	if !ok {
		dep = new(big.Int)
		w.deposits[owner] = dep
	}
	return dep
}

func (w *Wallet) recordLocked(call Call) web3.Receipt {
	w.nonce++
	w.calls = append(w.calls, call)
	return web3.Receipt{
		TxHash:      common.BigToHash(big.NewInt(int64(w.nonce))).Hex(),
		BlockNumber: uint64(w.nonce),
		Status:      1,
	}
}

var _ web3.Wallet = (*Wallet)(nil)

// Factory hands out the same wallet for every key and counts builds.
type Factory struct {
	mu     sync.Mutex
	wallet *Wallet
	built  int
	keys   []common.Address

	// Err, when set, fails every NewWallet call.
	Err error
}

// NewFactory returns a factory that always hands out wallet.
func NewFactory(wallet *Wallet) *Factory {
	return &Factory{wallet: wallet}
}

// NewWallet records the key's address and returns the shared wallet.
func (f *Factory) NewWallet(_ context.Context, key *ecdsa.PrivateKey) (web3.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.built++
	f.keys = append(f.keys, crypto.PubkeyToAddress(key.PublicKey))
	return f.wallet, nil
}

// Built reports how many wallets were constructed.
func (f *Factory) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

// Keys returns the signer addresses seen so far.
func (f *Factory) Keys() []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.keys...)
}
