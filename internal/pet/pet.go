// Package pet 维护用户与宠物档案，负责托管密钥与余额的原子更新。
package pet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	xerrors "pawmise/internal/errors"
)

// User 表示一个钱包用户。
type User struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	Username      string    `json:"username,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Pet 表示用户的储蓄宠物。Balance 以储蓄代币最小单位的十进制字符串保存。
type Pet struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	Breed         string    `json:"breed,omitempty"`
	Balance       string    `json:"balance"`
	Active        bool      `json:"active"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	EncryptedKey  string    `json:"-"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// BalanceValue 解析余额字符串。
func (p *Pet) BalanceValue() (*big.Int, error) {
	if p.Balance == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(p.Balance, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeParseFailure, "宠物余额格式非法: "+p.Balance)
	}
	return value, nil
}

// Clone 返回宠物记录的副本。
func (p *Pet) Clone() *Pet {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Identity 是工具集构建所需的签名身份。
type Identity struct {
	PetID       string
	UserAddress string
	PetAddress  string
	Key         *ecdsa.PrivateKey
}

// BalanceChange 描述一次已提交的余额变化。
type BalanceChange struct {
	PetID       string
	UserAddress string
	Balance     *big.Int
	Delta       *big.Int
}

// BalanceObserver 在余额更新成功后被通知。
type BalanceObserver interface {
	BalanceChanged(ctx context.Context, change BalanceChange)
}

// BalanceObserverFunc 允许以函数形式实现 BalanceObserver。
type BalanceObserverFunc func(ctx context.Context, change BalanceChange)

// BalanceChanged 实现 BalanceObserver。
func (f BalanceObserverFunc) BalanceChanged(ctx context.Context, change BalanceChange) {
	f(ctx, change)
}
