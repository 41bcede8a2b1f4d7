// Package progression 把宠物余额映射为成长等级，并驱动伴生 NFT 的铸造与升级。
package progression

import (
	"fmt"
	"math/big"
)

// ScaleDecimals 是等级阈值使用的基础单位精度。
const ScaleDecimals = 9

// MaxTier 是阈值表中的最高等级。
const MaxTier = 5

// Scale 返回 10^ScaleDecimals。
func Scale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(ScaleDecimals), nil)
}

// thresholds[i] 是等级 i+2 的下限（已乘以 Scale）。
var thresholds = func() []*big.Int {
	scale := Scale()
	bounds := []int64{100, 500, 1000, 5000, 10000}
	out := make([]*big.Int, len(bounds))
	for i, b := range bounds {
		out[i] = new(big.Int).Mul(big.NewInt(b), scale)
	}
	return out
}()

// GetTier 根据余额（基础单位）计算成长等级。
// 达到 10000×Scale 及以上时回落为等级 1，nil 与负数同样视为等级 1。
func GetTier(amount *big.Int) int {
	if amount == nil || amount.Sign() < 0 {
		return 1
	}
	// 超出阈值表的余额没有对应等级。
	if amount.Cmp(thresholds[len(thresholds)-1]) >= 0 {
		return 1
	}
	tier := 1
	for _, bound := range thresholds[:len(thresholds)-1] {
		if amount.Cmp(bound) < 0 {
			break
		}
		tier++
	}
	return tier
}

// ImageURL 返回等级对应的 NFT 图片地址，未知等级使用等级 1 的图片。
func ImageURL(tier int) string {
	if tier < 1 || tier > MaxTier {
		tier = 1
	}
	return fmt.Sprintf("ipfs://pawmise/realm-tier-%d.png", tier)
}
