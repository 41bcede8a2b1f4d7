package progression

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"pawmise/internal/agent"
	xerrors "pawmise/internal/errors"
	"pawmise/pkg/logger"
)

// Instructor 是 Upgrader 依赖的一次性代理指令能力，由 agent.Agent 实现。
type Instructor interface {
	Instruct(ctx context.Context, userAddress, instruction string, maxSteps int) (*agent.RunResult, error)
}

// Outcome 描述一次成长执行的结果。
type Outcome struct {
	Tier     int    `json:"tier"`
	ImageURL string `json:"imageUrl"`
	NFTID    string `json:"nftId,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
	Message  string `json:"message"`
}

// Upgrader 根据余额计算等级，并让代理铸造带有等级图片的 NFT。
type Upgrader struct {
	instructor Instructor
	maxSteps   int
}

// NewUpgrader 创建 Upgrader，maxSteps 不大于 0 时使用代理的默认步数。
func NewUpgrader(instructor Instructor, maxSteps int) *Upgrader {
	return &Upgrader{instructor: instructor, maxSteps: maxSteps}
}

// UpgradeOrMintNFT 为用户铸造与当前等级匹配的 NFT，链上调用完全交给代理的工具层。
func (u *Upgrader) UpgradeOrMintNFT(ctx context.Context, userAddress string, balance *big.Int) (*Outcome, error) {
	if u == nil || u.instructor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "成长服务未初始化")
	}
	tier := GetTier(balance)
	image := ImageURL(tier)

	instruction := fmt.Sprintf(
		"The pet reached tier %d. Call mint_nft with address \"%s\", then call update_nft_image_url with the nftId returned by mint_nft and imageUrl \"%s\". Reply with one short celebratory line.",
		tier, userAddress, image)
	run, err := u.instructor.Instruct(ctx, userAddress, instruction, u.maxSteps)
	if err != nil {
		return nil, err
	}

	mints := run.Invoked("mint_nft")
	if len(mints) == 0 {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "模型未调用 mint_nft",
			xerrors.WithMetadata("tool", "mint_nft"))
	}
	var minted struct {
		NFTID string `json:"nftId"`
	}
	if err := json.Unmarshal([]byte(mints[len(mints)-1].Output), &minted); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParseFailure, err, "解析 mint_nft 输出失败")
	}
	if len(run.Invoked("update_nft_image_url")) == 0 {
		// NFT 已铸造，重试会重复铸造。
		logger.L().Warn("模型未更新 NFT 图片",
			slog.String("user_address", userAddress),
			slog.String("nft_id", minted.NFTID),
			slog.Int("tier", tier),
		)
	}

	outcome := &Outcome{
		Tier:     tier,
		ImageURL: image,
		NFTID:    minted.NFTID,
		TxHash:   run.LastTxHash(),
		Message:  run.Text,
	}
	logger.Audit().Info("成长 NFT 已铸造",
		slog.String("user_address", userAddress),
		slog.Int("tier", tier),
		slog.String("nft_id", outcome.NFTID),
		slog.String("tx_hash", outcome.TxHash),
	)
	return outcome, nil
}
