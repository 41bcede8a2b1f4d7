package toolkit

import (
	"context"
	"encoding/json"
	"math/big"

	"pawmise/internal/web3"
)

// DefaultNFTMetadata 是 mint_nft 铸造的伴生 NFT 元数据。
var DefaultNFTMetadata = web3.NFTMetadata{
	Name:        "Forest Realm",
	Description: "A magical forest",
	ImageURL:    "ipfs://forest.png",
}

const maxNFTTextLen = 512

// NFTPlugin 提供伴生 NFT 的管理工具。
type NFTPlugin struct{}

// Name 返回插件名称。
func (NFTPlugin) Name() string { return "nftTools" }

// Tools 构建 mint_nft、upgrade_nft、update_nft_description、update_nft_image_url 与 burn_nft。
func (NFTPlugin) Tools(env Env) []Tool {
	nftIDSchema := func(description string, extra map[string]any, required ...string) map[string]any {
		props := map[string]any{"nftId": stringProp(description)}
		for k, v := range extra {
			props[k] = v
		}
		return objectSchema(props, append([]string{"nftId"}, required...)...)
	}

	type nftArgs struct {
		NFTID       string `json:"nftId"`
		Description string `json:"description"`
		ImageURL    string `json:"imageUrl"`
	}
	withNFT := func(run func(ctx context.Context, id *big.Int, args nftArgs) (web3.Receipt, error)) Handler {
		return func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args nftArgs
			if err := decodeArgs(raw, &args); err != nil {
				return Result{}, err
			}
			id, err := env.Guard.TokenID(args.NFTID)
			if err != nil {
				return Result{}, err
			}
			receipt, err := run(ctx, id, args)
			if err != nil {
				return Result{}, err
			}
			return Result{Output: nftOutput{TxHash: receipt.TxHash, NFTID: id.String()}, TxHash: receipt.TxHash}, nil
		}
	}

	return []Tool{
		{
			Name:        "mint_nft",
			Description: "Mint a NFT to self",
			Parameters: objectSchema(map[string]any{
				"address": stringProp("The Address of wallet to mint nft to"),
			}, "address"),
			Handler: func(ctx context.Context, raw json.RawMessage) (Result, error) {
				var args struct {
					Address string `json:"address"`
				}
				if err := decodeArgs(raw, &args); err != nil {
					return Result{}, err
				}
				to, err := env.Guard.Recipient(args.Address, env.Owner)
				if err != nil {
					return Result{}, err
				}
				receipt, id, err := env.Wallet.MintNFT(ctx, to, DefaultNFTMetadata)
				if err != nil {
					return Result{}, err
				}
				return Result{Output: nftOutput{TxHash: receipt.TxHash, NFTID: id.String()}, TxHash: receipt.TxHash}, nil
			},
		},
		{
			Name:        "upgrade_nft",
			Description: "Upgrades a NFT",
			Parameters:  nftIDSchema("The ID of the NFT to upgrade", nil),
			Handler: withNFT(func(ctx context.Context, id *big.Int, _ nftArgs) (web3.Receipt, error) {
				return env.Wallet.UpgradeNFT(ctx, id)
			}),
		},
		{
			Name:        "update_nft_description",
			Description: "Updates description of NFT",
			Parameters: nftIDSchema("The ID of the NFT to update description",
				map[string]any{"description": stringProp("The new description of the NFT")}, "description"),
			Handler: withNFT(func(ctx context.Context, id *big.Int, args nftArgs) (web3.Receipt, error) {
				description, err := env.Guard.Text("description", args.Description, maxNFTTextLen)
				if err != nil {
					return web3.Receipt{}, err
				}
				return env.Wallet.UpdateNFTDescription(ctx, id, description)
			}),
		},
		{
			Name:        "update_nft_image_url",
			Description: "Updates imageUrl of NFT",
			Parameters: nftIDSchema("The ID of the NFT to update image url",
				map[string]any{"imageUrl": stringProp("The new imageUrl of the NFT")}, "imageUrl"),
			Handler: withNFT(func(ctx context.Context, id *big.Int, args nftArgs) (web3.Receipt, error) {
				imageURL, err := env.Guard.Text("imageUrl", args.ImageURL, maxNFTTextLen)
				if err != nil {
					return web3.Receipt{}, err
				}
				return env.Wallet.UpdateNFTImageURL(ctx, id, imageURL)
			}),
		},
		{
			Name:        "burn_nft",
			Description: "Burns a NFT",
			Parameters:  nftIDSchema("The ID of the NFT to burn", nil),
			Handler: withNFT(func(ctx context.Context, id *big.Int, _ nftArgs) (web3.Receipt, error) {
				return env.Wallet.BurnNFT(ctx, id)
			}),
		},
	}
}

type nftOutput struct {
	TxHash string `json:"txHash"`
	NFTID  string `json:"nftId"`
}
