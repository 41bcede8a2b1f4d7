package toolkit

import (
	"context"
	"crypto/ecdsa"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/pet"
	"pawmise/internal/web3"
	"pawmise/pkg/logger"
)

// IdentityResolver 解析用户活跃宠物的签名身份。
type IdentityResolver interface {
	ActiveIdentity(ctx context.Context, userAddress string) (*pet.Identity, error)
}

// WalletFactory 将签名密钥绑定到链上合约。
type WalletFactory interface {
	NewWallet(ctx context.Context, key *ecdsa.PrivateKey) (web3.Wallet, error)
}

// Invalidator 在实例之间广播工具集失效事件。
type Invalidator interface {
	Publish(ctx context.Context, userAddress string) error
	Listen(ctx context.Context, handle func(userAddress string)) error
}

// Provisioner 为每个用户懒加载并缓存工具集。
type Provisioner struct {
	identities  IdentityResolver
	wallets     WalletFactory
	guard       *Guard
	plugins     []Plugin
	cache       Cache
	invalidator Invalidator
	group       singleflight.Group
}

// Option 定义 Provisioner 的可选配置。
type Option func(*Provisioner)

// WithCache 替换默认的进程内缓存。
func WithCache(cache Cache) Option {
	return func(p *Provisioner) {
		if cache != nil {
			p.cache = cache
		}
	}
}

// WithInvalidator 启用跨实例的缓存失效广播。
func WithInvalidator(invalidator Invalidator) Option {
	return func(p *Provisioner) {
		if invalidator != nil {
			p.invalidator = invalidator
		}
	}
}

// WithGuard 设置参数校验策略。
func WithGuard(guard *Guard) Option {
	return func(p *Provisioner) {
		if guard != nil {
			p.guard = guard
		}
	}
}

// WithPlugins 替换默认的工具插件集合。
func WithPlugins(plugins ...Plugin) Option {
	return func(p *Provisioner) {
		if len(plugins) > 0 {
			p.plugins = plugins
		}
	}
}

// NewProvisioner 创建 Provisioner。
func NewProvisioner(identities IdentityResolver, wallets WalletFactory, opts ...Option) *Provisioner {
	p := &Provisioner{
		identities: identities,
		wallets:    wallets,
		guard:      NewGuard(GuardConfig{OwnerOnlyRecipients: true}),
		plugins:    DefaultPlugins(),
		cache:      NewMemoryCache(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// GetToolkit 返回用户的工具集，缓存命中时不做新鲜度检查。
// 同一地址的并发首次请求只会构建一次。
func (p *Provisioner) GetToolkit(ctx context.Context, userAddress string) (*Toolkit, error) {
	if tk, ok := p.cache.Get(userAddress); ok {
		return tk, nil
	}

	key := cacheKey(userAddress)
	v, err, shared := p.group.Do(key, func() (any, error) {
		if tk, ok := p.cache.Get(userAddress); ok {
			return tk, nil
		}
		tk, err := p.build(ctx, userAddress)
		if err != nil {
			return nil, err
		}
		p.cache.Put(userAddress, tk)
		return tk, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.L().Debug("复用并发构建的工具集", slog.String("user_address", userAddress))
	}
	return v.(*Toolkit), nil
}

func (p *Provisioner) build(ctx context.Context, userAddress string) (*Toolkit, error) {
	identity, err := p.identities.ActiveIdentity(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	wallet, err := p.wallets.NewWallet(ctx, identity.Key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建宠物钱包失败",
			xerrors.WithMetadata("pet_id", identity.PetID))
	}
	tk := New(identity.PetID, common.HexToAddress(identity.UserAddress), wallet, p.guard, p.plugins...)
	logger.L().Info("工具集已构建",
		slog.String("user_address", identity.UserAddress),
		slog.String("pet_id", identity.PetID),
		slog.String("pet_address", identity.PetAddress),
		slog.Int("tools", len(tk.order)),
	)
	return tk, nil
}

// Invalidate 丢弃本地缓存，并在配置了广播器时通知其他实例。
func (p *Provisioner) Invalidate(ctx context.Context, userAddress string) {
	p.cache.Delete(userAddress)
	if p.invalidator == nil {
		return
	}
	if err := p.invalidator.Publish(ctx, userAddress); err != nil {
		logger.L().Warn("广播工具集失效失败", slog.String("user_address", userAddress), slog.Any("error", err))
	}
}

// Watch 消费其他实例的失效广播，直到 ctx 结束。未配置广播器时立即返回。
func (p *Provisioner) Watch(ctx context.Context) error {
	if p.invalidator == nil {
		return nil
	}
	return p.invalidator.Listen(ctx, func(userAddress string) {
		p.cache.Delete(userAddress)
	})
}

// Cached 返回当前缓存的工具集数量。
func (p *Provisioner) Cached() int {
	return p.cache.Len()
}
