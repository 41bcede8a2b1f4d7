// Package provider turns chain definitions into connected clients and hands
// out wallets bound to the default chain.
package provider

import (
	"context"
	"crypto/ecdsa"
	"maps"
	"slices"
	"strings"

	"pawmise/internal/config"
	xerrors "pawmise/internal/errors"
	"pawmise/internal/web3"
	"pawmise/internal/web3/ethereum"
)

// Dialer connects to one chain described by def.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// dialers maps a chain type to its constructor. An empty type means evm.
var dialers = map[string]Dialer{
	"evm": dialEVM,
}

func dialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:      name,
		RPCURL:    def.RPCURL,
		ChainID:   def.ChainID,
		Notes:     def.Description,
		Contracts: def.Contracts,
	})
}

// Registry holds chain clients keyed by name.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry dials every chain in cfg.ChainConfig. When the file defines no
// chains, cfg.RPCURL is used as a single chain named "default".
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载链配置失败")
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{RPCURL: cfg.RPCURL, ChainID: cfg.ChainID}
	}
	if len(defs.Chains) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}

	r := &Registry{clients: make(map[string]web3.Client, len(defs.Chains))}
	for _, name := range slices.Sorted(maps.Keys(defs.Chains)) {
		client, err := dial(ctx, name, defs.Chains[name])
		if err != nil {
			r.Close()
			return nil, err
		}
		r.clients[name] = client
	}
	if r.defaultChain, err = pickDefault(cfg.DefaultChain, r.clients); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func dial(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType == "" {
		chainType = "evm"
	}
	dialer, ok := dialers[chainType]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的链类型",
			xerrors.WithMetadata("chain", name),
			xerrors.WithMetadata("type", def.Type))
	}
	client, err := dialer(ctx, name, def)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalDependency, err, "连接链节点失败", xerrors.WithMetadata("chain", name))
	}
	return client, nil
}

// pickDefault returns preferred when set, otherwise the alphabetically first chain.
func pickDefault(preferred string, clients map[string]web3.Client) (string, error) {
	if preferred == "" {
		if len(clients) == 0 {
			return "", xerrors.New(xerrors.CodeInitializationFailure, "注册表中没有可用的链")
		}
		return slices.Sorted(maps.Keys(clients))[0], nil
	}
	if _, ok := clients[preferred]; !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "默认链未在配置中找到", xerrors.WithMetadata("chain", preferred))
	}
	return preferred, nil
}

// NewStaticRegistry wraps clients that are already connected, such as a
// simulated backend.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if _, ok := clients[defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "默认链未在配置中找到", xerrors.WithMetadata("chain", defaultChain))
	}
	return &Registry{defaultChain: defaultChain, clients: maps.Clone(clients)}, nil
}

// NewWallet binds key to the default chain.
func (r *Registry) NewWallet(ctx context.Context, key *ecdsa.PrivateKey) (web3.Wallet, error) {
	client, err := r.DefaultClient()
	if err != nil {
		return nil, err
	}
	return client.NewWallet(ctx, key)
}

// DefaultClient returns the client of the default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链客户端注册表未初始化")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "默认链已关闭", xerrors.WithMetadata("chain", r.defaultChain))
	}
	return client, nil
}

// Client looks up a chain by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains lists registered chain names in sorted order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.clients))
}

// Close disconnects every client. The registry is unusable afterwards.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
