package pet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/keystore"
	"pawmise/internal/web3"
	"pawmise/pkg/logger"
)

// DefaultCASRetries 是余额乐观锁冲突时的默认重试次数。
const DefaultCASRetries = 5

const errActivePetExists = "用户已有活跃的宠物"

// Service 封装宠物档案的业务规则。
type Service struct {
	store      Store
	cipher     *keystore.Cipher
	casRetries int
	observer   BalanceObserver
	now        func() time.Time
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithCASRetries 设置余额更新的最大重试次数。
func WithCASRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.casRetries = n
		}
	}
}

// WithBalanceObserver 注册余额变化的监听者。
func WithBalanceObserver(observer BalanceObserver) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建 Service。
func NewService(store Store, cipher *keystore.Cipher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		cipher:     cipher,
		casRetries: DefaultCASRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetBalanceObserver 在构造之后注册监听者，用于打破组件之间的初始化环。
func (s *Service) SetBalanceObserver(observer BalanceObserver) {
	s.observer = observer
}

// CreatePetInput 描述创建宠物所需的参数。
type CreatePetInput struct {
	UserAddress string
	Username    string
	Name        string
	Breed       string
}

// CreatePet 按需创建用户，并为其生成带托管密钥的新宠物。每个用户同时只能有一只活跃宠物。
func (s *Service) CreatePet(ctx context.Context, input CreatePetInput) (*Pet, error) {
	address, err := web3.NormalizeAddress(input.UserAddress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "用户地址非法")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "宠物名称不能为空")
	}

	user, err := s.ensureUser(ctx, address, input.Username)
	if err != nil {
		return nil, err
	}
	// 并发创建由 store.CreatePet 的原子检查拒绝。
	if _, err := s.store.ActivePetByUser(ctx, user.ID); err == nil {
		return nil, xerrors.New(xerrors.CodeConflict, errActivePetExists)
	} else if !xerrors.Is(err, xerrors.CodeNotFound) {
		return nil, err
	}

	key, petAddress, err := keystore.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成宠物密钥失败")
	}
	sealed, err := s.cipher.EncryptKey(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加密宠物密钥失败")
	}

	now := s.now()
	pet := &Pet{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		Name:          name,
		Breed:         strings.TrimSpace(input.Breed),
		Balance:       "0",
		Active:        true,
		WalletAddress: petAddress,
		EncryptedKey:  sealed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePet(ctx, pet); err != nil {
		return nil, err
	}
	logger.Audit().Info("宠物已创建",
		slog.String("pet_id", pet.ID),
		slog.String("user_address", address),
		slog.String("pet_address", petAddress),
	)
	return pet.Clone(), nil
}

// CreateUserInput 描述注册用户所需的参数。
type CreateUserInput struct {
	WalletAddress string
	Username      string
}

// CreateUser 注册钱包用户，地址已注册时返回 CodeConflict。
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (*User, error) {
	address, err := web3.NormalizeAddress(input.WalletAddress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "用户地址非法")
	}
	now := s.now()
	user := &User{
		ID:            uuid.NewString(),
		WalletAddress: address,
		Username:      strings.TrimSpace(input.Username),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	logger.Audit().Info("用户已注册", slog.String("user_id", user.ID), slog.String("user_address", address))
	return user, nil
}

// UserByAddress 返回地址对应的用户及其最近创建的宠物，宠物可能已停用。
// 用户尚无宠物时第二个返回值为 nil。
func (s *Service) UserByAddress(ctx context.Context, userAddress string) (*User, *Pet, error) {
	address, err := web3.NormalizeAddress(userAddress)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "用户地址非法")
	}
	user, err := s.store.GetUserByAddress(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	pet, err := s.store.LatestPetByUser(ctx, user.ID)
	switch {
	case err == nil:
		return user, pet, nil
	case xerrors.Is(err, xerrors.CodeNotFound):
		return user, nil, nil
	default:
		return nil, nil, err
	}
}

func (s *Service) ensureUser(ctx context.Context, address, username string) (*User, error) {
	user, err := s.store.GetUserByAddress(ctx, address)
	if err == nil {
		return user, nil
	}
	if !xerrors.Is(err, xerrors.CodeNotFound) {
		return nil, err
	}
	now := s.now()
	user = &User{ID: uuid.NewString(), WalletAddress: address, Username: username, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if xerrors.Is(err, xerrors.CodeConflict) {
			// 并发注册同一地址时以已落库的记录为准。
			return s.store.GetUserByAddress(ctx, address)
		}
		return nil, err
	}
	return user, nil
}

// GetPet 返回指定宠物。
func (s *Service) GetPet(ctx context.Context, id string) (*Pet, error) {
	return s.store.GetPet(ctx, id)
}

// ActivePet 返回用户地址对应的活跃宠物。
func (s *Service) ActivePet(ctx context.Context, userAddress string) (*User, *Pet, error) {
	address, err := web3.NormalizeAddress(userAddress)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "用户地址非法")
	}
	user, err := s.store.GetUserByAddress(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	pet, err := s.store.ActivePetByUser(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, pet, nil
}

// ActiveIdentity 解密活跃宠物的签名密钥；宠物尚无密钥时生成并持久化。
func (s *Service) ActiveIdentity(ctx context.Context, userAddress string) (*Identity, error) {
	user, pet, err := s.ActivePet(ctx, userAddress)
	if err != nil {
		return nil, err
	}

	if pet.EncryptedKey == "" {
		key, petAddress, err := keystore.GenerateKey()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成宠物密钥失败")
		}
		sealed, err := s.cipher.EncryptKey(key)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加密宠物密钥失败")
		}
		stored, err := s.store.SetPetKey(ctx, pet.ID, petAddress, sealed)
		if err != nil {
			return nil, err
		}
		if stored {
			logger.Audit().Info("宠物密钥已生成", slog.String("pet_id", pet.ID), slog.String("pet_address", petAddress))
			return &Identity{PetID: pet.ID, UserAddress: user.WalletAddress, PetAddress: petAddress, Key: key}, nil
		}
		// 其他请求已经写入密钥，重新读取。
		if pet, err = s.store.GetPet(ctx, pet.ID); err != nil {
			return nil, err
		}
	}

	key, err := s.cipher.DecryptKey(pet.EncryptedKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解密宠物密钥失败")
	}
	return &Identity{PetID: pet.ID, UserAddress: user.WalletAddress, PetAddress: keystore.Address(key), Key: key}, nil
}

// AdjustBalance 以乐观锁方式把 delta 加到宠物余额上，冲突时重试。
// 结果为负时返回 CodeInsufficientFunds，重试耗尽时返回 CodeConflict。
func (s *Service) AdjustBalance(ctx context.Context, petID string, delta *big.Int) (*Pet, error) {
	if delta == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "余额变化量不能为空")
	}
	for attempt := 1; attempt <= s.casRetries; attempt++ {
		pet, err := s.store.GetPet(ctx, petID)
		if err != nil {
			return nil, err
		}
		current, err := pet.BalanceValue()
		if err != nil {
			return nil, err
		}
		next := new(big.Int).Add(current, delta)
		if next.Sign() < 0 {
			return nil, xerrors.New(xerrors.CodeInsufficientFunds,
				fmt.Sprintf("宠物余额不足: have %s, need %s", current, new(big.Int).Neg(delta)))
		}

		err = s.store.CompareAndSwapBalance(ctx, petID, pet.Version, next.String())
		if err == nil {
			pet.Balance = next.String()
			pet.Version++
			logger.Audit().Info("宠物余额已更新",
				slog.String("pet_id", petID),
				slog.String("delta", delta.String()),
				slog.String("balance", pet.Balance),
				slog.Int("attempt", attempt),
			)
			s.notify(ctx, pet, next, delta)
			return pet, nil
		}
		if !xerrors.Is(err, xerrors.CodeConflict) {
			return nil, err
		}
		logger.L().Debug("宠物余额版本冲突，重试", slog.String("pet_id", petID), slog.Int("attempt", attempt))
	}
	return nil, xerrors.New(xerrors.CodeConflict, "宠物余额更新冲突，重试次数已耗尽",
		xerrors.WithMetadata("pet_id", petID))
}

// Deposit 增加宠物余额，amount 必须为正。
func (s *Service) Deposit(ctx context.Context, petID string, amount *big.Int) (*Pet, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "存入金额必须为正数")
	}
	return s.AdjustBalance(ctx, petID, amount)
}

func (s *Service) notify(ctx context.Context, pet *Pet, balance, delta *big.Int) {
	if s.observer == nil {
		return
	}
	user, err := s.store.GetUser(ctx, pet.UserID)
	if err != nil {
		logger.L().Warn("余额通知查询用户失败", slog.String("pet_id", pet.ID), slog.Any("error", err))
		return
	}
	s.observer.BalanceChanged(ctx, BalanceChange{
		PetID:       pet.ID,
		UserAddress: user.WalletAddress,
		Balance:     new(big.Int).Set(balance),
		Delta:       new(big.Int).Set(delta),
	})
}

// Deactivate 将用户的活跃宠物标记为不活跃，该操作不可逆。
func (s *Service) Deactivate(ctx context.Context, userAddress string) (*Pet, error) {
	_, pet, err := s.ActivePet(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetActive(ctx, pet.ID, false); err != nil {
		return nil, err
	}
	pet.Active = false
	logger.Audit().Warn("宠物已停用", slog.String("pet_id", pet.ID), slog.String("user_address", userAddress))
	return pet, nil
}
