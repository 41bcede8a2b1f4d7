package pet

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "pawmise/internal/errors"
)

// MemoryStore 在内存中保存用户与宠物，适用于本地开发与测试。
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*User
	byAddress map[string]string
	pets      map[string]*Pet
	now       func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		byAddress: make(map[string]string),
		pets:      make(map[string]*Pet),
		now:       time.Now,
	}
}

func addressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "用户不存在")
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStore) GetUserByAddress(_ context.Context, address string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[addressKey(address)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "用户不存在")
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addressKey(user.WalletAddress)
	if _, exists := s.byAddress[key]; exists {
		return xerrors.New(xerrors.CodeConflict, "钱包地址已注册")
	}
	cp := *user
	s.users[user.ID] = &cp
	s.byAddress[key] = user.ID
	return nil
}

func (s *MemoryStore) CreatePet(_ context.Context, pet *Pet) error {
	if pet == nil || pet.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "宠物 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pets[pet.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "宠物已存在")
	}
	if pet.Active && s.activePetLocked(pet.UserID) != nil {
		return xerrors.New(xerrors.CodeConflict, errActivePetExists)
	}
	s.pets[pet.ID] = pet.Clone()
	return nil
}

// activePetLocked 返回用户最新的活跃宠物，调用方必须持有锁。
func (s *MemoryStore) activePetLocked(userID string) *Pet {
	var found *Pet
	for _, pet := range s.pets {
		if pet.UserID != userID || !pet.Active {
			continue
		}
		if found == nil || pet.CreatedAt.After(found.CreatedAt) {
			found = pet
		}
	}
	return found
}

func (s *MemoryStore) GetPet(_ context.Context, id string) (*Pet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pet, ok := s.pets[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "宠物不存在")
	}
	return pet.Clone(), nil
}

func (s *MemoryStore) ActivePetByUser(_ context.Context, userID string) (*Pet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.activePetLocked(userID)
	if found == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "用户没有活跃的宠物")
	}
	return found.Clone(), nil
}

func (s *MemoryStore) LatestPetByUser(_ context.Context, userID string) (*Pet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Pet
	for _, pet := range s.pets {
		if pet.UserID != userID {
			continue
		}
		if found == nil || pet.CreatedAt.After(found.CreatedAt) {
			found = pet
		}
	}
	if found == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "用户还没有宠物")
	}
	return found.Clone(), nil
}

func (s *MemoryStore) SetPetKey(_ context.Context, petID, walletAddress, encryptedKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pet, ok := s.pets[petID]
	if !ok {
		return false, xerrors.New(xerrors.CodeNotFound, "宠物不存在")
	}
	if pet.EncryptedKey != "" {
		return false, nil
	}
	pet.WalletAddress = walletAddress
	pet.EncryptedKey = encryptedKey
	pet.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) CompareAndSwapBalance(_ context.Context, petID string, expectedVersion int64, newBalance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pet, ok := s.pets[petID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "宠物不存在")
	}
	if pet.Version != expectedVersion {
		return xerrors.New(xerrors.CodeConflict, "宠物余额版本冲突")
	}
	pet.Balance = newBalance
	pet.Version++
	pet.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, petID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pet, ok := s.pets[petID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "宠物不存在")
	}
	pet.Active = active
	pet.UpdatedAt = s.now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
