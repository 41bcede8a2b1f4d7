package pet

import "context"

// Store 抽象了用户与宠物档案的持久化。
type Store interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByAddress(ctx context.Context, address string) (*User, error)
	// CreateUser 在钱包地址已存在时返回 CodeConflict。
	CreateUser(ctx context.Context, user *User) error

	// CreatePet 与活跃宠物检查在同一原子操作中完成：用户已有活跃宠物时
	// 写入 Active 宠物返回 CodeConflict。
	CreatePet(ctx context.Context, pet *Pet) error
	GetPet(ctx context.Context, id string) (*Pet, error)
	// ActivePetByUser 返回用户当前唯一的活跃宠物，不存在时返回 CodeNotFound。
	ActivePetByUser(ctx context.Context, userID string) (*Pet, error)
	// LatestPetByUser 返回用户最近创建的宠物，无论是否活跃。
	LatestPetByUser(ctx context.Context, userID string) (*Pet, error)
	// SetPetKey 仅在宠物尚无密钥时写入，返回是否写入成功。
	SetPetKey(ctx context.Context, petID, walletAddress, encryptedKey string) (bool, error)
	// CompareAndSwapBalance 仅当版本号等于 expectedVersion 时更新余额并递增版本，
	// 否则返回 CodeConflict。
	CompareAndSwapBalance(ctx context.Context, petID string, expectedVersion int64, newBalance string) error
	SetActive(ctx context.Context, petID string, active bool) error
}
