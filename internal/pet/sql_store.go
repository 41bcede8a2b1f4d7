package pet

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "pawmise/internal/errors"
)

const selectPetColumns = `SELECT id, user_id, name, breed, balance, active, wallet_address, encrypted_key, version, created_at, updated_at FROM pets`

// SQLStore 基于 database/sql 持久化档案，MySQL 与 SQLite 共用同一套 SQL。
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore 基于已初始化表结构的连接创建存储。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, wallet_address, username, created_at, updated_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLStore) GetUserByAddress(ctx context.Context, address string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, wallet_address, username, created_at, updated_at FROM users WHERE wallet_address = ?`, address)
	return scanUser(row)
}

func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, wallet_address, username, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.WalletAddress, user.Username, user.CreatedAt.Unix(), user.UpdatedAt.Unix())
	if err != nil {
		if isDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "钱包地址已注册")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建用户失败")
	}
	return nil
}

func (s *SQLStore) CreatePet(ctx context.Context, pet *Pet) error {
	if pet == nil || pet.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "宠物 ID 不能为空")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO pets
    (id, user_id, name, breed, balance, active, wallet_address, encrypted_key, version, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pet.ID, pet.UserID, pet.Name, pet.Breed, balanceOrZero(pet.Balance), pet.Active,
		pet.WalletAddress, nullString(pet.EncryptedKey), pet.Version, pet.CreatedAt.Unix(), pet.UpdatedAt.Unix())
	if err != nil {
		if isDuplicateKey(err) {
			if isActivePetKey(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, errActivePetExists)
			}
			return xerrors.Wrap(xerrors.CodeConflict, err, "宠物已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建宠物失败")
	}
	return nil
}

func (s *SQLStore) GetPet(ctx context.Context, id string) (*Pet, error) {
	row := s.db.QueryRowContext(ctx, selectPetColumns+` WHERE id = ?`, id)
	return scanPet(row, "宠物不存在")
}

func (s *SQLStore) ActivePetByUser(ctx context.Context, userID string) (*Pet, error) {
	row := s.db.QueryRowContext(ctx, selectPetColumns+` WHERE user_id = ? AND active = ? ORDER BY created_at DESC LIMIT 1`, userID, true)
	return scanPet(row, "用户没有活跃的宠物")
}

func (s *SQLStore) LatestPetByUser(ctx context.Context, userID string) (*Pet, error) {
	row := s.db.QueryRowContext(ctx, selectPetColumns+` WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID)
	return scanPet(row, "用户还没有宠物")
}

func (s *SQLStore) SetPetKey(ctx context.Context, petID, walletAddress, encryptedKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE pets SET wallet_address = ?, encrypted_key = ?, updated_at = ?
    WHERE id = ? AND (encrypted_key IS NULL OR encrypted_key = '')`,
		walletAddress, encryptedKey, s.now().Unix(), petID)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存宠物密钥失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	return affected > 0, nil
}

func (s *SQLStore) CompareAndSwapBalance(ctx context.Context, petID string, expectedVersion int64, newBalance string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pets SET balance = ?, version = version + 1, updated_at = ?
    WHERE id = ? AND version = ?`,
		newBalance, s.now().Unix(), petID, expectedVersion)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新宠物余额失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		return xerrors.New(xerrors.CodeConflict, "宠物余额版本冲突")
	}
	return nil
}

func (s *SQLStore) SetActive(ctx context.Context, petID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pets SET active = ?, updated_at = ? WHERE id = ?`, active, s.now().Unix(), petID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新宠物状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		// MySQL 对未变化的行返回 0，需要确认记录是否存在。
		if _, err := s.GetPet(ctx, petID); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		user                 User
		createdAt, updatedAt int64
	)
	if err := row.Scan(&user.ID, &user.WalletAddress, &user.Username, &createdAt, &updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "用户不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取用户失败")
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

func scanPet(row rowScanner, notFound string) (*Pet, error) {
	var (
		pet                  Pet
		encryptedKey         sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&pet.ID, &pet.UserID, &pet.Name, &pet.Breed, &pet.Balance, &pet.Active,
		&pet.WalletAddress, &encryptedKey, &pet.Version, &createdAt, &updatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, notFound)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取宠物失败")
	}
	pet.EncryptedKey = encryptedKey.String
	pet.CreatedAt = time.Unix(createdAt, 0)
	pet.UpdatedAt = time.Unix(updatedAt, 0)
	return &pet, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isActivePetKey 判断唯一约束冲突是否来自“每个用户一只活跃宠物”的约束：
// MySQL 报告索引名 uk_pets_active_user，SQLite 报告列名 pets.user_id。
func isActivePetKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "uk_pets_active_user") || strings.Contains(msg, "pets.user_id")
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func balanceOrZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

var _ Store = (*SQLStore)(nil)
