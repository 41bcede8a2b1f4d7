package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "pawmise/internal/errors"
)

const selectTaskColumns = `SELECT id, kind, address, pet_id, payload, status, attempts, max_retries,
        last_error, error_code, result, created_at, updated_at FROM tasks`

// SQLStore 使用 database/sql 记录任务状态，表结构由 MySQL 迁移或 SQLite 初始化脚本创建。
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore 基于已初始化表结构的连接创建任务存储。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks
        (id, kind, address, pet_id, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		task.ID, task.Kind, task.Address, task.PetID, payload, string(task.Status),
		task.Attempts, task.MaxRetries, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectTaskColumns+` WHERE id = ?`, id)
	return scanTask(row)
}

// Claim 通过条件更新抢占任务，多个消费者并发领取时只有一个成功。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`,
		string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	if err := claimError(task); err != nil {
		return task, err
	}
	// 条件更新未命中但读到的仍是待执行，说明刚被其他消费者领取后又释放。
	return task, ErrTaskConflict
}

// MarkSucceeded 记录成功结果。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	encoded, err := marshalJSON(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ?`,
		string(StatusSucceeded), encoded, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	return s.requireAffected(ctx, res, id)
}

// MarkFailed 标记任务失败，非终态失败会让任务回到待执行状态。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ?`,
		string(status), lastError, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	return s.requireAffected(ctx, res, id)
}

// Close 由连接的持有者负责关闭数据库，这里不做处理。
func (s *SQLStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                       Task
		status                     string
		payload, lastError, result sql.NullString
	)
	err := row.Scan(&task.ID, &task.Kind, &task.Address, &task.PetID, &payload, &status,
		&task.Attempts, &task.MaxRetries, &lastError, &task.ErrorCode, &result, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务失败")
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeParseFailure, err, "解析任务 payload 失败")
		}
	}
	if result.Valid && result.String != "" {
		var decoded ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeParseFailure, err, "解析任务结果失败")
		}
		task.Result = &decoded
	}
	return &task, nil
}

func (s *SQLStore) requireAffected(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		// MySQL 对未变化的行返回 0，需要确认记录是否存在。
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLStore)(nil)
