package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/unitconv/internal/model"
)

// PostgresActivityLogRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresActivityLogRepo struct {
	db *sql.DB
}

// NewPostgresActivityLogRepo はPostgresActivityLogRepoを生成する。
func NewPostgresActivityLogRepo(db *sql.DB) *PostgresActivityLogRepo {
	return &PostgresActivityLogRepo{db: db}
}

// Insert はログを追記する。
// user_idはauth_usersのサブクエリで解決し、削除済みユーザーの場合はNULLになる。
func (r *PostgresActivityLogRepo) Insert(ctx context.Context, userID string, action model.ActionCode, details map[string]any) (*model.ActivityLogEntry, error) {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode details: %w", err)
	}

	entry := &model.ActivityLogEntry{
		ID:      uuid.New().String(),
		Action:  action,
		Details: details,
	}
	var storedUserID sql.NullString
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO activity_logs (id, user_id, action, details)
		 VALUES ($1, (SELECT id FROM auth_users WHERE id::text = $2), $3, $4)
		 RETURNING user_id, created_at`,
		entry.ID, userID, string(action), string(raw),
	).Scan(&storedUserID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert activity log: %w", err)
	}
	entry.UserID = storedUserID.String
	return entry, nil
}

// DeleteOlderThan はbefore以前のログを削除する。
func (r *PostgresActivityLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activity_logs WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old activity logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ ActivityLogRepository = (*PostgresActivityLogRepo)(nil)
