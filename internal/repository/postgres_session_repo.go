package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/unitconv/internal/model"
)

// PostgresSessionRepo はリフレッシュトークンのセッションをauth_sessionsに保存する。
// IDはリフレッシュトークンのハッシュで、トークン自体は保存しない。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.Session) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		s.ID, s.UserID, s.ExpiresAt, s.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Consume は有効なセッションを1文のDELETE ... RETURNINGで取り出す。
// 期限切れの行は返さず、後続のDeleteExpiredに任せる。
func (r *PostgresSessionRepo) Consume(ctx context.Context, id string) (*model.Session, error) {
	s := &model.Session{ID: id}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM auth_sessions
		 WHERE id = $1 AND expires_at > now()
		 RETURNING user_id, expires_at, created_at`,
		id,
	).Scan(&s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume session: %w", err)
	}
	return s, nil
}

// DeleteByUserID はユーザーの全セッションを削除する。サインアウトで使う。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id::text = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

var _ SessionRepository = (*PostgresSessionRepo)(nil)
