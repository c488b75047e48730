package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/unitconv/internal/model"
)

// uniqueViolation はPostgreSQLのユニーク制約違反コード。
const uniqueViolation = "23505"

// PostgresAuthUserRepo はPostgreSQLを使用した認証ユーザーリポジトリ。
type PostgresAuthUserRepo struct {
	db *sql.DB
}

// NewPostgresAuthUserRepo はPostgresAuthUserRepoを生成する。
func NewPostgresAuthUserRepo(db *sql.DB) *PostgresAuthUserRepo {
	return &PostgresAuthUserRepo{db: db}
}

const authUserColumns = `id, email, password_hash, user_metadata, created_at, updated_at`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresAuthUserRepo) FindByID(ctx context.Context, id string) (*model.AuthUser, error) {
	user, err := scanAuthUser(r.db.QueryRowContext(ctx,
		`SELECT `+authUserColumns+` FROM auth_users WHERE id::text = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はemailでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresAuthUserRepo) FindByEmail(ctx context.Context, email string) (*model.AuthUser, error) {
	user, err := scanAuthUser(r.db.QueryRowContext(ctx,
		`SELECT `+authUserColumns+` FROM auth_users WHERE lower(email) = lower($1)`,
		email,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

func scanAuthUser(row *sql.Row) (*model.AuthUser, error) {
	user := &model.AuthUser{}
	var metadata []byte
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &metadata, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &user.UserMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}
	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresAuthUserRepo) Create(ctx context.Context, user *model.AuthUser) error {
	metadata := user.UserMetadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode user metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO auth_users (id, email, password_hash, user_metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.PasswordHash, string(raw), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdatePassword はパスワードハッシュを更新する。
func (r *PostgresAuthUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auth_users SET password_hash = $2, updated_at = now() WHERE id::text = $1`,
		id, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireAffected(result)
}

// DeleteCascade はセッション、プロフィール、ユーザーを同一トランザクションで削除する。
func (r *PostgresAuthUserRepo) DeleteCascade(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id::text = $1`, id); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id::text = $1`, id); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM auth_users WHERE id::text = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ AuthUserRepository = (*PostgresAuthUserRepo)(nil)
