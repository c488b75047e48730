// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/unitconv/internal/model"
)

// ErrNotFound は更新・削除対象のレコードが存在しない場合のエラー。
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEmail はemailのユニーク制約違反を表す。
var ErrDuplicateEmail = errors.New("email already exists")

// AuthUserRepository は認証ユーザーの永続化インターフェース。
type AuthUserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthUser, error)

	// FindByEmail はemailでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.AuthUser, error)

	// Create はユーザーを作成する。profilesはトリガーで作成される。
	// emailが重複する場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.AuthUser) error

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// DeleteCascade はセッション、プロフィール、ユーザーを同一トランザクションで削除する。
	// activity_logsのuser_idはNULLになる。対象が存在しない場合はErrNotFoundを返す。
	DeleteCascade(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// Consume は有効なセッションを削除して返す。存在しないか期限切れの場合はnilを返す。
	// 同じIDに対して成功するのは一度だけ。
	Consume(ctx context.Context, id string) (*model.Session, error)
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// List はプロフィール一覧をcreated_at降順で返す。
	// excludeIDが空でなければそのIDを除外する。
	List(ctx context.Context, excludeID string) ([]*model.Profile, error)

	// Update は指定カラムを更新し、更新後のプロフィールを返す。
	// 対象が存在しない場合はErrNotFoundを返す。
	Update(ctx context.Context, id string, patch map[string]any) (*model.Profile, error)

	// TouchLastLogin はlast_login_atを更新する。
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// ActivityLogRepository は監査ログの永続化インターフェース。
type ActivityLogRepository interface {
	// Insert はログを追記する。userIDのユーザーが既に存在しない場合はuser_idをNULLで記録する。
	Insert(ctx context.Context, userID string, action model.ActionCode, details map[string]any) (*model.ActivityLogEntry, error)

	// DeleteOlderThan はbefore以前のログを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
