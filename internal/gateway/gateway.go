// Package gateway は認証・データベース基盤（BaaS）へのクライアントインターフェースを定義する。
// セッション管理はこのインターフェースのみに依存し、実装（HTTP、インメモリ）は差し替え可能。
package gateway

import (
	"context"
	"time"
)

// User は認証基盤から返されるユーザー情報を表す。
// UserMetadataは基盤側の生データで、このパッケージでは解釈しない。
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Session は認証済みセッションを表す。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user"`
}

// UserID はセッションのユーザーIDを返す。nilセーフ。
func (s *Session) UserID() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

// SignUpParams はユーザー登録のパラメータ。
type SignUpParams struct {
	Email    string
	Password string
	Metadata map[string]any
}

// UserAttributes は認証情報の更新内容。空のフィールドは変更しない。
type UserAttributes struct {
	Password string `json:"password,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Subscription は認証状態変更の購読ハンドル。
type Subscription interface {
	// Unsubscribe は購読を解除する。戻った後にリスナーが呼ばれることはない。
	// 実行中のリスナー呼び出しがあれば完了を待つため、リスナー内から呼んではならない。
	Unsubscribe()
}

// AuthStateListener は認証状態変更のコールバック。
// 呼び出し側をブロックしないよう、即座に戻ること。
type AuthStateListener func(event AuthEvent, session *Session)

// Gateway は認証・テーブル操作・リモートプロシージャ呼び出しを提供する外部基盤のインターフェース。
type Gateway interface {
	// GetSession は現在のセッションを返す。未ログインの場合は(nil, nil)を返す。
	GetSession(ctx context.Context) (*Session, error)

	// OnAuthStateChange は認証状態変更イベントを購読する。
	// イベントは発行順に配送される。
	OnAuthStateChange(listener AuthStateListener) Subscription

	// SignUp はユーザーを登録する。
	SignUp(ctx context.Context, params SignUpParams) (*User, error)

	// SignInWithPassword はメールアドレスとパスワードでログインする。
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)

	// SignOut は現在のセッションを破棄する。
	// 成功時は未ログインであっても必ずSIGNED_OUTを発行する。
	SignOut(ctx context.Context) error

	// UpdateUser はログイン中ユーザーの認証情報を更新する。
	UpdateUser(ctx context.Context, attrs UserAttributes) error

	// SelectSingle は条件に一致する1行をdestにデコードする。
	// 行が見つからない場合はCodeRowNotFoundの*Errorを返す。
	SelectSingle(ctx context.Context, table string, filters []Filter, dest any) error

	// Update は条件に一致する行をpatchで更新し、更新後の1行をdestにデコードする。
	Update(ctx context.Context, table string, filters []Filter, patch map[string]any, dest any) error

	// Select は条件に一致する行をdest（スライスへのポインタ）にデコードする。
	Select(ctx context.Context, table string, q Query, dest any) error

	// RPC はリモートプロシージャを呼び出す。destがnilの場合は結果を破棄する。
	RPC(ctx context.Context, name string, args any, dest any) error
}

// リモートプロシージャ名
const (
	RPCAdminDeleteUser = "admin_delete_user"
	RPCLogUserActivity = "log_user_activity"
)

// テーブル名
const (
	TableProfiles = "profiles"
)
