// Package model はドメインモデルを定義する。
package model

import "time"

// AuthUser は認証基盤が管理するユーザーを表す。
// パスワードハッシュを含むため、APIレスポンスには直接載せない。
type AuthUser struct {
	ID           string
	Email        string
	PasswordHash string
	UserMetadata map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はリフレッシュトークンに紐づくログインセッションを表す。
// IDにはリフレッシュトークンのSHA-256ハッシュを保持し、トークン本体は保存しない。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Role はアプリケーション上の権限を表す。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Profile はユーザーごとのアプリケーションプロフィールを表す。
// auth_usersへのINSERT時にトリガーで非同期的に作成されるため、存在しない期間がある。
type Profile struct {
	ID              string         `json:"id"`
	FullName        string         `json:"full_name"`
	Username        string         `json:"username"`
	Role            Role           `json:"role"`
	Email           string         `json:"email"`
	Preferences     map[string]any `json:"preferences"`
	PrivacySettings map[string]any `json:"privacy_settings"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	LastLoginAt     *time.Time     `json:"last_login_at"`
}

// IsAdmin は管理者ロールかどうかを返す。nilレシーバーではfalseを返す。
func (p *Profile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// ProfileColumns は更新可能なprofilesテーブルのカラム名。
var ProfileColumns = map[string]bool{
	"full_name":        true,
	"username":         true,
	"role":             true,
	"email":            true,
	"preferences":      true,
	"privacy_settings": true,
}
