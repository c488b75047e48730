package model

import "time"

// ActionCode は監査ログに記録するアクション種別。
type ActionCode string

const (
	ActionLogin                  ActionCode = "LOGIN"
	ActionLogout                 ActionCode = "LOGOUT"
	ActionProfileUpdate          ActionCode = "PROFILE_UPDATE"
	ActionPasswordChange         ActionCode = "PASSWORD_CHANGE"
	ActionAccountDeletionRequest ActionCode = "ACCOUNT_DELETION_REQUEST"
	ActionAdminDeleteAllUsers    ActionCode = "ADMIN_DELETE_ALL_USERS"
)

// Valid は定義済みのアクション種別かどうかを返す。
func (a ActionCode) Valid() bool {
	switch a {
	case ActionLogin, ActionLogout, ActionProfileUpdate, ActionPasswordChange,
		ActionAccountDeletionRequest, ActionAdminDeleteAllUsers:
		return true
	}
	return false
}

// ActivityLogEntry は追記専用の監査ログレコードを表す。
// CreatedAtはサーバー側で付与する。
// ユーザー削除後もログは残し、UserIDは空になる。
type ActivityLogEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Action    ActionCode     `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}
