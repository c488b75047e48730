// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, data, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "validation_failed"
	ErrCodeWeakPassword       = "weak_password"
	ErrCodeUserAlreadyExists  = "user_already_exists"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeInvalidGrant       = "invalid_grant"
	ErrCodeTokenExpired       = "token_expired"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "insufficient_privilege"
	ErrCodeUserNotFound       = "user_not_found"
	// ErrCodeRowNotFound は単一行SELECTで行が見つからない場合のコード。
	// クライアントはこのコードをエラーではなく「未作成」として扱う。
	ErrCodeRowNotFound    = "PGRST116"
	ErrCodeUnknownTable   = "unknown_table"
	ErrCodeUnknownColumn  = "unknown_column"
	ErrCodeUnknownRPC     = "unknown_function"
	ErrCodeInvalidAction  = "invalid_action"
	ErrCodeRateLimited    = "rate_limit_exceeded"
	ErrCodeInternal       = "internal_error"
)

// NewValidationError は入力値不正エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewWeakPasswordError はパスワード長不足エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("Password should be at least %d characters.", minLength),
		Category: "validation",
		Action:   "より長いパスワードを指定してください。",
	}
}

// NewUserAlreadyExistsError はメールアドレス重複エラーを生成する。
func NewUserAlreadyExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeUserAlreadyExists,
		Message:  "User already registered",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid login credentials",
		Category: "auth",
		Action:   "メールアドレスとパスワードを確認してください。",
	}
}

// NewInvalidGrantError はリフレッシュトークン不正エラーを生成する。
func NewInvalidGrantError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGrant,
		Message:  "Invalid Refresh Token",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewTokenExpiredError はアクセストークン期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "JWT expired",
		Category: "auth",
		Action:   "トークンを更新してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "permission denied",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRowNotFoundError は単一行SELECTの結果が0件の場合のエラーを生成する。
func NewRowNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeRowNotFound,
		Message:  "JSON object requested, multiple (or no) rows returned",
		Category: "data",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnknownTableError は公開されていないテーブルへのアクセスエラーを生成する。
func NewUnknownTableError(table string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownTable,
		Message:  fmt.Sprintf("relation %q does not exist", table),
		Category: "data",
		Action:   "テーブル名を確認してください。",
	}
}

// NewUnknownColumnError は存在しない、または更新できないカラムのエラーを生成する。
func NewUnknownColumnError(column string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownColumn,
		Message:  fmt.Sprintf("column %q does not exist", column),
		Category: "data",
		Action:   "カラム名を確認してください。",
	}
}

// NewUnknownRPCError は未定義のリモートプロシージャ呼び出しのエラーを生成する。
func NewUnknownRPCError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownRPC,
		Message:  fmt.Sprintf("function %q does not exist", name),
		Category: "data",
		Action:   "関数名を確認してください。",
	}
}

// NewInvalidActionError は未定義のアクション種別のエラーを生成する。
func NewInvalidActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAction,
		Message:  fmt.Sprintf("invalid activity action: %s", action),
		Category: "validation",
		Action:   "定義済みのアクション種別を指定してください。",
	}
}

// NewRateLimitedError はリクエスト過多エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
