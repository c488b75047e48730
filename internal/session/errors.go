package session

import (
	"errors"
	"fmt"
)

// 利用者向けのエラー。Error()の文言はそのまま画面に表示できる。
var (
	ErrNoUser = errors.New("No user logged in")
	// ErrCannotConnect は認証基盤に到達できない場合のエラー。
	// 認証情報の誤りではなく、基盤の一時停止や接続先設定の誤りを示唆する。
	ErrCannotConnect = errors.New("cannot connect to authentication service: the service may be paused or misconfigured")
	ErrFetchProfile  = errors.New("failed to fetch profile")
	ErrFetchUsers    = errors.New("failed to fetch users")
	ErrMissingInput  = errors.New("email and password are required")
)

// opError は汎用メッセージで原因エラーを包む。
// Error()は汎用メッセージのみを返し、errors.Is/Asは両方に届く。
type opError struct {
	kind  error
	cause error
}

func (e *opError) Error() string   { return e.kind.Error() }
func (e *opError) Unwrap() []error { return []error{e.kind, e.cause} }

func wrap(kind, cause error) error {
	return &opError{kind: kind, cause: cause}
}

// PartialDeleteError は一括削除の一部が失敗したことを表す。
// 成功した削除はロールバックされないため、呼び出し側は一覧を再取得すること。
type PartialDeleteError struct {
	Failed int
	Total  int
	Errs   []error
}

// Error はerrorインターフェースを実装する。
func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("%d deletions failed", e.Failed)
}

// Unwrap は個々の削除エラーを返す。
func (e *PartialDeleteError) Unwrap() []error {
	return e.Errs
}
