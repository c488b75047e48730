package gateway

import (
	"errors"
	"fmt"
)

// ErrNetwork は基盤に到達できなかったことを表す。
// 基盤の一時停止や接続先の設定誤りが典型的な原因で、リトライで回復しうる。
var ErrNetwork = errors.New("fetch failed")

// ErrNoSession はセッションが必要な操作を未ログインで呼び出した場合のエラー。
var ErrNoSession = errors.New("auth session missing")

// CodeRowNotFound は単一行SELECTで行が見つからない場合のエラーコード。
const CodeRowNotFound = "PGRST116"

// CodeTokenExpired はアクセストークンの期限切れを表すエラーコード。
const CodeTokenExpired = "token_expired"

// Error は基盤が返したエラーレスポンスを表す。
// Messageは利用者にそのまま表示できる文言。
type Error struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error %d (%s)", e.Status, e.Code)
	}
	return e.Message
}

// IsNotFound は行未検出エラーかどうかを返す。
func IsNotFound(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Code == CodeRowNotFound
}

// IsNetwork は接続エラーかどうかを返す。
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// NetworkError は下位のトランスポートエラーをErrNetworkでラップする。
func NetworkError(err error) error {
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// Message は利用者向けのエラー文言を取り出す。
// *Errorであればそのメッセージを、それ以外はerr.Error()を返す。
func Message(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Error()
	}
	return err.Error()
}
