package gateway

import "context"

type ctxKey string

const accessTokenKey ctxKey = "gateway_access_token"

// ContextWithAccessToken はリクエストに使うアクセストークンを固定したコンテキストを返す。
// ログアウト直前に積んだ非同期処理が、ログアウト後もその時点のトークンで送信されるようにする。
func ContextWithAccessToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, accessTokenKey, token)
}

// AccessTokenFromContext はコンテキストに固定されたアクセストークンを返す。
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accessTokenKey).(string)
	return v, ok && v != ""
}
