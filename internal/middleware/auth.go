// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/unitconv/internal/auth"
	"github.com/hitoshi/unitconv/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// claimsContextKey は検証済みのクレームを格納するためのキー。
	claimsContextKey = contextKey("claims")
)

// TokenAuthenticator はアクセストークンの検証に必要なインターフェース。
// auth.Serviceが満たす。
type TokenAuthenticator interface {
	Authenticate(accessToken string) (*auth.Claims, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みユーザーIDとクレームをリクエストコンテキストに注入する。
// 期限切れのトークンにはtoken_expiredを返し、クライアントにリフレッシュを促す。
func NewBearerAuthMiddleware(authenticator TokenAuthenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteUnauthorized(w, model.NewUnauthorizedError(), false)
				return
			}

			claims, err := authenticator.Authenticate(token)
			if err != nil {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) {
					slog.Error("failed to authenticate token",
						slog.String("error", err.Error()),
					)
					apiErr = model.NewUnauthorizedError()
				}
				WriteUnauthorized(w, apiErr, true)
				return
			}

			setRequestUser(r.Context(), claims.UserID())
			ctx := context.WithValue(r.Context(), userIDContextKey, claims.UserID())
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ClaimsFromContext はリクエストコンテキストから検証済みクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
