package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// NewCORSMiddleware はカンマ区切りで指定されたオリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用しない。
// リクエストのOriginが許可リストにあればそのまま返し、なければAllow-Originを付けない。
// Originヘッダーのないリクエストには先頭のオリジンを返す。
// Bearerトークンと単一行レスポンス指定のため、AuthorizationとAccept、Preferを許可する。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	var origins []string
	for o := range strings.SplitSeq(allowedOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			allowed := ""
			switch origin := r.Header.Get("Origin"); {
			case origin == "":
				if len(origins) > 0 {
					allowed = origins[0]
				}
			case slices.Contains(origins, origin):
				allowed = origin
			}

			if allowed != "" {
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, Prefer")
				h.Set("Access-Control-Expose-Headers", "Retry-After")
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Max-Age", "86400")
			}

			// OPTIONSプリフライトリクエストには204で応答
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
