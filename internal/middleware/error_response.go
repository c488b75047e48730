package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/unitconv/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// ゲートウェイクライアントはcodeとmessageを読み、categoryとactionは画面表示に使う。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}); err != nil {
		slog.Error("failed to encode error response", slog.String("error", err.Error()))
	}
}

// WriteUnauthorized は401レスポンスをBearerチャレンジ付きで書き込む。
// トークンが提示されていた場合はerror="invalid_token"を付け、クライアントに再取得を促す。
func WriteUnauthorized(w http.ResponseWriter, apiErr *model.APIError, tokenPresented bool) {
	challenge := `Bearer realm="unitconv"`
	if tokenPresented {
		challenge += fmt.Sprintf(`, error="invalid_token", error_description=%q`, apiErr.Code)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
