package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
)

// UserServiceInterface はRPCハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// DeleteUser は対象ユーザーのアカウントを削除する。本人か管理者のみ実行できる。
	DeleteUser(ctx context.Context, callerID, targetID string) error
	// LogActivity は呼び出し元の監査ログを記録する。
	LogActivity(ctx context.Context, callerID string, action model.ActionCode, details map[string]any) (*model.ActivityLogEntry, error)
}

// RPCHandler はリモートプロシージャ呼び出しのHTTPハンドラー。
type RPCHandler struct {
	users UserServiceInterface
}

// NewRPCHandler はRPCHandlerを生成する。
func NewRPCHandler(users UserServiceInterface) *RPCHandler {
	return &RPCHandler{users: users}
}

type adminDeleteUserArgs struct {
	TargetUserID string `json:"target_user_id"`
}

type logUserActivityArgs struct {
	Action  model.ActionCode `json:"action"`
	Details map[string]any   `json:"details"`
}

// Call は関数名に応じた処理を実行する。戻り値のない関数は204を返す。
// POST /rest/v1/rpc/{name}
func (h *RPCHandler) Call(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	switch name := chi.URLParam(r, "name"); name {
	case gateway.RPCAdminDeleteUser:
		var args adminDeleteUserArgs
		if err := decodeJSON(w, r, &args); err != nil {
			handleServiceError(w, err)
			return
		}
		if err := h.users.DeleteUser(r.Context(), userID, args.TargetUserID); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case gateway.RPCLogUserActivity:
		var args logUserActivityArgs
		if err := decodeJSON(w, r, &args); err != nil {
			handleServiceError(w, err)
			return
		}
		if _, err := h.users.LogActivity(r.Context(), userID, args.Action, args.Details); err != nil {
			handleServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		handleServiceError(w, model.NewUnknownRPCError(name))
	}
}
