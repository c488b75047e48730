package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/profile"
)

const (
	// mediaTypeObject は単一行レスポンスを要求するAcceptヘッダー値。
	mediaTypeObject = "application/vnd.pgrst.object+json"
	// preferRepresentation は更新後の行を返すよう要求するPreferヘッダー値。
	preferRepresentation = "return=representation"
)

// ProfileServiceInterface はテーブルハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	Select(ctx context.Context, callerID string, q gateway.Query) ([]*model.Profile, error)
	SelectSingle(ctx context.Context, callerID string, q gateway.Query) (*model.Profile, error)
	Update(ctx context.Context, callerID string, q gateway.Query, patch map[string]any) (*model.Profile, error)
}

// RestHandler はテーブル操作のHTTPハンドラー。公開テーブルはprofilesのみ。
type RestHandler struct {
	profiles ProfileServiceInterface
}

// NewRestHandler はRestHandlerを生成する。
func NewRestHandler(profiles ProfileServiceInterface) *RestHandler {
	return &RestHandler{profiles: profiles}
}

// Select は条件に一致する行を返す。
// Acceptが単一行指定の場合はオブジェクトを、それ以外は配列を返す。
// GET /rest/v1/{table}
func (h *RestHandler) Select(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	q, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	if wantsObject(r) {
		p, err := h.profiles.SelectSingle(r.Context(), userID, q)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
		return
	}

	rows, err := h.profiles.Select(r.Context(), userID, q)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []*model.Profile{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// Update は条件に一致する1行を更新する。
// Prefer: return=representation の場合は更新後の行を返し、それ以外は204を返す。
// PATCH /rest/v1/{table}
func (h *RestHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	q, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		handleServiceError(w, err)
		return
	}

	updated, err := h.profiles.Update(r.Context(), userID, q, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	switch {
	case !strings.Contains(r.Header.Get("Prefer"), preferRepresentation):
		w.WriteHeader(http.StatusNoContent)
	case wantsObject(r):
		writeJSON(w, http.StatusOK, updated)
	default:
		writeJSON(w, http.StatusOK, []*model.Profile{updated})
	}
}

// parseRequest はテーブル名を検証し、クエリ文字列からフィルタと並び順を取り出す。
func (h *RestHandler) parseRequest(w http.ResponseWriter, r *http.Request) (gateway.Query, bool) {
	table := chi.URLParam(r, "table")
	if table != gateway.TableProfiles {
		handleServiceError(w, model.NewUnknownTableError(table))
		return gateway.Query{}, false
	}

	q, err := gateway.ParseQuery(r.URL.Query(), profile.QueryColumns)
	if err != nil {
		handleServiceError(w, model.NewValidationError(err.Error()))
		return gateway.Query{}, false
	}
	return q, true
}

func wantsObject(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), mediaTypeObject)
}
