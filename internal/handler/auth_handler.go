// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/unitconv/internal/auth"
	"github.com/hitoshi/unitconv/internal/model"
)

// 認証エンドポイントのgrant_type
const (
	grantTypePassword     = "password"
	grantTypeRefreshToken = "refresh_token"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*auth.UserInfo, error)
	SignIn(ctx context.Context, email, password string) (*auth.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenResponse, error)
	SignOut(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*auth.UserInfo, error)
	UpdatePassword(ctx context.Context, userID, password string) (*auth.UserInfo, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

type signUpRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data"`
}

type tokenRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type updateUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はユーザーを登録する。
// POST /auth/v1/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	user, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.Data)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Token はgrant_typeに応じてパスワード認証またはトークン更新を行う。
// POST /auth/v1/token?grant_type=password|refresh_token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	var (
		resp *auth.TokenResponse
		err  error
	)
	switch grantType := r.URL.Query().Get("grant_type"); grantType {
	case grantTypePassword:
		resp, err = h.service.SignIn(r.Context(), req.Email, req.Password)
	case grantTypeRefreshToken:
		resp, err = h.service.Refresh(r.Context(), req.RefreshToken)
	default:
		err = model.NewValidationError("unsupported grant_type: " + grantType)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Logout はログイン中ユーザーの全セッションを破棄する。
// POST /auth/v1/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if err := h.service.SignOut(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetUser は現在のログインユーザー情報を返す。
// GET /auth/v1/user
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// UpdateUser はログイン中ユーザーのパスワードを変更する。
// メールアドレスの変更は受け付けない。
// PUT /auth/v1/user
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Email != "" {
		handleServiceError(w, model.NewValidationError("email change is not supported"))
		return
	}
	if req.Password == "" {
		handleServiceError(w, model.NewValidationError("password is required"))
		return
	}

	user, err := h.service.UpdatePassword(r.Context(), userID, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}
