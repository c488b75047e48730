// Package auth はパスワード認証、アクセストークン発行、セッション管理を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/unitconv/internal/metrics"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/repository"
	"github.com/hitoshi/unitconv/internal/security"
)

// DefaultMinPasswordLength はパスワードの最小文字数。
const DefaultMinPasswordLength = 6

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	MinPasswordLength int
	// AdminEmails に含まれるメールアドレスは登録時に管理者ロールになる。
	AdminEmails []string
	BcryptCost  int
}

// UserInfo はAPIレスポンスに載せるユーザー情報。
type UserInfo struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TokenResponse はサインイン・トークン更新の結果。
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *UserInfo `json:"user"`
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.AuthUserRepository
	sessionRepo repository.SessionRepository
	profileRepo repository.ProfileRepository
	tokens      *TokenIssuer
	sanitizer   security.TextSanitizer
	metrics     metrics.MetricsCollector
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.AuthUserRepository,
	sessionRepo repository.SessionRepository,
	profileRepo repository.ProfileRepository,
	tokens *TokenIssuer,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if config.MinPasswordLength == 0 {
		config.MinPasswordLength = DefaultMinPasswordLength
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		profileRepo: profileRepo,
		tokens:      tokens,
		sanitizer:   sanitizer,
		metrics:     collector,
		config:      config,
		now:         time.Now,
	}
}

// SignUp はユーザーを登録する。
// メタデータはfull_nameとusernameのみ受け付け、roleはサーバー側で決定する。
func (s *Service) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*UserInfo, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, model.NewValidationError("email and password are required")
	}
	if len(password) < s.config.MinPasswordLength {
		return nil, model.NewWeakPasswordError(s.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := model.RoleUser
	if s.isBootstrapAdmin(email) {
		role = model.RoleAdmin
	}

	now := s.now()
	user := &model.AuthUser{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		UserMetadata: s.signUpMetadata(metadata, role),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewUserAlreadyExistsError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.metrics.RecordSignUp()
	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("role", string(role)),
	)
	return toUserInfo(user), nil
}

func (s *Service) signUpMetadata(metadata map[string]any, role model.Role) map[string]any {
	out := map[string]any{"role": string(role)}
	for _, key := range []string{"full_name", "username"} {
		if v, ok := metadata[key].(string); ok {
			out[key] = s.sanitizer.Sanitize(v)
		}
	}
	return out
}

func (s *Service) isBootstrapAdmin(email string) bool {
	return slices.ContainsFunc(s.config.AdminEmails, func(a string) bool {
		return strings.EqualFold(strings.TrimSpace(a), email)
	})
}

// SignIn はメールアドレスとパスワードで認証し、トークンを発行する。
func (s *Service) SignIn(ctx context.Context, email, password string) (*TokenResponse, error) {
	user, err := s.userRepo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.metrics.RecordSignIn(metrics.ResultFailure)
		return nil, model.NewInvalidCredentialsError()
	}

	resp, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.profileRepo.TouchLastLogin(ctx, user.ID, s.now()); err != nil {
		// ログイン自体は成功として扱う
		slog.Warn("failed to update last login",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.RecordSignIn(metrics.ResultSuccess)
	slog.Info("user signed in", slog.String("user_id", user.ID))
	return resp, nil
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンを発行する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, model.NewInvalidGrantError()
	}

	// 同時に同じトークンでリフレッシュされても、新しいトークンを得るのは一方だけ
	session, err := s.sessionRepo.Consume(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}
	if session == nil {
		return nil, model.NewInvalidGrantError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidGrantError()
	}

	return s.issue(ctx, user)
}

// SignOut はユーザーの全セッションを破棄する。
// 発行済みのアクセストークンは有効期限まで有効なまま残る。
func (s *Service) SignOut(ctx context.Context, userID string) error {
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	slog.Info("user signed out", slog.String("user_id", userID))
	return nil
}

// GetUser は指定ユーザーの情報を返す。
func (s *Service) GetUser(ctx context.Context, userID string) (*UserInfo, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return toUserInfo(user), nil
}

// UpdatePassword はパスワードを変更する。
func (s *Service) UpdatePassword(ctx context.Context, userID, password string) (*UserInfo, error) {
	if len(password) < s.config.MinPasswordLength {
		return nil, model.NewWeakPasswordError(s.config.MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePassword(ctx, userID, string(hash)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("failed to update password: %w", err)
	}

	slog.Info("password updated", slog.String("user_id", userID))
	return s.GetUser(ctx, userID)
}

// Authenticate はアクセストークンを検証する。
func (s *Service) Authenticate(accessToken string) (*Claims, error) {
	return s.tokens.Parse(accessToken)
}

// issue はアクセストークンとリフレッシュトークンを発行し、セッションを保存する。
func (s *Service) issue(ctx context.Context, user *model.AuthUser) (*TokenResponse, error) {
	role := model.RoleUser
	p, err := s.profileRepo.FindByID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if p != nil {
		role = p.Role
	}

	accessToken, expiresAt, err := s.tokens.Issue(user.ID, user.Email, role)
	if err != nil {
		return nil, err
	}

	refreshToken, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	now := s.now()
	session := &model.Session{
		ID:        hashRefreshToken(refreshToken),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.ttl.Seconds()),
		ExpiresAt:    expiresAt,
		User:         toUserInfo(user),
	}, nil
}

func toUserInfo(user *model.AuthUser) *UserInfo {
	metadata := user.UserMetadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &UserInfo{
		ID:           user.ID,
		Email:        user.Email,
		UserMetadata: metadata,
		CreatedAt:    user.CreatedAt,
	}
}
