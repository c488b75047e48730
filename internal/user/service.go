// Package user はユーザー管理のドメインロジックを提供する。
// アカウント削除と監査ログの記録は、認証済みの呼び出し元からのリモートプロシージャとして公開される。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/unitconv/internal/metrics"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/repository"
)

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo     repository.AuthUserRepository
	profileRepo  repository.ProfileRepository
	activityRepo repository.ActivityLogRepository
	metrics      metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.AuthUserRepository,
	profileRepo repository.ProfileRepository,
	activityRepo repository.ActivityLogRepository,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		userRepo:     userRepo,
		profileRepo:  profileRepo,
		activityRepo: activityRepo,
		metrics:      collector,
	}
}

// DeleteUser は対象ユーザーを削除する。
// 呼び出し元は対象本人か管理者である必要がある。
// セッション、プロフィール、認証ユーザーは同一トランザクションで削除され、監査ログは残る。
func (s *Service) DeleteUser(ctx context.Context, callerID, targetID string) error {
	if targetID == "" {
		return model.NewValidationError("target_user_id is required")
	}

	if callerID != targetID {
		caller, err := s.profileRepo.FindByID(ctx, callerID)
		if err != nil {
			return fmt.Errorf("呼び出し元プロフィールの取得に失敗しました: %w", err)
		}
		if !caller.IsAdmin() {
			slog.Warn("権限のないユーザー削除要求を拒否しました",
				slog.String("caller_id", callerID),
				slog.String("target_user_id", targetID),
			)
			return model.NewForbiddenError()
		}
	}

	slog.Info("ユーザー削除を開始します",
		slog.String("caller_id", callerID),
		slog.String("target_user_id", targetID),
	)

	if err := s.userRepo.DeleteCascade(ctx, targetID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	s.metrics.RecordAccountDeletion()
	slog.Info("ユーザー削除が完了しました",
		slog.String("target_user_id", targetID),
	)
	return nil
}

// LogActivity は呼び出し元の監査ログを追記する。
// タイムスタンプはサーバー側で付与する。
func (s *Service) LogActivity(ctx context.Context, callerID string, action model.ActionCode, details map[string]any) (*model.ActivityLogEntry, error) {
	if !action.Valid() {
		return nil, model.NewInvalidActionError(string(action))
	}

	entry, err := s.activityRepo.Insert(ctx, callerID, action, details)
	if err != nil {
		return nil, fmt.Errorf("監査ログの記録に失敗しました: %w", err)
	}

	s.metrics.RecordActivityLogged(string(action))
	return entry, nil
}
