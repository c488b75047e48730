// Package profile はprofilesテーブルへのアクセスと行レベルのアクセス規則を提供する。
//
// 一般ユーザーは自分の行のみ参照・更新できる。管理者は全行を参照・更新でき、
// roleカラムの変更は管理者のみに許可される。他人の行は「存在しない」ものとして扱う。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/repository"
	"github.com/hitoshi/unitconv/internal/security"
)

// QueryColumns はフィルタ・並び替えに指定できるカラム。
var QueryColumns = map[string]bool{
	"id":         true,
	"created_at": true,
}

// textColumns はサニタイズ対象の文字列カラム。
var textColumns = map[string]bool{
	"full_name": true,
	"username":  true,
	"email":     true,
}

// objectColumns はJSONオブジェクトを格納するカラム。
var objectColumns = map[string]bool{
	"preferences":      true,
	"privacy_settings": true,
}

// Service はプロフィールに関するビジネスロジックを提供する。
type Service struct {
	profileRepo repository.ProfileRepository
	sanitizer   security.TextSanitizer
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(profileRepo repository.ProfileRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{
		profileRepo: profileRepo,
		sanitizer:   sanitizer,
		now:         time.Now,
	}
}

// IsAdmin は呼び出し元が管理者かどうかを返す。
// プロフィールが未作成の場合は一般ユーザーとして扱う。
func (s *Service) IsAdmin(ctx context.Context, callerID string) (bool, error) {
	p, err := s.profileRepo.FindByID(ctx, callerID)
	if err != nil {
		return false, fmt.Errorf("failed to find caller profile: %w", err)
	}
	return p.IsAdmin(), nil
}

// SelectSingle は条件に一致する1行を返す。
// 0行または複数行の場合はPGRST116エラーを返す。
func (s *Service) SelectSingle(ctx context.Context, callerID string, q gateway.Query) (*model.Profile, error) {
	rows, err := s.Select(ctx, callerID, q)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, model.NewRowNotFoundError()
	}
	return rows[0], nil
}

// Select は呼び出し元が参照可能な行のうち条件に一致するものを返す。
// 並び順の既定はcreated_at降順。
func (s *Service) Select(ctx context.Context, callerID string, q gateway.Query) ([]*model.Profile, error) {
	for _, f := range q.Filters {
		if f.Column != "id" {
			return nil, model.NewUnknownColumnError(f.Column)
		}
	}
	if q.Order != nil && q.Order.Column != "created_at" {
		return nil, model.NewUnknownColumnError(q.Order.Column)
	}

	admin, err := s.IsAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}

	var rows []*model.Profile
	if admin {
		rows, err = s.profileRepo.List(ctx, excludedID(q.Filters))
	} else {
		// 一般ユーザーは自分の行のみ
		var p *model.Profile
		p, err = s.profileRepo.FindByID(ctx, callerID)
		if p != nil {
			rows = []*model.Profile{p}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select profiles: %w", err)
	}

	rows = slices.DeleteFunc(rows, func(p *model.Profile) bool { return !matches(p, q.Filters) })

	if q.Order != nil && !q.Order.Desc {
		slices.Reverse(rows)
	}
	return rows, nil
}

// Update は条件に一致する1行を更新して返す。
// 対象はidの等価条件で指定する必要がある。
func (s *Service) Update(ctx context.Context, callerID string, q gateway.Query, patch map[string]any) (*model.Profile, error) {
	targetID := targetID(q.Filters)
	if targetID == "" {
		return nil, model.NewValidationError("update requires an id filter")
	}

	admin, err := s.IsAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if !admin && targetID != callerID {
		return nil, model.NewRowNotFoundError()
	}

	clean, err := s.cleanPatch(patch, admin)
	if err != nil {
		return nil, err
	}
	clean["updated_at"] = s.now()

	updated, err := s.profileRepo.Update(ctx, targetID, clean)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewRowNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	slog.Info("profile updated",
		slog.String("user_id", targetID),
		slog.String("updated_by", callerID),
	)
	return updated, nil
}

// cleanPatch は更新内容を検証し、サニタイズ済みのコピーを返す。
// updated_atはサーバー側で付与するため無視する。
func (s *Service) cleanPatch(patch map[string]any, admin bool) (map[string]any, error) {
	clean := make(map[string]any, len(patch)+1)
	for col, v := range patch {
		switch {
		case col == "updated_at":
			continue
		case !model.ProfileColumns[col]:
			return nil, model.NewUnknownColumnError(col)
		case col == "role":
			if !admin {
				return nil, model.NewForbiddenError()
			}
			role, ok := v.(string)
			if !ok || !model.Role(role).Valid() {
				return nil, model.NewValidationError("role must be one of: user, admin")
			}
			clean[col] = role
		case textColumns[col]:
			str, ok := v.(string)
			if !ok {
				return nil, model.NewValidationError(fmt.Sprintf("%s must be a string", col))
			}
			clean[col] = s.sanitizer.Sanitize(str)
		case objectColumns[col]:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, model.NewValidationError(fmt.Sprintf("%s must be an object", col))
			}
			clean[col] = obj
		}
	}
	if len(clean) == 0 {
		return nil, model.NewValidationError("no columns to update")
	}
	return clean, nil
}

func matches(p *model.Profile, filters []gateway.Filter) bool {
	for _, f := range filters {
		if f.Column != "id" {
			continue
		}
		if (f.Op == gateway.OpEq) != (p.ID == f.Value) {
			return false
		}
	}
	return true
}

func targetID(filters []gateway.Filter) string {
	for _, f := range filters {
		if f.Column == "id" && f.Op == gateway.OpEq {
			return f.Value
		}
	}
	return ""
}

func excludedID(filters []gateway.Filter) string {
	for _, f := range filters {
		if f.Column == "id" && f.Op == gateway.OpNeq {
			return f.Value
		}
	}
	return ""
}
