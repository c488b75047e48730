package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/unitconv/internal/metrics"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/repository"
)

// --- モック ---

type mockUserRepo struct {
	deleteCascadeFn func(ctx context.Context, id string) error
	deleted         []string
}

func (m *mockUserRepo) FindByID(context.Context, string) (*model.AuthUser, error) {
	return nil, nil
}
func (m *mockUserRepo) FindByEmail(context.Context, string) (*model.AuthUser, error) {
	return nil, nil
}
func (m *mockUserRepo) Create(context.Context, *model.AuthUser) error {
	return nil
}
func (m *mockUserRepo) UpdatePassword(context.Context, string, string) error {
	return nil
}
func (m *mockUserRepo) DeleteCascade(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	if m.deleteCascadeFn != nil {
		return m.deleteCascadeFn(ctx, id)
	}
	return nil
}

type mockProfileRepo struct {
	roles map[string]model.Role
}

func (m *mockProfileRepo) FindByID(_ context.Context, id string) (*model.Profile, error) {
	role, ok := m.roles[id]
	if !ok {
		return nil, nil
	}
	return &model.Profile{ID: id, Role: role}, nil
}
func (m *mockProfileRepo) List(context.Context, string) ([]*model.Profile, error) {
	return nil, nil
}
func (m *mockProfileRepo) Update(context.Context, string, map[string]any) (*model.Profile, error) {
	return nil, nil
}
func (m *mockProfileRepo) TouchLastLogin(context.Context, string, time.Time) error {
	return nil
}

type mockActivityRepo struct {
	insertFn func(ctx context.Context, userID string, action model.ActionCode, details map[string]any) (*model.ActivityLogEntry, error)
	inserted int
}

func (m *mockActivityRepo) Insert(ctx context.Context, userID string, action model.ActionCode, details map[string]any) (*model.ActivityLogEntry, error) {
	m.inserted++
	if m.insertFn != nil {
		return m.insertFn(ctx, userID, action, details)
	}
	return &model.ActivityLogEntry{ID: "log-1", UserID: userID, Action: action, Details: details}, nil
}
func (m *mockActivityRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var (
	_ repository.AuthUserRepository    = (*mockUserRepo)(nil)
	_ repository.ProfileRepository     = (*mockProfileRepo)(nil)
	_ repository.ActivityLogRepository = (*mockActivityRepo)(nil)
)

func newTestService() (*Service, *mockUserRepo, *mockActivityRepo) {
	users := &mockUserRepo{}
	profiles := &mockProfileRepo{roles: map[string]model.Role{
		"admin": model.RoleAdmin,
		"u1":    model.RoleUser,
		"u2":    model.RoleUser,
	}}
	activity := &mockActivityRepo{}
	return NewService(users, profiles, activity, metrics.Nop{}), users, activity
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T (%v)", err, err)
	}
	if apiErr.Code != code {
		t.Errorf("code = %q, want %q", apiErr.Code, code)
	}
}

// --- DeleteUser ---

func TestDeleteUser_SelfDeletion(t *testing.T) {
	svc, users, _ := newTestService()

	if err := svc.DeleteUser(context.Background(), "u1", "u1"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if len(users.deleted) != 1 || users.deleted[0] != "u1" {
		t.Errorf("deleted = %v, want [u1]", users.deleted)
	}
}

func TestDeleteUser_AdminDeletesOther(t *testing.T) {
	svc, users, _ := newTestService()

	if err := svc.DeleteUser(context.Background(), "admin", "u2"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if len(users.deleted) != 1 || users.deleted[0] != "u2" {
		t.Errorf("deleted = %v, want [u2]", users.deleted)
	}
}

func TestDeleteUser_NonAdminCannotDeleteOther(t *testing.T) {
	svc, users, _ := newTestService()

	err := svc.DeleteUser(context.Background(), "u1", "u2")
	assertAPIErrorCode(t, err, model.ErrCodeForbidden)
	if len(users.deleted) != 0 {
		t.Errorf("no deletion expected, got %v", users.deleted)
	}
}

func TestDeleteUser_CallerWithoutProfileIsNotAdmin(t *testing.T) {
	svc, _, _ := newTestService()

	err := svc.DeleteUser(context.Background(), "ghost", "u2")
	assertAPIErrorCode(t, err, model.ErrCodeForbidden)
}

func TestDeleteUser_UnknownTarget(t *testing.T) {
	svc, users, _ := newTestService()
	users.deleteCascadeFn = func(context.Context, string) error { return repository.ErrNotFound }

	err := svc.DeleteUser(context.Background(), "admin", "missing")
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)
}

func TestDeleteUser_RepositoryError(t *testing.T) {
	svc, users, _ := newTestService()
	users.deleteCascadeFn = func(context.Context, string) error { return errors.New("db down") }

	err := svc.DeleteUser(context.Background(), "u1", "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("expected internal error, got APIError %v", apiErr)
	}
}

func TestDeleteUser_MissingTarget(t *testing.T) {
	svc, _, _ := newTestService()

	err := svc.DeleteUser(context.Background(), "admin", "")
	assertAPIErrorCode(t, err, model.ErrCodeValidation)
}

// --- LogActivity ---

func TestLogActivity_Records(t *testing.T) {
	svc, _, activity := newTestService()

	entry, err := svc.LogActivity(context.Background(), "u1", model.ActionProfileUpdate,
		map[string]any{"fields": []string{"full_name"}})
	if err != nil {
		t.Fatalf("LogActivity() error = %v", err)
	}
	if entry.UserID != "u1" || entry.Action != model.ActionProfileUpdate {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if activity.inserted != 1 {
		t.Errorf("inserted = %d, want 1", activity.inserted)
	}
}

func TestLogActivity_RejectsUnknownAction(t *testing.T) {
	svc, _, activity := newTestService()

	_, err := svc.LogActivity(context.Background(), "u1", "DROP_TABLE", nil)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidAction)
	if activity.inserted != 0 {
		t.Error("repository should not be called")
	}
}

func TestLogActivity_RepositoryError(t *testing.T) {
	svc, _, activity := newTestService()
	activity.insertFn = func(context.Context, string, model.ActionCode, map[string]any) (*model.ActivityLogEntry, error) {
		return nil, errors.New("db down")
	}

	if _, err := svc.LogActivity(context.Background(), "u1", model.ActionLogin, nil); err == nil {
		t.Fatal("expected error")
	}
}
