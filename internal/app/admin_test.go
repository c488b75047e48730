package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/unitconv/internal/activity"
	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/gateway/fake"
	"github.com/hitoshi/unitconv/internal/model"
	"github.com/hitoshi/unitconv/internal/session"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-password"
)

func newAdminManager(t *testing.T, gw *fake.Gateway) *session.Manager {
	t.Helper()

	discard := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rec := activity.New(activity.NewGatewaySink(gw), activity.WithLogger(discard))
	m := session.New(gw, session.WithRecorder(rec), session.WithLogger(discard))
	t.Cleanup(func() {
		m.Close()
		rec.Close()
		gw.Close()
	})

	select {
	case <-m.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not become ready")
	}
	return m
}

func TestExecAdmin_Usage(t *testing.T) {
	gw := fake.New()
	m := newAdminManager(t, gw)

	for _, args := range [][]string{nil, {"unknown"}, {"delete"}, {"delete", ""}} {
		err := execAdmin(context.Background(), m, adminEmail, adminPassword, io.Discard, args)
		assert.ErrorIs(t, err, errAdminUsage, "args=%v", args)
	}
	assert.Zero(t, gw.Calls(fake.OpSignIn), "usage errors must not sign in")
}

func TestExecAdmin_List(t *testing.T) {
	gw := fake.New()
	adminID := gw.AddUser(adminEmail, adminPassword, model.RoleAdmin)
	userID := gw.AddUser("bob@example.com", "bob-password", model.RoleUser)
	m := newAdminManager(t, gw)

	var out bytes.Buffer
	err := execAdmin(context.Background(), m, adminEmail, adminPassword, &out, []string{"list"})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "EMAIL")
	assert.Contains(t, text, adminID)
	assert.Contains(t, text, userID)
	assert.Contains(t, text, "bob@example.com")
	assert.Nil(t, m.CurrentUser(), "admin command should sign out when done")
}

func TestExecAdmin_Delete(t *testing.T) {
	gw := fake.New()
	gw.AddUser(adminEmail, adminPassword, model.RoleAdmin)
	userID := gw.AddUser("bob@example.com", "bob-password", model.RoleUser)
	m := newAdminManager(t, gw)

	var out bytes.Buffer
	err := execAdmin(context.Background(), m, adminEmail, adminPassword, &out, []string{"delete", userID})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "deleted user "+userID)
	_, ok := gw.Profile(userID)
	assert.False(t, ok, "profile should be removed")
}

func TestExecAdmin_Purge(t *testing.T) {
	gw := fake.New()
	adminID := gw.AddUser(adminEmail, adminPassword, model.RoleAdmin)
	gw.AddUser("bob@example.com", "bob-password", model.RoleUser)
	gw.AddUser("carol@example.com", "carol-password", model.RoleUser)
	m := newAdminManager(t, gw)

	var out bytes.Buffer
	err := execAdmin(context.Background(), m, adminEmail, adminPassword, &out, []string{"purge"})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "deleted 2 users")
	assert.Equal(t, []string{adminID}, gw.ProfileIDs())
}

func TestExecAdmin_PurgePartialFailureReprintsUsers(t *testing.T) {
	gw := fake.New()
	gw.AddUser(adminEmail, adminPassword, model.RoleAdmin)
	gw.AddUser("bob@example.com", "bob-password", model.RoleUser)
	carolID := gw.AddUser("carol@example.com", "carol-password", model.RoleUser)
	gw.FailDelete(carolID, &gateway.Error{Status: 500, Code: "internal_error", Message: "boom"})
	m := newAdminManager(t, gw)

	var out bytes.Buffer
	err := execAdmin(context.Background(), m, adminEmail, adminPassword, &out, []string{"purge"})

	var partial *session.PartialDeleteError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Equal(t, 2, partial.Total)

	text := out.String()
	assert.Contains(t, text, "deleted 1 users")
	assert.Contains(t, text, "1 of 2 deletions failed")
	assert.Contains(t, text, "carol@example.com")
	assert.NotContains(t, text, "bob@example.com")
}

func TestExecAdmin_NonAdminIsRejected(t *testing.T) {
	gw := fake.New()
	gw.AddUser("bob@example.com", "bob-password", model.RoleUser)
	otherID := gw.AddUser("carol@example.com", "carol-password", model.RoleUser)
	m := newAdminManager(t, gw)

	err := execAdmin(context.Background(), m, "bob@example.com", "bob-password", io.Discard, []string{"delete", otherID})
	assert.ErrorIs(t, err, errNotAdmin)
	assert.Empty(t, gw.RPCCalls(gateway.RPCAdminDeleteUser))
}

func TestExecAdmin_SignInFailure(t *testing.T) {
	gw := fake.New()
	gw.AddUser(adminEmail, adminPassword, model.RoleAdmin)
	m := newAdminManager(t, gw)

	err := execAdmin(context.Background(), m, adminEmail, "wrong-password", io.Discard, []string{"list"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "admin sign-in failed"), "err = %v", err)
	assert.Zero(t, gw.Calls(fake.OpSelect))
}

func TestPrintUsers_Format(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var out bytes.Buffer
	err := printUsers(&out, []model.Profile{
		{ID: "u-1", Email: "a@example.com", FullName: "Alice", Role: model.RoleAdmin, CreatedAt: created, LastLoginAt: &created},
		{ID: "u-2", Email: "b@example.com", FullName: "Bob", Role: model.RoleUser, CreatedAt: created},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "2024-01-02T03:04:05Z")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"), "missing last login should print '-'")
}

func TestRequireAdmin_ProfileErrorIsReported(t *testing.T) {
	m := &stubAdminSession{state: session.State{Err: "プロフィールの取得に失敗しました"}}
	err := requireAdmin(context.Background(), m)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errNotAdmin))
	assert.Contains(t, err.Error(), "failed to load admin profile")
}

type stubAdminSession struct {
	adminSession
	state session.State
}

func (s *stubAdminSession) WaitFor(_ context.Context, cond func(session.State) bool) (session.State, error) {
	if !cond(s.state) {
		return s.state, context.DeadlineExceeded
	}
	return s.state, nil
}
