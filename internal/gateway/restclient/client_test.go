package restclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sessionJSON(access, refresh string, expiresAt time.Time) *gateway.Session {
	return &gateway.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(time.Until(expiresAt).Seconds()),
		ExpiresAt:    expiresAt,
		User:         &gateway.User{ID: "user-1", Email: "a@example.com"},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []gateway.AuthEvent
}

func (l *eventLog) listener(event gateway.AuthEvent, _ *gateway.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) has(event gateway.AuthEvent) bool {
	return l.count(event) > 0
}

func (l *eventLog) count(event gateway.AuthEvent) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestSignInWithPassword_StoresSessionAndEmits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))

		var body passwordGrant
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@example.com", body.Email)

		writeJSON(w, http.StatusOK, sessionJSON("access-1", "refresh-1", time.Now().Add(time.Hour)))
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()
	events := &eventLog{}
	c.OnAuthStateChange(events.listener)

	s, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", s.UserID())

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)

	require.Eventually(t, func() bool { return events.has(gateway.EventSignedIn) }, time.Second, 5*time.Millisecond)
}

func TestSignInWithPassword_ProviderErrorIsVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    model.ErrCodeInvalidCredentials,
			"message": "Invalid login credentials",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()

	_, err := c.SignInWithPassword(context.Background(), "a@example.com", "bad")
	require.Error(t, err)

	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
	assert.Equal(t, "Invalid login credentials", err.Error())
	assert.False(t, gateway.IsNetwork(err))
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithLogger(quietLogger()))
	defer c.Close()

	_, err := c.SignInWithPassword(context.Background(), "a@example.com", "secret1")
	require.Error(t, err)
	assert.True(t, gateway.IsNetwork(err))
}

func TestSelectSingle_RequestsObjectAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/profiles", r.URL.Path)
		assert.Equal(t, mediaTypeObject, r.Header.Get("Accept"))
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("id") {
		case "eq.user-1":
			writeJSON(w, http.StatusOK, model.Profile{ID: "user-1", Role: model.RoleAdmin, FullName: "A"})
		default:
			writeJSON(w, http.StatusNotAcceptable, map[string]string{
				"code":    gateway.CodeRowNotFound,
				"message": "JSON object requested, multiple (or no) rows returned",
			})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()
	c.SetSession(&gateway.Session{AccessToken: "access-1", User: &gateway.User{ID: "user-1"}})

	var p model.Profile
	require.NoError(t, c.SelectSingle(context.Background(), gateway.TableProfiles, []gateway.Filter{gateway.Eq("id", "user-1")}, &p))
	assert.Equal(t, "A", p.FullName)
	assert.True(t, p.IsAdmin())

	err := c.SelectSingle(context.Background(), gateway.TableProfiles, []gateway.Filter{gateway.Eq("id", "missing")}, &p)
	assert.True(t, gateway.IsNotFound(err))
}

func TestSelect_EncodesFiltersAndOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "neq.user-1", r.URL.Query().Get("id"))
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		writeJSON(w, http.StatusOK, []model.Profile{{ID: "user-2"}, {ID: "user-3"}})
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()

	var rows []model.Profile
	err := c.Select(context.Background(), gateway.TableProfiles, gateway.Query{
		Filters: []gateway.Filter{gateway.Neq("id", "user-1")},
		Order:   &gateway.Order{Column: "created_at", Desc: true},
	}, &rows)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestExpiredTokenIsRefreshedAndRetried(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
			var body refreshGrant
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "refresh-old", body.RefreshToken)
			refreshes.Add(1)
			writeJSON(w, http.StatusOK, sessionJSON("access-new", "refresh-new", time.Now().Add(time.Hour)))
		case "/rest/v1/rpc/admin_delete_user":
			if r.Header.Get("Authorization") != "Bearer access-new" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"code": gateway.CodeTokenExpired, "message": "JWT expired",
				})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()
	events := &eventLog{}
	c.OnAuthStateChange(events.listener)
	c.SetSession(sessionJSON("access-old", "refresh-old", time.Now().Add(time.Hour)))

	err := c.RPC(context.Background(), gateway.RPCAdminDeleteUser, map[string]any{"target_user_id": "user-2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-new", s.AccessToken)
	require.Eventually(t, func() bool { return events.has(gateway.EventTokenRefreshed) }, time.Second, 5*time.Millisecond)
}

func TestGetSession_RefreshesNearExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionJSON("access-new", "refresh-new", time.Now().Add(time.Hour)))
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()), WithRefreshSkew(time.Minute))
	defer c.Close()
	c.SetSession(sessionJSON("access-old", "refresh-old", time.Now().Add(10*time.Second)))

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-new", s.AccessToken)
}

func TestRefreshRejected_SignsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code": model.ErrCodeInvalidGrant, "message": "Invalid Refresh Token",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()
	events := &eventLog{}
	c.OnAuthStateChange(events.listener)
	c.SetSession(sessionJSON("access-old", "refresh-old", time.Now().Add(-time.Minute)))

	_, err := c.GetSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Invalid Refresh Token", err.Error())
	assert.Nil(t, c.currentSession())
	require.Eventually(t, func() bool { return events.has(gateway.EventSignedOut) }, time.Second, 5*time.Millisecond)
}

func TestPinnedTokenSurvivesSignOut(t *testing.T) {
	var mu sync.Mutex
	var rpcAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		case "/rest/v1/rpc/log_user_activity":
			mu.Lock()
			rpcAuth = r.Header.Get("Authorization")
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()
	c.SetSession(sessionJSON("access-1", "refresh-1", time.Now().Add(time.Hour)))

	ctx := gateway.ContextWithAccessToken(context.Background(), "access-1")
	require.NoError(t, c.SignOut(context.Background()))
	require.NoError(t, c.RPC(ctx, gateway.RPCLogUserActivity, map[string]any{"action": "LOGOUT"}, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer access-1", rpcAuth)
}

func TestSignOut_ClearsSessionWhenServerAlreadyRevoked(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"code": model.ErrCodeUnauthorized, "message": "invalid token",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	defer c.Close()
	events := &eventLog{}
	c.OnAuthStateChange(events.listener)
	c.SetSession(sessionJSON("access-1", "refresh-1", time.Now().Add(time.Hour)))

	require.NoError(t, c.SignOut(context.Background()))
	assert.Nil(t, c.currentSession())
	require.Eventually(t, func() bool { return events.has(gateway.EventSignedOut) }, time.Second, 5*time.Millisecond)

	// 未ログインでのSignOutはサーバーを呼ばずにSIGNED_OUTだけを発行する
	require.NoError(t, c.SignOut(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
	require.Eventually(t, func() bool { return events.count(gateway.EventSignedOut) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUpdateUser_RequiresSession(t *testing.T) {
	c := New("http://127.0.0.1:0", WithLogger(quietLogger()))
	defer c.Close()

	err := c.UpdateUser(context.Background(), gateway.UserAttributes{Password: "longer-secret"})
	assert.ErrorIs(t, err, gateway.ErrNoSession)
}

func TestStartAutoRefresh_RefreshesBeforeExpiry(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		writeJSON(w, http.StatusOK, sessionJSON("access-new", "refresh-new", time.Now().Add(time.Hour)))
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()), WithRefreshSkew(1500*time.Millisecond))
	defer c.Close()
	c.SetSession(sessionJSON("access-old", "refresh-old", time.Now().Add(2*time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartAutoRefresh(ctx)

	require.Eventually(t, func() bool {
		s := c.currentSession()
		return s != nil && s.AccessToken == "access-new"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), refreshes.Load(), "a fresh session should not be refreshed again")
}
