// Package restclient はHTTP経由でバックエンドに接続するgateway.Gateway実装を提供する。
// セッションはメモリ上に保持し、アクセストークンの期限切れ時はリフレッシュして再試行する。
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/unitconv/internal/gateway"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultRefreshSkew = 60 * time.Second

	// mediaTypeObject は単一行レスポンスを要求するAcceptヘッダー値。
	mediaTypeObject = "application/vnd.pgrst.object+json"
)

// Client はバックエンドのRESTクライアント。
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	refreshSkew time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	session *gateway.Session

	dispatcher *gateway.Dispatcher
	sf         singleflight.Group
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger はロガーを指定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRefreshSkew は有効期限のどれだけ前にリフレッシュするかを指定する。
func WithRefreshSkew(d time.Duration) Option {
	return func(c *Client) { c.refreshSkew = d }
}

// WithClock は時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New はClientを生成する。baseURLはバックエンドのルート（例: http://localhost:8080）。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logger:      slog.Default(),
		refreshSkew: defaultRefreshSkew,
		now:         time.Now,
		dispatcher:  gateway.NewDispatcher(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close はイベント配送を停止する。
func (c *Client) Close() {
	c.dispatcher.Close()
}

// SetSession は保存済みのセッションを復元する。イベントは発行しない。
func (c *Client) SetSession(s *gateway.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Client) currentSession() *gateway.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// --- 認証 ---

// GetSession は現在のセッションを返す。期限が近い場合はリフレッシュしてから返す。
func (c *Client) GetSession(ctx context.Context) (*gateway.Session, error) {
	s := c.currentSession()
	if s == nil {
		return nil, nil
	}
	if c.needsRefresh(s) {
		return c.refresh(ctx)
	}
	return s, nil
}

// OnAuthStateChange は認証状態変更を購読する。
func (c *Client) OnAuthStateChange(listener gateway.AuthStateListener) gateway.Subscription {
	return c.dispatcher.Subscribe(listener)
}

type signUpRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

// SignUp はユーザーを登録する。
func (c *Client) SignUp(ctx context.Context, params gateway.SignUpParams) (*gateway.User, error) {
	var u gateway.User
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   signUpRequest{Email: params.Email, Password: params.Password, Data: params.Metadata},
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

type passwordGrant struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInWithPassword はログインし、SIGNED_INを発行する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*gateway.Session, error) {
	var s gateway.Session
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   passwordGrant{Email: email, Password: password},
	}, &s)
	if err != nil {
		return nil, err
	}

	c.SetSession(&s)
	c.dispatcher.Emit(gateway.EventSignedIn, &s)
	return &s, nil
}

// SignOut はサーバー側のセッションを破棄し、SIGNED_OUTを発行する。
// サーバーが既にセッションを無効としている場合もローカルのセッションは破棄する。
// 未ログインの場合はサーバーを呼ばずにSIGNED_OUTだけを発行する。
func (c *Client) SignOut(ctx context.Context) error {
	if c.currentSession() != nil {
		err := c.do(ctx, request{method: http.MethodPost, path: "/auth/v1/logout", auth: true}, nil)
		var gwErr *gateway.Error
		if err != nil && !(errors.As(err, &gwErr) && gwErr.Status == http.StatusUnauthorized) {
			return err
		}
	}

	c.SetSession(nil)
	c.dispatcher.Emit(gateway.EventSignedOut, nil)
	return nil
}

// UpdateUser はログイン中ユーザーの認証情報を更新し、USER_UPDATEDを発行する。
func (c *Client) UpdateUser(ctx context.Context, attrs gateway.UserAttributes) error {
	if c.currentSession() == nil {
		if _, ok := gateway.AccessTokenFromContext(ctx); !ok {
			return gateway.ErrNoSession
		}
	}

	var u gateway.User
	if err := c.do(ctx, request{method: http.MethodPut, path: "/auth/v1/user", body: attrs, auth: true}, &u); err != nil {
		return err
	}

	c.mu.Lock()
	var updated *gateway.Session
	if c.session != nil {
		s := *c.session
		s.User = &u
		c.session = &s
		updated = &s
	}
	c.mu.Unlock()

	c.dispatcher.Emit(gateway.EventUserUpdated, updated)
	return nil
}

// --- テーブルとRPC ---

// SelectSingle は条件に一致する1行を取得する。
func (c *Client) SelectSingle(ctx context.Context, table string, filters []gateway.Filter, dest any) error {
	return c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  gateway.EncodeFilters(filters),
		accept: mediaTypeObject,
		auth:   true,
	}, dest)
}

// Update は条件に一致する1行を更新し、更新後の行を取得する。
func (c *Client) Update(ctx context.Context, table string, filters []gateway.Filter, patch map[string]any, dest any) error {
	return c.do(ctx, request{
		method: http.MethodPatch,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  gateway.EncodeFilters(filters),
		body:   patch,
		accept: mediaTypeObject,
		auth:   true,
	}, dest)
}

// Select は条件に一致する行を取得する。
func (c *Client) Select(ctx context.Context, table string, q gateway.Query, dest any) error {
	values, err := url.ParseQuery(q.Encode())
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}
	return c.do(ctx, request{
		method: http.MethodGet,
		path:   "/rest/v1/" + url.PathEscape(table),
		query:  values,
		auth:   true,
	}, dest)
}

// RPC はリモートプロシージャを呼び出す。
func (c *Client) RPC(ctx context.Context, name string, args any, dest any) error {
	if args == nil {
		args = map[string]any{}
	}
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   "/rest/v1/rpc/" + url.PathEscape(name),
		body:   args,
		auth:   true,
	}, dest)
}

// --- リフレッシュ ---

func (c *Client) needsRefresh(s *gateway.Session) bool {
	return s.RefreshToken != "" && !s.ExpiresAt.IsZero() && c.now().Add(c.refreshSkew).After(s.ExpiresAt)
}

type refreshGrant struct {
	RefreshToken string `json:"refresh_token"`
}

// refresh はリフレッシュトークンでセッションを更新する。
// 同時に複数の呼び出しがあっても、リクエストは1回にまとめる。
func (c *Client) refresh(ctx context.Context) (*gateway.Session, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		current := c.currentSession()
		if current == nil {
			return nil, gateway.ErrNoSession
		}

		var s gateway.Session
		err := c.do(ctx, request{
			method: http.MethodPost,
			path:   "/auth/v1/token",
			query:  url.Values{"grant_type": {"refresh_token"}},
			body:   refreshGrant{RefreshToken: current.RefreshToken},
		}, &s)
		if err != nil {
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) {
				// リフレッシュトークンが無効ならログアウト扱い
				c.logger.Warn("refresh token rejected, signing out", slog.String("error", gwErr.Message))
				c.SetSession(nil)
				c.dispatcher.Emit(gateway.EventSignedOut, nil)
			}
			return nil, err
		}

		c.SetSession(&s)
		c.dispatcher.Emit(gateway.EventTokenRefreshed, &s)
		return &s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gateway.Session), nil
}

// StartAutoRefresh は有効期限の前にセッションを定期的にリフレッシュする。
// ctxがキャンセルされると停止する。
func (c *Client) StartAutoRefresh(ctx context.Context) {
	go func() {
		for {
			wait := time.Minute
			if s := c.currentSession(); s != nil && !s.ExpiresAt.IsZero() {
				wait = s.ExpiresAt.Sub(c.now()) - c.refreshSkew
				if wait < time.Second {
					wait = time.Second
				}
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if s := c.currentSession(); s != nil && c.needsRefresh(s) {
				if _, err := c.refresh(ctx); err != nil {
					c.logger.Error("auto refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// --- HTTP ---

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	accept string
	auth   bool
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// msg/error_description は他のバックエンド実装との互換用
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
}

// do はリクエストを実行し、レスポンスをdestにデコードする。
// セッションのトークンが期限切れと判定された場合はリフレッシュして1回だけ再試行する。
func (c *Client) do(ctx context.Context, r request, dest any) error {
	pinned, isPinned := gateway.AccessTokenFromContext(ctx)

	token := pinned
	if r.auth && !isPinned {
		if s := c.currentSession(); s != nil {
			token = s.AccessToken
		}
	}

	err := c.send(ctx, r, token, dest)

	var gwErr *gateway.Error
	if r.auth && !isPinned && errors.As(err, &gwErr) &&
		gwErr.Status == http.StatusUnauthorized && gwErr.Code == gateway.CodeTokenExpired {
		s, refreshErr := c.refresh(ctx)
		if refreshErr != nil {
			return err
		}
		return c.send(ctx, r, s.AccessToken, dest)
	}
	return err
}

func (c *Client) send(ctx context.Context, r request, token string, dest any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if r.method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("request to backend failed",
			slog.String("method", r.method),
			slog.String("path", r.path),
			slog.String("error", err.Error()),
		)
		return gateway.NetworkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.NetworkError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}

	if dest == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	msg := eb.Message
	if msg == "" {
		msg = eb.Msg
	}
	if msg == "" {
		msg = eb.ErrorDescription
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &gateway.Error{Status: status, Code: eb.Code, Message: msg}
}

var _ gateway.Gateway = (*Client)(nil)
