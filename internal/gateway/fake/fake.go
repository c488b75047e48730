// Package fake はテスト用のインメモリgateway.Gateway実装を提供する。
// 操作ごとのエラー注入、プロフィール作成の遅延、プロフィール取得の一時停止ができる。
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
)

// Op はエラー注入と呼び出し回数の対象となる操作。
type Op string

const (
	OpGetSession   Op = "GetSession"
	OpSignUp       Op = "SignUp"
	OpSignIn       Op = "SignInWithPassword"
	OpSignOut      Op = "SignOut"
	OpUpdateUser   Op = "UpdateUser"
	OpSelectSingle Op = "SelectSingle"
	OpUpdate       Op = "Update"
	OpSelect       Op = "Select"
	OpRPC          Op = "RPC"
)

type account struct {
	user     gateway.User
	password string
}

// Gateway はインメモリの認証・テーブル基盤。
type Gateway struct {
	mu sync.Mutex

	accounts map[string]*account // key: user id
	byEmail  map[string]string
	profiles map[string]*model.Profile
	pending  []string // プロフィール未作成のユーザーID
	logs     []model.ActivityLogEntry
	session  *gateway.Session

	errs        map[Op]error
	deleteErrs  map[string]error
	calls       map[Op]int
	rpcCalls    []RPCCall
	profileHold map[string]chan struct{}

	deferProfiles bool
	dispatcher    *gateway.Dispatcher
	now           func() time.Time
}

// RPCCall は記録されたリモートプロシージャ呼び出し。
type RPCCall struct {
	Name string
	Args map[string]any
	// AccessToken は呼び出し時に使われたトークン。
	AccessToken string
}

// Option はGatewayの設定を変更する。
type Option func(*Gateway)

// WithDeferredProfiles はサインアップ時のプロフィール作成を遅延させる。
// CompletePendingProfilesを呼ぶまでプロフィールは存在しない。
func WithDeferredProfiles() Option {
	return func(g *Gateway) { g.deferProfiles = true }
}

// WithClock は時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New はGatewayを生成する。
func New(opts ...Option) *Gateway {
	g := &Gateway{
		accounts:    make(map[string]*account),
		byEmail:     make(map[string]string),
		profiles:    make(map[string]*model.Profile),
		errs:        make(map[Op]error),
		deleteErrs:  make(map[string]error),
		calls:       make(map[Op]int),
		profileHold: make(map[string]chan struct{}),
		dispatcher:  gateway.NewDispatcher(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// --- テスト用の操作 ---

// SetError は操作が常にerrを返すようにする。nilで解除する。
func (g *Gateway) SetError(op Op, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.errs, op)
		return
	}
	g.errs[op] = err
}

// FailDelete は指定ユーザーのadmin_delete_userがerrを返すようにする。
func (g *Gateway) FailDelete(userID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteErrs[userID] = err
}

// Calls は操作の呼び出し回数を返す。
func (g *Gateway) Calls(op Op) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// TotalCalls は全操作の呼び出し回数の合計を返す。
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

// RPCCalls は記録されたRPC呼び出しを返す。
func (g *Gateway) RPCCalls(name string) []RPCCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []RPCCall
	for _, c := range g.rpcCalls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// AddUser はユーザーとプロフィールを直接登録し、ユーザーIDを返す。
func (g *Gateway) AddUser(email, password string, role model.Role) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.createAccountLocked(email, password, map[string]any{"role": string(role)})
	g.createProfileLocked(u)
	return u.ID
}

// SetSession は現在のセッションを直接設定する。イベントは発行しない。
func (g *Gateway) SetSession(s *gateway.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = s
}

// SessionFor は登録済みユーザーのセッションを生成する。
func (g *Gateway) SessionFor(userID string) *gateway.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	acc, ok := g.accounts[userID]
	if !ok {
		return nil
	}
	return g.newSessionLocked(acc)
}

// Emit は認証状態変更イベントを発行する。
func (g *Gateway) Emit(event gateway.AuthEvent, s *gateway.Session) {
	g.dispatcher.Emit(event, s)
}

// Subscribers は現在の購読者数を返す。
func (g *Gateway) Subscribers() int {
	return g.dispatcher.Len()
}

// HoldProfileFetch は指定ユーザーのプロフィール取得を、返された関数が呼ばれるまで停止させる。
func (g *Gateway) HoldProfileFetch(userID string) (release func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.profileHold[userID] = ch
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.profileHold, userID)
			g.mu.Unlock()
			close(ch)
		})
	}
}

// CompletePendingProfiles は遅延中のプロフィールを作成する。
func (g *Gateway) CompletePendingProfiles() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.pending {
		if acc, ok := g.accounts[id]; ok {
			g.createProfileLocked(acc.user)
		}
	}
	g.pending = nil
}

// Profile は保存済みプロフィールのコピーを返す。
func (g *Gateway) Profile(userID string) (model.Profile, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[userID]
	if !ok {
		return model.Profile{}, false
	}
	return *p, true
}

// ProfileIDs は保存済みプロフィールのIDを昇順で返す。
func (g *Gateway) ProfileIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Sorted(maps.Keys(g.profiles))
}

// ActivityLogs は記録された監査ログを返す。
func (g *Gateway) ActivityLogs() []model.ActivityLogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.logs)
}

// Close はイベント配送を停止する。
func (g *Gateway) Close() {
	g.dispatcher.Close()
}

// --- gateway.Gateway ---

// GetSession は現在のセッションを返す。
func (g *Gateway) GetSession(ctx context.Context) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enterLocked(OpGetSession); err != nil {
		return nil, err
	}
	return g.session, nil
}

// OnAuthStateChange は認証状態変更を購読する。
func (g *Gateway) OnAuthStateChange(listener gateway.AuthStateListener) gateway.Subscription {
	return g.dispatcher.Subscribe(listener)
}

// SignUp はユーザーを登録する。
func (g *Gateway) SignUp(ctx context.Context, params gateway.SignUpParams) (*gateway.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enterLocked(OpSignUp); err != nil {
		return nil, err
	}
	if params.Email == "" || params.Password == "" {
		return nil, &gateway.Error{Status: 400, Code: model.ErrCodeValidation, Message: "email and password are required"}
	}
	if len(params.Password) < 6 {
		return nil, &gateway.Error{Status: 422, Code: model.ErrCodeWeakPassword, Message: "Password should be at least 6 characters."}
	}
	if _, exists := g.byEmail[strings.ToLower(params.Email)]; exists {
		return nil, &gateway.Error{Status: 422, Code: model.ErrCodeUserAlreadyExists, Message: "User already registered"}
	}

	u := g.createAccountLocked(params.Email, params.Password, params.Metadata)
	if g.deferProfiles {
		g.pending = append(g.pending, u.ID)
	} else {
		g.createProfileLocked(u)
	}
	return &u, nil
}

// SignInWithPassword はログインしてSIGNED_INを発行する。
func (g *Gateway) SignInWithPassword(ctx context.Context, email, password string) (*gateway.Session, error) {
	g.mu.Lock()
	if err := g.enterLocked(OpSignIn); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	id, ok := g.byEmail[strings.ToLower(email)]
	if !ok || g.accounts[id].password != password {
		g.mu.Unlock()
		return nil, &gateway.Error{Status: 400, Code: model.ErrCodeInvalidCredentials, Message: "Invalid login credentials"}
	}
	s := g.newSessionLocked(g.accounts[id])
	g.session = s
	if p, ok := g.profiles[id]; ok {
		now := g.now()
		p.LastLoginAt = &now
	}
	g.mu.Unlock()

	g.dispatcher.Emit(gateway.EventSignedIn, s)
	return s, nil
}

// SignOut はセッションを破棄してSIGNED_OUTを発行する。
func (g *Gateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	if err := g.enterLocked(OpSignOut); err != nil {
		g.mu.Unlock()
		return err
	}
	g.session = nil
	g.mu.Unlock()

	g.dispatcher.Emit(gateway.EventSignedOut, nil)
	return nil
}

// UpdateUser はログイン中ユーザーの認証情報を更新する。
func (g *Gateway) UpdateUser(ctx context.Context, attrs gateway.UserAttributes) error {
	g.mu.Lock()
	if err := g.enterLocked(OpUpdateUser); err != nil {
		g.mu.Unlock()
		return err
	}
	acc, err := g.callerLocked(ctx)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if attrs.Password != "" {
		if len(attrs.Password) < 6 {
			g.mu.Unlock()
			return &gateway.Error{Status: 422, Code: model.ErrCodeWeakPassword, Message: "Password should be at least 6 characters."}
		}
		acc.password = attrs.Password
	}
	if attrs.Email != "" {
		delete(g.byEmail, strings.ToLower(acc.user.Email))
		acc.user.Email = attrs.Email
		g.byEmail[strings.ToLower(attrs.Email)] = acc.user.ID
	}
	s := g.session
	g.mu.Unlock()

	g.dispatcher.Emit(gateway.EventUserUpdated, s)
	return nil
}

// SelectSingle はprofilesテーブルから1行を取得する。
func (g *Gateway) SelectSingle(ctx context.Context, table string, filters []gateway.Filter, dest any) error {
	g.mu.Lock()
	if err := g.enterLocked(OpSelectSingle); err != nil {
		g.mu.Unlock()
		return err
	}
	if table != gateway.TableProfiles {
		g.mu.Unlock()
		return unknownTable(table)
	}
	var hold chan struct{}
	for _, f := range filters {
		if f.Column == "id" && f.Op == gateway.OpEq {
			hold = g.profileHold[f.Value]
		}
	}
	g.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return gateway.NetworkError(ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	rows := g.matchLocked(filters)
	if len(rows) != 1 {
		return &gateway.Error{Status: 406, Code: gateway.CodeRowNotFound, Message: "JSON object requested, multiple (or no) rows returned"}
	}
	return decode(rows[0], dest)
}

// Update はprofilesテーブルの行を更新する。
func (g *Gateway) Update(ctx context.Context, table string, filters []gateway.Filter, patch map[string]any, dest any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enterLocked(OpUpdate); err != nil {
		return err
	}
	if table != gateway.TableProfiles {
		return unknownTable(table)
	}
	rows := g.matchLocked(filters)
	if len(rows) != 1 {
		return &gateway.Error{Status: 406, Code: gateway.CodeRowNotFound, Message: "JSON object requested, multiple (or no) rows returned"}
	}

	current := map[string]any{}
	if err := decode(rows[0], &current); err != nil {
		return err
	}
	for k, v := range patch {
		if k != "updated_at" && !model.ProfileColumns[k] {
			return &gateway.Error{Status: 400, Code: model.ErrCodeUnknownColumn, Message: fmt.Sprintf("Could not find the '%s' column", k)}
		}
		current[k] = v
	}
	var updated model.Profile
	if err := decode(current, &updated); err != nil {
		return err
	}
	updated.UpdatedAt = g.now()
	g.profiles[updated.ID] = &updated
	return decode(&updated, dest)
}

// Select はprofilesテーブルの行を取得する。
func (g *Gateway) Select(ctx context.Context, table string, q gateway.Query, dest any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enterLocked(OpSelect); err != nil {
		return err
	}
	if table != gateway.TableProfiles {
		return unknownTable(table)
	}
	caller, err := g.callerLocked(ctx)
	if err != nil {
		return err
	}
	filters := q.Filters
	if !g.profiles[caller.user.ID].IsAdmin() {
		filters = append(slices.Clone(filters), gateway.Eq("id", caller.user.ID))
	}
	rows := g.matchLocked(filters)
	if q.Order != nil && q.Order.Column == "created_at" {
		sort.SliceStable(rows, func(i, j int) bool {
			if q.Order.Desc {
				return rows[i].CreatedAt.After(rows[j].CreatedAt)
			}
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		})
	}
	return decode(rows, dest)
}

// RPC はadmin_delete_userとlog_user_activityを実行する。
func (g *Gateway) RPC(ctx context.Context, name string, args any, dest any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enterLocked(OpRPC); err != nil {
		return err
	}

	params := map[string]any{}
	if err := decode(args, &params); err != nil {
		return err
	}
	token, _ := gateway.AccessTokenFromContext(ctx)
	g.rpcCalls = append(g.rpcCalls, RPCCall{Name: name, Args: params, AccessToken: token})

	switch name {
	case gateway.RPCAdminDeleteUser:
		target, _ := params["target_user_id"].(string)
		caller, err := g.callerLocked(ctx)
		if err != nil {
			return err
		}
		if caller.user.ID != target && !g.profiles[caller.user.ID].IsAdmin() {
			return &gateway.Error{Status: 403, Code: model.ErrCodeForbidden, Message: "permission denied"}
		}
		if err, ok := g.deleteErrs[target]; ok {
			return err
		}
		if _, ok := g.accounts[target]; !ok {
			return &gateway.Error{Status: 404, Code: model.ErrCodeUserNotFound, Message: "User not found"}
		}
		g.deleteAccountLocked(target)
		return nil

	case gateway.RPCLogUserActivity:
		action := model.ActionCode(fmt.Sprint(params["action"]))
		if !action.Valid() {
			return &gateway.Error{Status: 400, Code: model.ErrCodeInvalidAction, Message: "invalid action: " + string(action)}
		}
		details, _ := params["details"].(map[string]any)
		userID := ""
		if g.session != nil {
			userID = g.session.UserID()
		}
		if token != "" {
			userID = strings.TrimPrefix(token, "access-")
		}
		if _, ok := g.accounts[userID]; !ok {
			userID = ""
		}
		g.logs = append(g.logs, model.ActivityLogEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Action:    action,
			Details:   details,
			CreatedAt: g.now(),
		})
		return nil
	}

	return &gateway.Error{Status: 404, Code: model.ErrCodeUnknownRPC, Message: "Could not find the function " + name}
}

// --- 内部処理 ---

func (g *Gateway) enterLocked(op Op) error {
	g.calls[op]++
	return g.errs[op]
}

func (g *Gateway) callerLocked(ctx context.Context) (*account, error) {
	id := ""
	if token, ok := gateway.AccessTokenFromContext(ctx); ok {
		id = strings.TrimPrefix(token, "access-")
	} else if g.session != nil {
		id = g.session.UserID()
	}
	acc, ok := g.accounts[id]
	if !ok {
		return nil, gateway.ErrNoSession
	}
	return acc, nil
}

func (g *Gateway) createAccountLocked(email, password string, metadata map[string]any) gateway.User {
	if metadata == nil {
		metadata = map[string]any{}
	}
	u := gateway.User{
		ID:           uuid.NewString(),
		Email:        email,
		UserMetadata: metadata,
		CreatedAt:    g.now(),
	}
	g.accounts[u.ID] = &account{user: u, password: password}
	g.byEmail[strings.ToLower(email)] = u.ID
	return u
}

func (g *Gateway) createProfileLocked(u gateway.User) {
	role := model.RoleUser
	if r, ok := u.UserMetadata["role"].(string); ok && model.Role(r).Valid() {
		role = model.Role(r)
	}
	fullName, _ := u.UserMetadata["full_name"].(string)
	username, _ := u.UserMetadata["username"].(string)
	// 同一時刻の作成でも並び順が決まるよう、作成順に1nsずつずらす
	created := g.now().Add(time.Duration(len(g.profiles)) * time.Nanosecond)
	g.profiles[u.ID] = &model.Profile{
		ID:              u.ID,
		FullName:        fullName,
		Username:        username,
		Role:            role,
		Email:           u.Email,
		Preferences:     map[string]any{},
		PrivacySettings: map[string]any{},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func (g *Gateway) deleteAccountLocked(id string) {
	if acc, ok := g.accounts[id]; ok {
		delete(g.byEmail, strings.ToLower(acc.user.Email))
	}
	delete(g.accounts, id)
	delete(g.profiles, id)
	for i := range g.logs {
		if g.logs[i].UserID == id {
			g.logs[i].UserID = ""
		}
	}
}

func (g *Gateway) newSessionLocked(acc *account) *gateway.Session {
	u := acc.user
	return &gateway.Session{
		AccessToken:  "access-" + u.ID,
		RefreshToken: uuid.NewString(),
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    g.now().Add(time.Hour),
		User:         &u,
	}
}

func (g *Gateway) matchLocked(filters []gateway.Filter) []*model.Profile {
	var rows []*model.Profile
	for _, id := range slices.Sorted(maps.Keys(g.profiles)) {
		p := g.profiles[id]
		if matches(p, filters) {
			rows = append(rows, p)
		}
	}
	return rows
}

func matches(p *model.Profile, filters []gateway.Filter) bool {
	for _, f := range filters {
		var v string
		switch f.Column {
		case "id":
			v = p.ID
		case "email":
			v = p.Email
		case "role":
			v = string(p.Role)
		case "username":
			v = p.Username
		default:
			return false
		}
		if (f.Op == gateway.OpEq) != (v == f.Value) {
			return false
		}
	}
	return true
}

func unknownTable(table string) error {
	return &gateway.Error{Status: 404, Code: model.ErrCodeUnknownTable, Message: "relation \"" + table + "\" does not exist"}
}

// decode はJSONを経由してsrcをdestに写す。実際の通信と同じ型変換を再現する。
func decode(src, dest any) error {
	if dest == nil {
		return nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("fake: marshal: %w", err)
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("fake: unmarshal: %w", err)
	}
	return nil
}

var _ gateway.Gateway = (*Gateway)(nil)
