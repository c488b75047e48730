// Package session は現在のユーザーとプロフィールを保持する認証状態マネージャーを提供する。
//
// 認証状態はSignIn/SignOutの結果を即座に反映し、それ以外の遷移は基盤の認証イベント購読に従う。
// プロフィール取得と監査ログ記録はバックグラウンドで行う。
// 各操作は失敗をerrorとして返し、同じ文言をLastErrorにも反映する。
package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/unitconv/internal/activity"
	"github.com/hitoshi/unitconv/internal/gateway"
	"github.com/hitoshi/unitconv/internal/model"
)

const defaultMaxConcurrency = 8

// State は購読者に公開する状態のスナップショット。
type State struct {
	User    *gateway.User
	Profile *model.Profile
	Loading bool
	// Err は直近のエラー文言。エラーがない場合は空文字。
	Err string
}

// SignUpAttributes はユーザー登録時の任意属性。
type SignUpAttributes struct {
	FullName string
	Username string
}

// Manager は認証状態マネージャー。
// 状態の書き込みはManagerの操作とイベント処理のみが行い、読み取りは任意のgoroutineから可能。
type Manager struct {
	gw       gateway.Gateway
	recorder *activity.Recorder
	logger   *slog.Logger
	now      func() time.Time

	maxConcurrency int
	ownsRecorder   bool

	mu      sync.RWMutex
	session *gateway.Session
	profile *model.Profile
	loading bool
	lastErr string
	// gen はセッション遷移ごとに増加し、古いプロフィール取得結果の適用を防ぐ。
	gen uint64
	// pendingSignOuts は発行済みでSIGNED_OUTがまだ届いていないログアウトの数。
	// 0より大きい間はSIGNED_OUT以外のイベントを無視する。
	pendingSignOuts int
	// staleSignOuts はSignIn前のログアウトに対応し、まだ届いていないSIGNED_OUTの数。
	staleSignOuts int
	closed        bool

	notifyMu  sync.Mutex
	listeners map[int]func(State)
	nextID    int

	authSub   gateway.Subscription
	ready     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option はManagerの設定を変更する。
type Option func(*Manager)

// WithRecorder は監査ログのRecorderを指定する。指定したRecorderのCloseは呼び出し側の責任。
func WithRecorder(r *activity.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger はロガーを指定する。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxConcurrency は一括削除の同時実行数を指定する。
func WithMaxConcurrency(n int) Option {
	return func(m *Manager) { m.maxConcurrency = n }
}

// WithClock は時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New はManagerを生成する。
// 認証イベントの購読を同期的に登録し、初回のセッション確認をバックグラウンドで開始する。
func New(gw gateway.Gateway, opts ...Option) *Manager {
	m := &Manager{
		gw:             gw,
		logger:         slog.Default(),
		now:            time.Now,
		maxConcurrency: defaultMaxConcurrency,
		loading:        true,
		listeners:      make(map[int]func(State)),
		ready:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.maxConcurrency <= 0 {
		m.maxConcurrency = defaultMaxConcurrency
	}
	if m.recorder == nil {
		m.recorder = activity.New(activity.NewGatewaySink(gw), activity.WithLogger(m.logger))
		m.ownsRecorder = true
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.authSub = gw.OnAuthStateChange(m.handleAuthEvent)

	m.wg.Add(1)
	go m.bootstrap()

	return m
}

// Ready は初回のセッション確認が完了するとクローズされるチャネルを返す。
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Close は認証イベントの購読を解除し、バックグラウンド処理の終了を待つ。複数回呼んでも安全。
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.authSub.Unsubscribe()

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()

		if m.ownsRecorder {
			m.recorder.Close()
		}
	})
	return nil
}

// --- 状態の参照 ---

// Snapshot は現在の状態を返す。
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	st := State{Loading: m.loading, Err: m.lastErr}
	if m.session != nil {
		st.User = m.session.User
	}
	if m.profile != nil {
		p := *m.profile
		st.Profile = &p
	}
	return st
}

// CurrentUser は現在のユーザーを返す。未ログインの場合はnil。
func (m *Manager) CurrentUser() *gateway.User {
	return m.Snapshot().User
}

// CurrentProfile は現在のプロフィールを返す。未取得の場合はnil。
func (m *Manager) CurrentProfile() *model.Profile {
	return m.Snapshot().Profile
}

// IsLoading は処理中かどうかを返す。
func (m *Manager) IsLoading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

// LastError は直近のエラー文言を返す。
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// IsAdmin は現在のプロフィールが管理者ロールかどうかを返す。プロフィールがなければfalse。
func (m *Manager) IsAdmin() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile.IsAdmin()
}

// Subscribe は状態変更のリスナーを登録し、解除関数を返す。
// リスナーは状態を変更したgoroutineから同期的に呼ばれるため、Managerの操作を呼んではならない。
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.notifyMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.notifyMu.Unlock()

	return func() {
		m.notifyMu.Lock()
		delete(m.listeners, id)
		m.notifyMu.Unlock()
	}
}

// WaitFor は条件を満たす状態になるまで待つ。
func (m *Manager) WaitFor(ctx context.Context, cond func(State) bool) (State, error) {
	ch := make(chan State, 1)
	unsubscribe := m.Subscribe(func(st State) {
		if cond(st) {
			select {
			case ch <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	if st := m.Snapshot(); cond(st) {
		return st, nil
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
}

// mutate はロック内でfnを実行し、変更があればリスナーに通知する。
func (m *Manager) mutate(fn func() bool) {
	m.mu.Lock()
	changed := fn()
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	st := m.Snapshot()
	for _, id := range slices.Sorted(maps.Keys(m.listeners)) {
		m.listeners[id](st)
	}
}

func (m *Manager) currentSession() *gateway.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// --- 認証状態の遷移 ---

func (m *Manager) bootstrap() {
	defer m.wg.Done()
	defer close(m.ready)

	m.mu.RLock()
	startGen := m.gen
	m.mu.RUnlock()

	s, err := m.gw.GetSession(m.ctx)

	var fetchGen uint64
	m.mutate(func() bool {
		// 初回確認の間に認証イベントが届いていれば、そちらが新しい
		if m.gen != startGen {
			return false
		}
		switch {
		case err != nil:
			m.lastErr = gateway.Message(err)
			m.loading = false
		case s == nil:
			m.session = nil
			m.loading = false
		default:
			m.gen++
			m.session = s
			fetchGen = m.gen
		}
		return true
	})

	if err != nil {
		m.logger.Error("failed to get session", slog.String("error", err.Error()))
	}
	if fetchGen != 0 {
		m.spawnProfileFetch(fetchGen, s.UserID())
	}
}

// handleAuthEvent は認証イベントを処理する。配送goroutineをブロックしないよう即座に戻る。
func (m *Manager) handleAuthEvent(event gateway.AuthEvent, s *gateway.Session) {
	var (
		fetchGen uint64
		ignored  bool
	)
	m.mutate(func() bool {
		switch {
		case event == gateway.EventSignedOut && m.staleSignOuts > 0:
			// その後のSignInで上書き済み
			m.staleSignOuts--
			ignored = true
			return false
		case event == gateway.EventSignedOut && m.pendingSignOuts > 0:
			m.pendingSignOuts--
		case m.pendingSignOuts > 0:
			// ログアウト前に発行されたイベント
			ignored = true
			return false
		}
		if s != nil && s == m.session {
			// SignInで反映済み
			return false
		}
		m.gen++
		m.lastErr = ""
		if s == nil {
			m.session = nil
			m.profile = nil
			m.loading = false
			return true
		}
		fetchGen = m.applySessionLocked(s)
		return true
	})

	if ignored {
		m.logger.Debug("ignored superseded auth event", slog.String("event", string(event)))
		return
	}
	m.logger.Debug("auth state changed",
		slog.String("event", string(event)),
		slog.String("user_id", s.UserID()),
	)

	if fetchGen != 0 {
		m.spawnProfileFetch(fetchGen, s.UserID())
	}
}

// applySessionLocked はセッションを設定し、プロフィール取得に使う世代を返す。m.muを保持して呼ぶ。
func (m *Manager) applySessionLocked(s *gateway.Session) uint64 {
	if m.session.UserID() != s.UserID() {
		m.profile = nil
	}
	m.session = s
	return m.gen
}

func (m *Manager) spawnProfileFetch(gen uint64, userID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.fetchProfile(gen, userID)
	}()
}

// fetchProfile はプロフィールを取得し、取得開始時と同じセッションが有効な場合のみ反映する。
func (m *Manager) fetchProfile(gen uint64, userID string) {
	var p model.Profile
	err := m.gw.SelectSingle(m.ctx, gateway.TableProfiles, []gateway.Filter{gateway.Eq("id", userID)}, &p)
	if m.ctx.Err() != nil {
		return
	}

	stale := false
	m.mutate(func() bool {
		if m.gen != gen || m.session.UserID() != userID {
			stale = true
			return false
		}
		switch {
		case err == nil:
			m.profile = &p
		case gateway.IsNotFound(err):
			// トリガーによる作成待ちの可能性があるため、エラーにしない
			m.profile = nil
		default:
			m.lastErr = ErrFetchProfile.Error()
		}
		m.loading = false
		return true
	})

	if stale {
		m.logger.Debug("discarded stale profile fetch", slog.String("user_id", userID))
		return
	}
	if err != nil && !gateway.IsNotFound(err) {
		m.logger.Error("failed to fetch profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// --- 操作 ---

func (m *Manager) begin(withLoading bool) {
	m.mutate(func() bool {
		m.lastErr = ""
		if withLoading {
			m.loading = true
		}
		return true
	})
}

func (m *Manager) endLoading() {
	m.mutate(func() bool {
		m.loading = false
		return true
	})
}

func (m *Manager) fail(err error) error {
	m.mutate(func() bool {
		m.lastErr = err.Error()
		return true
	})
	return err
}

// record は監査ログを非同期に記録する。
// セッションのアクセストークンを固定するため、直後にログアウトしても同じユーザーとして送信される。
func (m *Manager) record(s *gateway.Session, action model.ActionCode, details map[string]any) {
	ctx := context.Background()
	if s != nil {
		ctx = gateway.ContextWithAccessToken(ctx, s.AccessToken)
	}
	m.recorder.Record(ctx, model.ActivityLogEntry{
		UserID:  s.UserID(),
		Action:  action,
		Details: details,
	})
}

// SignUp はユーザーを登録する。roleは常にuserで登録する。
// プロフィールは基盤側で非同期に作成される。
func (m *Manager) SignUp(ctx context.Context, email, password string, attrs SignUpAttributes) (*gateway.User, error) {
	m.begin(true)
	defer m.endLoading()

	if email == "" || password == "" {
		return nil, m.fail(ErrMissingInput)
	}

	u, err := m.gw.SignUp(ctx, gateway.SignUpParams{
		Email:    email,
		Password: password,
		Metadata: map[string]any{
			"full_name": attrs.FullName,
			"username":  attrs.Username,
			"role":      string(model.RoleUser),
		},
	})
	if err != nil {
		return nil, m.fail(err)
	}

	m.logger.Info("user signed up", slog.String("user_id", u.ID))
	return u, nil
}

// SignIn はメールアドレスとパスワードでログインする。
// 成功時は戻る前に現在のユーザーへ反映し、プロフィール取得をバックグラウンドで開始する。
func (m *Manager) SignIn(ctx context.Context, email, password string) (*gateway.User, error) {
	m.begin(true)
	defer m.endLoading()

	s, err := m.gw.SignInWithPassword(ctx, email, password)
	if err != nil {
		if gateway.IsNetwork(err) {
			m.logger.Error("authentication service unreachable", slog.String("error", err.Error()))
			err = wrap(ErrCannotConnect, err)
		}
		return nil, m.fail(err)
	}

	var fetchGen uint64
	m.mutate(func() bool {
		if s == m.session {
			// 認証イベントで反映済み
			return false
		}
		m.staleSignOuts += m.pendingSignOuts
		m.pendingSignOuts = 0
		m.gen++
		m.lastErr = ""
		fetchGen = m.applySessionLocked(s)
		return true
	})
	if fetchGen != 0 {
		m.spawnProfileFetch(fetchGen, s.UserID())
	}

	m.record(s, model.ActionLogin, nil)
	return s.User, nil
}

// SignOut はログアウトする。ローカルの状態に関わらず基盤のログアウトを呼ぶ。
// LOGOUTの監査ログはローカルにユーザーがいる場合のみ記録する。
// 成功時は認証イベントを待たずにローカルの状態をクリアする。
func (m *Manager) SignOut(ctx context.Context) error {
	s := m.currentSession()
	m.begin(false)

	// ログアウト前に記録し、有効なユーザーIDで送信されるようにする
	if s != nil {
		m.record(s, model.ActionLogout, nil)
	}

	m.mu.Lock()
	m.pendingSignOuts++
	m.mu.Unlock()

	if err := m.gw.SignOut(ctx); err != nil {
		m.mu.Lock()
		if m.pendingSignOuts > 0 {
			m.pendingSignOuts--
		}
		m.mu.Unlock()
		return m.fail(err)
	}

	m.mutate(func() bool {
		m.gen++
		m.session = nil
		m.profile = nil
		m.loading = false
		return true
	})
	return nil
}

// UpdateProfile は現在のユーザーのプロフィールを更新する。
// updatesのキーはprofilesテーブルのカラム名。
func (m *Manager) UpdateProfile(ctx context.Context, updates map[string]any) (*model.Profile, error) {
	s := m.currentSession()
	if s == nil {
		return nil, m.fail(ErrNoUser)
	}
	m.begin(false)

	patch := maps.Clone(updates)
	if patch == nil {
		patch = map[string]any{}
	}
	patch["updated_at"] = m.now().UTC()

	var p model.Profile
	if err := m.gw.Update(ctx, gateway.TableProfiles, []gateway.Filter{gateway.Eq("id", s.UserID())}, patch, &p); err != nil {
		return nil, m.fail(err)
	}

	m.mutate(func() bool {
		if m.session.UserID() != s.UserID() {
			return false
		}
		// 実行中のプロフィール取得が古い内容で上書きしないようにする
		m.gen++
		m.profile = &p
		return true
	})

	m.record(s, model.ActionProfileUpdate, map[string]any{
		"fields": slices.Sorted(maps.Keys(updates)),
	})

	out := p
	return &out, nil
}

// ChangePassword は現在のユーザーのパスワードを変更する。
func (m *Manager) ChangePassword(ctx context.Context, newPassword string) error {
	m.begin(false)

	if err := m.gw.UpdateUser(ctx, gateway.UserAttributes{Password: newPassword}); err != nil {
		return m.fail(err)
	}

	m.record(m.currentSession(), model.ActionPasswordChange, nil)
	return nil
}

// DeleteAccount は現在のユーザーを削除してログアウトする。
// 削除に失敗した場合はログアウトしない。
func (m *Manager) DeleteAccount(ctx context.Context) error {
	s := m.currentSession()
	if s == nil {
		return m.fail(ErrNoUser)
	}
	m.begin(false)

	// 削除後はユーザーを特定できなくなるため、削除前に記録する
	m.record(s, model.ActionAccountDeletionRequest, nil)

	if err := m.deleteUser(ctx, s.UserID()); err != nil {
		return m.fail(err)
	}

	m.logger.Info("account deleted", slog.String("user_id", s.UserID()))
	return m.SignOut(ctx)
}

// GetAllUsers は全プロフィールを作成日時の降順で返す。
// 権限チェックは基盤側で行う。
func (m *Manager) GetAllUsers(ctx context.Context) ([]model.Profile, error) {
	m.begin(false)

	profiles, err := m.listProfiles(ctx, nil)
	if err != nil {
		m.logger.Error("failed to fetch users", slog.String("error", err.Error()))
		return nil, m.fail(wrap(ErrFetchUsers, err))
	}
	return profiles, nil
}

// DeleteUser は指定ユーザーを削除する。権限チェックは基盤側で行う。
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	m.begin(false)

	if err := m.deleteUser(ctx, userID); err != nil {
		return m.fail(err)
	}
	return nil
}

// DeleteAllUsers は自分以外の全ユーザーを並行して削除し、削除できた件数を返す。
// 一部が失敗しても残りの削除は継続し、失敗があれば*PartialDeleteErrorを返す。
// 成功した削除は取り消されない。
func (m *Manager) DeleteAllUsers(ctx context.Context) (int, error) {
	s := m.currentSession()
	if s == nil {
		return 0, m.fail(ErrNoUser)
	}
	m.begin(false)

	targets, err := m.listProfiles(ctx, []gateway.Filter{gateway.Neq("id", s.UserID())})
	if err != nil {
		m.logger.Error("failed to fetch users", slog.String("error", err.Error()))
		return 0, m.fail(wrap(ErrFetchUsers, err))
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(m.maxConcurrency)
	for i, p := range targets {
		g.Go(func() error {
			errs[i] = m.deleteUser(ctx, p.ID)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			m.logger.Error("failed to delete user",
				slog.String("user_id", targets[i].ID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, err)
		}
	}
	deleted := len(targets) - len(failed)

	if len(failed) > 0 {
		return deleted, m.fail(&PartialDeleteError{Failed: len(failed), Total: len(targets), Errs: failed})
	}

	m.record(s, model.ActionAdminDeleteAllUsers, map[string]any{"count": deleted})
	return deleted, nil
}

func (m *Manager) listProfiles(ctx context.Context, filters []gateway.Filter) ([]model.Profile, error) {
	var profiles []model.Profile
	err := m.gw.Select(ctx, gateway.TableProfiles, gateway.Query{
		Filters: filters,
		Order:   &gateway.Order{Column: "created_at", Desc: true},
	}, &profiles)
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

func (m *Manager) deleteUser(ctx context.Context, userID string) error {
	return m.gw.RPC(ctx, gateway.RPCAdminDeleteUser, map[string]any{"target_user_id": userID}, nil)
}
