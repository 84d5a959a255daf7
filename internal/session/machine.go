// Package session はセッションステートマシンを提供する。
//
// 端末に紐付いた認証済みセッションと、そこから導出されるProfileを保持し、
// 認証ゲートウェイへの呼び出しをすべて仲介する。
// 状態遷移は uninitialized → loading → {authenticated, anonymous} と
// authenticated → loading → {authenticated, anonymous} の2系統。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/pantrypilot/internal/config"
	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/metrics"
	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/repository"
)

const machineName = "session"

// Status はセッションの状態。
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusLoading       Status = "loading"
	StatusAuthenticated Status = "authenticated"
	StatusAnonymous     Status = "anonymous"
)

// UIに表示するメッセージ
const (
	offlineCachedMessage = "No internet – using cached session"
	offlineMessage       = "No internet connection"
	establishFailed      = "Failed to establish session"
)

var (
	// ErrNoSession はアクティブなセッションがない状態でセッション必須の操作を呼んだ場合に返される。
	ErrNoSession = errors.New("no active session")
	// ErrOAuthCancelled はユーザーがOAuthフローをキャンセルした場合に返される。
	// 状態にはエラーを設定しない。
	ErrOAuthCancelled = errors.New("oauth flow cancelled")
	// ErrSuperseded は後続の操作に追い越されて結果が破棄された場合に返される。
	ErrSuperseded = errors.New("operation superseded by a newer one")
)

// Gateway は認証ゲートウェイの契約。*supabase.Clientが実装する。
type Gateway interface {
	SignUp(ctx context.Context, email, password string) (*supabase.AuthResponse, error)
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.AuthResponse, error)
	RefreshSession(ctx context.Context, refreshToken string) (*supabase.AuthResponse, error)
	ExchangeCodeForSession(ctx context.Context, code, verifier string) (*supabase.AuthResponse, error)
	GetUser(ctx context.Context, accessToken string) (*supabase.User, error)
	SignOut(ctx context.Context, accessToken string) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	AuthorizeURL(provider, redirectTo, codeChallenge string) string
}

// Store は端末ローカルのセッション保存領域。*localstore.Storeが実装する。
type Store interface {
	SaveSession(ctx context.Context, session *model.Session) error
	LoadSession(ctx context.Context) (*model.Session, error)
	SaveProfile(ctx context.Context, profile *model.Profile) error
	LoadProfile(ctx context.Context) (*model.Profile, error)
	ClearAuth(ctx context.Context) error
	SavePKCEVerifier(ctx context.Context, verifier string) error
	TakePKCEVerifier(ctx context.Context) (string, error)
}

// Config はセッションステートマシンの設定。
type Config struct {
	ProfileStrategy     config.ProfileStrategy
	ProfileWaitAttempts int
	ProfileWaitInterval time.Duration
	// OAuthRedirectURL は認可完了後にゲートウェイが戻るURL。
	OAuthRedirectURL string
	// PasswordResetURL はパスワード再設定メール内リンクの戻り先。空の場合はゲートウェイの既定値。
	PasswordResetURL string
	Logger           *slog.Logger
}

// Snapshot はUIや他のステートマシンに渡す読み取り専用のコピー。
type Snapshot struct {
	Status              Status         `json:"status"`
	Session             *model.Session `json:"session"`
	Profile             *model.Profile `json:"profile"`
	Loading             bool           `json:"loading"`
	Error               string         `json:"error,omitempty"`
	ErrorCode           string         `json:"error_code,omitempty"`
	ErrorField          string         `json:"error_field,omitempty"`
	ConfirmationPending bool           `json:"confirmation_pending"`
	Online              bool           `json:"online"`
}

// Authenticated はセッションが存在するかを返す。
func (s Snapshot) Authenticated() bool {
	return s.Session != nil
}

// UserID はセッションのユーザーIDを返す。未認証の場合は空。
func (s Snapshot) UserID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.User.ID
}

type state struct {
	status              Status
	session             *model.Session
	profile             *model.Profile
	loading             bool
	err                 *model.APIError
	confirmationPending bool
	online              bool
}

// ticket は1回の操作の世代番号。
type ticket struct {
	gen   uint64
	op    string
	start time.Time
}

// Machine はセッションステートマシン。並行呼び出しに対して安全。
// 後から開始した操作が先行操作の結果を上書きし、古い結果は破棄される。
type Machine struct {
	gateway  Gateway
	profiles repository.ProfileRepository
	store    Store
	metrics  metrics.MetricsCollector
	cfg      Config
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	gen       uint64
	st        state
	settled   Status
	listeners map[int]func(Snapshot)
	nextID    int
}

// New はMachineを生成する。collectorがnilの場合はメトリクスを記録しない。
func New(gateway Gateway, profiles repository.ProfileRepository, store Store, collector metrics.MetricsCollector, cfg Config) *Machine {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if cfg.ProfileStrategy == "" {
		cfg.ProfileStrategy = config.ProfileStrategyWait
	}
	if cfg.ProfileWaitAttempts <= 0 {
		cfg.ProfileWaitAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		gateway:   gateway,
		profiles:  profiles,
		store:     store,
		metrics:   collector,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		st:        state{status: StatusUninitialized, online: true},
		settled:   StatusUninitialized,
		listeners: make(map[int]func(Snapshot)),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot は現在の状態のコピーを返す。
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:              m.st.status,
		Loading:             m.st.loading,
		ConfirmationPending: m.st.confirmationPending,
		Online:              m.st.online,
	}
	if m.st.session != nil {
		s := *m.st.session
		snap.Session = &s
	}
	if m.st.profile != nil {
		p := *m.st.profile
		snap.Profile = &p
	}
	if m.st.err != nil {
		snap.Error = m.st.err.Message
		snap.ErrorCode = m.st.err.Code
		snap.ErrorField = m.st.err.Field
	}
	return snap
}

// Subscribe は状態変化の通知先を登録し、登録解除関数を返す。
// fnはロック外で同期的に呼ばれる。
func (m *Machine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// begin は新しい世代の操作を開始する。
// transitionがtrueの場合は状態をloadingにする。mutateは開始時点で適用する変更。
func (m *Machine) begin(op string, transition bool, mutate func(st *state)) ticket {
	m.mu.Lock()
	m.gen++
	t := ticket{gen: m.gen, op: op, start: m.now()}
	m.st.loading = true
	m.st.err = nil
	if transition {
		m.st.status = StatusLoading
	}
	if mutate != nil {
		mutate(&m.st)
	}
	m.mu.Unlock()

	m.logger.Debug("session operation started", slog.String("op", op))
	m.notify()
	return t
}

// commit は操作の結果を適用する。tより新しい操作が開始されていた場合は破棄してfalseを返す。
// applyが状態を決めなかった場合は開始前の状態に戻す。
func (m *Machine) commit(t ticket, opErr error, apply func(st *state)) bool {
	m.metrics.RecordOperation(machineName, t.op, opErr, m.now().Sub(t.start))

	m.mu.Lock()
	if t.gen != m.gen {
		m.mu.Unlock()
		m.metrics.RecordStaleResult(machineName, t.op)
		m.logger.Info("stale session result discarded", slog.String("op", t.op))
		return false
	}
	if apply != nil {
		apply(&m.st)
	}
	m.st.loading = false
	if m.st.status == StatusLoading {
		m.st.status = m.settled
	}
	m.settled = m.st.status
	status := m.st.status
	m.mu.Unlock()

	m.logger.Info("session operation finished",
		slog.String("op", t.op),
		slog.String("status", string(status)),
		slog.Bool("failed", opErr != nil),
	)
	m.notify()
	return true
}

// setError はネットワーク呼び出しを伴わない失敗（入力検証など）を状態に反映する。
func (m *Machine) setError(err *model.APIError) {
	m.mu.Lock()
	m.st.err = err
	m.mu.Unlock()
	m.notify()
}

// ClearError は表示中のエラーを消す。
func (m *Machine) ClearError() {
	m.mu.Lock()
	m.st.err = nil
	m.mu.Unlock()
	m.notify()
}

// SetOnline はネットワーク到達性を更新する。
// オンラインに戻った場合、オフライン起因のエラー表示は消す。
func (m *Machine) SetOnline(online bool) {
	m.mu.Lock()
	m.st.online = online
	if online && m.st.err != nil && m.st.err.Code == model.ErrCodeOffline {
		m.st.err = nil
	}
	m.mu.Unlock()
	m.logger.Info("online status changed", slog.Bool("online", online))
	m.notify()
}

// currentSession はセッションのコピーを返す。
func (m *Machine) currentSession() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.session == nil {
		return nil
	}
	s := *m.st.session
	return &s
}

// toAPIError はゲートウェイのエラーをUI向けのエラーに変換する。
// ゲートウェイのメッセージはそのまま保持する。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if supabase.IsUnreachable(err) {
		return model.NewOfflineError(offlineMessage)
	}
	var gwErr *supabase.Error
	if errors.As(err, &gwErr) {
		return model.NewAuthError(gwErr.Message)
	}
	return model.NewAuthError(err.Error())
}
