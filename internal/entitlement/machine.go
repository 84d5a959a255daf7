// Package entitlement はエンタイトルメントステートマシンを提供する。
// 購入台帳への呼び出しをすべて仲介し、isPlus/isProのフラグを保持する。
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pantrypilot/internal/gateway/revenuecat"
	"github.com/hitoshi/pantrypilot/internal/localstore"
	"github.com/hitoshi/pantrypilot/internal/metrics"
	"github.com/hitoshi/pantrypilot/internal/model"
)

const machineName = "entitlement"

// anonymousPrefix は未ログイン端末に割り当てる購入台帳上のユーザーIDの接頭辞。
const anonymousPrefix = "$RCAnonymousID:"

// ErrSuperseded は後続の操作に追い越されて結果が破棄された場合に返される。
var ErrSuperseded = errors.New("operation superseded by a newer one")

// Gateway は購入台帳の契約。*revenuecat.Clientが実装する。
type Gateway interface {
	GetEntitlements(ctx context.Context, appUserID string) (model.EntitlementSet, error)
	PostReceipt(ctx context.Context, r revenuecat.Receipt) (model.EntitlementSet, error)
	FindPackage(ctx context.Context, appUserID, keyword string) (*revenuecat.Package, error)
}

// Store はエンタイトルメントのキャッシュとレシートの保存先。*localstore.Storeが実装する。
type Store interface {
	SaveEntitlements(ctx context.Context, c localstore.CachedEntitlements) error
	LoadEntitlements(ctx context.Context) (*localstore.CachedEntitlements, error)
	SaveReceipt(ctx context.Context, r localstore.StoredReceipt) error
	ListReceipts(ctx context.Context, appUserID string) ([]localstore.StoredReceipt, error)
}

// Snapshot はUIや機能制限の判定に渡す読み取り専用のコピー。
type Snapshot struct {
	AppUserID    string           `json:"app_user_id"`
	Entitlements []string         `json:"entitlements"`
	IsPlus       bool             `json:"is_plus"`
	IsPro        bool             `json:"is_pro"`
	Limits       model.TierLimits `json:"limits"`
	Loading      bool             `json:"loading"`
	// Stale はキャッシュから復元した値で、まだ再取得していないことを表す。
	Stale     bool       `json:"stale"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Flags はスナップショットの権限フラグを返す。
func (s Snapshot) Flags() model.EntitlementFlags {
	return model.EntitlementFlags{IsPlus: s.IsPlus, IsPro: s.IsPro}
}

// Machine はエンタイトルメントステートマシン。並行呼び出しに対して安全。
type Machine struct {
	gateway Gateway
	store   Store
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	gen       uint64
	appUserID string
	set       model.EntitlementSet
	loading   bool
	stale     bool
	fetchedAt time.Time
	err       *model.APIError
	listeners map[int]func(Snapshot)
	nextID    int
}

// New はMachineを生成する。Loadを呼ぶまでは匿名IDと空の集合を持つ。
func New(gateway Gateway, store Store, collector metrics.MetricsCollector, logger *slog.Logger) *Machine {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		gateway:   gateway,
		store:     store,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
		appUserID: newAnonymousID(),
		set:       model.EntitlementSet{},
		listeners: make(map[int]func(Snapshot)),
	}
}

func newAnonymousID() string {
	return anonymousPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsAnonymousID は購入台帳上の匿名IDかを返す。
func IsAnonymousID(id string) bool {
	return strings.HasPrefix(id, anonymousPrefix)
}

// Load は端末に保存したキャッシュを復元する。復元した値は次の取得まで古いものとして扱う。
func (m *Machine) Load(ctx context.Context) error {
	cached, err := m.store.LoadEntitlements(ctx)
	if err != nil {
		return fmt.Errorf("load cached entitlements: %w", err)
	}
	if cached == nil {
		return nil
	}

	m.mu.Lock()
	if cached.AppUserID != "" {
		m.appUserID = cached.AppUserID
	}
	m.set = cached.Set
	if m.set == nil {
		m.set = model.EntitlementSet{}
	}
	m.fetchedAt = cached.FetchedAt
	m.stale = true
	m.mu.Unlock()

	m.logger.Info("cached entitlements restored",
		slog.String("entitlements", strings.Join(cached.Set.IDs(), ",")),
	)
	m.notify()
	return nil
}

// Snapshot は現在の状態のコピーを返す。
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	flags := model.FlagsFromSet(m.set)
	snap := Snapshot{
		AppUserID:    m.appUserID,
		Entitlements: m.set.IDs(),
		IsPlus:       flags.IsPlus,
		IsPro:        flags.IsPro,
		Limits:       model.LimitsFor(flags),
		Loading:      m.loading,
		Stale:        m.stale,
	}
	if !m.fetchedAt.IsZero() {
		t := m.fetchedAt
		snap.FetchedAt = &t
	}
	if m.err != nil {
		snap.Error = m.err.Message
	}
	return snap
}

// AddListener は状態変化の通知先を登録し、登録解除関数を返す。
// 解除関数は破棄時に必ず呼ぶこと。
func (m *Machine) AddListener(fn func(Snapshot)) (remove func()) {
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

// begin は新しい世代の操作を開始し、世代番号と対象ユーザーを返す。
func (m *Machine) begin() (uint64, string) {
	m.mu.Lock()
	m.gen++
	gen, appUserID := m.gen, m.appUserID
	m.loading = true
	m.err = nil
	m.mu.Unlock()
	m.notify()
	return gen, appUserID
}

// finish は世代が最新の場合のみapplyを適用する。古い世代ならfalseを返す。
func (m *Machine) finish(gen uint64, op string, apply func()) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.metrics.RecordStaleResult(machineName, op)
		m.logger.Info("stale entitlement result discarded", slog.String("op", op))
		return false
	}
	if apply != nil {
		apply()
	}
	m.loading = false
	m.mu.Unlock()
	m.notify()
	return true
}

// applySetLocked は取得した集合を反映する。m.muを保持して呼ぶこと。
func (m *Machine) applySetLocked(set model.EntitlementSet) {
	if set == nil {
		set = model.EntitlementSet{}
	}
	m.set = set
	m.stale = false
	m.fetchedAt = m.now()
}

func (m *Machine) persist(ctx context.Context) {
	m.mu.Lock()
	c := localstore.CachedEntitlements{AppUserID: m.appUserID, Set: m.set, FetchedAt: m.fetchedAt}
	m.mu.Unlock()
	if err := m.store.SaveEntitlements(ctx, c); err != nil {
		m.logger.Warn("failed to persist entitlements", slog.String("error", err.Error()))
	}
}
