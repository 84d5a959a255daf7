// Package recipeinput はレシピ入力ステートマシンを提供する。
//
// 送信前の入力を1件だけ保持し、クォータ判定、抽出サービスへの送信、
// 利用回数の記録、入力履歴の管理を行う。
// 状態遷移は empty → staged → submitting → {empty, staged}。
package recipeinput

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/pantrypilot/internal/metrics"
	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/security"
	"github.com/hitoshi/pantrypilot/internal/session"
	"github.com/hitoshi/pantrypilot/internal/validation"
)

const machineName = "recipeinput"

// maxHistory は保持する入力履歴の件数。
const maxHistory = 3

// Status は入力の状態。
type Status string

const (
	StatusEmpty      Status = "empty"
	StatusStaged     Status = "staged"
	StatusSubmitting Status = "submitting"
)

// ErrSuperseded は後続の送信に追い越されて結果が破棄された場合に返される。
var ErrSuperseded = errors.New("operation superseded by a newer one")

// Extractor は外部AIサービスによるレシピ抽出。*extraction.Clientが実装する。
type Extractor interface {
	Extract(ctx context.Context, in model.RawInput) (*model.ExtractionResult, error)
}

// UsageRecorder は抽出成功時に利用回数を記録する。*session.Machineが実装する。
type UsageRecorder interface {
	IncrementRecipeCount(ctx context.Context) (int, error)
}

// HistoryStore は入力履歴の保存先。*localstore.Storeが実装する。
type HistoryStore interface {
	SaveHistory(ctx context.Context, history []string) error
	LoadHistory(ctx context.Context) ([]string, error)
}

// Snapshot はUIに渡す読み取り専用のコピー。
type Snapshot struct {
	Status       Status                  `json:"status"`
	Input        *model.RawInput         `json:"input,omitempty"`
	Draft        string                  `json:"draft,omitempty"`
	History      []string                `json:"history"`
	Loading      bool                    `json:"loading"`
	NeedsUpgrade bool                    `json:"needs_upgrade"`
	LastResult   *model.ExtractionResult `json:"last_result,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ErrorCode    string                  `json:"error_code,omitempty"`
	ErrorField   string                  `json:"error_field,omitempty"`
}

// Machine はレシピ入力ステートマシン。並行呼び出しに対して安全。
type Machine struct {
	extractor Extractor
	recorder  UsageRecorder
	store     HistoryStore
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	gen          uint64
	inputGen     uint64
	input        *model.RawInput
	submitting   bool
	draft        string
	history      []string
	needsUpgrade bool
	result       *model.ExtractionResult
	err          *model.APIError
	listeners    map[int]func(Snapshot)
	nextID       int
}

// New はMachineを生成する。
func New(extractor Extractor, recorder UsageRecorder, store HistoryStore, sanitizer security.TextSanitizer, collector metrics.MetricsCollector, logger *slog.Logger) *Machine {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Machine{
		extractor: extractor,
		recorder:  recorder,
		store:     store,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(Snapshot)),
	}
}

// Load は保存済みの入力履歴を読み込む。
func (m *Machine) Load(ctx context.Context) error {
	history, err := m.store.LoadHistory(ctx)
	if err != nil {
		return err
	}
	if len(history) > maxHistory {
		history = history[:maxHistory]
	}
	m.mu.Lock()
	m.history = history
	m.mu.Unlock()
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
	snap := Snapshot{
		Status:       m.statusLocked(),
		Draft:        m.draft,
		History:      append([]string{}, m.history...),
		Loading:      m.submitting,
		NeedsUpgrade: m.needsUpgrade,
		LastResult:   m.result,
	}
	if m.input != nil {
		in := *m.input
		snap.Input = &in
	}
	if m.err != nil {
		snap.Error = m.err.Message
		snap.ErrorCode = m.err.Code
		snap.ErrorField = m.err.Field
	}
	return snap
}

func (m *Machine) statusLocked() Status {
	switch {
	case m.submitting:
		return StatusSubmitting
	case m.input != nil:
		return StatusStaged
	default:
		return StatusEmpty
	}
}

// Subscribe は状態変化の通知先を登録し、登録解除関数を返す。
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

// SetRawInput は入力の形状を検証してステージする。既存の入力は置き換える。
// 種別が空の場合は内容からURLかテキストかを判定する。
// 検証に失敗した場合はエラーだけを設定し、ステージ済みの入力は変更しない。
func (m *Machine) SetRawInput(in model.RawInput) error {
	if in.Type == "" {
		in.Type = model.InputText
		if validation.LooksLikeURL(in.Content) {
			in.Type = model.InputURL
		}
	}
	if in.Type == model.InputText {
		in.Content = m.sanitizer.Clean(in.Content)
	}

	normalized, err := validation.ValidateRawInput(in)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			apiErr = model.NewValidationError(model.ErrCodeEmptyInput, "content", err.Error())
		}
		m.mu.Lock()
		m.err = apiErr
		m.mu.Unlock()
		m.notify()
		return apiErr
	}

	m.mu.Lock()
	m.input = &normalized
	m.inputGen++
	m.err = nil
	m.needsUpgrade = false
	m.mu.Unlock()

	m.logger.Debug("recipe input staged", slog.String("type", string(normalized.Type)))
	m.notify()
	return nil
}

// ClearInput はステージ済みの入力を破棄し、エラーとアップグレードフラグを解除する。
func (m *Machine) ClearInput() {
	m.mu.Lock()
	m.input = nil
	m.inputGen++
	m.err = nil
	m.needsUpgrade = false
	m.mu.Unlock()
	m.notify()
}

// SetDraft は編集中の下書きを保持する。
func (m *Machine) SetDraft(draft string) {
	m.mu.Lock()
	m.draft = draft
	m.mu.Unlock()
	m.notify()
}

// History は最新順の入力履歴を返す。
func (m *Machine) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.history...)
}

// AddToHistory は値を履歴の先頭に追加する。同じ値の既存エントリは除去し、最大3件に切り詰める。
// 値は加工せずに比較するため、前後の空白だけが異なる値は別のエントリになる。空白のみの値は無視する。
func (m *Machine) AddToHistory(ctx context.Context, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	m.mu.Lock()
	m.history = pushHistory(m.history, value)
	history := append([]string{}, m.history...)
	m.mu.Unlock()

	m.persistHistory(ctx, history)
	m.notify()
}

func pushHistory(history []string, value string) []string {
	next := make([]string, 0, maxHistory)
	next = append(next, value)
	for _, h := range history {
		if h == value {
			continue
		}
		if len(next) == maxHistory {
			break
		}
		next = append(next, h)
	}
	return next
}

func (m *Machine) persistHistory(ctx context.Context, history []string) {
	if err := m.store.SaveHistory(ctx, history); err != nil {
		m.logger.Warn("failed to persist input history", slog.String("error", err.Error()))
	}
}
