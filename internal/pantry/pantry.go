// Package pantry は端末に保存するパントリー在庫を管理する。
package pantry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// ErrNotFound は指定IDの在庫が存在しない場合に返される。
var ErrNotFound = errors.New("pantry item not found")

// Store は在庫の永続化先。*localstore.Storeが実装する。
type Store interface {
	SavePantry(ctx context.Context, items []model.PantryItem) error
	LoadPantry(ctx context.Context) ([]model.PantryItem, error)
}

// Patch は在庫の部分更新。nilのフィールドは変更しない。
type Patch struct {
	Name     *string  `json:"name"`
	Quantity *float64 `json:"quantity"`
	Unit     *string  `json:"unit"`
	Category *string  `json:"category"`
}

// Service はパントリー在庫の一覧を保持する。並行呼び出しに対して安全。
// 変更は都度ストアへ書き込み、書き込みに失敗した場合はメモリ上の一覧も変更しない。
type Service struct {
	store  Store
	logger *slog.Logger
	newID  func() string

	mu    sync.Mutex
	items []model.PantryItem
}

// New はServiceを生成する。Loadを呼ぶまでは空の一覧を持つ。
func New(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		newID:  uuid.NewString,
		items:  []model.PantryItem{},
	}
}

// Load は保存済みの在庫を読み込む。
func (s *Service) Load(ctx context.Context) error {
	items, err := s.store.LoadPantry(ctx)
	if err != nil {
		return fmt.Errorf("load pantry: %w", err)
	}
	if items == nil {
		items = []model.PantryItem{}
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.logger.Info("pantry restored", slog.Int("items", len(items)))
	return nil
}

// List は在庫の一覧を返す。
func (s *Service) List() []model.PantryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PantryItem{}, s.items...)
}

// Replace は一覧全体を置き換える。IDのない品目には新しいIDを割り当てる。
func (s *Service) Replace(ctx context.Context, items []model.PantryItem) ([]model.PantryItem, error) {
	next := make([]model.PantryItem, 0, len(items))
	for _, it := range items {
		it, err := s.normalize(it)
		if err != nil {
			return nil, err
		}
		next = append(next, it)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(ctx, next); err != nil {
		return nil, err
	}
	return append([]model.PantryItem{}, next...), nil
}

// Add は品目を末尾に追加する。
func (s *Service) Add(ctx context.Context, item model.PantryItem) (model.PantryItem, error) {
	item, err := s.normalize(item)
	if err != nil {
		return model.PantryItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := append(append(make([]model.PantryItem, 0, len(s.items)+1), s.items...), item)
	if err := s.commitLocked(ctx, next); err != nil {
		return model.PantryItem{}, err
	}
	return item, nil
}

// Update は指定IDの品目を部分更新する。
func (s *Service) Update(ctx context.Context, id string, p Patch) (model.PantryItem, error) {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return model.PantryItem{}, emptyName()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return model.PantryItem{}, ErrNotFound
	}
	next := append([]model.PantryItem{}, s.items...)
	it := &next[idx]
	if p.Name != nil {
		it.Name = strings.TrimSpace(*p.Name)
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	if p.Unit != nil {
		it.Unit = *p.Unit
	}
	if p.Category != nil {
		it.Category = *p.Category
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return model.PantryItem{}, err
	}
	return next[idx], nil
}

// Remove は指定IDの品目を削除する。
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return ErrNotFound
	}
	next := make([]model.PantryItem, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	return s.commitLocked(ctx, next)
}

// Clear は在庫をすべて削除する。
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, []model.PantryItem{})
}

func (s *Service) normalize(it model.PantryItem) (model.PantryItem, error) {
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return it, emptyName()
	}
	if it.ID == "" {
		it.ID = s.newID()
	}
	return it, nil
}

func (s *Service) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// commitLocked は一覧を保存してからメモリに反映する。s.muを保持して呼ぶこと。
func (s *Service) commitLocked(ctx context.Context, next []model.PantryItem) error {
	if err := s.store.SavePantry(ctx, next); err != nil {
		s.logger.Warn("failed to persist pantry", slog.String("error", err.Error()))
		return fmt.Errorf("save pantry: %w", err)
	}
	s.items = next
	return nil
}

func emptyName() *model.APIError {
	return model.NewValidationError(model.ErrCodeEmptyInput, "name", "Please enter an item name.")
}
