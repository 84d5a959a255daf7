package grocery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// ErrNotFound は指定IDの品目が買い物リストに存在しない場合に返される。
var ErrNotFound = errors.New("grocery item not found")

// ListStore は買い物リストの永続化先。*localstore.Storeが実装する。
type ListStore interface {
	SaveGroceryList(ctx context.Context, items []model.GroceryItem) error
	LoadGroceryList(ctx context.Context) ([]model.GroceryItem, error)
}

// List は端末に保存する現在の買い物リスト。並行呼び出しに対して安全。
// 変更はストアへの書き込みが成功した場合のみ反映する。
type List struct {
	store  ListStore
	logger *slog.Logger

	mu    sync.Mutex
	items []model.GroceryItem
}

// NewList はListを生成する。Loadを呼ぶまでは空のリストを持つ。
func NewList(store ListStore, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{store: store, logger: logger, items: []model.GroceryItem{}}
}

// Load は保存済みの買い物リストを読み込む。
func (l *List) Load(ctx context.Context) error {
	items, err := l.store.LoadGroceryList(ctx)
	if err != nil {
		return fmt.Errorf("load grocery list: %w", err)
	}
	if items == nil {
		items = []model.GroceryItem{}
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	return nil
}

// Items は買い物リストの品目を返す。
func (l *List) Items() []model.GroceryItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.GroceryItem{}, l.items...)
}

// Replace はリスト全体を置き換える。BuildListの結果を保存する際に使う。
func (l *List) Replace(ctx context.Context, items []model.GroceryItem) error {
	next := append([]model.GroceryItem{}, items...)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked(ctx, next)
}

// Toggle は指定IDの品目のチェック状態を反転し、更新後の品目を返す。
func (l *List) Toggle(ctx context.Context, id string) (model.GroceryItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := append([]model.GroceryItem{}, l.items...)
	if !Toggle(next, id) {
		return model.GroceryItem{}, ErrNotFound
	}
	if err := l.commitLocked(ctx, next); err != nil {
		return model.GroceryItem{}, err
	}
	for _, it := range next {
		if it.ID == id {
			return it, nil
		}
	}
	return model.GroceryItem{}, ErrNotFound
}

// Remove は指定IDの品目を削除する。
func (l *List) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := Remove(l.items, id)
	if len(next) == len(l.items) {
		return ErrNotFound
	}
	return l.commitLocked(ctx, next)
}

// Clear は買い物リストを空にする。
func (l *List) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked(ctx, []model.GroceryItem{})
}

func (l *List) commitLocked(ctx context.Context, next []model.GroceryItem) error {
	if err := l.store.SaveGroceryList(ctx, next); err != nil {
		l.logger.Warn("failed to persist grocery list", slog.String("error", err.Error()))
		return fmt.Errorf("save grocery list: %w", err)
	}
	l.items = next
	return nil
}
