package grocery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hitoshi/pantrypilot/internal/localstore"
	"github.com/hitoshi/pantrypilot/internal/model"
)

type memListStore struct {
	mu      sync.Mutex
	items   []model.GroceryItem
	saveErr error
}

func (s *memListStore) SaveGroceryList(_ context.Context, items []model.GroceryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.items = append([]model.GroceryItem{}, items...)
	return nil
}

func (s *memListStore) LoadGroceryList(context.Context) ([]model.GroceryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.GroceryItem{}, s.items...), nil
}

var _ ListStore = (*memListStore)(nil)
var _ ListStore = (*localstore.Store)(nil)

func newTestList(t *testing.T, store *memListStore) *List {
	t.Helper()
	l := NewList(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return l
}

func TestList_ReplaceAndToggle(t *testing.T) {
	store := &memListStore{}
	l := newTestList(t, store)
	ctx := context.Background()

	built := newTestBuilder().BuildList([]RecipeIngredients{{RecipeID: "r-1", Ingredients: []model.Ingredient{{Item: "rice"}, {Item: "beans"}}}}, nil)
	if err := l.Replace(ctx, built); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	item, err := l.Toggle(ctx, "item-2")
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if !item.Checked || item.Name != "beans" {
		t.Errorf("toggled item = %+v", item)
	}
	if !store.items[1].Checked || store.items[0].Checked {
		t.Errorf("persisted = %+v", store.items)
	}

	item, _ = l.Toggle(ctx, "item-2")
	if item.Checked {
		t.Error("second toggle should uncheck")
	}

	if _, err := l.Toggle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestList_RemoveAndClear(t *testing.T) {
	store := &memListStore{items: []model.GroceryItem{{ID: "a", Name: "rice"}, {ID: "b", Name: "beans"}}}
	l := newTestList(t, store)
	ctx := context.Background()

	if err := l.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if got := l.Items(); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("Items() = %+v", got)
	}
	if err := l.Remove(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() err = %v, want ErrNotFound", err)
	}

	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got := l.Items(); got == nil || len(got) != 0 {
		t.Errorf("Items() after Clear = %#v", got)
	}
	if len(store.items) != 0 {
		t.Errorf("persisted after Clear = %+v", store.items)
	}
}

func TestList_PersistFailureKeepsState(t *testing.T) {
	store := &memListStore{items: []model.GroceryItem{{ID: "a", Name: "rice"}}}
	l := newTestList(t, store)
	store.saveErr = errors.New("disk full")

	if _, err := l.Toggle(context.Background(), "a"); err == nil {
		t.Fatal("expected error")
	}
	if got := l.Items(); got[0].Checked {
		t.Errorf("item should stay unchecked when persisting fails: %+v", got[0])
	}
}
