package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pantrypilot/internal/grocery"
	"github.com/hitoshi/pantrypilot/internal/model"
)

// GroceryListService は保存済みの買い物リストの操作。
// *grocery.Listが実装する。
type GroceryListService interface {
	Items() []model.GroceryItem
	Replace(ctx context.Context, items []model.GroceryItem) error
	Toggle(ctx context.Context, id string) (model.GroceryItem, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// PantrySource は買い物リストから除外する在庫を返す。
type PantrySource interface {
	List() []model.PantryItem
}

// GroceryHandler は買い物リストのHTTPハンドラー。
type GroceryHandler struct {
	builder *grocery.Builder
	list    GroceryListService
	pantry  PantrySource
}

// NewGroceryHandler はGroceryHandlerを生成する。
// listがnilの場合は生成したリストを保存せず、pantryがnilの場合はリクエストの在庫のみを使う。
func NewGroceryHandler(builder *grocery.Builder, list GroceryListService, pantry PantrySource) *GroceryHandler {
	return &GroceryHandler{builder: builder, list: list, pantry: pantry}
}

type buildGroceryRequest struct {
	Recipes []grocery.RecipeIngredients `json:"recipes"`
	Pantry  []model.PantryItem          `json:"pantry"`
}

type groceryListResponse struct {
	Items []model.GroceryItem `json:"items"`
}

// Build はレシピの材料から買い物リストを組み立て、現在のリストとして保存する。
// リクエストにpantryがなければ保存済みの在庫を除外に使う。
// POST /api/grocery/build
func (h *GroceryHandler) Build(w http.ResponseWriter, r *http.Request) {
	var req buildGroceryRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	if len(req.Recipes) == 0 {
		handleError(w, model.NewValidationError(model.ErrCodeEmptyInput, "recipes", "At least one recipe is required"))
		return
	}
	pantry := req.Pantry
	if pantry == nil && h.pantry != nil {
		pantry = h.pantry.List()
	}
	items := h.builder.BuildList(req.Recipes, pantry)
	if items == nil {
		items = []model.GroceryItem{}
	}
	if h.list != nil {
		if err := h.list.Replace(r.Context(), items); err != nil {
			handleError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, groceryListResponse{Items: items})
}

// Items は保存済みの買い物リストを返す。
// GET /api/grocery/items
func (h *GroceryHandler) Items(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, groceryListResponse{Items: h.list.Items()})
}

// Toggle は品目のチェック状態を反転する。
// PATCH /api/grocery/items/{id}
func (h *GroceryHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.list.Toggle(r.Context(), id)
	if err != nil {
		handleError(w, groceryError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Remove は品目を削除する。
// DELETE /api/grocery/items/{id}
func (h *GroceryHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.list.Remove(r.Context(), id); err != nil {
		handleError(w, groceryError(err, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear は買い物リストを空にする。
// DELETE /api/grocery/items
func (h *GroceryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.list.Clear(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func groceryError(err error, id string) error {
	if errors.Is(err, grocery.ErrNotFound) {
		return model.NewNotFoundError("Grocery item", id)
	}
	return err
}
