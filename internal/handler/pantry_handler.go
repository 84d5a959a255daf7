package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/pantry"
)

// PantryService はパントリーハンドラーが必要とする在庫の操作。
// *pantry.Serviceが実装する。
type PantryService interface {
	List() []model.PantryItem
	Replace(ctx context.Context, items []model.PantryItem) ([]model.PantryItem, error)
	Add(ctx context.Context, item model.PantryItem) (model.PantryItem, error)
	Update(ctx context.Context, id string, p pantry.Patch) (model.PantryItem, error)
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// PantryHandler はパントリー在庫のHTTPハンドラー。
type PantryHandler struct {
	service PantryService
}

// NewPantryHandler はPantryHandlerを生成する。
func NewPantryHandler(service PantryService) *PantryHandler {
	return &PantryHandler{service: service}
}

type pantryListRequest struct {
	Items []model.PantryItem `json:"items"`
}

type pantryListResponse struct {
	Items []model.PantryItem `json:"items"`
}

// List は在庫の一覧を返す。
// GET /api/pantry
func (h *PantryHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pantryListResponse{Items: h.service.List()})
}

// Replace は一覧全体を置き換える。
// PUT /api/pantry
func (h *PantryHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var req pantryListRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	items, err := h.service.Replace(r.Context(), req.Items)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pantryListResponse{Items: items})
}

// Add は品目を追加する。
// POST /api/pantry
func (h *PantryHandler) Add(w http.ResponseWriter, r *http.Request) {
	var item model.PantryItem
	if err := decodeJSON(r, &item); err != nil {
		handleError(w, err)
		return
	}
	created, err := h.service.Add(r.Context(), item)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update は品目を部分更新する。
// PATCH /api/pantry/{id}
func (h *PantryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p pantry.Patch
	if err := decodeJSON(r, &p); err != nil {
		handleError(w, err)
		return
	}
	item, err := h.service.Update(r.Context(), id, p)
	if err != nil {
		handleError(w, pantryError(err, id))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Remove は品目を削除する。
// DELETE /api/pantry/{id}
func (h *PantryHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Remove(r.Context(), id); err != nil {
		handleError(w, pantryError(err, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear は在庫をすべて削除する。
// DELETE /api/pantry
func (h *PantryHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Clear(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pantryError(err error, id string) error {
	if errors.Is(err, pantry.ErrNotFound) {
		return model.NewNotFoundError("Pantry item", id)
	}
	return err
}
