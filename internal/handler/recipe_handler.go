package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/recipeinput"
)

// RecipeInputService はレシピ入力ハンドラーが必要とするステートマシンの操作。
// *recipeinput.Machineが実装する。
type RecipeInputService interface {
	Snapshot() recipeinput.Snapshot
	SetRawInput(in model.RawInput) error
	ClearInput()
	SetDraft(draft string)
	History() []string
	AddToHistory(ctx context.Context, value string)
	ParseCurrentInput(ctx context.Context, qc recipeinput.QuotaContext) (*model.ExtractionResult, error)
}

// QuotaSource は送信時点のクォータ判定材料を返す。
type QuotaSource interface {
	QuotaContext() recipeinput.QuotaContext
}

// RecipeHandler はレシピ入力のHTTPハンドラー。
type RecipeHandler struct {
	service RecipeInputService
	quota   QuotaSource
}

// NewRecipeHandler はRecipeHandlerを生成する。
func NewRecipeHandler(service RecipeInputService, quota QuotaSource) *RecipeHandler {
	return &RecipeHandler{service: service, quota: quota}
}

type draftRequest struct {
	Draft string `json:"draft"`
}

type historyRequest struct {
	Value string `json:"value"`
}

type historyResponse struct {
	History []string `json:"history"`
}

// GetInput は入力の状態を返す。
// GET /api/recipe/input
func (h *RecipeHandler) GetInput(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// SetInput は入力をステージする。検証に失敗した場合は400を返し、以前の入力は残る。
// PUT /api/recipe/input
func (h *RecipeHandler) SetInput(w http.ResponseWriter, r *http.Request) {
	var in model.RawInput
	if err := decodeJSON(r, &in); err != nil {
		handleError(w, err)
		return
	}
	if err := h.service.SetRawInput(in); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// ClearInput はステージ中の入力を破棄する。
// DELETE /api/recipe/input
func (h *RecipeHandler) ClearInput(w http.ResponseWriter, r *http.Request) {
	h.service.ClearInput()
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// SetDraft は入力欄の下書きを保存する。
// PUT /api/recipe/draft
func (h *RecipeHandler) SetDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	h.service.SetDraft(req.Draft)
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// History は直近の入力履歴を返す。
// GET /api/recipe/history
func (h *RecipeHandler) History(w http.ResponseWriter, r *http.Request) {
	history := h.service.History()
	if history == nil {
		history = []string{}
	}
	writeJSON(w, http.StatusOK, historyResponse{History: history})
}

// AddHistory は入力値を履歴の先頭に追加し、更新後の履歴を返す。
// POST /api/recipe/history
func (h *RecipeHandler) AddHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		handleError(w, model.NewValidationError(model.ErrCodeEmptyInput, "value", "Please enter a value."))
		return
	}
	h.service.AddToHistory(r.Context(), req.Value)
	h.History(w, r)
}

// Parse はステージ中の入力を抽出サービスに送る。
// 無料枠の上限に達している場合は402を返す。
// POST /api/recipe/parse
func (h *RecipeHandler) Parse(w http.ResponseWriter, r *http.Request) {
	qc := h.quota.QuotaContext()
	result, err := h.service.ParseCurrentInput(r.Context(), qc)
	if err != nil {
		if errors.Is(err, recipeinput.ErrQuotaExceeded) {
			usage := recipeinput.UsageFor(qc)
			err = model.NewQuotaExceededError(usage.Count, usage.Limit)
		}
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Usage は今月の利用状況を返す。
// GET /api/recipe/usage
func (h *RecipeHandler) Usage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, recipeinput.UsageFor(h.quota.QuotaContext()))
}
