package handler

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/pantrypilot/internal/entitlement"
	"github.com/hitoshi/pantrypilot/internal/gateway/revenuecat"
	"github.com/hitoshi/pantrypilot/internal/middleware"
	"github.com/hitoshi/pantrypilot/internal/model"
)

// maxWebhookBodySize はWebhookボディの上限。
const maxWebhookBodySize = 64 << 10

// EntitlementService はエンタイトルメントハンドラーが必要とするステートマシンの操作。
// *entitlement.Machineが実装する。
type EntitlementService interface {
	Snapshot() entitlement.Snapshot
	Fetch(ctx context.Context) entitlement.Snapshot
	Restore(ctx context.Context) error
	Purchase(ctx context.Context, tier model.Tier, storeToken string) error
	HandleWebhook(ctx context.Context, ev *revenuecat.WebhookEvent)
}

// EntitlementHandler はエンタイトルメント関連のHTTPハンドラー。
type EntitlementHandler struct {
	service       EntitlementService
	webhookSecret string
}

// NewEntitlementHandler はEntitlementHandlerを生成する。
// webhookSecretはWebhookのAuthorizationヘッダーと照合するBearerトークン。
func NewEntitlementHandler(service EntitlementService, webhookSecret string) *EntitlementHandler {
	return &EntitlementHandler{service: service, webhookSecret: webhookSecret}
}

type purchaseRequest struct {
	Tier       string `json:"tier"`
	StoreToken string `json:"store_token"`
}

// Get は現在のエンタイトルメントを返す。
// GET /api/entitlements
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// Refresh は購入台帳から再取得する。失敗してもキャッシュ済みの値を200で返す。
// POST /api/entitlements/refresh
func (h *EntitlementHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Fetch(r.Context()))
}

// Restore は購入を復元する。
// POST /api/entitlements/restore
func (h *EntitlementHandler) Restore(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Restore(r.Context()); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// Purchase はストアで完了した購入を登録する。
// POST /api/entitlements/purchase
func (h *EntitlementHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	tier, ok := model.ParseTier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if !ok {
		handleError(w, model.NewUnknownTierError(req.Tier))
		return
	}
	if err := h.service.Purchase(r.Context(), tier, req.StoreToken); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// Webhook は購入台帳からの変更通知を受け取る。
// POST /webhooks/revenuecat
func (h *EntitlementHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		slog.Warn("webhook rejected: invalid authorization")
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "Invalid webhook authorization.",
			Category: model.CategoryAuth,
			Action:   "Check the webhook secret.",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		handleError(w, errInvalidBody)
		return
	}
	ev, err := revenuecat.ParseWebhook(body)
	if err != nil {
		slog.Warn("invalid webhook payload", slog.String("error", err.Error()))
		handleError(w, model.NewValidationError("INVALID_REQUEST", "", err.Error()))
		return
	}

	h.service.HandleWebhook(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}

func (h *EntitlementHandler) authorized(r *http.Request) bool {
	if h.webhookSecret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookSecret)) == 1
}
