package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/session"
)

// SessionService はセッションハンドラーが必要とするステートマシンの操作。*session.Machineが実装する。
type SessionService interface {
	Snapshot() session.Snapshot
	Initialize(ctx context.Context) error
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
	RefreshSession(ctx context.Context) error
	RefreshProfile(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	BeginGoogle(ctx context.Context) (string, error)
	CompleteGoogle(ctx context.Context, callbackURL string) error
	CancelGoogle()
	SetOnline(online bool)
	ClearError()
}

// SessionHandler はセッション操作のHTTPハンドラー。
type SessionHandler struct {
	service SessionService
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type onlineRequest struct {
	Online *bool `json:"online"`
}

type googleCompleteRequest struct {
	CallbackURL string `json:"callback_url"`
	Cancelled   bool   `json:"cancelled"`
}

type googleBeginResponse struct {
	URL string `json:"url"`
}

// Get は現在のセッションスナップショットを返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// Initialize は保存済みセッションの復元を行う。
// POST /api/session/initialize
func (h *SessionHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.Initialize(r.Context()))
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /api/session/signin
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	h.respond(w, h.service.SignIn(r.Context(), req.Email, req.Password))
}

// SignUp はアカウントを作成する。
// POST /api/session/signup
func (h *SessionHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	h.respond(w, h.service.SignUp(r.Context(), req.Email, req.Password))
}

// SignOut はサインアウトする。
// POST /api/session/signout
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.SignOut(r.Context()))
}

// Refresh はセッショントークンを更新する。
// POST /api/session/refresh
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.RefreshSession(r.Context()))
}

// RefreshProfile はProfileを再取得する。
// POST /api/session/profile/refresh
func (h *SessionHandler) RefreshProfile(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.RefreshProfile(r.Context()))
}

// ResetPassword はパスワード再設定メールの送信を依頼する。
// POST /api/session/reset-password
func (h *SessionHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	h.respond(w, h.service.ResetPassword(r.Context(), req.Email))
}

// SetOnline はネットワーク到達性を更新する。
// PUT /api/session/online
func (h *SessionHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	if req.Online == nil {
		handleError(w, model.NewValidationError("INVALID_REQUEST", "online", "online is required"))
		return
	}
	h.service.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// ClearError は表示中のエラーを消す。
// DELETE /api/session/error
func (h *SessionHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.service.ClearError()
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// BeginGoogle はGoogle OAuthフローを開始し、ブラウザで開く認可URLを返す。
// POST /api/session/google
func (h *SessionHandler) BeginGoogle(w http.ResponseWriter, r *http.Request) {
	url, err := h.service.BeginGoogle(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, googleBeginResponse{URL: url})
}

// CompleteGoogle はOAuthのコールバックURLからセッションを確立する。
// POST /api/session/google/complete
func (h *SessionHandler) CompleteGoogle(w http.ResponseWriter, r *http.Request) {
	var req googleCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, err)
		return
	}
	if req.Cancelled {
		h.service.CancelGoogle()
		writeJSON(w, http.StatusOK, h.service.Snapshot())
		return
	}
	h.respond(w, h.service.CompleteGoogle(r.Context(), req.CallbackURL))
}

// respond は操作結果に応じてスナップショットまたはエラーを返す。
// キャンセルはエラー扱いしない。
func (h *SessionHandler) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil, errors.Is(err, session.ErrOAuthCancelled):
		writeJSON(w, http.StatusOK, h.service.Snapshot())
	case errors.Is(err, session.ErrNoSession):
		handleError(w, model.NewNotAuthenticatedError())
	default:
		slog.Debug("session operation failed", slog.String("error", err.Error()))
		handleError(w, err)
	}
}
