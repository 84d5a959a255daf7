package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pantrypilot/internal/session"
)

const callbackDonePage = `<!doctype html>
<html><head><meta charset="utf-8"><title>PantryPilot</title></head>
<body><p>%s</p><p>You can close this window and return to PantryPilot.</p></body></html>
`

// callbackRelayPage はフラグメントで渡されたトークンをローカルAPIへ中継する。
// フラグメントはサーバーに送られないため、ブラウザ側でURL全体をPOSTする。
const callbackRelayPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>PantryPilot</title></head>
<body><p id="status">Finishing sign in...</p>
<script>
(function () {
  var m = document.cookie.match(/(?:^|; )csrf_token=([^;]*)/);
  fetch("/api/session/google/complete", {
    method: "POST",
    credentials: "same-origin",
    headers: {"Content-Type": "application/json", "X-CSRF-Token": m ? decodeURIComponent(m[1]) : ""},
    body: JSON.stringify({callback_url: window.location.href})
  }).then(function (res) {
    document.getElementById("status").textContent = res.ok
      ? "Signed in. You can close this window and return to PantryPilot."
      : "Sign in failed. Please return to PantryPilot and try again.";
  });
})();
</script></body></html>
`

// CallbackHandler はOAuthリダイレクトの受け口。
type CallbackHandler struct {
	service SessionService
}

// NewCallbackHandler はCallbackHandlerを生成する。
func NewCallbackHandler(service SessionService) *CallbackHandler {
	return &CallbackHandler{service: service}
}

// Callback は認可コードまたはエラーがクエリにあればその場でセッションを確立する。
// クエリが空の場合はフラグメント中継用のページを返す。
// GET /auth/callback
func (h *CallbackHandler) Callback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if r.URL.RawQuery == "" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(callbackRelayPage))
		return
	}

	callbackURL := "http://" + r.Host + r.URL.RequestURI()
	err := h.service.CompleteGoogle(r.Context(), callbackURL)
	switch {
	case err == nil:
		writeCallbackPage(w, http.StatusOK, "Signed in.")
	case errors.Is(err, session.ErrOAuthCancelled):
		writeCallbackPage(w, http.StatusOK, "Sign in was cancelled.")
	default:
		slog.Warn("oauth callback failed", slog.String("error", err.Error()))
		writeCallbackPage(w, http.StatusBadRequest, "Sign in failed.")
	}
}

func writeCallbackPage(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, callbackDonePage, message)
}
