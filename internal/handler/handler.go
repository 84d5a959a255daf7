// Package handler はUI向けローカルAPIのHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pantrypilot/internal/entitlement"
	"github.com/hitoshi/pantrypilot/internal/middleware"
	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/recipeinput"
	"github.com/hitoshi/pantrypilot/internal/session"
)

// maxBodySize はJSONリクエストボディの上限。
const maxBodySize = 1 << 20

var errInvalidBody = model.NewValidationError("INVALID_REQUEST", "", "Request body is not valid JSON")

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをデコードする。空のボディはエラーにしない。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errInvalidBody
	}
	return nil
}

// handleError はステートマシンが返したエラーをHTTPレスポンスに変換する。
// APIError以外は内部エラーとしてログに記録する。
func handleError(w http.ResponseWriter, err error) {
	if isSuperseded(err) {
		middleware.WriteErrorResponse(w, http.StatusConflict, errSuperseded)
		return
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// errSuperseded は後続の操作に追い越されたリクエストへの応答。
var errSuperseded = &model.APIError{
	Code:     "SUPERSEDED",
	Message:  "A newer request replaced this one.",
	Category: model.CategorySystem,
	Action:   "Use the latest state from the event stream.",
}

func isSuperseded(err error) bool {
	return errors.Is(err, session.ErrSuperseded) ||
		errors.Is(err, entitlement.ErrSuperseded) ||
		errors.Is(err, recipeinput.ErrSuperseded)
}
