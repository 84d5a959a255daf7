// Package middleware はローカルAPI用のHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// SessionSource は現在のセッション状態を返す。*session.Machineが実装する。
type SessionSource interface {
	Snapshot() session.Snapshot
}

// NewRequireSessionMiddleware はセッションステートマシンが認証済みであることを要求するミドルウェアを返す。
// 認証済みユーザーIDをリクエストコンテキストに注入する。未認証の場合は401を返す。
func NewRequireSessionMiddleware(source SessionSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := source.Snapshot()
			if !snap.Authenticated() {
				WriteAPIError(w, model.NewNotAuthenticatedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), snap.UserID())))
		})
	}
}

// NewSessionContextMiddleware はサインイン済みの場合のみユーザーIDをコンテキストに注入する。
// 未認証のリクエストもそのまま通す。
func NewSessionContextMiddleware(source SessionSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if snap := source.Snapshot(); snap.Authenticated() {
				r = r.WithContext(ContextWithUserID(r.Context(), snap.UserID()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
