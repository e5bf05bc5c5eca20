// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"

	"github.com/hitoshi/ticketfront/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionStateContextKey はリクエストコンテキストにセッション状態を格納するためのキー。
var sessionStateContextKey = contextKey("session_state")

// StateSource は現在のセッション状態を返す。session.Storeが満たす。
type StateSource interface {
	State() model.SessionState
}

// NewSessionMiddleware はリクエスト開始時点のセッション状態をコンテキストに注入するミドルウェアを返す。
// 1つのリクエストの処理中は同じスナップショットを参照するため、途中でロールが変わって見えることはない。
// 未認証のリクエストも拒否せずに通す。拒否はauthz.Guardが行う。
func NewSessionMiddleware(source StateSource) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithSessionState(r.Context(), source.State())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionStateFromContext はリクエストコンテキストからセッション状態を取得する。
// セッションミドルウェアを通過していない場合はfalseを返す。
func SessionStateFromContext(ctx context.Context) (model.SessionState, bool) {
	state, ok := ctx.Value(sessionStateContextKey).(model.SessionState)
	return state, ok
}

// ContextWithSessionState はコンテキストにセッション状態を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSessionState(ctx context.Context, state model.SessionState) context.Context {
	return context.WithValue(ctx, sessionStateContextKey, state)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーのIDを取得する。
// 未認証の場合は空文字を返す。
func UserIDFromContext(ctx context.Context) string {
	state, ok := SessionStateFromContext(ctx)
	if !ok || !state.Session.Authenticated() {
		return ""
	}
	return state.Session.User.ID
}
