package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checker  HealthChecker
	sessions SessionReader
}

// NewHealthHandler はHealthHandlerを生成する。checkerはnilでもよい。
func NewHealthHandler(checker HealthChecker, sessions SessionReader) *HealthHandler {
	return &HealthHandler{checker: checker, sessions: sessions}
}

// healthResponse はGET /healthのレスポンス。
type healthResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
}

// ServeHTTP はサーバーの状態を返す。ストレージに到達できない場合は503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Session: sessionStatus(h.sessions)}

	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func sessionStatus(sessions SessionReader) string {
	if sessions == nil {
		return "unknown"
	}
	state := sessions.UseSession()
	switch {
	case state.IsLoading:
		return "loading"
	case state.Session.Authenticated():
		return "authenticated"
	default:
		return "unauthenticated"
	}
}
