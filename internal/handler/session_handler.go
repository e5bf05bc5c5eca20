package handler

import (
	"net/http"

	"github.com/hitoshi/ticketfront/internal/model"
)

// SessionReader は現在のセッション状態を返す。auth.Serviceが満たす。
type SessionReader interface {
	UseSession() model.SessionState
}

// SessionHandler はセッション状態を返すHTTPハンドラー。
type SessionHandler struct {
	sessions  SessionReader
	sanitizer NameSanitizer
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions SessionReader, sanitizer NameSanitizer) *SessionHandler {
	return &SessionHandler{sessions: sessions, sanitizer: sanitizer}
}

// Get は現在のセッション状態を返す。
// 再検証中はisLoading=trueでセッションを含めない。
// GET /session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionStateResponse(h.sessions.UseSession(), h.sanitizer))
}
