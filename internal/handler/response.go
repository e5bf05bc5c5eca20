package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの最大サイズ（64KB）。
const maxRequestBodySize = 64 << 10

// avatarPath はプロフィール画像を返すエンドポイント。
const avatarPath = "/me/avatar"

// NameSanitizer は表示名を表示用に整える。security.TextSanitizerが満たす。
type NameSanitizer interface {
	DisplayName(raw string) string
}

// userResponse はUIへ返すユーザー情報。
// photoURLはバックエンドの値を直接渡さず、SSRF対策済みの/me/avatarを指す。
type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Role        string `json:"role"`
}

// sessionResponse はUIへ返すセッション情報。トークンは含めない。
type sessionResponse struct {
	User      userResponse `json:"user"`
	CreatedAt time.Time    `json:"createdAt"`
}

// sessionStateResponse はGET /sessionのレスポンス。
type sessionStateResponse struct {
	Session   *sessionResponse `json:"session"`
	IsLoading bool             `json:"isLoading"`
}

// toSessionResponse はセッションをレスポンス型に変換する。未認証の場合はnilを返す。
func toSessionResponse(s *model.Session, sanitizer NameSanitizer) *sessionResponse {
	if !s.Authenticated() {
		return nil
	}

	resp := &sessionResponse{
		User: userResponse{
			ID:          s.User.ID,
			Email:       s.User.Email,
			DisplayName: s.User.DisplayName,
			Role:        string(s.User.Role),
		},
		CreatedAt: s.CreatedAt,
	}
	if sanitizer != nil {
		resp.User.DisplayName = sanitizer.DisplayName(s.User.DisplayName)
	}
	if s.User.PhotoURL != "" {
		resp.User.PhotoURL = avatarPath
	}
	return resp
}

// toSessionStateResponse はセッション状態をレスポンス型に変換する。
// 再検証中はセッションを含めない。
func toSessionStateResponse(state model.SessionState, sanitizer NameSanitizer) sessionStateResponse {
	if state.IsLoading {
		return sessionStateResponse{IsLoading: true}
	}
	return sessionStateResponse{Session: toSessionResponse(state.Session, sanitizer)}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。失敗した場合はエラーレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}
