package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/model"
)

// ImageFetcher はユーザー由来のURLから画像を取得する。security.SSRFGuardが満たす。
type ImageFetcher interface {
	FetchImage(ctx context.Context, rawURL string) ([]byte, string, error)
}

// AvatarHandler はサインイン中ユーザーのプロフィール画像を中継するHTTPハンドラー。
type AvatarHandler struct {
	fetcher ImageFetcher
}

// NewAvatarHandler はAvatarHandlerを生成する。
func NewAvatarHandler(fetcher ImageFetcher) *AvatarHandler {
	return &AvatarHandler{fetcher: fetcher}
}

// Get はプロフィール画像を返す。
// GET /me/avatar
func (h *AvatarHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, _ := middleware.SessionStateFromContext(r.Context())
	if !state.Session.Authenticated() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
		return
	}

	photoURL := state.Session.User.PhotoURL
	if photoURL == "" {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "AVATAR_NOT_SET",
			Message:  "プロフィール画像は設定されていません。",
			Category: "validation",
			Action:   "",
		})
		return
	}

	data, contentType, err := h.fetcher.FetchImage(r.Context(), photoURL)
	if err != nil {
		slog.Warn("failed to fetch avatar",
			slog.String("user_id", state.Session.User.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "AVATAR_UNAVAILABLE",
			Message:  "プロフィール画像を取得できませんでした。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
