// Package handler はローカルフロントエンドサーバーのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/model"
	"github.com/hitoshi/ticketfront/internal/security"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (*model.Session, error)
	SignInFederated(ctx context.Context) (*model.Session, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// SignInPath はサインアウト後の遷移先。
	SignInPath string
}

// AuthHandler は認証操作のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	sanitizer NameSanitizer
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sanitizer NameSanitizer, config AuthHandlerConfig) *AuthHandler {
	if config.SignInPath == "" {
		config.SignInPath = "/signin"
	}
	return &AuthHandler{
		service:   service,
		sanitizer: sanitizer,
		config:    config,
	}
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Next     string `json:"next"`
}

// signUpRequest はサインアップリクエストのボディ。
type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Next        string `json:"next"`
}

// federatedRequest はフェデレーションサインインリクエストのボディ。
type federatedRequest struct {
	Next string `json:"next"`
}

// passwordResetRequest はパスワード再設定リクエストのボディ。
type passwordResetRequest struct {
	Email string `json:"email"`
}

// authResponse は認証成功時のレスポンス。
// redirectToはサインイン前に要求されたパスで、検証済みの相対パスのみを返す。
type authResponse struct {
	Session    *sessionResponse `json:"session"`
	RedirectTo string           `json:"redirectTo"`
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	h.respond(w, r, session, err, req.Next)
}

// SignUp はアカウントを作成してサインインする。
// POST /signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	h.respond(w, r, session, err, req.Next)
}

// SignInFederated はフェデレーションIdPでサインインする。
// ユーザーがブラウザで認可を終えるまでレスポンスを返さない。
// POST /signin/federated
func (h *AuthHandler) SignInFederated(w http.ResponseWriter, r *http.Request) {
	var req federatedRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.SignInFederated(r.Context())
	h.respond(w, r, session, err, req.Next)
}

// SignOut はサインアウトする。何度呼んでも成功する。
// POST /signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		slog.Error("sign-out failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{RedirectTo: h.config.SignInPath})
}

// ResetPassword はパスワード再設定メールを送信する。
// POST /password-reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Email); err != nil {
		middleware.WriteAuthError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// respond は認証操作の結果を書き込む。
func (h *AuthHandler) respond(w http.ResponseWriter, r *http.Request, session *model.Session, err error, next string) {
	if err != nil {
		if errors.Is(err, model.ErrStaleResult) && r.Context().Err() != nil {
			// クライアントが切断済み
			return
		}
		middleware.WriteAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Session:    toSessionResponse(session, h.sanitizer),
		RedirectTo: security.ValidateReturnPath(next),
	})
}
