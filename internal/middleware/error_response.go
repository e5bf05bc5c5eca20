package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/ticketfront/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteAuthError は認証エラーを分類に応じたステータスコードとユーザー向けメッセージで書き込む。
// IdPやバックエンドの詳細はレスポンスに含めない。
func WriteAuthError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, StatusForError(err), model.UserMessage(err))
}

// StatusForError はエラーに対応するHTTPステータスコードを返す。
func StatusForError(err error) int {
	switch {
	case errors.Is(err, model.ErrSessionInvalidated), errors.Is(err, model.ErrSessionRejected):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrOperationInProgress), errors.Is(err, model.ErrStaleResult):
		return http.StatusConflict
	case errors.Is(err, model.ErrFederatedDisabled):
		return http.StatusNotImplemented
	}

	switch model.KindOf(err) {
	case model.KindInvalidCredentials, model.KindAccountNotFound, model.KindExchangeRejected:
		return http.StatusUnauthorized
	case model.KindEmailInUse, model.KindConcurrentPopup:
		return http.StatusConflict
	case model.KindWeakPassword, model.KindInvalidEmail, model.KindUserCancelled:
		return http.StatusBadRequest
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
