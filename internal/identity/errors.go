package identity

import (
	"context"
	"errors"

	"github.com/hitoshi/ticketfront/internal/model"
)

// 操作ごとのIdPエラーコード変換表。
// 表にないコードはUnknownとして扱う。
var (
	signInErrorKinds = map[string]model.ErrorKind{
		"EMAIL_NOT_FOUND":             model.KindAccountNotFound,
		"USER_NOT_FOUND":              model.KindAccountNotFound,
		"INVALID_PASSWORD":            model.KindInvalidCredentials,
		"INVALID_LOGIN_CREDENTIALS":   model.KindInvalidCredentials,
		"MISSING_PASSWORD":            model.KindInvalidCredentials,
		"INVALID_EMAIL":               model.KindInvalidCredentials,
		"MISSING_EMAIL":               model.KindInvalidCredentials,
		"USER_DISABLED":               model.KindInvalidCredentials,
		"TOO_MANY_ATTEMPTS_TRY_LATER": model.KindRateLimited,
		"QUOTA_EXCEEDED":              model.KindRateLimited,
	}

	federatedErrorKinds = map[string]model.ErrorKind{
		CodePopupClosedByUser:         model.KindUserCancelled,
		"access_denied":               model.KindUserCancelled,
		CodeCancelledPopupRequest:     model.KindConcurrentPopup,
		"TOO_MANY_ATTEMPTS_TRY_LATER": model.KindRateLimited,
	}

	createAccountErrorKinds = map[string]model.ErrorKind{
		"EMAIL_EXISTS":                model.KindEmailInUse,
		"WEAK_PASSWORD":               model.KindWeakPassword,
		"MISSING_PASSWORD":            model.KindWeakPassword,
		"INVALID_EMAIL":               model.KindInvalidEmail,
		"MISSING_EMAIL":               model.KindInvalidEmail,
		"TOO_MANY_ATTEMPTS_TRY_LATER": model.KindRateLimited,
		"OPERATION_NOT_ALLOWED":       model.KindUnknown,
	}

	resetErrorKinds = map[string]model.ErrorKind{
		"EMAIL_NOT_FOUND":             model.KindAccountNotFound,
		"USER_NOT_FOUND":              model.KindAccountNotFound,
		"INVALID_EMAIL":               model.KindInvalidEmail,
		"MISSING_EMAIL":               model.KindInvalidEmail,
		"TOO_MANY_ATTEMPTS_TRY_LATER": model.KindRateLimited,
		"RESET_PASSWORD_EXCEED_LIMIT": model.KindRateLimited,
	}
)

// signedOutCodes はトークン更新時にIdPがサインアウト済みと判断できるコード。
var signedOutCodes = map[string]bool{
	"TOKEN_EXPIRED":         true,
	"USER_DISABLED":         true,
	"USER_NOT_FOUND":        true,
	"INVALID_REFRESH_TOKEN": true,
}

// translate はIdPのエラーを内部のエラー分類に変換する。
// ProviderErrorのコードは表で引き、ネットワーク系はNetworkError、それ以外はUnknownとする。
func translate(op string, table map[string]model.ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		kind, ok := table[perr.Code]
		if !ok {
			kind = model.KindUnknown
		}
		return model.NewAuthError(kind, op, err)
	}

	if errors.Is(err, context.Canceled) && table[CodePopupClosedByUser] == model.KindUserCancelled {
		return model.NewAuthError(model.KindUserCancelled, op, err)
	}

	if model.KindOf(err) == model.KindNetworkError {
		return model.NewAuthError(model.KindNetworkError, op, err)
	}

	return model.NewAuthError(model.KindUnknown, op, err)
}
