// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorKind は認証サブシステムのエラー分類。
// IdPやバックエンド固有のエラーコードは必ずこの分類に変換してから外へ出す。
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindAccountNotFound    ErrorKind = "ACCOUNT_NOT_FOUND"
	KindEmailInUse         ErrorKind = "EMAIL_IN_USE"
	KindWeakPassword       ErrorKind = "WEAK_PASSWORD"
	KindInvalidEmail       ErrorKind = "INVALID_EMAIL"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindUserCancelled      ErrorKind = "USER_CANCELLED"
	KindConcurrentPopup    ErrorKind = "CONCURRENT_POPUP"
	KindExchangeRejected   ErrorKind = "EXCHANGE_REJECTED"
	KindNetworkError       ErrorKind = "NETWORK_ERROR"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// AuthError は分類済みの認証エラー。
// Opは失敗した操作名（例: "identity.sign_in"）、Errは元のエラー。
type AuthError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind ErrorKind, op string, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Err: err}
}

var (
	// ErrSessionInvalidated はリクエスト中にセッションが無効化されたことを示す。
	// 無効化されたセッションに依存していた操作はリトライせずにこのエラーで失敗する。
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrSessionRejected はバックエンドがセッショントークンを拒否したことを示す（401/403）。
	ErrSessionRejected = errors.New("session rejected by backend")

	// ErrOperationInProgress は同種の認証操作が既に実行中であることを示す。
	ErrOperationInProgress = errors.New("authentication operation already in progress")

	// ErrStaleResult は操作の結果が古くなり破棄されたことを示す。
	// 遷移やサインアウトで操作が置き換えられた場合に返る。
	ErrStaleResult = errors.New("authentication result is stale")

	// ErrIdentitySignedOut はIdPが外部アイデンティティをサインアウト済みと報告したことを示す。
	ErrIdentitySignedOut = errors.New("identity provider reports signed out")

	// ErrFederatedDisabled はフェデレーションサインインが設定されていないことを示す。
	ErrFederatedDisabled = errors.New("federated sign-in is not configured")
)

// KindOf はエラーを分類する。
// AuthErrorでないエラーのうち、タイムアウトやネットワークエラーはNetworkError、
// それ以外はUnknownとする。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkError
	}

	return KindUnknown
}

// userMessages はエラー分類ごとのユーザー向けメッセージ。
// 全分類を網羅すること。
var userMessages = map[ErrorKind]APIError{
	KindInvalidCredentials: {
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して、もう一度サインインしてください。",
	},
	KindAccountNotFound: {
		Message:  "このメールアドレスのアカウントは見つかりません。",
		Category: "auth",
		Action:   "メールアドレスを確認するか、新しくアカウントを作成してください。",
	},
	KindEmailInUse: {
		Message:  "このメールアドレスは既に登録されています。",
		Category: "validation",
		Action:   "サインインするか、別のメールアドレスを使用してください。",
	},
	KindWeakPassword: {
		Message:  "パスワードが弱すぎます。",
		Category: "validation",
		Action:   "6文字以上の推測されにくいパスワードを設定してください。",
	},
	KindInvalidEmail: {
		Message:  "メールアドレスの形式が正しくありません。",
		Category: "validation",
		Action:   "正しいメールアドレスを入力してください。",
	},
	KindRateLimited: {
		Message:  "試行回数が多すぎます。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	},
	KindUserCancelled: {
		Message:  "サインインがキャンセルされました。",
		Category: "auth",
		Action:   "もう一度サインインを開始してください。",
	},
	KindConcurrentPopup: {
		Message:  "別のサインイン画面が既に開いています。",
		Category: "auth",
		Action:   "開いているサインイン画面を完了するか閉じてから、再度お試しください。",
	},
	KindExchangeRejected: {
		Message:  "サインインを完了できませんでした。",
		Category: "auth",
		Action:   "時間をおいて再度サインインしてください。解決しない場合はサポートへお問い合わせください。",
	},
	KindNetworkError: {
		Message:  "サーバーに接続できませんでした。",
		Category: "system",
		Action:   "通信環境を確認して、しばらく待ってから再度お試しください。",
	},
	KindUnknown: {
		Message:  "予期しないエラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	},
}

// UserMessage はエラーをユーザー向けのAPIErrorに変換する。
// IdPのエラーコードやスタックトレースは含めない。
func UserMessage(err error) *APIError {
	switch {
	case errors.Is(err, ErrSessionInvalidated), errors.Is(err, ErrSessionRejected):
		return NewSessionExpiredError()
	case errors.Is(err, ErrOperationInProgress):
		return &APIError{
			Code:     "OPERATION_IN_PROGRESS",
			Message:  "サインイン処理を実行中です。",
			Category: "auth",
			Action:   "処理が完了するまでお待ちください。",
		}
	case errors.Is(err, ErrFederatedDisabled):
		return &APIError{
			Code:     "FEDERATED_DISABLED",
			Message:  "外部アカウントでのサインインは利用できません。",
			Category: "auth",
			Action:   "メールアドレスとパスワードでサインインしてください。",
		}
	}

	kind := KindOf(err)
	msg, ok := userMessages[kind]
	if !ok {
		kind = KindUnknown
		msg = userMessages[KindUnknown]
	}
	msg.Code = string(kind)
	return &msg
}

// NewSessionExpiredError はセッション切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     "SESSION_EXPIRED",
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "再度サインインしてください。",
	}
}

// NewAccessDeniedError はロール不足によるアクセス拒否エラーを生成する。
func NewAccessDeniedError(path string) *APIError {
	return &APIError{
		Code:     "ACCESS_DENIED",
		Message:  fmt.Sprintf("このページを表示する権限がありません: %s", path),
		Category: "auth",
		Action:   "権限が必要な場合は管理者へお問い合わせください。",
	}
}

// NewSessionLoadingError はセッション再検証中であることを示すエラーを生成する。
func NewSessionLoadingError() *APIError {
	return &APIError{
		Code:     "SESSION_LOADING",
		Message:  "セッションを確認しています。",
		Category: "auth",
		Action:   "しばらくしてから再度読み込んでください。",
	}
}

// NewInvalidRequestError は不正な入力に対するエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     "INVALID_REQUEST",
		Message:  fmt.Sprintf("リクエストが正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
