// Package identity は外部IdPとの認証操作を提供する。
// IdP固有のエラーコードはこのパッケージの境界で内部のエラー分類に変換し、外へ漏らさない。
package identity

import (
	"context"
	"fmt"
	"time"
)

// Credential はIdPが返す認証結果。
// IDTokenがセッション交換に使うアサーション、RefreshTokenはIdP上のサインイン状態の確認に使う。
type Credential struct {
	IDToken      string
	RefreshToken string
	LocalID      string
	Email        string
	DisplayName  string
	ExpiresIn    time.Duration
}

// Provider は外部IdPのリクエスト/レスポンス契約。
// 失敗時は*ProviderErrorでIdP固有のエラーコードを返す。
type Provider interface {
	// SignIn はメールアドレスとパスワードでサインインする。
	SignIn(ctx context.Context, email, password string) (*Credential, error)
	// SignInFederated はフェデレーションIdP（ポップアップ相当）でサインインする。
	SignInFederated(ctx context.Context) (*Credential, error)
	// CreateAccount はアカウントを作成し、表示名を設定する。
	CreateAccount(ctx context.Context, email, password, displayName string) (*Credential, error)
	// SignOut はIdP側のサインイン状態を破棄する。
	SignOut(ctx context.Context, refreshToken string) error
	// SendReset はパスワード再設定メールを送信する。
	SendReset(ctx context.Context, email string) error
	// Refresh はリフレッシュトークンでIDトークンを再発行する。
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// ProviderError はIdP固有のエラーコードを保持する。
type ProviderError struct {
	Code    string
	Message string
	Status  int
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("identity provider error %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("identity provider error %s (status %d)", e.Code, e.Status)
}

// フェデレーションフローが発行するエラーコード。
const (
	CodePopupClosedByUser     = "popup-closed-by-user"
	CodeCancelledPopupRequest = "cancelled-popup-request"
	CodeMissingIDToken        = "missing-id-token"
)
