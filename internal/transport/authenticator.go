// Package transport はバックエンドへのリクエストにセッショントークンを付与するRoundTripperを提供する。
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/ticketfront/internal/model"
)

// DefaultExemptPaths はセッション無効化の対象外とするパス。バックエンドのベースパスからの相対パスで完全一致させる。
// トークン交換やパスワード再設定の401/403はセッションの失効を意味しない。
var DefaultExemptPaths = []string{"/auth/token", "/auth/password-reset"}

// TokenSource は現在のセッショントークンを返す。
type TokenSource interface {
	Token() string
}

// Invalidator はtokenが現在のセッションのものであればセッションを無効化する。
// 無効化した場合はtrueを返す。
type Invalidator interface {
	Invalidate(ctx context.Context, token string) (bool, error)
}

// Navigator はUIをサインイン画面へ遷移させる。
type Navigator func(ctx context.Context)

// Authenticator はリクエストにベアラートークンを付与し、
// バックエンドがトークンを拒否した場合にセッションを無効化するhttp.RoundTripper。
//
// 同じトークンに対する複数の401/403は1回の無効化と1回の遷移にまとめる。
type Authenticator struct {
	tokens      TokenSource
	invalidator Invalidator
	navigate    Navigator
	exempt      []string
	basePath    string
	logger      *slog.Logger

	base  http.RoundTripper
	group singleflight.Group
}

// Option はAuthenticatorのオプション。
type Option func(*Authenticator)

// WithExemptPaths は無効化の対象外とするパスを置き換える。
func WithExemptPaths(paths ...string) Option {
	return func(a *Authenticator) {
		a.exempt = append([]string(nil), paths...)
	}
}

// WithBasePath はバックエンドURLのパス部分を設定する。除外パスはこのパスからの相対パスとして照合する。
func WithBasePath(basePath string) Option {
	return func(a *Authenticator) {
		a.basePath = strings.TrimRight(basePath, "/")
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// NewAuthenticator はAuthenticatorを生成する。
// 実際に使うにはInstallでhttp.Clientに登録する。
func NewAuthenticator(tokens TokenSource, invalidator Invalidator, navigate Navigator, opts ...Option) *Authenticator {
	a := &Authenticator{
		tokens:      tokens,
		invalidator: invalidator,
		navigate:    navigate,
		exempt:      DefaultExemptPaths,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Install はclientのTransportをAuthenticatorに差し替え、元に戻す関数を返す。
// 1つのAuthenticatorは1つのclientにのみ登録すること。
func (a *Authenticator) Install(client *http.Client) (release func()) {
	previous := client.Transport
	a.base = previous
	client.Transport = a

	var once sync.Once
	return func() {
		once.Do(func() {
			if client.Transport == a {
				client.Transport = previous
			}
		})
	}
}

// RoundTrip はhttp.RoundTripperを実装する。
func (a *Authenticator) RoundTrip(req *http.Request) (*http.Response, error) {
	token := a.tokens.Token()

	out := req
	if token != "" {
		out = req.Clone(req.Context())
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.transport().RoundTrip(out)
	if err != nil {
		// 通信エラーやタイムアウトではセッションを破棄しない
		return nil, model.NewAuthError(model.KindNetworkError, "transport.round_trip", err)
	}

	if token == "" || !rejected(resp.StatusCode) || a.isExempt(req.URL.Path) {
		return resp, nil
	}

	drain(resp)
	a.invalidate(req.Context(), token, resp.StatusCode)

	return nil, fmt.Errorf("%s %s: status %d: %w", req.Method, req.URL.Path, resp.StatusCode, model.ErrSessionInvalidated)
}

// invalidate はトークンを無効化し、無効化を実行した場合に限りサインイン画面へ遷移させる。
// 同じトークンに対する同時呼び出しは1回にまとめる。
func (a *Authenticator) invalidate(ctx context.Context, token string, status int) {
	ctx = context.WithoutCancel(ctx)

	a.group.Do(token, func() (any, error) {
		invalidated, err := a.invalidator.Invalidate(ctx, token)
		if err != nil {
			a.logger.Warn("セッション無効化がエラーで終了しました",
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)
		}
		if !invalidated {
			return nil, nil
		}

		a.logger.Info("バックエンドがセッションを拒否したため無効化しました", slog.Int("status", status))
		if a.navigate != nil {
			a.navigate(ctx)
		}
		return nil, nil
	})
}

func (a *Authenticator) transport() http.RoundTripper {
	if a.base != nil {
		return a.base
	}
	return http.DefaultTransport
}

func (a *Authenticator) isExempt(path string) bool {
	rel, ok := strings.CutPrefix(path, a.basePath)
	if !ok {
		return false
	}
	for _, p := range a.exempt {
		if rel == p {
			return true
		}
	}
	return false
}

func rejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// drain はレスポンスボディを読み捨てて閉じる。
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// IsInvalidated はエラーがセッション無効化によるものかを返す。
func IsInvalidated(err error) bool {
	return errors.Is(err, model.ErrSessionInvalidated)
}

// compile-time interface check
var _ http.RoundTripper = (*Authenticator)(nil)
