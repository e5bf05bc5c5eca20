package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/ticketfront/internal/model"
)

const tracerName = "github.com/hitoshi/ticketfront/internal/identity"

// Client は外部IdPとの認証操作を行い、エラーを内部の分類に変換する。
// IdP上のサインイン状態（リフレッシュトークン）はメモリ上にのみ保持し、永続化しない。
// セッションストアには触れない。
type Client struct {
	provider Provider
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu           sync.Mutex
	refreshToken string
}

// NewClient はClientを生成する。
func NewClient(provider Provider, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// SignInWithCredentials はメールアドレスとパスワードでサインインし、アサーションを返す。
func (c *Client) SignInWithCredentials(ctx context.Context, email, password string) (*model.IdentityAssertion, error) {
	const op = "identity.sign_in"
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	cred, err := c.provider.SignIn(ctx, normalizeEmail(email), password)
	if err != nil {
		return nil, c.fail(span, translate(op, signInErrorKinds, err))
	}
	return c.accept(cred), nil
}

// SignInWithFederatedProvider はフェデレーションIdPでサインインし、アサーションを返す。
func (c *Client) SignInWithFederatedProvider(ctx context.Context) (*model.IdentityAssertion, error) {
	const op = "identity.sign_in_federated"
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	cred, err := c.provider.SignInFederated(ctx)
	if err != nil {
		return nil, c.fail(span, translate(op, federatedErrorKinds, err))
	}
	return c.accept(cred), nil
}

// CreateAccount はアカウントを作成してサインインし、アサーションを返す。
func (c *Client) CreateAccount(ctx context.Context, email, password, displayName string) (*model.IdentityAssertion, error) {
	const op = "identity.create_account"
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	cred, err := c.provider.CreateAccount(ctx, normalizeEmail(email), password, strings.TrimSpace(displayName))
	if err != nil {
		return nil, c.fail(span, translate(op, createAccountErrorKinds, err))
	}
	return c.accept(cred), nil
}

// SignOut はIdPからサインアウトする。
// ローカルの状態は常に破棄し、IdP側の失効はベストエフォートで行うため、エラーは返さない。
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.refreshToken = ""
	c.mu.Unlock()

	if refreshToken == "" {
		return nil
	}

	if err := c.provider.SignOut(ctx, refreshToken); err != nil {
		c.logger.Warn("IdPのサインアウトに失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	const op = "identity.send_password_reset"
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	if err := c.provider.SendReset(ctx, normalizeEmail(email)); err != nil {
		return c.fail(span, translate(op, resetErrorKinds, err))
	}
	return nil
}

// SignedIn はIdP上のサインイン状態をローカルに保持しているかを返す。
func (c *Client) SignedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken != ""
}

// CheckSignedIn はIdPにサインイン状態を問い合わせる。
// ローカルにサインイン状態がなければ何もしない。
// IdPがアカウントの無効化や失効を報告した場合はmodel.ErrIdentitySignedOutを返し、ローカルの状態も破棄する。
// ネットワークエラーなど判断できない場合は分類済みのエラーを返し、状態は維持する。
func (c *Client) CheckSignedIn(ctx context.Context) error {
	const op = "identity.check_signed_in"

	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()

	if refreshToken == "" {
		return nil
	}

	cred, err := c.provider.Refresh(ctx, refreshToken)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && signedOutCodes[perr.Code] {
			c.mu.Lock()
			if c.refreshToken == refreshToken {
				c.refreshToken = ""
			}
			c.mu.Unlock()
			return fmt.Errorf("%s: %w", op, model.ErrIdentitySignedOut)
		}
		return translate(op, nil, err)
	}

	c.mu.Lock()
	if c.refreshToken == refreshToken && cred.RefreshToken != "" {
		c.refreshToken = cred.RefreshToken
	}
	c.mu.Unlock()
	return nil
}

// accept はCredentialからアサーションを生成し、IdP上のサインイン状態を記録する。
func (c *Client) accept(cred *Credential) *model.IdentityAssertion {
	c.mu.Lock()
	c.refreshToken = cred.RefreshToken
	c.mu.Unlock()

	assertion := &model.IdentityAssertion{
		Token:          cred.IDToken,
		ProviderUserID: cred.LocalID,
		Email:          cred.Email,
	}
	if cred.ExpiresIn > 0 {
		assertion.ExpiresAt = c.now().Add(cred.ExpiresIn)
	}
	return assertion
}

// fail はスパンにエラー分類を記録してエラーを返す。
func (c *Client) fail(span trace.Span, err error) error {
	kind := model.KindOf(err)
	span.SetAttributes(attribute.String("auth.error_kind", string(kind)))
	span.SetStatus(codes.Error, string(kind))
	c.logger.Info("IdP操作に失敗しました", slog.String("kind", string(kind)))
	return err
}

// normalizeEmail はメールアドレスの前後の空白を除去する。
func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}
