// Package auth はサインイン・サインアップ・サインアウトなどの認証操作と、起動時のセッション復元を提供する。
// UIから呼ばれる操作はすべてこのパッケージを経由し、セッションストアへの書き込みもここに集約する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/ticketfront/internal/model"
	"github.com/hitoshi/ticketfront/internal/session"
)

// IdentityClient は外部IdPとの認証操作。identity.Clientが満たす。
type IdentityClient interface {
	SignInWithCredentials(ctx context.Context, email, password string) (*model.IdentityAssertion, error)
	SignInWithFederatedProvider(ctx context.Context) (*model.IdentityAssertion, error)
	CreateAccount(ctx context.Context, email, password, displayName string) (*model.IdentityAssertion, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
}

// SessionExchanger はバックエンドとのセッション交換。exchange.Exchangerが満たす。
type SessionExchanger interface {
	Exchange(ctx context.Context, assertion *model.IdentityAssertion) (*model.Session, error)
	Me(ctx context.Context, token string) (*model.User, error)
}

// Observer は認証操作の結果を受け取る。metrics.Collectorが満たす。
type Observer interface {
	ObserveAction(action string, kind model.ErrorKind, duration time.Duration)
	ObserveInvalidation(reason string)
}

// 操作名。ログとメトリクスのラベルに使う。
const (
	ActionSignIn          = "sign_in"
	ActionSignUp          = "sign_up"
	ActionSignInFederated = "sign_in_federated"
	ActionResetPassword   = "reset_password"
	ActionSignOut         = "sign_out"
	ActionBootstrap       = "bootstrap"
)

// 無効化の理由。
const (
	ReasonRejected          = "rejected"
	ReasonIdentitySignedOut = "identity_signed_out"
	ReasonRevalidation      = "revalidation"
)

// Config は認証サービスの設定。
type Config struct {
	// FederatedEnabled がfalseの場合、SignInFederatedはmodel.ErrFederatedDisabledを返す。
	FederatedEnabled bool
}

// Service は認証操作を提供する。
//
// 同時に実行できる認証操作は1つだけで、実行中の呼び出しにはmodel.ErrOperationInProgressを返す。
// SignOutやCancelで操作が置き換えられた場合、遅れて届いた結果は破棄してIdP側のサインインを取り消す。
// 置き換えられた操作の終了処理が残っている間に始めた操作は、その終了を待ってから実行される。
type Service struct {
	identity  IdentityClient
	exchanger SessionExchanger
	store     *session.Store
	observer  Observer
	config    Config
	logger    *slog.Logger

	mu         sync.Mutex
	active     *operation
	generation uint64
}

// operation は実行中の認証操作。
type operation struct {
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewService はServiceを生成する。observerはnilでもよい。
func NewService(identity IdentityClient, exchanger SessionExchanger, store *session.Store, observer Observer, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{
		identity:  identity,
		exchanger: exchanger,
		store:     store,
		observer:  observer,
		config:    config,
		logger:    logger,
	}
}

// SignIn はメールアドレスとパスワードでサインインし、セッションを確立する。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, model.NewAuthError(model.KindInvalidEmail, "auth.sign_in", errors.New("email is required"))
	}
	if password == "" {
		return nil, model.NewAuthError(model.KindInvalidCredentials, "auth.sign_in", errors.New("password is required"))
	}

	return s.establish(ctx, ActionSignIn, func(ctx context.Context) (*model.IdentityAssertion, error) {
		return s.identity.SignInWithCredentials(ctx, email, password)
	})
}

// SignUp はアカウントを作成し、セッションを確立する。
// 表示名はIdPに登録されるが、セッションのプロフィールはバックエンドの応答のみから作られる。
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, model.NewAuthError(model.KindInvalidEmail, "auth.sign_up", errors.New("email is required"))
	}
	if password == "" {
		return nil, model.NewAuthError(model.KindWeakPassword, "auth.sign_up", errors.New("password is required"))
	}

	return s.establish(ctx, ActionSignUp, func(ctx context.Context) (*model.IdentityAssertion, error) {
		return s.identity.CreateAccount(ctx, email, password, displayName)
	})
}

// SignInFederated はフェデレーションIdPでサインインし、セッションを確立する。
func (s *Service) SignInFederated(ctx context.Context) (*model.Session, error) {
	if !s.config.FederatedEnabled {
		return nil, model.ErrFederatedDisabled
	}
	return s.establish(ctx, ActionSignInFederated, s.identity.SignInWithFederatedProvider)
}

// ResetPassword はパスワード再設定メールを送信する。セッションには影響しない。
func (s *Service) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return model.NewAuthError(model.KindInvalidEmail, "auth.reset_password", errors.New("email is required"))
	}

	ctx, _, done, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	start := time.Now()
	err = s.identity.SendPasswordReset(ctx, email)
	s.observer.ObserveAction(ActionResetPassword, model.KindOf(err), time.Since(start))
	return err
}

// SignOut はIdPからサインアウトし、セッションを破棄する。
// 実行中の認証操作は取り消され、その結果は破棄される。何度呼んでも成功する。
func (s *Service) SignOut(ctx context.Context) error {
	start := time.Now()
	s.supersede()

	s.identity.SignOut(ctx)
	if err := s.store.Clear(ctx); err != nil {
		// 永続ストレージの削除に失敗してもメモリ上のセッションは破棄済み
		s.logger.Warn("サインアウト時に永続化されたセッションを削除できませんでした", slog.String("error", err.Error()))
	}

	s.observer.ObserveAction(ActionSignOut, "", time.Since(start))
	s.logger.Info("サインアウトしました")
	return nil
}

// Cancel は実行中の認証操作を取り消す。遷移などで結果が不要になった場合に呼ぶ。
func (s *Service) Cancel() {
	s.supersede()
}

// Invalidate はtokenが現在のセッションのものであればセッションを破棄し、IdPからもサインアウトする。
// バックエンドがトークンを拒否した際にtransport.Authenticatorから呼ばれる。
func (s *Service) Invalidate(ctx context.Context, token string) (bool, error) {
	return s.invalidate(ctx, token, ReasonRejected)
}

// InvalidateCurrent は現在のセッションを破棄する。IdPがサインアウト済みと報告した場合に呼ぶ。
func (s *Service) InvalidateCurrent(ctx context.Context, reason string) (bool, error) {
	return s.invalidate(ctx, s.store.Token(), reason)
}

func (s *Service) invalidate(ctx context.Context, token, reason string) (bool, error) {
	cleared, err := s.store.ClearIfToken(ctx, token)
	if !cleared {
		return false, err
	}

	s.identity.SignOut(ctx)
	s.observer.ObserveInvalidation(reason)
	s.logger.Info("セッションを無効化しました", slog.String("reason", reason))
	return true, err
}

// Bootstrap は永続ストレージのトークンを読み出し、バックエンドで再検証する。
// HydrateとRevalidateを続けて呼ぶのと同じ。
func (s *Service) Bootstrap(ctx context.Context) error {
	token, generation, err := s.Hydrate(ctx)
	if err != nil {
		return err
	}
	return s.Revalidate(ctx, token, generation)
}

// Hydrate は永続ストレージのトークンを読み出し、セッション状態をIsLoading=trueにする。
// 保存されたトークンがなければ空文字列を返す。
// 再検証が終わるまで保護されたルートは表示されないため、リクエストを受け付ける前に呼ぶこと。
func (s *Service) Hydrate(ctx context.Context) (string, uint64, error) {
	start := time.Now()
	token, generation, err := s.store.Hydrate(ctx)
	if err != nil {
		s.observer.ObserveAction(ActionBootstrap, model.KindUnknown, time.Since(start))
		return "", generation, err
	}
	return token, generation, nil
}

// Revalidate はHydrateで読み出したトークンをバックエンドで再検証する。
// バックエンドがトークンを拒否した場合はセッションを破棄する。
// 通信エラーの場合はトークンを残したまま未認証として扱い、エラーを返す。
// generationが古い場合（再検証中にサインインやサインアウトがあった場合）は結果を保存しない。
func (s *Service) Revalidate(ctx context.Context, token string, generation uint64) error {
	if token == "" {
		return nil
	}
	start := time.Now()

	user, err := s.exchanger.Me(ctx, token)
	if err != nil {
		s.observer.ObserveAction(ActionBootstrap, model.KindOf(err), time.Since(start))

		if model.KindOf(err) == model.KindExchangeRejected {
			s.invalidate(ctx, token, ReasonRevalidation)
			return nil
		}
		s.store.AbandonRevalidation(generation)
		return fmt.Errorf("failed to revalidate session: %w", err)
	}

	ok, err := s.store.CompareAndSet(ctx, generation, &model.Session{Token: token, User: *user})
	if err != nil {
		s.store.AbandonRevalidation(generation)
		return fmt.Errorf("failed to restore session: %w", err)
	}
	if ok {
		s.logger.Info("セッションを復元しました",
			slog.String("user_id", user.ID),
			slog.String("role", string(user.Role)),
		)
	}
	s.observer.ObserveAction(ActionBootstrap, "", time.Since(start))
	return nil
}

// UseSession は現在のセッション状態を返す。
func (s *Service) UseSession() model.SessionState {
	return s.store.State()
}

// Subscribe はセッション状態の変化を購読する。戻り値の関数で購読を解除する。
func (s *Service) Subscribe(listener session.Listener) func() {
	return s.store.Subscribe(listener)
}

// establish はIdPでの認証とセッション交換を行い、結果をストアへ保存する。
// 交換に失敗した場合や結果が古くなった場合は、IdP側のサインインを取り消す。
func (s *Service) establish(ctx context.Context, action string, authenticate func(context.Context) (*model.IdentityAssertion, error)) (*model.Session, error) {
	start := time.Now()
	ctx, generation, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	sess, err := s.authenticateAndExchange(ctx, generation, authenticate)
	s.observer.ObserveAction(action, model.KindOf(err), time.Since(start))
	if err != nil {
		s.logger.Info("認証に失敗しました",
			slog.String("action", action),
			slog.String("kind", string(model.KindOf(err))),
		)
		return nil, err
	}

	s.logger.Info("認証に成功しました",
		slog.String("action", action),
		slog.String("user_id", sess.User.ID),
		slog.String("role", string(sess.User.Role)),
	)
	return sess, nil
}

func (s *Service) authenticateAndExchange(ctx context.Context, generation uint64, authenticate func(context.Context) (*model.IdentityAssertion, error)) (*model.Session, error) {
	assertion, err := authenticate(ctx)
	if err != nil {
		if s.stale(generation) {
			return nil, model.ErrStaleResult
		}
		return nil, err
	}

	if s.stale(generation) {
		s.rollback(ctx)
		return nil, model.ErrStaleResult
	}

	sess, err := s.exchanger.Exchange(ctx, assertion)
	if err != nil {
		s.rollback(ctx)
		if s.stale(generation) {
			return nil, model.ErrStaleResult
		}
		return nil, err
	}

	if err := s.commit(ctx, generation, sess); err != nil {
		s.rollback(ctx)
		return nil, err
	}
	return sess.Clone(), nil
}

// commit は操作が置き換えられていなければセッションを保存する。
func (s *Service) commit(ctx context.Context, generation uint64, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return model.ErrStaleResult
	}
	return s.store.Set(context.WithoutCancel(ctx), sess)
}

// rollback はIdP側のサインインを取り消す。呼び出し元のキャンセルには影響されない。
func (s *Service) rollback(ctx context.Context) {
	s.identity.SignOut(context.WithoutCancel(ctx))
	s.logger.Info("IdPのサインインを取り消しました")
}

// begin は認証操作を開始する。実行中の操作があればmodel.ErrOperationInProgressを返す。
// 置き換え済みの操作が終了処理中であれば、その終了を待つ。
func (s *Service) begin(ctx context.Context) (context.Context, uint64, func(), error) {
	s.mu.Lock()
	for s.active != nil {
		prev := s.active
		if prev.generation == s.generation {
			s.mu.Unlock()
			return nil, 0, nil, model.ErrOperationInProgress
		}
		s.mu.Unlock()

		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, 0, nil, model.ErrOperationInProgress
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	op := &operation{generation: s.generation, cancel: cancel, done: make(chan struct{})}
	s.active = op

	done := func() {
		cancel()
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		close(op.done)
	}
	return ctx, op.generation, done, nil
}

// supersede は実行中の操作を取り消し、その結果が保存されないようにする。
func (s *Service) supersede() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.active != nil {
		s.active.cancel()
	}
}

func (s *Service) stale(generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generation != s.generation
}

// nopObserver は何もしないObserver。
type nopObserver struct{}

func (nopObserver) ObserveAction(string, model.ErrorKind, time.Duration) {}
func (nopObserver) ObserveInvalidation(string)                           {}
