package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL = "https://oauth2.googleapis.com/token"

	defaultFederatedTimeout = 2 * time.Minute
	googleProviderID        = "google.com"
	callbackPath            = "/callback"
)

// Opener は認可URLをユーザーのブラウザで開く。
type Opener func(ctx context.Context, authURL string) error

// LoopbackConfig はループバックリダイレクトによるフェデレーションフローの設定。
type LoopbackConfig struct {
	ClientID     string
	ClientSecret string

	// ListenAddr はコールバックを受けるループバックアドレス。空の場合は127.0.0.1の空きポート。
	ListenAddr string
	// Timeout はユーザーの操作を待つ上限。超過時はポップアップを閉じたものとして扱う。
	Timeout time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// LoopbackFlow はOAuth 2.0認可コード + PKCEでGoogleのIDトークンを取得する。
// ブラウザのポップアップに相当し、同時に開けるフローは1つだけ。
type LoopbackFlow struct {
	config     LoopbackConfig
	opener     Opener
	httpClient *http.Client
	logger     *slog.Logger

	active atomic.Bool
}

// NewLoopbackFlow はLoopbackFlowを生成する。
func NewLoopbackFlow(config LoopbackConfig, opener Opener, httpClient *http.Client, logger *slog.Logger) *LoopbackFlow {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:0"
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultFederatedTimeout
	}
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackFlow{
		config:     config,
		opener:     opener,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ProviderID はsignInWithIdpに渡すプロバイダーIDを返す。
func (f *LoopbackFlow) ProviderID() string {
	return googleProviderID
}

// callbackResult はコールバックで受け取った認可コードまたはエラー。
type callbackResult struct {
	code string
	err  error
}

// Authorize はブラウザで認可画面を開き、ループバックで認可コードを受け取ってIDトークンに交換する。
func (f *LoopbackFlow) Authorize(ctx context.Context) (string, string, error) {
	if !f.active.CompareAndSwap(false, true) {
		return "", "", &ProviderError{Code: CodeCancelledPopupRequest, Message: "another federated sign-in is already open"}
	}
	defer f.active.Store(false)

	ln, err := net.Listen("tcp", f.config.ListenAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to listen for oauth callback: %w", err)
	}

	redirectURL := "http://" + ln.Addr().String() + callbackPath
	conf := &oauth2.Config{
		ClientID:     f.config.ClientID,
		ClientSecret: f.config.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.config.AuthURL,
			TokenURL:  f.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))

	results := make(chan callbackResult, 1)
	server := &http.Server{
		Handler:           newCallbackRouter(state, results, f.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("OAuthコールバックサーバーでエラーが発生しました", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	if f.opener != nil {
		if err := f.opener(waitCtx, authURL); err != nil {
			return "", "", fmt.Errorf("failed to open browser: %w", err)
		}
	}

	f.logger.Info("フェデレーションサインインを開始しました", slog.String("redirect_url", redirectURL))

	var result callbackResult
	select {
	case <-waitCtx.Done():
		// ユーザーがブラウザを閉じた、または操作せずに待機上限を超えた
		return "", "", &ProviderError{Code: CodePopupClosedByUser, Message: waitCtx.Err().Error()}
	case result = <-results:
	}
	if result.err != nil {
		return "", "", result.err
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	token, err := conf.Exchange(tokenCtx, result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return "", "", &ProviderError{Code: CodeMissingIDToken, Message: "token response has no id_token"}
	}

	return idToken, redirectURL, nil
}

// newCallbackRouter はOAuthコールバックを受け付けるルーターを返す。
// stateが一致するコールバックのうち、最初に届いた結果だけをresultsへ送る。
// stateが一致しないリクエストは拒否し、本来のコールバックを待ち続ける。
func newCallbackRouter(state string, results chan<- callbackResult, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			logger.Warn("stateが一致しないOAuthコールバックを拒否しました", slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "invalid state parameter", http.StatusBadRequest)
			return
		}

		var result callbackResult
		switch {
		case q.Get("error") == "access_denied":
			result.err = &ProviderError{Code: CodePopupClosedByUser, Message: "consent denied"}
			writeCallbackPage(w, "サインインはキャンセルされました。このウィンドウを閉じてください。")
		case q.Get("error") != "":
			result.err = &ProviderError{Code: q.Get("error"), Message: q.Get("error_description")}
			writeCallbackPage(w, "サインインに失敗しました。このウィンドウを閉じてください。")
		case q.Get("code") == "":
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			result.err = &ProviderError{Code: "missing-code", Status: http.StatusBadRequest}
		default:
			result.code = q.Get("code")
			writeCallbackPage(w, "サインインが完了しました。このウィンドウを閉じてください。")
		}

		select {
		case results <- result:
		default:
		}
	})

	return r
}

// writeCallbackPage はブラウザに表示する完了ページを書き込む。
func writeCallbackPage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, message)
}

// compile-time interface check
var _ FederatedAuthorizer = (*LoopbackFlow)(nil)
