package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/ticketfront/internal/auth"
	"github.com/hitoshi/ticketfront/internal/authz"
	"github.com/hitoshi/ticketfront/internal/config"
	"github.com/hitoshi/ticketfront/internal/database"
	"github.com/hitoshi/ticketfront/internal/exchange"
	"github.com/hitoshi/ticketfront/internal/handler"
	"github.com/hitoshi/ticketfront/internal/identity"
	"github.com/hitoshi/ticketfront/internal/logger"
	"github.com/hitoshi/ticketfront/internal/metrics"
	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/security"
	"github.com/hitoshi/ticketfront/internal/session"
	"github.com/hitoshi/ticketfront/internal/storage"
	"github.com/hitoshi/ticketfront/internal/transport"
	"github.com/hitoshi/ticketfront/internal/worker/watch"
)

// bootstrapTimeout は起動時のセッション再検証の上限。
const bootstrapTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		host := os.Getenv("SERVER_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(fmt.Sprintf("http://%s:%s/health", host, port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("addr", cfg.Addr()),
		slog.String("backend_url", cfg.BackendURL),
		slog.String("storage", maskStorageURL(cfg.StorageURL)),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandWhoami:
		return runWhoami(w, cfg)
	default:
		return runServe(cfg)
	}
}

// components はサブコマンド間で共有する依存関係。
type components struct {
	storage   storage.Backend
	store     *session.Store
	identity  *identity.Client
	auth      *auth.Service
	registry  *prometheus.Registry
	collector *metrics.Collector
}

// newComponents はストレージ・IdP・セッション交換・認証サービスを組み立てる。
// 呼び出し側はcloseでストレージを解放すること。
func newComponents(cfg *config.Config) (*components, error) {
	log := slog.Default()

	// 1. 永続ストレージとセッションストア
	backend, err := storage.Open(cfg.StorageURL, storage.Options{Passphrase: cfg.StoragePassphrase})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	store := session.NewStore(backend, log)

	// 2. IdPクライアント
	idpHTTP := &http.Client{Timeout: cfg.HTTPTimeout}
	var federated identity.FederatedAuthorizer
	if cfg.FederatedEnabled() {
		var opener identity.Opener = identity.OpenBrowser
		if !cfg.OpenBrowser {
			opener = identity.LogOpener(log)
		}
		federated = identity.NewLoopbackFlow(identity.LoopbackConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Timeout:      cfg.FederatedTimeout,
		}, opener, idpHTTP, log)
	}
	provider := identity.NewToolkitProvider(identity.ToolkitConfig{
		APIKey:         cfg.IdentityAPIKey,
		ToolkitURL:     cfg.IdentityToolkitURL,
		SecureTokenURL: cfg.SecureTokenURL,
	}, idpHTTP, federated)
	idClient := identity.NewClient(provider, log)

	// 3. セッション交換（トークンを自動付与しないクライアント）
	exchanger := exchange.NewExchanger(exchange.Config{
		BackendURL: cfg.BackendURL,
		Timeout:    cfg.HTTPTimeout,
	}, &http.Client{Timeout: cfg.HTTPTimeout}, log)

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. 認証サービス
	authService := auth.NewService(idClient, exchanger, store, collector,
		auth.Config{FederatedEnabled: cfg.FederatedEnabled()}, log)

	return &components{
		storage:   backend,
		store:     store,
		identity:  idClient,
		auth:      authService,
		registry:  registry,
		collector: collector,
	}, nil
}

func (c *components) close() {
	if err := c.storage.Close(); err != nil {
		slog.Warn("failed to close storage", slog.String("error", err.Error()))
	}
}

// runServe はローカルフロントエンドサーバーを起動する。
// 全依存関係をワイヤリングし、永続化されたセッションの再検証とIdP監視をバックグラウンドで開始する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	// 1. ルート表
	policy, err := authz.LoadPolicy(cfg.RoutesFile)
	if err != nil {
		return fmt.Errorf("failed to load route policy: %w", err)
	}
	authorizer := authz.NewAuthorizer(policy, authz.NewGate(cfg.AdminSuperset))

	// 2. UIへのイベント配信
	sanitizer := security.NewTextSanitizer()
	hub := handler.NewEventHub(c.auth, sanitizer, cfg.SignInPath, cfg.CORSAllowedOrigin, slog.Default())
	unsubscribe := c.auth.Subscribe(hub.PublishState)
	defer unsubscribe()

	// 3. バックエンドAPIクライアント（トークン付与と401/403時の無効化）
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	apiClient := &http.Client{Timeout: cfg.HTTPTimeout, Jar: jar}
	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return fmt.Errorf("failed to parse backend url: %w", err)
	}
	authenticator := transport.NewAuthenticator(c.store, c.auth, hub.Navigate,
		transport.WithBasePath(backendURL.Path),
		transport.WithLogger(slog.Default()),
	)
	release := authenticator.Install(apiClient)
	defer release()

	proxy, err := handler.NewAPIProxy(cfg.BackendURL, apiClient, c.collector, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create api proxy: %w", err)
	}

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		SessionSource:     c.store,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF:              middleware.CSRFConfig{CookieSecure: cfg.CookieSecure},
		RateLimiter:       rateLimiter,

		AuthService: c.auth,
		Sessions:    c.auth,
		Sanitizer:   sanitizer,
		SignInPath:  cfg.SignInPath,
		Events:      hub,

		Authorizer:       authorizer,
		DecisionRecorder: c.collector,

		APIProxy:      proxy,
		AvatarFetcher: security.NewSSRFGuard(cfg.AvatarTimeout, cfg.AvatarMaxSize),

		HealthChecker:  c.storage,
		MetricsHandler: metrics.Handler(c.registry),
	}

	// フェデレーションサインインはブラウザでの操作を待つため、書き込みタイムアウトはその上限より長くする
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.FederatedTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 5. 永続化されたセッションの読み込み。リクエストを受け付ける前に読み込み中の状態にする
	restoreSession(ctx, c.auth)

	// 6. IdPのサインイン状態の監視
	watcher := watch.NewWatcher(c.identity, c.auth, c.collector, slog.Default())
	go watcher.Start(ctx, cfg.IdentityCheckInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("frontend server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down frontend server...")

	// 実行中のフェデレーションフローを中断し、WebSocket接続を閉じる
	c.auth.Cancel()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("frontend server stopped gracefully")
	return nil
}

// restoreSession は永続化されたトークンを同期的に読み込み、バックエンドでの再検証をバックグラウンドで開始する。
// 戻り値のチャネルは再検証が終わると閉じられる。
func restoreSession(ctx context.Context, svc *auth.Service) <-chan struct{} {
	done := make(chan struct{})

	token, generation, err := svc.Hydrate(ctx)
	if err != nil {
		slog.Warn("failed to load persisted session", slog.String("error", err.Error()))
		close(done)
		return done
	}

	go func() {
		defer close(done)
		bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		defer cancel()
		if err := svc.Revalidate(bootCtx, token, generation); err != nil {
			slog.Warn("session revalidation failed", slog.String("error", err.Error()))
		}
	}()
	return done
}

// runMigrate はセッションストレージのマイグレーションを実行する。
// PostgreSQL以外のストレージではスキーマがないため何もしない。
func runMigrate(cfg *config.Config) error {
	if !isPostgresURL(cfg.StorageURL) {
		slog.Info("storage has no schema, skipping migrations",
			slog.String("storage", maskStorageURL(cfg.StorageURL)),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("storage", maskStorageURL(cfg.StorageURL)),
	)

	version, err := database.MigrateClientStorage(cfg.StorageURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runWhoami は永続化されたセッションをバックエンドで再検証し、サインイン中のユーザーを表示する。
func runWhoami(w io.Writer, cfg *config.Config) error {
	c, err := newComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if err := c.auth.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to revalidate session: %w", err)
	}

	state := c.auth.UseSession()
	if !state.Session.Authenticated() {
		fmt.Fprintln(w, "not signed in")
		return nil
	}

	user := state.Session.User
	name := security.NewTextSanitizer().DisplayName(user.DisplayName)
	if name == "" {
		name = user.Email
	}
	fmt.Fprintf(w, "%s <%s> role=%s\n", name, user.Email, user.Role)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func isPostgresURL(rawURL string) bool {
	scheme, _, _ := strings.Cut(rawURL, ":")
	scheme = strings.ToLower(scheme)
	return scheme == "postgres" || scheme == "postgresql"
}

// maskStorageURL はストレージURLの認証情報をマスクする。
func maskStorageURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
