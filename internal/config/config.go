package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	BackendURL  string
	HTTPTimeout time.Duration

	// Identity provider
	IdentityAPIKey        string
	IdentityToolkitURL    string
	SecureTokenURL        string
	IdentityCheckInterval time.Duration

	// Federated (Google OAuth)
	GoogleClientID     string
	GoogleClientSecret string
	FederatedTimeout   time.Duration
	OpenBrowser        bool

	// Storage
	StorageURL        string
	StoragePassphrase string

	// Authorization
	RoutesFile    string
	AdminSuperset bool
	SignInPath    string

	// Rate Limit
	RateLimitAuth int

	// Avatar
	AvatarTimeout time.Duration
	AvatarMaxSize int64

	// Server
	ServerHost string
	ServerPort string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BackendURL = strings.TrimRight(os.Getenv("BACKEND_URL"), "/")
	if cfg.BackendURL == "" {
		missing = append(missing, "BACKEND_URL")
	}

	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if !strings.HasPrefix(cfg.BackendURL, "http://") && !strings.HasPrefix(cfg.BackendURL, "https://") {
		return nil, fmt.Errorf("BACKEND_URL must be an http(s) URL: %q", cfg.BackendURL)
	}

	// Optional fields with defaults
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.IdentityToolkitURL = getEnvString("IDENTITY_TOOLKIT_URL", "")
	cfg.SecureTokenURL = getEnvString("SECURE_TOKEN_URL", "")
	cfg.IdentityCheckInterval = getEnvDuration("IDENTITY_CHECK_INTERVAL", 5*time.Minute)
	cfg.GoogleClientID = getEnvString("GOOGLE_CLIENT_ID", "")
	cfg.GoogleClientSecret = getEnvString("GOOGLE_CLIENT_SECRET", "")
	cfg.FederatedTimeout = getEnvDuration("FEDERATED_TIMEOUT", 2*time.Minute)
	cfg.OpenBrowser = getEnvBool("OPEN_BROWSER", true)
	cfg.StorageURL = getEnvString("STORAGE_URL", defaultStorageURL())
	cfg.StoragePassphrase = getEnvString("STORAGE_PASSPHRASE", "")
	cfg.RoutesFile = getEnvString("ROUTES_FILE", "")
	cfg.AdminSuperset = getEnvBool("ADMIN_SUPERSET", true)
	cfg.SignInPath = getEnvString("SIGN_IN_PATH", "/signin")
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.AvatarTimeout = getEnvDuration("AVATAR_TIMEOUT", 5*time.Second)
	cfg.AvatarMaxSize = getEnvInt64("AVATAR_MAX_SIZE", 1048576)
	cfg.ServerHost = getEnvString("SERVER_HOST", "127.0.0.1")
	cfg.ServerPort = getEnvString("SERVER_PORT", "3000")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", false)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// FederatedEnabled はフェデレーションサインインが設定されているかを返す。
func (c *Config) FederatedEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// Addr はサーバーの待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

// defaultStorageURL はユーザー設定ディレクトリ配下のセッションファイルを返す。
// 設定ディレクトリが得られない環境ではメモリのみとする。
func defaultStorageURL() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "memory:"
	}
	return "file://" + filepath.Join(dir, "ticketfront", "session.json")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
