package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("BACKEND_URL", "https://api.example.com/")
	t.Setenv("IDENTITY_API_KEY", "test-api-key")
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.BackendURL != "https://api.example.com" {
		t.Errorf("BackendURL = %q, want %q", cfg.BackendURL, "https://api.example.com")
	}
	if cfg.IdentityAPIKey != "test-api-key" {
		t.Errorf("IdentityAPIKey = %q, want %q", cfg.IdentityAPIKey, "test-api-key")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v, want %v", cfg.HTTPTimeout, 10*time.Second)
	}
	if cfg.IdentityCheckInterval != 5*time.Minute {
		t.Errorf("IdentityCheckInterval = %v, want %v", cfg.IdentityCheckInterval, 5*time.Minute)
	}
	if cfg.FederatedTimeout != 2*time.Minute {
		t.Errorf("FederatedTimeout = %v, want %v", cfg.FederatedTimeout, 2*time.Minute)
	}
	if !cfg.OpenBrowser {
		t.Error("OpenBrowser should default to true")
	}
	if cfg.StorageURL != "file:///tmp/xdg/ticketfront/session.json" {
		t.Errorf("StorageURL = %q", cfg.StorageURL)
	}
	if !cfg.AdminSuperset {
		t.Error("AdminSuperset should default to true")
	}
	if cfg.SignInPath != "/signin" {
		t.Errorf("SignInPath = %q, want %q", cfg.SignInPath, "/signin")
	}
	if cfg.RateLimitAuth != 10 {
		t.Errorf("RateLimitAuth = %d, want %d", cfg.RateLimitAuth, 10)
	}
	if cfg.AvatarMaxSize != 1048576 {
		t.Errorf("AvatarMaxSize = %d, want %d", cfg.AvatarMaxSize, 1048576)
	}
	if cfg.Addr() != "127.0.0.1:3000" {
		t.Errorf("Addr() = %q, want %q", cfg.Addr(), "127.0.0.1:3000")
	}
	if cfg.CookieSecure {
		t.Error("CookieSecure should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.FederatedEnabled() {
		t.Error("FederatedEnabled should be false without Google credentials")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("IDENTITY_CHECK_INTERVAL", "30s")
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
	t.Setenv("OPEN_BROWSER", "false")
	t.Setenv("STORAGE_URL", "memory:")
	t.Setenv("STORAGE_PASSPHRASE", "correct horse")
	t.Setenv("ROUTES_FILE", "/etc/ticketfront/routes.yaml")
	t.Setenv("ADMIN_SUPERSET", "false")
	t.Setenv("RATE_LIMIT_AUTH", "3")
	t.Setenv("SERVER_HOST", "0.0.0.0")
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("COOKIE_SECURE", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.HTTPTimeout != 3*time.Second {
		t.Errorf("HTTPTimeout = %v, want 3s", cfg.HTTPTimeout)
	}
	if cfg.IdentityCheckInterval != 30*time.Second {
		t.Errorf("IdentityCheckInterval = %v, want 30s", cfg.IdentityCheckInterval)
	}
	if !cfg.FederatedEnabled() {
		t.Error("FederatedEnabled should be true with Google credentials")
	}
	if cfg.OpenBrowser {
		t.Error("OpenBrowser should be false")
	}
	if cfg.StorageURL != "memory:" || cfg.StoragePassphrase != "correct horse" {
		t.Errorf("storage = %q / %q", cfg.StorageURL, cfg.StoragePassphrase)
	}
	if cfg.RoutesFile != "/etc/ticketfront/routes.yaml" {
		t.Errorf("RoutesFile = %q", cfg.RoutesFile)
	}
	if cfg.AdminSuperset {
		t.Error("AdminSuperset should be false")
	}
	if cfg.RateLimitAuth != 3 {
		t.Errorf("RateLimitAuth = %d, want 3", cfg.RateLimitAuth)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if !cfg.CookieSecure {
		t.Error("CookieSecure should be true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("HTTP_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_AUTH", "many")
	t.Setenv("ADMIN_SUPERSET", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v, want default", cfg.HTTPTimeout)
	}
	if cfg.RateLimitAuth != 10 {
		t.Errorf("RateLimitAuth = %d, want default", cfg.RateLimitAuth)
	}
	if !cfg.AdminSuperset {
		t.Error("AdminSuperset should fall back to true")
	}
}

func TestLoad_MissingRequiredVars_ReportsAll(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("IDENTITY_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required vars")
	}
	for _, name := range []string{"BACKEND_URL", "IDENTITY_API_KEY"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should mention %s", err.Error(), name)
		}
	}
}

func TestLoad_MissingIdentityAPIKey_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("IDENTITY_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when IDENTITY_API_KEY is missing")
	}
}

func TestLoad_InvalidBackendURL_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("BACKEND_URL", "api.example.com")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for BACKEND_URL without scheme")
	}
}
