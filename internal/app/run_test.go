package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/ticketfront/internal/authz"
	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/session"
	"github.com/hitoshi/ticketfront/internal/storage"
)

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("IDENTITY_API_KEY", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

// TestRun_Migrate_SkipsWithoutPostgres はPostgreSQL以外のストレージではマイグレーションを行わないことを検証する。
func TestRun_Migrate_SkipsWithoutPostgres(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) error = %v", err)
	}
	if !strings.Contains(buf.String(), "skipping migrations") {
		t.Errorf("expected skip log, got %s", buf.String())
	}
}

func TestRun_Whoami_NotSignedIn(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"whoami"}); err != nil {
		t.Fatalf("Run(whoami) error = %v", err)
	}
	if !strings.Contains(buf.String(), "not signed in") {
		t.Errorf("output = %s, want 'not signed in'", buf.String())
	}
}

// TestRun_Whoami_RevalidatesPersistedToken は永続化されたトークンでバックエンドに問い合わせ、返されたロールを表示することを検証する。
func TestRun_Whoami_RevalidatesPersistedToken(t *testing.T) {
	setTestEnv(t)

	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/me" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"u-1","email":"vendor@example.com","displayName":"Vendor Inc","role":"vendor"}`))
	}))
	defer backend.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	file, err := storage.NewFile(path, "")
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	if err := file.Set(context.Background(), session.TokenKey, "persisted-token"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	t.Setenv("BACKEND_URL", backend.URL)
	t.Setenv("STORAGE_URL", "file://"+path)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"whoami"}); err != nil {
		t.Fatalf("Run(whoami) error = %v", err)
	}

	if gotAuth != "Bearer persisted-token" {
		t.Errorf("Authorization = %q, want Bearer persisted-token", gotAuth)
	}
	if !strings.Contains(buf.String(), "Vendor Inc <vendor@example.com> role=vendor") {
		t.Errorf("output = %s", buf.String())
	}
}

func TestRun_Whoami_RejectedTokenIsCleared(t *testing.T) {
	setTestEnv(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	file, _ := storage.NewFile(path, "")
	file.Set(context.Background(), session.TokenKey, "revoked-token")

	t.Setenv("BACKEND_URL", backend.URL)
	t.Setenv("STORAGE_URL", "file://"+path)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"whoami"}); err != nil {
		t.Fatalf("Run(whoami) error = %v", err)
	}
	if !strings.Contains(buf.String(), "not signed in") {
		t.Errorf("output = %s, want 'not signed in'", buf.String())
	}

	if _, ok, _ := file.Get(context.Background(), session.TokenKey); ok {
		t.Error("rejected token should be removed from storage")
	}
}

// TestRestoreSession_GuardedRouteWaitsForRevalidation は再検証中の保護ルートへのリクエストが
// サインイン画面へリダイレクトされず、読み込み中として扱われることを検証する。
func TestRestoreSession_GuardedRouteWaitsForRevalidation(t *testing.T) {
	setTestEnv(t)

	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"u-1","email":"user@example.com","displayName":"User","role":"user"}`))
	}))
	defer backend.Close()

	path := filepath.Join(t.TempDir(), "session.json")
	file, err := storage.NewFile(path, "")
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	file.Set(context.Background(), session.TokenKey, "persisted-token")

	t.Setenv("BACKEND_URL", backend.URL)
	t.Setenv("STORAGE_URL", "file://"+path)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	c, err := newComponents(cfg)
	if err != nil {
		t.Fatalf("newComponents() error = %v", err)
	}
	defer c.close()

	authorizer := authz.NewAuthorizer(authz.DefaultPolicy(), authz.NewGate(true))
	h := middleware.NewSessionMiddleware(c.store)(authorizer.Guard("/signin")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("bookings"))
		}),
	))
	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/user/bookings", nil))
		return w
	}

	done := restoreSession(context.Background(), c.auth)

	w := get()
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("during revalidation: status = %d, want %d (location=%q)", w.Code, http.StatusServiceUnavailable, w.Header().Get("Location"))
	}

	close(release)
	<-done

	w = get()
	if w.Code != http.StatusOK {
		t.Errorf("after revalidation: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRunHealthcheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	if err := runHealthcheck(healthy.URL + "/health"); err != nil {
		t.Errorf("healthy: error = %v", err)
	}
	if err := runHealthcheck(unhealthy.URL + "/health"); err == nil {
		t.Error("unhealthy: expected error")
	}
}
