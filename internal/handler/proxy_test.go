package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/ticketfront/internal/model"
)

type mockDoer struct {
	doFn func(req *http.Request) (*http.Response, error)
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	return m.doFn(req)
}

type recordingStatuses struct {
	codes []int
}

func (r *recordingStatuses) RecordHTTPStatus(statusCode int) {
	r.codes = append(r.codes, statusCode)
}

// TestAPIProxy_ForwardsRequest はパスとクエリを書き換えて中継し、ブラウザのCookieを渡さないことを検証する。
func TestAPIProxy_ForwardsRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "backend=1")
		w.Header().Set("X-Total-Count", "42")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"t-1"}`))
	}))
	defer backend.Close()

	recorder := &recordingStatuses{}
	proxy, err := NewAPIProxy(backend.URL+"/v1/", backend.Client(), recorder, nil)
	if err != nil {
		t.Fatalf("NewAPIProxy() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tickets?event=abc", strings.NewReader(`{"qty":2}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer local")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "x"})
	w := httptest.NewRecorder()

	proxy.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got.URL.Path != "/v1/tickets" {
		t.Errorf("backend path = %q, want /v1/tickets", got.URL.Path)
	}
	if got.URL.RawQuery != "event=abc" {
		t.Errorf("backend query = %q", got.URL.RawQuery)
	}
	if gotBody != `{"qty":2}` {
		t.Errorf("backend body = %q", gotBody)
	}
	if got.Header.Get("Cookie") != "" {
		t.Error("browser cookies must not be forwarded")
	}
	if got.Header.Get("Authorization") != "" {
		t.Error("Authorization must come from the transport, not the browser")
	}
	if w.Header().Get("Set-Cookie") != "" {
		t.Error("backend cookies must not reach the browser")
	}
	if w.Header().Get("X-Total-Count") != "42" {
		t.Error("response headers should be copied")
	}
	if w.Body.String() != `{"id":"t-1"}` {
		t.Errorf("body = %q", w.Body.String())
	}
	if len(recorder.codes) != 1 || recorder.codes[0] != http.StatusCreated {
		t.Errorf("recorded statuses = %v", recorder.codes)
	}
}

func TestAPIProxy_SessionInvalidated(t *testing.T) {
	doer := &mockDoer{doFn: func(req *http.Request) (*http.Response, error) {
		return nil, model.ErrSessionInvalidated
	}}
	proxy, err := NewAPIProxy("http://backend.invalid", doer, nil, nil)
	if err != nil {
		t.Fatalf("NewAPIProxy() error = %v", err)
	}

	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me/bookings", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeErrorBody(t, w); body.Code != "SESSION_EXPIRED" {
		t.Errorf("code = %q, want SESSION_EXPIRED", body.Code)
	}
}

func TestAPIProxy_ClientGone(t *testing.T) {
	doer := &mockDoer{doFn: func(req *http.Request) (*http.Response, error) {
		return nil, context.Canceled
	}}
	proxy, _ := NewAPIProxy("http://backend.invalid", doer, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	proxy.ServeHTTP(w, req)

	if w.Body.Len() != 0 {
		t.Errorf("no body should be written after the client cancelled, got %q", w.Body.String())
	}
}

func TestAPIProxy_NetworkError(t *testing.T) {
	doer := &mockDoer{doFn: func(req *http.Request) (*http.Response, error) {
		return nil, model.NewAuthError(model.KindNetworkError, "backend", errors.New("dial tcp: refused"))
	}}
	proxy, _ := NewAPIProxy("http://backend.invalid", doer, nil, nil)

	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
