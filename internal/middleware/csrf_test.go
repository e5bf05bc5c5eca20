package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCSRFMiddleware_SafeMethods_PassWithoutToken(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, "/session", nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", method, w.Code, http.StatusOK)
		}
	}
}

func TestCSRFMiddleware_GETRequest_SetsCookieOnce(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != csrfCookieName || len(cookies[0].Value) != 64 {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
	if cookies[0].HttpOnly {
		t.Error("csrf cookie must be readable by the front-end")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if len(w.Result().Cookies()) != 0 {
		t.Error("existing cookie should not be replaced")
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   int
	}{
		{"no cookie", "", "tok", http.StatusForbidden},
		{"no header", "tok", "", http.StatusForbidden},
		{"mismatch", "tok", "other", http.StatusForbidden},
		{"valid", "tok", "tok", http.StatusOK},
	}

	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		for _, tt := range tests {
			req := httptest.NewRequest(method, "/signout", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("%s %s: status = %d, want %d", method, tt.name, w.Code, tt.want)
			}
		}
	}
}

func TestCSRFMiddleware_RejectionIsUnifiedJSON(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/signin", nil))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "CSRF_INVALID" {
		t.Errorf("code = %q, want CSRF_INVALID", body.Code)
	}
}

func TestCSRFTokenHandler_IssuesAndReusesToken(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieSecure: true})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != body["token"] {
		t.Fatalf("cookie and body token should match: %+v / %v", cookies, body)
	}
	if !cookies[0].Secure {
		t.Error("expected Secure cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	json.NewDecoder(w.Body).Decode(&body)
	if body["token"] != "existing" {
		t.Errorf("token = %q, want existing", body["token"])
	}
}
