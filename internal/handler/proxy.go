package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/model"
)

// apiPrefix はバックエンドへ中継するパスの接頭辞。
const apiPrefix = "/api"

// HTTPDoer はHTTPリクエストを送信する。transport.Authenticatorを組み込んだ*http.Clientを渡す。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusRecorder はバックエンドのステータスコードを記録する。metrics.Collectorが満たす。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

// hopHeaders は中継しないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardedRequestHeaders はバックエンドへ中継するリクエストヘッダー。
// ブラウザのCookieや認証ヘッダーはローカルサーバー宛てのものなので中継しない。
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	middleware.RequestIDHeader,
}

// APIProxy は/api/*をバックエンドへ中継するHTTPハンドラー。
// トークンの付与と401/403時のセッション無効化はHTTPDoerのトランスポートが行う。
type APIProxy struct {
	backend  *url.URL
	client   HTTPDoer
	recorder StatusRecorder
	logger   *slog.Logger
}

// NewAPIProxy はAPIProxyを生成する。recorderはnilでもよい。
func NewAPIProxy(backendURL string, client HTTPDoer, recorder StatusRecorder, logger *slog.Logger) (*APIProxy, error) {
	backend, err := url.Parse(strings.TrimRight(backendURL, "/"))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIProxy{backend: backend, client: client, recorder: recorder, logger: logger}, nil
}

// ServeHTTP はリクエストをバックエンドへ中継する。
// /api/tickets?page=2 は {backend}/tickets?page=2 に中継される。
func (p *APIProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *p.backend
	target.Path = p.backend.Path + strings.TrimPrefix(r.URL.Path, apiPrefix)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("中継先のURLが不正です"))
		return
	}
	out.ContentLength = r.ContentLength
	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Values(name); len(v) > 0 {
			out.Header[http.CanonicalHeaderKey(name)] = v
		}
	}

	resp, err := p.client.Do(out)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if p.recorder != nil {
		p.recorder.RecordHTTPStatus(resp.StatusCode)
	}

	header := w.Header()
	for name, values := range resp.Header {
		if isHopHeader(name) || strings.EqualFold(name, "Set-Cookie") {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// writeError は中継の失敗を統一フォーマットで書き込む。
func (p *APIProxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}

	p.logger.Warn("backend request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("kind", string(model.KindOf(err))),
	)
	middleware.WriteAuthError(w, err)
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
