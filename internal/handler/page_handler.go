package handler

import (
	_ "embed"
	"net/http"
)

//go:embed web/index.html
var indexHTML []byte

// PageHandler はSPAのシェルHTMLを返すHTTPハンドラー。
// ロールに依存する画面はauthz.Guardを通過した場合にのみ返す。
type PageHandler struct{}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler() *PageHandler {
	return &PageHandler{}
}

// ServeHTTP はシェルHTMLを返す。
func (h *PageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(indexHTML)
}
