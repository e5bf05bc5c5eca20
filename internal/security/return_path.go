package security

import (
	"net/url"
	"strings"
)

// DefaultReturnPath は戻り先が無効な場合の遷移先。
const DefaultReturnPath = "/"

// ValidateReturnPath はサインイン後の戻り先を検証し、安全な相対パスを返す。
// 他オリジンへのリダイレクト（オープンリダイレクト）を防ぐため、
// "/"で始まり"//"や"/\"で始まらないパスのみ受け付ける。無効な場合はDefaultReturnPathを返す。
func ValidateReturnPath(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") {
		return DefaultReturnPath
	}
	if strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return DefaultReturnPath
	}
	if strings.ContainsAny(next, "\r\n\t") {
		return DefaultReturnPath
	}

	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return DefaultReturnPath
	}
	return u.RequestURI()
}
