package authz

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/model"
	"github.com/hitoshi/ticketfront/internal/security"
)

// DefaultSignInPath は未認証時の遷移先。
const DefaultSignInPath = "/signin"

// Authorizer はルート表とGateを組み合わせてパス単位の判定を行う。
type Authorizer struct {
	policy *Policy
	gate   Gate
}

// NewAuthorizer はAuthorizerを生成する。
func NewAuthorizer(policy *Policy, gate Gate) *Authorizer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Authorizer{policy: policy, gate: gate}
}

// Check はパスに対する判定を返す。保護されていないパスの場合はprotected=falseでAllowを返す。
func (a *Authorizer) Check(path string, session *model.Session) (decision Decision, protected bool) {
	req, ok := a.policy.Lookup(path)
	if !ok {
		return Allow, false
	}
	return a.gate.CanAccess(req, session), true
}

// Guard は保護されたルートへのアクセスを判定するミドルウェアを返す。
// middleware.NewSessionMiddlewareの後に配置する。
//
//   - 再検証中: 503とRetry-After。ロールに依存する内容は返さない
//   - 未認証: 303でサインイン画面へ。戻り先をnextクエリで渡す
//   - ロール不足: 403のアクセス拒否。サインイン画面へは遷移しない
func (a *Authorizer) Guard(signInPath string) func(next http.Handler) http.Handler {
	if signInPath == "" {
		signInPath = DefaultSignInPath
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, protected := a.policy.Lookup(r.URL.Path)
			if !protected {
				next.ServeHTTP(w, r)
				return
			}

			state, _ := middleware.SessionStateFromContext(r.Context())
			if state.IsLoading {
				w.Header().Set("Retry-After", "1")
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionLoadingError())
				return
			}

			switch a.gate.CanAccess(req, state.Session) {
			case Allow:
				next.ServeHTTP(w, r)
			case DenyUnauthenticated:
				http.Redirect(w, r, SignInURL(signInPath, r.URL.RequestURI()), http.StatusSeeOther)
			default:
				slog.Info("access denied",
					slog.String("path", r.URL.Path),
					slog.String("role", string(state.Session.User.Role)),
				)
				middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewAccessDeniedError(r.URL.Path))
			}
		})
	}
}

// SignInURL は戻り先を保持したサインイン画面のURLを返す。
func SignInURL(signInPath, returnPath string) string {
	return signInPath + "?next=" + url.QueryEscape(security.ValidateReturnPath(returnPath))
}
