package handler

import (
	"net/http"

	"github.com/hitoshi/ticketfront/internal/authz"
	"github.com/hitoshi/ticketfront/internal/middleware"
	"github.com/hitoshi/ticketfront/internal/model"
)

// decisionLoading は再検証中で判定を保留したことを示す。
const decisionLoading = "loading"

// DecisionRecorder はルート判定を記録する。metrics.Collectorが満たす。
type DecisionRecorder interface {
	RecordAuthzDecision(decision string)
}

// AuthzHandler はSPAのルーティング用にルート判定を返すHTTPハンドラー。
type AuthzHandler struct {
	authorizer *authz.Authorizer
	signInPath string
	recorder   DecisionRecorder
}

// NewAuthzHandler はAuthzHandlerを生成する。recorderはnilでもよい。
func NewAuthzHandler(authorizer *authz.Authorizer, signInPath string, recorder DecisionRecorder) *AuthzHandler {
	return &AuthzHandler{authorizer: authorizer, signInPath: signInPath, recorder: recorder}
}

// checkResponse はGET /authz/checkのレスポンス。
type checkResponse struct {
	Path       string `json:"path"`
	Decision   string `json:"decision"`
	Protected  bool   `json:"protected"`
	RedirectTo string `json:"redirectTo,omitempty"`
}

// Check は指定パスへのアクセス可否を返す。
// 未認証の場合はredirectToにnext付きのサインイン画面を返す。
// GET /authz/check?path=/dashboard/vendor
func (h *AuthzHandler) Check(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" || path[0] != '/' {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("pathは/で始まる必要があります"))
		return
	}

	state, _ := middleware.SessionStateFromContext(r.Context())
	decision, protected := h.authorizer.Check(path, state.Session)

	resp := checkResponse{Path: path, Decision: decision.String(), Protected: protected}
	switch {
	case protected && state.IsLoading:
		resp.Decision = decisionLoading
	case decision == authz.DenyUnauthenticated:
		resp.RedirectTo = authz.SignInURL(h.signInPath, path)
	}

	if h.recorder != nil && protected {
		h.recorder.RecordAuthzDecision(resp.Decision)
	}
	writeJSON(w, http.StatusOK, resp)
}
