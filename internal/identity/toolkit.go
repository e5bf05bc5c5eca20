package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultToolkitURL     = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL = "https://securetoken.googleapis.com/v1/token"

	// maxResponseSize はIdPレスポンスの最大サイズ（1MB）。
	maxResponseSize = 1 << 20
)

// FederatedAuthorizer はフェデレーションIdPの認可フローを実行し、IdPのIDトークンを返す。
// requestURIはIdPへのリダイレクト先で、signInWithIdpにそのまま渡す。
type FederatedAuthorizer interface {
	Authorize(ctx context.Context) (idToken string, requestURI string, err error)
	ProviderID() string
}

// ToolkitConfig はIdentity Toolkit REST APIの設定。
type ToolkitConfig struct {
	APIKey string

	// テスト用にオーバーライド可能なURL
	ToolkitURL     string
	SecureTokenURL string
}

// ToolkitProvider はIdentity Toolkit REST APIによるProvider実装。
type ToolkitProvider struct {
	config     ToolkitConfig
	httpClient *http.Client
	federated  FederatedAuthorizer
}

// NewToolkitProvider はToolkitProviderを生成する。
// federatedがnilの場合、フェデレーションサインインは無効となる。
func NewToolkitProvider(config ToolkitConfig, httpClient *http.Client, federated FederatedAuthorizer) *ToolkitProvider {
	if config.ToolkitURL == "" {
		config.ToolkitURL = defaultToolkitURL
	}
	if config.SecureTokenURL == "" {
		config.SecureTokenURL = defaultSecureTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ToolkitProvider{
		config:     config,
		httpClient: httpClient,
		federated:  federated,
	}
}

// toolkitAuthResponse はサインイン系エンドポイントのレスポンス。
type toolkitAuthResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	ExpiresIn    string `json:"expiresIn"`
}

// toolkitErrorResponse はIdentity Toolkitのエラーレスポンス。
type toolkitErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// secureTokenResponse はトークン更新エンドポイントのレスポンス。
type secureTokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	ExpiresIn    string `json:"expires_in"`
}

// SignIn はaccounts:signInWithPasswordでサインインする。
func (p *ToolkitProvider) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	var resp toolkitAuthResponse
	err := p.post(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credential()
}

// SignInFederated はフェデレーションIdPで認可を得た後、accounts:signInWithIdpでサインインする。
func (p *ToolkitProvider) SignInFederated(ctx context.Context) (*Credential, error) {
	if p.federated == nil {
		return nil, fmt.Errorf("federated authorizer is not configured")
	}

	idpToken, requestURI, err := p.federated.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	postBody := url.Values{
		"id_token":   {idpToken},
		"providerId": {p.federated.ProviderID()},
	}

	var resp toolkitAuthResponse
	err = p.post(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.credential()
}

// CreateAccount はaccounts:signUpでアカウントを作成し、accounts:updateで表示名を設定する。
func (p *ToolkitProvider) CreateAccount(ctx context.Context, email, password, displayName string) (*Credential, error) {
	var created toolkitAuthResponse
	err := p.post(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &created)
	if err != nil {
		return nil, err
	}

	if displayName == "" {
		return created.credential()
	}

	// 表示名の設定（IDトークンが再発行される）
	var updated toolkitAuthResponse
	err = p.post(ctx, "accounts:update", map[string]any{
		"idToken":           created.IDToken,
		"displayName":       displayName,
		"returnSecureToken": true,
	}, &updated)
	if err != nil {
		return nil, err
	}

	if updated.LocalID == "" {
		updated.LocalID = created.LocalID
	}
	if updated.Email == "" {
		updated.Email = created.Email
	}
	return updated.credential()
}

// SignOut はIdP側のサインアウトを行う。
// Identity Toolkitにはクライアント向けの失効APIがないため、ローカルの破棄のみで完了とする。
func (p *ToolkitProvider) SignOut(_ context.Context, _ string) error {
	return nil
}

// SendReset はaccounts:sendOobCodeでパスワード再設定メールを送信する。
func (p *ToolkitProvider) SendReset(ctx context.Context, email string) error {
	var resp struct {
		Email string `json:"email"`
	}
	return p.post(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, &resp)
}

// Refresh はセキュアトークンエンドポイントでIDトークンを再発行する。
// IdP側でアカウントが無効化・削除されている場合はProviderErrorを返す。
func (p *ToolkitProvider) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	endpoint := p.config.SecureTokenURL + "?key=" + url.QueryEscape(p.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp secureTokenResponse
	if err := p.do(req, &resp); err != nil {
		return nil, err
	}

	if resp.IDToken == "" {
		return nil, fmt.Errorf("empty id_token in refresh response")
	}

	return &Credential{
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		LocalID:      resp.UserID,
		ExpiresIn:    parseExpiresIn(resp.ExpiresIn),
	}, nil
}

// post はIdentity ToolkitのエンドポイントにJSONをPOSTする。
func (p *ToolkitProvider) post(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/%s?key=%s", p.config.ToolkitURL, method, url.QueryEscape(p.config.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return p.do(req, out)
}

// do はリクエストを送信し、成功時はoutにデコードする。
// 2xx以外のレスポンスはProviderErrorに変換する。
func (p *ToolkitProvider) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read identity provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseProviderError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse identity provider response: %w", err)
	}
	return nil
}

// parseProviderError はエラーレスポンスからProviderErrorを組み立てる。
// messageは "TOO_MANY_ATTEMPTS_TRY_LATER : ..." のように詳細が続く場合がある。
func parseProviderError(status int, body []byte) *ProviderError {
	var errResp toolkitErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &ProviderError{Code: "HTTP_" + strconv.Itoa(status), Status: status}
	}

	code, detail, _ := strings.Cut(errResp.Error.Message, " : ")
	return &ProviderError{
		Code:    strings.TrimSpace(code),
		Message: strings.TrimSpace(detail),
		Status:  status,
	}
}

// credential はレスポンスをCredentialに変換する。
func (r *toolkitAuthResponse) credential() (*Credential, error) {
	if r.IDToken == "" {
		return nil, fmt.Errorf("empty idToken in identity provider response")
	}
	return &Credential{
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		LocalID:      r.LocalID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		ExpiresIn:    parseExpiresIn(r.ExpiresIn),
	}, nil
}

// parseExpiresIn は秒数の文字列を期間に変換する。
func parseExpiresIn(s string) time.Duration {
	sec, err := strconv.Atoi(s)
	if err != nil || sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

// compile-time interface check
var _ Provider = (*ToolkitProvider)(nil)
