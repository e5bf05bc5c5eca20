// Package exchange はIdPのアサーションをアプリケーションのセッションに交換する。
// セッションを生成する唯一の経路であり、ロールはこの交換の応答からのみ得る。
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/ticketfront/internal/model"
)

const (
	tracerName = "github.com/hitoshi/ticketfront/internal/exchange"

	// TokenPath はセッション交換エンドポイントのパス。
	TokenPath = "/auth/token"
	// MePath はセッション再検証エンドポイントのパス。
	MePath = "/auth/me"

	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

// Config はセッション交換の設定。
type Config struct {
	BackendURL string
	Timeout    time.Duration // 1回の呼び出しの上限
}

// Exchanger はバックエンドとのセッション交換を行う。
type Exchanger struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewExchanger はExchangerを生成する。
// httpClientにはベアラートークンを自動付与しないクライアントを渡すこと。
func NewExchanger(config Config, httpClient *http.Client, logger *slog.Logger) *Exchanger {
	config.BackendURL = strings.TrimRight(config.BackendURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// tokenRequest はPOST /auth/tokenのリクエストボディ。
type tokenRequest struct {
	Assertion string `json:"assertion"`
}

// userResponse はバックエンドが返すユーザーレコード。
type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
	Role        string `json:"role"`
}

// tokenResponse はPOST /auth/tokenのレスポンスボディ。
type tokenResponse struct {
	SessionToken string        `json:"sessionToken"`
	User         *userResponse `json:"user"`
}

// Exchange はアサーションをバックエンドへ送り、セッションを取得する。
// セッションは応答の値だけから組み立て、IdP由来の表示名やロールは使わない。
func (e *Exchanger) Exchange(ctx context.Context, assertion *model.IdentityAssertion) (*model.Session, error) {
	const op = "exchange.token"
	ctx, span := e.tracer.Start(ctx, op)
	defer span.End()

	if assertion == nil || assertion.Token == "" {
		return nil, e.fail(span, model.NewAuthError(model.KindExchangeRejected, op, errors.New("empty identity assertion")))
	}
	if assertion.Expired(e.now()) {
		return nil, e.fail(span, model.NewAuthError(model.KindExchangeRejected, op, errors.New("identity assertion expired")))
	}

	body, err := json.Marshal(tokenRequest{Assertion: assertion.Token})
	if err != nil {
		return nil, e.fail(span, model.NewAuthError(model.KindUnknown, op, err))
	}

	var resp tokenResponse
	status, err := e.call(ctx, op, http.MethodPost, TokenPath, "", body, &resp)
	if err != nil {
		return nil, e.fail(span, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	if resp.SessionToken == "" {
		return nil, e.fail(span, model.NewAuthError(model.KindExchangeRejected, op, errors.New("empty session token in response")))
	}

	user, err := toUser(resp.User)
	if err != nil {
		return nil, e.fail(span, model.NewAuthError(model.KindExchangeRejected, op, err))
	}

	span.SetAttributes(attribute.String("auth.role", string(user.Role)))
	e.logger.Info("セッション交換が完了しました",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)

	return &model.Session{
		Token:     resp.SessionToken,
		User:      *user,
		CreatedAt: e.now(),
	}, nil
}

// Me はセッショントークンでGET /auth/meを呼び、現在のユーザーを返す。
// 401/403の場合はmodel.ErrSessionRejectedを含むExchangeRejectedを返す。
func (e *Exchanger) Me(ctx context.Context, token string) (*model.User, error) {
	const op = "exchange.me"
	ctx, span := e.tracer.Start(ctx, op)
	defer span.End()

	if token == "" {
		return nil, e.fail(span, model.NewAuthError(model.KindExchangeRejected, op, model.ErrSessionRejected))
	}

	var resp userResponse
	if _, err := e.call(ctx, op, http.MethodGet, MePath, token, nil, &resp); err != nil {
		return nil, e.fail(span, err)
	}

	user, err := toUser(&resp)
	if err != nil {
		return nil, e.fail(span, model.NewAuthError(model.KindExchangeRejected, op, err))
	}
	return user, nil
}

// call はバックエンドを呼び出し、2xxの場合にoutへデコードする。
// タイムアウトと通信エラーはNetworkError、401/403はErrSessionRejected、その他の失敗応答はExchangeRejected。
func (e *Exchanger) call(ctx context.Context, op, method, path, token string, body []byte, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.config.BackendURL+path, reader)
	if err != nil {
		return 0, model.NewAuthError(model.KindUnknown, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, model.NewAuthError(model.KindNetworkError, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, model.NewAuthError(model.KindNetworkError, op, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, model.NewAuthError(model.KindExchangeRejected, op,
			fmt.Errorf("status %d: %w", resp.StatusCode, model.ErrSessionRejected))
	case resp.StatusCode >= 500:
		return resp.StatusCode, model.NewAuthError(model.KindNetworkError, op,
			fmt.Errorf("backend returned status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.StatusCode, model.NewAuthError(model.KindExchangeRejected, op,
			fmt.Errorf("backend returned status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, model.NewAuthError(model.KindExchangeRejected, op, fmt.Errorf("failed to parse response: %w", err))
	}
	return resp.StatusCode, nil
}

// fail はスパンにエラーを記録してそのまま返す。
func (e *Exchanger) fail(span trace.Span, err error) error {
	kind := model.KindOf(err)
	span.SetAttributes(attribute.String("auth.error_kind", string(kind)))
	span.SetStatus(codes.Error, string(kind))
	e.logger.Warn("バックエンドのセッションAPI呼び出しに失敗しました",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return err
}

// toUser はバックエンドの応答をユーザーに変換する。ロールが未知の場合は拒否する。
func toUser(u *userResponse) (*model.User, error) {
	if u == nil || u.ID == "" {
		return nil, errors.New("missing user in response")
	}
	role, err := model.ParseRole(u.Role)
	if err != nil {
		return nil, err
	}
	return &model.User{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
		Role:        role,
	}, nil
}
