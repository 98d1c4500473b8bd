// Package accountsvc は外部アカウントサービス（ユーザー、セッション）のRESTクライアントを提供する。
// 管理者資格情報で動くクライアントと、リクエストごとのセッションに束縛されたクライアントを
// Factoryから生成する。
package accountsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/model"
)

const (
	serviceName       = "account"
	defaultTimeout    = 10 * time.Second
	maxErrorBodyBytes = 4096

	headerProject = "X-Appwrite-Project"
	headerKey     = "X-Appwrite-Key"
	headerSession = "X-Appwrite-Session"
)

var tracer = otel.Tracer("github.com/hitoshi/bankdash/internal/accountsvc")

// Config はアカウントサービスクライアントの設定。
type Config struct {
	Endpoint  string // 例: https://cloud.example.com/v1
	ProjectID string
	APIKey    string
	Timeout   time.Duration

	// テスト用に差し替え可能なHTTPクライアント
	HTTPClient *http.Client
}

// Factory は管理者クライアントとセッションクライアントを生成する。
type Factory struct {
	config     Config
	httpClient *http.Client
	metrics    metrics.MetricsCollector
}

// NewFactory はFactoryを生成する。collectorはnilでもよい。
func NewFactory(config Config, collector metrics.MetricsCollector) *Factory {
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Factory{
		config:     config,
		httpClient: httpClient,
		metrics:    collector,
	}
}

// Admin はAPIキーで認証された管理者クライアントを返す。
// ユーザー作成と最初のセッション発行に使用する。
func (f *Factory) Admin() *Client {
	return &Client{
		factory: f,
		headers: map[string]string{
			headerProject: f.config.ProjectID,
			headerKey:     f.config.APIKey,
		},
	}
}

// Session は現在のリクエストのセッションシークレットに束縛されたクライアントを返す。
// シークレットが空の場合はErrNoSessionを返す。
func (f *Factory) Session(secret string) (*Client, error) {
	if secret == "" {
		return nil, ErrNoSession
	}
	return &Client{
		factory: f,
		headers: map[string]string{
			headerProject: f.config.ProjectID,
			headerSession: secret,
		},
	}, nil
}

// Client はアカウントサービスのAPIを呼び出す。
// 資格情報はFactoryで生成した時点で固定される。
type Client struct {
	factory *Factory
	headers map[string]string
}

// userResponse はユーザーオブジェクトのレスポンス。
type userResponse struct {
	ID           string `json:"$id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Registration string `json:"registration"`
}

// sessionResponse はセッションオブジェクトのレスポンス。
type sessionResponse struct {
	ID     string `json:"$id"`
	UserID string `json:"userId"`
	Expire string `json:"expire"`
	Secret string `json:"secret"`
}

// CreateIdentity はユーザーを作成する。
// POST /account
func (c *Client) CreateIdentity(ctx context.Context, userID, email, password, name string) (*model.User, error) {
	body := map[string]string{
		"userId":   userID,
		"email":    email,
		"password": password,
		"name":     name,
	}

	var resp userResponse
	if err := c.do(ctx, "create_identity", http.MethodPost, "/account", body, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// CreateEmailPasswordSession はメールアドレスとパスワードでセッションを作成する。
// POST /account/sessions/email
func (c *Client) CreateEmailPasswordSession(ctx context.Context, email, password string) (*model.Session, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}

	var resp sessionResponse
	if err := c.do(ctx, "create_session", http.MethodPost, "/account/sessions/email", body, &resp); err != nil {
		return nil, err
	}
	if resp.Secret == "" {
		return nil, fmt.Errorf("empty session secret in response")
	}

	return &model.Session{
		ID:        resp.ID,
		UserID:    resp.UserID,
		Secret:    resp.Secret,
		ExpiresAt: parseTime(resp.Expire),
	}, nil
}

// Get はクライアントに束縛されたセッションのユーザーを取得する。
// GET /account
func (c *Client) Get(ctx context.Context) (*model.User, error) {
	var resp userResponse
	if err := c.do(ctx, "get_account", http.MethodGet, "/account", nil, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// DeleteSession はセッションを削除する。sessionIDに "current" を渡すと現在のセッションを削除する。
// DELETE /account/sessions/{sessionId}
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	path := "/account/sessions/" + url.PathEscape(sessionID)
	return c.do(ctx, "delete_session", http.MethodDelete, path, nil, nil)
}

// do はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// 2xx以外はステータスに応じて分類した*Errorを返す。
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) (err error) {
	ctx, span := tracer.Start(ctx, "accountsvc."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("account.operation", operation)),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.factory.metrics != nil {
			c.factory.metrics.RecordExternalCall(serviceName, operation, metrics.Outcome(err), time.Since(start))
		}
	}()

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.factory.config.Endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.factory.httpClient.Do(req)
	if err != nil {
		return &Error{Message: err.Error(), kind: ErrUnavailable}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", operation, err)
	}
	return nil
}

// errorResponse はエラー時のレスポンス。
type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Type    string `json:"type"`
}

// decodeError はエラーレスポンスを読み取り、ステータスコードで分類した*Errorを返す。
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Message == "" {
		er.Message = strings.TrimSpace(string(body))
	}

	svcErr := NewStatusError(resp.StatusCode, er.Message)
	svcErr.Type = er.Type
	return svcErr
}

func (u *userResponse) toModel() *model.User {
	return &model.User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: parseTime(u.Registration),
	}
}

// parseTime はISO 8601形式の日時をパースする。失敗した場合はゼロ値を返す。
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsUnavailable はエラーが一時的な障害（ネットワーク、429、5xx）によるものかを判定する。
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
