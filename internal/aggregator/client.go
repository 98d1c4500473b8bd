// Package aggregator は金融データ集約サービスのRESTクライアントを提供する。
// リンクトークンの発行、パブリックトークンの交換、口座残高と取引明細の取得を行う。
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/bankdash/internal/metrics"
)

const (
	serviceName       = "aggregator"
	defaultTimeout    = 10 * time.Second
	defaultLanguage   = "en"
	maxErrorBodyBytes = 8192
	dateLayout        = "2006-01-02"

	linkTokenCreatePath     = "/link/token/create"
	publicTokenExchangePath = "/item/public_token/exchange"
	itemGetPath             = "/item/get"
	itemRemovePath          = "/item/remove"
	balanceGetPath          = "/accounts/balance/get"
	transactionsGetPath     = "/transactions/get"
	institutionGetPath      = "/institutions/get_by_id"
)

var tracer = otel.Tracer("github.com/hitoshi/bankdash/internal/aggregator")

// Config は集約サービスクライアントの設定。
type Config struct {
	BaseURL  string
	ClientID string
	Secret   string
	Timeout  time.Duration

	// テスト用に差し替え可能なHTTPクライアント
	HTTPClient *http.Client
}

// Client は集約サービスのAPIを呼び出す。
type Client struct {
	baseURL    string
	creds      credentials
	httpClient *http.Client
	metrics    metrics.MetricsCollector
}

// NewClient はClientを生成する。collectorはnilでもよい。
func NewClient(config Config, collector metrics.MetricsCollector) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		creds:      credentials{ClientID: config.ClientID, Secret: config.Secret},
		httpClient: httpClient,
		metrics:    collector,
	}
}

// CreateLinkToken はユーザーに紐付くリンクトークンを作成する。
// 呼び出しごとに異なるトークンが返りうる。
func (c *Client) CreateLinkToken(ctx context.Context, req LinkTokenRequest) (*LinkTokenResponse, error) {
	language := req.Language
	if language == "" {
		language = defaultLanguage
	}
	body := linkTokenCreateRequest{
		credentials:  c.creds,
		ClientName:   req.ClientName,
		User:         linkTokenUser{ClientUserID: req.UserID},
		Products:     req.Products,
		CountryCodes: req.CountryCodes,
		Language:     language,
	}

	var resp LinkTokenResponse
	if err := c.post(ctx, "link_token_create", linkTokenCreatePath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExchangePublicToken はパブリックトークンを永続的なアクセストークンに交換する。
// トークンの有効性は集約サービスが判定する。
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResponse, error) {
	body := publicTokenExchangeRequest{
		credentials: c.creds,
		PublicToken: publicToken,
	}

	var resp ExchangeResponse
	if err := c.post(ctx, "public_token_exchange", publicTokenExchangePath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetItem はアクセストークンに対応するアイテムの状態を取得する。
func (c *Client) GetItem(ctx context.Context, accessToken string) (*Item, error) {
	body := accessTokenRequest{credentials: c.creds, AccessToken: accessToken}

	var resp itemGetResponse
	if err := c.post(ctx, "item_get", itemGetPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Item, nil
}

// RemoveItem はアイテムを無効化し、アクセストークンを失効させる。
func (c *Client) RemoveItem(ctx context.Context, accessToken string) error {
	body := accessTokenRequest{credentials: c.creds, AccessToken: accessToken}

	var resp removeResponse
	return c.post(ctx, "item_remove", itemRemovePath, body, &resp)
}

// GetBalances は口座一覧と最新の残高を取得する。
func (c *Client) GetBalances(ctx context.Context, accessToken string) ([]Account, error) {
	body := accessTokenRequest{credentials: c.creds, AccessToken: accessToken}

	var resp accountsResponse
	if err := c.post(ctx, "balance_get", balanceGetPath, body, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// GetTransactions は期間内の取引明細を取得する。CountとOffsetでページングする。
func (c *Client) GetTransactions(ctx context.Context, accessToken string, req TransactionsRequest) (*TransactionsResponse, error) {
	body := transactionsGetRequest{
		credentials: c.creds,
		AccessToken: accessToken,
		StartDate:   req.StartDate.Format(dateLayout),
		EndDate:     req.EndDate.Format(dateLayout),
		Options: transactionsGetOptions{
			AccountIDs: req.AccountIDs,
			Count:      req.Count,
			Offset:     req.Offset,
		},
	}

	var resp TransactionsResponse
	if err := c.post(ctx, "transactions_get", transactionsGetPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInstitution は金融機関のメタデータを取得する。
func (c *Client) GetInstitution(ctx context.Context, institutionID string, countryCodes []string) (*Institution, error) {
	body := institutionGetRequest{
		credentials:   c.creds,
		InstitutionID: institutionID,
		CountryCodes:  countryCodes,
	}

	var resp institutionGetResponse
	if err := c.post(ctx, "institution_get", institutionGetPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Institution, nil
}

// post はJSONボディでPOSTし、200の場合はレスポンスをoutにデコードする。
// それ以外は*Errorを返す。
func (c *Client) post(ctx context.Context, operation, path string, in, out any) (err error) {
	ctx, span := tracer.Start(ctx, "aggregator."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("aggregator.operation", operation)),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if c.metrics != nil {
			c.metrics.RecordExternalCall(serviceName, operation, metrics.Outcome(err), time.Since(start))
		}
	}()

	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", operation, err)
	}
	return nil
}

// decodeError はエラーレスポンスを*Errorに変換する。
// ボディがJSONでない場合はステータスコードと本文のみを保持する。
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	aggErr := &Error{}
	if err := json.Unmarshal(body, aggErr); err != nil || aggErr.ErrorType == "" {
		aggErr.ErrorMessage = strings.TrimSpace(string(body))
	}
	aggErr.Status = resp.StatusCode
	return aggErr
}
