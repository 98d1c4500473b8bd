package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/bankdash/internal/auth"
	"github.com/hitoshi/bankdash/internal/dashboard"
	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
)

// --- 統合テスト用のステートフルモック ---

// sessionStore はアカウントサービスのセッションを模した共有状態。
type sessionStore struct {
	users map[string]*model.User // secret -> user
}

func newStatefulAuthService(store *sessionStore) *mockAuthService {
	return &mockAuthService{
		signUpFn: func(ctx context.Context, params auth.SignUpParams) (*auth.SignUpResult, error) {
			user := &model.User{ID: "user-" + params.Email, Email: params.Email, Name: params.FirstName + " " + params.LastName}
			secret := "secret-" + params.Email
			store.users[secret] = user
			return &auth.SignUpResult{
				User:    user,
				Session: &model.Session{ID: "s-1", UserID: user.ID, Secret: secret, ExpiresAt: time.Now().Add(time.Hour)},
			}, nil
		},
		getLoggedInUserFn: func(ctx context.Context, secret string) (*model.User, error) {
			return store.users[secret], nil
		},
		logoutFn: func(ctx context.Context, secret string) {
			delete(store.users, secret)
		},
	}
}

func newTestRouter(t *testing.T, store *sessionStore, bank *mockBankLinkService) (http.Handler, *prometheus.Registry) {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(10, 2))
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()
	deps := &RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		CSRFConfig:        middleware.CSRFConfig{},
		Metrics:           metrics.NewCollector(reg),
		MetricsHandler:    metrics.Handler(reg),
		HealthCheckers: map[string]HealthChecker{
			"database": pingFunc(func(ctx context.Context) error { return nil }),
		},
		AuthService:     newStatefulAuthService(store),
		AuthConfig:      AuthHandlerConfig{CookieName: testSessionCookie, CookieSecure: true},
		BankLinkService: bank,
		DashboardService: &mockDashboardService{
			overviewFn: func(ctx context.Context, user *model.User) (*dashboard.Overview, error) {
				return &dashboard.Overview{User: user}, nil
			},
		},
	}
	return NewRouter(deps), reg
}

// browser はクッキーを保持してリクエストを送るテスト用クライアント。
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, h http.Handler) *browser {
	return &browser{t: t, handler: h, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(method, path, body string) *httptest.ResponseRecorder {
	b.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	if c, ok := b.cookies["csrf_token"]; ok {
		req.Header.Set("X-CSRF-Token", c.Value)
	}

	w := httptest.NewRecorder()
	b.handler.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return w
}

func TestRouter_SignUpMeLogoutFlow(t *testing.T) {
	store := &sessionStore{users: map[string]*model.User{}}
	router, _ := newTestRouter(t, store, &mockBankLinkService{})
	b := newBrowser(t, router)

	if w := b.do(http.MethodGet, "/api/csrf-token", ""); w.Code != http.StatusOK {
		t.Fatalf("csrf-token status = %d", w.Code)
	}

	w := b.do(http.MethodPost, "/auth/sign-up", `{"email":"a@b.com","password":"x","first_name":"A","last_name":"B"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("sign-up status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, ok := b.cookies[testSessionCookie]; !ok {
		t.Fatal("session cookie should be set after sign-up")
	}

	w = b.do(http.MethodGet, "/auth/me", "")
	if !strings.Contains(w.Body.String(), `"email":"a@b.com"`) {
		t.Errorf("me body = %s", w.Body.String())
	}

	if w = b.do(http.MethodGet, "/api/dashboard", ""); w.Code != http.StatusOK {
		t.Errorf("dashboard status = %d, want %d", w.Code, http.StatusOK)
	}

	if w = b.do(http.MethodPost, "/auth/logout", ""); w.Code != http.StatusNoContent {
		t.Errorf("logout status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if _, ok := b.cookies[testSessionCookie]; ok {
		t.Error("session cookie should be removed after logout")
	}

	w = b.do(http.MethodGet, "/auth/me", "")
	if strings.TrimSpace(w.Body.String()) != `{"user":null}` {
		t.Errorf("me after logout = %s", w.Body.String())
	}
	if w = b.do(http.MethodGet, "/api/dashboard", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("dashboard after logout status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRouter_StateChangingRequestsRequireCSRF(t *testing.T) {
	store := &sessionStore{users: map[string]*model.User{}}
	router, _ := newTestRouter(t, store, &mockBankLinkService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/sign-up", strings.NewReader(`{"email":"a@b.com","password":"x"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if len(store.users) != 0 {
		t.Error("sign-up must not run without a CSRF token")
	}
}

func TestRouter_LinkTokenIsRateLimitedPerUser(t *testing.T) {
	store := &sessionStore{users: map[string]*model.User{"secret-1": testUser}}
	bank := &mockBankLinkService{
		createLinkTokenFn: func(ctx context.Context, user *model.User) (*model.LinkToken, error) {
			return &model.LinkToken{Token: "link-1", FlowID: "flow-1"}, nil
		},
	}
	router, _ := newTestRouter(t, store, bank)
	b := newBrowser(t, router)
	b.cookies[testSessionCookie] = &http.Cookie{Name: testSessionCookie, Value: "secret-1"}
	b.cookies["csrf_token"] = &http.Cookie{Name: "csrf_token", Value: "csrf-1"}

	for i := 0; i < 2; i++ {
		if w := b.do(http.MethodPost, "/api/bank/link-token", ""); w.Code != http.StatusCreated {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if w := b.do(http.MethodPost, "/api/bank/link-token", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestRouter_BankRoutes(t *testing.T) {
	store := &sessionStore{users: map[string]*model.User{"secret-1": testUser}}
	bank := &mockBankLinkService{
		getFlowFn: func(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error) {
			return &model.LinkFlow{ID: flowID, State: model.LinkStateTokenReady}, nil
		},
		removeItemFn: func(ctx context.Context, id string, user *model.User) error {
			return model.NewBankItemNotFoundError(id)
		},
	}
	router, _ := newTestRouter(t, store, bank)
	b := newBrowser(t, router)
	b.cookies[testSessionCookie] = &http.Cookie{Name: testSessionCookie, Value: "secret-1"}
	b.cookies["csrf_token"] = &http.Cookie{Name: "csrf_token", Value: "csrf-1"}

	w := b.do(http.MethodGet, "/api/bank/link-flows/flow-9", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"id":"flow-9"`) {
		t.Errorf("get flow: status = %d, body = %s", w.Code, w.Body.String())
	}

	if w = b.do(http.MethodDelete, "/api/bank/items/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("remove item status = %d, want %d", w.Code, http.StatusNotFound)
	}

	if w = b.do(http.MethodGet, "/api/bank/items", ""); w.Code != http.StatusOK {
		t.Errorf("list items status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t, &sessionStore{users: map[string]*model.User{}}, &mockBankLinkService{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "bankdash_http_status_total") {
		t.Error("metrics should include the http status counter recorded for /health")
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, &sessionStore{users: map[string]*model.User{}}, &mockBankLinkService{})

	req := httptest.NewRequest(http.MethodOptions, "/api/bank/exchange", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestRouter_ErrorBodiesAreJSON(t *testing.T) {
	router, _ := newTestRouter(t, &sessionStore{users: map[string]*model.User{}}, &mockBankLinkService{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/dashboard", nil))

	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeNotAuthenticated {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotAuthenticated)
	}
}
