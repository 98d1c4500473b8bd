package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankdash/internal/model"
)

// newProtectedRouter はSession → RequireUser → CSRF の順でミドルウェアを組んだルーターを返す。
func newProtectedRouter(resolver UserResolver) http.Handler {
	csrfConfig := CSRFConfig{}

	r := chi.NewRouter()
	r.Use(NewSessionMiddleware(testCookieName))
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(NewRequireUserMiddleware(resolver))
		r.Use(NewCSRFMiddleware(csrfConfig))

		r.Get("/api/dashboard", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"user_id": UserIDFromContext(r.Context())})
		})
		r.Post("/api/bank/link-token", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"user_id": UserIDFromContext(r.Context())})
		})
	})
	return r
}

func TestRouterIntegration_SessionUserCSRFChain(t *testing.T) {
	router := newProtectedRouter(validResolver("user-router-test"))

	tests := []struct {
		name       string
		method     string
		path       string
		secret     string
		csrf       bool
		wantStatus int
		wantUser   string
	}{
		{"read with session", http.MethodGet, "/api/dashboard", "valid-secret", false, http.StatusOK, "user-router-test"},
		{"read without session", http.MethodGet, "/api/dashboard", "", false, http.StatusUnauthorized, ""},
		{"read with revoked session", http.MethodGet, "/api/dashboard", "revoked-secret", false, http.StatusUnauthorized, ""},
		{"write with session and csrf", http.MethodPost, "/api/bank/link-token", "valid-secret", true, http.StatusCreated, "user-router-test"},
		{"write without csrf", http.MethodPost, "/api/bank/link-token", "valid-secret", false, http.StatusForbidden, ""},
		// セッション確認がCSRF検証より先に行われる
		{"write without session", http.MethodPost, "/api/bank/link-token", "", true, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.secret != "" {
				req.AddCookie(&http.Cookie{Name: testCookieName, Value: tt.secret})
			}
			if tt.csrf {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-1"})
				req.Header.Set(csrfHeaderName, "csrf-1")
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantUser != "" {
				var body map[string]string
				json.NewDecoder(w.Body).Decode(&body)
				if body["user_id"] != tt.wantUser {
					t.Errorf("user_id = %q, want %q", body["user_id"], tt.wantUser)
				}
			}
		})
	}
}

func TestRouterIntegration_AccountServiceDown_Returns503(t *testing.T) {
	router := newProtectedRouter(&mockUserResolver{
		getLoggedInUserFn: func(ctx context.Context, secret string) (*model.User, error) {
			return nil, model.NewAccountServiceUnavailableError()
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: "valid-secret"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeAccountServiceDown {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeAccountServiceDown)
	}
}

func TestRouterIntegration_CSRFTokenEndpointIsPublic(t *testing.T) {
	router := newProtectedRouter(validResolver("user-1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Token == "" {
		t.Errorf("expected token in body, err=%v", err)
	}
}
