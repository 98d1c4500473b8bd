package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/bankdash/internal/auth"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, params auth.SignUpParams) (*auth.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	GetLoggedInUser(ctx context.Context, secret string) (*model.User, error)
	Logout(ctx context.Context, secret string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieName   string
	CookieDomain string
	CookieSecure bool
	// SignInSetsCookie がtrueの場合、サインイン成功時にもセッションクッキーを設定する。
	SignInSetsCookie bool
}

// AuthHandler はサインアップ・サインイン・ログアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// signUpRequest はサインアップリクエストのボディ。
type signUpRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
}

// signInResponse はサインインのAPIレスポンス。
type signInResponse struct {
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	CookieIssued bool      `json:"cookie_issued"`
}

// SignUp はユーザーを作成し、セッションクッキーを設定してからユーザー情報を返す。
// POST /auth/sign-up
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.SignUp(r.Context(), auth.SignUpParams{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.setSessionCookie(w, result.Session)
	writeJSON(w, http.StatusCreated, toUserResponse(result.User))
}

// SignIn はメールアドレスとパスワードでセッションを発行する。
// クッキーの設定はSignInSetsCookieが有効な場合のみ行う。
// POST /auth/sign-in
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if h.config.SignInSetsCookie {
		h.setSessionCookie(w, session)
	}
	writeJSON(w, http.StatusOK, signInResponse{
		UserID:       session.UserID,
		ExpiresAt:    session.ExpiresAt,
		CookieIssued: h.config.SignInSetsCookie,
	})
}

// Logout はセッションを失効させ、セッションクッキーを削除する。
// アカウントサービス側の失効に失敗しても成功を返す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if secret := middleware.SessionSecretFromContext(r.Context()); secret != "" {
		h.service.Logout(r.Context(), secret)
	}

	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。未ログインの場合はuserがnullになる。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	secret := middleware.SessionSecretFromContext(r.Context())
	user, err := h.service.GetLoggedInUser(r.Context(), secret)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	// アカウントサービスに拒否されたセッションのクッキーは削除する
	if user == nil && secret != "" {
		h.clearSessionCookie(w)
	}

	var body struct {
		User *userResponse `json:"user"`
	}
	if user != nil {
		resp := toUserResponse(user)
		body.User = &resp
	}
	writeJSON(w, http.StatusOK, body)
}

// setSessionCookie はセッションシークレットをHttpOnlyクッキーに保存する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	cookie := &http.Cookie{
		Name:     h.config.CookieName,
		Value:    session.Secret,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
	if !session.ExpiresAt.IsZero() {
		cookie.Expires = session.ExpiresAt
	}
	http.SetCookie(w, cookie)
}

// clearSessionCookie はセッションクッキーを削除する。
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func toUserResponse(user *model.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		FirstName: user.FirstName(),
	}
}
