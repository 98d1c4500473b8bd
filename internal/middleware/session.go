// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bankdash/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// sessionSecretContextKey はリクエストコンテキストにセッションシークレットを格納するためのキー。
	sessionSecretContextKey = contextKey("session_secret")
	// userContextKey はリクエストコンテキストにログイン中ユーザーを格納するためのキー。
	userContextKey = contextKey("user")
)

// UserResolver はセッションシークレットからログイン中ユーザーを解決するインターフェース。
// auth.Serviceの部分集合として定義する。
type UserResolver interface {
	GetLoggedInUser(ctx context.Context, secret string) (*model.User, error)
}

// NewSessionMiddleware はセッションクッキーの値をリクエストコンテキストに載せるミドルウェアを返す。
// クッキーが無くてもリクエストは拒否しない。
func NewSessionMiddleware(cookieName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := ContextWithSessionSecret(r.Context(), cookie.Value)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewRequireUserMiddleware はログイン中ユーザーを解決し、コンテキストに注入するミドルウェアを返す。
// 未ログインの場合は401、アカウントサービスの障害時は503を返す。
// NewSessionMiddlewareの後に配置する。
func NewRequireUserMiddleware(resolver UserResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := SessionSecretFromContext(r.Context())
			if secret == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			user, err := resolver.GetLoggedInUser(r.Context(), secret)
			if err != nil {
				slog.Error("failed to resolve logged in user",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteError(w, err)
				return
			}
			if user == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			noteUserID(r.Context(), user.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// SessionSecretFromContext はリクエストコンテキストからセッションシークレットを取得する。
// 存在しない場合は空文字列を返す。
func SessionSecretFromContext(ctx context.Context) string {
	secret, _ := ctx.Value(sessionSecretContextKey).(string)
	return secret
}

// ContextWithSessionSecret はコンテキストにセッションシークレットを注入する。
func ContextWithSessionSecret(ctx context.Context, secret string) context.Context {
	return context.WithValue(ctx, sessionSecretContextKey, secret)
}

// UserFromContext はリクエストコンテキストからログイン中ユーザーを取得する。
// NewRequireUserMiddlewareを通過したリクエストでのみ有効。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// ContextWithUser はコンテキストにログイン中ユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ユーザーが存在しない場合は空文字列を返す。
func UserIDFromContext(ctx context.Context) string {
	if user, ok := UserFromContext(ctx); ok {
		return user.ID
	}
	return ""
}
