package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

// quietPaths はプローブやスクレイプで定期的に叩かれるパス。Debugレベルで記録する。
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードと書き込みバイト数を記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// requestLog は内側のミドルウェアが判明した情報をアクセスログに渡すための入れ物。
type requestLog struct {
	userID string
}

type requestLogKey struct{}

// noteUserID はアクセスログに記録するユーザーIDを設定する。
// NewLoggingMiddlewareの内側でのみ効果がある。
func noteUserID(ctx context.Context, userID string) {
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		rl.userID = userID
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、route、path、status、bytes、duration_msを含み、
// トレース中であればtrace_id、ログイン中であればuser_idを加える。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rl := &requestLog{}
			ctx := context.WithValue(r.Context(), requestLogKey{}, rl)
			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r.WithContext(ctx))

			durationMs := float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", durationMs),
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				args = append(args, slog.String("trace_id", sc.TraceID().String()))
			}
			userID := rl.userID
			if userID == "" {
				userID = UserIDFromContext(r.Context())
			}
			if userID != "" {
				args = append(args, slog.String("user_id", userID))
			}

			logger.Log(r.Context(), logLevel(r.URL.Path, rec.statusCode), "http_request", args...)
		})
	}
}

// logLevel はステータスコードとパスからログレベルを決める。
func logLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	if _, ok := quietPaths[path]; ok {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// routePattern はchiがマッチしたルートパターンを返す。ルーティング前なら空文字列。
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
