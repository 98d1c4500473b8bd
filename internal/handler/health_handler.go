package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker は依存先の疎通確認を行うインターフェース。*sql.DBはこれを満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthCheckTimeout は依存先1件あたりの疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// NewHealthHandler は依存先の疎通を確認するヘルスチェックハンドラーを返す。
// いずれかの確認に失敗した場合は503を返す。
// GET /health
func NewHealthHandler(checkers map[string]HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(checkers))

		for name, checker := range checkers {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := checker.PingContext(ctx)
			cancel()
			if err != nil {
				slog.Warn("health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				checks[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]any{
			"status": overall,
			"checks": checks,
		})
	})
}
