// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
)

const (
	// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
	maxRequestBodyBytes = 64 << 10

	// transientRetryAfter は外部サービス不通時に返すRetry-Afterの秒数。
	transientRetryAfter = "30"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
			Kind:     model.FailureValidation,
		})
		return false
	}
	return true
}

// requireUser はコンテキストからログイン中ユーザーを取り出す。
// 存在しない場合は401を書き込みfalseを返す。
func requireUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return nil, false
	}
	return user, true
}

// handleServiceError はサービス層から返されたエラーを失敗種別に応じたHTTPステータスに変換する。
// APIError以外のエラーは内部エラーとしてログに記録し、詳細は返さない。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Kind == model.FailureTransient {
			slog.Warn("upstream unavailable",
				slog.String("path", r.URL.Path),
				slog.String("code", apiErr.Code),
				slog.String("error", err.Error()),
			)
			w.Header().Set("Retry-After", transientRetryAfter)
		}
		middleware.WriteErrorResponse(w, middleware.StatusForKind(apiErr.Kind), apiErr)
		return
	}

	slog.Error("internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}
