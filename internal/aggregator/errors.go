package aggregator

import (
	"errors"
	"fmt"
	"net/http"
)

// 集約サービスのエラー種別
const (
	ErrorTypeInvalidRequest = "INVALID_REQUEST"
	ErrorTypeInvalidInput   = "INVALID_INPUT"
	ErrorTypeRateLimit      = "RATE_LIMIT_EXCEEDED"
	ErrorTypeAPI            = "API_ERROR"
	ErrorTypeItem           = "ITEM_ERROR"
	ErrorTypeInstitution    = "INSTITUTION_ERROR"
)

// 集約サービスのエラーコード
const (
	ErrorCodeInvalidPublicToken = "INVALID_PUBLIC_TOKEN"
	ErrorCodeInvalidAccessToken = "INVALID_ACCESS_TOKEN"
	ErrorCodeItemLoginRequired  = "ITEM_LOGIN_REQUIRED"
	ErrorCodeItemNotFound       = "ITEM_NOT_FOUND"
)

// Error は集約サービスのエラー応答を表す。
// Statusが0の場合はネットワーク障害などでレスポンスを受け取れなかったことを表す。
type Error struct {
	Status         int    `json:"-"`
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Status == 0 && e.ErrorType == "" {
		return fmt.Sprintf("aggregator request failed: %s", e.ErrorMessage)
	}
	return fmt.Sprintf("aggregator error (status %d): %s/%s: %s", e.Status, e.ErrorType, e.ErrorCode, e.ErrorMessage)
}

// Transient はリトライで回復しうる一時的な失敗かを判定する。
func (e *Error) Transient() bool {
	if e.Status == 0 && e.ErrorType == "" {
		return true
	}
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return true
	}
	switch e.ErrorType {
	case ErrorTypeRateLimit, ErrorTypeAPI, ErrorTypeInstitution:
		return true
	}
	return false
}

// LoginRequired は金融機関側で再認証が必要かを判定する。
func (e *Error) LoginRequired() bool {
	return e.ErrorCode == ErrorCodeItemLoginRequired
}

// InvalidToken はパブリックトークンまたはアクセストークンが無効・期限切れかを判定する。
func (e *Error) InvalidToken() bool {
	return e.ErrorCode == ErrorCodeInvalidPublicToken || e.ErrorCode == ErrorCodeInvalidAccessToken
}

// IsTransient はエラーが一時的な集約サービスの失敗かを判定する。
func IsTransient(err error) bool {
	var aggErr *Error
	return errors.As(err, &aggErr) && aggErr.Transient()
}

// IsLoginRequired はエラーが再認証要求かを判定する。
func IsLoginRequired(err error) bool {
	var aggErr *Error
	return errors.As(err, &aggErr) && aggErr.LoginRequired()
}

// IsInvalidToken はエラーがトークンの無効・期限切れによるものかを判定する。
func IsInvalidToken(err error) bool {
	var aggErr *Error
	return errors.As(err, &aggErr) && aggErr.InvalidToken()
}
