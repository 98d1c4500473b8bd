package accountsvc

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoSession はセッションシークレットが存在しないことを表す。
	// 資格情報の誤り（ErrUnauthorized）とは区別される。
	ErrNoSession = errors.New("no session secret present")
	// ErrUnauthorized はアカウントサービスが資格情報またはセッションを拒否したことを表す。
	ErrUnauthorized = errors.New("account service rejected credentials")
	// ErrConflict はユーザーが既に存在することを表す。
	ErrConflict = errors.New("account already exists")
	// ErrInvalidInput はアカウントサービスが入力値を拒否したことを表す（弱いパスワード等）。
	ErrInvalidInput = errors.New("account service rejected input")
	// ErrUnavailable はネットワーク障害、レート制限、5xxによる一時的な失敗を表す。
	ErrUnavailable = errors.New("account service unavailable")
	// ErrUnexpected は分類できない応答を表す。
	ErrUnexpected = errors.New("unexpected account service response")
)

// Error はアカウントサービスのエラー応答を表す。
// errors.Isで分類用のセンチネルエラーと比較できる。
type Error struct {
	Status  int
	Type    string
	Message string
	kind    error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%v: %s", e.kind, e.Message)
	}
	return fmt.Sprintf("%v: status %d: %s (%s)", e.kind, e.Status, e.Message, e.Type)
}

// Unwrap は分類用のセンチネルエラーを返す。
func (e *Error) Unwrap() error {
	return e.kind
}

// NewStatusError はHTTPステータスコードで分類した*Errorを生成する。
func NewStatusError(status int, message string) *Error {
	return &Error{
		Status:  status,
		Message: message,
		kind:    classifyStatus(status),
	}
}

// classifyStatus はHTTPステータスコードをセンチネルエラーに分類する。
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest:
		return ErrInvalidInput
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrUnavailable
	default:
		return ErrUnexpected
	}
}
