// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// FailureKind はアダプタ境界で呼び出し元に返す失敗の種類を表す。
type FailureKind string

const (
	// FailureNotAuthenticated はセッションが無い、または拒否された失敗。
	FailureNotAuthenticated FailureKind = "not_authenticated"
	// FailureTransient はネットワークや外部サービス障害による一時的な失敗。
	FailureTransient FailureKind = "transient"
	// FailureValidation は入力値や外部サービスによる検証エラー。
	FailureValidation FailureKind = "validation"
	// FailureNotFound は対象が存在しない失敗。
	FailureNotFound FailureKind = "not_found"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string      // エラーコード
	Message  string      // エラーメッセージ
	Category string      // カテゴリ: auth, validation, bank, system
	Action   string      // ユーザー向け対処方法
	Kind     FailureKind // 呼び出し元が分岐に使う失敗種別
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// KindOf はエラーの失敗種別を返す。APIErrorでない場合はFailureTransientとみなす。
func KindOf(err error) FailureKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return FailureTransient
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated      = "NOT_AUTHENTICATED"
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeSignUpRejected        = "SIGN_UP_REJECTED"
	ErrCodeAccountServiceDown    = "ACCOUNT_SERVICE_UNAVAILABLE"
	ErrCodeLinkUnavailable       = "LINK_UNAVAILABLE"
	ErrCodeAggregatorDown        = "AGGREGATOR_UNAVAILABLE"
	ErrCodeInvalidPublicToken    = "INVALID_PUBLIC_TOKEN"
	ErrCodeInvalidLinkTransition = "INVALID_LINK_TRANSITION"
	ErrCodeLinkFlowNotFound      = "LINK_FLOW_NOT_FOUND"
	ErrCodeBankItemNotFound      = "BANK_ITEM_NOT_FOUND"
	ErrCodeBankItemConflict      = "BANK_ITEM_CONFLICT"
	ErrCodeInvalidPage           = "INVALID_PAGE"
)

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
		Kind:     FailureNotAuthenticated,
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードの誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
		Kind:     FailureNotAuthenticated,
	}
}

// NewInvalidInputError は入力値の検証エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Kind:     FailureValidation,
	}
}

// NewSignUpRejectedError はアカウントサービスが登録を拒否した場合のエラーを生成する。
// メールアドレスの重複や弱いパスワードが該当する。
func NewSignUpRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSignUpRejected,
		Message:  fmt.Sprintf("アカウントを作成できませんでした: %s", reason),
		Category: "validation",
		Action:   "別のメールアドレス、またはより強いパスワードをお試しください。",
		Kind:     FailureValidation,
	}
}

// NewAccountServiceUnavailableError はアカウントサービスの一時的な障害エラーを生成する。
func NewAccountServiceUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountServiceDown,
		Message:  "アカウントサービスに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Kind:     FailureTransient,
	}
}

// NewLinkUnavailableError はリンクトークンの取得がリトライ上限に達した場合のエラーを生成する。
func NewLinkUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkUnavailable,
		Message:  "現在、銀行連携を開始できません。",
		Category: "bank",
		Action:   "しばらく待ってから銀行連携をやり直してください。",
		Kind:     FailureTransient,
	}
}

// NewAggregatorUnavailableError は金融データ集約サービスの一時的な障害エラーを生成する。
func NewAggregatorUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeAggregatorDown,
		Message:  "金融機関のデータを取得できません。",
		Category: "bank",
		Action:   "しばらく待ってから再度お試しください。",
		Kind:     FailureTransient,
	}
}

// NewInvalidPublicTokenError は集約サービスがパブリックトークンを拒否した場合のエラーを生成する。
func NewInvalidPublicTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPublicToken,
		Message:  "銀行連携トークンが無効か、期限切れです。",
		Category: "bank",
		Action:   "銀行連携を最初からやり直してください。",
		Kind:     FailureValidation,
	}
}

// NewInvalidLinkTransitionError は許可されていない連携フローの状態遷移エラーを生成する。
func NewInvalidLinkTransitionError(from, to LinkState) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLinkTransition,
		Message:  fmt.Sprintf("連携フローを %s から %s に遷移できません。", from, to),
		Category: "bank",
		Action:   "銀行連携を最初からやり直してください。",
		Kind:     FailureValidation,
	}
}

// NewLinkFlowNotFoundError は連携フローが見つからない場合のエラーを生成する。
func NewLinkFlowNotFoundError(flowID string) *APIError {
	return &APIError{
		Code:     ErrCodeLinkFlowNotFound,
		Message:  fmt.Sprintf("連携フローが見つからないか、期限切れです: %s", flowID),
		Category: "bank",
		Action:   "銀行連携を最初からやり直してください。",
		Kind:     FailureNotFound,
	}
}

// NewBankItemNotFoundError は連携済み銀行が見つからない場合のエラーを生成する。
func NewBankItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeBankItemNotFound,
		Message:  fmt.Sprintf("連携済みの銀行が見つかりません: %s", itemID),
		Category: "bank",
		Action:   "銀行IDを確認してください。",
		Kind:     FailureNotFound,
	}
}

// NewBankItemConflictError は連携しようとした銀行が他のユーザーに連携済みの場合のエラーを生成する。
func NewBankItemConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeBankItemConflict,
		Message:  "この銀行口座は別のアカウントに連携されています。",
		Category: "bank",
		Action:   "連携済みのアカウントでログインしてください。",
		Kind:     FailureValidation,
	}
}

// NewInvalidPageError は無効なページ番号エラーを生成する。
func NewInvalidPageError(page string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPage,
		Message:  fmt.Sprintf("無効なページ番号です: %s", page),
		Category: "validation",
		Action:   "1以上の整数を指定してください。",
		Kind:     FailureValidation,
	}
}
