// Package auth はアカウントサービスを使ったサインアップ、サインイン、
// ログイン中ユーザーの解決、ログアウトを提供する。
// パスワードの検証とセッションの発行はアカウントサービスに委譲する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/bankdash/internal/accountsvc"
	"github.com/hitoshi/bankdash/internal/model"
)

// currentSession はセッションクライアント自身のセッションを指すID。
const currentSession = "current"

// AccountClient はアカウントサービスのAPIのうち認証で使う操作のインターフェース。
type AccountClient interface {
	CreateIdentity(ctx context.Context, userID, email, password, name string) (*model.User, error)
	CreateEmailPasswordSession(ctx context.Context, email, password string) (*model.Session, error)
	Get(ctx context.Context) (*model.User, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// ClientFactory はアカウントサービスのクライアントを生成するインターフェース。
type ClientFactory interface {
	// Admin は管理者資格情報のクライアントを返す。
	Admin() AccountClient
	// Session はセッションシークレットに束縛されたクライアントを返す。
	// シークレットが空の場合はaccountsvc.ErrNoSessionを返す。
	Session(secret string) (AccountClient, error)
}

// SignUpParams はサインアップの入力。
type SignUpParams struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// SignUpResult はサインアップの結果。
// 呼び出し元はSession.Secretをセッションクッキーに保存してから応答する。
type SignUpResult struct {
	User    *model.User
	Session *model.Session
}

// Service はアカウントサービスへの認証操作を提供する。
type Service struct {
	clients ClientFactory
	logger  *slog.Logger
}

// NewService はServiceを生成する。
func NewService(clients ClientFactory, logger *slog.Logger) *Service {
	return &Service{
		clients: clients,
		logger:  logger,
	}
}

// SignUp はユーザーを作成し、そのユーザーのセッションを発行する。
// メールアドレスの重複や弱いパスワードはアカウントサービスが判定し、
// 検証エラー（SIGN_UP_REJECTED）として返す。
func (s *Service) SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error) {
	email, err := validateCredentials(params.Email, params.Password)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(strings.TrimSpace(params.FirstName) + " " + strings.TrimSpace(params.LastName))
	admin := s.clients.Admin()

	user, err := admin.CreateIdentity(ctx, uuid.New().String(), email, params.Password, name)
	if err != nil {
		return nil, s.mapSignUpError(err)
	}

	session, err := admin.CreateEmailPasswordSession(ctx, email, params.Password)
	if err != nil {
		s.logger.Warn("ユーザー作成後のセッション発行に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, s.mapSessionError(err)
	}

	s.logger.Info("user signed up", slog.String("user_id", user.ID))
	return &SignUpResult{User: user, Session: session}, nil
}

// SignIn はメールアドレスとパスワードでセッションを発行する。
// クッキーへの保存は呼び出し元の責務であり、ここでは行わない。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email, err := validateCredentials(email, password)
	if err != nil {
		return nil, err
	}

	session, err := s.clients.Admin().CreateEmailPasswordSession(ctx, email, password)
	if err != nil {
		return nil, s.mapSessionError(err)
	}

	s.logger.Info("user signed in", slog.String("user_id", session.UserID))
	return session, nil
}

// GetLoggedInUser はセッションシークレットに対応するユーザーを返す。
// シークレットが無い、またはアカウントサービスがセッションを拒否した場合は (nil, nil) を返す。
// アカウントサービスの一時的な障害の場合のみエラーを返す。
func (s *Service) GetLoggedInUser(ctx context.Context, secret string) (*model.User, error) {
	client, err := s.clients.Session(secret)
	if errors.Is(err, accountsvc.ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session client: %w", err)
	}

	user, err := client.Get(ctx)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, accountsvc.ErrUnauthorized):
		return nil, nil
	case errors.Is(err, accountsvc.ErrUnavailable):
		s.logger.Warn("アカウントサービスに接続できません",
			slog.String("operation", "get_logged_in_user"),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAccountServiceUnavailableError()
	default:
		return nil, fmt.Errorf("failed to get logged in user: %w", err)
	}
}

// Logout は現在のセッションをアカウントサービス側で失効させる。
// 失効に失敗してもエラーは返さない（クッキーの削除は呼び出し元が必ず行う）。
func (s *Service) Logout(ctx context.Context, secret string) {
	client, err := s.clients.Session(secret)
	if err != nil {
		return
	}

	if err := client.DeleteSession(ctx, currentSession); err != nil {
		s.logger.Warn("セッションの失効に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// mapSignUpError はユーザー作成時のエラーをAPIErrorに変換する。
func (s *Service) mapSignUpError(err error) error {
	var svcErr *accountsvc.Error
	switch {
	case errors.Is(err, accountsvc.ErrConflict):
		return model.NewSignUpRejectedError("このメールアドレスは既に登録されています")
	case errors.Is(err, accountsvc.ErrInvalidInput) && errors.As(err, &svcErr):
		return model.NewSignUpRejectedError(svcErr.Message)
	case errors.Is(err, accountsvc.ErrUnavailable):
		s.logger.Warn("アカウントサービスに接続できません",
			slog.String("operation", "sign_up"),
			slog.String("error", err.Error()),
		)
		return model.NewAccountServiceUnavailableError()
	default:
		return fmt.Errorf("failed to create identity: %w", err)
	}
}

// mapSessionError はセッション発行時のエラーをAPIErrorに変換する。
func (s *Service) mapSessionError(err error) error {
	switch {
	case errors.Is(err, accountsvc.ErrUnauthorized):
		return model.NewInvalidCredentialsError()
	case errors.Is(err, accountsvc.ErrInvalidInput):
		return model.NewInvalidInputError("メールアドレスまたはパスワードの形式が正しくありません")
	case errors.Is(err, accountsvc.ErrUnavailable):
		s.logger.Warn("アカウントサービスに接続できません",
			slog.String("operation", "create_session"),
			slog.String("error", err.Error()),
		)
		return model.NewAccountServiceUnavailableError()
	default:
		return fmt.Errorf("failed to create session: %w", err)
	}
}

// validateCredentials はメールアドレスとパスワードの必須チェックと形式チェックを行い、
// 正規化したメールアドレスを返す。パスワードの強度はアカウントサービスが判定する。
func validateCredentials(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", model.NewInvalidInputError("メールアドレスは必須です")
	}
	if password == "" {
		return "", model.NewInvalidInputError("パスワードは必須です")
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewInvalidInputError("メールアドレスの形式が正しくありません")
	}
	return email, nil
}
