// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/bankdash/internal/model"
)

// ErrBankItemOwnedByAnotherUser は同じitem_idのアイテムが他のユーザーに連携済みの場合のエラー。
var ErrBankItemOwnedByAnotherUser = errors.New("bank item is linked to another user")

// BankItemRepository は連携済み銀行アイテムの永続化インターフェース。
// AccessTokenは封印済みの値をそのまま保存する。
type BankItemRepository interface {
	// Upsert はitem_idをキーにアイテムを作成または更新する。
	// 再連携時は状態をactiveに戻し、エラー情報をリセットする。
	// 同じitem_idが他のユーザーに連携済みの場合は更新せずErrBankItemOwnedByAnotherUserを返す。
	// 保存後のID、CreatedAt、UpdatedAtをitemに反映する。
	Upsert(ctx context.Context, item *model.BankItem) error

	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BankItem, error)

	// FindByUserAndID はユーザーが所有する指定IDのアイテムを取得する。
	// 見つからない、または他のユーザーのアイテムの場合はnilを返す。
	FindByUserAndID(ctx context.Context, userID, id string) (*model.BankItem, error)

	// ListByUserID はユーザーのアイテム一覧を作成日時の昇順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.BankItem, error)

	// Delete はユーザーが所有する指定IDのアイテムを削除する。
	// 削除対象が存在しない場合はfalseを返す。
	Delete(ctx context.Context, userID, id string) (bool, error)

	// ClaimDueForCheck は状態確認の対象となるアイテムを最大limit件確保する。
	// next_check_at <= now() かつ status = 'active' のアイテムを
	// FOR UPDATE SKIP LOCKEDで選び、同じ文でnext_check_atをlease後に進める。
	// 他のワーカーはlease経過まで同じアイテムを確保しない。
	ClaimDueForCheck(ctx context.Context, limit int, lease time.Duration) ([]*model.BankItem, error)

	// UpdateCheckState はアイテムの確認状態を更新する。
	// status、consecutive_errors、error_message、next_check_atを更新する。
	UpdateCheckState(ctx context.Context, item *model.BankItem) error
}

// LinkEventRepository は連携フローの状態遷移記録の永続化インターフェース。
type LinkEventRepository interface {
	// Append は状態遷移を追記する。IDとCreatedAtが未設定の場合は採番する。
	Append(ctx context.Context, event *model.LinkEvent) error

	// ListByFlowID はフローの状態遷移を発生順に返す。
	ListByFlowID(ctx context.Context, flowID string) ([]*model.LinkEvent, error)
}
