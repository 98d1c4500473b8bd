package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bankdash/internal/model"
)

const bankItemColumns = `id, user_id, item_id, access_token, institution_id, institution_name,
	status, consecutive_errors, error_message, next_check_at, created_at, updated_at`

// PostgresBankItemRepo はPostgreSQLを使用した銀行アイテムリポジトリ。
type PostgresBankItemRepo struct {
	db *sql.DB
}

// NewPostgresBankItemRepo はPostgresBankItemRepoを生成する。
func NewPostgresBankItemRepo(db *sql.DB) *PostgresBankItemRepo {
	return &PostgresBankItemRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanBankItem は1行分の銀行アイテムを読み取る。
func scanBankItem(s rowScanner) (*model.BankItem, error) {
	item := &model.BankItem{}
	var errorMessage sql.NullString

	if err := s.Scan(
		&item.ID, &item.UserID, &item.ItemID, &item.AccessToken,
		&item.InstitutionID, &item.InstitutionName,
		&item.Status, &item.ConsecutiveErrors, &errorMessage,
		&item.NextCheckAt, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}

	item.ErrorMessage = nullStringValue(errorMessage)
	return item, nil
}

// Upsert はitem_idをキーにアイテムを作成または更新する。
// 既存行の所有者が異なる場合はDO UPDATEが行を返さないため、ErrBankItemOwnedByAnotherUserを返す。
func (r *PostgresBankItemRepo) Upsert(ctx context.Context, item *model.BankItem) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = model.ItemStatusActive
	}
	if item.NextCheckAt.IsZero() {
		item.NextCheckAt = now
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO bank_items (id, user_id, item_id, access_token, institution_id, institution_name,
		                         status, consecutive_errors, error_message, next_check_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NULL, $8, $9, $9)
		 ON CONFLICT (item_id) DO UPDATE SET
		     access_token = EXCLUDED.access_token,
		     institution_id = EXCLUDED.institution_id,
		     institution_name = EXCLUDED.institution_name,
		     status = EXCLUDED.status,
		     consecutive_errors = 0,
		     error_message = NULL,
		     next_check_at = EXCLUDED.next_check_at,
		     updated_at = EXCLUDED.updated_at
		 WHERE bank_items.user_id = EXCLUDED.user_id
		 RETURNING id, created_at, updated_at`,
		item.ID, item.UserID, item.ItemID, item.AccessToken,
		item.InstitutionID, item.InstitutionName,
		item.Status, item.NextCheckAt, now,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBankItemOwnedByAnotherUser
	}
	if err != nil {
		return fmt.Errorf("銀行アイテムの保存に失敗しました: %w", err)
	}

	item.ConsecutiveErrors = 0
	item.ErrorMessage = ""
	return nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresBankItemRepo) FindByID(ctx context.Context, id string) (*model.BankItem, error) {
	item, err := scanBankItem(r.db.QueryRowContext(ctx,
		`SELECT `+bankItemColumns+` FROM bank_items WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("銀行アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindByUserAndID はユーザーが所有する指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresBankItemRepo) FindByUserAndID(ctx context.Context, userID, id string) (*model.BankItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		// 不正なUUIDは未検出として扱う
		return nil, nil
	}

	item, err := scanBankItem(r.db.QueryRowContext(ctx,
		`SELECT `+bankItemColumns+` FROM bank_items WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("銀行アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// ListByUserID はユーザーのアイテム一覧を作成日時の昇順で返す。
func (r *PostgresBankItemRepo) ListByUserID(ctx context.Context, userID string) ([]*model.BankItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bankItemColumns+` FROM bank_items WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("銀行アイテム一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectBankItems(rows)
}

// Delete はユーザーが所有する指定IDのアイテムを削除する。
func (r *PostgresBankItemRepo) Delete(ctx context.Context, userID, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM bank_items WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("銀行アイテムの削除に失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// ClaimDueForCheck は状態確認の対象となるアイテムを最大limit件確保する。
// 行ロックは文の終了で解放されるため、選択と次回確認日時の更新を1つのUPDATE文で行う。
func (r *PostgresBankItemRepo) ClaimDueForCheck(ctx context.Context, limit int, lease time.Duration) ([]*model.BankItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE bank_items
		 SET next_check_at = now() + make_interval(secs => $2)
		 WHERE id IN (
		     SELECT id
		     FROM bank_items
		     WHERE next_check_at <= now()
		       AND status = 'active'
		     ORDER BY next_check_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+bankItemColumns,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("確認対象アイテムの確保に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectBankItems(rows)
}

// UpdateCheckState はアイテムの確認状態を更新する。
func (r *PostgresBankItemRepo) UpdateCheckState(ctx context.Context, item *model.BankItem) error {
	var errorMessage sql.NullString
	if item.ErrorMessage != "" {
		errorMessage = sql.NullString{String: item.ErrorMessage, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE bank_items SET
		    status = $2,
		    consecutive_errors = $3,
		    error_message = $4,
		    next_check_at = $5,
		    updated_at = now()
		 WHERE id = $1`,
		item.ID, item.Status, item.ConsecutiveErrors, errorMessage, item.NextCheckAt,
	)
	if err != nil {
		return fmt.Errorf("アイテム確認状態の更新に失敗しました: %w", err)
	}
	return nil
}

// collectBankItems は結果セットの全行を読み取る。
func collectBankItems(rows *sql.Rows) ([]*model.BankItem, error) {
	var items []*model.BankItem
	for rows.Next() {
		item, err := scanBankItem(rows)
		if err != nil {
			return nil, fmt.Errorf("銀行アイテムの読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("銀行アイテムの走査に失敗しました: %w", err)
	}
	return items, nil
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ BankItemRepository = (*PostgresBankItemRepo)(nil)
