package itemcheck

import (
	"fmt"
	"time"

	"github.com/hitoshi/bankdash/internal/aggregator"
	"github.com/hitoshi/bankdash/internal/model"
)

// CheckResult はアイテム確認結果の分類。
type CheckResult int

const (
	// CheckResultActive は正常に利用できる状態。
	CheckResultActive CheckResult = iota
	// CheckResultLoginRequired は金融機関側で再認証が必要な状態。
	CheckResultLoginRequired
	// CheckResultBackoff はリトライで回復しうる一時的な失敗。
	CheckResultBackoff
	// CheckResultFailure はその他の失敗。
	CheckResultFailure
)

const (
	// initialBackoff は指数バックオフの初回遅延（30分）。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（12時間）。
	maxBackoff = 12 * time.Hour
	// failureThreshold はエラー状態に移行する連続失敗回数。
	failureThreshold = 10
)

// Classify は集約サービスの応答を確認結果に分類する。
// 呼び出し自体のエラーとアイテムに付随するエラーの両方を同じ基準で扱う。
func Classify(item *aggregator.Item, err error) CheckResult {
	if err == nil && item != nil && item.Error != nil {
		err = item.Error
	}
	switch {
	case err == nil:
		return CheckResultActive
	case aggregator.IsLoginRequired(err):
		return CheckResultLoginRequired
	case aggregator.IsTransient(err):
		return CheckResultBackoff
	default:
		return CheckResultFailure
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回30分、2倍ずつ増加、最大12時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplySuccess は確認成功時にアイテムの状態をリセットし、次回確認をinterval後に設定する。
func ApplySuccess(item *model.BankItem, interval time.Duration) {
	item.Status = model.ItemStatusActive
	item.ConsecutiveErrors = 0
	item.ErrorMessage = ""
	item.NextCheckAt = time.Now().Add(interval)
	item.UpdatedAt = time.Now()
}

// ApplyLoginRequired はアイテムを再認証待ちにする。再連携されるまで確認しない。
func ApplyLoginRequired(item *model.BankItem, reason string) {
	item.Status = model.ItemStatusLoginRequired
	item.ErrorMessage = reason
	item.UpdatedAt = time.Now()
}

// ApplyBackoff は連続エラー回数をインクリメントし、指数バックオフでnext_check_atを設定する。
func ApplyBackoff(item *model.BankItem, reason string) {
	item.ConsecutiveErrors++
	item.ErrorMessage = reason
	item.NextCheckAt = time.Now().Add(CalculateBackoff(item.ConsecutiveErrors - 1))
	item.UpdatedAt = time.Now()
}

// ApplyFailure はバックオフを適用し、連続失敗が閾値に達した場合はエラー状態にする。
func ApplyFailure(item *model.BankItem, reason string) {
	ApplyBackoff(item, reason)
	if item.ConsecutiveErrors >= failureThreshold {
		item.Status = model.ItemStatusError
		item.ErrorMessage = fmt.Sprintf("確認が%d回連続で失敗したため停止しました: %s", item.ConsecutiveErrors, reason)
	}
}
