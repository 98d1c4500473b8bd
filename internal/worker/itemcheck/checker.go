package itemcheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/bankdash/internal/aggregator"
	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/repository"
)

// ItemGetter は集約サービスからアイテムの状態を取得するインターフェース。
type ItemGetter interface {
	GetItem(ctx context.Context, accessToken string) (*aggregator.Item, error)
}

// TokenOpener は封印済みアクセストークンを開封するインターフェース。
type TokenOpener interface {
	Open(sealed string) (string, error)
}

// Checker は個別アイテムの状態を集約サービスに問い合わせ、結果に応じて状態を更新する。
type Checker struct {
	itemRepo   repository.BankItemRepository
	aggregator ItemGetter
	opener     TokenOpener
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	interval   time.Duration
}

// NewChecker はCheckerの新しいインスタンスを生成する。collectorはnilでもよい。
func NewChecker(
	itemRepo repository.BankItemRepository,
	aggregatorClient ItemGetter,
	opener TokenOpener,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	interval time.Duration,
) *Checker {
	return &Checker{
		itemRepo:   itemRepo,
		aggregator: aggregatorClient,
		opener:     opener,
		metrics:    collector,
		logger:     logger,
		interval:   interval,
	}
}

// Check はアイテムを確認し、状態を更新する。
// ItemCheckerServiceインターフェースを実装する。
func (c *Checker) Check(ctx context.Context, item *model.BankItem) error {
	start := time.Now()

	accessToken, err := c.opener.Open(item.AccessToken)
	if err != nil {
		ApplyFailure(item, fmt.Sprintf("アクセストークンの開封に失敗: %s", err.Error()))
		c.record(metrics.CheckResultError)
		c.save(ctx, item)
		return fmt.Errorf("アクセストークンの開封に失敗: %w", err)
	}

	aggItem, err := c.aggregator.GetItem(ctx, accessToken)
	result := Classify(aggItem, err)
	reason := describe(aggItem, err)

	switch result {
	case CheckResultActive:
		ApplySuccess(item, c.interval)
		c.record(metrics.CheckResultActive)
	case CheckResultLoginRequired:
		ApplyLoginRequired(item, reason)
		c.record(metrics.CheckResultLoginRequired)
		c.logger.Warn("銀行アイテムの再認証が必要です",
			slog.String("bank_item_id", item.ID),
			slog.String("user_id", item.UserID),
		)
	case CheckResultBackoff:
		ApplyBackoff(item, reason)
		c.record(metrics.CheckResultTransient)
	default:
		ApplyFailure(item, reason)
		c.record(metrics.CheckResultError)
		if item.Status == model.ItemStatusError {
			c.logger.Error("銀行アイテムの確認を停止しました",
				slog.String("bank_item_id", item.ID),
				slog.Int("consecutive_errors", item.ConsecutiveErrors),
			)
		}
	}

	if err := c.itemRepo.UpdateCheckState(ctx, item); err != nil {
		return fmt.Errorf("アイテム状態の更新に失敗: %w", err)
	}

	c.logger.Info("銀行アイテムを確認しました",
		slog.String("bank_item_id", item.ID),
		slog.String("status", string(item.Status)),
		slog.Int("consecutive_errors", item.ConsecutiveErrors),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// save はエラー経路でアイテム状態を保存する。失敗はログのみ出力する。
func (c *Checker) save(ctx context.Context, item *model.BankItem) {
	if err := c.itemRepo.UpdateCheckState(ctx, item); err != nil {
		c.logger.Error("アイテム状態の更新に失敗しました",
			slog.String("bank_item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Checker) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordItemCheck(result)
	}
}

// describe は確認結果のエラーメッセージを返す。
func describe(item *aggregator.Item, err error) string {
	if err != nil {
		return err.Error()
	}
	if item != nil && item.Error != nil {
		return item.Error.Error()
	}
	return ""
}
