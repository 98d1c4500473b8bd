// Package itemcheck は連携済み銀行アイテムのバックグラウンド状態確認を提供する。
// スケジューラ、チェッカー、バックオフ戦略を含む。
package itemcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/repository"
)

const (
	defaultMaxConcurrency = 5
	defaultBatchSize      = 100

	// defaultClaimLease は確保したアイテムを他のワーカーが再確保できるようになるまでの時間。
	// 確認が完了するとUpdateCheckStateで次回確認日時が上書きされる。
	defaultClaimLease = 10 * time.Minute
)

// ItemCheckerService はアイテム確認の実行インターフェース。
type ItemCheckerService interface {
	// Check は指定アイテムを確認し、結果に応じてアイテム状態を更新する。
	Check(ctx context.Context, item *model.BankItem) error
}

// Scheduler はアイテム確認のスケジューリングと並列制御を行う。
// ティッカーで確認対象のアイテムを取得し、
// semaphoreパターンで最大並列数を制御しながら確認を実行する。
type Scheduler struct {
	itemRepo       repository.BankItemRepository
	checker        ItemCheckerService
	logger         *slog.Logger
	maxConcurrency int
	batchSize      int
	claimLease     time.Duration
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewScheduler(
	itemRepo repository.BankItemRepository,
	checker ItemCheckerService,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Scheduler{
		itemRepo:       itemRepo,
		checker:        checker,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		batchSize:      defaultBatchSize,
		claimLease:     defaultClaimLease,
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("アイテム確認スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("確認サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("アイテム確認スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("確認サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は確認対象のアイテムを1回取得し、並列で確認を実行する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	items, err := s.itemRepo.ClaimDueForCheck(ctx, s.batchSize, s.claimLease)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		s.logger.Debug("確認対象のアイテムはありません")
		return nil
	}

	s.logger.Info("確認サイクルを開始します",
		slog.Int("item_count", len(items)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}

		go func(it *model.BankItem) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.checker.Check(ctx, it); err != nil {
				s.logger.Error("アイテム確認に失敗しました",
					slog.String("bank_item_id", it.ID),
					slog.String("error", err.Error()),
				)
			}
		}(item)
	}

	wg.Wait()

	s.logger.Info("確認サイクルが完了しました",
		slog.Int("item_count", len(items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
