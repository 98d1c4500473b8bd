// Package dashboard はホーム画面と取引履歴画面のデータを組み立てる。
// 連携済み銀行ごとに集約サービスから口座残高と取引明細を取得する。
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/bankdash/internal/aggregator"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/repository"
	"github.com/hitoshi/bankdash/internal/security"
)

const (
	// PageSize は取引履歴の1ページあたりの件数。
	PageSize = 10

	defaultLookbackDays = 30
	defaultConcurrency  = 4
)

// 取得できなかった銀行の理由
const (
	ReasonLoginRequired = "login_required"
	ReasonUnavailable   = "unavailable"
)

// AggregatorClient は集約サービスのAPIのうちダッシュボードで使う操作のインターフェース。
type AggregatorClient interface {
	GetBalances(ctx context.Context, accessToken string) ([]aggregator.Account, error)
	GetTransactions(ctx context.Context, accessToken string, req aggregator.TransactionsRequest) (*aggregator.TransactionsResponse, error)
}

// TokenOpener は封印済みアクセストークンを開封するインターフェース。
type TokenOpener interface {
	Open(sealed string) (string, error)
}

// Config はダッシュボードの設定。
type Config struct {
	// LookbackDays は取引明細を取得する期間（日数）。
	LookbackDays int
	// Concurrency は銀行ごとの残高取得の最大並行数。
	Concurrency int
}

// UnavailableItem は残高を取得できなかった連携済み銀行。
type UnavailableItem struct {
	BankItemID      string
	InstitutionName string
	Reason          string
}

// Overview はホーム画面の表示内容。
type Overview struct {
	User                *model.User
	TotalBanks          int
	TotalCurrentBalance decimal.Decimal
	Accounts            []model.Account
	RecentTransactions  []model.Transaction
	Unavailable         []UnavailableItem
}

// TransactionsPage は取引履歴の1ページ分。
type TransactionsPage struct {
	BankItemID        string
	Page              int
	PageSize          int
	TotalTransactions int
	TotalPages        int
	Transactions      []model.Transaction
}

// Service はダッシュボードのデータを組み立てる。
type Service struct {
	aggregator AggregatorClient
	items      repository.BankItemRepository
	opener     TokenOpener
	sanitizer  security.TextSanitizer
	logger     *slog.Logger
	config     Config

	now func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	aggregatorClient AggregatorClient,
	items repository.BankItemRepository,
	opener TokenOpener,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
	config Config,
) *Service {
	if config.LookbackDays <= 0 {
		config.LookbackDays = defaultLookbackDays
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	return &Service{
		aggregator: aggregatorClient,
		items:      items,
		opener:     opener,
		sanitizer:  sanitizer,
		logger:     logger,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// itemBalances は1つの銀行の残高取得結果。
type itemBalances struct {
	accounts []model.Account
	reason   string
}

// Overview はユーザーの全連携済み銀行の口座と残高合計、最初の銀行の最近の取引を返す。
// 取得に失敗した銀行はUnavailableに列挙し、残りの銀行で画面を組み立てる。
func (s *Service) Overview(ctx context.Context, user *model.User) (*Overview, error) {
	items, err := s.items.ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank items: %w", err)
	}

	results := make([]itemBalances, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, item := range items {
		if item.Status == model.ItemStatusLoginRequired {
			results[i].reason = ReasonLoginRequired
			continue
		}
		g.Go(func() error {
			accounts, err := s.fetchBalances(gctx, item)
			if err != nil {
				s.logger.Warn("口座残高の取得に失敗しました",
					slog.String("bank_item_id", item.ID),
					slog.String("error", err.Error()),
				)
				results[i].reason = reasonFor(err)
				return nil
			}
			results[i].accounts = accounts
			return nil
		})
	}
	// 各goroutineは失敗を結果に記録してnilを返す
	_ = g.Wait()

	overview := &Overview{
		User:                user,
		TotalBanks:          len(items),
		TotalCurrentBalance: decimal.Zero,
		Accounts:            []model.Account{},
		RecentTransactions:  []model.Transaction{},
	}
	for i, r := range results {
		if r.reason != "" {
			overview.Unavailable = append(overview.Unavailable, UnavailableItem{
				BankItemID:      items[i].ID,
				InstitutionName: items[i].InstitutionName,
				Reason:          r.reason,
			})
			continue
		}
		for _, a := range r.accounts {
			overview.TotalCurrentBalance = overview.TotalCurrentBalance.Add(a.CurrentBalance)
		}
		overview.Accounts = append(overview.Accounts, r.accounts...)
	}

	for i, r := range results {
		if r.reason != "" {
			continue
		}
		page, err := s.fetchTransactions(ctx, items[i], 1)
		if err != nil {
			s.logger.Warn("最近の取引の取得に失敗しました",
				slog.String("bank_item_id", items[i].ID),
				slog.String("error", err.Error()),
			)
			break
		}
		overview.RecentTransactions = page.Transactions
		break
	}

	return overview, nil
}

// Transactions は連携済み銀行の取引履歴をページ単位で返す。
// bankItemIDが空の場合はユーザーの最初の銀行を対象にする。pageは1始まり。
func (s *Service) Transactions(ctx context.Context, user *model.User, bankItemID string, page int) (*TransactionsPage, error) {
	if page < 1 {
		return nil, model.NewInvalidPageError(strconv.Itoa(page))
	}

	item, err := s.resolveItem(ctx, user, bankItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return &TransactionsPage{
			Page:         page,
			PageSize:     PageSize,
			Transactions: []model.Transaction{},
		}, nil
	}

	result, err := s.fetchTransactions(ctx, item, page)
	if err != nil {
		if aggregator.IsTransient(err) || aggregator.IsLoginRequired(err) {
			s.logger.Warn("取引履歴の取得に失敗しました",
				slog.String("bank_item_id", item.ID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewAggregatorUnavailableError()
		}
		return nil, err
	}
	return result, nil
}

// resolveItem は対象の連携済み銀行を返す。IDが空で銀行が1件も無い場合はnilを返す。
func (s *Service) resolveItem(ctx context.Context, user *model.User, bankItemID string) (*model.BankItem, error) {
	if bankItemID == "" {
		items, err := s.items.ListByUserID(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list bank items: %w", err)
		}
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	}

	item, err := s.items.FindByUserAndID(ctx, user.ID, bankItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to find bank item: %w", err)
	}
	if item == nil {
		return nil, model.NewBankItemNotFoundError(bankItemID)
	}
	return item, nil
}

// fetchBalances は1つの銀行の口座と残高を取得する。
func (s *Service) fetchBalances(ctx context.Context, item *model.BankItem) ([]model.Account, error) {
	accessToken, err := s.opener.Open(item.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}

	raw, err := s.aggregator.GetBalances(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	accounts := make([]model.Account, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, toAccount(a, item, s.sanitizer))
	}
	return accounts, nil
}

// fetchTransactions は取引明細の指定ページを取得する。
func (s *Service) fetchTransactions(ctx context.Context, item *model.BankItem, page int) (*TransactionsPage, error) {
	accessToken, err := s.opener.Open(item.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}

	end := s.now()
	start := end.AddDate(0, 0, -s.config.LookbackDays)
	resp, err := s.aggregator.GetTransactions(ctx, accessToken, aggregator.TransactionsRequest{
		StartDate: start,
		EndDate:   end,
		Count:     PageSize,
		Offset:    (page - 1) * PageSize,
	})
	if err != nil {
		return nil, err
	}

	txs := make([]model.Transaction, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		txs = append(txs, toTransaction(tx, s.sanitizer))
	}
	return &TransactionsPage{
		BankItemID:        item.ID,
		Page:              page,
		PageSize:          PageSize,
		TotalTransactions: resp.TotalTransactions,
		TotalPages:        (resp.TotalTransactions + PageSize - 1) / PageSize,
		Transactions:      txs,
	}, nil
}

// reasonFor は取得失敗の原因をUnavailableItemの理由に変換する。
func reasonFor(err error) string {
	if aggregator.IsLoginRequired(err) {
		return ReasonLoginRequired
	}
	return ReasonUnavailable
}
