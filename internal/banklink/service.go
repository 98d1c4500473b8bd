// Package banklink は銀行連携フローを管理する。
// リンクトークンの発行からパブリックトークンの交換、連携済み銀行の保存までを
// 状態機械として扱い、すべての状態遷移をRedisと監査ログに記録する。
package banklink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bankdash/internal/aggregator"
	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/repository"
	"github.com/hitoshi/bankdash/internal/security"
)

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 200 * time.Millisecond
	defaultFlowTTL     = 4 * time.Hour

	// maxFlowSaveAttempts は同時更新で競合した場合に遷移をやり直す上限。
	maxFlowSaveAttempts = 3
)

// AggregatorClient は集約サービスのAPIのうち銀行連携で使う操作のインターフェース。
type AggregatorClient interface {
	CreateLinkToken(ctx context.Context, req aggregator.LinkTokenRequest) (*aggregator.LinkTokenResponse, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*aggregator.ExchangeResponse, error)
	GetItem(ctx context.Context, accessToken string) (*aggregator.Item, error)
	GetInstitution(ctx context.Context, institutionID string, countryCodes []string) (*aggregator.Institution, error)
	RemoveItem(ctx context.Context, accessToken string) error
}

// TokenSealer はアクセストークンの封印・開封を行うインターフェース。
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Config は銀行連携サービスの設定。
type Config struct {
	ClientName   string
	Products     []string
	CountryCodes []string

	// MaxAttempts はリンクトークン取得の最大試行回数。
	MaxAttempts int
	// RetryBase は指数バックオフの初回遅延。
	RetryBase time.Duration
	// FlowTTL は連携フローをRedisに保持する期間。
	FlowTTL time.Duration
}

// ExchangeParams はパブリックトークン交換の入力。
// FlowIDが空の場合はフローを追跡せずに交換する。
type ExchangeParams struct {
	PublicToken string
	FlowID      string
}

// Service は銀行連携の操作を提供する。
type Service struct {
	aggregator AggregatorClient
	items      repository.BankItemRepository
	events     repository.LinkEventRepository
	flows      FlowStore
	sealer     TokenSealer
	sanitizer  security.TextSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService はServiceを生成する。collectorはnilでもよい。
func NewService(
	aggregatorClient AggregatorClient,
	items repository.BankItemRepository,
	events repository.LinkEventRepository,
	flows FlowStore,
	sealer TokenSealer,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Service {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryBase <= 0 {
		config.RetryBase = defaultRetryBase
	}
	if config.FlowTTL <= 0 {
		config.FlowTTL = defaultFlowTTL
	}
	return &Service{
		aggregator: aggregatorClient,
		items:      items,
		events:     events,
		flows:      flows,
		sealer:     sealer,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
	}
}

// CreateLinkToken は新しい連携フローを開始し、リンクトークンを発行する。
// 呼び出しごとに新しいフローを作成し、異なるトークンを返しうる。
// 一時的な失敗は指数バックオフでリトライし、上限に達した場合はフローを
// Unavailableに遷移させてLINK_UNAVAILABLEを返す。
func (s *Service) CreateLinkToken(ctx context.Context, user *model.User) (*model.LinkToken, error) {
	now := s.now()
	flow := &model.LinkFlow{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		State:     model.LinkStateNoToken,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.update(ctx, flow, model.LinkStateTokenRequested, "", nil); err != nil {
		return nil, err
	}

	req := aggregator.LinkTokenRequest{
		UserID:       user.ID,
		ClientName:   s.config.ClientName,
		Products:     s.config.Products,
		CountryCodes: s.config.CountryCodes,
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		attempts = attempt
		resp, err := s.aggregator.CreateLinkToken(ctx, req)
		if err == nil {
			ready := func(f *model.LinkFlow) {
				f.Attempts = attempt
				f.LinkToken = resp.LinkToken
				f.LastError = ""
			}
			if err := s.update(ctx, flow, model.LinkStateTokenReady, "", ready); err != nil {
				return nil, err
			}
			s.logger.Info("link token created",
				slog.String("user_id", user.ID),
				slog.String("flow_id", flow.ID),
				slog.Int("attempts", attempt),
			)
			return &model.LinkToken{
				Token:      resp.LinkToken,
				Expiration: resp.Expiration,
				FlowID:     flow.ID,
			}, nil
		}

		lastErr = err
		s.logger.Warn("リンクトークンの取得に失敗しました",
			slog.String("flow_id", flow.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if !aggregator.IsTransient(err) || attempt == s.config.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	// 中断されたフローはUnavailableにせず、TTLで失効させる
	if cause := interruption(ctx, lastErr); cause != nil {
		s.logger.Info("リンクトークンの取得が中断されました",
			slog.String("flow_id", flow.ID),
			slog.Int("attempts", attempts),
		)
		return nil, cause
	}

	unavailable := func(f *model.LinkFlow) {
		f.Attempts = attempts
		f.LastError = lastErr.Error()
	}
	if err := s.update(ctx, flow, model.LinkStateUnavailable, lastErr.Error(), unavailable); err != nil {
		return nil, err
	}
	return nil, model.NewLinkUnavailableError()
}

// ExchangePublicToken はパブリックトークンをアクセストークンに交換し、連携済み銀行として保存する。
// トークンの有効性は集約サービスが判定し、無効・期限切れの場合は検証エラーを返す。
// アクセストークンは封印してから保存する。金融機関名の取得は失敗しても続行する。
func (s *Service) ExchangePublicToken(ctx context.Context, params ExchangeParams, user *model.User) (*model.BankItem, error) {
	if params.PublicToken == "" {
		return nil, model.NewInvalidInputError("public_tokenは必須です")
	}

	var flow *model.LinkFlow
	if params.FlowID != "" {
		f, err := s.loadFlow(ctx, params.FlowID, user)
		if err != nil {
			return nil, err
		}
		if err := s.beginExchange(ctx, f); err != nil {
			return nil, err
		}
		flow = f
	}

	resp, err := s.aggregator.ExchangePublicToken(ctx, params.PublicToken)
	if err != nil {
		s.failExchange(ctx, flow, err)
		return nil, mapExchangeError(err)
	}

	sealed, err := s.sealer.Seal(resp.AccessToken)
	if err != nil {
		s.failExchange(ctx, flow, err)
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}

	item := &model.BankItem{
		UserID:      user.ID,
		ItemID:      resp.ItemID,
		AccessToken: sealed,
		Status:      model.ItemStatusActive,
	}
	s.resolveInstitution(ctx, resp.AccessToken, item)

	if err := s.items.Upsert(ctx, item); err != nil {
		s.failExchange(ctx, flow, err)
		if errors.Is(err, repository.ErrBankItemOwnedByAnotherUser) {
			s.logger.Warn("他のユーザーに連携済みのアイテムです",
				slog.String("user_id", user.ID),
				slog.String("item_id", item.ItemID),
			)
			return nil, model.NewBankItemConflictError()
		}
		return nil, fmt.Errorf("failed to save bank item: %w", err)
	}

	if flow != nil {
		linked := func(f *model.LinkFlow) {
			f.ItemID = item.ID
			f.LastError = ""
		}
		// アイテムは保存済みのため、フローの記録に失敗しても連携結果を返す
		if err := s.update(ctx, flow, model.LinkStateLinked, item.ItemID, linked); err != nil {
			s.logger.Error("連携フローの完了記録に失敗しました",
				slog.String("flow_id", flow.ID),
				slog.String("bank_item_id", item.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordItemsLinked(1)
	}

	s.logger.Info("bank item linked",
		slog.String("user_id", user.ID),
		slog.String("bank_item_id", item.ID),
		slog.String("institution_id", item.InstitutionID),
	)
	return item, nil
}

// RecordEvent はウィジェットのイベントをフローに適用する。
func (s *Service) RecordEvent(ctx context.Context, flowID string, event Event, user *model.User) (*model.LinkFlow, error) {
	to, ok := eventTargets[event]
	if !ok {
		return nil, model.NewInvalidInputError(fmt.Sprintf("未知のイベントです: %s", event))
	}

	flow, err := s.loadFlow(ctx, flowID, user)
	if err != nil {
		return nil, err
	}
	if err := s.update(ctx, flow, to, string(event), nil); err != nil {
		return nil, err
	}
	return flow, nil
}

// GetFlow はユーザーが所有する連携フローの現在の状態を返す。
func (s *Service) GetFlow(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error) {
	return s.loadFlow(ctx, flowID, user)
}

// FlowHistory は連携フローの状態遷移の記録を発生順に返す。
func (s *Service) FlowHistory(ctx context.Context, flowID string, user *model.User) ([]*model.LinkEvent, error) {
	if _, err := s.loadFlow(ctx, flowID, user); err != nil {
		return nil, err
	}
	events, err := s.events.ListByFlowID(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list link events: %w", err)
	}
	return events, nil
}

// ListItems はユーザーの連携済み銀行の一覧を返す。
func (s *Service) ListItems(ctx context.Context, user *model.User) ([]*model.BankItem, error) {
	items, err := s.items.ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank items: %w", err)
	}
	return items, nil
}

// RemoveItem は連携済み銀行を削除する。
// 集約サービス側の失効はベストエフォートで行い、失敗しても削除は続行する。
func (s *Service) RemoveItem(ctx context.Context, id string, user *model.User) error {
	item, err := s.items.FindByUserAndID(ctx, user.ID, id)
	if err != nil {
		return fmt.Errorf("failed to find bank item: %w", err)
	}
	if item == nil {
		return model.NewBankItemNotFoundError(id)
	}

	if accessToken, err := s.sealer.Open(item.AccessToken); err != nil {
		s.logger.Warn("アクセストークンの開封に失敗しました",
			slog.String("bank_item_id", item.ID),
			slog.String("error", err.Error()),
		)
	} else if err := s.aggregator.RemoveItem(ctx, accessToken); err != nil {
		s.logger.Warn("集約サービスでのアイテム失効に失敗しました",
			slog.String("bank_item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}

	deleted, err := s.items.Delete(ctx, user.ID, id)
	if err != nil {
		return fmt.Errorf("failed to delete bank item: %w", err)
	}
	if !deleted {
		return model.NewBankItemNotFoundError(id)
	}

	s.logger.Info("bank item removed",
		slog.String("user_id", user.ID),
		slog.String("bank_item_id", id),
	)
	return nil
}

// beginExchange はフローをExchangingに進める。
// パブリックトークンはウィジェットでの連携完了を意味するため、
// 成功イベントが未通知の場合はここで補完する。
// 同時に届いたウィジェットイベントと競合した場合は最新の状態から進め直す。
func (s *Service) beginExchange(ctx context.Context, flow *model.LinkFlow) error {
	conflicts := 0
	for {
		to, detail := exchangeStep(flow.State)
		err := s.transition(ctx, flow, to, detail)
		switch {
		case errors.Is(err, ErrFlowConflict):
			conflicts++
			if conflicts >= maxFlowSaveAttempts {
				return model.NewInvalidLinkTransitionError(flow.State, to)
			}
		case err != nil:
			return err
		case to == model.LinkStateExchanging:
			return nil
		}
	}
}

// exchangeStep はExchangingに向けた次の遷移先を返す。
func exchangeStep(state model.LinkState) (model.LinkState, string) {
	switch state {
	case model.LinkStateTokenReady:
		return model.LinkStateWidgetOpened, "implicit"
	case model.LinkStateWidgetOpened:
		return model.LinkStateLinkSucceeded, "implicit"
	default:
		return model.LinkStateExchanging, ""
	}
}

// failExchange はフローをExchangeFailedに遷移させる。遷移の記録に失敗してもログのみ出力する。
func (s *Service) failExchange(ctx context.Context, flow *model.LinkFlow, cause error) {
	if flow == nil {
		return
	}
	failed := func(f *model.LinkFlow) { f.LastError = cause.Error() }
	if err := s.update(context.WithoutCancel(ctx), flow, model.LinkStateExchangeFailed, cause.Error(), failed); err != nil {
		s.logger.Error("連携フローの更新に失敗しました",
			slog.String("flow_id", flow.ID),
			slog.String("error", err.Error()),
		)
	}
}

// resolveInstitution は金融機関のIDと名前をアイテムに設定する。失敗した場合は空のまま続行する。
func (s *Service) resolveInstitution(ctx context.Context, accessToken string, item *model.BankItem) {
	aggItem, err := s.aggregator.GetItem(ctx, accessToken)
	if err != nil {
		s.logger.Warn("アイテム情報の取得に失敗しました",
			slog.String("item_id", item.ItemID),
			slog.String("error", err.Error()),
		)
		return
	}
	item.InstitutionID = aggItem.InstitutionID
	if item.InstitutionID == "" {
		return
	}

	inst, err := s.aggregator.GetInstitution(ctx, item.InstitutionID, s.config.CountryCodes)
	if err != nil {
		s.logger.Warn("金融機関情報の取得に失敗しました",
			slog.String("institution_id", item.InstitutionID),
			slog.String("error", err.Error()),
		)
		return
	}
	item.InstitutionName = s.sanitizer.Sanitize(inst.Name)
}

// loadFlow はユーザーが所有するフローを取得する。
// 存在しない、期限切れ、他のユーザーのフローの場合はLINK_FLOW_NOT_FOUNDを返す。
func (s *Service) loadFlow(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error) {
	flow, err := s.flows.Get(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load link flow: %w", err)
	}
	if flow == nil || flow.UserID != user.ID {
		return nil, model.NewLinkFlowNotFoundError(flowID)
	}
	return flow, nil
}

// update はapplyでフローを変更してから遷移させる。
// 同時更新で競合した場合は最新のフローに対して変更と遷移の検証をやり直す。
func (s *Service) update(ctx context.Context, flow *model.LinkFlow, to model.LinkState, detail string, apply func(*model.LinkFlow)) error {
	for attempt := 1; ; attempt++ {
		if apply != nil {
			apply(flow)
		}
		err := s.transition(ctx, flow, to, detail)
		if !errors.Is(err, ErrFlowConflict) {
			return err
		}
		if attempt == maxFlowSaveAttempts {
			return model.NewInvalidLinkTransitionError(flow.State, to)
		}
	}
}

// transition はフローを遷移させ、Redisへの保存と監査ログへの追記を行う。
// 読み込み後に他のリクエストがフローを更新していた場合は、flowを最新の内容に置き換えて
// ErrFlowConflictを返す。監査ログの追記に失敗した場合はログのみ出力する。
func (s *Service) transition(ctx context.Context, flow *model.LinkFlow, to model.LinkState, detail string) error {
	from := flow.State
	next := *flow
	if err := advance(&next, to, s.now()); err != nil {
		return err
	}

	if err := s.flows.Save(ctx, &next, s.config.FlowTTL); err != nil {
		if !errors.Is(err, ErrFlowConflict) {
			return fmt.Errorf("failed to save link flow: %w", err)
		}
		if err := s.reload(ctx, flow); err != nil {
			return err
		}
		return ErrFlowConflict
	}
	*flow = next

	event := &model.LinkEvent{
		FlowID:    flow.ID,
		UserID:    flow.UserID,
		FromState: from,
		ToState:   to,
		Detail:    detail,
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.logger.Warn("連携フローの遷移記録に失敗しました",
			slog.String("flow_id", flow.ID),
			slog.String("error", err.Error()),
		)
	}

	if s.metrics != nil {
		s.metrics.RecordLinkTransition(string(from), string(to))
	}
	s.logger.Debug("link flow transition",
		slog.String("flow_id", flow.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// reload はflowを保存済みの最新の内容に置き換える。
func (s *Service) reload(ctx context.Context, flow *model.LinkFlow) error {
	latest, err := s.flows.Get(ctx, flow.ID)
	if err != nil {
		return fmt.Errorf("failed to reload link flow: %w", err)
	}
	if latest == nil {
		return model.NewLinkFlowNotFoundError(flow.ID)
	}
	*flow = *latest
	return nil
}

// interruption は呼び出し元のキャンセルやタイムアウトで処理が中断された場合にその原因を返す。
func interruption(ctx context.Context, lastErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return lastErr
	}
	return nil
}

// backoff はattempt回目の失敗後の待機時間を返す（RetryBase × 2^(attempt-1)）。
func (s *Service) backoff(attempt int) time.Duration {
	return s.config.RetryBase << (attempt - 1)
}

// mapExchangeError は交換時の集約サービスのエラーをAPIErrorに変換する。
func mapExchangeError(err error) error {
	switch {
	case aggregator.IsInvalidToken(err):
		return model.NewInvalidPublicTokenError()
	case aggregator.IsTransient(err):
		return model.NewAggregatorUnavailableError()
	default:
		return fmt.Errorf("failed to exchange public token: %w", err)
	}
}

// sleepContext はdだけ待機する。コンテキストがキャンセルされた場合はエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
