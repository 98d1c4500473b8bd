package banklink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/bankdash/internal/model"
)

const flowKeyPrefix = "bankdash:linkflow:"

// ErrFlowConflict は保存済みのフローが読み込み後に他のリクエストで更新されていた場合のエラー。
var ErrFlowConflict = errors.New("link flow was modified concurrently")

// FlowStore は連携フローの一時保存先のインターフェース。
type FlowStore interface {
	// Save はフローをttlの有効期限付きで保存する。
	// 保存済みのVersionがflow.Versionと一致する場合のみ書き込み、flow.Versionを1増やす。
	// 一致しない場合はErrFlowConflictを返す。
	Save(ctx context.Context, flow *model.LinkFlow, ttl time.Duration) error
	// Get は指定IDのフローを取得する。存在しない、または期限切れの場合はnilを返す。
	Get(ctx context.Context, flowID string) (*model.LinkFlow, error)
}

// RedisFlowStore はRedisに連携フローを保存するFlowStore実装。
type RedisFlowStore struct {
	client *redis.Client
}

// NewRedisFlowStore はRedisFlowStoreを生成する。
func NewRedisFlowStore(client *redis.Client) *RedisFlowStore {
	return &RedisFlowStore{client: client}
}

func (s *RedisFlowStore) key(flowID string) string {
	return flowKeyPrefix + flowID
}

// Save はWATCHでキーを監視し、保存済みのVersionを確認してからMULTI/EXECでJSONを書き込む。
func (s *RedisFlowStore) Save(ctx context.Context, flow *model.LinkFlow, ttl time.Duration) error {
	key := s.key(flow.ID)
	expected := flow.Version

	next := *flow
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("連携フローのエンコードに失敗しました: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if stored != expected {
			return ErrFlowConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)
	switch {
	case errors.Is(err, ErrFlowConflict), errors.Is(err, redis.TxFailedErr):
		return ErrFlowConflict
	case err != nil:
		return fmt.Errorf("連携フローの保存に失敗しました: %w", err)
	}

	flow.Version = next.Version
	return nil
}

// storedVersion は保存済みフローのVersionを返す。キーが無い場合は0を返す。
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("連携フローのデコードに失敗しました: %w", err)
	}
	return stored.Version, nil
}

// Get はフローを取得する。
func (s *RedisFlowStore) Get(ctx context.Context, flowID string) (*model.LinkFlow, error) {
	data, err := s.client.Get(ctx, s.key(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連携フローの取得に失敗しました: %w", err)
	}

	var flow model.LinkFlow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("連携フローのデコードに失敗しました: %w", err)
	}
	return &flow, nil
}

// compile-time interface check
var _ FlowStore = (*RedisFlowStore)(nil)
