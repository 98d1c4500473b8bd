package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/bankdash/internal/model"
)

// PostgresLinkEventRepo はPostgreSQLを使用した連携イベントリポジトリ。
type PostgresLinkEventRepo struct {
	db *sql.DB
}

// NewPostgresLinkEventRepo はPostgresLinkEventRepoを生成する。
func NewPostgresLinkEventRepo(db *sql.DB) *PostgresLinkEventRepo {
	return &PostgresLinkEventRepo{db: db}
}

// Append は状態遷移を追記する。
func (r *PostgresLinkEventRepo) Append(ctx context.Context, event *model.LinkEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_events (id, flow_id, user_id, from_state, to_state, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.FlowID, event.UserID,
		string(event.FromState), string(event.ToState),
		event.Detail, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("連携イベントの記録に失敗しました: %w", err)
	}
	return nil
}

// ListByFlowID はフローの状態遷移を発生順に返す。
func (r *PostgresLinkEventRepo) ListByFlowID(ctx context.Context, flowID string) ([]*model.LinkEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, flow_id, user_id, from_state, to_state, detail, created_at
		 FROM link_events WHERE flow_id = $1 ORDER BY created_at ASC`,
		flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("連携イベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.LinkEvent
	for rows.Next() {
		e := &model.LinkEvent{}
		if err := rows.Scan(
			&e.ID, &e.FlowID, &e.UserID,
			&e.FromState, &e.ToState,
			&e.Detail, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("連携イベントの読み取りに失敗しました: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("連携イベントの走査に失敗しました: %w", err)
	}
	return events, nil
}

// compile-time interface check
var _ LinkEventRepository = (*PostgresLinkEventRepo)(nil)
