package model

import "time"

// LinkToken は銀行連携ウィジェットを初期化するための短命トークンを表す。
type LinkToken struct {
	Token      string
	Expiration time.Time
	FlowID     string
}

// LinkState は銀行連携フローの状態を表す。
type LinkState string

const (
	LinkStateNoToken        LinkState = "no_token"
	LinkStateTokenRequested LinkState = "token_requested"
	LinkStateTokenReady     LinkState = "token_ready"
	LinkStateWidgetOpened   LinkState = "widget_opened"
	LinkStateLinkSucceeded  LinkState = "link_succeeded"
	LinkStateLinkAbandoned  LinkState = "link_abandoned"
	LinkStateExchanging     LinkState = "exchanging"
	LinkStateExchangeFailed LinkState = "exchange_failed"
	LinkStateLinked         LinkState = "linked"
	// LinkStateUnavailable はリトライ上限までトークン取得に失敗した状態。
	LinkStateUnavailable LinkState = "unavailable"
)

// LinkFlow は1回分の銀行連携フローを表す。
// Redisに保存され、リンクトークンの有効期限とともに失効する。
type LinkFlow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	State     LinkState `json:"state"`
	LinkToken string    `json:"link_token,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	// Version は保存のたびに1増える。未保存のフローは0。
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LinkEvent は連携フローの状態遷移の監査記録を表す。
type LinkEvent struct {
	ID        string
	FlowID    string
	UserID    string
	FromState LinkState
	ToState   LinkState
	Detail    string
	CreatedAt time.Time
}

// ItemStatus は連携済み銀行アイテムの状態を表す。
type ItemStatus string

const (
	// ItemStatusActive は正常に利用できる状態。
	ItemStatusActive ItemStatus = "active"
	// ItemStatusLoginRequired は銀行側で再認証が必要な状態。再連携まで確認を停止する。
	ItemStatusLoginRequired ItemStatus = "login_required"
	// ItemStatusError は連続エラーにより確認を停止した状態。
	ItemStatusError ItemStatus = "error"
)

// BankItem はユーザーが連携した金融機関との接続を表す。
// AccessTokenは暗号化された状態で保持する。
type BankItem struct {
	ID                string
	UserID            string
	ItemID            string
	AccessToken       string // 封印済み（security.TokenSealer）
	InstitutionID     string
	InstitutionName   string
	Status            ItemStatus
	ConsecutiveErrors int
	ErrorMessage      string
	NextCheckAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
