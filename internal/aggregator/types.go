package aggregator

import (
	"time"

	"github.com/shopspring/decimal"
)

// credentials は全リクエストのボディに含めるクライアント資格情報。
type credentials struct {
	ClientID string `json:"client_id"`
	Secret   string `json:"secret"`
}

// LinkTokenRequest はリンクトークン作成のパラメータ。
type LinkTokenRequest struct {
	UserID       string // リンクトークンを紐付けるユーザーの識別子
	ClientName   string
	Products     []string
	CountryCodes []string
	Language     string
}

type linkTokenCreateRequest struct {
	credentials
	ClientName   string        `json:"client_name"`
	User         linkTokenUser `json:"user"`
	Products     []string      `json:"products"`
	CountryCodes []string      `json:"country_codes"`
	Language     string        `json:"language"`
}

type linkTokenUser struct {
	ClientUserID string `json:"client_user_id"`
}

// LinkTokenResponse はリンクトークン作成のレスポンス。
type LinkTokenResponse struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
	RequestID  string    `json:"request_id"`
}

type publicTokenExchangeRequest struct {
	credentials
	PublicToken string `json:"public_token"`
}

// ExchangeResponse はパブリックトークン交換のレスポンス。
type ExchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
	RequestID   string `json:"request_id"`
}

type accessTokenRequest struct {
	credentials
	AccessToken string `json:"access_token"`
}

// Item は集約サービス側の連携アイテム。
type Item struct {
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
	Error         *Error `json:"error"` // エラー状態の場合のみ設定される
}

type itemGetResponse struct {
	Item      Item   `json:"item"`
	RequestID string `json:"request_id"`
}

// Balances は口座残高。値が無い場合はValid=falseになる。
type Balances struct {
	Available       decimal.NullDecimal `json:"available"`
	Current         decimal.NullDecimal `json:"current"`
	ISOCurrencyCode string              `json:"iso_currency_code"`
}

// Account は集約サービスが返す口座。
type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName string   `json:"official_name"`
	Mask         string   `json:"mask"`
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype"`
	Balances     Balances `json:"balances"`
}

type accountsResponse struct {
	Accounts  []Account `json:"accounts"`
	Item      Item      `json:"item"`
	RequestID string    `json:"request_id"`
}

// TransactionsRequest は取引明細取得のパラメータ。
type TransactionsRequest struct {
	StartDate  time.Time
	EndDate    time.Time
	AccountIDs []string
	Count      int
	Offset     int
}

type transactionsGetRequest struct {
	credentials
	AccessToken string                 `json:"access_token"`
	StartDate   string                 `json:"start_date"`
	EndDate     string                 `json:"end_date"`
	Options     transactionsGetOptions `json:"options"`
}

type transactionsGetOptions struct {
	AccountIDs []string `json:"account_ids,omitempty"`
	Count      int      `json:"count"`
	Offset     int      `json:"offset"`
}

// Transaction は集約サービスが返す取引明細。
// Amountは正の値が出金を表す。
type Transaction struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Name            string          `json:"name"`
	MerchantName    string          `json:"merchant_name"`
	Amount          decimal.Decimal `json:"amount"`
	ISOCurrencyCode string          `json:"iso_currency_code"`
	Category        []string        `json:"category"`
	Pending         bool            `json:"pending"`
	Date            string          `json:"date"` // YYYY-MM-DD
}

// TransactionsResponse は取引明細取得のレスポンス。
type TransactionsResponse struct {
	Accounts          []Account     `json:"accounts"`
	Transactions      []Transaction `json:"transactions"`
	TotalTransactions int           `json:"total_transactions"`
	RequestID         string        `json:"request_id"`
}

type institutionGetRequest struct {
	credentials
	InstitutionID string   `json:"institution_id"`
	CountryCodes  []string `json:"country_codes"`
}

// Institution は金融機関のメタデータ。
type Institution struct {
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
}

type institutionGetResponse struct {
	Institution Institution `json:"institution"`
	RequestID   string      `json:"request_id"`
}

type removeResponse struct {
	RequestID string `json:"request_id"`
}
