package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account は連携先口座の表示用プロジェクションを表す。
// 受け取った値をそのまま表示し、不変条件は課さない。
type Account struct {
	ID               string
	BankItemID       string
	InstitutionName  string
	Name             string
	OfficialName     string
	Mask             string
	Type             string
	Subtype          string
	CurrentBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
	CurrencyCode     string
}

// Transaction は取引明細の表示用プロジェクションを表す。
type Transaction struct {
	ID           string
	AccountID    string
	Name         string
	MerchantName string
	Amount       decimal.Decimal
	CurrencyCode string
	Category     string
	Pending      bool
	Date         time.Time
}
