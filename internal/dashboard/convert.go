package dashboard

import (
	"strings"
	"time"

	"github.com/hitoshi/bankdash/internal/aggregator"
	"github.com/hitoshi/bankdash/internal/model"
	"github.com/hitoshi/bankdash/internal/security"
)

const dateLayout = "2006-01-02"

// toAccount は集約サービスの口座を表示用の口座に変換する。
// 残高が無い場合はゼロとして扱う。
func toAccount(a aggregator.Account, item *model.BankItem, sanitizer security.TextSanitizer) model.Account {
	return model.Account{
		ID:               a.AccountID,
		BankItemID:       item.ID,
		InstitutionName:  item.InstitutionName,
		Name:             sanitizer.Sanitize(a.Name),
		OfficialName:     sanitizer.Sanitize(a.OfficialName),
		Mask:             a.Mask,
		Type:             a.Type,
		Subtype:          a.Subtype,
		CurrentBalance:   a.Balances.Current.Decimal,
		AvailableBalance: a.Balances.Available.Decimal,
		CurrencyCode:     a.Balances.ISOCurrencyCode,
	}
}

// toTransaction は集約サービスの取引明細を表示用の取引明細に変換する。
// 日付が解釈できない場合はゼロ値のままにする。
func toTransaction(tx aggregator.Transaction, sanitizer security.TextSanitizer) model.Transaction {
	date, _ := time.Parse(dateLayout, tx.Date)
	return model.Transaction{
		ID:           tx.TransactionID,
		AccountID:    tx.AccountID,
		Name:         sanitizer.Sanitize(tx.Name),
		MerchantName: sanitizer.Sanitize(tx.MerchantName),
		Amount:       tx.Amount,
		CurrencyCode: tx.ISOCurrencyCode,
		Category:     sanitizer.Sanitize(strings.Join(tx.Category, " > ")),
		Pending:      tx.Pending,
		Date:         date,
	}
}
