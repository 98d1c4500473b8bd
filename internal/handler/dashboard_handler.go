package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/bankdash/internal/dashboard"
	"github.com/hitoshi/bankdash/internal/model"
)

// DashboardServiceInterface はダッシュボードハンドラーが必要とするサービスインターフェース。
type DashboardServiceInterface interface {
	Overview(ctx context.Context, user *model.User) (*dashboard.Overview, error)
	Transactions(ctx context.Context, user *model.User, bankItemID string, page int) (*dashboard.TransactionsPage, error)
}

// DashboardHandler はホーム画面と取引履歴のHTTPハンドラー。
type DashboardHandler struct {
	service DashboardServiceInterface
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(service DashboardServiceInterface) *DashboardHandler {
	return &DashboardHandler{service: service}
}

// accountResponse は口座のAPIレスポンス。金額は文字列で返す。
type accountResponse struct {
	ID               string          `json:"id"`
	BankItemID       string          `json:"bank_item_id"`
	InstitutionName  string          `json:"institution_name"`
	Name             string          `json:"name"`
	OfficialName     string          `json:"official_name,omitempty"`
	Mask             string          `json:"mask,omitempty"`
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype,omitempty"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	CurrencyCode     string          `json:"currency_code"`
}

// transactionResponse は取引明細のAPIレスポンス。
type transactionResponse struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Name         string          `json:"name"`
	MerchantName string          `json:"merchant_name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Category     string          `json:"category,omitempty"`
	Pending      bool            `json:"pending"`
	Date         string          `json:"date"`
}

// unavailableResponse は残高を取得できなかった銀行のAPIレスポンス。
type unavailableResponse struct {
	BankItemID      string `json:"bank_item_id"`
	InstitutionName string `json:"institution_name"`
	Reason          string `json:"reason"`
}

// overviewResponse はホーム画面のAPIレスポンス。
type overviewResponse struct {
	User                userResponse          `json:"user"`
	TotalBanks          int                   `json:"total_banks"`
	TotalCurrentBalance decimal.Decimal       `json:"total_current_balance"`
	Accounts            []accountResponse     `json:"accounts"`
	RecentTransactions  []transactionResponse `json:"recent_transactions"`
	Unavailable         []unavailableResponse `json:"unavailable"`
}

// transactionsPageResponse は取引履歴1ページ分のAPIレスポンス。
type transactionsPageResponse struct {
	BankItemID        string                `json:"bank_item_id"`
	Page              int                   `json:"page"`
	PageSize          int                   `json:"page_size"`
	TotalTransactions int                   `json:"total_transactions"`
	TotalPages        int                   `json:"total_pages"`
	Transactions      []transactionResponse `json:"transactions"`
}

// Overview はホーム画面の口座一覧・残高合計・最近の取引を返す。
// GET /api/dashboard
func (h *DashboardHandler) Overview(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	overview, err := h.service.Overview(r.Context(), user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := overviewResponse{
		User:                toUserResponse(overview.User),
		TotalBanks:          overview.TotalBanks,
		TotalCurrentBalance: overview.TotalCurrentBalance,
		Accounts:            make([]accountResponse, 0, len(overview.Accounts)),
		RecentTransactions:  toTransactionResponses(overview.RecentTransactions),
		Unavailable:         make([]unavailableResponse, 0, len(overview.Unavailable)),
	}
	for _, a := range overview.Accounts {
		resp.Accounts = append(resp.Accounts, accountResponse{
			ID:               a.ID,
			BankItemID:       a.BankItemID,
			InstitutionName:  a.InstitutionName,
			Name:             a.Name,
			OfficialName:     a.OfficialName,
			Mask:             a.Mask,
			Type:             a.Type,
			Subtype:          a.Subtype,
			CurrentBalance:   a.CurrentBalance,
			AvailableBalance: a.AvailableBalance,
			CurrencyCode:     a.CurrencyCode,
		})
	}
	for _, u := range overview.Unavailable {
		resp.Unavailable = append(resp.Unavailable, unavailableResponse{
			BankItemID:      u.BankItemID,
			InstitutionName: u.InstitutionName,
			Reason:          u.Reason,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Transactions は取引履歴の指定ページを返す。
// item_idを省略した場合は最初の連携済み銀行を対象にする。
// GET /api/transactions?item_id=&page=
func (h *DashboardHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			handleServiceError(w, r, model.NewInvalidPageError(raw))
			return
		}
		page = n
	}

	result, err := h.service.Transactions(r.Context(), user, r.URL.Query().Get("item_id"), page)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transactionsPageResponse{
		BankItemID:        result.BankItemID,
		Page:              result.Page,
		PageSize:          result.PageSize,
		TotalTransactions: result.TotalTransactions,
		TotalPages:        result.TotalPages,
		Transactions:      toTransactionResponses(result.Transactions),
	})
}

func toTransactionResponses(txs []model.Transaction) []transactionResponse {
	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			ID:           tx.ID,
			AccountID:    tx.AccountID,
			Name:         tx.Name,
			MerchantName: tx.MerchantName,
			Amount:       tx.Amount,
			CurrencyCode: tx.CurrencyCode,
			Category:     tx.Category,
			Pending:      tx.Pending,
			Date:         tx.Date.Format(time.DateOnly),
		})
	}
	return resp
}
