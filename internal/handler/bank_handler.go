package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankdash/internal/banklink"
	"github.com/hitoshi/bankdash/internal/model"
)

// BankLinkServiceInterface は銀行連携ハンドラーが必要とするサービスインターフェース。
type BankLinkServiceInterface interface {
	CreateLinkToken(ctx context.Context, user *model.User) (*model.LinkToken, error)
	ExchangePublicToken(ctx context.Context, params banklink.ExchangeParams, user *model.User) (*model.BankItem, error)
	RecordEvent(ctx context.Context, flowID string, event banklink.Event, user *model.User) (*model.LinkFlow, error)
	GetFlow(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error)
	FlowHistory(ctx context.Context, flowID string, user *model.User) ([]*model.LinkEvent, error)
	ListItems(ctx context.Context, user *model.User) ([]*model.BankItem, error)
	RemoveItem(ctx context.Context, id string, user *model.User) error
}

// BankHandler は銀行連携のHTTPハンドラー。
type BankHandler struct {
	service BankLinkServiceInterface
}

// NewBankHandler はBankHandlerを生成する。
func NewBankHandler(service BankLinkServiceInterface) *BankHandler {
	return &BankHandler{service: service}
}

// exchangeRequest は公開トークン交換リクエストのボディ。
type exchangeRequest struct {
	PublicToken string `json:"public_token"`
	FlowID      string `json:"flow_id"`
}

// linkEventRequest はウィジェットイベント通知リクエストのボディ。
type linkEventRequest struct {
	Event string `json:"event"`
}

// linkTokenResponse はリンクトークン発行のAPIレスポンス。
type linkTokenResponse struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
	FlowID     string    `json:"flow_id"`
}

// linkFlowResponse は連携フローのAPIレスポンス。
type linkFlowResponse struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	Terminal  bool      `json:"terminal"`
	UpdatedAt time.Time `json:"updated_at"`
}

// linkEventResponse は連携フローの遷移履歴1件分のAPIレスポンス。
type linkEventResponse struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// bankItemResponse は連携済み銀行のAPIレスポンス。アクセストークンは含めない。
type bankItemResponse struct {
	ID              string    `json:"id"`
	InstitutionID   string    `json:"institution_id"`
	InstitutionName string    `json:"institution_name"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateLinkToken は連携ウィジェット用のリンクトークンを発行する。
// POST /api/bank/link-token
func (h *BankHandler) CreateLinkToken(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	token, err := h.service.CreateLinkToken(r.Context(), user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, linkTokenResponse{
		LinkToken:  token.Token,
		Expiration: token.Expiration,
		FlowID:     token.FlowID,
	})
}

// GetFlow は連携フローの現在の状態と遷移履歴を返す。
// GET /api/bank/link-flows/{id}
func (h *BankHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	flowID := chi.URLParam(r, "id")

	flow, err := h.service.GetFlow(r.Context(), flowID, user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	events, err := h.service.FlowHistory(r.Context(), flowID, user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	history := make([]linkEventResponse, 0, len(events))
	for _, e := range events {
		history = append(history, linkEventResponse{
			From:      string(e.FromState),
			To:        string(e.ToState),
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, struct {
		Flow    linkFlowResponse    `json:"flow"`
		History []linkEventResponse `json:"history"`
	}{
		Flow:    toLinkFlowResponse(flow),
		History: history,
	})
}

// RecordEvent はウィジェットのイベント（open/success/exit）を連携フローに反映する。
// POST /api/bank/link-flows/{id}/events
func (h *BankHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req linkEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	event, valid := banklink.ParseEvent(req.Event)
	if !valid {
		handleServiceError(w, r, model.NewInvalidInputError("未知のイベントです: "+req.Event))
		return
	}

	flow, err := h.service.RecordEvent(r.Context(), chi.URLParam(r, "id"), event, user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toLinkFlowResponse(flow))
}

// Exchange は公開トークンを永続的なアクセストークンに交換し、連携済み銀行を登録する。
// POST /api/bank/exchange
func (h *BankHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req exchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	item, err := h.service.ExchangePublicToken(r.Context(), banklink.ExchangeParams{
		PublicToken: req.PublicToken,
		FlowID:      req.FlowID,
	}, user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBankItemResponse(item))
}

// ListItems はユーザーの連携済み銀行一覧を返す。
// GET /api/bank/items
func (h *BankHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	items, err := h.service.ListItems(r.Context(), user)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := make([]bankItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toBankItemResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RemoveItem は連携済み銀行を解除する。
// DELETE /api/bank/items/{id}
func (h *BankHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveItem(r.Context(), chi.URLParam(r, "id"), user); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toLinkFlowResponse(flow *model.LinkFlow) linkFlowResponse {
	return linkFlowResponse{
		ID:        flow.ID,
		State:     string(flow.State),
		Attempts:  flow.Attempts,
		LastError: flow.LastError,
		ItemID:    flow.ItemID,
		Terminal:  banklink.IsTerminal(flow.State),
		UpdatedAt: flow.UpdatedAt,
	}
}

func toBankItemResponse(item *model.BankItem) bankItemResponse {
	return bankItemResponse{
		ID:              item.ID,
		InstitutionID:   item.InstitutionID,
		InstitutionName: item.InstitutionName,
		Status:          string(item.Status),
		ErrorMessage:    item.ErrorMessage,
		CreatedAt:       item.CreatedAt,
	}
}
