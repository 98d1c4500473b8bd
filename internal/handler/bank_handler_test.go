package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankdash/internal/banklink"
	"github.com/hitoshi/bankdash/internal/middleware"
	"github.com/hitoshi/bankdash/internal/model"
)

// --- モック定義 ---

type mockBankLinkService struct {
	createLinkTokenFn     func(ctx context.Context, user *model.User) (*model.LinkToken, error)
	exchangePublicTokenFn func(ctx context.Context, params banklink.ExchangeParams, user *model.User) (*model.BankItem, error)
	recordEventFn         func(ctx context.Context, flowID string, event banklink.Event, user *model.User) (*model.LinkFlow, error)
	getFlowFn             func(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error)
	flowHistoryFn         func(ctx context.Context, flowID string, user *model.User) ([]*model.LinkEvent, error)
	listItemsFn           func(ctx context.Context, user *model.User) ([]*model.BankItem, error)
	removeItemFn          func(ctx context.Context, id string, user *model.User) error
}

func (m *mockBankLinkService) CreateLinkToken(ctx context.Context, user *model.User) (*model.LinkToken, error) {
	if m.createLinkTokenFn != nil {
		return m.createLinkTokenFn(ctx, user)
	}
	return nil, nil
}

func (m *mockBankLinkService) ExchangePublicToken(ctx context.Context, params banklink.ExchangeParams, user *model.User) (*model.BankItem, error) {
	if m.exchangePublicTokenFn != nil {
		return m.exchangePublicTokenFn(ctx, params, user)
	}
	return nil, nil
}

func (m *mockBankLinkService) RecordEvent(ctx context.Context, flowID string, event banklink.Event, user *model.User) (*model.LinkFlow, error) {
	if m.recordEventFn != nil {
		return m.recordEventFn(ctx, flowID, event, user)
	}
	return nil, nil
}

func (m *mockBankLinkService) GetFlow(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error) {
	if m.getFlowFn != nil {
		return m.getFlowFn(ctx, flowID, user)
	}
	return nil, nil
}

func (m *mockBankLinkService) FlowHistory(ctx context.Context, flowID string, user *model.User) ([]*model.LinkEvent, error) {
	if m.flowHistoryFn != nil {
		return m.flowHistoryFn(ctx, flowID, user)
	}
	return nil, nil
}

func (m *mockBankLinkService) ListItems(ctx context.Context, user *model.User) ([]*model.BankItem, error) {
	if m.listItemsFn != nil {
		return m.listItemsFn(ctx, user)
	}
	return nil, nil
}

func (m *mockBankLinkService) RemoveItem(ctx context.Context, id string, user *model.User) error {
	if m.removeItemFn != nil {
		return m.removeItemFn(ctx, id, user)
	}
	return nil
}

var testUser = &model.User{ID: "user-1", Email: "a@b.com", Name: "A B"}

// asUser はログイン必須ミドルウェアを通した後のリクエストを再現する。
func asUser(req *http.Request) *http.Request {
	return req.WithContext(middleware.ContextWithUser(req.Context(), testUser))
}

// withURLParam はchiのURLパラメータを設定する。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// --- テスト ---

func TestBankHandler_CreateLinkToken_ReturnsTokenAndFlow(t *testing.T) {
	svc := &mockBankLinkService{
		createLinkTokenFn: func(ctx context.Context, user *model.User) (*model.LinkToken, error) {
			if user.ID != "user-1" {
				t.Errorf("user = %s, want user-1", user.ID)
			}
			return &model.LinkToken{
				Token:      "link-sandbox-1",
				Expiration: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
				FlowID:     "flow-1",
			}, nil
		},
	}
	h := NewBankHandler(svc)

	w := httptest.NewRecorder()
	h.CreateLinkToken(w, asUser(httptest.NewRequest(http.MethodPost, "/api/bank/link-token", nil)))

	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
	}
	var body linkTokenResponse
	json.NewDecoder(w.Result().Body).Decode(&body)
	if body.LinkToken != "link-sandbox-1" || body.FlowID != "flow-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestBankHandler_CreateLinkToken_Unavailable_Returns503(t *testing.T) {
	svc := &mockBankLinkService{
		createLinkTokenFn: func(ctx context.Context, user *model.User) (*model.LinkToken, error) {
			return nil, model.NewLinkUnavailableError()
		},
	}
	h := NewBankHandler(svc)

	w := httptest.NewRecorder()
	h.CreateLinkToken(w, asUser(httptest.NewRequest(http.MethodPost, "/api/bank/link-token", nil)))

	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusServiceUnavailable)
	}
	if got := w.Result().Header.Get("Retry-After"); got == "" {
		t.Error("Retry-After header is missing")
	}
	var body middleware.ErrorResponseBody
	json.NewDecoder(w.Result().Body).Decode(&body)
	if body.Code != model.ErrCodeLinkUnavailable {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeLinkUnavailable)
	}
}

func TestBankHandler_RequiresUser(t *testing.T) {
	h := NewBankHandler(&mockBankLinkService{})

	handlers := map[string]http.HandlerFunc{
		"CreateLinkToken": h.CreateLinkToken,
		"Exchange":        h.Exchange,
		"ListItems":       h.ListItems,
		"RemoveItem":      h.RemoveItem,
		"GetFlow":         h.GetFlow,
		"RecordEvent":     h.RecordEvent,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fn(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
			if w.Result().StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestBankHandler_Exchange_PassesFlowAndHidesAccessToken(t *testing.T) {
	var got banklink.ExchangeParams
	svc := &mockBankLinkService{
		exchangePublicTokenFn: func(ctx context.Context, params banklink.ExchangeParams, user *model.User) (*model.BankItem, error) {
			got = params
			return &model.BankItem{
				ID:              "bank-item-1",
				AccessToken:     "sealed-access-token",
				InstitutionID:   "ins_1",
				InstitutionName: "First Platypus Bank",
				Status:          model.ItemStatusActive,
			}, nil
		},
	}
	h := NewBankHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/bank/exchange", jsonBody(t, map[string]string{
		"public_token": "public-sandbox-1", "flow_id": "flow-1",
	}))
	w := httptest.NewRecorder()
	h.Exchange(w, asUser(req))

	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
	}
	if got.PublicToken != "public-sandbox-1" || got.FlowID != "flow-1" {
		t.Errorf("params = %+v", got)
	}
	if strings.Contains(w.Body.String(), "sealed-access-token") {
		t.Error("access token must not be included in the response")
	}
}

func TestBankHandler_Exchange_StaleToken_Returns400(t *testing.T) {
	svc := &mockBankLinkService{
		exchangePublicTokenFn: func(ctx context.Context, params banklink.ExchangeParams, user *model.User) (*model.BankItem, error) {
			return nil, model.NewInvalidPublicTokenError()
		},
	}
	h := NewBankHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/bank/exchange", jsonBody(t, map[string]string{"public_token": "stale"}))
	w := httptest.NewRecorder()
	h.Exchange(w, asUser(req))

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestBankHandler_RecordEvent(t *testing.T) {
	svc := &mockBankLinkService{
		recordEventFn: func(ctx context.Context, flowID string, event banklink.Event, user *model.User) (*model.LinkFlow, error) {
			if flowID != "flow-1" || event != banklink.EventOpen {
				t.Errorf("flowID=%s event=%s", flowID, event)
			}
			return &model.LinkFlow{ID: flowID, State: model.LinkStateWidgetOpened}, nil
		},
	}
	h := NewBankHandler(svc)

	t.Run("known event", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/bank/link-flows/flow-1/events", jsonBody(t, map[string]string{"event": "open"}))
		w := httptest.NewRecorder()
		h.RecordEvent(w, withURLParam(asUser(req), "id", "flow-1"))

		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
		}
		var body linkFlowResponse
		json.NewDecoder(w.Result().Body).Decode(&body)
		if body.State != string(model.LinkStateWidgetOpened) || body.Terminal {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/bank/link-flows/flow-1/events", jsonBody(t, map[string]string{"event": "close"}))
		w := httptest.NewRecorder()
		h.RecordEvent(w, withURLParam(asUser(req), "id", "flow-1"))

		if w.Result().StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
		}
	})
}

func TestBankHandler_RecordEvent_InvalidTransition_Returns400(t *testing.T) {
	svc := &mockBankLinkService{
		recordEventFn: func(ctx context.Context, flowID string, event banklink.Event, user *model.User) (*model.LinkFlow, error) {
			return nil, model.NewInvalidLinkTransitionError(model.LinkStateLinked, model.LinkStateWidgetOpened)
		},
	}
	h := NewBankHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/", jsonBody(t, map[string]string{"event": "open"}))
	w := httptest.NewRecorder()
	h.RecordEvent(w, withURLParam(asUser(req), "id", "flow-1"))

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestBankHandler_GetFlow_IncludesHistory(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &mockBankLinkService{
		getFlowFn: func(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error) {
			return &model.LinkFlow{ID: flowID, State: model.LinkStateLinked, ItemID: "bank-item-1", UpdatedAt: now}, nil
		},
		flowHistoryFn: func(ctx context.Context, flowID string, user *model.User) ([]*model.LinkEvent, error) {
			return []*model.LinkEvent{
				{FromState: model.LinkStateNoToken, ToState: model.LinkStateTokenRequested, CreatedAt: now},
				{FromState: model.LinkStateTokenRequested, ToState: model.LinkStateTokenReady, CreatedAt: now},
			}, nil
		},
	}
	h := NewBankHandler(svc)

	w := httptest.NewRecorder()
	h.GetFlow(w, withURLParam(asUser(httptest.NewRequest(http.MethodGet, "/", nil)), "id", "flow-1"))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	var body struct {
		Flow    linkFlowResponse    `json:"flow"`
		History []linkEventResponse `json:"history"`
	}
	json.NewDecoder(w.Result().Body).Decode(&body)
	if !body.Flow.Terminal || body.Flow.ItemID != "bank-item-1" {
		t.Errorf("flow = %+v", body.Flow)
	}
	if len(body.History) != 2 || body.History[1].To != string(model.LinkStateTokenReady) {
		t.Errorf("history = %+v", body.History)
	}
}

func TestBankHandler_GetFlow_NotFound_Returns404(t *testing.T) {
	svc := &mockBankLinkService{
		getFlowFn: func(ctx context.Context, flowID string, user *model.User) (*model.LinkFlow, error) {
			return nil, model.NewLinkFlowNotFoundError(flowID)
		},
	}
	h := NewBankHandler(svc)

	w := httptest.NewRecorder()
	h.GetFlow(w, withURLParam(asUser(httptest.NewRequest(http.MethodGet, "/", nil)), "id", "missing"))

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}

func TestBankHandler_ListItems_EmptyIsArray(t *testing.T) {
	h := NewBankHandler(&mockBankLinkService{})

	w := httptest.NewRecorder()
	h.ListItems(w, asUser(httptest.NewRequest(http.MethodGet, "/api/bank/items", nil)))

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestBankHandler_RemoveItem(t *testing.T) {
	var removed string
	svc := &mockBankLinkService{
		removeItemFn: func(ctx context.Context, id string, user *model.User) error {
			if id == "missing" {
				return model.NewBankItemNotFoundError(id)
			}
			removed = id
			return nil
		},
	}
	h := NewBankHandler(svc)

	w := httptest.NewRecorder()
	h.RemoveItem(w, withURLParam(asUser(httptest.NewRequest(http.MethodDelete, "/", nil)), "id", "bank-item-1"))
	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNoContent)
	}
	if removed != "bank-item-1" {
		t.Errorf("removed = %q", removed)
	}

	w = httptest.NewRecorder()
	h.RemoveItem(w, withURLParam(asUser(httptest.NewRequest(http.MethodDelete, "/", nil)), "id", "missing"))
	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNotFound)
	}
}
