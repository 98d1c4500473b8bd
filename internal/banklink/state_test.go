package banklink

import (
	"testing"
	"time"

	"github.com/hitoshi/bankdash/internal/model"
)

var allStates = []model.LinkState{
	model.LinkStateNoToken,
	model.LinkStateTokenRequested,
	model.LinkStateTokenReady,
	model.LinkStateWidgetOpened,
	model.LinkStateLinkSucceeded,
	model.LinkStateLinkAbandoned,
	model.LinkStateExchanging,
	model.LinkStateExchangeFailed,
	model.LinkStateLinked,
	model.LinkStateUnavailable,
}

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]model.LinkState]bool{
		{model.LinkStateNoToken, model.LinkStateTokenRequested}:     true,
		{model.LinkStateTokenRequested, model.LinkStateTokenReady}:  true,
		{model.LinkStateTokenRequested, model.LinkStateUnavailable}: true,
		{model.LinkStateTokenReady, model.LinkStateWidgetOpened}:    true,
		{model.LinkStateWidgetOpened, model.LinkStateLinkSucceeded}: true,
		{model.LinkStateWidgetOpened, model.LinkStateLinkAbandoned}: true,
		{model.LinkStateLinkSucceeded, model.LinkStateExchanging}:   true,
		{model.LinkStateExchanging, model.LinkStateLinked}:          true,
		{model.LinkStateExchanging, model.LinkStateExchangeFailed}:  true,
		{model.LinkStateExchangeFailed, model.LinkStateExchanging}:  true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]model.LinkState{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[model.LinkState]bool{
		model.LinkStateLinked:        true,
		model.LinkStateLinkAbandoned: true,
		model.LinkStateUnavailable:   true,
	}
	for _, s := range allStates {
		if got := IsTerminal(s); got != terminal[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestParseEvent(t *testing.T) {
	for _, s := range []string{"open", "success", "exit"} {
		if _, ok := ParseEvent(s); !ok {
			t.Errorf("ParseEvent(%q) should be valid", s)
		}
	}
	if _, ok := ParseEvent("handoff"); ok {
		t.Error("ParseEvent(handoff) should be invalid")
	}
}

func TestAdvance_IllegalTransition_LeavesFlowUnchanged(t *testing.T) {
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	flow := &model.LinkFlow{State: model.LinkStateTokenReady, UpdatedAt: before}

	err := advance(flow, model.LinkStateLinked, before.Add(time.Minute))
	if model.KindOf(err) != model.FailureValidation {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if flow.State != model.LinkStateTokenReady || !flow.UpdatedAt.Equal(before) {
		t.Errorf("flow mutated: %+v", flow)
	}
}
