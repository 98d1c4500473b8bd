package banklink

import (
	"time"

	"github.com/hitoshi/bankdash/internal/model"
)

// Event はクライアント側の連携ウィジェットから通知されるイベント。
type Event string

const (
	// EventOpen はウィジェットが開かれたことを表す。
	EventOpen Event = "open"
	// EventSuccess はウィジェット内で連携が完了したことを表す。
	EventSuccess Event = "success"
	// EventExit はユーザーが連携を完了せずにウィジェットを閉じたことを表す。
	EventExit Event = "exit"
)

// transitions は連携フローで許可される状態遷移の一覧。
var transitions = map[model.LinkState][]model.LinkState{
	model.LinkStateNoToken:        {model.LinkStateTokenRequested},
	model.LinkStateTokenRequested: {model.LinkStateTokenReady, model.LinkStateUnavailable},
	model.LinkStateTokenReady:     {model.LinkStateWidgetOpened},
	model.LinkStateWidgetOpened:   {model.LinkStateLinkSucceeded, model.LinkStateLinkAbandoned},
	model.LinkStateLinkSucceeded:  {model.LinkStateExchanging},
	model.LinkStateExchanging:     {model.LinkStateLinked, model.LinkStateExchangeFailed},
	model.LinkStateExchangeFailed: {model.LinkStateExchanging},
}

// eventTargets はウィジェットイベントごとの遷移先。
var eventTargets = map[Event]model.LinkState{
	EventOpen:    model.LinkStateWidgetOpened,
	EventSuccess: model.LinkStateLinkSucceeded,
	EventExit:    model.LinkStateLinkAbandoned,
}

// CanTransition はfromからtoへの遷移が許可されているかを判定する。
func CanTransition(from, to model.LinkState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal は状態が終端（以降の遷移が無い）かを判定する。
func IsTerminal(state model.LinkState) bool {
	return len(transitions[state]) == 0
}

// ParseEvent は文字列をEventに変換する。未知のイベントの場合はfalseを返す。
func ParseEvent(s string) (Event, bool) {
	e := Event(s)
	_, ok := eventTargets[e]
	return e, ok
}

// advance はフローをtoに遷移させる。許可されていない遷移の場合はエラーを返し、フローは変更しない。
func advance(flow *model.LinkFlow, to model.LinkState, now time.Time) error {
	if !CanTransition(flow.State, to) {
		return model.NewInvalidLinkTransitionError(flow.State, to)
	}
	flow.State = to
	flow.UpdatedAt = now
	return nil
}
