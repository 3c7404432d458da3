package statemachine

import "pushpay-service/internal/model"

// Outcome classifies how a remote state was handled by the transition table.
type Outcome string

const (
	// OutcomeApplied means the rule matched. The local state may be unchanged
	// (CREATED while PENDING, REFUNDED while DONE).
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the rule exists but its precondition did not hold.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnknownState means the remote state is not in the table.
	OutcomeUnknownState Outcome = "unknown_state"
)

type rule struct {
	from    []model.LocalState
	anyOpen bool
	to      model.LocalState
}

func (r rule) admits(current model.LocalState) bool {
	if r.anyOpen {
		return !current.Terminal()
	}
	for _, s := range r.from {
		if s == current {
			return true
		}
	}
	return false
}

var failure = rule{anyOpen: true, to: model.StateError}

// table is the single set of transition rules shared by webhooks, polling and
// manual verification.
var table = map[model.RemoteState]rule{
	model.RemoteCreated: {
		from: []model.LocalState{model.StateDraft, model.StatePending},
		to:   model.StatePending,
	},
	model.RemoteAuthorized: {
		from: []model.LocalState{model.StatePending},
		to:   model.StateAuthorized,
	},
	model.RemoteCaptured: {
		from: []model.LocalState{model.StatePending, model.StateAuthorized},
		to:   model.StateDone,
	},
	model.RemoteCancelled: {
		from: []model.LocalState{model.StateDraft, model.StatePending, model.StateAuthorized},
		to:   model.StateCancelled,
	},
	model.RemoteRefunded: {
		from: []model.LocalState{model.StateDone},
		to:   model.StateDone,
	},
	model.RemoteFailed:     failure,
	model.RemoteAborted:    failure,
	model.RemoteTerminated: failure,
	model.RemoteExpired: {
		from: []model.LocalState{model.StateDraft, model.StatePending},
		to:   model.StateCancelled,
	},
}

// Transition returns the local state that follows current when the network
// reports remote.
func Transition(current model.LocalState, remote model.RemoteState) (model.LocalState, Outcome) {
	r, known := table[remote]
	if !known {
		return current, OutcomeUnknownState
	}
	if !r.admits(current) {
		return current, OutcomeIgnored
	}
	return r.to, OutcomeApplied
}

// Known reports whether remote is part of the transition table.
func Known(remote model.RemoteState) bool {
	_, ok := table[remote]
	return ok
}
