// Package dialog implements the SIP dialog state machine, adapting
// internal/signaling/dialog/state.go's CallState enum and
// services/signaling/dialog/{dialog.go,manager.go}'s Dialog/Manager types
// to the B2BUA's two-dialog-per-call model.
package dialog

import "fmt"

// State is the lifecycle state of one SIP dialog (one leg of a call).
type State int

const (
	StateInitial State = iota
	StateEarly
	StateWaitingACK
	StateConfirmed
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateWaitingACK:
		return "WaitingACK"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateInitial:     {StateEarly, StateWaitingACK, StateTerminated},
	StateEarly:       {StateWaitingACK, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminated},
	StateConfirmed:   {StateTerminating, StateConfirmed, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo reports whether next is a legal transition from s. A
// confirmed dialog may re-transition to Confirmed (a no-op used after
// re-INVITE/hold renegotiation completes without changing dialog state).
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is the final state.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// TerminateReason explains why a dialog ended.
type TerminateReason int

const (
	ReasonLocalBYE TerminateReason = iota
	ReasonRemoteBYE
	ReasonCancel
	ReasonTimeout
	ReasonError
	ReasonReplaced // superseded by a REFER-driven transfer
)

func (r TerminateReason) String() string {
	switch r {
	case ReasonLocalBYE:
		return "LocalBYE"
	case ReasonRemoteBYE:
		return "RemoteBYE"
	case ReasonCancel:
		return "Cancel"
	case ReasonTimeout:
		return "Timeout"
	case ReasonError:
		return "Error"
	case ReasonReplaced:
		return "Replaced"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}
