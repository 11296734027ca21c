// Package b2bua is the call manager: it couples two SIP dialogs
// (internal/sip/dialog) into one bridged call, drives the dialplan lookup,
// negotiates SDP via internal/media/sdp, allocates an internal/media/relay
// session per call, and routes DTMF (internal/dtmf) and IVR execution
// (internal/ivr) for calls that terminate on a service rather than another
// extension. Adapted from services/signaling/b2bua/{leg_impl.go,
// bridge_impl.go,originator.go,lookup.go} and internal/signaling/b2bua/
// state.go's enums, generalized from a single-target dial/play-audio/hangup
// trio to the six dialplan actions and transfer/hold behaviors named below.
package b2bua

import "fmt"

// CallState is the B2BUA-level call lifecycle, distinct from the
// per-dialog sip/dialog.State: a Call owns two dialogs, and its state
// tracks the pair's overall progress transition table.
type CallState int

const (
	CallInit CallState = iota
	CallCalling
	CallRinging
	CallAnswered
	CallActive
	CallTerminating
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallInit:
		return "Init"
	case CallCalling:
		return "Calling"
	case CallRinging:
		return "Ringing"
	case CallAnswered:
		return "Answered"
	case CallActive:
		return "Active"
	case CallTerminating:
		return "Terminating"
	case CallTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var callTransitions = map[CallState][]CallState{
	CallInit:        {CallCalling, CallTerminating, CallTerminated},
	CallCalling:     {CallRinging, CallAnswered, CallTerminating, CallTerminated},
	CallRinging:     {CallAnswered, CallTerminating, CallTerminated},
	CallAnswered:    {CallActive, CallTerminating, CallTerminated},
	CallActive:      {CallActive, CallTerminating, CallTerminated},
	CallTerminating: {CallTerminated},
	CallTerminated:  {},
}

// CanTransitionTo reports whether next is a legal Call state transition,
// mirroring table (Init→Calling→Ringing→Answered→Active→
// Terminating→Terminated, with CANCEL/error shortcuts straight to
// Terminating from any pre-Active state).
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TerminationCause records why a call ended, surfaced in the CDR and in
// the BYE/CANCEL/error response sent to whichever leg is still up.
type TerminationCause string

const (
	CauseNormalClearing TerminationCause = "normal-clearing"
	CauseBusy           TerminationCause = "busy"
	CauseNoAnswer       TerminationCause = "no-answer"
	CauseCallRejected   TerminationCause = "call-rejected"
	CauseCancelled      TerminationCause = "cancelled"
	CauseRecovery       TerminationCause = "recovery-on-timer-expire" // Q.850 cause 41
	CauseReplaced       TerminationCause = "replaced"                 // attended transfer
	CauseNoRoute        TerminationCause = "no-route"
)
