package b2bua

import (
	"sync"
	"time"

	"github.com/sebas/switchboard/internal/dtmf"
	"github.com/sebas/switchboard/internal/media/codec"
	"github.com/sebas/switchboard/internal/media/relay"
	"github.com/sebas/switchboard/internal/sip/dialog"
)

// Call is one bridged call: the correlation record the B2BUA keeps across
// both legs' lifetime, distinct from internal/calltable.Call (the
// lightweight TTL-backed registry entry used for lookup by Call-ID hash
// shard) in that it also holds the live Go objects — dialogs, relay
// session, DTMF router — a lookup alone can't carry.
type Call struct {
	mu sync.RWMutex

	ID string // B2BUA-internal call ID (uuid), distinct from either leg's SIP Call-ID

	LegA *dialog.Dialog // near leg: the inbound INVITE's dialog
	LegB *dialog.Dialog // far leg: the dialog the B2BUA placed outbound (nil until dialed)

	// siblingLegs holds every far-leg dialog placed for a hunt/parallel
	// dialplan action, so the losers can be CANCELled once one wins.
	siblingLegs []*dialog.Dialog

	Relay *relay.Session
	DTMF  *dtmf.Router

	// relayPortA/B are the allocated RTP ports backing Relay, kept here so
	// teardown can release them back to the pool; the relay session itself
	// has no notion of a port pool, keeping allocation and relay concerns
	// separate.
	relayPortA int
	relayPortB int

	State   CallState
	Action  string // the dialplan action that produced this call ("extension", "hunt", ...)
	Codec   codec.Codec

	ALegAOR  string
	BLegAOR  string
	CallerID string

	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time

	TerminationCause TerminationCause

	// ivrCancel stops a running IVR executor scoped to this call, if any
	// (set by enterIVR when the dialplan routes to an IVR graph).
	ivrCancel func()

	// digitSink, when non-nil, receives every DTMF digit detected on
	// either leg instead of the default cross-leg 2833 injection —
	// enterIVR installs this so the running Executor's Digits channel
	// sees keypresses without a second DTMF observer wired into the relay.
	digitSink chan rune

	recordingPath string
}

// NewCall creates a Call in CallInit for a freshly-arrived INVITE.
func NewCall(id string, legA *dialog.Dialog) *Call {
	return &Call{
		ID:        id,
		LegA:      legA,
		State:     CallInit,
		CreatedAt: time.Now(),
	}
}

func (c *Call) GetState() CallState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// TransitionTo moves the call to newState if the transition is legal,
// mirroring internal/sip/dialog.Dialog.TransitionTo's pattern for the
// B2BUA's own state machine.
func (c *Call) TransitionTo(newState CallState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.State.CanTransitionTo(newState) {
		return false
	}
	c.State = newState
	switch newState {
	case CallAnswered:
		c.AnsweredAt = time.Now()
	case CallTerminated:
		c.EndedAt = time.Now()
	}
	return true
}

func (c *Call) SetIVRCancel(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ivrCancel = fn
}

func (c *Call) StopIVR() {
	c.mu.Lock()
	fn := c.ivrCancel
	c.ivrCancel = nil
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Call) AddSibling(d *dialog.Dialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.siblingLegs = append(c.siblingLegs, d)
}

// Siblings returns every far leg placed besides winner, for CANCELling the
// losers of a hunt/parallel dialplan action.
func (c *Call) Siblings(winner *dialog.Dialog) []*dialog.Dialog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*dialog.Dialog, 0, len(c.siblingLegs))
	for _, d := range c.siblingLegs {
		if d != winner {
			out = append(out, d)
		}
	}
	return out
}

// SetDigitSink installs ch as the destination for every DTMF digit
// detected on this call's legs, used while an IVR executor owns the call.
// Passing nil restores default cross-leg digit injection.
func (c *Call) SetDigitSink(ch chan rune) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digitSink = ch
}

// relayLegForCallID maps a leg's SIP Call-ID back to the relay leg ID the
// B2BUA registered for it, used to route a mid-dialog SIP INFO (identified
// only by its Call-ID) to the right relay.DTMFObserver leg.
func (c *Call) relayLegForCallID(callID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LegA != nil && c.LegA.CallID == callID {
		return c.LegA.RelayLegID
	}
	if c.LegB != nil && c.LegB.CallID == callID {
		return c.LegB.RelayLegID
	}
	return ""
}

// otherLeg returns the relay leg ID of whichever leg is not legID, used
// to cross-inject a DTMF digit detected on one leg onto the other.
func (c *Call) otherLeg(legID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LegA != nil && c.LegA.RelayLegID == legID {
		if c.LegB != nil {
			return c.LegB.RelayLegID
		}
		return ""
	}
	if c.LegB != nil && c.LegB.RelayLegID == legID {
		if c.LegA != nil {
			return c.LegA.RelayLegID
		}
	}
	return ""
}

func (c *Call) SetRecordingPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordingPath = path
}

func (c *Call) RecordingPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recordingPath
}
