// Package dialplan is the B2BUA's read-only routing table: a JSON file of
// rules matched against the INVITE request URI's user part and resolved to
// one of a handful of call-manager actions. Adapted from
// internal/signaling/dialplan/{dialplan,route}.go's copy-on-write
// atomic.Pointer reload, but matching is longest-prefix on the request
// URI's user part rather than priority-sort-then-first-match, and the
// action set is expanded from a play_audio/dial/hangup trio to six named
// actions: ring a single extension, hunt an ordered list, ring a group in
// parallel, enter an IVR, enter a conference, or fail with a SIP status.
package dialplan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind identifies which of the six dialplan actions a Route runs.
type ActionKind string

const (
	ActionExtension ActionKind = "extension" // ring a single AOR
	ActionHunt      ActionKind = "hunt"       // sequential ring, per-leg timeout
	ActionParallel  ActionKind = "parallel"   // simultaneous ring, first answer wins
	ActionIVR       ActionKind = "ivr"        // enter a named IVR graph
	ActionConference ActionKind = "conference"
	ActionFail      ActionKind = "fail" // reject with a fixed SIP status
)

// Route is one entry in the dialplan table.
type Route struct {
	ID       string          `json:"id"`
	Pattern  string          `json:"pattern"` // exact digits, "prefix*", or "*" default
	Action   ActionKind      `json:"action"`
	Params   json.RawMessage `json:"params"`
	Enabled  bool            `json:"enabled"`

	isDefault bool
	prefix    string
	exact     string
}

// ExtensionParams targets a single AOR/extension.
type ExtensionParams struct {
	Target  string `json:"target"`
	Timeout int    `json:"timeout_seconds"`
}

// HuntParams rings each target in order, waiting Timeout seconds for an
// answer before moving to the next.
type HuntParams struct {
	Targets []string `json:"targets"`
	Timeout int      `json:"timeout_seconds"`
}

// ParallelParams rings every target at once; the first answer wins and the
// rest are CANCELled.
type ParallelParams struct {
	Targets []string `json:"targets"`
	Timeout int      `json:"timeout_seconds"`
}

// IVRParams names the IVR graph to enter: "voicemail-check", or
// "voicemail-deposit" (also used when Graph is empty).
type IVRParams struct {
	Graph     string `json:"graph"`
	Extension string `json:"extension,omitempty"` // mailbox owner, for voicemail graphs
}

// ConferenceParams names the conference room to join.
type ConferenceParams struct {
	Room string `json:"room"`
}

// FailParams rejects the call outright.
type FailParams struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// compile validates the route and precomputes its pattern match strategy.
func (r *Route) compile() error {
	if r.ID == "" {
		return fmt.Errorf("dialplan: route missing id")
	}
	if r.Pattern == "" {
		return fmt.Errorf("dialplan: route %s missing pattern", r.ID)
	}
	switch r.Action {
	case ActionExtension, ActionHunt, ActionParallel, ActionIVR, ActionConference, ActionFail:
	default:
		return fmt.Errorf("dialplan: route %s has unknown action %q", r.ID, r.Action)
	}

	if r.Pattern == "*" {
		r.isDefault = true
	} else if strings.HasSuffix(r.Pattern, "*") {
		r.prefix = strings.TrimSuffix(r.Pattern, "*")
	} else {
		r.exact = r.Pattern
	}
	return nil
}

// matchLength returns the length of the match against destination, or -1 if
// the route does not match. Used by RouteList.Match to pick the
// longest-prefix route rather than the first in file order.
func (r *Route) matchLength(destination string) int {
	if !r.Enabled {
		return -1
	}
	switch {
	case r.exact != "":
		if destination == r.exact {
			return len(r.exact)
		}
		return -1
	case r.prefix != "":
		if strings.HasPrefix(destination, r.prefix) {
			return len(r.prefix)
		}
		return -1
	case r.isDefault:
		return 0
	}
	return -1
}

// RouteList is the compiled, matchable route table.
type RouteList []*Route

// Match returns the route whose pattern is the longest match against
// destination (), preferring a non-default route over the "*"
// catch-all whenever both match with equal length (only the default itself
// can match at length 0, so this falls out of the length comparison
// naturally).
func (rl RouteList) Match(destination string) (*Route, bool) {
	var best *Route
	bestLen := -1
	for _, r := range rl {
		n := r.matchLength(destination)
		if n > bestLen {
			bestLen = n
			best = r
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}
