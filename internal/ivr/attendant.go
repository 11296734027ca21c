package ivr

import "time"

// AttendantRoute is one digit choice an auto-attendant menu offers,
// mapping a keypress to a dial target the B2BUA resolves through the
// dialplan exactly as if the caller had dialed it directly.
type AttendantRoute struct {
	Digit  byte
	Target string // dialplan destination, e.g. an extension or hunt group
}

// AttendantGraph builds a single-menu auto-attendant: play a greeting,
// collect one digit, and hand off to rc.TransferFunc with the matching
// route's Target. Grounded on the same node-graph executor voicemail
// uses (notes the two share one engine), with routing in
// place of recording.
func AttendantGraph(greeting string, routes []AttendantRoute, operatorTarget string) *Graph {
	transitions := make(map[byte]NodeID, len(routes)+1)
	targets := make(map[byte]string, len(routes)+1)
	for _, r := range routes {
		transitions[r.Digit] = "Transfer"
		targets[r.Digit] = r.Target
	}
	if operatorTarget != "" {
		transitions['0'] = "Transfer"
		targets['0'] = operatorTarget
	}

	return &Graph{
		Name:  "auto-attendant",
		Start: "Menu",
		Nodes: map[NodeID]*Node{
			"Menu": {
				ID:          "Menu",
				Prompt:      greeting,
				Transitions: transitions,
				Timeout:     10 * time.Second,
				OnTimeout:   "Menu",
				Terminal: func(rc *RunContext) error {
					rc.Vars["routes"] = targets
					return nil
				},
			},
			"Transfer": {
				ID: "Transfer",
				Terminal: func(rc *RunContext) error {
					digit, _ := rc.Vars["last_digit"].(string)
					routeMap, _ := rc.Vars["routes"].(map[byte]string)
					if digit == "" || routeMap == nil {
						return nil
					}
					target, ok := routeMap[digit[0]]
					if !ok || rc.TransferFunc == nil {
						return nil
					}
					return rc.TransferFunc(target)
				},
			},
		},
	}
}
