package ivr

import (
	"github.com/sebas/switchboard/internal/mailbox"
	"github.com/sebas/switchboard/internal/media/relay"
)

// RunContext is the state one Executor run carries between nodes: the
// relay leg it plays prompts on and records from, the mailbox it's
// operating against (nil for auto-attendant graphs), and a free-form Vars
// map terminal actions use to pass data forward (a recorded message's
// duration, a dialed extension, a PIN attempt count).
type RunContext struct {
	Relay *relay.Session
	LegID string

	// PromptDir is the directory DynamicPrompt/Node.Prompt paths resolve
	// against.
	PromptDir string

	Box      *mailbox.Box // nil outside voicemail graphs
	CallerID string

	// TransferFunc, if non-nil, lets a terminal action hand the call off
	// to the B2BUA rather than continuing the IVR graph (auto-attendant
	// "dial an extension" and voicemail's none currently use this).
	TransferFunc func(target string) error

	Vars map[string]interface{}
}
