package ivr

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sebas/switchboard/internal/auth"
	"github.com/sebas/switchboard/internal/extstore"
	"github.com/sebas/switchboard/internal/mailbox"
	"github.com/sebas/switchboard/internal/media/codec"
)

// pinMaxAttempts bounds how many times a mailbox owner can mistype their
// PIN before the call is dropped to Goodbye, matching typical PBX
// lockout behavior rather than looping forever.
const pinMaxAttempts = 3

// DepositGraph is the flow a caller reaches when an extension doesn't
// answer and the dialplan routes to voicemail to leave a message: play
// the mailbox's greeting (or a default), record after the beep, and save
// on '#' or once MaxRecordingDuration elapses. Grounded on mandatory
// voicemail flow, restricted to its "leave a message" half.
func DepositGraph() *Graph {
	greeting := "default-greeting.wav"

	return &Graph{
		Name:  "voicemail-deposit",
		Start: "Greeting",
		Nodes: map[NodeID]*Node{
			"Greeting": {
				ID:     "Greeting",
				Prompt: greeting,
				Terminal: func(rc *RunContext) error {
					if rc.Box != nil && rc.Box.HasCustomGreeting() {
						rc.Vars["prompt_override"] = rc.Box.GreetingPath()
					}
					return nil
				},
				DynamicPrompt: func(rc *RunContext) (string, error) {
					if p, ok := rc.Vars["prompt_override"].(string); ok {
						return p, nil
					}
					return greeting, nil
				},
				Transitions: map[byte]NodeID{'#': "Record"},
				Timeout:     8 * time.Second,
				OnTimeout:   "Record",
			},
			"Record": {
				ID: "Record",
				Terminal: func(rc *RunContext) error {
					sink := newRecordSink(uint32(8000))
					rc.Vars["sink"] = sink
					rc.Relay.AttachRecorder(rc.LegID, sink)
					return nil
				},
				Prompt:      "beep.wav",
				Transitions: map[byte]NodeID{'#': "Save"},
				Timeout:     MaxRecordingDuration,
				OnTimeout:   "Save",
			},
			"Save": {
				ID: "Save",
				Terminal: func(rc *RunContext) error {
					rc.Relay.DetachRecorder(rc.LegID)
					sink, _ := rc.Vars["sink"].(*recordSink)
					if sink == nil || rc.Box == nil {
						return nil
					}
					dur := sink.Duration()
					if dur < 500*time.Millisecond {
						return nil // too short to be a real message, discard
					}
					_, err := rc.Box.SaveMessage(rc.CallerID, dur, codec.FormatPCM, 8000, 16, sink.PCMBytes())
					return err
				},
				Prompt: "goodbye.wav",
			},
		},
	}
}

// CheckGraph is the flow a mailbox owner reaches to manage their
// voicemail: PIN authentication, then a main menu to play new messages or
// re-record the mailbox greeting. Follows a
// Welcome -> PinEntry -> MainMenu -> {Playback, Options -> RecordingGreeting
// -> GreetingReview} -> Goodbye flow.
func CheckGraph(ext extstore.Extension) *Graph {
	return &Graph{
		Name:  "voicemail-check",
		Start: "Welcome",
		Nodes: map[NodeID]*Node{
			"Welcome": {
				ID: "Welcome",
				DynamicPrompt: func(rc *RunContext) (string, error) {
					n, _ := rc.Box.CountNew()
					if n == 0 {
						return "you-have-no-new-messages.wav", nil
					}
					return "you-have-new-messages.wav", nil
				},
				Transitions: anyDigitTo("PinEntry"),
				Timeout:     8 * time.Second,
				OnTimeout:   "PinEntry",
			},
			"PinEntry": {
				ID:          "PinEntry",
				Prompt:      "enter-pin.wav",
				Collect:     true,
				MaxDigits:   8,
				Transitions: map[byte]NodeID{'#': "PinCheck"},
				Timeout:     15 * time.Second,
				OnTimeout:   "Goodbye",
				Terminal: func(rc *RunContext) error {
					rc.Vars["pin_attempts"], _ = rc.Vars["pin_attempts"].(int)
					return nil
				},
			},
			"PinCheck": {
				ID: "PinCheck",
				Terminal: func(rc *RunContext) error {
					entered, _ := rc.Vars["last_collected"].(string)
					ok, _ := auth.VerifyPassword(entered, ext.AdminPasswordHash)
					rc.Vars["authed"] = ok
					return nil
				},
				AutoNext: func(rc *RunContext) NodeID {
					if authed, _ := rc.Vars["authed"].(bool); authed {
						return "MainMenu"
					}
					attempts, _ := rc.Vars["pin_attempts"].(int)
					attempts++
					rc.Vars["pin_attempts"] = attempts
					if attempts >= pinMaxAttempts {
						return "Goodbye"
					}
					return "PinEntry"
				},
			},
			"MainMenu": {
				ID:     "MainMenu",
				Prompt: "main-menu.wav",
				Transitions: map[byte]NodeID{
					'1': "Playback",
					'2': "Options",
					'*': "Goodbye",
				},
				Timeout:   15 * time.Second,
				OnTimeout: "MainMenu",
			},
			"Playback": {
				ID: "Playback",
				Terminal: func(rc *RunContext) error {
					if _, ok := rc.Vars["messages"]; ok {
						return nil // already listed, a prior message in this pass
					}
					msgs, err := rc.Box.List()
					if err != nil {
						return err
					}
					rc.Vars["messages"] = msgs
					rc.Vars["playback_index"] = 0
					return nil
				},
				DynamicPrompt: func(rc *RunContext) (string, error) {
					msgs, idx := playbackState(rc)
					if idx >= len(msgs) {
						return "no-more-messages.wav", nil
					}
					m := msgs[idx]
					if !m.Meta.Seen {
						rc.Box.MarkSeen(m.Meta.ID)
					}
					return m.Path, nil
				},
				Transitions: map[byte]NodeID{
					'1': "Playback",      // replay the current message
					'2': "PlaybackNext",  // advance to the next message
					'3': "DeleteMessage", // delete the current message
					'*': "MainMenu",      // back
				},
				Timeout:   60 * time.Second,
				OnTimeout: "PlaybackNext",
			},
			"PlaybackNext": {
				ID: "PlaybackNext",
				Terminal: func(rc *RunContext) error {
					_, idx := playbackState(rc)
					rc.Vars["playback_index"] = idx + 1
					return nil
				},
				AutoNext: func(rc *RunContext) NodeID {
					msgs, idx := playbackState(rc)
					if idx >= len(msgs) {
						return "MainMenu"
					}
					return "Playback"
				},
			},
			"DeleteMessage": {
				ID: "DeleteMessage",
				Terminal: func(rc *RunContext) error {
					msgs, idx := playbackState(rc)
					if idx >= len(msgs) {
						return nil
					}
					return rc.Box.Delete(msgs[idx].Meta.ID)
				},
				Prompt:      "message-deleted.wav",
				Transitions: map[byte]NodeID{'0': "PlaybackNext"},
				Timeout:     2 * time.Second,
				OnTimeout:   "PlaybackNext",
			},
			"Options": {
				ID:     "Options",
				Prompt: "options-menu.wav",
				Transitions: map[byte]NodeID{
					'1': "RecordingGreeting",
					'9': "MainMenu",
				},
				Timeout:   15 * time.Second,
				OnTimeout: "MainMenu",
			},
			"RecordingGreeting": {
				ID: "RecordingGreeting",
				Terminal: func(rc *RunContext) error {
					sink := newRecordSink(8000)
					rc.Vars["greeting_sink"] = sink
					rc.Relay.AttachRecorder(rc.LegID, sink)
					return nil
				},
				Prompt:      "record-after-tone.wav",
				Transitions: map[byte]NodeID{'#': "GreetingReview"},
				Timeout:     MaxRecordingDuration,
				OnTimeout:   "GreetingReview",
			},
			"GreetingReview": {
				ID: "GreetingReview",
				Terminal: func(rc *RunContext) error {
					rc.Relay.DetachRecorder(rc.LegID)
					return nil
				},
				Prompt: "greeting-review-menu.wav",
				Transitions: map[byte]NodeID{
					'1': "GreetingPlay",      // play back the just-recorded greeting
					'2': "RecordingGreeting", // re-record
					'3': "GreetingDelete",    // delete, keep the default greeting
					'*': "GreetingSave",      // save and return to the main menu
				},
				Timeout:   15 * time.Second,
				OnTimeout: "GreetingSave",
			},
			"GreetingPlay": {
				ID: "GreetingPlay",
				Terminal: func(rc *RunContext) error {
					sink, _ := rc.Vars["greeting_sink"].(*recordSink)
					if sink == nil {
						return nil
					}
					path := filepath.Join(os.TempDir(), "greeting-review-"+rc.LegID+".wav")
					if err := codec.WriteWAV(path, codec.FormatPCM, sink.SampleRate(), 16, sink.PCMBytes()); err != nil {
						return err
					}
					rc.Vars["greeting_review_path"] = path
					return nil
				},
				DynamicPrompt: func(rc *RunContext) (string, error) {
					if p, ok := rc.Vars["greeting_review_path"].(string); ok {
						return p, nil
					}
					return "greeting-review-menu.wav", nil
				},
				AutoNext: func(rc *RunContext) NodeID { return "GreetingReview" },
			},
			"GreetingDelete": {
				ID: "GreetingDelete",
				Terminal: func(rc *RunContext) error {
					delete(rc.Vars, "greeting_sink")
					if rc.Box == nil {
						return nil
					}
					return rc.Box.DeleteGreeting()
				},
				Prompt:   "greeting-deleted.wav",
				AutoNext: func(rc *RunContext) NodeID { return "MainMenu" },
			},
			"GreetingSave": {
				ID: "GreetingSave",
				Terminal: func(rc *RunContext) error {
					sink, _ := rc.Vars["greeting_sink"].(*recordSink)
					if sink == nil || rc.Box == nil {
						return nil
					}
					return rc.Box.SaveGreeting(codec.FormatPCM, sink.SampleRate(), 16, sink.PCMBytes())
				},
				Prompt:   "greeting-saved.wav",
				AutoNext: func(rc *RunContext) NodeID { return "MainMenu" },
			},
			"Goodbye": {
				ID:     "Goodbye",
				Prompt: "goodbye.wav",
			},
		},
	}
}

// playbackState reads the message list and current index Playback stashed
// in rc.Vars, defaulting to an empty list/zero index before they're set.
func playbackState(rc *RunContext) ([]mailbox.Message, int) {
	msgs, _ := rc.Vars["messages"].([]mailbox.Message)
	idx, _ := rc.Vars["playback_index"].(int)
	return msgs, idx
}

// anyDigitTo builds a Transitions map where every DTMF digit leads to the
// same target node, used for "press any key to continue" prompts.
func anyDigitTo(target NodeID) map[byte]NodeID {
	digits := []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#'}
	m := make(map[byte]NodeID, len(digits))
	for _, d := range digits {
		m[d] = target
	}
	return m
}
