package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sebas/switchboard/internal/media/codec"
)

// ErrNoSuchNode is returned when a graph references a NodeID it never
// defines — a construction bug in a graph builder, not a runtime fault.
type ErrNoSuchNode NodeID

func (e ErrNoSuchNode) Error() string { return fmt.Sprintf("ivr: no such node %q", NodeID(e)) }

// Executor drives one Graph for the lifetime of one call leg: playing
// prompts, collecting DTMF, and running each node's Terminal action,
// generalizing services/signaling/routing/invite.go's streamAudio loop
// (which only ever played one fixed file) into a full state machine.
type Executor struct {
	Graph *Graph
	RC    *RunContext

	// Digits delivers one rune per accepted keypress on RC.LegID, fed by
	// whatever wired the executor to internal/dtmf.Router (the B2BUA, via
	// a per-call buffered channel registered as that router's handler).
	Digits <-chan rune

	Codec codec.Codec
}

// Run executes the graph from its Start node until a leaf node (no
// Transitions, no AutoNext) completes, the context is cancelled, or an
// unrecoverable error occurs.
func (e *Executor) Run(ctx context.Context) error {
	current := e.Graph.Start
	for {
		node, ok := e.Graph.Nodes[current]
		if !ok {
			return ErrNoSuchNode(current)
		}

		slog.Debug("[IVR] entering node", "graph", e.Graph.Name, "node", current, "leg", e.RC.LegID)

		if node.Terminal != nil {
			if err := node.Terminal(e.RC); err != nil {
				return fmt.Errorf("ivr: node %q terminal action: %w", current, err)
			}
		}

		if err := e.playPrompt(ctx, node); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("[IVR] prompt playback failed", "node", current, "error", err)
		}

		if node.AutoNext != nil {
			current = node.AutoNext(e.RC)
			continue
		}

		if len(node.Transitions) == 0 {
			return nil
		}

		next, err := e.collect(ctx, node)
		if err != nil {
			return err
		}
		current = next
	}
}

// playPrompt resolves and plays a node's prompt file, if any. A node with
// no prompt (dynamic or static) is silent — used for pure logic nodes.
func (e *Executor) playPrompt(ctx context.Context, node *Node) error {
	name := node.Prompt
	if node.DynamicPrompt != nil {
		dyn, err := node.DynamicPrompt(e.RC)
		if err != nil {
			return err
		}
		name = dyn
	}
	if name == "" {
		return nil
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.RC.PromptDir, name)
	}
	af, err := codec.ReadWAV(path)
	if err != nil {
		return fmt.Errorf("read prompt %q: %w", path, err)
	}

	frames := framesOf(af, e.Codec)
	return e.RC.Relay.InjectAudio(ctx, e.RC.LegID, frames, e.Codec)
}

// collect waits for digits against node's Transitions (and, for Collect
// nodes, buffers several before deciding), applying node.Timeout and
// MaxDigits, and returns the NodeID to enter next.
func (e *Executor) collect(ctx context.Context, node *Node) (NodeID, error) {
	var buf []rune
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for {
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case d, ok := <-e.Digits:
			timer.Stop()
			if !ok {
				return "", fmt.Errorf("ivr: digit channel closed")
			}
			key := byte(d)
			if next, ok := node.Transitions[key]; ok {
				if !node.Collect || key == '#' {
					e.RC.Vars["last_digit"] = string(key)
					return next, nil
				}
			}
			if node.Collect {
				buf = append(buf, d)
				e.RC.Vars["last_collected"] = string(buf)
				if node.MaxDigits > 0 && len(buf) >= node.MaxDigits {
					if next, ok := node.Transitions['#']; ok {
						return next, nil
					}
				}
				continue
			}
		case <-timer.C:
			if node.OnTimeout != "" {
				return node.OnTimeout, nil
			}
			return node.ID, nil
		}
	}
}

// framesOf slices an AudioFile's linear PCM into c.SamplesPerFrame()-sized
// frames, decoding mu-law source material first if needed; any other
// format is read as 16-bit little-endian linear PCM. Prompt
// WAVs are authored at 8kHz mono; no resampling is performed, matching the
// core's no-transcoding design.
func framesOf(af *codec.AudioFile, c codec.Codec) [][]int16 {
	var pcm []int16
	switch af.Format {
	case codec.FormatULaw:
		pcm = codec.DecodePCMU(af.Data)
	default:
		pcm = bytesToInt16(af.Data)
	}

	n := c.SamplesPerFrame()
	if n <= 0 {
		n = 160
	}
	var frames [][]int16
	for i := 0; i < len(pcm); i += n {
		end := i + n
		if end > len(pcm) {
			frame := make([]int16, n)
			copy(frame, pcm[i:])
			frames = append(frames, frame)
			break
		}
		frames = append(frames, pcm[i:end])
	}
	return frames
}

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}
