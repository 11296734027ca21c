// Package dtmf unifies DTMF digit detection across the three transports a
// call leg may use — RFC 4733 telephone-event (reported by the relay),
// SIP INFO (application/dtmf and application/dtmf-relay, grounded on
// flowpbx-flowpbx/internal/media/dtmf.go's body parsers), and in-band tone
// detection (internal/media/codec's Goertzel detector) — behind one
// Router so the dialplan and IVR never care which transport a phone used.
package dtmf

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sebas/switchboard/internal/media/codec"
)

// ErrInvalidInfoBody is returned when a SIP INFO request body cannot be
// parsed as a DTMF digit under either supported content type.
var ErrInvalidInfoBody = errors.New("invalid dtmf info body")

var validSignals = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"*": true, "#": true,
	"A": true, "B": true, "C": true, "D": true,
}

// Signal is one detected digit, tagged with the transport it arrived on so
// callers that care (CDR, diagnostics) can distinguish them; routing
// decisions never need to.
type Signal struct {
	Digit     rune
	Transport Transport
}

// Transport identifies which of the three DTMF paths produced a Signal.
type Transport string

const (
	TransportRFC2833 Transport = "rfc2833"
	TransportInfo    Transport = "sip-info"
	TransportInband  Transport = "inband"
)

// dedupWindow is the minimum gap between two reports of the same digit on
// the same leg before the second is treated as a new press rather than a
// duplicate report from a second transport carrying the same tone (spec
// §4.8).
const dedupWindow = 100 * time.Millisecond

// Router deduplicates and dispatches DTMF signals for one call, fed from
// up to three concurrent sources per leg.
type Router struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time // legID -> time of last accepted digit
	lastDig  map[string]rune
	handler  func(legID string, sig Signal)
}

// NewRouter creates a Router that invokes handler for each accepted digit.
func NewRouter(handler func(legID string, sig Signal)) *Router {
	return &Router{
		lastSeen: make(map[string]time.Time),
		lastDig:  make(map[string]rune),
		handler:  handler,
	}
}

// OnDigit implements relay.DTMFObserver, accepting RFC 4733 digits the
// relay's forward loop already decoded.
func (r *Router) OnDigit(legID string, digit rune) {
	r.accept(legID, Signal{Digit: digit, Transport: TransportRFC2833})
}

// HandleSIPInfo parses a SIP INFO request body per its Content-Type and, if
// it carries a valid digit, routes it for legID.
func (r *Router) HandleSIPInfo(legID, contentType string, body []byte) error {
	digit, err := parseInfoDTMF(contentType, body)
	if err != nil {
		return err
	}
	r.accept(legID, Signal{Digit: digit, Transport: TransportInfo})
	return nil
}

// FeedInband pushes one frame of decoded linear PCM for in-band Goertzel
// detection on legID. det must be the per-leg *codec tone detector the
// caller maintains across frames (a Router does not itself own detector
// state, since one exists per leg per call rather than per call).
func (r *Router) FeedInband(legID string, det interface {
	Feed(frame []int16) (rune, bool)
}, frame []int16) {
	digit, ok := det.Feed(frame)
	if !ok {
		return
	}
	r.accept(legID, Signal{Digit: digit, Transport: TransportInband})
}

// accept applies the cross-transport dedup window before invoking handler.
func (r *Router) accept(legID string, sig Signal) {
	r.mu.Lock()
	now := time.Now()
	if last, ok := r.lastSeen[legID]; ok && r.lastDig[legID] == sig.Digit && now.Sub(last) < dedupWindow {
		r.mu.Unlock()
		return
	}
	r.lastSeen[legID] = now
	r.lastDig[legID] = sig.Digit
	r.mu.Unlock()

	if r.handler != nil {
		r.handler(legID, sig)
	}
}

// parseInfoDTMF parses a SIP INFO body per RFC-adjacent convention: either
// Content-Type application/dtmf-relay (Signal=<digit>\r\nDuration=<ms>\r\n)
// or application/dtmf (a bare digit character), matching
// flowpbx-flowpbx/internal/media/dtmf.go's two body formats.
func parseInfoDTMF(contentType string, body []byte) (rune, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	var signal string
	switch ct {
	case "application/dtmf-relay":
		sig, _, err := parseDTMFRelayBody(body)
		if err != nil {
			return 0, err
		}
		signal = sig
	case "application/dtmf":
		signal = strings.ToUpper(strings.TrimSpace(string(body)))
		if !validSignals[signal] {
			return 0, ErrInvalidInfoBody
		}
	default:
		return 0, ErrInvalidInfoBody
	}

	return rune(signal[0]), nil
}

// parseDTMFRelayBody parses the Signal=/Duration= line format, returning
// the signal character and duration in milliseconds (0 if absent).
func parseDTMFRelayBody(body []byte) (signal string, durationMs int, err error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", 0, ErrInvalidInfoBody
	}

	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "signal":
			sig := strings.ToUpper(value)
			if !validSignals[sig] {
				return "", 0, ErrInvalidInfoBody
			}
			signal = sig
			found = true
		case "duration":
			if d, convErr := strconv.Atoi(value); convErr == nil && d >= 0 {
				durationMs = d
			}
		}
	}
	if !found {
		return "", 0, ErrInvalidInfoBody
	}
	return signal, durationMs, nil
}

// NewToneDetector returns a fresh in-band Goertzel detector sized for
// 20ms frames at 8kHz, the packetization interval every codec this core
// supports uses.
func NewToneDetector() *codec.ToneDetector {
	return codec.NewToneDetector(8000, 160)
}
