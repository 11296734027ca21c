// Package relay forwards RTP between two call legs, adapting
// internal/rtpmanager/bridge/bridge.go's paired-goroutine relay loop, with
// symmetric-RTP learning, DTMF event interception, and optional recording
// layered on top.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/sebas/switchboard/internal/media/codec"
)

// minRTPHeaderSize is the minimum size of a datagram worth treating as RTP
// (the fixed header alone, RFC 3550 §5.1); anything shorter is dropped
// before any learning or forwarding happens.
const minRTPHeaderSize = 12

// Sink receives decoded audio frames from a relayed leg, used for call
// recording and mailbox capture. Implementations must not block the relay
// loop; slow sinks should buffer internally.
type Sink interface {
	WriteFrame(pcm []int16)
}

// DTMFObserver is notified when a leg's RFC 4733 telephone-event stream
// completes a digit. The relay itself does not interpret digits further; it
// only demultiplexes the event payload type and hands completed digits to
// whatever router the B2BUA wired in (internal/dtmf).
type DTMFObserver interface {
	OnDigit(legID string, digit rune)
}

// Session relays RTP bidirectionally between two endpoints ("A" and "B")
// allocated for one bridged call.
type Session struct {
	ID string

	legA, legB *leg

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool

	mu      sync.Mutex
	onHoldA bool
	onHoldB bool
}

// leg pairs an Endpoint with the codec/DTMF configuration negotiated for it.
type leg struct {
	id       string
	ep       *Endpoint
	dtmfPT   int // -1 if the leg's answer didn't negotiate telephone-event
	codec    codec.Codec
	observer DTMFObserver
	recorder Sink

	mu      sync.Mutex
	pending bool
	event   uint8
}

// LegConfig describes one side of a bridge to create.
type LegConfig struct {
	ID         string
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int
	Codec      codec.Codec
	DTMFPT     int // negotiated telephone-event payload type, or -1
	Observer   DTMFObserver
}

// New binds sockets for both legs and starts the bidirectional relay.
func New(a, b LegConfig) (*Session, error) {
	epA, err := newEndpoint(a.LocalAddr, a.LocalPort, a.RemoteAddr, a.RemotePort)
	if err != nil {
		return nil, fmt.Errorf("bind leg %s: %w", a.ID, err)
	}
	epB, err := newEndpoint(b.LocalAddr, b.LocalPort, b.RemoteAddr, b.RemotePort)
	if err != nil {
		_ = epA.close()
		return nil, fmt.Errorf("bind leg %s: %w", b.ID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     "relay-" + uuid.New().String(),
		legA:   &leg{id: a.ID, ep: epA, dtmfPT: a.DTMFPT, codec: a.Codec, observer: a.Observer},
		legB:   &leg{id: b.ID, ep: epB, dtmfPT: b.DTMFPT, codec: b.Codec, observer: b.Observer},
		ctx:    ctx,
		cancel: cancel,
	}
	s.active.Store(true)

	go s.forward(s.legA, s.legB)
	go s.forward(s.legB, s.legA)

	slog.Info("[Relay] session started",
		"session_id", s.ID,
		"leg_a", a.ID, "leg_a_local", fmt.Sprintf("%s:%d", a.LocalAddr, a.LocalPort),
		"leg_b", b.ID, "leg_b_local", fmt.Sprintf("%s:%d", b.LocalAddr, b.LocalPort),
	)
	return s, nil
}

// forward reads from src's socket, learns src's remote address, forwards
// the packet out dst's socket, and demultiplexes telephone-event payloads
// for DTMF reporting. One goroutine per direction, isolated by recover so a
// panic in one direction never takes down the other leg or the call table,
// applying per-call fault isolation at the relay-direction level.
func (s *Session) forward(src, dst *leg) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Relay] panic in forward loop", "session_id", s.ID, "leg", src.id, "panic", r)
		}
	}()

	buf := make([]byte, 1500)
	for s.active.Load() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, addr, err := src.ep.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		if n < minRTPHeaderSize {
			src.ep.shortDrops.Add(1)
			continue
		}
		if !src.ep.learn(addr) {
			continue
		}
		src.ep.packetsIn.Add(1)
		src.ep.bytesIn.Add(int64(n))

		pkt, perr := parseRTP(buf[:n])
		if perr == nil {
			src.ep.updateArrival(pkt.SequenceNumber, pkt.Timestamp, int(src.codec.SampleRate), time.Now())
		}
		if perr == nil && src.dtmfPT >= 0 && int(pkt.PayloadType) == src.dtmfPT {
			src.handleTelephoneEvent(pkt.Payload)
			// RFC 4733 events are consumed here, never relayed as audio;
			// cross-transport regeneration toward the far leg is the
			// IVR/DTMF router's job, not the relay's.
			continue
		} else if perr == nil {
			src.recordFrame(pkt)
		}

		if s.legOnHold(dst) {
			continue
		}

		destAddr := dst.ep.destAddr()
		if destAddr == nil {
			continue
		}
		if _, err := dst.ep.conn.WriteToUDP(buf[:n], destAddr); err != nil {
			continue
		}
		dst.ep.packetsOut.Add(1)
		dst.ep.bytesOut.Add(int64(n))
	}
}

// handleTelephoneEvent decodes an RFC 4733 payload and reports the digit to
// the leg's observer exactly once, on the packet carrying the end-of-event
// bit. Adapts dtmf_reader.go's state machine to run independently per leg
// inside the relay loop.
func (l *leg) handleTelephoneEvent(payload []byte) {
	ev, err := codec.DecodeRFC2833Event(payload)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.End {
		if l.pending && ev.Event == l.event && ev.Duration >= codec.MinToneDuration {
			l.pending = false
			if r, ok := codec.EventToRune(ev.Event); ok && l.observer != nil {
				l.observer.OnDigit(l.id, r)
			}
			return
		}
		l.pending = false
		return
	}

	if !l.pending || ev.Event != l.event {
		l.event = ev.Event
		l.pending = true
	}
}

// recordFrame decodes an audio payload for the leg's negotiated codec and
// pushes it to an attached recorder, if any. Never blocks the relay loop:
// Sink implementations are required to buffer internally.
func (l *leg) recordFrame(pkt *rtp.Packet) {
	l.mu.Lock()
	sink := l.recorder
	l.mu.Unlock()
	if sink == nil {
		return
	}

	var pcm []int16
	switch l.codec.PayloadType {
	case codec.PCMA.PayloadType:
		pcm = codec.DecodePCMA(pkt.Payload)
	case codec.PCMU.PayloadType:
		pcm = codec.DecodePCMU(pkt.Payload)
	default:
		return
	}
	sink.WriteFrame(pcm)
}

func (s *Session) legOnHold(l *leg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == s.legA {
		return s.onHoldA
	}
	return s.onHoldB
}

// SetHold mutes forwarding toward legID without tearing down the session,
// used for SIP hold: the far leg's audio keeps flowing so MOH or silence
// can be injected by the caller, but nothing is written to the held party.
func (s *Session) SetHold(legID string, hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch legID {
	case s.legA.id:
		s.onHoldA = hold
	case s.legB.id:
		s.onHoldB = hold
	}
}

// LegStats is a point-in-time snapshot of one leg's relay counters.
type LegStats struct {
	LegID string
	Stats
}

// GetStats returns current relay counters for both legs.
func (s *Session) GetStats() (LegStats, LegStats) {
	return LegStats{LegID: s.legA.id, Stats: s.legA.ep.stats()},
		LegStats{LegID: s.legB.id, Stats: s.legB.ep.stats()}
}

// Close tears down both sockets and stops the relay goroutines.
func (s *Session) Close() error {
	s.active.Store(false)
	s.cancel()
	err1 := s.legA.ep.close()
	err2 := s.legB.ep.close()
	slog.Info("[Relay] session closed", "session_id", s.ID)
	if err1 != nil {
		return err1
	}
	return err2
}

// SetRemote configures legID's signaled remote address, used once the
// corresponding SDP (offer or answer) is in hand. A nil or zero address
// never clears an endpoint that is already set, and it's safe to call
// before the relay has received its first packet from that leg — the
// early-packets rule in the forward loop does not depend on this being
// called first.
func (s *Session) SetRemote(legID, addr string, port int) {
	l := s.legByID(legID)
	if l == nil || addr == "" || port == 0 {
		return
	}
	l.ep.setRemote(addr, port)
}

// RemoteAddr reports the currently learned remote address for a leg, or
// false if nothing has been learned yet. Used by control-plane QoS
// reporting (internal/control).
func (s *Session) RemoteAddr(legID string) (net.IP, int, bool) {
	var ep *Endpoint
	switch legID {
	case s.legA.id:
		ep = s.legA.ep
	case s.legB.id:
		ep = s.legB.ep
	default:
		return nil, 0, false
	}
	addr := ep.destAddr()
	if addr == nil {
		return nil, 0, false
	}
	return addr.IP, addr.Port, true
}
