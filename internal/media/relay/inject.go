package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/switchboard/internal/media/codec"
)

// InjectAudio sends encoded frames to legID's current remote address,
// outside the normal cross-leg forwarding path, with RTP timestamps and
// sequence numbers advancing independently of whatever the relay is
// otherwise forwarding. This backs IVR prompt playback and MOH injection
// while a leg is on hold: the relay has no notion of "play a file", only
// of writing packets to a learned address.
func (s *Session) InjectAudio(ctx context.Context, legID string, frames [][]int16, c codec.Codec) error {
	l := s.legByID(legID)
	if l == nil {
		return fmt.Errorf("unknown leg %q", legID)
	}

	dest := l.ep.destAddr()
	if dest == nil {
		return fmt.Errorf("leg %q has no learned remote address yet", legID)
	}

	seq := uint16(time.Now().UnixNano())
	ts := uint32(time.Now().UnixNano())
	ssrc := uint32(1)

	ticker := time.NewTicker(c.SampleDur)
	defer ticker.Stop()

	for _, frame := range frames {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		}

		var payload []byte
		switch c.PayloadType {
		case codec.PCMA.PayloadType:
			payload = codec.EncodePCMA(frame)
		default:
			payload = codec.EncodePCMU(frame)
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    c.PayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		seq++
		ts += c.TimestampIncrement()

		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}
		if _, err := l.ep.conn.WriteToUDP(raw, dest); err != nil {
			return err
		}
		l.ep.packetsOut.Add(1)
		l.ep.bytesOut.Add(int64(len(raw)))
	}
	return nil
}

// InjectDigit sends an RFC 4733 telephone-event digit sequence (start,
// optional repeats, and an end packet) to legID, used when the IVR or
// dialplan relays a DTMF digit to a leg that didn't produce it itself (for
// example, forwarding an in-band digit detected on one leg as a 2833 event
// on the other).
func (s *Session) InjectDigit(legID string, digit rune, volume uint8, durationSamples uint16) error {
	l := s.legByID(legID)
	if l == nil {
		return fmt.Errorf("unknown leg %q", legID)
	}
	if l.dtmfPT < 0 {
		return fmt.Errorf("leg %q did not negotiate telephone-event", legID)
	}
	event, ok := codec.RuneToEvent(digit)
	if !ok {
		return fmt.Errorf("digit %q has no telephone-event mapping", digit)
	}

	dest := l.ep.destAddr()
	if dest == nil {
		return fmt.Errorf("leg %q has no learned remote address yet", legID)
	}

	base := uint32(time.Now().UnixNano())
	seq := uint16(base)
	ssrc := uint32(2)

	send := func(dur uint16, end bool) error {
		ev := codec.RFC2833Event{Event: event, End: end, Volume: volume, Duration: dur}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version: 2, PayloadType: uint8(l.dtmfPT),
				SequenceNumber: seq, Timestamp: base, Marker: dur == 0, SSRC: ssrc,
			},
			Payload: ev.Encode(),
		}
		seq++
		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		_, err = l.ep.conn.WriteToUDP(raw, dest)
		return err
	}

	if err := send(0, false); err != nil {
		return err
	}
	if err := send(durationSamples, false); err != nil {
		return err
	}
	// RFC 4733 requires the end packet repeated for reliability over lossy
	// transport; three repeats matches common SIP stack behavior.
	for i := 0; i < 3; i++ {
		if err := send(durationSamples, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) legByID(legID string) *leg {
	switch legID {
	case s.legA.id:
		return s.legA
	case s.legB.id:
		return s.legB
	}
	return nil
}
