// Package codec implements the narrowband audio codecs and DTMF tone
// primitives the relay and IVR need: G.711 mu-law/A-law transcoding, Goertzel
// DTMF detection, tone generation, and WAV framing.
package codec

import (
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec specification, identified by its RTP
// payload type and clock rate.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

var (
	// PCMU is G.711 mu-law, payload type 0.
	PCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}
	// PCMA is G.711 A-law, payload type 8.
	PCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}
	// TelephoneEvent is RFC 4733 DTMF, payload type 101 by default (the
	// number is renegotiable per call and tracked separately from this value).
	TelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond}
	// G722 and Opus are optional codecs a dialplan may enable; the core
	// never transcodes, so offering them only matters when both legs agree.
	G722 = Codec{"G722", 9, 8000, 20 * time.Millisecond}
	Opus = Codec{"opus", 96, 48000, 20 * time.Millisecond}
)

// ByName resolves a codec by its rtpmap name (PCMU, PCMA, G722, opus,
// telephone-event), used to turn a config file's codec preference list
// into the typed Codec values Negotiate expects.
func ByName(name string) (Codec, bool) {
	switch name {
	case "PCMU":
		return PCMU, true
	case "PCMA":
		return PCMA, true
	case "G722":
		return G722, true
	case "opus", "Opus":
		return Opus, true
	case "telephone-event":
		return TelephoneEvent, true
	}
	return Codec{}, false
}

// ByPayloadType resolves a codec by its static RTP payload type number,
// used when the negotiated codec is known only from a parsed SDP answer
// (internal/b2bua's originate path) rather than from a config-driven name.
func ByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PCMU.PayloadType:
		return PCMU, true
	case PCMA.PayloadType:
		return PCMA, true
	case G722.PayloadType:
		return G722, true
	case Opus.PayloadType:
		return Opus, true
	case TelephoneEvent.PayloadType:
		return TelephoneEvent, true
	}
	return Codec{}, false
}

// SamplesPerFrame returns the samples in one packetization interval.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// TimestampIncrement is the RTP timestamp step per frame for this codec.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// SilenceByte is the mu-law encoding of linear zero amplitude (-8), used to
// pad gaps between DTMF tones and fill injected silence.
const SilenceByte byte = 0xFF

// EncodePCMU converts 16-bit linear PCM to G.711 mu-law.
func EncodePCMU(pcm []int16) []byte {
	return g711.EncodeUlaw(int16ToBytes(pcm))
}

// DecodePCMU converts G.711 mu-law to 16-bit linear PCM.
func DecodePCMU(ulaw []byte) []int16 {
	return bytesToInt16(g711.DecodeUlaw(ulaw))
}

// EncodePCMA converts 16-bit linear PCM to G.711 A-law.
func EncodePCMA(pcm []int16) []byte {
	return g711.EncodeAlaw(int16ToBytes(pcm))
}

// DecodePCMA converts G.711 A-law to 16-bit linear PCM.
func DecodePCMA(alaw []byte) []int16 {
	return bytesToInt16(g711.DecodeAlaw(alaw))
}

func int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// Clamp16 clamps an int to the int16 range, as required whenever tone
// generation or mixing could overflow the sample type.
func Clamp16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
