package ivr

import (
	"encoding/binary"
	"sync"
	"time"
)

// MaxRecordingDuration bounds a single voicemail message or greeting
// recording, matching typical PBX mailbox limits; the relay's recorder is
// detached once this much audio has accumulated even if the caller never
// hangs up or presses '#'.
const MaxRecordingDuration = 3 * time.Minute

// recordSink implements relay.Sink, buffering decoded linear PCM frames
// for one in-progress recording. Every method holds mu, so WriteFrame
// (called from the leg's single relay forward goroutine) may run alongside
// Duration and PCMBytes.
type recordSink struct {
	mu       sync.Mutex
	samples  []int16
	sampleRt uint32
	maxSamp  int
}

func newRecordSink(sampleRate uint32) *recordSink {
	return &recordSink{
		sampleRt: sampleRate,
		maxSamp:  int(sampleRate) * int(MaxRecordingDuration/time.Second),
	}
}

func (s *recordSink) WriteFrame(pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) >= s.maxSamp {
		return
	}
	s.samples = append(s.samples, pcm...)
}

// Duration reports how much audio has been captured so far.
func (s *recordSink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(len(s.samples)) * time.Second / time.Duration(s.sampleRt)
}

// SampleRate reports the rate the sink was opened at, needed to write the
// captured audio back out as a playable WAV (e.g. for greeting review).
func (s *recordSink) SampleRate() uint32 {
	return s.sampleRt
}

// PCMBytes returns the captured audio as little-endian 16-bit PCM, ready
// for codec.AppendAtomic under codec.FormatPCM.
func (s *recordSink) PCMBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.samples)*2)
	for i, v := range s.samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
