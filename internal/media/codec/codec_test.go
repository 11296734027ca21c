package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPCMURoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 32767, -32768, 5000, -5000}
	encoded := EncodePCMU(samples)
	decoded := DecodePCMU(encoded)
	require.Len(t, decoded, len(samples))

	for i, original := range samples {
		diff := int(original) - int(decoded[i])
		if diff < 0 {
			diff = -diff
		}
		// mu-law is a companding codec; quantization error grows with
		// amplitude but is bounded well under 2% of full scale.
		require.Lessf(t, diff, 1200, "sample %d: %d vs %d", i, original, decoded[i])
	}
}

func TestPCMARoundTrip(t *testing.T) {
	samples := []int16{0, 4000, -4000, 20000, -20000}
	decoded := DecodePCMA(EncodePCMA(samples))
	require.Len(t, decoded, len(samples))
	for i, original := range samples {
		diff := int(original) - int(decoded[i])
		if diff < 0 {
			diff = -diff
		}
		require.Less(t, diff, 1200)
	}
}

func TestRFC2833EventRoundTrip(t *testing.T) {
	ev := RFC2833Event{Event: Digit5, End: true, Volume: 10, Duration: 1600}
	decoded, err := DecodeRFC2833Event(ev.Encode())
	require.NoError(t, err)
	require.Equal(t, ev, decoded)
}

func TestDecodeRFC2833EventTooShort(t *testing.T) {
	_, err := DecodeRFC2833Event([]byte{1, 2})
	require.Error(t, err)
}

func TestRuneEventRoundTrip(t *testing.T) {
	for _, r := range []rune{'0', '1', '9', '*', '#', 'A', 'D'} {
		event, ok := RuneToEvent(r)
		require.True(t, ok)
		back, ok := EventToRune(event)
		require.True(t, ok)
		if r >= 'a' && r <= 'd' {
			continue
		}
		require.Equal(t, r, back)
	}
}

func TestGoertzelDetectsGeneratedDigit(t *testing.T) {
	for _, digit := range []rune{'1', '5', '9', '*', '#', '0'} {
		tone, ok := GenerateDTMFTone(digit, 100, 8000)
		require.True(t, ok)
		got := DetectDTMF(tone, 8000)
		require.Equalf(t, digit, got, "digit %c", digit)
	}
}

func TestGoertzelRejectsSilence(t *testing.T) {
	silence := make([]int16, 800)
	require.Equal(t, rune(0), DetectDTMF(silence, 8000))
}

func TestToneDetectorDebounce(t *testing.T) {
	d := NewToneDetector(8000, 160)
	tone, _ := GenerateDTMFTone('1', 200, 8000)
	frames := splitFrames(tone, 160)

	var digits []rune
	for _, f := range frames {
		if digit, ok := d.Feed(f); ok {
			digits = append(digits, digit)
		}
	}
	require.Equal(t, []rune{'1'}, digits, "a single sustained tone must be reported exactly once")
}

func splitFrames(samples []int16, size int) [][]int16 {
	var out [][]int16
	for i := 0; i+size <= len(samples); i += size {
		out = append(out, samples[i:i+size])
	}
	return out
}
