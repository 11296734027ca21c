package dtmf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/switchboard/internal/media/codec"
)

func TestRouterRFC2833(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })
	r.OnDigit("A", '5')
	require.Equal(t, []Signal{{Digit: '5', Transport: TransportRFC2833}}, got)
}

func TestRouterSIPInfoRelayBody(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })
	err := r.HandleSIPInfo("A", "application/dtmf-relay", []byte("Signal=7\r\nDuration=160\r\n"))
	require.NoError(t, err)
	require.Equal(t, []Signal{{Digit: '7', Transport: TransportInfo}}, got)
}

func TestRouterSIPInfoPlainBody(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })
	err := r.HandleSIPInfo("A", "application/dtmf", []byte("9"))
	require.NoError(t, err)
	require.Equal(t, []Signal{{Digit: '9', Transport: TransportInfo}}, got)
}

func TestRouterSIPInfoInvalid(t *testing.T) {
	r := NewRouter(func(string, Signal) {})
	err := r.HandleSIPInfo("A", "text/plain", []byte("9"))
	require.ErrorIs(t, err, ErrInvalidInfoBody)

	err = r.HandleSIPInfo("A", "application/dtmf", []byte("X"))
	require.ErrorIs(t, err, ErrInvalidInfoBody)
}

func TestRouterDedupsAcrossTransports(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })

	r.OnDigit("A", '1')
	// A SIP INFO digit for the same leg/digit arriving immediately after,
	// as could happen from a dual-stack phone, must not double-report.
	err := r.HandleSIPInfo("A", "application/dtmf", []byte("1"))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRouterDoesNotDedupAfterWindow(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })
	r.lastSeen["A"] = time.Now().Add(-dedupWindow * 2)
	r.lastDig["A"] = '1'

	r.OnDigit("A", '1')
	require.Len(t, got, 1)
}

func TestRouterDoesNotDedupDifferentLegs(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })
	r.OnDigit("A", '1')
	r.OnDigit("B", '1')
	require.Len(t, got, 2)
}

func TestFeedInbandUsesGoertzelDetector(t *testing.T) {
	var got []Signal
	r := NewRouter(func(legID string, sig Signal) { got = append(got, sig) })

	det := NewToneDetector()
	tone, ok := codec.GenerateDTMFTone('3', 200, 8000)
	require.True(t, ok)

	for i := 0; i+160 <= len(tone); i += 160 {
		r.FeedInband("A", det, tone[i:i+160])
	}
	require.Equal(t, []Signal{{Digit: '3', Transport: TransportInband}}, got)
}
