package b2bua

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/switchboard/internal/media/sdp"
	"github.com/sebas/switchboard/internal/sip/dialog"
)

func TestParseReferTo(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"angle brackets", "<sip:200@example.com>", "sip:200@example.com"},
		{"bare uri", "sip:200@example.com", "sip:200@example.com"},
		{"strips replaces header", "<sip:200@example.com?Replaces=abc%3Bto-tag%3Dxyz>", "sip:200@example.com"},
		{"leading/trailing space", "  <sip:200@example.com>  ", "sip:200@example.com"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := parseReferTo(c.in)
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestParseReferToEmpty(t *testing.T) {
	_, err := parseReferTo("   ")
	require.Error(t, err)
}

func TestLegsForCallID(t *testing.T) {
	legA := &dialog.Dialog{CallID: "call-id-a"}
	legB := &dialog.Dialog{CallID: "call-id-b"}
	call := &Call{LegA: legA, LegB: legB}

	initiator, transferee := call.legsForCallID("call-id-a")
	require.Same(t, legA, initiator)
	require.Same(t, legB, transferee)

	initiator, transferee = call.legsForCallID("call-id-b")
	require.Same(t, legB, initiator)
	require.Same(t, legA, transferee)

	initiator, transferee = call.legsForCallID("unknown")
	require.Nil(t, initiator)
	require.Nil(t, transferee)
}

func TestMirrorDirection(t *testing.T) {
	cases := []struct {
		in   sdp.Direction
		want sdp.Direction
	}{
		{sdp.SendOnly, sdp.RecvOnly},
		{sdp.RecvOnly, sdp.SendOnly},
		{sdp.Inactive, sdp.Inactive},
		{sdp.SendRecv, sdp.SendRecv},
	}
	for _, c := range cases {
		require.Equal(t, c.want, mirrorDirection(c.in))
	}
}
