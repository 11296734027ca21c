package b2bua

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/switchboard/internal/sip/dialog"
)

func TestRelayLegForCallID(t *testing.T) {
	legA := &dialog.Dialog{CallID: "cid-a", RelayLegID: "leg-a-x"}
	legB := &dialog.Dialog{CallID: "cid-b", RelayLegID: "leg-b-x"}
	call := &Call{LegA: legA, LegB: legB}

	require.Equal(t, "leg-a-x", call.relayLegForCallID("cid-a"))
	require.Equal(t, "leg-b-x", call.relayLegForCallID("cid-b"))
	require.Equal(t, "", call.relayLegForCallID("unknown"))
}

func TestOtherLeg(t *testing.T) {
	legA := &dialog.Dialog{CallID: "cid-a", RelayLegID: "leg-a-x"}
	legB := &dialog.Dialog{CallID: "cid-b", RelayLegID: "leg-b-x"}
	call := &Call{LegA: legA, LegB: legB}

	require.Equal(t, "leg-b-x", call.otherLeg("leg-a-x"))
	require.Equal(t, "leg-a-x", call.otherLeg("leg-b-x"))
	require.Equal(t, "", call.otherLeg("unknown"))
}
