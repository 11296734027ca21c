package control

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNattedDetectsMismatchedContactHost(t *testing.T) {
	require.True(t, natted("sip:1000@192.168.1.50:5060", "203.0.113.9"))
	require.False(t, natted("sip:1000@203.0.113.9:5060", "203.0.113.9"))
	require.False(t, natted("sip:1000@192.168.1.50:5060", ""))
}

func TestQosFromStatsNoLossGoodMOS(t *testing.T) {
	r := qosFromStats("leg-a", 0, 100, 0)
	require.Equal(t, "leg-a", r.LegID)
	require.InDelta(t, 0, r.LossPercent, 0.001)
	require.Greater(t, r.MOS, 4.0)
}

func TestQosFromStatsHighLossDegradesMOS(t *testing.T) {
	good := qosFromStats("leg-a", 0, 100, 0)
	bad := qosFromStats("leg-a", 400, 100, 40)

	require.InDelta(t, 40, bad.LossPercent, 0.001)
	require.Less(t, bad.MOS, good.MOS)
	require.GreaterOrEqual(t, bad.MOS, 1.0)
}

func TestQosFromStatsHandlesZeroExpectedWithoutDividingByZero(t *testing.T) {
	r := qosFromStats("leg-a", 0, 0, 0)
	require.InDelta(t, 0, r.LossPercent, 0.001)
}
