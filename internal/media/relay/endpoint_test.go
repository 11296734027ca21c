package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateArrivalNoLossNoJitter(t *testing.T) {
	ep := &Endpoint{}
	base := time.Now()

	// Three packets arriving back-to-back, 160 samples (20ms @ 8kHz) apart,
	// with no network delay variance: jitter should stay at zero and every
	// sent packet should be accounted for as received.
	ep.updateArrival(1000, 16000, 8000, base)
	ep.packetsIn.Add(1)
	ep.updateArrival(1001, 16160, 8000, base.Add(20*time.Millisecond))
	ep.packetsIn.Add(1)
	ep.updateArrival(1002, 16320, 8000, base.Add(40*time.Millisecond))
	ep.packetsIn.Add(1)

	s := ep.stats()
	require.EqualValues(t, 3, s.ExpectedPackets)
	require.EqualValues(t, 3, s.PacketsIn)
	require.EqualValues(t, 0, s.LostPackets)
	require.InDelta(t, 0, s.Jitter, 0.001)
}

func TestUpdateArrivalDetectsLoss(t *testing.T) {
	ep := &Endpoint{}
	base := time.Now()

	// Sequence jumps from 5 to 8: four packets (5..8) were expected from
	// the base to the highest sequence number, only two (5, 8) arrived, so
	// two (6, 7) count as lost.
	ep.updateArrival(5, 800, 8000, base)
	ep.packetsIn.Add(1)
	ep.updateArrival(8, 1280, 8000, base.Add(60*time.Millisecond))
	ep.packetsIn.Add(1)

	s := ep.stats()
	require.EqualValues(t, 4, s.ExpectedPackets) // seq 5..8 inclusive
	require.EqualValues(t, 2, s.PacketsIn)
	require.EqualValues(t, 2, s.LostPackets)
}

func TestUpdateArrivalAccumulatesJitterOnVariableDelay(t *testing.T) {
	ep := &Endpoint{}
	base := time.Now()

	ep.updateArrival(1, 0, 8000, base)
	ep.packetsIn.Add(1)
	// Second packet arrives later than its timestamp predicts: transit time
	// grows, so the RFC 3550 A.8 jitter estimate should move off zero.
	ep.updateArrival(2, 160, 8000, base.Add(40*time.Millisecond))
	ep.packetsIn.Add(1)

	s := ep.stats()
	require.Greater(t, s.Jitter, 0.0)
}

func TestUpdateArrivalHandlesSequenceWraparound(t *testing.T) {
	ep := &Endpoint{}
	base := time.Now()

	ep.updateArrival(65534, 0, 8000, base)
	ep.packetsIn.Add(1)
	ep.updateArrival(65535, 160, 8000, base.Add(20*time.Millisecond))
	ep.packetsIn.Add(1)
	ep.updateArrival(0, 320, 8000, base.Add(40*time.Millisecond))
	ep.packetsIn.Add(1)

	s := ep.stats()
	require.EqualValues(t, 3, s.ExpectedPackets)
	require.EqualValues(t, 0, s.LostPackets)
}

func TestLearnAcceptsFirstPacketFromAnySource(t *testing.T) {
	ep := &Endpoint{learnUntil: time.Now().Add(10 * time.Second)}
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 40000}
	require.True(t, ep.learn(src))
	require.True(t, ep.learned)
}

func TestLearnAcceptsNewSourceWithinWindow(t *testing.T) {
	ep := &Endpoint{learnUntil: time.Now().Add(10 * time.Second)}
	first := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 40000}
	second := &net.UDPAddr{IP: net.ParseIP("10.0.0.6"), Port: 40001}

	require.True(t, ep.learn(first))
	require.True(t, ep.learn(second))
	require.True(t, addrEqual(ep.remote, second))
}

func TestLearnRejectsUnknownSourceAfterWindowCloses(t *testing.T) {
	// learnUntil already in the past: the window has closed before the
	// first packet ever arrives, so only the already-learned source
	// (set here as the pre-configured remote) is accepted afterward.
	known := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 40000}
	ep := &Endpoint{remote: known, learned: true, learnUntil: time.Now().Add(-1 * time.Second)}

	require.True(t, ep.learn(known), "the already-learned source must still be accepted")

	spoofed := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 50000}
	require.False(t, ep.learn(spoofed), "a source outside the learn window must not be accepted")
	require.True(t, addrEqual(ep.remote, known), "the learned remote must not change once rejected")
}
