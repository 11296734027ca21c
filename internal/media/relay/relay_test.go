package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/switchboard/internal/media/codec"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestSessionForwardsAndLearnsRemoteAddress(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	// The "remote" phones: two loopback sockets standing in for the far
	// ends of each leg.
	phoneA, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer phoneA.Close()
	phoneB, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer phoneB.Close()

	// Leg B's far end is signaled up front; leg A's is learned from its
	// first packet.
	sess, err := New(
		LegConfig{ID: "A", LocalAddr: "127.0.0.1", LocalPort: portA, Codec: codec.PCMU, DTMFPT: -1},
		LegConfig{ID: "B", LocalAddr: "127.0.0.1", LocalPort: portB, RemoteAddr: "127.0.0.1",
			RemotePort: phoneB.LocalAddr().(*net.UDPAddr).Port, Codec: codec.PCMU, DTMFPT: -1},
	)
	require.NoError(t, err)
	defer sess.Close()

	relayA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: portA}
	relayB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: portB}

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	_, err = phoneA.WriteToUDP(payload, relayA)
	require.NoError(t, err)

	phoneB.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := phoneB.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	_, legB := sess.GetStats()
	require.Equal(t, "B", legB.LegID)

	addr, port, ok := sess.RemoteAddr("A")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", addr.String())
	require.Equal(t, phoneA.LocalAddr().(*net.UDPAddr).Port, port)
}

func TestSessionDropsUndersizedDatagrams(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	phoneA, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer phoneA.Close()
	phoneB, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer phoneB.Close()

	sess, err := New(
		LegConfig{ID: "A", LocalAddr: "127.0.0.1", LocalPort: portA, Codec: codec.PCMU, DTMFPT: -1},
		LegConfig{ID: "B", LocalAddr: "127.0.0.1", LocalPort: portB, Codec: codec.PCMU, DTMFPT: -1},
	)
	require.NoError(t, err)
	defer sess.Close()

	relayA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: portA}
	_, err = phoneA.WriteToUDP([]byte{1, 2, 3}, relayA) // shorter than an RTP header
	require.NoError(t, err)

	phoneB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1500)
	_, _, err = phoneB.ReadFromUDP(buf)
	require.Error(t, err, "undersized datagram must not be forwarded")

	require.Eventually(t, func() bool {
		legA, _ := sess.GetStats()
		return legA.ShortDrops == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSessionHoldSuppressesForwarding(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)

	phoneA, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer phoneA.Close()
	phoneB, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer phoneB.Close()

	// Leg B's far end is known, so only the hold keeps audio from it.
	sess, err := New(
		LegConfig{ID: "A", LocalAddr: "127.0.0.1", LocalPort: portA, Codec: codec.PCMU, DTMFPT: -1},
		LegConfig{ID: "B", LocalAddr: "127.0.0.1", LocalPort: portB, RemoteAddr: "127.0.0.1",
			RemotePort: phoneB.LocalAddr().(*net.UDPAddr).Port, Codec: codec.PCMU, DTMFPT: -1},
	)
	require.NoError(t, err)
	defer sess.Close()

	sess.SetHold("B", true)

	relayA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: portA}
	payload := make([]byte, 12)
	for i := range payload {
		payload[i] = 9
	}
	_, err = phoneA.WriteToUDP(payload, relayA)
	require.NoError(t, err)

	phoneB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1500)
	_, _, err = phoneB.ReadFromUDP(buf)
	require.Error(t, err, "held leg must not receive forwarded audio")
}

func TestManagerCreateAndDestroy(t *testing.T) {
	m := NewManager()
	portA := freePort(t)
	portB := freePort(t)

	sess, err := m.Create("call-1",
		LegConfig{ID: "A", LocalAddr: "127.0.0.1", LocalPort: portA, Codec: codec.PCMU, DTMFPT: -1},
		LegConfig{ID: "B", LocalAddr: "127.0.0.1", LocalPort: portB, Codec: codec.PCMU, DTMFPT: -1},
	)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	got, ok := m.GetByLeg("A")
	require.True(t, ok)
	require.Equal(t, sess.ID, got.ID)

	require.NoError(t, m.Destroy("call-1"))
	require.Equal(t, 0, m.Count())
	_, ok = m.GetByLeg("A")
	require.False(t, ok)
}
