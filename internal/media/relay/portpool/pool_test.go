package portpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsEvenOddPair(t *testing.T) {
	p := New(20000, 20010)
	rtpPort, rtcpPort, err := p.Allocate()
	require.NoError(t, err)
	require.Zero(t, rtpPort%2)
	require.Equal(t, rtpPort+1, rtcpPort)
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(20000, 20004)
	_, _, err := p.Allocate()
	require.NoError(t, err)
	_, _, err = p.Allocate()
	require.NoError(t, err)
	_, _, err = p.Allocate()
	require.Error(t, err)
}

func TestReleaseReturnsPortToPool(t *testing.T) {
	p := New(20000, 20004)
	rtpPort, _, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, 1, p.Allocated())

	p.Release(rtpPort)
	require.Equal(t, 0, p.Allocated())
	// The released port sits out Cooldown before it can be allocated again.
	require.Equal(t, 1, p.Available())

	p.now = func() time.Time { return time.Now().Add(Cooldown) }
	p.reclaim()
	require.Equal(t, 2, p.Available())
}
