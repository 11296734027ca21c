package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// learnWindow is how long after session creation an endpoint will still
// accept a re-learned remote address from an unexpected source, per the
// symmetric-RTP NAT-traversal rule.
const learnWindow = 10 * time.Second

// Endpoint is one side of a relayed call: the local socket the core
// allocated for it, and the remote address it sends to, which may be
// corrected by symmetric-RTP learning before the offerer's NAT mapping is
// known.
type Endpoint struct {
	LocalAddr  string
	LocalPort  int
	RemoteAddr string
	RemotePort int

	conn *net.UDPConn

	mu         sync.RWMutex
	remote     *net.UDPAddr
	learnUntil time.Time
	learned    bool

	packetsIn  atomic.Int64
	packetsOut atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	shortDrops atomic.Int64

	statsMu     sync.Mutex
	seqInit     bool
	baseSeq     uint16
	highestSeq  uint16
	cycles      uint32 // incremented each time the 16-bit sequence number wraps
	lastTransit int64  // previous arrival-minus-timestamp, in RTP clock units
	jitter      float64
}

func newEndpoint(localAddr string, localPort int, remoteAddr string, remotePort int) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort, IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{
		LocalAddr:  localAddr,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
		conn:       conn,
		learnUntil: time.Now().Add(learnWindow),
	}
	if remoteAddr != "" {
		if ip := net.ParseIP(remoteAddr); ip != nil {
			ep.remote = &net.UDPAddr{IP: ip, Port: remotePort}
		}
	}
	return ep, nil
}

// destAddr returns the endpoint's currently learned remote address, or nil
// if no remote address is known yet (the relay drops packets bound for it
// rather than block).
func (e *Endpoint) destAddr() *net.UDPAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote
}

// setRemote configures the signaled remote address from SDP negotiation,
// restarting the learning window so a subsequent source-address change
// (e.g. the far side's NAT mapping) is still picked up. This is additive,
// not destructive: the caller only invokes it once it actually has an
// address to set, and it never clears an endpoint that's already set.
func (e *Endpoint) setRemote(addr string, port int) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remote = &net.UDPAddr{IP: ip, Port: port}
	e.learned = true
	e.learnUntil = time.Now().Add(learnWindow)
}

// learn applies the symmetric-RTP rule: within the learning window, any
// source address silently replaces the signaled remote address; after the
// window closes, the last source to have been accepted remains fixed for
// the life of the call, protecting against a late spoofed or crossed-wire
// packet from hijacking the session. The very first packet is always
// accepted and fixes the endpoint immediately, satisfying the "accept and
// forward the first packet from either endpoint" invariant even when no
// remote address was signaled at all (e.g. the offer used c=0.0.0.0).
// Its return value reports whether src is an accepted source for this
// endpoint — false means the packet is from neither the pre-configured nor
// a learned address and the window has closed, so the caller must drop it
// rather than process or forward it.
func (e *Endpoint) learn(src *net.UDPAddr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.learned {
		e.remote = src
		e.learned = true
		return true
	}
	if addrEqual(e.remote, src) {
		return true
	}
	if time.Now().Before(e.learnUntil) {
		e.remote = src
		return true
	}
	return false
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (e *Endpoint) close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// Stats is a point-in-time snapshot of an endpoint's relay counters.
type Stats struct {
	PacketsIn  int64
	PacketsOut int64
	BytesIn    int64
	BytesOut   int64

	// Jitter is the interarrival jitter estimate in RTP timestamp units,
	// computed per RFC 3550 appendix A.8.
	Jitter float64
	// ExpectedPackets and LostPackets derive from the extended highest
	// sequence number seen vs. the count actually received (RFC 3550 §6.4.1).
	ExpectedPackets int64
	LostPackets     int64

	// ShortDrops counts datagrams rejected for being smaller than an RTP
	// header.
	ShortDrops int64
}

func (e *Endpoint) stats() Stats {
	e.statsMu.Lock()
	expected := int64(0)
	if e.seqInit {
		extHighest := int64(e.cycles)<<16 | int64(e.highestSeq)
		extBase := int64(e.baseSeq)
		expected = extHighest - extBase + 1
	}
	jitter := e.jitter
	e.statsMu.Unlock()

	received := e.packetsIn.Load()
	lost := expected - received
	if expected == 0 || lost < 0 {
		lost = 0
	}

	return Stats{
		PacketsIn:       received,
		PacketsOut:      e.packetsOut.Load(),
		BytesIn:         e.bytesIn.Load(),
		BytesOut:        e.bytesOut.Load(),
		Jitter:          jitter,
		ExpectedPackets: expected,
		LostPackets:     lost,
		ShortDrops:      e.shortDrops.Load(),
	}
}

// updateArrival folds one received packet's sequence number and RTP
// timestamp into the running jitter/loss estimate, implementing RFC 3550
// appendix A.8's recurrence (J += (|D| - J) / 16) and §6.4.1's extended
// highest-sequence-number tracking for the loss fraction. clockRate is the
// negotiated codec's sampling rate (8000 for every narrowband codec this
// core supports).
func (e *Endpoint) updateArrival(seq uint16, timestamp uint32, clockRate int, arrival time.Time) {
	if clockRate <= 0 {
		clockRate = 8000
	}
	arrivalUnits := int64(arrival.UnixNano()) * int64(clockRate) / int64(time.Second)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	if !e.seqInit {
		e.seqInit = true
		e.baseSeq = seq
		e.highestSeq = seq
		e.lastTransit = arrivalUnits - int64(timestamp)
		return
	}

	if seq < e.highestSeq && e.highestSeq-seq > 0x8000 {
		e.cycles++
	}
	if seq > e.highestSeq || (e.highestSeq-seq > 0x8000) {
		e.highestSeq = seq
	}

	transit := arrivalUnits - int64(timestamp)
	d := transit - e.lastTransit
	if d < 0 {
		d = -d
	}
	e.lastTransit = transit
	e.jitter += (float64(d) - e.jitter) / 16.0
}

// parseRTP is a small wrapper so the relay loop can distinguish malformed
// packets (dropped silently) from ones worth forwarding raw, without paying
// for a full rtp.Packet allocation on the hot forwarding path unless a
// caller actually needs the parsed header (DTMF inspection, recording).
func parseRTP(buf []byte) (*rtp.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	return pkt, nil
}
