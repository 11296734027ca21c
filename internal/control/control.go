// Package control exposes the core's call-originator, registrar-inspector,
// and media-inspector interfaces to external collaborators. It is a plain
// Go API — no RPC framework: services/signaling/api and
// services/rtpmanager/server split these concerns across a gRPC service
// boundary because signaling and RTP relaying ran as separate processes;
// pbxcore runs as one process, so whatever transport an external caller's
// deployment needs (HTTP, gRPC, a CLI) wraps this package directly instead
// of the core depending on one itself. See DESIGN.md for the dropped
// grpc/protobuf dependency writeup.
package control

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sebas/switchboard/internal/b2bua"
	"github.com/sebas/switchboard/internal/events"
	"github.com/sebas/switchboard/internal/registrar"
)

// Plane is the external control surface over a running B2BUA and
// registrar, implementing Call originator, Registrar
// inspector, Media inspector, and Call observer interfaces.
type Plane struct {
	calls *b2bua.Manager
	reg   *registrar.Registrar
	obs   *events.ChannelPublisher
}

// New wraps a running Manager and Registrar with the external control
// surface. obs, if non-nil, is the ChannelPublisher the Manager was
// constructed with, making its event stream available to Subscribe; pass
// nil if the caller doesn't need "Call observer" access.
func New(calls *b2bua.Manager, reg *registrar.Registrar, obs *events.ChannelPublisher) *Plane {
	return &Plane{calls: calls, reg: reg, obs: obs}
}

// Subscribe implements "Call observer: subscribe to lifecycle events",
// returning the shared event channel. Returns ok=false if this Plane was
// built without an observer publisher.
func (p *Plane) Subscribe() (ch <-chan events.Event, ok bool) {
	if p.obs == nil {
		return nil, false
	}
	return p.obs.Events(), true
}

// Originate implements "Call originator: originate(from_aor, to_aor,
// on_answer_action) -> call_id | error". on_answer_action is out of scope
// for this core (it belongs to whatever dialplan/IVR action an external
// caller wants run once bridged; the core itself always just bridges the
// two legs), so it is not a parameter here — callers that need a
// post-answer action place the call, then drive it via the dialplan's own
// "ivr"/"conference" actions on a subsequent leg instead.
func (p *Plane) Originate(fromAOR, toAOR string) (callID string, err error) {
	return p.calls.Originate(fromAOR, toAOR)
}

// BindingInfo is the registrar-inspector's view of one live binding,
// stripped of internal store bookkeeping.
type BindingInfo struct {
	AOR        string
	BindingID  string
	Contact    string
	ReceivedIP string
	NAT        bool
	ExpiresIn  time.Duration
}

// ListBindings implements "Registrar inspector: list_bindings()".
func (p *Plane) ListBindings(aor string) []BindingInfo {
	bindings := p.reg.LookupAll(aor)
	out := make([]BindingInfo, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, BindingInfo{
			AOR:        b.AOR,
			BindingID:  b.BindingID,
			Contact:    b.EffectiveContact(),
			ReceivedIP: b.ReceivedIP,
			NAT:        natted(b.ContactURI, b.ReceivedIP),
			ExpiresIn:  time.Until(b.ExpiresAt),
		})
	}
	return out
}

// natted reports whether the REGISTER's signaled Contact host differs from
// the address it was actually received from, the registrar's own NAT
// detection condition (internal/registrar.Process).
func natted(contactURI, receivedIP string) bool {
	if receivedIP == "" {
		return false
	}
	return !strings.Contains(contactURI, receivedIP)
}

// DropBinding implements "Registrar inspector: drop_binding(aor)",
// unregistering every contact for aor immediately rather than waiting for
// expiry.
func (p *Plane) DropBinding(aor string) {
	for _, b := range p.reg.LookupAll(aor) {
		p.reg.Drop(aor, b.BindingID)
	}
}

// QoSReport is one direction's media quality snapshot, derived from RTP
// statistics "Media inspector: qos(call_id) -> (mos,
// jitter, loss, rtt) per direction".
type QoSReport struct {
	LegID        string
	JitterMillis float64
	LossPercent  float64
	MOS          float64
	// RTT is not measured by this core: RTCP receiver reports (which carry
	// round-trip timing) are out of scope — the relay only forwards RTP,
	// it does not generate or parse RTCP. Left zero.
	RTTMillis float64
}

// QoS implements "Media inspector: qos(call_id) -> (mos, jitter, loss,
// rtt) per direction", reading the relay's live counters for callID.
func (p *Plane) QoS(callID string) ([]QoSReport, error) {
	sess, ok := p.calls.RelaySession(callID)
	if !ok {
		return nil, fmt.Errorf("control: no active relay for call %s", callID)
	}
	statsA, statsB := sess.GetStats()
	return []QoSReport{qosFromStats(statsA.LegID, statsA.Jitter, statsA.ExpectedPackets, statsA.LostPackets),
		qosFromStats(statsB.LegID, statsB.Jitter, statsB.ExpectedPackets, statsB.LostPackets)}, nil
}

// qosFromStats converts raw RTP counters (jitter in 8kHz clock units,
// expected/lost packet counts) into millisecond jitter, a loss percentage,
// and a simplified E-model MOS estimate (ITU-T G.107, reduced to its
// loss/jitter terms since this core has no Ie/Bpl codec impairment tables
// beyond G.711's near-zero compression loss).
func qosFromStats(legID string, jitterUnits float64, expected, lost int64) QoSReport {
	jitterMillis := jitterUnits / 8.0 // 8000 Hz clock -> ms
	lossPct := 0.0
	if expected > 0 && lost > 0 {
		lossPct = 100 * float64(lost) / float64(expected)
	}

	// Simplified E-model: R starts at 93.2 for G.711, is reduced by an
	// effective-latency/jitter penalty and a packet-loss penalty, then
	// mapped to MOS via the standard R->MOS cubic.
	r := 93.2 - 2*jitterMillis/10 - lossPct*2.5
	if r < 0 {
		r = 0
	}
	mos := 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
	mos = math.Max(1, math.Min(4.5, mos))

	return QoSReport{LegID: legID, JitterMillis: jitterMillis, LossPercent: lossPct, MOS: mos}
}
