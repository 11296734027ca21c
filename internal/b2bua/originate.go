package b2bua

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/switchboard/internal/dtmf"
	"github.com/sebas/switchboard/internal/events"
	"github.com/sebas/switchboard/internal/media/codec"
	"github.com/sebas/switchboard/internal/media/relay"
	"github.com/sebas/switchboard/internal/media/sdp"
	"github.com/sebas/switchboard/internal/sip/dialog"
)

const defaultOriginateTimeout = 30 * time.Second

// Originate places two outbound legs and bridges them, implementing
// "Call originator: originate(from_aor, to_aor,
// on_answer_action) -> call_id | error" interface. Unlike every dialplan
// action in actions.go, neither leg is an inbound INVITE the B2BUA is
// answering — both are dialed out, so the relay's own codec preference
// list stands in for an offerer's, and leg A's SDP answer (rather than an
// inbound offer) is what fixes the negotiated codec for leg B's offer.
func (m *Manager) Originate(fromAOR, toAOR string) (string, error) {
	callID := "call-" + uuid.New().String()
	call := NewCall(callID, nil)
	call.ALegAOR = fromAOR
	call.Action = "originate"
	m.putCall(call)
	m.emitEvent(events.TypeCallStarted, call, map[string]any{"from": fromAOR, "to": toAOR})

	rtpPortA, _, err := m.ports.Allocate()
	if err != nil {
		m.dropCall(call)
		return "", fmt.Errorf("originate: allocate leg A port: %w", err)
	}
	rtpPortB, _, err := m.ports.Allocate()
	if err != nil {
		m.ports.Release(rtpPortA)
		m.dropCall(call)
		return "", fmt.Errorf("originate: allocate leg B port: %w", err)
	}
	call.relayPortA = rtpPortA
	call.relayPortB = rtpPortB

	telephonePT := uint8(codec.TelephoneEvent.PayloadType)
	offerToA, err := sdp.BuildOffer(m.cfg.AdvertiseAddr, rtpPortA, m.localPrefs, telephonePT)
	if err != nil {
		m.releaseOriginatePorts(call)
		m.dropCall(call)
		return "", fmt.Errorf("originate: build offer: %w", err)
	}

	ctxA, cancelA := context.WithTimeout(context.Background(), defaultOriginateTimeout)
	legA, err := m.placeLegCtx(ctxA, call, fromAOR, offerToA)
	cancelA()
	if err != nil {
		m.releaseOriginatePorts(call)
		m.dropCall(call)
		return "", fmt.Errorf("originate: leg A (%s) did not answer: %w", fromAOR, err)
	}
	call.LegA = legA
	m.putCall(call)
	call.TransitionTo(CallCalling)
	call.TransitionTo(CallRinging)

	ansA, err := sdp.Parse(legA.InviteResponse.Body())
	if err != nil {
		m.dialogMgr.Terminate(legA.CallID, dialog.ReasonLocalBYE)
		m.releaseOriginatePorts(call)
		m.dropCall(call)
		return "", fmt.Errorf("originate: parse leg A answer: %w", err)
	}

	dtmfPT := -1
	if ansA.TelephoneType != "" {
		if pt, err := strconv.Atoi(ansA.TelephoneType); err == nil {
			dtmfPT = pt
		}
	}
	aCodec := codec.PCMU
	if len(ansA.PayloadTypes) > 0 {
		if pt, err := strconv.Atoi(ansA.PayloadTypes[0]); err == nil {
			if c, ok := codec.ByPayloadType(uint8(pt)); ok {
				aCodec = c
			}
		}
	}

	legAID := "leg-a-" + call.ID
	legBID := "leg-b-" + call.ID
	router := dtmf.NewRouter(m.makeDigitHandler(call))
	call.DTMF = router

	cfgA := relay.LegConfig{
		ID: legAID, LocalAddr: m.cfg.RTPBindAddr, LocalPort: rtpPortA,
		RemoteAddr: ansA.ConnAddr, RemotePort: ansA.Port,
		Codec: aCodec, DTMFPT: dtmfPT, Observer: router,
	}
	cfgB := relay.LegConfig{
		ID: legBID, LocalAddr: m.cfg.RTPBindAddr, LocalPort: rtpPortB,
		Codec: aCodec, DTMFPT: dtmfPT, Observer: router,
	}
	sess, err := m.relayMgr.Create(call.ID, cfgA, cfgB)
	if err != nil {
		m.dialogMgr.Terminate(legA.CallID, dialog.ReasonLocalBYE)
		m.releaseOriginatePorts(call)
		m.dropCall(call)
		return "", fmt.Errorf("originate: create relay: %w", err)
	}
	call.Relay = sess
	call.Codec = aCodec
	legA.SetMediaEndpoint(legAID, ansA.ConnAddr, ansA.Port, aCodec.Name)

	offerToB, err := sdp.BuildOffer(m.cfg.AdvertiseAddr, rtpPortB, []codec.Codec{aCodec}, uint8(dtmfPTOr(dtmfPT)))
	if err != nil {
		m.teardown(call, CauseCallRejected, nil)
		return "", fmt.Errorf("originate: build leg B offer: %w", err)
	}

	ctxB, cancelB := context.WithTimeout(context.Background(), defaultOriginateTimeout)
	legB, err := m.placeLegCtx(ctxB, call, toAOR, offerToB)
	cancelB()
	if err != nil {
		m.teardown(call, CauseNoAnswer, nil)
		return "", fmt.Errorf("originate: leg B (%s) did not answer: %w", toAOR, err)
	}
	call.LegB = legB
	call.BLegAOR = toAOR
	m.putCall(call)

	if ansB, err := sdp.Parse(legB.InviteResponse.Body()); err == nil {
		call.Relay.SetRemote(legBID, ansB.ConnAddr, ansB.Port)
		legB.SetMediaEndpoint(legBID, ansB.ConnAddr, ansB.Port, aCodec.Name)
	}

	call.TransitionTo(CallAnswered)
	call.TransitionTo(CallActive)
	m.calls.Put(callTableEntry(call))
	m.emitEvent(events.TypeCallAnswered, call, map[string]any{"from": fromAOR, "to": toAOR})
	return call.ID, nil
}

func (m *Manager) releaseOriginatePorts(call *Call) {
	m.ports.Release(call.relayPortA)
	m.ports.Release(call.relayPortB)
}

func dtmfPTOr(pt int) int {
	if pt < 0 {
		return int(codec.TelephoneEvent.PayloadType)
	}
	return pt
}
