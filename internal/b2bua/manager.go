package b2bua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/switchboard/internal/calltable"
	"github.com/sebas/switchboard/internal/cdr"
	"github.com/sebas/switchboard/internal/config"
	"github.com/sebas/switchboard/internal/dialplan"
	"github.com/sebas/switchboard/internal/dtmf"
	"github.com/sebas/switchboard/internal/events"
	"github.com/sebas/switchboard/internal/extstore"
	"github.com/sebas/switchboard/internal/mailbox"
	"github.com/sebas/switchboard/internal/media/codec"
	"github.com/sebas/switchboard/internal/media/relay"
	"github.com/sebas/switchboard/internal/media/relay/portpool"
	"github.com/sebas/switchboard/internal/media/sdp"
	"github.com/sebas/switchboard/internal/registrar"
	"github.com/sebas/switchboard/internal/sip/dialog"
	"github.com/sebas/switchboard/internal/sip/transport"
)

// Manager is the B2BUA: it owns every call's lifecycle from INVITE to
// teardown, coupling internal/sip/dialog (SIP state), internal/media/relay
// (RTP bridging), internal/dialplan (routing), internal/dtmf (digit
// routing) and internal/ivr (voicemail/auto-attendant). Adapted from
// services/signaling/b2bua/{leg_impl.go,bridge_impl.go,originator.go}, with
// the single fixed "dial the one configured target" flow replaced by
// dialplan-driven dispatch over six action kinds.
type Manager struct {
	cfg *config.Config

	transport *transport.Transport
	dialogMgr *dialog.Manager
	plan      *dialplan.Dialplan
	reg       *registrar.Registrar
	relayMgr  *relay.Manager
	ports     *portpool.PortPool
	calls     *calltable.Table
	cdrSink   cdr.Sink
	ext       extstore.Store
	events    events.Publisher

	localPrefs []codec.Codec

	mu    sync.RWMutex
	byID  map[string]*Call // B2BUA call ID -> live Call
	byCID map[string]*Call // either leg's SIP Call-ID -> live Call
}

// New constructs a Manager wired to every dependency it needs. Callers
// must call RegisterHandlers before starting the transport's listeners.
func New(
	cfg *config.Config,
	tp *transport.Transport,
	dialogMgr *dialog.Manager,
	plan *dialplan.Dialplan,
	reg *registrar.Registrar,
	relayMgr *relay.Manager,
	ports *portpool.PortPool,
	calls *calltable.Table,
	cdrSink cdr.Sink,
	ext extstore.Store,
	pub events.Publisher,
) *Manager {
	var prefs []codec.Codec
	for _, name := range cfg.CodecPrefs {
		if c, ok := codec.ByName(name); ok && c.Name != codec.TelephoneEvent.Name {
			prefs = append(prefs, c)
		}
	}
	if pub == nil {
		pub = events.NewNoopPublisher()
	}

	m := &Manager{
		cfg:        cfg,
		transport:  tp,
		dialogMgr:  dialogMgr,
		plan:       plan,
		reg:        reg,
		relayMgr:   relayMgr,
		ports:      ports,
		calls:      calls,
		cdrSink:    cdrSink,
		ext:        ext,
		events:     pub,
		localPrefs: prefs,
		byID:       make(map[string]*Call),
		byCID:      make(map[string]*Call),
	}
	dialogMgr.SetOnTerminated(m.onDialogTerminated)
	return m
}

// emitEvent is a thin fire-and-forget wrapper around the configured
// events.Publisher, used at every call lifecycle transition ('s
// "Call observer: subscribe to lifecycle events").
func (m *Manager) emitEvent(typ events.Type, call *Call, payload map[string]any) {
	m.events.Publish(context.Background(), events.Event{
		EventType: typ,
		CallID:    call.ID,
		At:        time.Now(),
		Payload:   payload,
	})
}

// RegisterHandlers wires the Manager's request handlers into the
// transport, mirroring services/signaling/app/app.go's uas.OnRequest
// registration block.
func (m *Manager) RegisterHandlers() {
	m.transport.OnRequest(sip.INVITE, m.handleInvite)
	m.transport.OnRequest(sip.ACK, m.handleAck)
	m.transport.OnRequest(sip.BYE, m.handleBye)
	m.transport.OnRequest(sip.CANCEL, m.handleCancel)
	m.transport.OnRequest(sip.INFO, m.handleInfo)
	m.transport.OnRequest(sip.REFER, m.handleRefer)
}

func (m *Manager) putCall(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[c.ID] = c
	if c.LegA != nil {
		m.byCID[c.LegA.CallID] = c
	}
	if c.LegB != nil {
		m.byCID[c.LegB.CallID] = c
	}
}

// dropCallIDMapping removes one stale SIP Call-ID -> Call mapping without
// touching the rest of the call's index entries, used when a transfer
// replaces one leg's dialog with another under the same live Call (the
// replaced leg's Call-ID must stop resolving to this call before its BYE's
// eventual dialog-terminated callback runs, or teardown would fire twice).
func (m *Manager) dropCallIDMapping(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byCID, callID)
}

func (m *Manager) callByCallID(callID string) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byCID[callID]
	return c, ok
}

func (m *Manager) dropCall(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, c.ID)
	if c.LegA != nil {
		delete(m.byCID, c.LegA.CallID)
	}
	if c.LegB != nil {
		delete(m.byCID, c.LegB.CallID)
	}
}

// handleInvite is the entry point for every new dialog-initiating INVITE
// and every in-dialog re-INVITE (hold/resume), distinguished by whether
// this Call-ID is already tracked.
func (m *Manager) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if c := req.CallID(); c != nil {
		callID = c.String()
	}

	if existing, ok := m.callByCallID(callID); ok {
		m.handleReInvite(existing, req, tx)
		return
	}

	m.handleNewInvite(req, tx)
}

// handleNewInvite implements call setup: accept the near
// leg, look up the destination in the dialplan, and dispatch to the
// matching action. Grounded on
// services/signaling/routing/invite.go's HandleINVITE, generalized from
// its single CreateSession+streamAudio path to six dialplan actions.
func (m *Manager) handleNewInvite(req *sip.Request, tx sip.ServerTransaction) {
	legA, err := m.dialogMgr.CreateFromInvite(req, tx)
	if err != nil {
		slog.Error("[B2BUA] failed to create dialog", "error", err)
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}
	if err := m.dialogMgr.SendTrying(legA); err != nil {
		slog.Warn("[B2BUA] failed to send 100 Trying", "error", err)
	}

	destination := requestUser(req)
	route, ok := m.plan.Match(destination)
	if !ok {
		m.reject(legA, tx, req, sip.StatusCode(404), "Not Found", CauseNoRoute)
		return
	}

	call := NewCall("call-"+uuid.New().String(), legA)
	call.CallerID = callerID(req)
	call.Action = string(route.Action)
	call.ALegAOR = requestUser(req)
	m.putCall(call)
	call.TransitionTo(CallCalling)
	m.emitEvent(events.TypeCallStarted, call, map[string]any{"from": call.ALegAOR, "action": call.Action})

	go m.dispatch(call, route, req, tx)
}

// handleReInvite answers an in-dialog re-INVITE on an already-bridged call:
// hold/resume, where a leg re-offers with a=sendonly or c=IN IP4 0.0.0.0
// to request hold, and a later sendrecv re-INVITE to resume. Answers
// directly via tx.Respond rather than routing back through the dialog
// manager's initial-INVITE session setup.
func (m *Manager) handleReInvite(call *Call, req *sip.Request, tx sip.ServerTransaction) {
	if call.Relay == nil {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	callID := ""
	if c := req.CallID(); c != nil {
		callID = c.String()
	}
	legID := call.relayLegForCallID(callID)
	if legID == "" {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil))
		return
	}

	hold := offer.OnHold || offer.Direction == sdp.SendOnly || offer.Direction == sdp.Inactive
	call.Relay.SetHold(legID, hold)

	ans, err := sdp.Negotiate(offer, m.localPrefs, mirrorDirection(offer.Direction))
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil))
		return
	}

	port := call.relayPortA
	if call.LegB != nil && legID == call.LegB.RelayLegID {
		port = call.relayPortB
	}
	answerBody, err := sdp.BuildAnswer(m.cfg.AdvertiseAddr, port, ans)
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(500), "Server Internal Error", nil))
		return
	}

	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answerBody)
	ct := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&ct)
	if err := tx.Respond(ok); err != nil {
		slog.Warn("[B2BUA] failed to answer re-INVITE", "call_id", call.ID, "error", err)
	}
}

// mirrorDirection answers a hold/resume re-INVITE with the receiving side
// of the requested direction: a sendonly offer (the holder will only send)
// is answered recvonly (the far end may only receive), and so on.
func mirrorDirection(d sdp.Direction) sdp.Direction {
	switch d {
	case sdp.SendOnly:
		return sdp.RecvOnly
	case sdp.RecvOnly:
		return sdp.SendOnly
	case sdp.Inactive:
		return sdp.Inactive
	default:
		return sdp.SendRecv
	}
}

// dispatch runs the matched dialplan action to completion in its own
// goroutine, isolated by recover so a panic mid-call never takes down the
// SIP request-handling goroutine pool, applying per-call fault isolation
// at the action level.
func (m *Manager) dispatch(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[B2BUA] panic handling call", "call_id", call.ID, "panic", r)
			m.reject(call.LegA, tx, req, sip.StatusCode(500), "Server Internal Error", CauseCallRejected)
		}
	}()

	var err error
	switch route.Action {
	case dialplan.ActionExtension:
		err = m.dialExtension(call, route, req, tx)
	case dialplan.ActionHunt:
		err = m.dialHunt(call, route, req, tx)
	case dialplan.ActionParallel:
		err = m.dialParallel(call, route, req, tx)
	case dialplan.ActionIVR:
		err = m.enterIVR(call, route, req, tx)
	case dialplan.ActionConference:
		err = m.enterConference(call, route, req, tx)
	case dialplan.ActionFail:
		err = m.failCall(call, route, req, tx)
	default:
		err = fmt.Errorf("unknown action %q", route.Action)
	}

	if err != nil {
		slog.Warn("[B2BUA] call failed", "call_id", call.ID, "action", route.Action, "error", err)
	}
}

// reject sends a final failure response for the near leg and tears down
// whatever state was created for the call so far.
func (m *Manager) reject(legA *dialog.Dialog, tx sip.ServerTransaction, req *sip.Request, status sip.StatusCode, reason string, cause TerminationCause) {
	tx.Respond(sip.NewResponseFromRequest(req, status, reason, nil))
	if legA != nil {
		legA.Cancel()
	}
	if call, ok := m.callByCallID(req.CallID().String()); ok {
		call.TerminationCause = cause
		call.TransitionTo(CallTerminating)
		call.TransitionTo(CallTerminated)
		m.emitCDR(call, cdr.DispositionFailed, reason)
		m.dropCall(call)
	}
}

func (m *Manager) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := m.dialogMgr.ConfirmWithACK(req, tx); err != nil {
		slog.Debug("[B2BUA] ACK handling", "error", err)
	}
}

func (m *Manager) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := m.dialogMgr.HandleIncomingBYE(req, tx); err != nil {
		slog.Debug("[B2BUA] BYE handling", "error", err)
	}
}

func (m *Manager) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if err := m.dialogMgr.HandleIncomingCANCEL(req, tx); err != nil {
		slog.Debug("[B2BUA] CANCEL handling", "error", err)
	}
}

// handleInfo implements the SIP INFO DTMF transport: a mid-call INFO
// carrying application/dtmf or application/dtmf-relay is one of the DTMF
// router's three sources. Any INFO that isn't a recognized DTMF body
// (keep-alive INFO some phones send) is still answered 200 OK; only the
// digit routing is conditional on the body parsing.
func (m *Manager) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if c := req.CallID(); c != nil {
		callID = c.String()
	}
	call, ok := m.callByCallID(callID)
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	legID := call.relayLegForCallID(callID)
	if legID != "" && call.DTMF != nil {
		contentType := ""
		if h := req.GetHeader("Content-Type"); h != nil {
			contentType = h.Value()
		}
		if err := call.DTMF.HandleSIPInfo(legID, contentType, req.Body()); err != nil {
			slog.Debug("[B2BUA] INFO not a recognized DTMF body", "call_id", call.ID, "error", err)
		}
	}

	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// onDialogTerminated runs whenever either leg's dialog reaches
// StateTerminated (remote BYE, CANCEL, or local timeout), tearing down the
// sibling leg, relay session, and IVR for the whole call.
func (m *Manager) onDialogTerminated(d *dialog.Dialog) {
	call, ok := m.callByCallID(d.CallID)
	if !ok {
		return
	}
	m.teardown(call, causeFor(d), d)
}

func causeFor(d *dialog.Dialog) TerminationCause {
	switch d.TerminateReason {
	case dialog.ReasonCancel:
		return CauseCancelled
	case dialog.ReasonTimeout:
		return CauseNoAnswer
	default:
		return CauseNormalClearing
	}
}

// teardown ends a call once: stops any running IVR, closes the relay
// session, releases its ports, BYEs whichever dialog is still up, writes
// the CDR, and removes the call from the live index. Safe to call more
// than once; only the first call has effect.
func (m *Manager) teardown(call *Call, cause TerminationCause, terminatedLeg *dialog.Dialog) {
	if call.GetState() == CallTerminated {
		return
	}
	call.StopIVR()
	call.TerminationCause = cause
	call.TransitionTo(CallTerminating)

	for _, leg := range []*dialog.Dialog{call.LegA, call.LegB} {
		if leg == nil || leg == terminatedLeg || leg.IsTerminated() {
			continue
		}
		if err := m.dialogMgr.Terminate(leg.CallID, dialog.ReasonLocalBYE); err != nil {
			slog.Debug("[B2BUA] teardown BYE failed", "call_id", call.ID, "leg", leg.CallID, "error", err)
		}
	}
	for _, sibling := range call.Siblings(nil) {
		m.dialogMgr.Terminate(sibling.CallID, dialog.ReasonCancel)
	}

	if call.Relay != nil {
		call.Relay.Close()
		m.relayMgr.Destroy(call.ID)
		m.ports.Release(call.relayPortA)
		m.ports.Release(call.relayPortB)
	}

	call.TransitionTo(CallTerminated)
	disposition := cdr.DispositionAnswered
	if call.AnsweredAt.IsZero() {
		disposition = dispositionForCause(cause)
	}
	m.emitCDR(call, disposition, string(cause))
	m.emitEvent(events.TypeCallEnded, call, map[string]any{"cause": string(cause), "disposition": string(disposition)})
	m.calls.Terminate(call.ID)
	m.dropCall(call)
}

func dispositionForCause(cause TerminationCause) cdr.Disposition {
	switch cause {
	case CauseBusy:
		return cdr.DispositionBusy
	case CauseCancelled:
		return cdr.DispositionCancelled
	case CauseNoAnswer:
		return cdr.DispositionNoAnswer
	default:
		return cdr.DispositionFailed
	}
}

func (m *Manager) emitCDR(call *Call, disposition cdr.Disposition, hangupCause string) {
	if m.cdrSink == nil {
		return
	}
	rec := cdr.Record{
		CallID:        call.ID,
		ALegAOR:       call.ALegAOR,
		BLegAOR:       call.BLegAOR,
		CallerID:      call.CallerID,
		Disposition:   disposition,
		StartedAt:     call.CreatedAt,
		EndedAt:       time.Now(),
		HangupCause:   hangupCause,
		Codec:         call.Codec.Name,
		RecordingPath: call.RecordingPath(),
	}
	if !call.AnsweredAt.IsZero() {
		t := call.AnsweredAt
		rec.AnsweredAt = &t
		rec.DurationMillis = time.Since(t).Milliseconds()
	}
	if call.Relay != nil {
		statsA, statsB := call.Relay.GetStats()
		rec.PacketsLostA = statsA.LostPackets
		rec.PacketsLostB = statsB.LostPackets
	}
	m.cdrSink.Append(rec)
}

// requestUser extracts the user part of the request URI, the digit
// string the dialplan matches against.
func requestUser(req *sip.Request) string {
	return req.Recipient.User
}

func callerID(req *sip.Request) string {
	if from := req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

// allocateRelay negotiates SDP against the near leg's offer and creates a
// relay session spanning both legs, returning the SDP answer body to send
// the near leg and the SDP offer to send whichever far leg(s) the dialplan
// action dials. The far leg's LegConfig has no remote endpoint set yet; it
// is filled in via relay.Session.SetRemote once a far leg's own answer
// arrives (dialExtension/dialHunt/dialParallel do this after PlaceOutbound
// returns).
func (m *Manager) allocateRelay(call *Call, offerBody []byte) (answerBody, farOffer []byte, err error) {
	offer, err := sdp.Parse(offerBody)
	if err != nil {
		return nil, nil, fmt.Errorf("parse offer: %w", err)
	}
	ans, err := sdp.Negotiate(offer, m.localPrefs, sdp.SendRecv)
	if err != nil {
		return nil, nil, err
	}

	rtpPortA, _, err := m.ports.Allocate()
	if err != nil {
		return nil, nil, fmt.Errorf("allocate leg A port: %w", err)
	}
	rtpPortB, _, err := m.ports.Allocate()
	if err != nil {
		m.ports.Release(rtpPortA)
		return nil, nil, fmt.Errorf("allocate leg B port: %w", err)
	}
	call.relayPortA = rtpPortA
	call.relayPortB = rtpPortB

	dtmfPT := -1
	if ans.HasTelephone {
		dtmfPT = int(ans.TelephoneType)
	}

	legAID := "leg-a-" + call.ID
	legBID := "leg-b-" + call.ID
	router := dtmf.NewRouter(m.makeDigitHandler(call))
	call.DTMF = router

	cfgA := relay.LegConfig{
		ID: legAID, LocalAddr: m.cfg.RTPBindAddr, LocalPort: rtpPortA,
		RemoteAddr: offer.ConnAddr, RemotePort: offer.Port,
		Codec: ans.Codec, DTMFPT: dtmfPT, Observer: router,
	}
	cfgB := relay.LegConfig{
		ID: legBID, LocalAddr: m.cfg.RTPBindAddr, LocalPort: rtpPortB,
		Codec: ans.Codec, DTMFPT: dtmfPT, Observer: router,
	}

	sess, err := m.relayMgr.Create(call.ID, cfgA, cfgB)
	if err != nil {
		m.ports.Release(rtpPortA)
		m.ports.Release(rtpPortB)
		return nil, nil, fmt.Errorf("create relay: %w", err)
	}
	call.Relay = sess
	call.Codec = ans.Codec
	if call.LegA != nil {
		call.LegA.SetMediaEndpoint(legAID, offer.ConnAddr, offer.Port, ans.Codec.Name)
	}

	answerBody, err = sdp.BuildAnswer(m.cfg.AdvertiseAddr, rtpPortA, ans)
	if err != nil {
		return nil, nil, err
	}

	telephonePT := uint8(codec.TelephoneEvent.PayloadType)
	if dtmfPT >= 0 {
		telephonePT = uint8(dtmfPT)
	}
	farOffer, err = sdp.BuildOffer(m.cfg.AdvertiseAddr, rtpPortB, []codec.Codec{ans.Codec}, telephonePT)
	if err != nil {
		return nil, nil, err
	}
	return answerBody, farOffer, nil
}

// allocateRelayNoFar is allocateRelay's counterpart for dialplan actions
// that answer the near leg locally and never dial a far leg (§4.7's "ivr"
// action: voicemail and auto-attendant graphs). It still creates a
// two-socket relay.Session, since Session always relays between two legs,
// but leg B is a phantom endpoint that never has a remote address set, so
// the forward loop silently drops anything that arrives on it; only leg A
// is ever used, for IVR prompt injection and recording.
func (m *Manager) allocateRelayNoFar(call *Call, offerBody []byte) (answerBody, farOffer []byte, err error) {
	offer, err := sdp.Parse(offerBody)
	if err != nil {
		return nil, nil, fmt.Errorf("parse offer: %w", err)
	}
	ans, err := sdp.Negotiate(offer, m.localPrefs, sdp.SendRecv)
	if err != nil {
		return nil, nil, err
	}

	rtpPortA, _, err := m.ports.Allocate()
	if err != nil {
		return nil, nil, fmt.Errorf("allocate leg A port: %w", err)
	}
	rtpPortB, _, err := m.ports.Allocate()
	if err != nil {
		m.ports.Release(rtpPortA)
		return nil, nil, fmt.Errorf("allocate leg B port: %w", err)
	}
	call.relayPortA = rtpPortA
	call.relayPortB = rtpPortB

	dtmfPT := -1
	if ans.HasTelephone {
		dtmfPT = int(ans.TelephoneType)
	}

	legAID := "leg-a-" + call.ID
	legBID := "leg-b-" + call.ID
	router := dtmf.NewRouter(m.makeDigitHandler(call))
	call.DTMF = router

	cfgA := relay.LegConfig{
		ID: legAID, LocalAddr: m.cfg.RTPBindAddr, LocalPort: rtpPortA,
		RemoteAddr: offer.ConnAddr, RemotePort: offer.Port,
		Codec: ans.Codec, DTMFPT: dtmfPT, Observer: router,
	}
	cfgB := relay.LegConfig{
		ID: legBID, LocalAddr: m.cfg.RTPBindAddr, LocalPort: rtpPortB,
		Codec: ans.Codec, DTMFPT: dtmfPT, Observer: router,
	}

	sess, err := m.relayMgr.Create(call.ID, cfgA, cfgB)
	if err != nil {
		m.ports.Release(rtpPortA)
		m.ports.Release(rtpPortB)
		return nil, nil, fmt.Errorf("create relay: %w", err)
	}
	call.Relay = sess
	call.Codec = ans.Codec
	if call.LegA != nil {
		call.LegA.SetMediaEndpoint(legAID, offer.ConnAddr, offer.Port, ans.Codec.Name)
	}

	answerBody, err = sdp.BuildAnswer(m.cfg.AdvertiseAddr, rtpPortA, ans)
	if err != nil {
		return nil, nil, err
	}
	return answerBody, nil, nil
}

// makeDigitHandler builds the dtmf.Router callback for call: by default it
// cross-injects a digit detected on one leg onto the other (cross-transport
// relay), unless an IVR has claimed the digits via Call.SetDigitSink
// (internal/ivr's executor reads from its own channel instead, fed by
// enterIVR).
func (m *Manager) makeDigitHandler(call *Call) func(legID string, sig dtmf.Signal) {
	return func(legID string, sig dtmf.Signal) {
		call.mu.RLock()
		forward := call.digitSink
		call.mu.RUnlock()
		if forward != nil {
			select {
			case forward <- sig.Digit:
			default:
				slog.Warn("[B2BUA] dropped digit, IVR channel full", "call_id", call.ID, "digit", string(sig.Digit))
			}
			return
		}

		other := call.otherLeg(legID)
		if other == "" || call.Relay == nil {
			return
		}
		if err := call.Relay.InjectDigit(other, sig.Digit, codec.DefaultToneVolume, codec.DefaultToneDuration); err != nil {
			slog.Debug("[B2BUA] digit cross-injection failed", "call_id", call.ID, "error", err)
		}
	}
}

// mailboxFor opens the mailbox for extension under the configured
// mailbox root, used by enterIVR's voicemail graphs.
func (m *Manager) mailboxFor(extension string) (*mailbox.Box, error) {
	return mailbox.Open(m.cfg.MailboxDir, extension)
}

// RelaySession exposes the live relay session for a bridged call, used by
// internal/control's media-inspector QoS reporting.
func (m *Manager) RelaySession(callID string) (*relay.Session, bool) {
	return m.relayMgr.Get(callID)
}

// callTableEntry projects a bridged Call into the lightweight record
// internal/calltable indexes by Call-ID hash shard.
func callTableEntry(call *Call) *calltable.Call {
	entry := &calltable.Call{
		ID:        call.ID,
		State:     calltable.CallStateBridged,
		StartedAt: call.CreatedAt,
	}
	if call.LegA != nil {
		entry.ALegCID = call.LegA.CallID
	}
	if call.LegB != nil {
		entry.BLegCID = call.LegB.CallID
	}
	if call.Relay != nil {
		entry.RelayID = call.Relay.ID
	}
	if !call.AnsweredAt.IsZero() {
		entry.Answered = call.AnsweredAt
	}
	return entry
}
