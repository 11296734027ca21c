package b2bua

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/switchboard/internal/dialplan"
	"github.com/sebas/switchboard/internal/events"
	"github.com/sebas/switchboard/internal/ivr"
	"github.com/sebas/switchboard/internal/media/sdp"
	"github.com/sebas/switchboard/internal/sip/dialog"
)

const defaultDialTimeout = 30 * time.Second

// dialExtension implements the "extension" dialplan action: ring one AOR
// and bridge on answer. Grounded on
// services/signaling/b2bua/originator.go's single-target dial flow.
func (m *Manager) dialExtension(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) error {
	var params dialplan.ExtensionParams
	if err := json.Unmarshal(route.Params, &params); err != nil {
		return m.fail(call, req, tx, sip.StatusCode(500), "Server Internal Error", fmt.Errorf("decode params: %w", err))
	}
	timeout := secondsOr(params.Timeout, defaultDialTimeout)

	answerBody, farOffer, err := m.allocateRelay(call, req.Body())
	if err != nil {
		return m.fail(call, req, tx, sip.StatusCode(488), "Not Acceptable Here", err)
	}

	leg, err := m.placeLeg(call, params.Target, farOffer, timeout)
	if err != nil {
		return m.failPlacement(call, req, tx, err)
	}

	return m.bridgeAnswered(call, leg, answerBody)
}

// dialHunt implements sequential ring: try each target in order, moving to
// the next on timeout or rejection.
func (m *Manager) dialHunt(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) error {
	var params dialplan.HuntParams
	if err := json.Unmarshal(route.Params, &params); err != nil {
		return m.fail(call, req, tx, sip.StatusCode(500), "Server Internal Error", fmt.Errorf("decode params: %w", err))
	}
	timeout := secondsOr(params.Timeout, defaultDialTimeout)

	answerBody, farOffer, err := m.allocateRelay(call, req.Body())
	if err != nil {
		return m.fail(call, req, tx, sip.StatusCode(488), "Not Acceptable Here", err)
	}

	var lastErr error
	for _, target := range params.Targets {
		leg, err := m.placeLeg(call, target, farOffer, timeout)
		if err != nil {
			lastErr = err
			slog.Debug("[B2BUA] hunt target failed, trying next", "call_id", call.ID, "target", target, "error", err)
			continue
		}
		return m.bridgeAnswered(call, leg, answerBody)
	}
	return m.failPlacement(call, req, tx, lastErr)
}

// dialParallel implements simultaneous ring: place every target at once,
// bridge whichever answers first, and CANCEL the rest.
func (m *Manager) dialParallel(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) error {
	var params dialplan.ParallelParams
	if err := json.Unmarshal(route.Params, &params); err != nil {
		return m.fail(call, req, tx, sip.StatusCode(500), "Server Internal Error", fmt.Errorf("decode params: %w", err))
	}
	timeout := secondsOr(params.Timeout, defaultDialTimeout)

	answerBody, farOffer, err := m.allocateRelay(call, req.Body())
	if err != nil {
		return m.fail(call, req, tx, sip.StatusCode(488), "Not Acceptable Here", err)
	}

	type result struct {
		leg *dialog.Dialog
		err error
	}
	results := make(chan result, len(params.Targets))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, target := range params.Targets {
		go func(target string) {
			leg, err := m.placeLegCtx(ctx, call, target, farOffer)
			results <- result{leg, err}
		}(target)
	}

	var winner *dialog.Dialog
	var lastErr error
	for i := 0; i < len(params.Targets); i++ {
		r := <-results
		if r.err != nil {
			lastErr = r.err
			continue
		}
		if winner == nil {
			winner = r.leg
			cancel() // stop any still-ringing siblings
		} else {
			call.AddSibling(r.leg)
		}
	}

	if winner == nil {
		return m.failPlacement(call, req, tx, lastErr)
	}
	for _, sibling := range call.Siblings(winner) {
		m.dialogMgr.Terminate(sibling.CallID, dialog.ReasonCancel)
	}
	return m.bridgeAnswered(call, winner, answerBody)
}

// failCall implements the "fail" dialplan action: reject outright with a
// configured SIP status.
func (m *Manager) failCall(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) error {
	var params dialplan.FailParams
	if err := json.Unmarshal(route.Params, &params); err != nil {
		params = dialplan.FailParams{Status: 503, Reason: "Service Unavailable"}
	}
	if params.Status == 0 {
		params.Status = 503
	}
	m.reject(call.LegA, tx, req, sip.StatusCode(params.Status), params.Reason, CauseCallRejected)
	return nil
}

// enterConference bridges the caller to the configured room's single
// fixed member, treated as an ordinary two-party relayed call. No audio
// mixing is performed, so a room never joins more than these two parties.
func (m *Manager) enterConference(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) error {
	var params dialplan.ConferenceParams
	if err := json.Unmarshal(route.Params, &params); err != nil {
		return m.fail(call, req, tx, sip.StatusCode(500), "Server Internal Error", fmt.Errorf("decode params: %w", err))
	}
	ext := dialplan.ExtensionParams{Target: params.Room, Timeout: int(defaultDialTimeout / time.Second)}
	encoded, _ := json.Marshal(ext)
	return m.dialExtension(call, &dialplan.Route{ID: route.ID, Params: encoded}, req, tx)
}

// enterIVR implements the "ivr" dialplan action: answer the near leg
// locally (no far leg is ever dialed) and run the named IVR graph against
// it.
func (m *Manager) enterIVR(call *Call, route *dialplan.Route, req *sip.Request, tx sip.ServerTransaction) error {
	var params dialplan.IVRParams
	if err := json.Unmarshal(route.Params, &params); err != nil {
		return m.fail(call, req, tx, sip.StatusCode(500), "Server Internal Error", fmt.Errorf("decode params: %w", err))
	}

	answerBody, _, err := m.allocateRelayNoFar(call, req.Body())
	if err != nil {
		return m.fail(call, req, tx, sip.StatusCode(488), "Not Acceptable Here", err)
	}
	if err := m.dialogMgr.SendOK(call.LegA, answerBody); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	call.TransitionTo(CallAnswered)
	call.TransitionTo(CallActive)

	graph, rc, err := m.buildIVRGraph(call, params)
	if err != nil {
		return err
	}

	digits := make(chan rune, 16)
	call.SetDigitSink(digits)
	ctx, cancel := context.WithCancel(context.Background())
	call.SetIVRCancel(cancel)
	defer call.SetDigitSink(nil)

	exec := &ivr.Executor{Graph: graph, RC: rc, Digits: digits, Codec: call.Codec}
	if runErr := exec.Run(ctx); runErr != nil && ctx.Err() == nil {
		slog.Warn("[B2BUA] IVR run ended with error", "call_id", call.ID, "graph", graph.Name, "error", runErr)
	}

	m.teardown(call, CauseNormalClearing, nil)
	return nil
}

// buildIVRGraph resolves an IVRParams.Graph name to a constructed Graph
// and RunContext, currently supporting "voicemail-deposit" and
// "voicemail-check" (auto-attendant graphs are built directly by callers
// that need transfer wiring, not looked up by name here).
func (m *Manager) buildIVRGraph(call *Call, params dialplan.IVRParams) (*ivr.Graph, *ivr.RunContext, error) {
	rc := &ivr.RunContext{
		Relay:     call.Relay,
		LegID:     "leg-a-" + call.ID,
		PromptDir: m.cfg.PromptDir,
		CallerID:  call.CallerID,
		Vars:      make(map[string]interface{}),
	}

	switch params.Graph {
	case "voicemail-check":
		box, err := m.mailboxFor(params.Extension)
		if err != nil {
			return nil, nil, fmt.Errorf("open mailbox: %w", err)
		}
		rc.Box = box
		ext, err := m.ext.Get(params.Extension)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup extension: %w", err)
		}
		return ivr.CheckGraph(ext), rc, nil
	case "voicemail-deposit", "":
		box, err := m.mailboxFor(params.Extension)
		if err != nil {
			return nil, nil, fmt.Errorf("open mailbox: %w", err)
		}
		rc.Box = box
		return ivr.DepositGraph(), rc, nil
	default:
		return nil, nil, fmt.Errorf("unknown ivr graph %q", params.Graph)
	}
}

// placeLeg places an outbound call to target within timeout, forwarding
// ringback to the near leg via the onRinging callback.
func (m *Manager) placeLeg(call *Call, target string, farOffer []byte, timeout time.Duration) (*dialog.Dialog, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.placeLegCtx(ctx, call, target, farOffer)
}

func (m *Manager) placeLegCtx(ctx context.Context, call *Call, target string, farOffer []byte) (*dialog.Dialog, error) {
	recipient, err := m.resolveTarget(target)
	if err != nil {
		return nil, err
	}

	onRinging := func(provisional *sip.Response) {
		if call.LegA == nil || call.LegA.Transaction == nil {
			return
		}
		if provisional.StatusCode == 180 {
			call.LegA.Transaction.Respond(sip.NewResponseFromRequest(call.LegA.InviteRequest, 180, "Ringing", nil))
			if call.TransitionTo(CallRinging) {
				m.emitEvent(events.TypeCallRinging, call, nil)
			}
		}
	}

	leg, err := m.dialogMgr.PlaceOutbound(ctx, recipient, farOffer, onRinging)
	if err != nil {
		return nil, err
	}
	return leg, nil
}

// bridgeAnswered finishes a successful dial: wires the far leg's negotiated
// remote media into the relay, answers the near leg, and marks the call
// active.
func (m *Manager) bridgeAnswered(call *Call, leg *dialog.Dialog, answerBody []byte) error {
	call.LegB = leg
	call.BLegAOR = leg.InviteRequest.Recipient.User
	m.putCall(call)

	if leg.InviteResponse != nil {
		if ans, err := sdp.Parse(leg.InviteResponse.Body()); err == nil {
			legBID := "leg-b-" + call.ID
			call.Relay.SetRemote(legBID, ans.ConnAddr, ans.Port)
			leg.SetMediaEndpoint(legBID, ans.ConnAddr, ans.Port, call.Codec.Name)
		}
	}

	if err := m.dialogMgr.SendOK(call.LegA, answerBody); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	call.TransitionTo(CallAnswered)
	call.TransitionTo(CallActive)
	m.calls.Put(callTableEntry(call))
	m.emitEvent(events.TypeCallAnswered, call, map[string]any{"to": call.BLegAOR})
	return nil
}

// fail rejects req with status and tears down any state created so far,
// returning a wrapped error for logging.
func (m *Manager) fail(call *Call, req *sip.Request, tx sip.ServerTransaction, status sip.StatusCode, reason string, cause error) error {
	m.reject(call.LegA, tx, req, status, reason, CauseCallRejected)
	return cause
}

// failPlacement maps a PlaceOutbound error to the appropriate SIP failure
// status for the near leg.
func (m *Manager) failPlacement(call *Call, req *sip.Request, tx sip.ServerTransaction, err error) error {
	status := sip.StatusCode(503)
	reason := "Service Unavailable"
	cause := CauseNoAnswer
	if err == context.DeadlineExceeded || err == context.Canceled {
		status, reason = 408, "Request Timeout"
	}
	m.reject(call.LegA, tx, req, status, reason, cause)
	if err == nil {
		return fmt.Errorf("no target answered")
	}
	return err
}

func (m *Manager) resolveTarget(target string) (sip.Uri, error) {
	if b, ok := m.reg.Lookup(target); ok {
		var uri sip.Uri
		if err := sip.ParseUri(b.EffectiveContact(), &uri); err == nil {
			return uri, nil
		}
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err == nil {
		return uri, nil
	}
	return sip.Uri{Scheme: "sip", User: target, Host: m.cfg.AdvertiseAddr, Port: m.cfg.SIPPort}, nil
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
