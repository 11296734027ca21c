package b2bua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/switchboard/internal/events"
	"github.com/sebas/switchboard/internal/media/codec"
	"github.com/sebas/switchboard/internal/media/sdp"
	"github.com/sebas/switchboard/internal/sip/dialog"
)

const referNotifyContentType = "message/sipfrag;version=2.0"

// handleRefer implements blind transfer: on REFER from one leg of an
// active bridged call, dial a new leg C toward the Refer-To target, and
// once C answers, repoint the other leg's relay endpoint to C and BYE the
// leg that was replaced. A Replaces component in Refer-To is discarded by
// parseReferTo, so an attended transfer is carried out as a blind one.
func (m *Manager) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if c := req.CallID(); c != nil {
		callID = c.String()
	}
	call, ok := m.callByCallID(callID)
	if !ok {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if call.GetState() != CallActive {
		tx.Respond(sip.NewResponseFromRequest(req, 603, "Decline", nil))
		return
	}

	referToHdr := req.GetHeader("Refer-To")
	if referToHdr == nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}
	target, err := parseReferTo(referToHdr.Value())
	if err != nil {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}

	initiator, transferee := call.legsForCallID(callID)
	if initiator == nil || transferee == nil || call.Relay == nil {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	// 202 Accepted: the REFER itself succeeds immediately; progress is
	// reported asynchronously via NOTIFY, per RFC 3515 §2.4.2.
	accepted := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	tx.Respond(accepted)

	go m.completeTransfer(call, initiator, transferee, target)
}

// completeTransfer dials the transfer target and, on success, swaps it in
// for transferee; it always resolves by sending exactly one terminal
// NOTIFY back to initiator, per RFC 3515's implicit subscription.
func (m *Manager) completeTransfer(call *Call, initiator, transferee *dialog.Dialog, target string) {
	transfereePort := call.relayPortB
	if transferee == call.LegA {
		transfereePort = call.relayPortA
	}
	telephonePT := uint8(codec.TelephoneEvent.PayloadType)
	farOffer, err := sdp.BuildOffer(m.cfg.AdvertiseAddr, transfereePort, []codec.Codec{call.Codec}, telephonePT)
	if err != nil {
		m.notifyReferFailed(call, initiator, fmt.Errorf("build transfer offer: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	newLeg, err := m.placeLegCtx(ctx, call, target, farOffer)
	if err != nil {
		m.notifyReferFailed(call, initiator, err)
		return
	}

	ans, err := sdp.Parse(newLeg.InviteResponse.Body())
	if err != nil {
		m.dialogMgr.Terminate(newLeg.CallID, dialog.ReasonLocalBYE)
		m.notifyReferFailed(call, initiator, err)
		return
	}

	relayLegID := transferee.RelayLegID
	call.Relay.SetRemote(relayLegID, ans.ConnAddr, ans.Port)
	newLeg.SetMediaEndpoint(relayLegID, ans.ConnAddr, ans.Port, call.Codec.Name)

	replacedCallID := transferee.CallID
	call.replaceLeg(transferee, newLeg)
	m.putCall(call)
	m.dropCallIDMapping(replacedCallID)
	m.emitEvent(events.TypeCallAnswered, call, map[string]any{"transferred_to": target})

	if err := m.dialogMgr.Terminate(replacedCallID, dialog.ReasonLocalBYE); err != nil {
		slog.Debug("[B2BUA] transfer: BYE to replaced leg failed", "call_id", call.ID, "error", err)
	}

	if err := m.dialogMgr.SendNotify(initiator, "refer", "terminated", referNotifyContentType, []byte("SIP/2.0 200 OK\r\n")); err != nil {
		slog.Debug("[B2BUA] transfer NOTIFY failed", "call_id", call.ID, "error", err)
	}
}

func (m *Manager) notifyReferFailed(call *Call, initiator *dialog.Dialog, cause error) {
	slog.Warn("[B2BUA] transfer failed", "call_id", call.ID, "error", cause)
	body := []byte("SIP/2.0 487 Request Terminated\r\n")
	if err := m.dialogMgr.SendNotify(initiator, "refer", "terminated", referNotifyContentType, body); err != nil {
		slog.Debug("[B2BUA] transfer failure NOTIFY failed", "call_id", call.ID, "error", err)
	}
}

// legsForCallID returns (initiator, transferee): the leg whose dialog
// matches callID (the one that sent REFER) and the call's other leg (the
// one the transfer repoints).
func (c *Call) legsForCallID(callID string) (initiator, transferee *dialog.Dialog) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.LegA != nil && c.LegA.CallID == callID:
		return c.LegA, c.LegB
	case c.LegB != nil && c.LegB.CallID == callID:
		return c.LegB, c.LegA
	}
	return nil, nil
}

// replaceLeg swaps newLeg in for whichever of LegA/LegB was old, updating
// the AOR bookkeeping CDR emission reads.
func (c *Call) replaceLeg(old, newLeg *dialog.Dialog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	aor := ""
	if from := newLeg.InviteRequest.To(); from != nil {
		aor = from.Address.User
	}
	switch old {
	case c.LegA:
		c.LegA = newLeg
		c.ALegAOR = aor
	case c.LegB:
		c.LegB = newLeg
		c.BLegAOR = aor
	}
}

// parseReferTo extracts a dialable URI from a Refer-To header value,
// stripping the RFC 3261 name-addr angle brackets and any URI headers
// (e.g. ?Replaces=...) attended-transfer consultation would carry — this
// core treats every transfer as blind, per DESIGN.md's documented
// simplification, so a Replaces component is dropped rather than acted on.
func parseReferTo(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if idx := strings.IndexByte(s, '<'); idx >= 0 {
		if end := strings.IndexByte(s[idx:], '>'); end >= 0 {
			s = s[idx+1 : idx+end]
		}
	}
	if idx := strings.IndexByte(s, '?'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty Refer-To target")
	}
	return s, nil
}
