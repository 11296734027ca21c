package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/switchboard/internal/store"
)

// Dialog TTL constants, adapted from services/signaling/dialog/manager.go.
const (
	ActiveDialogTTL     = 4 * time.Hour
	TerminatedDialogTTL = 32 * time.Second // RFC 3261 Timer B, covers BYE/ACK retransmissions
	CleanupInterval     = 10 * time.Second
)

// Manager is the registry of all dialogs the B2BUA is tracking, keyed by
// Call-ID. Each bridged call has two Dialogs in this registry (one per
// leg), correlated by the B2BUA's call table rather than by this Manager.
type Manager struct {
	mu sync.RWMutex

	dialogs *store.TTLStore[string, *Dialog]

	sipClient *sipgo.Client
	dialogUA  *sipgo.DialogUA

	ackTimeout time.Duration

	onTerminated func(d *Dialog)
}

// NewManager creates a dialog manager bound to the given sipgo client and
// dialog UA (used to send BYE/re-INVITE and to confirm inbound dialogs).
func NewManager(client *sipgo.Client, dialogUA *sipgo.DialogUA) *Manager {
	m := &Manager{
		dialogs:    store.NewTTLStore[string, *Dialog](CleanupInterval),
		sipClient:  client,
		dialogUA:   dialogUA,
		ackTimeout: 32 * time.Second,
	}
	m.dialogs.SetOnEvict(func(callID string, d *Dialog) {
		slog.Debug("[Dialog] evicted from registry", "call_id", callID, "state", d.GetState())
	})
	return m
}

// SetOnTerminated registers a callback invoked whenever a dialog reaches
// StateTerminated, used by the B2BUA to tear down the other leg and the
// relay session.
func (m *Manager) SetOnTerminated(fn func(d *Dialog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// CreateFromInvite registers the near-leg dialog for an incoming INVITE.
func (m *Manager) CreateFromInvite(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}

	if existing, exists := m.dialogs.Get(callID); exists && existing.GetState() != StateTerminated {
		slog.Warn("[Dialog] duplicate INVITE received", "call_id", callID, "state", existing.GetState())
		return existing, nil
	}

	dlg := NewFromInvite(req, tx)
	m.dialogs.Set(callID, dlg, ActiveDialogTTL)
	slog.Info("[Dialog] created", "call_id", callID)
	return dlg, nil
}

// RegisterOutbound registers a far-leg dialog the B2BUA placed itself,
// under a distinct key so both legs of one bridged call can be tracked
// without colliding (the far leg's Call-ID is generated fresh per call).
func (m *Manager) RegisterOutbound(d *Dialog) {
	m.dialogs.Set(d.CallID, d, ActiveDialogTTL)
}

func (m *Manager) SendTrying(d *Dialog) error {
	trying := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTrying, "Trying", nil)
	if err := d.Transaction.Respond(trying); err != nil {
		return fmt.Errorf("send 100 Trying: %w", err)
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		slog.Warn("[Dialog] state transition failed", "call_id", d.CallID, "error", err)
	}
	return nil
}

func (m *Manager) SendProgress(d *Dialog, sdpBody []byte) error {
	progress := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusCode(183), "Session Progress", sdpBody)
	ct := sip.ContentTypeHeader("application/sdp")
	progress.AppendHeader(&ct)
	if err := d.Transaction.Respond(progress); err != nil {
		return fmt.Errorf("send 183 Session Progress: %w", err)
	}
	return nil
}

// SendOK sends 200 OK with SDP for the near leg and creates the sipgo
// dialog session that will track ACK/BYE for it.
func (m *Manager) SendOK(d *Dialog, sdpBody []byte) error {
	session, err := m.dialogUA.ReadInvite(d.InviteRequest, d.Transaction)
	if err != nil {
		return fmt.Errorf("create dialog session: %w", err)
	}
	d.SetSession(session)

	if err := session.RespondSDP(sdpBody); err != nil {
		session.Close()
		return fmt.Errorf("send 200 OK: %w", err)
	}
	d.SetInviteResponse(session.InviteResponse)

	if err := d.TransitionTo(StateWaitingACK); err != nil {
		slog.Warn("[Dialog] state transition failed", "call_id", d.CallID, "error", err)
	}

	go m.watchACKTimeout(d)
	return nil
}

func (m *Manager) ConfirmWithACK(req *sip.Request, tx sip.ServerTransaction) error {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	d, exists := m.Get(callID)
	if !exists {
		return fmt.Errorf("dialog not found for ACK: %s", callID)
	}

	state := d.GetState()
	if state != StateWaitingACK {
		if state == StateConfirmed {
			return nil // retransmission
		}
		return fmt.Errorf("unexpected state for ACK: %s", state)
	}

	if d.Session != nil {
		if err := d.Session.ReadAck(req, tx); err != nil {
			slog.Warn("[Dialog] failed to read ACK", "call_id", callID, "error", err)
		}
	}
	if err := d.TransitionTo(StateConfirmed); err != nil {
		return fmt.Errorf("transition to Confirmed: %w", err)
	}
	slog.Info("[Dialog] confirmed", "call_id", callID)
	return nil
}

func (m *Manager) HandleIncomingBYE(req *sip.Request, tx sip.ServerTransaction) error {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	d, exists := m.Get(callID)
	if !exists {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("dialog not found for BYE: %s", callID)
	}

	if d.Session != nil {
		if err := d.Session.ReadBye(req, tx); err != nil {
			slog.Warn("[Dialog] failed to read BYE", "call_id", callID, "error", err)
		}
	} else {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}

	d.Cancel()
	m.terminate(d, ReasonRemoteBYE)
	return nil
}

func (m *Manager) HandleIncomingCANCEL(req *sip.Request, tx sip.ServerTransaction) error {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	d, exists := m.Get(callID)
	if !exists {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return fmt.Errorf("dialog not found for CANCEL: %s", callID)
	}

	state := d.GetState()
	if state != StateEarly && state != StateWaitingACK {
		tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return nil
	}

	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if d.Transaction != nil {
		d.Transaction.Respond(sip.NewResponseFromRequest(d.InviteRequest, 487, "Request Terminated", nil))
	}

	d.Cancel()
	m.terminate(d, ReasonCancel)
	return nil
}

// Terminate ends the dialog identified by callID, sending a BYE if it was
// confirmed and the caller requested a local hangup.
func (m *Manager) Terminate(callID string, reason TerminateReason) error {
	d, exists := m.Get(callID)
	if !exists {
		return fmt.Errorf("dialog not found: %s", callID)
	}
	if d.GetState() == StateTerminated {
		return nil
	}

	if d.GetState() == StateConfirmed && reason == ReasonLocalBYE {
		if err := m.SendBYE(d); err != nil {
			slog.Error("[Dialog] failed to send BYE", "call_id", callID, "error", err)
		}
	}

	d.Cancel()
	m.terminate(d, reason)
	return nil
}

// PlaceOutbound sends an INVITE to recipient carrying sdpOffer, used by
// the B2BUA to create the far leg of a bridged call ('s
// "INVITE received ... send INVITE (B)"). onRinging is invoked for every
// 180/183 provisional response so the caller can relay ringback/early
// media to the near leg. Cancelling ctx before an answer arrives sends
// CANCEL and returns ctx.Err(), the mechanism the parallel-ring hunt uses
// to stop losing legs once one leg answers.
func (m *Manager) PlaceOutbound(ctx context.Context, recipient sip.Uri, sdpOffer []byte, onRinging func(provisional *sip.Response)) (*Dialog, error) {
	headers := []sip.Header{sip.NewHeader("Content-Type", "application/sdp")}
	clientDlg, err := m.dialogUA.Invite(ctx, recipient, sdpOffer, headers...)
	if err != nil {
		return nil, fmt.Errorf("invite: %w", err)
	}

	answerOpts := sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			if onRinging != nil && res.StatusCode >= 180 && res.StatusCode < 200 {
				onRinging(res)
			}
			return nil
		},
	}
	if err := clientDlg.WaitAnswer(ctx, answerOpts); err != nil {
		clientDlg.Close()
		return nil, err
	}
	if err := clientDlg.Ack(ctx); err != nil {
		clientDlg.Close()
		return nil, fmt.Errorf("ack: %w", err)
	}

	d := NewOutbound(clientDlg.InviteRequest, clientDlg.InviteResponse)
	d.ClientDlg = clientDlg
	m.RegisterOutbound(d)
	slog.Info("[Dialog] outbound leg confirmed", "call_id", d.CallID)
	return d, nil
}

// SendNotify sends an in-dialog NOTIFY for dialog d's implicit REFER
// subscription, used to report a (blind) transfer's progress back
// to the transferor, per RFC 3515's REFER/NOTIFY transfer flow.
func (m *Manager) SendNotify(d *Dialog, event, subState, contentType string, body []byte) error {
	req, err := d.BuildNotify(m.dialogUA.ContactHDR.Address, event, subState, contentType, body)
	if err != nil {
		return fmt.Errorf("build NOTIFY: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := m.sipClient.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("send NOTIFY: %w", err)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("NOTIFY timed out")
	case resp := <-tx.Responses():
		if resp != nil && resp.StatusCode >= 300 {
			return fmt.Errorf("NOTIFY rejected: %d %s", resp.StatusCode, resp.Reason)
		}
	}
	return nil
}

// SendBYE sends a BYE for an already-confirmed dialog, using whichever
// sipgo session this dialog holds depending on which side placed the
// INVITE.
func (m *Manager) SendBYE(d *Dialog) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case d.Direction == DirectionOutbound && d.ClientDlg != nil:
		if err := d.ClientDlg.Bye(ctx); err != nil {
			return fmt.Errorf("send BYE: %w", err)
		}
	case d.Session != nil:
		if err := d.Session.Bye(ctx); err != nil {
			return fmt.Errorf("send BYE: %w", err)
		}
	default:
		return fmt.Errorf("no session for BYE")
	}
	return nil
}

func (m *Manager) terminate(d *Dialog, reason TerminateReason) {
	d.mu.Lock()
	d.TerminateReason = reason
	d.mu.Unlock()

	if err := d.TransitionTo(StateTerminated); err != nil {
		slog.Warn("[Dialog] failed to transition to terminated", "call_id", d.CallID, "error", err)
	}
	if d.Session != nil {
		d.Session.Close()
	}

	m.mu.RLock()
	callback := m.onTerminated
	m.mu.RUnlock()
	if callback != nil {
		go callback(d)
	}

	m.dialogs.Set(d.CallID, d, TerminatedDialogTTL)
}

func (m *Manager) watchACKTimeout(d *Dialog) {
	select {
	case <-d.Context().Done():
		return
	case <-time.After(m.ackTimeout):
		if d.GetState() == StateWaitingACK {
			slog.Warn("[Dialog] ACK timeout", "call_id", d.CallID)
			d.Cancel()
			m.terminate(d, ReasonTimeout)
		}
	}
}

func (m *Manager) Get(callID string) (*Dialog, bool) { return m.dialogs.Get(callID) }

func (m *Manager) List() []*Dialog {
	all := m.dialogs.All()
	result := make([]*Dialog, 0, len(all))
	for _, d := range all {
		result = append(result, d)
	}
	return result
}

func (m *Manager) Count() int { return m.dialogs.Len() }

func (m *Manager) Close() { m.dialogs.Close() }
