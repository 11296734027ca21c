package dialog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Direction indicates whether the core initiated the dialog (placing a
// call to the far leg) or received it (the near leg's INVITE).
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// HoldType is the SDP direction attribute a re-INVITE requests.
type HoldType int

const (
	HoldTypeNone HoldType = iota
	HoldTypeSendOnly
	HoldTypeRecvOnly
	HoldTypeInactive
)

// ReINVITEOptions configures a re-INVITE, used for hold/resume and
// mid-call codec renegotiation.
type ReINVITEOptions struct {
	SDP      []byte
	Headers  map[string]string
	HoldType HoldType
}

// Dialog is one SIP dialog: either the near leg (inbound INVITE from the
// calling party) or the far leg (outbound INVITE the B2BUA placed), per
// RFC 3261 §12.
type Dialog struct {
	mu sync.RWMutex

	CallID    string
	LocalTag  string
	RemoteTag string
	Direction Direction

	State          State
	CreatedAt      time.Time
	StateChangedAt time.Time

	Session     *sipgo.DialogServerSession
	ClientDlg   *sipgo.DialogClientSession
	Transaction sip.ServerTransaction

	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	// Media, filled in once SDP negotiation completes for this leg.
	RelayLegID string
	RemoteAddr string
	RemotePort int
	Codec      string

	RemoteContactURI string

	localCSeq          atomic.Uint32
	reInviteInProgress atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	TerminateReason TerminateReason
}

// NewFromInvite creates the near-leg dialog for an incoming INVITE (UAS role).
func NewFromInvite(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().String()
	}
	remoteTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}
	var initialCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID: callID, RemoteTag: remoteTag, Direction: DirectionInbound,
		State: StateInitial, CreatedAt: now, StateChangedAt: now,
		InviteRequest: req, Transaction: tx, ctx: ctx, cancel: cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

// NewOutbound creates the far-leg dialog the B2BUA places on the calling
// party's behalf (UAC role), once the far leg's 200 OK is in hand.
func NewOutbound(invite *sip.Request, resp *sip.Response) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	callID := ""
	if invite.CallID() != nil {
		callID = invite.CallID().String()
	}
	localTag := ""
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			localTag = tag
		}
	}
	remoteTag := ""
	if resp != nil {
		if to := resp.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				remoteTag = tag
			}
		}
	}
	remoteContactURI := ""
	if resp != nil {
		if contact := resp.Contact(); contact != nil {
			remoteContactURI = contact.Address.String()
		}
	}

	var initialCSeq uint32 = 1
	if cseq := invite.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID: callID, LocalTag: localTag, RemoteTag: remoteTag,
		Direction: DirectionOutbound, State: StateConfirmed,
		CreatedAt: now, StateChangedAt: now,
		InviteRequest: invite, InviteResponse: resp,
		RemoteContactURI: remoteContactURI, ctx: ctx, cancel: cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

func (d *Dialog) SetSession(session *sipgo.DialogServerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Session = session
}

func (d *Dialog) SetInviteResponse(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = resp
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.LocalTag = tag
		}
	}
}

// SetMediaEndpoint records the negotiated far-end media address and codec
// once SDP answer/offer negotiation completes for this dialog's leg.
func (d *Dialog) SetMediaEndpoint(legID, addr string, port int, codecName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RelayLegID = legID
	d.RemoteAddr = addr
	d.RemotePort = port
	d.Codec = codecName
}

func (d *Dialog) GetState() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo moves the dialog to newState, rejecting transitions the
// state machine does not allow.
func (d *Dialog) TransitionTo(newState State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.State.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition: %s -> %s", d.State, newState)
	}
	d.State = newState
	d.StateChangedAt = time.Now()
	return nil
}

func (d *Dialog) Context() context.Context { return d.ctx }
func (d *Dialog) Cancel()                  { d.cancel() }

func (d *Dialog) IsTerminated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State == StateTerminated
}

// BuildBYE constructs a BYE for this dialog per RFC 3261 §12.2.1.1,
// swapping From/To depending on which side originated the INVITE.
func (d *Dialog) BuildBYE(localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("cannot build BYE: missing INVITE request")
	}

	recipient, err := d.peerURILocked()
	if err != nil {
		return nil, err
	}

	byeReq := sip.NewRequest(sip.BYE, recipient)
	if len(d.InviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.InviteRequest, byeReq)
	}
	d.applyDialogHeadersLocked(byeReq)

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		byeReq.AppendHeader(callIDHdr)
	}
	newSeqNo := d.localCSeq.Add(1)
	byeReq.AppendHeader(&sip.CSeqHeader{SeqNo: newSeqNo, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	byeReq.AppendHeader(&maxFwd)
	byeReq.AppendHeader(&sip.ContactHeader{Address: localContact})

	return byeReq, nil
}

// BuildNotify constructs an in-dialog NOTIFY for a REFER-created implicit
// subscription (RFC 3515 §2.4.4): event holds the Event header value
// ("refer"), subState the Subscription-State value ("active" while the
// referred dial is still in progress, "terminated" once it resolves), and
// body/contentType the NOTIFY payload (a message/sipfrag status line
// reporting the transfer target's progress).
func (d *Dialog) BuildNotify(localContact sip.Uri, event, subState, contentType string, body []byte) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("cannot build NOTIFY: missing INVITE request")
	}

	recipient, err := d.peerURILocked()
	if err != nil {
		return nil, err
	}

	notifyReq := sip.NewRequest(sip.NOTIFY, recipient)
	if len(d.InviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.InviteRequest, notifyReq)
	}
	d.applyDialogHeadersLocked(notifyReq)

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		notifyReq.AppendHeader(callIDHdr)
	}
	newSeqNo := d.localCSeq.Add(1)
	notifyReq.AppendHeader(&sip.CSeqHeader{SeqNo: newSeqNo, MethodName: sip.NOTIFY})
	maxFwd := sip.MaxForwardsHeader(70)
	notifyReq.AppendHeader(&maxFwd)
	notifyReq.AppendHeader(&sip.ContactHeader{Address: localContact})
	notifyReq.AppendHeader(sip.NewHeader("Event", event))
	notifyReq.AppendHeader(sip.NewHeader("Subscription-State", subState))
	notifyReq.AppendHeader(sip.NewHeader("Content-Type", contentType))
	notifyReq.SetBody(body)

	return notifyReq, nil
}

// BuildReINVITE constructs a re-INVITE, used for hold/resume and codec
// renegotiation mid-call.
func (d *Dialog) BuildReINVITE(localContact sip.Uri, opts ReINVITEOptions) (*sip.Request, error) {
	d.mu.RLock()
	if d.InviteRequest == nil {
		d.mu.RUnlock()
		return nil, fmt.Errorf("cannot build re-INVITE: missing INVITE request")
	}
	recipient, err := d.peerURILocked()
	d.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if !d.reInviteInProgress.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("re-INVITE already in progress for dialog %s", d.CallID)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	reInviteReq := sip.NewRequest(sip.INVITE, recipient)
	if len(d.InviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.InviteRequest, reInviteReq)
	}
	d.applyDialogHeadersLocked(reInviteReq)

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		reInviteReq.AppendHeader(callIDHdr)
	}
	newSeqNo := d.localCSeq.Add(1)
	reInviteReq.AppendHeader(&sip.CSeqHeader{SeqNo: newSeqNo, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	reInviteReq.AppendHeader(&maxFwd)
	reInviteReq.AppendHeader(&sip.ContactHeader{Address: localContact})

	for name, value := range opts.Headers {
		reInviteReq.AppendHeader(sip.NewHeader(name, value))
	}
	if len(opts.SDP) > 0 {
		reInviteReq.SetBody(opts.SDP)
		reInviteReq.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	return reInviteReq, nil
}

// CompleteReINVITE clears the in-progress guard after the response to a
// re-INVITE built by BuildReINVITE has been handled.
func (d *Dialog) CompleteReINVITE() { d.reInviteInProgress.Store(false) }

func (d *Dialog) IsReINVITEInProgress() bool { return d.reInviteInProgress.Load() }

// peerURILocked resolves the Request-URI for an in-dialog request, caller
// must hold d.mu.
func (d *Dialog) peerURILocked() (sip.Uri, error) {
	if d.Direction == DirectionOutbound {
		if d.RemoteContactURI != "" {
			var recipient sip.Uri
			if err := sip.ParseUri(d.RemoteContactURI, &recipient); err != nil {
				return sip.Uri{}, fmt.Errorf("cannot parse remote contact URI: %w", err)
			}
			return recipient, nil
		}
		if d.InviteResponse != nil && d.InviteResponse.Contact() != nil {
			return d.InviteResponse.Contact().Address, nil
		}
		if to := d.InviteRequest.To(); to != nil {
			return to.Address, nil
		}
	} else {
		if contact := d.InviteRequest.Contact(); contact != nil {
			recipient := contact.Address
			recipient.UriParams = sip.NewParams()
			return recipient, nil
		}
		return d.InviteRequest.From().Address, nil
	}
	return sip.Uri{}, fmt.Errorf("cannot determine peer URI for dialog %s", d.CallID)
}

// applyDialogHeadersLocked appends From/To headers for an in-dialog
// request, swapped for inbound dialogs where our identity was the 200 OK's
// To header. Caller must hold d.mu.
func (d *Dialog) applyDialogHeadersLocked(req *sip.Request) {
	if d.Direction == DirectionOutbound {
		if from := d.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params.Clone()})
		}
		if to := d.InviteRequest.To(); to != nil {
			toHdr := &sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: sip.NewParams()}
			if d.RemoteTag != "" {
				toHdr.Params.Add("tag", d.RemoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		if d.InviteResponse != nil {
			if to := d.InviteResponse.To(); to != nil {
				req.AppendHeader(&sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params.Clone()})
			}
		}
		if from := d.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params.Clone()})
		}
	}
}
