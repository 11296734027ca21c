// Package registrar implements the SIP location service: REGISTER
// handling, NAT-aware contact binding storage, and digest authentication
// of subscribers. Adapted from services/signaling/registration/handler.go
// (per-contact processing, wildcard unregister) and
// services/signaling/location/binding.go (Binding, EffectiveContact,
// NAT received-address capture), backed by internal/store's TTLStore.
// Every REGISTER here must pass digest authentication against
// internal/extstore before a binding is accepted.
package registrar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/switchboard/internal/auth"
	"github.com/sebas/switchboard/internal/extstore"
	"github.com/sebas/switchboard/internal/store"
)

const (
	defaultExpiry   = 3600
	minExpiry       = 60
	maxExpiry       = 86400
	sweepInterval   = time.Second
	keepaliveWindow = 28 * time.Second
)

// BindingSource indicates who created a binding: a registering SIP
// endpoint or an internal API call.
type BindingSource string

const (
	BindingSourceSIP BindingSource = "sip"
	BindingSourceAPI BindingSource = "api"
)

// Binding is a SIP user location binding, adapted from
// services/signaling/location/binding.go's Binding.
type Binding struct {
	AOR       string
	BindingID string

	ContactURI string

	ReceivedIP   string
	ReceivedPort int

	Transport string

	Expires      int
	ExpiresAt    time.Time
	RegisteredAt time.Time

	CallID string
	CSeq   uint32

	UserAgent string
	Source    BindingSource
}

// GenerateBindingID derives a stable ID for a contact, so repeated
// REGISTERs from the same device update rather than duplicate a binding.
func GenerateBindingID(contactURI string) string {
	sum := sha256.Sum256([]byte(contactURI))
	return hex.EncodeToString(sum[:8])
}

// EffectiveContact returns the URI to route INVITEs to: the received
// source address when present (NAT traversal), with the Contact's user
// part preserved, otherwise the Contact URI as registered.
func (b *Binding) EffectiveContact() string {
	if b.ReceivedIP != "" && b.ReceivedPort > 0 {
		user := userPart(b.ContactURI)
		if user != "" {
			return fmt.Sprintf("sip:%s@%s:%d;transport=%s", user, b.ReceivedIP, b.ReceivedPort, b.Transport)
		}
		return fmt.Sprintf("sip:%s:%d;transport=%s", b.ReceivedIP, b.ReceivedPort, b.Transport)
	}
	return b.ContactURI
}

// ValidateCSeq enforces RFC 3261's requirement that, for the same
// Call-ID, a binding update's CSeq strictly increases.
func (b *Binding) ValidateCSeq(callID string, cseq uint32) bool {
	if b.CallID != callID {
		return true
	}
	return cseq > b.CSeq
}

func userPart(uri string) string {
	s := uri
	switch {
	case strings.HasPrefix(s, "sips:"):
		s = s[5:]
	case strings.HasPrefix(s, "sip:"):
		s = s[4:]
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		return s[:at]
	}
	return ""
}

// Registrar handles REGISTER requests: digest authentication, contact
// binding, and NAT keepalive scheduling.
type Registrar struct {
	bindings *store.TTLStore[string, *Binding]
	ext      extstore.Store
	authSrv  *auth.Server
	client   *sipgo.Client
}

// New creates a Registrar backed by ext for credential/subscriber lookup.
// realm and algorithm configure the digest Server used to authenticate
// REGISTER requests. client, if non-nil, is used to send NAT keepalive
// OPTIONS pings; pass nil to disable keepalives (e.g. in tests).
func New(realm string, algorithm auth.Algorithm, ext extstore.Store, client *sipgo.Client) *Registrar {
	r := &Registrar{
		bindings: store.NewTTLStore[string, *Binding](sweepInterval),
		ext:      ext,
		client:   client,
	}
	r.authSrv = auth.NewServer(realm, algorithm, extensionLookup{ext})
	r.bindings.SetOnEvict(func(key string, b *Binding) {
		slog.Info("[Registrar] binding expired", "aor", b.AOR, "binding_id", b.BindingID)
	})
	return r
}

// extensionLookup adapts extstore.Store to auth.CredentialLookup.
type extensionLookup struct{ store extstore.Store }

func (l extensionLookup) Lookup(realm, username string) (string, bool) {
	e, err := l.store.Get(username)
	if err != nil {
		return "", false
	}
	return e.SIPSecret, true
}

// HandleRegister authenticates and processes a REGISTER request, sending
// the resulting response on tx. The decision logic lives in Process so it
// can be tested without a live sip.ServerTransaction.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) error {
	return tx.Respond(r.Process(req))
}

// Process runs the full REGISTER pipeline — digest authentication,
// wildcard/per-contact unregister, binding creation — and returns the
// response to send, without touching any transaction.
func (r *Registrar) Process(req *sip.Request) *sip.Response {
	authRes, err := r.authSrv.Authorize(req, sip.StatusUnauthorized)
	if err != nil {
		return authRes
	}
	if authRes.StatusCode != sip.StatusOK {
		return authRes
	}

	to := req.To()
	if to == nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request — missing To", nil)
	}
	aor := to.Address.String()

	callID := ""
	if c := req.CallID(); c != nil {
		callID = c.String()
	}
	var cseq uint32
	if c := req.CSeq(); c != nil {
		cseq = c.SeqNo
	}

	contacts := req.GetHeaders("Contact")
	if len(contacts) == 0 {
		r.unregisterAll(aor)
		return r.buildOK(req, nil, 0)
	}

	expiry := r.parseExpiry(req)
	sourceIP, sourcePort := r.parseSource(req)
	transport := r.parseTransport(req)
	userAgent := ""
	if h := req.GetHeader("User-Agent"); h != nil {
		userAgent = h.Value()
	}

	var lastContact *sip.ContactHeader
	for _, hdr := range contacts {
		contact, ok := hdr.(*sip.ContactHeader)
		if !ok {
			continue
		}
		if contact.Address.Wildcard || expiry == 0 {
			r.unregisterContact(aor, contact.Address.String())
			continue
		}

		bindingID := GenerateBindingID(contact.Address.String())
		key := aor + "|" + bindingID

		if existing, ok := r.bindings.Get(key); ok && !existing.ValidateCSeq(callID, cseq) {
			return sip.NewResponseFromRequest(req, sip.StatusCode(500), "CSeq out of order", nil)
		}

		clamped := expiry
		if clamped < minExpiry {
			clamped = minExpiry
		}
		if clamped > maxExpiry {
			clamped = maxExpiry
		}

		b := &Binding{
			AOR:          aor,
			BindingID:    bindingID,
			ContactURI:   contact.Address.String(),
			ReceivedIP:   sourceIP,
			ReceivedPort: sourcePort,
			Transport:    transport,
			Expires:      clamped,
			ExpiresAt:    time.Now().Add(time.Duration(clamped) * time.Second),
			RegisteredAt: time.Now(),
			CallID:       callID,
			CSeq:         cseq,
			UserAgent:    userAgent,
			Source:       BindingSourceSIP,
		}
		r.bindings.Set(key, b, time.Duration(clamped)*time.Second)
		lastContact = contact

		slog.Info("[Registrar] bound contact", "aor", aor, "contact", b.ContactURI, "expires", clamped)
	}

	return r.buildOK(req, lastContact, expiry)
}

func (r *Registrar) unregisterAll(aor string) {
	for _, key := range r.bindings.Keys() {
		if b, ok := r.bindings.Get(key); ok && b.AOR == aor {
			r.bindings.Delete(key)
		}
	}
}

func (r *Registrar) unregisterContact(aor, contactURI string) {
	bindingID := GenerateBindingID(contactURI)
	r.bindings.Delete(aor + "|" + bindingID)
}

// Drop removes a single binding immediately, implementing the registrar
// inspector's drop_binding operation at the granularity of one contact
// rather than every contact for aor.
func (r *Registrar) Drop(aor, bindingID string) {
	r.bindings.Delete(aor + "|" + bindingID)
}

func (r *Registrar) buildOK(req *sip.Request, contact *sip.ContactHeader, expiry int) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if contact != nil {
		res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	}
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	return res
}

// parseExpiry checks the Contact's expires param first, then the Expires
// header, falling back to defaultExpiry, mirroring the priority order used
// across the example registrars.
func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

func (r *Registrar) parseSource(req *sip.Request) (string, int) {
	host, portStr, err := net.SplitHostPort(req.Source())
	if err != nil {
		return req.Source(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (r *Registrar) parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil && via.Transport != "" {
		return strings.ToLower(via.Transport)
	}
	return "udp"
}

// Lookup resolves the best contact to route an INVITE to for aor, among
// all of its live bindings (first non-expired binding found; callers that
// need full fork-to-all-contacts behavior should use LookupAll).
func (r *Registrar) Lookup(aor string) (*Binding, bool) {
	bindings := r.LookupAll(aor)
	if len(bindings) == 0 {
		return nil, false
	}
	return bindings[0], true
}

// LookupAll returns every live binding for aor, used by the B2BUA to fork
// an INVITE to all of a subscriber's registered devices.
func (r *Registrar) LookupAll(aor string) []*Binding {
	var out []*Binding
	for _, key := range r.bindings.Keys() {
		b, ok := r.bindings.Get(key)
		if !ok || b.AOR != aor {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Count returns the number of live bindings across all AORs.
func (r *Registrar) Count() int { return r.bindings.Len() }

// NeedsKeepalive reports whether a binding's NAT pinhole is due for an
// OPTIONS keepalive: its registration expires within keepaliveWindow.
// Only the binding's expiry is consulted; other traffic from the client is
// not tracked.
func (b *Binding) NeedsKeepalive(now time.Time) bool {
	return b.ExpiresAt.Sub(now) <= keepaliveWindow
}

// RunKeepaliveSweep periodically sends OPTIONS to every binding whose NAT
// pinhole is close to expiring, since some UDP NATs close the mapping
// faster than the registration's own refresh interval. No-op if the
// Registrar was constructed without a *sipgo.Client.
func (r *Registrar) RunKeepaliveSweep(ctx context.Context, interval time.Duration) {
	if r.client == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, key := range r.bindings.Keys() {
				b, ok := r.bindings.Get(key)
				if !ok || !b.NeedsKeepalive(now) {
					continue
				}
				r.sendKeepalive(ctx, b)
			}
		}
	}
}

func (r *Registrar) sendKeepalive(ctx context.Context, b *Binding) {
	var target sip.Uri
	if err := sip.ParseUri(b.EffectiveContact(), &target); err != nil {
		slog.Warn("[Registrar] keepalive target parse failed", "aor", b.AOR, "error", err)
		return
	}
	req := sip.NewRequest(sip.OPTIONS, target)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tx, err := r.client.TransactionRequest(reqCtx, req)
	if err != nil {
		slog.Debug("[Registrar] keepalive OPTIONS failed", "aor", b.AOR, "error", err)
		return
	}
	select {
	case <-reqCtx.Done():
		slog.Debug("[Registrar] keepalive OPTIONS timed out", "aor", b.AOR)
	case resp := <-tx.Responses():
		if resp == nil {
			slog.Debug("[Registrar] keepalive OPTIONS got no response", "aor", b.AOR)
		}
	}
}

func (r *Registrar) Close() { r.bindings.Close() }
