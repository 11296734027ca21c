package registrar

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/switchboard/internal/auth"
	"github.com/sebas/switchboard/internal/extstore"
)

func newExtStore(t *testing.T) extstore.Store {
	t.Helper()
	s := extstore.NewMemoryExtensionStore()
	if err := s.Put(extstore.Extension{Number: "1000", Realm: "example.com", SIPSecret: "secret"}); err != nil {
		t.Fatalf("put extension: %v", err)
	}
	return s
}

func newRegisterRequest(t *testing.T, fromUser string, contactURI string, expires int) *sip.Request {
	t.Helper()
	var toURI sip.Uri
	if err := sip.ParseUri("sip:"+fromUser+"@example.com", &toURI); err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	req := sip.NewRequest(sip.REGISTER, toURI)

	from := sip.FromHeader{Address: toURI, Params: sip.NewParams()}
	from.Params.Add("tag", "tag1")
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: toURI}
	req.AppendHeader(&to)

	callID := sip.CallIDHeader("call-" + fromUser)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	if contactURI != "" {
		var cURI sip.Uri
		sip.ParseUri(contactURI, &cURI)
		contact := sip.ContactHeader{Address: cURI, Params: sip.NewParams()}
		if expires > 0 {
			contact.Params.Add("expires", "3600")
		}
		req.AppendHeader(&contact)
	}
	via := sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Port: 5060, Params: sip.NewParams()}
	req.AppendHeader(&via)

	return req
}

func digestAuthorize(t *testing.T, req *sip.Request, username, password string, challengeHeader sip.Header) {
	t.Helper()
	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		t.Fatalf("parse challenge: %v", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.REGISTER.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
}

func TestProcessRejectsWithoutAuth(t *testing.T) {
	ext := newExtStore(t)
	r := New("example.com", auth.AlgorithmMD5, ext, nil)

	req := newRegisterRequest(t, "1000", "sip:1000@192.0.2.10:5060", 3600)
	res := r.Process(req)
	if res.StatusCode != sip.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", res)
	}
}

func TestProcessBindsContactAfterAuth(t *testing.T) {
	ext := newExtStore(t)
	r := New("example.com", auth.AlgorithmMD5, ext, nil)

	req1 := newRegisterRequest(t, "1000", "sip:1000@192.0.2.10:5060", 3600)
	res1 := r.Process(req1)
	challenge := res1.GetHeader("WWW-Authenticate")
	if challenge == nil {
		t.Fatal("expected WWW-Authenticate challenge")
	}

	req2 := newRegisterRequest(t, "1000", "sip:1000@192.0.2.10:5060", 3600)
	digestAuthorize(t, req2, "1000", "secret", challenge)
	res2 := r.Process(req2)
	if res2.StatusCode != sip.StatusOK {
		t.Fatalf("expected 200 OK, got %+v", res2)
	}

	b, ok := r.Lookup("sip:1000@example.com")
	if !ok {
		t.Fatal("expected binding to be registered")
	}
	if b.ContactURI != "sip:1000@192.0.2.10:5060" {
		t.Errorf("unexpected contact: %s", b.ContactURI)
	}
}

func TestEffectiveContactUsesReceivedAddress(t *testing.T) {
	b := &Binding{
		ContactURI:   "sip:alice@10.0.0.5:5060",
		ReceivedIP:   "203.0.113.9",
		ReceivedPort: 40000,
		Transport:    "udp",
	}
	got := b.EffectiveContact()
	want := "sip:alice@203.0.113.9:40000;transport=udp"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestValidateCSeqRejectsStale(t *testing.T) {
	b := &Binding{CallID: "abc", CSeq: 5}
	if b.ValidateCSeq("abc", 5) {
		t.Error("expected equal CSeq to be rejected")
	}
	if !b.ValidateCSeq("abc", 6) {
		t.Error("expected higher CSeq to be accepted")
	}
	if !b.ValidateCSeq("different", 1) {
		t.Error("expected different Call-ID to always validate")
	}
}

func TestNeedsKeepalive(t *testing.T) {
	b := &Binding{ExpiresAt: time.Now().Add(20 * time.Second)}
	if !b.NeedsKeepalive(time.Now()) {
		t.Error("expected binding within keepalive window to need a ping")
	}
	b2 := &Binding{ExpiresAt: time.Now().Add(time.Hour)}
	if b2.NeedsKeepalive(time.Now()) {
		t.Error("expected fresh binding to not need a ping yet")
	}
}
