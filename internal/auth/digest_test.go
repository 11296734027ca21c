package auth

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

type staticLookup map[string]string

func (s staticLookup) Lookup(realm, username string) (string, bool) {
	pw, ok := s[username]
	return pw, ok
}

func newRegisterRequest() *sip.Request {
	var uri sip.Uri
	sip.ParseUri("sip:alice@example.com", &uri)
	req := sip.NewRequest(sip.REGISTER, uri)
	from := sip.FromHeader{Address: uri, Params: sip.NewParams()}
	from.Params.Add("tag", "abc123")
	req.AppendHeader(&from)
	to := sip.ToHeader{Address: uri, Params: sip.NewParams()}
	req.AppendHeader(&to)
	callID := sip.CallIDHeader("test-call-id")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	return req
}

func TestAuthorizeIssuesChallengeWithoutHeader(t *testing.T) {
	s := NewServer("example.com", AlgorithmMD5, staticLookup{"alice": "secret"})
	req := newRegisterRequest()

	res, err := s.Authorize(req, sip.StatusUnauthorized)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != sip.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if h := res.GetHeader("WWW-Authenticate"); h == nil {
		t.Fatal("expected WWW-Authenticate header")
	}
	if len(s.cache) != 1 {
		t.Fatalf("expected one cached challenge, got %d", len(s.cache))
	}
}

func TestAuthorizeAcceptsValidResponse(t *testing.T) {
	s := NewServer("example.com", AlgorithmMD5, staticLookup{"alice": "secret"})
	req := newRegisterRequest()

	challengeRes, err := s.Authorize(req, sip.StatusUnauthorized)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	authHdr := challengeRes.GetHeader("WWW-Authenticate")
	chal, err := digest.ParseChallenge(authHdr.Value())
	if err != nil {
		t.Fatalf("parse challenge: %v", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.REGISTER.String(),
		URI:      req.Recipient.String(),
		Username: "alice",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("compute credentials: %v", err)
	}

	req2 := newRegisterRequest()
	req2.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	res, err := s.Authorize(req2, sip.StatusUnauthorized)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if res.StatusCode != sip.StatusOK {
		t.Fatalf("expected 200 OK, got %d", res.StatusCode)
	}
}

func TestAuthorizeRejectsBadPassword(t *testing.T) {
	s := NewServer("example.com", AlgorithmMD5, staticLookup{"alice": "secret"})
	req := newRegisterRequest()

	challengeRes, _ := s.Authorize(req, sip.StatusUnauthorized)
	authHdr := challengeRes.GetHeader("WWW-Authenticate")
	chal, _ := digest.ParseChallenge(authHdr.Value())

	cred, err := digest.Digest(chal, digest.Options{
		Method:   sip.REGISTER.String(),
		URI:      req.Recipient.String(),
		Username: "alice",
		Password: "wrong",
	})
	if err != nil {
		t.Fatalf("compute credentials: %v", err)
	}

	req2 := newRegisterRequest()
	req2.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	_, err = s.Authorize(req2, sip.StatusUnauthorized)
	if err != ErrBadCredentials {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestAuthorizeRejectsUnknownNonce(t *testing.T) {
	s := NewServer("example.com", AlgorithmMD5, staticLookup{"alice": "secret"})
	req := newRegisterRequest()
	req.AppendHeader(sip.NewHeader("Authorization", `Digest username="alice", realm="example.com", nonce="bogus", uri="sip:alice@example.com", response="deadbeef"`))

	_, err := s.Authorize(req, sip.StatusUnauthorized)
	if err != ErrNoChallenge {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}
}

func TestAuthorizeUsesProxyHeadersWhenRequested(t *testing.T) {
	s := NewServer("example.com", AlgorithmMD5, staticLookup{"alice": "secret"})
	req := newRegisterRequest()

	res, err := s.Authorize(req, sip.StatusProxyAuthRequired)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != sip.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", res.StatusCode)
	}
	if h := res.GetHeader("Proxy-Authenticate"); h == nil {
		t.Fatal("expected Proxy-Authenticate header")
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	ok, err := VerifyPassword("hunter2", hash)
	if err != nil {
		t.Fatalf("verify password: %v", err)
	}
	if !ok {
		t.Error("expected password to verify")
	}
	ok, err = VerifyPassword("wrong", hash)
	if err != nil {
		t.Fatalf("verify password: %v", err)
	}
	if ok {
		t.Error("expected wrong password to fail verification")
	}
}
