// Package auth implements SIP digest authentication (RFC 2617/7616) for
// REGISTER and INVITE, grounded on emiago-diago/digest_auth.go's
// DigestAuthServer but generalized from one hardcoded username/password to
// a CredentialLookup over the registrar's subscriber list, and extended
// from MD5-only to also support SHA-256.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ErrNoChallenge is returned when a request carries an Authorization header
// whose nonce was never issued or has expired.
var ErrNoChallenge = errors.New("auth: no matching challenge")

// ErrBadCredentials is returned when a request's digest response does not
// match what the core computed from the stored password.
var ErrBadCredentials = errors.New("auth: bad credentials")

// ErrUnknownUser is returned when the lookup has no credential for a
// request's username.
var ErrUnknownUser = errors.New("auth: unknown user")

// Algorithm is the digest algorithm a realm accepts, per RFC 7616 (MD5
// remains the most widely deployed; SHA-256 is the modern default).
type Algorithm string

const (
	AlgorithmMD5    Algorithm = "MD5"
	AlgorithmSHA256 Algorithm = "SHA-256"
)

// CredentialLookup resolves the plaintext password for a username within a
// realm, so the server can compute the expected digest response without
// storing credentials itself. The registrar provides the concrete
// implementation over its subscriber table.
type CredentialLookup interface {
	Lookup(realm, username string) (password string, ok bool)
}

// challengeExpiry bounds how long an issued nonce remains valid before a
// client must restart the challenge/response handshake.
const challengeExpiry = 5 * time.Minute

// Server issues digest challenges and validates responses for one realm.
type Server struct {
	Realm     string
	Algorithm Algorithm
	Lookup    CredentialLookup

	mu    sync.Mutex
	cache map[string]*digest.Challenge
}

// NewServer creates a digest authentication server for realm, backed by
// lookup for credential resolution.
func NewServer(realm string, algorithm Algorithm, lookup CredentialLookup) *Server {
	if algorithm == "" {
		algorithm = AlgorithmMD5
	}
	return &Server{
		Realm:     realm,
		Algorithm: algorithm,
		Lookup:    lookup,
		cache:     make(map[string]*digest.Challenge),
	}
}

// Authorize validates req's Authorization header against a previously
// issued challenge, or issues a fresh 401/407 challenge if none is
// present. statusCode lets callers use 401 Unauthorized (REGISTER, INVITE)
// or 407 Proxy Authentication Required (B2BUA-originated INVITEs) under
// the same machinery.
func (s *Server) Authorize(req *sip.Request, statusCode sip.StatusCode) (res *sip.Response, err error) {
	headerName := "WWW-Authenticate"
	authHeaderName := "Authorization"
	if statusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
		authHeaderName = "Proxy-Authorization"
	}

	h := req.GetHeader(authHeaderName)
	if h == nil {
		return s.challenge(req, statusCode, headerName)
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil), err
	}

	s.mu.Lock()
	chal, exists := s.cache[cred.Nonce]
	s.mu.Unlock()
	if !exists {
		return sip.NewResponseFromRequest(req, statusCode, "Unauthorized", nil), ErrNoChallenge
	}

	password, ok := s.Lookup.Lookup(s.Realm, cred.Username)
	if !ok {
		return sip.NewResponseFromRequest(req, statusCode, "Unauthorized", nil), ErrUnknownUser
	}

	digCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), err
	}

	if cred.Response != digCred.Response {
		return sip.NewResponseFromRequest(req, statusCode, "Unauthorized", nil), ErrBadCredentials
	}

	s.mu.Lock()
	delete(s.cache, cred.Nonce) // nonces are single-use against replay
	s.mu.Unlock()

	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
}

func (s *Server) challenge(req *sip.Request, statusCode sip.StatusCode, headerName string) (*sip.Response, error) {
	nonce, err := generateNonce()
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil), err
	}

	chal := &digest.Challenge{
		Realm:     s.Realm,
		Nonce:     nonce,
		Algorithm: string(s.Algorithm),
	}

	res := sip.NewResponseFromRequest(req, statusCode, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader(headerName, chal.String()))

	s.mu.Lock()
	s.cache[nonce] = chal
	s.mu.Unlock()
	time.AfterFunc(challengeExpiry, func() {
		s.mu.Lock()
		delete(s.cache, nonce)
		s.mu.Unlock()
	})

	return res, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
