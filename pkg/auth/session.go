package auth

import (
	"strings"
	"sync"

	"trunkgw-server/pkg/errors"

	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"
)

// Credential is the single identity the gateway authenticates with towards
// the downstream trunk provider. The original caller's identity is never
// used for authentication.
type Credential struct {
	Username string
	Realm    string
	Password string
}

// Session tracks digest state for one downstream realm. The nonce count is
// monotonically increasing while the server keeps reusing a nonce; adopting
// a new nonce resets it to 1. Sessions live for the process lifetime only.
type Session struct {
	mu sync.Mutex

	Realm      string
	Nonce      string
	NonceCount int
	CNonce     string
	Algorithm  string
	QOP        string
}

// SessionStore holds digest sessions keyed by downstream realm and computes
// Authorization values for challenged requests.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	credential Credential
	logger     *logrus.Logger
}

// NewSessionStore creates an empty session store for the given credential
func NewSessionStore(credential Credential, logger *logrus.Logger) *SessionStore {
	return &SessionStore{
		sessions:   make(map[string]*Session),
		credential: credential,
		logger:     logger,
	}
}

// Authorize consumes a WWW-Authenticate / Proxy-Authenticate challenge value
// and returns the matching Authorization header value for a resend of the
// given method and request-URI.
//
// Nonce bookkeeping is atomic with respect to concurrent transactions that
// share the same realm: a reused server nonce advances the nonce count, a
// new nonce resets it. A fresh client nonce is generated for every computed
// response.
func (s *SessionStore) Authorize(challenge, method, uri string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidChallenge, err.Error())
	}
	if chal.Nonce == "" || chal.Realm == "" {
		return "", errors.Wrap(errors.ErrInvalidChallenge, "challenge missing nonce or realm")
	}

	session := s.session(chal.Realm)

	session.mu.Lock()
	defer session.mu.Unlock()

	if chal.Nonce == session.Nonce {
		session.NonceCount++
	} else {
		session.Nonce = chal.Nonce
		session.NonceCount = 1
	}
	session.CNonce = newClientNonce()
	session.Algorithm = chal.Algorithm
	session.QOP = strings.Join(chal.QOP, ",")

	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: s.credential.Username,
		Password: s.credential.Password,
		Cnonce:   session.CNonce,
		Count:    session.NonceCount,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to compute digest response")
	}

	s.logger.WithFields(logrus.Fields{
		"realm":       chal.Realm,
		"nonce_count": session.NonceCount,
		"algorithm":   cred.Algorithm,
		"qop":         cred.QOP,
	}).Debug("Computed digest authorization")

	return cred.String(), nil
}

// SessionState returns a copy of the session for a realm, or nil when the
// realm has never been challenged. Intended for introspection and tests.
func (s *SessionStore) SessionState(realm string) *Session {
	s.mu.RLock()
	session, exists := s.sessions[realm]
	s.mu.RUnlock()
	if !exists {
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	return &Session{
		Realm:      session.Realm,
		Nonce:      session.Nonce,
		NonceCount: session.NonceCount,
		CNonce:     session.CNonce,
		Algorithm:  session.Algorithm,
		QOP:        session.QOP,
	}
}

// session returns the session for a realm, creating it on first use
func (s *SessionStore) session(realm string) *Session {
	s.mu.RLock()
	session, exists := s.sessions[realm]
	s.mu.RUnlock()
	if exists {
		return session
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if session, exists = s.sessions[realm]; exists {
		return session
	}

	session = &Session{Realm: realm}
	s.sessions[realm] = session

	s.logger.WithField("realm", realm).Info("Created downstream auth session")
	return session
}

// newClientNonce generates a fresh client nonce value
func newClientNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
