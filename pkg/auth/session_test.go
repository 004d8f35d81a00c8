package auth

import (
	"crypto/md5"
	"fmt"
	"io"
	"sync"
	"testing"

	"trunkgw-server/pkg/errors"

	"github.com/icholy/digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *SessionStore {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewSessionStore(Credential{
		Username: "gateway",
		Realm:    "sip.provider.test",
		Password: "secret",
	}, logger)
}

const testChallenge = `Digest realm="sip.provider.test", nonce="abc123", qop="auth", algorithm=MD5`

func md5hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

// expectedResponse recomputes the RFC 2617 digest response for qop=auth
func expectedResponse(t *testing.T, cred *digest.Credentials, password, method string) string {
	t.Helper()
	ha1 := md5hex(cred.Username + ":" + cred.Realm + ":" + password)
	ha2 := md5hex(method + ":" + cred.URI)
	nc := fmt.Sprintf("%08x", cred.Nc)
	return md5hex(ha1 + ":" + cred.Nonce + ":" + nc + ":" + cred.Cnonce + ":auth:" + ha2)
}

func TestAuthorizeComputesValidDigest(t *testing.T) {
	store := testStore()

	value, err := store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)

	cred, err := digest.ParseCredentials("Digest " + stripScheme(value))
	require.NoError(t, err)

	assert.Equal(t, "gateway", cred.Username)
	assert.Equal(t, "sip.provider.test", cred.Realm)
	assert.Equal(t, "abc123", cred.Nonce)
	assert.Equal(t, "sip:+100@trunk.example.com", cred.URI)
	assert.Equal(t, "auth", cred.QOP)
	assert.EqualValues(t, 1, cred.Nc)
	assert.NotEmpty(t, cred.Cnonce)

	assert.Equal(t, expectedResponse(t, cred, "secret", "INVITE"), cred.Response)
}

func TestAuthorizeAdvancesNonceCountOnReusedNonce(t *testing.T) {
	store := testStore()

	first, err := store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)
	second, err := store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)

	firstCred, err := digest.ParseCredentials("Digest " + stripScheme(first))
	require.NoError(t, err)
	secondCred, err := digest.ParseCredentials("Digest " + stripScheme(second))
	require.NoError(t, err)

	assert.EqualValues(t, 1, firstCred.Nc)
	assert.EqualValues(t, 2, secondCred.Nc)
	assert.NotEqual(t, firstCred.Cnonce, secondCred.Cnonce, "client nonce must be fresh per response")
	assert.NotEqual(t, firstCred.Response, secondCred.Response)

	assert.Equal(t, expectedResponse(t, secondCred, "secret", "INVITE"), secondCred.Response)
}

func TestAuthorizeResetsNonceCountOnNewNonce(t *testing.T) {
	store := testStore()

	_, err := store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)
	_, err = store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)

	rotated := `Digest realm="sip.provider.test", nonce="def456", qop="auth", algorithm=MD5`
	value, err := store.Authorize(rotated, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)

	cred, err := digest.ParseCredentials("Digest " + stripScheme(value))
	require.NoError(t, err)
	assert.Equal(t, "def456", cred.Nonce)
	assert.EqualValues(t, 1, cred.Nc)

	state := store.SessionState("sip.provider.test")
	require.NotNil(t, state)
	assert.Equal(t, "def456", state.Nonce)
	assert.Equal(t, 1, state.NonceCount)
}

func TestAuthorizeTracksRealmsIndependently(t *testing.T) {
	store := testStore()

	_, err := store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)
	_, err = store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)

	other := `Digest realm="other.provider.test", nonce="xyz", qop="auth"`
	value, err := store.Authorize(other, "INVITE", "sip:+100@trunk.example.com")
	require.NoError(t, err)

	cred, err := digest.ParseCredentials("Digest " + stripScheme(value))
	require.NoError(t, err)
	assert.EqualValues(t, 1, cred.Nc)

	state := store.SessionState("sip.provider.test")
	require.NotNil(t, state)
	assert.Equal(t, 2, state.NonceCount, "sibling realm state must be untouched")
}

func TestAuthorizeRejectsMalformedChallenge(t *testing.T) {
	store := testStore()

	cases := map[string]string{
		"garbage":       "Bearer not-a-digest",
		"empty":         "",
		"missing nonce": `Digest realm="sip.provider.test"`,
		"missing realm": `Digest nonce="abc123"`,
	}

	for name, challenge := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := store.Authorize(challenge, "INVITE", "sip:+100@trunk.example.com")
			require.Error(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrInvalidChallenge))
		})
	}
}

func TestAuthorizeConcurrentNonceCounts(t *testing.T) {
	store := testStore()

	const workers = 16
	values := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := store.Authorize(testChallenge, "INVITE", "sip:+100@trunk.example.com")
			assert.NoError(t, err)
			values[i] = value
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, value := range values {
		cred, err := digest.ParseCredentials("Digest " + stripScheme(value))
		require.NoError(t, err)
		nc := int64(cred.Nc)
		assert.False(t, seen[nc], "nonce count %d reused", nc)
		seen[nc] = true
	}
	assert.Len(t, seen, workers)

	state := store.SessionState("sip.provider.test")
	require.NotNil(t, state)
	assert.Equal(t, workers, state.NonceCount)
}

// stripScheme drops the leading "Digest " so the value can be re-parsed
// regardless of how Credentials.String renders the scheme
func stripScheme(value string) string {
	const prefix = "Digest "
	if len(value) > len(prefix) && value[:len(prefix)] == prefix {
		return value[len(prefix):]
	}
	return value
}
