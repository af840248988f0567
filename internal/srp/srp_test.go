package srp

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"
)

const testIdentity = "alice"
const testPassword = "correct horse battery staple"

// clientEphemeral emulates the client side of SRP-6a using the same
// unexported primitives the server uses, so the test can drive a full
// handshake without a second implementation of the math.
func clientEphemeral(salt []byte, B *big.Int, identity string, password []byte) (a, A *big.Int) {
	raw := make([]byte, ephemeralBytes)
	_, _ = rand.Read(raw)
	a = new(big.Int).SetBytes(raw)
	A = new(big.Int).Exp(groupG, a, groupN)
	return a, A
}

func clientProof(salt []byte, A, B, a *big.Int, identity string, password []byte) (M1 []byte, S *big.Int) {
	x := computeX(salt, identity, password)
	u := computeU(A, B)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	kgx := new(big.Int).Mul(groupK, gx)
	base := new(big.Int).Mod(new(big.Int).Sub(B, kgx), groupN)
	if base.Sign() < 0 {
		base.Add(base, groupN)
	}
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	S = new(big.Int).Exp(base, exp, groupN)

	return computeM1(A, B, S), S
}

func TestFullHandshakeSucceeds(t *testing.T) {
	verifier, err := GenerateVerifier(testIdentity, []byte(testPassword))
	require.NoError(t, err)

	lookup := func(identity string) (*Verifier, bool) {
		if identity == testIdentity {
			return verifier, true
		}
		return nil, false
	}

	hs := NewHandshake(lookup, NewIdentityLimiter(), NewCooldownTracker())
	challenge, err := hs.ClientHello(testIdentity)
	require.NoError(t, err)

	a, A := clientEphemeral(challenge.Salt, challenge.B, testIdentity, []byte(testPassword))
	m1, clientS := clientProof(challenge.Salt, A, challenge.B, a, testIdentity, []byte(testPassword))

	verify, err := hs.ClientProof(A, m1)
	require.NoError(t, err)
	assert.Len(t, verify.TrafficKey, 32)
	assert.Len(t, verify.BaseSessionKey, 32)
	assert.Len(t, verify.Nonce, 24)

	expectedM2 := computeM2(A, m1, clientS)
	assert.Equal(t, expectedM2, verify.M2)
}

func TestHandshakeRejectsUnknownIdentity(t *testing.T) {
	lookup := func(identity string) (*Verifier, bool) { return nil, false }
	hs := NewHandshake(lookup, NewIdentityLimiter(), NewCooldownTracker())
	_, err := hs.ClientHello("nobody")
	assert.Error(t, err)
}

func TestHandshakeRejectsBadProof(t *testing.T) {
	verifier, err := GenerateVerifier(testIdentity, []byte(testPassword))
	require.NoError(t, err)
	lookup := func(identity string) (*Verifier, bool) { return verifier, true }

	hs := NewHandshake(lookup, NewIdentityLimiter(), NewCooldownTracker())
	challenge, err := hs.ClientHello(testIdentity)
	require.NoError(t, err)

	_, A := clientEphemeral(challenge.Salt, challenge.B, testIdentity, []byte(testPassword))
	_, err = hs.ClientProof(A, []byte("bogus proof"))
	assert.Error(t, err)
}

func TestCooldownBlocksAfterRepeatedFailures(t *testing.T) {
	verifier, err := GenerateVerifier(testIdentity, []byte(testPassword))
	require.NoError(t, err)
	lookup := func(identity string) (*Verifier, bool) { return verifier, true }
	cooldown := NewCooldownTracker()

	hs := NewHandshake(lookup, NewIdentityLimiter(), cooldown)
	challenge, err := hs.ClientHello(testIdentity)
	require.NoError(t, err)
	_, A := clientEphemeral(challenge.Salt, challenge.B, testIdentity, []byte(testPassword))
	_, _ = hs.ClientProof(A, []byte("bogus"))

	blocked, retryAfter := cooldown.Blocked(testIdentity)
	assert.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))

	hs2 := NewHandshake(lookup, NewIdentityLimiter(), cooldown)
	_, err = hs2.ClientHello(testIdentity)
	assert.Error(t, err)
}

func TestIdentityLimiterEnforcesCapacity(t *testing.T) {
	l := NewIdentityLimiter()
	allowed := 0
	for i := 0; i < 40; i++ {
		if l.Allow("bob") {
			allowed++
		}
	}
	assert.Equal(t, perIdentityCap, allowed)
}

func TestSessionStoreEvictsOldestByLastUsedOverCap(t *testing.T) {
	store := NewSessionStore()
	var ids []string
	for i := 0; i < maxSessionsPerIdentity+2; i++ {
		sess := store.Put("carol", []byte("key"))
		ids = append(ids, sess.SessionID)
		time.Sleep(time.Millisecond)
	}

	_, ok := store.Get(ids[0])
	assert.False(t, ok, "oldest session should have been evicted")
	_, ok = store.Get(ids[len(ids)-1])
	assert.True(t, ok, "most recent session should survive")
}

func TestSessionStoreExpiresIdleSessions(t *testing.T) {
	store := NewSessionStore()
	sess := store.Put("dave", []byte("key"))
	sess.LastUsedAt = time.Now().Add(-(sessionIdleLifetime + time.Hour))

	_, ok := store.Get(sess.SessionID)
	assert.False(t, ok)
}

func TestResumeFlowRoundTrip(t *testing.T) {
	store := NewSessionStore()
	sess := store.Put(testIdentity, mustKey(32))
	flow := NewResumeFlow(store)

	nonce, err := flow.Init(sess.SessionID, testIdentity)
	require.NoError(t, err)

	transportKey, err := deriveKey(sess.BaseSessionKey, nonce, "srp-transport-key")
	require.NoError(t, err)

	payload, err := json.Marshal(resumeProofPayload{
		Timestamp:      time.Now().Unix(),
		SessionID:      sess.SessionID,
		ChallengeNonce: nonce,
	})
	require.NoError(t, err)

	var keyArr [32]byte
	copy(keyArr[:], transportKey)
	var encNonce [24]byte
	_, _ = rand.Read(encNonce[:])
	ciphertext := secretbox.Seal(nil, payload, &encNonce, &keyArr)

	got, err := flow.Proof(sess.SessionID, testIdentity, encNonce[:], ciphertext)
	require.NoError(t, err)
	assert.Equal(t, transportKey, got)
}

func TestResumeFlowRejectsReuseOfChallenge(t *testing.T) {
	store := NewSessionStore()
	sess := store.Put(testIdentity, mustKey(32))
	flow := NewResumeFlow(store)

	nonce, err := flow.Init(sess.SessionID, testIdentity)
	require.NoError(t, err)

	transportKey, _ := deriveKey(sess.BaseSessionKey, nonce, "srp-transport-key")
	payload, _ := json.Marshal(resumeProofPayload{
		Timestamp: time.Now().Unix(), SessionID: sess.SessionID, ChallengeNonce: nonce,
	})
	var keyArr [32]byte
	copy(keyArr[:], transportKey)
	var encNonce [24]byte
	_, _ = rand.Read(encNonce[:])
	ciphertext := secretbox.Seal(nil, payload, &encNonce, &keyArr)

	_, err = flow.Proof(sess.SessionID, testIdentity, encNonce[:], ciphertext)
	require.NoError(t, err)

	_, err = flow.Proof(sess.SessionID, testIdentity, encNonce[:], ciphertext)
	assert.Error(t, err, "a challenge must not be usable twice")
}

func mustKey(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
