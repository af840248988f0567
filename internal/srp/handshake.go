package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentbridge/gateway/pkg/apierr"
)

// handshakeDeadline is the max time allowed from client_hello to
// client_proof before the connection must be closed.
const handshakeDeadline = 10 * time.Second

// VerifierLookup resolves an identity to its stored salt+verifier.
type VerifierLookup func(identity string) (*Verifier, bool)

// ServerChallenge is the server_challenge message.
type ServerChallenge struct {
	Salt []byte
	B    *big.Int
}

// ServerVerify is the server_verify message: M2 proves the server also
// derived S, Nonce mixes into the per-connection transport key, and
// TrafficKey/BaseSessionKey are handed to the caller (never serialized
// to the wire) so it can start encrypting traffic immediately.
type ServerVerify struct {
	M2             []byte
	Nonce          []byte
	TrafficKey     []byte
	BaseSessionKey []byte
}

// Handshake drives one connection's client_hello -> server_challenge ->
// client_proof -> server_verify exchange. One Handshake is created per
// inbound relay connection attempting SRP.
type Handshake struct {
	lookup      VerifierLookup
	identities  *IdentityLimiter
	cooldown    *CooldownTracker
	connLimiter *rate.Limiter

	identity  string
	v         *big.Int
	b         *big.Int
	B         *big.Int
	startedAt time.Time
}

func NewHandshake(lookup VerifierLookup, identities *IdentityLimiter, cooldown *CooldownTracker) *Handshake {
	return &Handshake{
		lookup:      lookup,
		identities:  identities,
		cooldown:    cooldown,
		connLimiter: NewConnectionLimiter(),
	}
}

// ClientHello processes message 1: looks up the identity, applies
// rate limits and cooldown, and returns the server_challenge.
func (h *Handshake) ClientHello(identity string) (*ServerChallenge, error) {
	if !h.connLimiter.Allow() {
		return nil, apierr.New(apierr.RateLimited, "too many handshake attempts on this connection")
	}
	if blocked, retryAfter := h.cooldown.Blocked(identity); blocked {
		return nil, apierr.New(apierr.RateLimited, "identity in cooldown for "+retryAfter.String())
	}
	if !h.identities.Allow(identity) {
		return nil, apierr.New(apierr.RateLimited, "too many handshake attempts for this identity")
	}

	verifier, ok := h.lookup(identity)
	if !ok {
		return nil, apierr.New(apierr.Unauthorized, "unknown identity")
	}

	b, B, err := serverEphemeral(verifier.V)
	if err != nil {
		return nil, err
	}

	h.identity = identity
	h.v = verifier.V
	h.b = b
	h.B = B
	h.startedAt = time.Now()

	return &ServerChallenge{Salt: verifier.Salt, B: B}, nil
}

// ClientProof processes message 3: verifies M1 against the server's
// own computation of S and, on success, derives the session's keys.
// On failure it records a cooldown strike; the caller is responsible
// for closing the socket either way, per spec §4.I.
func (h *Handshake) ClientProof(A *big.Int, m1 []byte) (*ServerVerify, error) {
	if h.B == nil {
		return nil, apierr.New(apierr.InvalidRequest, "client_proof before server_challenge")
	}
	if time.Since(h.startedAt) > handshakeDeadline {
		return nil, apierr.New(apierr.Timeout, "handshake deadline exceeded")
	}
	if !isSafeA(A) {
		h.fail()
		return nil, apierr.New(apierr.Unauthorized, "invalid client public value")
	}

	u := computeU(A, h.B)
	S := computeServerKey(A, h.v, u, h.b)
	expectedM1 := computeM1(A, h.B, S)

	if !hmac.Equal(expectedM1, m1) {
		h.fail()
		return nil, apierr.New(apierr.Unauthorized, "proof mismatch")
	}
	h.cooldown.Reset(h.identity)

	nonce := make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	baseKey, err := deriveKey(S.Bytes(), nil, "srp-base-session-key")
	if err != nil {
		return nil, err
	}
	trafficKey, err := deriveKey(baseKey, nonce, "srp-transport-key")
	if err != nil {
		return nil, err
	}

	return &ServerVerify{
		M2:             computeM2(A, m1, S),
		Nonce:          nonce,
		TrafficKey:     trafficKey,
		BaseSessionKey: baseKey,
	}, nil
}

func (h *Handshake) fail() {
	h.cooldown.RecordFailure(h.identity)
}
