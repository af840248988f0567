package srp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/agentbridge/gateway/pkg/apierr"
)

// resumeChallengeTTL bounds how long a resume_challenge nonce stays
// valid and how far a client's bound timestamp may drift.
const resumeChallengeTTL = 60 * time.Second

// ResumeFlow drives resume_init -> resume_challenge -> resume_proof so
// a reconnecting client can skip the full SRP exchange. Resume
// failures are reported with a single generic apierr.Unauthorized
// ("invalid") regardless of cause, per spec §4.I — the protocol
// deliberately doesn't distinguish "unknown session" from "bad proof".
type ResumeFlow struct {
	store *SessionStore

	mu      sync.Mutex
	pending map[string]*pendingChallenge
}

type pendingChallenge struct {
	nonce    []byte
	issuedAt time.Time
}

// resumeProofPayload is the plaintext the client encrypts with the
// session's base key to prove it still holds it.
type resumeProofPayload struct {
	Timestamp      int64  `json:"timestamp"`
	SessionID      string `json:"sessionId"`
	ChallengeNonce []byte `json:"challengeNonce"`
}

func NewResumeFlow(store *SessionStore) *ResumeFlow {
	return &ResumeFlow{store: store, pending: make(map[string]*pendingChallenge)}
}

var errInvalidResume = apierr.New(apierr.Unauthorized, "invalid")

// Init processes resume_init: looks up the stored session, mints a
// single-use 24-byte challenge nonce valid for 60s, and returns it as
// resume_challenge.
func (r *ResumeFlow) Init(sessionID, identity string) ([]byte, error) {
	sess, ok := r.store.Get(sessionID)
	if !ok || sess.Identity != identity {
		return nil, errInvalidResume
	}

	nonce := make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.pending[sessionID] = &pendingChallenge{nonce: nonce, issuedAt: time.Now()}
	r.mu.Unlock()

	return nonce, nil
}

// Proof processes resume_proof: the ciphertext is
// secretbox(nonce=encNonce, key=deriveKey(baseKey, challengeNonce, ...))
// of a resumeProofPayload binding {timestamp, sessionId,
// challengeNonce}. On success it returns the transport key the
// connection should use going forward (the same derivation the
// original handshake's server_verify uses) and resume_ok is implied by
// a nil error.
func (r *ResumeFlow) Proof(sessionID, identity string, encNonce, ciphertext []byte) ([]byte, error) {
	r.mu.Lock()
	challenge, ok := r.pending[sessionID]
	delete(r.pending, sessionID) // single-use regardless of outcome
	r.mu.Unlock()
	if !ok || time.Since(challenge.issuedAt) > resumeChallengeTTL {
		return nil, errInvalidResume
	}

	sess, ok := r.store.Get(sessionID)
	if !ok || sess.Identity != identity {
		return nil, errInvalidResume
	}

	transportKey, err := deriveKey(sess.BaseSessionKey, challenge.nonce, "srp-transport-key")
	if err != nil {
		return nil, errInvalidResume
	}

	var keyArr [32]byte
	copy(keyArr[:], transportKey)
	var nonceArr [24]byte
	if len(encNonce) != 24 {
		return nil, errInvalidResume
	}
	copy(nonceArr[:], encNonce)

	plain, ok := secretbox.Open(nil, ciphertext, &nonceArr, &keyArr)
	if !ok {
		return nil, errInvalidResume
	}

	var payload resumeProofPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, errInvalidResume
	}
	if payload.SessionID != sessionID {
		return nil, errInvalidResume
	}
	if len(payload.ChallengeNonce) != len(challenge.nonce) ||
		subtle.ConstantTimeCompare(payload.ChallengeNonce, challenge.nonce) != 1 {
		return nil, errInvalidResume
	}
	if abs(time.Now().Unix()-payload.Timestamp) > int64(resumeChallengeTTL.Seconds()) {
		return nil, errInvalidResume
	}

	r.store.Touch(sessionID)
	return transportKey, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
