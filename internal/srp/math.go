package srp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// ephemeralBytes is the size of server/client private ephemeral
// exponents, matching the group's bit strength.
const ephemeralBytes = 32

// Verifier is what the server persists per identity: the password
// never touches storage, only its salt and the derived verifier v.
type Verifier struct {
	Identity string
	Salt     []byte
	V        *big.Int
}

// GenerateVerifier computes a fresh salt and verifier for (identity,
// password), for use at account-setup time.
func GenerateVerifier(identity string, password []byte) (*Verifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srp: generate salt: %w", err)
	}
	x := computeX(salt, identity, password)
	v := new(big.Int).Exp(groupG, x, groupN)
	return &Verifier{Identity: identity, Salt: salt, V: v}, nil
}

// computeX derives the private SRP exponent x = H(salt || H(identity ||
// ":" || password)) from the password, per RFC 5054.
func computeX(salt []byte, identity string, password []byte) *big.Int {
	inner := hashBytes([]byte(identity), []byte(":"), password)
	outer := hashBytes(salt, inner)
	return new(big.Int).SetBytes(outer)
}

// serverEphemeral picks a random private exponent b and computes the
// public value B = (k*v + g^b) mod N that the client needs to proceed.
func serverEphemeral(v *big.Int) (b, B *big.Int, err error) {
	raw := make([]byte, ephemeralBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, fmt.Errorf("srp: generate ephemeral: %w", err)
	}
	b = new(big.Int).SetBytes(raw)

	kv := new(big.Int).Mul(groupK, v)
	gb := new(big.Int).Exp(groupG, b, groupN)
	B = new(big.Int).Mod(new(big.Int).Add(kv, gb), groupN)
	return b, B, nil
}

// computeU derives the scrambling parameter u = H(A || B) mod N.
func computeU(A, B *big.Int) *big.Int {
	return new(big.Int).SetBytes(hashInts(A, B))
}

// computeServerKey derives the raw shared secret S = (A * v^u)^b mod N.
// A of zero mod N is rejected by the caller before this is reached
// (the classic SRP-6a safety check against a zero client key).
func computeServerKey(A, v, u, b *big.Int) *big.Int {
	vu := new(big.Int).Exp(v, u, groupN)
	base := new(big.Int).Mod(new(big.Int).Mul(A, vu), groupN)
	return new(big.Int).Exp(base, b, groupN)
}

// computeM1 binds the exchange to a proof the server can check against
// its own computation of S without exposing S itself. This is a
// simplified binding (H(A, B, S)) rather than RFC 5054's full
// H(N)-xor-H(g) hash chain — identity and salt are already bound into
// v (and therefore S) via computeX, so the simplification doesn't drop
// any of the values the proof needs to cover.
func computeM1(A, B, S *big.Int) []byte {
	return hashInts(A, B, S)
}

func computeM2(A *big.Int, m1 []byte, S *big.Int) []byte {
	return hashBytes(A.Bytes(), m1, S.Bytes())
}

// isSafeA rejects a client public value that is 0 mod N, which would
// let an attacker force a known shared secret.
func isSafeA(A *big.Int) bool {
	return new(big.Int).Mod(A, groupN).Sign() != 0
}
