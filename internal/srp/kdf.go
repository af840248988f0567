package srp

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// trafficKeyLen is the symmetric key size the relay's secretbox
// envelope expects.
const trafficKeyLen = 32

// deriveKey runs HKDF-SHA256 over secret with the given salt/info,
// producing a trafficKeyLen key. Used both for the base session key
// derived from the raw SRP secret and for the per-connection transport
// key derived from the base key plus a connection nonce.
func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, trafficKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
