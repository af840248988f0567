package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

const envelopeVersion = 0x01

// minEnvelopeLen is version(1) + nonce(24) + the smallest possible
// secretbox overhead (16-byte Poly1305 tag) for a non-empty message.
const minEnvelopeLen = 1 + 24 + secretbox.Overhead

var (
	errEnvelopeTooShort = errors.New("relay: envelope shorter than minimum length")
	errBadVersion       = errors.New("relay: unsupported envelope version")
	errDecryptFailed    = errors.New("relay: decryption failed")
)

// legacyEnvelope is the pre-binary-envelope JSON wire shape, kept for
// compatibility: {"type":"encrypted","nonce":"<b64>","ciphertext":"<b64>"}.
type legacyEnvelope struct {
	Type       string `json:"type"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// decodeBinaryEnvelope splits a binary frame into its nonce and
// ciphertext, enforcing the version byte and minimum length.
func decodeBinaryEnvelope(data []byte) (nonce, ciphertext []byte, err error) {
	if len(data) < minEnvelopeLen {
		return nil, nil, errEnvelopeTooShort
	}
	if data[0] != envelopeVersion {
		return nil, nil, errBadVersion
	}
	return data[1:25], data[25:], nil
}

// encodeBinaryEnvelope assembles version || nonce || ciphertext.
func encodeBinaryEnvelope(nonce, ciphertext []byte) []byte {
	out := make([]byte, 0, 1+len(nonce)+len(ciphertext))
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out
}

// decodeLegacyEnvelope parses the JSON fallback envelope format.
func decodeLegacyEnvelope(data []byte) (nonce, ciphertext []byte, err error) {
	var env legacyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, err
	}
	nonce, err = base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ciphertext, nil
}

// sealFrame encrypts a Frame under key, returning a fresh random nonce
// and the ciphertext. Used for every outbound application message once
// a connection is encrypted.
func sealFrame(key []byte, frame Frame) (nonce, ciphertext []byte, err error) {
	plain, err := json.Marshal(frame)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	var keyArr [32]byte
	copy(keyArr[:], key)
	var nonceArr [24]byte
	copy(nonceArr[:], nonce)
	ciphertext = secretbox.Seal(nil, plain, &nonceArr, &keyArr)
	return nonce, ciphertext, nil
}

// openFrame decrypts nonce||ciphertext under key and unmarshals it as
// a Frame.
func openFrame(key, nonce, ciphertext []byte) (Frame, error) {
	if len(nonce) != 24 {
		return Frame{}, errDecryptFailed
	}
	var keyArr [32]byte
	copy(keyArr[:], key)
	var nonceArr [24]byte
	copy(nonceArr[:], nonce)

	plain, ok := secretbox.Open(nil, ciphertext, &nonceArr, &keyArr)
	if !ok {
		return Frame{}, errDecryptFailed
	}
	var frame Frame
	if err := json.Unmarshal(plain, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}
