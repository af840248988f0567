package relay

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	"github.com/agentbridge/gateway/pkg/apierr"
)

// controlMessage is the envelope for every text-frame SRP control
// message; fields not used by a given type are simply absent.
type controlMessage struct {
	Type      string `json:"type"`
	Identity  string `json:"identity"`
	A         string `json:"A,omitempty"`
	M1        string `json:"m1,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Proof     string `json:"proof,omitempty"`
}

func (c *Conn) handleText(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return c.closeWith(apierr.CloseAuthRequired, "malformed frame")
	}

	if srpControlTypes[probe.Type] {
		return c.handleSRPControl(data, probe.Type)
	}

	if probe.Type == "encrypted" {
		if !c.established {
			return c.closeWith(apierr.CloseAuthRequired, "encrypted frame before SRP established")
		}
		nonce, ciphertext, err := decodeLegacyEnvelope(data)
		if err != nil {
			return c.closeWith(apierr.CloseReplayOrDecrypt, "malformed legacy envelope")
		}
		return c.handleEncrypted(nonce, ciphertext)
	}

	// Plain-text application frame.
	if c.viaSRP {
		// Crypto is required for this connection once SRP is the
		// established mechanism; a plaintext app frame is either
		// pre-auth (srp_required, code 4001) or post-auth (4005).
		if !c.established {
			return c.closeWith(apierr.CloseAuthRequired, "srp required")
		}
		return c.closeWith(apierr.CloseAlreadyAuthOrPlain, "plaintext frame after SRP established")
	}
	if !c.established {
		return c.closeWith(apierr.CloseAuthRequired, "srp required")
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return c.closeWith(apierr.CloseAuthRequired, "malformed frame")
	}
	return c.dispatch(frame)
}

func (c *Conn) handleBinary(data []byte) error {
	if !c.established {
		return c.closeWith(apierr.CloseAuthRequired, "encrypted frame before SRP established")
	}

	nonce, ciphertext, err := decodeBinaryEnvelope(data)
	if err != nil {
		return c.closeWith(apierr.CloseReplayOrDecrypt, "malformed envelope")
	}
	return c.handleEncrypted(nonce, ciphertext)
}

// handleEncrypted decrypts with the current transport key, falling
// back to a single attempt with baseSessionKey (the legacy-key
// fallback) if that fails and one is available, then enforces the
// inbound sequence discipline before dispatching.
func (c *Conn) handleEncrypted(nonce, ciphertext []byte) error {
	frame, err := openFrame(c.trafficKey, nonce, ciphertext)
	usedLegacy := false
	if err != nil && c.baseSessionKey != nil {
		frame, err = openFrame(c.baseSessionKey, nonce, ciphertext)
		usedLegacy = true
	}
	if err != nil {
		return c.closeWith(apierr.CloseReplayOrDecrypt, "decryption failed")
	}

	if !c.checkSeq(frame.Seq) {
		return c.closeWith(apierr.CloseReplayOrDecrypt, "replay detected")
	}

	if usedLegacy && !c.usingLegacyTrafficKey {
		c.usingLegacyTrafficKey = true
		c.lastInboundSeq = frame.Seq
		c.seqStarted = true
		c.nextOutboundSeq = 0
	}

	return c.dispatch(frame)
}

// checkSeq enforces "initial seq must be 0, every subsequent seq must
// be strictly greater than the last seen one."
func (c *Conn) checkSeq(seq int64) bool {
	if !c.seqStarted {
		if seq != 0 {
			return false
		}
		c.seqStarted = true
		c.lastInboundSeq = seq
		return true
	}
	if seq <= c.lastInboundSeq {
		return false
	}
	c.lastInboundSeq = seq
	return true
}

func (c *Conn) handleSRPControl(data []byte, msgType string) error {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.closeWith(apierr.CloseAuthRequired, "malformed control message")
	}

	switch msgType {
	case "srp_hello":
		return c.onHello(msg)
	case "srp_proof":
		return c.onProof(msg)
	case "srp_resume_init":
		return c.onResumeInit(msg)
	case "srp_resume":
		return c.onResume(msg)
	default:
		return c.closeWith(apierr.CloseAuthRequired, "unknown control message")
	}
}

func (c *Conn) onHello(msg controlMessage) error {
	challenge, err := c.handshake.ClientHello(msg.Identity)
	if err != nil {
		_ = c.writeText(map[string]any{"type": "srp_error", "message": err.Error()})
		return c.closeWith(rateOrAuthCode(err), err.Error())
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeDeadline))
	return c.writeText(map[string]any{
		"type": "srp_challenge",
		"salt": base64.StdEncoding.EncodeToString(challenge.Salt),
		"B":    challenge.B.Text(16),
	})
}

func (c *Conn) onProof(msg controlMessage) error {
	A, ok := new(big.Int).SetString(msg.A, 16)
	if !ok {
		return c.closeWith(apierr.CloseAuthRequired, "malformed client public value")
	}
	m1, err := base64.StdEncoding.DecodeString(msg.M1)
	if err != nil {
		return c.closeWith(apierr.CloseAuthRequired, "malformed proof")
	}

	verify, err := c.handshake.ClientProof(A, m1)
	if err != nil {
		_ = c.writeText(map[string]any{"type": "srp_invalid"})
		return c.closeWith(rateOrAuthCode(err), err.Error())
	}

	_ = c.ws.SetReadDeadline(time.Time{})
	c.trafficKey = verify.TrafficKey
	c.baseSessionKey = verify.BaseSessionKey
	c.established = true
	c.viaSRP = true

	return c.writeText(map[string]any{
		"type":  "srp_verify",
		"m2":    base64.StdEncoding.EncodeToString(verify.M2),
		"nonce": base64.StdEncoding.EncodeToString(verify.Nonce),
	})
}

func (c *Conn) onResumeInit(msg controlMessage) error {
	nonce, err := c.resumeFlow.Init(msg.SessionID, msg.Identity)
	if err != nil {
		_ = c.writeText(map[string]any{"type": "srp_invalid"})
		return c.closeWith(apierr.CloseAuthRequired, "invalid")
	}
	return c.writeText(map[string]any{
		"type":      "srp_resume_challenge",
		"sessionId": msg.SessionID,
		"nonce":     base64.StdEncoding.EncodeToString(nonce),
	})
}

func (c *Conn) onResume(msg controlMessage) error {
	proof, err := base64.StdEncoding.DecodeString(msg.Proof)
	if err != nil || len(proof) < 24 {
		_ = c.writeText(map[string]any{"type": "srp_invalid"})
		return c.closeWith(apierr.CloseAuthRequired, "invalid")
	}
	encNonce, ciphertext := proof[:24], proof[24:]

	transportKey, err := c.resumeFlow.Proof(msg.SessionID, msg.Identity, encNonce, ciphertext)
	if err != nil {
		_ = c.writeText(map[string]any{"type": "srp_invalid"})
		return c.closeWith(apierr.CloseAuthRequired, "invalid")
	}

	c.trafficKey = transportKey
	c.established = true
	c.viaSRP = true
	c.seqStarted = false
	c.nextOutboundSeq = 0

	return c.writeText(map[string]any{"type": "srp_resumed", "sessionId": msg.SessionID})
}

func rateOrAuthCode(err error) int {
	if apiErr, ok := err.(*apierr.Error); ok && apiErr.Kind == apierr.RateLimited {
		return apierr.CloseRateLimitedOrTimeout
	}
	return apierr.CloseAuthRequired
}
