// Package relay implements the single multiplexed WebSocket endpoint
// that tunnels HTTP-shaped requests and SSE streams to the gateway's
// own HTTP handler, authenticated either by a trusted local connection
// policy or by a completed SRP handshake. Grounded on the gorilla/
// websocket usage in the teacher's sibling repo go-memsh
// (cmd/webshell/main.go's upgrader + ReadMessage/WriteMessage loop),
// generalized from a raw shell PTY bridge to an encrypted, sequenced,
// multiplexed request tunnel.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/gateway/internal/auth"
	"github.com/agentbridge/gateway/internal/srp"
	"github.com/agentbridge/gateway/pkg/apierr"
)

// handshakeDeadline bounds the time between client_hello and
// client_proof, per spec §4.I, enforced here via the read deadline
// since srp.Handshake itself only checks elapsed time once a proof
// actually arrives.
const handshakeDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps are the collaborators a Conn needs to admit SRP handshakes and
// dispatch tunneled application traffic.
type Deps struct {
	AppHandler     http.Handler
	VerifierLookup srp.VerifierLookup
	Identities     *srp.IdentityLimiter
	Cooldown       *srp.CooldownTracker
	Sessions       *srp.SessionStore
}

// Conn is one relay WebSocket connection's state machine.
type Conn struct {
	ws     *websocket.Conn
	policy auth.Policy
	deps   Deps

	handshake  *srp.Handshake
	resumeFlow *srp.ResumeFlow

	established           bool // app traffic may flow
	viaSRP                bool // established via SRP (crypto required) vs. trusted local
	trafficKey            []byte
	baseSessionKey        []byte
	usingLegacyTrafficKey bool

	lastInboundSeq  int64
	seqStarted      bool
	nextOutboundSeq int64

	writeMu sync.Mutex
}

// Upgrade upgrades an HTTP request to a WebSocket and serves the relay
// protocol on it until the client disconnects or a policy violation
// closes it. Blocks until the connection ends.
func Upgrade(w http.ResponseWriter, r *http.Request, policy auth.Policy, deps Deps) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Conn{
		ws:          ws,
		policy:      policy,
		deps:        deps,
		established: !policy.RequiresSRP(),
	}
	if policy.RequiresSRP() {
		c.handshake = srp.NewHandshake(deps.VerifierLookup, deps.Identities, deps.Cooldown)
		c.resumeFlow = srp.NewResumeFlow(deps.Sessions)
	}
	defer ws.Close()
	return c.serve()
}

func (c *Conn) serve() error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		switch msgType {
		case websocket.TextMessage:
			if err := c.handleText(data); err != nil {
				return err
			}
		case websocket.BinaryMessage:
			if err := c.handleBinary(data); err != nil {
				return err
			}
		default:
			// Ping/Pong/Close control frames are handled by gorilla
			// internally; nothing else to do here.
		}
	}
}

func (c *Conn) closeWith(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return apierr.New(apierr.Unauthorized, reason)
}

func (c *Conn) writeText(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) writeEncryptedFrame(frame Frame) error {
	frame.Seq = c.nextOutboundSeq
	c.nextOutboundSeq++

	key := c.trafficKey
	nonce, ciphertext, err := sealFrame(key, frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, encodeBinaryEnvelope(nonce, ciphertext))
}

func (c *Conn) writePlainFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

