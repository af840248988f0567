package relay

import "encoding/json"

// Frame is the single tunneled-message shape covering every message
// kind the relay carries after a connection is admitted: request/
// response, stream_request/stream_event/stream_end, and ping/pong.
// Not every field applies to every Type; unused fields are omitted on
// the wire via `omitempty`.
type Frame struct {
	Seq     int64             `json:"seq,omitempty"`
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`
	Event   string            `json:"event,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

const (
	frameRequest     = "request"
	frameResponse    = "response"
	frameStreamReq   = "stream_request"
	frameStreamEvent = "stream_event"
	frameStreamEnd   = "stream_end"
	framePing        = "ping"
	framePong        = "pong"
)

// srpControlTypes are the text-frame message types processed by the
// SRP handshake/resume flow rather than dispatched as application
// traffic.
var srpControlTypes = map[string]bool{
	"srp_hello":       true,
	"srp_proof":       true,
	"srp_resume_init": true,
	"srp_resume":      true,
}
