package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/textproto"
)

// dispatch routes a decoded application Frame to its handler and
// writes the reply using whichever wire mode the connection is in
// (encrypted once SRP established it, plaintext for a trusted local
// connection that never needed crypto).
func (c *Conn) dispatch(frame Frame) error {
	switch frame.Type {
	case frameRequest:
		return c.handleRequest(frame)
	case frameStreamReq:
		return c.handleStreamRequest(frame)
	case framePing:
		return c.reply(Frame{Type: framePong, ID: frame.ID})
	default:
		return nil
	}
}

func (c *Conn) reply(frame Frame) error {
	if c.viaSRP {
		return c.writeEncryptedFrame(frame)
	}
	return c.writePlainFrame(frame)
}

// handleRequest replays a tunneled request frame against the
// gateway's own HTTP handler in-process and returns the result as a
// single response frame.
func (c *Conn) handleRequest(frame Frame) error {
	req, err := http.NewRequest(frame.Method, frame.Path, bytes.NewReader(frame.Body))
	if err != nil {
		return c.reply(Frame{Type: frameResponse, ID: frame.ID, Status: http.StatusBadRequest})
	}
	for k, v := range frame.Headers {
		req.Header.Set(k, v)
	}

	rec := newCapturingWriter()
	c.deps.AppHandler.ServeHTTP(rec, req)

	return c.reply(Frame{
		Type:    frameResponse,
		ID:      frame.ID,
		Status:  rec.status,
		Headers: flattenHeader(rec.Header()),
		Body:    rec.body.Bytes(),
	})
}

// handleStreamRequest replays a tunneled request that expects an SSE
// response, translating each flushed write into a stream_event frame
// and finishing with stream_end.
func (c *Conn) handleStreamRequest(frame Frame) error {
	req, err := http.NewRequest(frame.Method, frame.Path, bytes.NewReader(frame.Body))
	if err != nil {
		return c.reply(Frame{Type: frameStreamEnd, ID: frame.ID, Status: http.StatusBadRequest})
	}
	for k, v := range frame.Headers {
		req.Header.Set(k, v)
	}

	w := &streamingWriter{
		conn: c,
		id:   frame.ID,
		hdr:  make(http.Header),
	}
	c.deps.AppHandler.ServeHTTP(w, req)
	return c.reply(Frame{Type: frameStreamEnd, ID: frame.ID, Status: w.status})
}

// capturingWriter is a minimal http.ResponseWriter that buffers a
// full response for the non-streaming request/response tunnel.
type capturingWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapturingWriter() *capturingWriter {
	return &capturingWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *capturingWriter) Header() http.Header       { return w.header }
func (w *capturingWriter) WriteHeader(statusCode int) { w.status = statusCode }
func (w *capturingWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}

// streamingWriter is an http.ResponseWriter/http.Flusher that
// translates every flushed Write into a stream_event frame, so the
// application handler can drive an SSE response without knowing it is
// actually talking to a WebSocket tunnel.
type streamingWriter struct {
	conn         *Conn
	id           string
	hdr          http.Header
	status       int
	wroteHeaders bool
}

func (w *streamingWriter) Header() http.Header { return w.hdr }

func (w *streamingWriter) WriteHeader(statusCode int) {
	if w.wroteHeaders {
		return
	}
	w.status = statusCode
	w.wroteHeaders = true
}

func (w *streamingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeaders {
		w.WriteHeader(http.StatusOK)
	}
	encoded, err := json.Marshal(string(b))
	if err != nil {
		return 0, err
	}
	if err := w.conn.reply(Frame{
		Type: frameStreamEvent,
		ID:   w.id,
		Data: encoded,
	}); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *streamingWriter) Flush() {}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[textproto.CanonicalMIMEHeaderKey(k)] = h.Get(k)
	}
	return out
}
