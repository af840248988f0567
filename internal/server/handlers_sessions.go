package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentbridge/gateway/internal/process"
	"github.com/agentbridge/gateway/internal/subscription"
	"github.com/agentbridge/gateway/internal/supervisor"
	"github.com/agentbridge/gateway/pkg/apierr"
	"github.com/agentbridge/gateway/pkg/types"
)

// createSessionRequest is the body of POST /sessions/create.
type createSessionRequest struct {
	ProjectPath    string              `json:"projectPath"`
	Backend        string              `json:"backend"`
	InitialMessage string              `json:"initialMessage,omitempty"`
	Mode           types.PermissionMode `json:"mode,omitempty"`
	Attachments    []types.Attachment  `json:"attachments,omitempty"`
	Env            []string            `json:"env,omitempty"`
}

type startOutcomeResponse struct {
	ProcessID string `json:"processId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	QueueID   string `json:"queueId,omitempty"`
	Position  int    `json:"position,omitempty"`
}

// createSession handles POST /sessions/create.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIErr(w, apierr.New(apierr.InvalidRequest, "malformed request body"))
		return
	}
	if body.ProjectPath == "" {
		writeAPIErr(w, apierr.New(apierr.InvalidRequest, "projectPath is required"))
		return
	}
	if body.Mode == "" {
		body.Mode = types.ModeDefault
	}

	backend, err := s.deps.Backends.Get(body.Backend)
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.InvalidRequest, err.Error()))
		return
	}

	outcome, err := s.deps.Supervisor.StartSession(supervisor.StartRequest{
		ProjectPath:    body.ProjectPath,
		Backend:        backend,
		InitialMessage: body.InitialMessage,
		Mode:           body.Mode,
		Attachments:    body.Attachments,
		Env:            body.Env,
	})
	if err != nil {
		writeAPIErr(w, err)
		return
	}
	writeStartOutcome(w, outcome)
}

func writeStartOutcome(w http.ResponseWriter, outcome supervisor.StartOutcome) {
	switch {
	case outcome.QueueFull:
		writeError(w, http.StatusServiceUnavailable, apierr.QueueFull.Code(), "project admission queue is full")
	case outcome.Queued:
		writeJSON(w, http.StatusAccepted, startOutcomeResponse{Queued: true, QueueID: outcome.QueueID, Position: outcome.Position})
	default:
		writeJSON(w, http.StatusOK, startOutcomeResponse{ProcessID: outcome.Process.ID(), SessionID: outcome.Process.SessionID()})
	}
}

// sendMessageRequest is the body of POST /sessions/{sid}/send.
type sendMessageRequest struct {
	Text        string            `json:"text"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

// sendMessage handles POST /sessions/{sid}/send. If ?wait=true is set,
// it blocks until the process returns to idle before responding;
// otherwise it returns as soon as the message is enqueued.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sid")
	p, ok := s.deps.Supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such session"))
		return
	}

	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIErr(w, apierr.New(apierr.InvalidRequest, "malformed request body"))
		return
	}

	result := p.QueueMessage(body.Text, body.Attachments)
	if result.Err != nil {
		writeAPIErr(w, result.Err)
		return
	}

	if !parseBoolQuery(r, "wait") {
		writeJSON(w, http.StatusAccepted, map[string]any{"position": result.Position})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.AwaitTimeout)
	defer cancel()
	waitForIdle(r.WithContext(ctx), p)
	if kind := p.State().Kind; kind != types.StateIdle && !kind.IsTerminal() && ctx.Err() == context.DeadlineExceeded {
		writeAPIErr(w, apierr.New(apierr.Timeout, "process did not return to idle before the await timeout"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": p.State()})
}

// waitForIdle blocks until p returns to idle (or a terminal state) or
// the request context is cancelled.
func waitForIdle(r *http.Request, p *process.Process) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		kind := p.State().Kind
		if kind == types.StateIdle || kind.IsTerminal() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// abortSession handles DELETE /sessions/{sid}.
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sid")
	p, ok := s.deps.Supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such session"))
		return
	}
	if !s.deps.Supervisor.AbortProcess(p.ID()) {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such process"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

// streamSession handles GET /sessions/{sid}/stream: an SSE subscription
// to a running Process, replaying history after afterMessageId (if
// given) before switching to live events.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sid")
	p, ok := s.deps.Supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeAPIErr(w, apierr.New(apierr.NotFound, "no such session"))
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeAPIErr(w, apierr.New(apierr.InternalIO, err.Error()))
		return
	}

	afterID := r.URL.Query().Get("afterMessageId")
	sub := subscription.Subscribe(p, afterID, subscription.DefaultHeartbeatInterval)
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind == subscription.OutHeartbeat {
				sse.writeHeartbeat()
				continue
			}
			if err := sse.writeEvent(eventName(ev.Kind), eventPayload(ev)); err != nil {
				return
			}
		}
	}
}
