// Package supervisor owns every running Process: it assigns process and
// session ids, enforces a per-project concurrency cap behind a FIFO
// admission queue, and reconciles a Process's session id when the
// subprocess reports its own.
//
// Grounded on the teacher's internal/session.Service: the same
// single-mutex-guarded map-of-active-sessions shape
// (active map[string]*ActiveSession, abortChs map[string]chan struct{})
// generalized from one index to the two (byProcessID/bySessionID) this
// gateway needs, plus admission queueing the teacher never had to do
// because it processed one message at a time rather than supervising
// concurrent long-lived subprocesses per project.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/internal/process"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/pkg/apierr"
	"github.com/agentbridge/gateway/pkg/types"
)

// DefaultProjectCap is the per-project concurrency cap used when Config
// does not set one.
const DefaultProjectCap = 3

// StartRequest describes a session start or resume.
type StartRequest struct {
	ProjectPath    string
	Backend        provider.Backend
	InitialMessage string
	Mode           types.PermissionMode
	Attachments    []types.Attachment
	Env            []string
}

// StartOutcome is the result of StartSession/ResumeSession: exactly one
// of Process, Queued, or QueueFull is set.
type StartOutcome struct {
	Process   *process.Process
	Queued    bool
	QueueID   string
	Position  int
	QueueFull bool
}

// Config configures a Supervisor.
type Config struct {
	Bus  *eventbus.Bus
	Logs *sessionlog.Store

	ProjectCap    int // per-project concurrency cap; <=0 uses DefaultProjectCap
	GlobalCap     int // global concurrency cap; 0 = unlimited
	QueueCap      int // max waiting tickets per project; 0 = unlimited
	ProcessQueueCap int // message queue capacity handed to each Process
	GraceDeadline time.Duration
}

type ticket struct {
	id          string
	req         StartRequest
	sessionID   string // fixed for resumeSession tickets, "" for new-session tickets
	projectPath string
	resultCh    chan *process.Process
	cancelled   bool
}

// Supervisor is the owner of every running Process.
type Supervisor struct {
	bus             *eventbus.Bus
	logs            *sessionlog.Store
	projectCap      int
	globalCap       int
	queueCap        int
	processQueueCap int
	graceDeadline   time.Duration

	mu             sync.Mutex
	byProcessID    map[string]*process.Process
	bySessionID    map[string]*process.Process
	running        int
	projectRunning map[string]int
	waiting        map[string][]*ticket // keyed by projectPath, FIFO
	pending        map[string]*ticket   // keyed by ticket id, independent of FIFO position
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	projectCap := cfg.ProjectCap
	if projectCap <= 0 {
		projectCap = DefaultProjectCap
	}
	return &Supervisor{
		bus:             cfg.Bus,
		logs:            cfg.Logs,
		projectCap:      projectCap,
		globalCap:       cfg.GlobalCap,
		queueCap:        cfg.QueueCap,
		processQueueCap: cfg.ProcessQueueCap,
		graceDeadline:   cfg.GraceDeadline,
		byProcessID:     make(map[string]*process.Process),
		bySessionID:     make(map[string]*process.Process),
		projectRunning:  make(map[string]int),
		waiting:         make(map[string][]*ticket),
		pending:         make(map[string]*ticket),
	}
}

// StartSession creates a new Process for req, or enqueues an admission
// ticket if the project's concurrency cap is reached.
func (s *Supervisor) StartSession(req StartRequest) (StartOutcome, error) {
	return s.admit(req, "")
}

// ResumeSession reuses the existing Process for sessionID if one is
// already running; otherwise it admits a new Process bound to that id,
// replaying the on-disk log into its in-memory history before
// dispatching the initial message.
func (s *Supervisor) ResumeSession(sessionID string, req StartRequest) (StartOutcome, error) {
	s.mu.Lock()
	if p, ok := s.bySessionID[sessionID]; ok {
		s.mu.Unlock()
		if req.InitialMessage != "" {
			p.QueueMessage(req.InitialMessage, req.Attachments)
		}
		return StartOutcome{Process: p}, nil
	}
	s.mu.Unlock()
	return s.admit(req, sessionID)
}

// admit reserves a concurrency slot for req, or enqueues/declines it.
// A non-empty fixedSessionID binds the eventual Process to that session
// id (resume); otherwise a fresh temporary id is generated.
func (s *Supervisor) admit(req StartRequest, fixedSessionID string) (StartOutcome, error) {
	s.mu.Lock()
	admitted := s.tryReserveLocked(req.ProjectPath)
	if !admitted {
		if s.queueCap > 0 && len(s.waiting[req.ProjectPath]) >= s.queueCap {
			s.mu.Unlock()
			return StartOutcome{QueueFull: true}, nil
		}
		t := &ticket{
			id:          ulid.Make().String(),
			req:         req,
			sessionID:   fixedSessionID,
			projectPath: req.ProjectPath,
			resultCh:    make(chan *process.Process, 1),
		}
		s.waiting[req.ProjectPath] = append(s.waiting[req.ProjectPath], t)
		s.pending[t.id] = t
		position := len(s.waiting[req.ProjectPath]) - 1
		s.mu.Unlock()
		return StartOutcome{Queued: true, QueueID: t.id, Position: position}, nil
	}
	s.mu.Unlock()

	p, err := s.spawn(req, fixedSessionID)
	if err != nil {
		s.release(req.ProjectPath)
		return StartOutcome{}, err
	}
	return StartOutcome{Process: p}, nil
}

// tryReserveLocked increments the running counters if a slot is
// available. Must be called with s.mu held.
func (s *Supervisor) tryReserveLocked(projectPath string) bool {
	if s.globalCap > 0 && s.running >= s.globalCap {
		return false
	}
	if s.projectRunning[projectPath] >= s.projectCap {
		return false
	}
	s.running++
	s.projectRunning[projectPath]++
	return true
}

// spawn constructs and starts a Process for a reserved admission slot,
// replaying the on-disk log first when fixedSessionID names an existing
// session.
func (s *Supervisor) spawn(req StartRequest, fixedSessionID string) (*process.Process, error) {
	sessionID := fixedSessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	var replay []*types.Record
	var logHandle *sessionlog.Log
	if s.logs != nil {
		logHandle = s.logs.Open(req.ProjectPath, sessionID)
		if fixedSessionID != "" {
			if recs, err := logHandle.Read(""); err == nil {
				replay = recs
			}
		}
	}

	processID := ulid.Make().String()
	p, err := process.New(process.Config{
		ID:          processID,
		SessionID:   sessionID,
		ProjectPath: req.ProjectPath,
		Backend:     req.Backend,
		StartOpts: provider.StartOptions{
			WorkDir:        req.ProjectPath,
			InitialPrompt:  req.InitialMessage,
			PermissionMode: string(req.Mode),
			Env:            req.Env,
		},
		Log:           logHandle,
		Bus:           s.bus,
		QueueCap:      s.processQueueCap,
		GraceDeadline: s.graceDeadline,
		Replay:        replay,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: start process: %w", err)
	}

	s.mu.Lock()
	s.byProcessID[processID] = p
	s.bySessionID[sessionID] = p
	s.mu.Unlock()

	p.Subscribe(s.terminalListener(req.ProjectPath, processID, sessionID))

	logging.Component("supervisor").Info().
		Str("processId", processID).
		Str("sessionId", sessionID).
		Str("projectPath", req.ProjectPath).
		Msg("process started")

	return p, nil
}

// terminalListener returns a process.Listener that releases the
// project's concurrency slot once the process reaches a terminal state,
// and reconciles the session-id indices on promotion.
func (s *Supervisor) terminalListener(projectPath, processID, sessionID string) process.Listener {
	current := sessionID
	return func(ev process.Event) {
		switch ev.Kind {
		case process.EventSessionIDChange:
			s.reindexSession(processID, ev.OldSessionID, ev.NewSessionID)
			current = ev.NewSessionID
		case process.EventStateChange:
			if ev.State != nil && ev.State.Kind.IsTerminal() {
				s.removeLocked(processID, current)
				s.release(projectPath)
			}
		}
	}
}

// reindexSession atomically swaps a Process's bySessionID key when the
// subprocess reports its agent-assigned session id, and publishes a
// session-updated event.
func (s *Supervisor) reindexSession(processID, oldID, newID string) {
	s.mu.Lock()
	p, ok := s.byProcessID[processID]
	if ok {
		delete(s.bySessionID, oldID)
		s.bySessionID[newID] = p
	}
	s.mu.Unlock()
	if ok && s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Kind: eventbus.SessionUpdated,
			Data: eventbus.SessionStatusChangedData{SessionID: newID, Ownership: processID},
		})
	}
}

func (s *Supervisor) removeLocked(processID, sessionID string) {
	s.mu.Lock()
	delete(s.byProcessID, processID)
	delete(s.bySessionID, sessionID)
	s.mu.Unlock()
}

// release frees one concurrency slot for projectPath and, if a ticket is
// waiting, starts it.
func (s *Supervisor) release(projectPath string) {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	if s.projectRunning[projectPath] > 0 {
		s.projectRunning[projectPath]--
	}

	var next *ticket
	for {
		q := s.waiting[projectPath]
		if len(q) == 0 {
			break
		}
		next, q = q[0], q[1:]
		s.waiting[projectPath] = q
		if !next.cancelled {
			break
		}
		next = nil
	}
	if next == nil {
		s.mu.Unlock()
		return
	}
	s.running++
	s.projectRunning[projectPath]++
	s.mu.Unlock()

	go func() {
		p, err := s.spawn(next.req, next.sessionID)
		if err != nil {
			logging.Component("supervisor").Error().Err(err).Msg("ticket spawn failed")
			s.release(projectPath)
			close(next.resultCh)
			return
		}
		next.resultCh <- p
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Kind: eventbus.SessionCreated,
				Data: eventbus.SessionStatusChangedData{SessionID: p.SessionID(), Ownership: p.ID()},
			})
		}
	}()
}

// AbortProcess removes processID from both indices atomically and
// signals its subprocess to terminate.
func (s *Supervisor) AbortProcess(processID string) bool {
	s.mu.Lock()
	p, ok := s.byProcessID[processID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sessionID := p.SessionID()
	delete(s.byProcessID, processID)
	delete(s.bySessionID, sessionID)
	s.mu.Unlock()

	p.Abort("aborted by supervisor")
	return true
}

// GetProcess returns the Process owning processID.
func (s *Supervisor) GetProcess(processID string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byProcessID[processID]
	return p, ok
}

// GetProcessForSession returns the Process currently owning sessionID.
func (s *Supervisor) GetProcessForSession(sessionID string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.bySessionID[sessionID]
	return p, ok
}

// GetAllProcesses returns every currently owned Process.
func (s *Supervisor) GetAllProcesses() []*process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*process.Process, 0, len(s.byProcessID))
	for _, p := range s.byProcessID {
		out = append(out, p)
	}
	return out
}

// CancelTicket cancels a pending admission ticket by id. Returns false
// if no such ticket is currently waiting.
func (s *Supervisor) CancelTicket(queueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[queueID]
	if !ok || t.cancelled {
		return false
	}
	waiting := false
	for _, w := range s.waiting[t.projectPath] {
		if w == t {
			waiting = true
			break
		}
	}
	if !waiting {
		return false
	}
	t.cancelled = true
	close(t.resultCh)
	return true
}

// AwaitTicket blocks until the Process for queueID starts, the ticket is
// cancelled, or timeout elapses.
func (s *Supervisor) AwaitTicket(queueID string, timeout time.Duration) (*process.Process, *apierr.Error) {
	s.mu.Lock()
	t, ok := s.pending[queueID]
	s.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "no such queue ticket")
	}

	select {
	case p, ok := <-t.resultCh:
		if !ok {
			return nil, apierr.New(apierr.InternalIO, "queued start failed")
		}
		return p, nil
	case <-time.After(timeout):
		return nil, apierr.New(apierr.Timeout, "ticket did not start before timeout")
	}
}
