// Package process drives one running agent subprocess: its state
// machine, queue-drain loop, in-memory message history, and
// stream-event fan-out to subscribers.
//
// Grounded on the teacher's internal/session package (Processor/runLoop
// shape: a per-session goroutine reading structured events off the
// child and updating shared state under a mutex) generalized from an
// in-process Eino LLM loop to a real OS subprocess driven through
// internal/executor, and on internal/session/service.go's
// ActiveSession bookkeeping for the subscriber-list/mutex pattern.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/internal/provider"
	"github.com/agentbridge/gateway/internal/queue"
	"github.com/agentbridge/gateway/internal/sessionlog"
	"github.com/agentbridge/gateway/pkg/apierr"
	"github.com/agentbridge/gateway/pkg/types"
)

// Config configures a new Process.
type Config struct {
	ID          string // process id, stable for the process's lifetime
	SessionID   string // may be a temporary id, promoted later
	ProjectPath string
	Backend     provider.Backend
	StartOpts   provider.StartOptions
	Log         *sessionlog.Log
	Bus         *eventbus.Bus
	QueueCap    int
	GraceDeadline time.Duration
	// Replay seeds in-memory history from previously committed records,
	// used when resuming a session whose log already exists on disk.
	Replay []*types.Record
}

type stagedMode struct {
	mode    types.PermissionMode
	version int
}

// Process represents one running agent subprocess and its driver loop.
type Process struct {
	id          string
	projectPath string
	backend     provider.Backend
	log         *sessionlog.Log
	bus         *eventbus.Bus
	queue       *queue.Queue
	graceDeadline time.Duration

	mu          sync.Mutex
	sessionID   string
	state       types.ProcessState
	mode        types.PermissionMode
	modeVersion int
	staged      *stagedMode
	history     []*types.Record
	forming     map[string]*types.Record // uuid -> in-progress assistant message
	subscribers map[uint64]Listener
	nextSubID   uint64

	session  provider.Session
	idle     chan struct{}
	raw      chan subprocessLine
	done     chan struct{}
	doneOnce sync.Once
}

// New creates and starts a Process: spawns the backend subprocess and
// launches its driver goroutines.
func New(cfg Config) (*Process, error) {
	grace := cfg.GraceDeadline
	if grace <= 0 {
		grace = 10 * time.Second
	}
	p := &Process{
		id:            cfg.ID,
		sessionID:     cfg.SessionID,
		projectPath:   cfg.ProjectPath,
		backend:       cfg.Backend,
		log:           cfg.Log,
		bus:           cfg.Bus,
		queue:         queue.New(cfg.QueueCap),
		graceDeadline: grace,
		state:         types.ProcessState{Kind: types.StateSpawning},
		mode:          types.ModeDefault,
		forming:       make(map[string]*types.Record),
		subscribers:   make(map[uint64]Listener),
		idle:          make(chan struct{}, 1),
		raw:           make(chan subprocessLine, 64),
		done:          make(chan struct{}),
	}
	if len(cfg.Replay) > 0 {
		p.history = append(p.history, cfg.Replay...)
	}

	session, err := cfg.Backend.StartSession(context.Background(), cfg.StartOpts)
	if err != nil {
		return nil, fmt.Errorf("process: start backend session: %w", err)
	}
	p.session = session

	if cfg.StartOpts.InitialPrompt != "" {
		p.queue.Push(cfg.StartOpts.InitialPrompt, nil)
	}

	go p.readerLoop()
	go p.coordinatorLoop()
	go p.queueDrainLoop()

	return p, nil
}

// ID returns the process id.
func (p *Process) ID() string { return p.id }

// SessionID returns the current session id (may change once, see
// session-id promotion).
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns a copy of the current state.
func (p *Process) State() types.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// QueueResult is the outcome of QueueMessage.
type QueueResult struct {
	Success  bool
	Position int
	Err      *apierr.Error
}

// QueueMessage enqueues text for delivery to the subprocess.
func (p *Process) QueueMessage(text string, attachments []types.Attachment) QueueResult {
	p.mu.Lock()
	terminal := p.state.Kind.IsTerminal()
	p.mu.Unlock()
	if terminal {
		return QueueResult{Err: apierr.New(apierr.ProcessTerminated, "process is no longer running")}
	}

	res := p.queue.Push(text, attachments)
	if !res.Success {
		return QueueResult{Err: apierr.New(apierr.QueueFull, "message queue is full")}
	}

	select {
	case p.idle <- struct{}{}:
	default:
	}
	return QueueResult{Success: true, Position: res.Position}
}

// SetPermissionMode requests a mode change. If the process is idle, it
// applies immediately; if a turn is in progress, it is staged and
// applied atomically at the next idle transition (either direction).
func (p *Process) SetPermissionMode(mode types.PermissionMode) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.modeVersion++
	version := p.modeVersion
	if p.state.Kind == types.StateInTurn {
		p.staged = &stagedMode{mode: mode, version: version}
	} else {
		p.mode = mode
		p.emitLocked(Event{Kind: EventModeChange, Mode: mode, ModeVersion: version})
	}
	return version
}

// Abort signals the subprocess to terminate, draining output up to the
// grace deadline, and transitions to aborted.
func (p *Process) Abort(reason string) {
	_ = p.session.Signal(true, p.graceDeadline)
	p.mu.Lock()
	p.transitionLocked(types.ProcessState{Kind: types.StateAborted, Reason: reason})
	p.mu.Unlock()
	p.closeDone()
}

func (p *Process) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Subscribe registers listener and returns an unsubscribe function.
func (p *Process) Subscribe(listener Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = listener
	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// GetMessageHistory returns a copy of the committed (sealed) records.
// Assistant messages that are still forming are not included.
func (p *Process) GetMessageHistory() []*types.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Record, len(p.history))
	copy(out, p.history)
	return out
}

// emitLocked delivers event to every subscriber. Must be called with p.mu held.
func (p *Process) emitLocked(event Event) {
	for _, l := range p.subscribers {
		listener := l
		func() {
			defer func() { recover() }()
			listener(event)
		}()
	}
}

// transitionLocked updates state and emits a state-change event. Must
// be called with p.mu held.
func (p *Process) transitionLocked(next types.ProcessState) {
	p.state = next
	p.emitLocked(Event{Kind: EventStateChange, State: &next})
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Kind: eventbus.ProcessStateChanged,
			Data: eventbus.ProcessStateChangedData{ProcessID: p.id, State: next},
		})
	}
}

// readerLoop scans the subprocess stdout for newline-delimited JSON
// events and forwards them to the coordinator.
func (p *Process) readerLoop() {
	scanner := bufio.NewScanner(p.session.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line subprocessLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			logging.Component("process").Warn().Str("processId", p.id).Msg("malformed subprocess output line, skipping")
			continue
		}
		select {
		case p.raw <- line:
		case <-p.done:
			return
		}
	}

	exitErr := p.session.Wait()
	p.mu.Lock()
	if !p.state.Kind.IsTerminal() {
		code := 0
		if exitErr != nil {
			code = 1
		}
		for _, msg := range p.queue.Clear() {
			p.commitNotDeliveredLocked(msg)
		}
		p.transitionLocked(types.ProcessState{Kind: types.StateExited, Code: code})
		p.emitLocked(Event{Kind: EventComplete})
	}
	p.mu.Unlock()
	p.closeDone()
	close(p.raw)
}

// queueDrainLoop waits for an idle signal (explicit or from a push) and
// injects the next queued message into the subprocess's stdin,
// transitioning the process back to in-turn.
func (p *Process) queueDrainLoop() {
	for {
		select {
		case <-p.idle:
		case <-p.done:
			return
		}

		p.mu.Lock()
		isIdle := p.state.Kind == types.StateIdle
		p.mu.Unlock()
		if !isIdle {
			continue
		}

		msg := p.queue.Pop()
		if msg == nil {
			continue
		}

		if _, err := p.session.Stdin().Write(append([]byte(msg.Text), '\n')); err != nil {
			logging.Component("process").Error().Err(err).Str("processId", p.id).Msg("failed writing to subprocess stdin")
			continue
		}

		p.mu.Lock()
		p.applyStagedModeLocked()
		p.transitionLocked(types.ProcessState{Kind: types.StateInTurn})
		p.mu.Unlock()
	}
}

// applyStagedModeLocked applies a deferred permission-mode change. Must
// be called with p.mu held.
func (p *Process) applyStagedModeLocked() {
	if p.staged == nil {
		return
	}
	p.mode = p.staged.mode
	p.emitLocked(Event{Kind: EventModeChange, Mode: p.staged.mode, ModeVersion: p.staged.version})
	p.staged = nil
}

// coordinatorLoop owns the state machine, consuming decoded subprocess
// events and committing sealed records to the session log.
func (p *Process) coordinatorLoop() {
	for line := range p.raw {
		p.handleLine(line)
	}
}

func (p *Process) handleLine(line subprocessLine) {
	switch line.Type {
	case lineSessionInit:
		p.handleSessionInit(line)
	case lineTextDelta:
		p.handleTextDelta(line)
	case lineToolUse:
		p.handleToolUse(line)
	case lineToolResult:
		p.handleToolResult(line)
	case lineApproval, lineQuestion:
		p.handleApproval(line)
	case lineTurnComplete:
		p.handleTurnComplete()
	case lineFatal:
		p.handleFatal(line)
	default:
		logging.Component("process").Warn().Str("processId", p.id).Str("lineType", line.Type).Msg("unknown subprocess event type, skipping")
	}
}

func (p *Process) handleSessionInit(line subprocessLine) {
	if line.SessionID == "" {
		return
	}
	p.mu.Lock()
	old := p.sessionID
	if old != "" && old != line.SessionID && p.log != nil {
		if err := p.log.Rename(p.projectPath, old, line.SessionID); err != nil {
			logging.Component("process").Error().Err(err).Msg("session-id rename failed")
		}
		p.sessionID = line.SessionID
		p.emitLocked(Event{Kind: EventSessionIDChange, OldSessionID: old, NewSessionID: line.SessionID})
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Kind: eventbus.SessionUpdated, Data: eventbus.SessionStatusChangedData{SessionID: line.SessionID, Ownership: p.id}})
		}
	} else if old == "" {
		p.sessionID = line.SessionID
	}
	if p.state.Kind == types.StateSpawning {
		p.transitionLocked(types.ProcessState{Kind: types.StateInTurn})
	}
	p.mu.Unlock()
}

func (p *Process) handleTextDelta(line subprocessLine) {
	p.mu.Lock()
	if p.state.Kind == types.StateSpawning {
		p.transitionLocked(types.ProcessState{Kind: types.StateInTurn})
	}
	rec, ok := p.forming[line.UUID]
	if !ok {
		rec = &types.Record{Type: types.RecordAssistantMessage, UUID: line.UUID, ParentUUID: line.ParentUUID, Timestamp: nowMillis()}
		p.forming[line.UUID] = rec
	}
	rec.Payload.Text += line.Text
	p.emitLocked(Event{Kind: EventStreamEvent, StreamUUID: line.UUID, StreamText: line.Text})
	p.mu.Unlock()
}

func (p *Process) handleToolUse(line subprocessLine) {
	rec := &types.Record{
		Type:      types.RecordToolUse,
		UUID:      line.ToolUseID,
		Timestamp: nowMillis(),
		Payload: types.Payload{Blocks: []types.ContentBlock{{
			Type: types.BlockToolUse, ToolUseID: line.ToolUseID, ToolName: line.ToolName, ToolInput: line.ToolInput,
		}}},
	}
	p.commitRecord(rec)
}

func (p *Process) handleToolResult(line subprocessLine) {
	isErr := line.ToolOK != nil && !*line.ToolOK
	rec := &types.Record{
		Type:      types.RecordToolResult,
		UUID:      line.UUID,
		Timestamp: nowMillis(),
		Payload: types.Payload{Blocks: []types.ContentBlock{{
			Type: types.BlockToolResult, ToolUseID: line.ToolUseID, IsError: isErr,
		}}},
	}
	p.commitRecord(rec)
}

func (p *Process) handleApproval(line subprocessLine) {
	req := &types.ApprovalRequest{ID: line.RequestID, ToolName: line.ToolName, Input: line.ToolInput, Question: line.Question}
	if line.Type == lineQuestion {
		req.Kind = "question"
	} else {
		req.Kind = "tool_approval"
	}
	p.mu.Lock()
	p.transitionLocked(types.ProcessState{Kind: types.StateWaitingInput, Request: req})
	p.mu.Unlock()
}

func (p *Process) handleTurnComplete() {
	p.mu.Lock()
	for uuid, rec := range p.forming {
		if p.log != nil {
			if err := p.log.Append(rec); err != nil {
				p.abortLogWriteFailedLocked(err)
				p.mu.Unlock()
				return
			}
		}
		p.history = append(p.history, rec)
		delete(p.forming, uuid)
	}
	p.applyStagedModeLocked()
	p.transitionLocked(types.ProcessState{Kind: types.StateIdle, Since: nowMillis()})
	p.emitLocked(Event{Kind: EventComplete})
	p.mu.Unlock()

	select {
	case p.idle <- struct{}{}:
	default:
	}
}

func (p *Process) handleFatal(line subprocessLine) {
	p.mu.Lock()
	p.transitionLocked(types.ProcessState{Kind: types.StateAborted, Reason: "fatal subprocess error"})
	p.emitLocked(Event{Kind: EventError, Err: fmt.Sprintf("fatal: code=%d", line.Code)})
	p.mu.Unlock()
}

func (p *Process) commitRecord(rec *types.Record) {
	p.mu.Lock()
	if p.log != nil {
		if err := p.log.Append(rec); err != nil {
			p.abortLogWriteFailedLocked(err)
			p.mu.Unlock()
			return
		}
	}
	p.history = append(p.history, rec)
	p.emitLocked(Event{Kind: EventMessage, Record: rec})
	p.mu.Unlock()
}

// abortLogWriteFailedLocked transitions to aborted{reason=log-write-failed}
// and terminates the subprocess, per the fatal-I/O failure model: a record
// that failed to append is never treated as committed. Must be called with
// p.mu held; does not release it.
func (p *Process) abortLogWriteFailedLocked(err error) {
	logging.Component("process").Error().Err(err).Str("processId", p.id).Msg("session log append failed, aborting process")
	_ = p.session.Signal(true, p.graceDeadline)
	p.transitionLocked(types.ProcessState{Kind: types.StateAborted, Reason: "log-write-failed"})
	p.emitLocked(Event{Kind: EventError, Err: "log-write-failed"})
	p.closeDone()
}

// commitNotDeliveredLocked records a queued-but-undelivered message as a
// book-keeping marker when the subprocess exits before draining it. Must be
// called with p.mu held.
func (p *Process) commitNotDeliveredLocked(msg *types.QueuedMessage) {
	rec := &types.Record{
		Type:      types.RecordQueueOperation,
		UUID:      msg.ID,
		Timestamp: nowMillis(),
		Subtype:   "not-delivered",
		Payload:   types.Payload{Text: msg.Text},
	}
	p.history = append(p.history, rec)
	if p.log != nil {
		if err := p.log.Append(rec); err != nil {
			logging.Component("process").Error().Err(err).Str("processId", p.id).Msg("append not-delivered marker failed")
		}
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
