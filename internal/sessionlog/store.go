// Package sessionlog owns the on-disk append-only log for each
// (projectPath, sessionId) pair. Records are newline-delimited JSON;
// appends are atomic with respect to readers; a record is committed
// once a trailing newline has been observed.
//
// Grounded on the teacher's internal/storage package: the same
// FileLock-per-path idiom, generalized from "rewrite the whole file
// under a temp-then-rename" (appropriate for single-object JSON blobs)
// to "hold one append-mode file handle per log" (required for an
// append-only, crash-safe record stream).
package sessionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentbridge/gateway/internal/project"
	"github.com/agentbridge/gateway/pkg/apierr"
	"github.com/agentbridge/gateway/pkg/types"
)

// ErrNotFound is returned when a session log does not exist on disk.
var ErrNotFound = errors.New("sessionlog: not found")

// Store owns all open logs under a base directory, arranged in a
// per-project directory tree.
type Store struct {
	baseDir string

	mu   sync.Mutex
	logs map[string]*Log // key: projectPath+"\x00"+sessionID
}

// New creates a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir, logs: make(map[string]*Log)}
}

func logKey(projectPath, sessionID string) string {
	return projectPath + "\x00" + sessionID
}

// pathFor returns the on-disk path for a session's log file.
func (s *Store) pathFor(projectPath, sessionID string) string {
	return filepath.Join(s.baseDir, safeProjectSegment(projectPath), sessionID+".jsonl")
}

// Open returns the Log for (projectPath, sessionID), creating its
// in-memory handle (but not necessarily the file on disk) if needed.
func (s *Store) Open(projectPath, sessionID string) *Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey(projectPath, sessionID)
	if l, ok := s.logs[key]; ok {
		return l
	}
	l := &Log{
		path: s.pathFor(projectPath, sessionID),
		lock: NewFileLock(s.pathFor(projectPath, sessionID)),
	}
	s.logs[key] = l
	return l
}

// Rename retargets an open log from oldSessionID to newSessionID,
// physically moving the file on disk. Callers are expected to invoke
// this only once the owning process is idle, and to have already
// quiesced writers for the duration of the call.
func (s *Store) Rename(projectPath, oldSessionID, newSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldKey := logKey(projectPath, oldSessionID)
	l, ok := s.logs[oldKey]
	if !ok {
		return fmt.Errorf("sessionlog: no open log for session %q", oldSessionID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newPath := s.pathFor(projectPath, newSessionID)
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return err
	}
	if l.appendFile != nil {
		if err := l.appendFile.Close(); err != nil {
			return err
		}
		l.appendFile = nil
	}
	if _, err := os.Stat(l.path); err == nil {
		if err := os.Rename(l.path, newPath); err != nil {
			return fmt.Errorf("sessionlog: rename %s -> %s: %w", l.path, newPath, err)
		}
	}
	l.path = newPath
	l.lock = NewFileLock(newPath)

	delete(s.logs, oldKey)
	s.logs[logKey(projectPath, newSessionID)] = l
	return nil
}

// ListSessions returns the session ids with a log file on disk under
// projectPath's directory, in no particular order. A project with no
// sessions yet (directory absent) returns an empty slice, not an error.
func (s *Store) ListSessions(projectPath string) ([]string, error) {
	dir := filepath.Join(s.baseDir, safeProjectSegment(projectPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: list %s: %v", dir, err))
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext := filepath.Ext(name); ext == ".jsonl" {
			ids = append(ids, name[:len(name)-len(ext)])
		}
	}
	return ids, nil
}

// safeProjectSegment derives the on-disk directory name for a project
// path. It must match project.EncodeID exactly: the Project Index
// recovers a project's absolute path by base64url-decoding its session
// directory's name, so a log store that named directories any other way
// would write sessions the Index can never discover.
func safeProjectSegment(projectPath string) string {
	return project.EncodeID(projectPath)
}

// Log is one append-only session log file.
type Log struct {
	path string
	lock *FileLock

	mu         sync.Mutex
	appendFile *os.File

	indexOnce   sync.Once
	indexMu     sync.Mutex
	uuidOffsets map[string]int64 // uuid -> byte offset of the record *following* it
}

// Append serializes record and appends it with a trailing newline. The
// append is atomic with respect to readers: either the newline lands or
// it doesn't; readers that observe a line with no trailing newline treat
// it as not-yet-committed.
func (l *Log) Append(record *types.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: marshal record: %v", err))
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lock.Lock(); err != nil {
		return apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: lock: %v", err))
	}
	defer l.lock.Unlock()

	if l.appendFile == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
			return apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: mkdir: %v", err))
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: open: %v", err))
		}
		l.appendFile = f
	}

	if _, err := l.appendFile.Write(data); err != nil {
		return apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: write: %v", err))
	}
	return l.appendFile.Sync()
}

// Read returns committed records, optionally truncated to those after
// afterID. If afterID is non-empty and not found among committed
// records, all records are returned.
func (l *Log) Read(afterID string) ([]*types.Record, error) {
	records, err := l.readCommitted()
	if err != nil {
		return nil, err
	}
	records = filterInternal(records)

	if afterID == "" {
		return records, nil
	}
	for i, r := range records {
		if r.UUID == afterID {
			return append([]*types.Record{}, records[i+1:]...), nil
		}
	}
	return records, nil // documented fallback
}

// readCommitted reads every complete (newline-terminated) line in the
// log file. An in-flight final line without a trailing newline is
// excluded.
func (l *Log) readCommitted() ([]*types.Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.New(apierr.InternalIO, fmt.Sprintf("sessionlog: open for read: %v", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, apierr.New(apierr.InternalIO, err.Error())
	}

	var records []*types.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1 // +1 for the newline scanner stripped
		if consumed > info.Size() {
			// Last "line" had no trailing newline: uncommitted, stop.
			break
		}
		if len(line) == 0 {
			continue
		}
		var rec types.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed line: skip rather than fail the whole read
		}
		records = append(records, &rec)
	}
	return records, nil
}

func filterInternal(records []*types.Record) []*types.Record {
	out := make([]*types.Record, 0, len(records))
	for _, r := range records {
		if !r.Type.IsInternal() {
			out = append(out, r)
		}
	}
	return out
}

// Offset returns the current committed byte size of the log, used by
// Tail to resume an incremental read.
func (l *Log) Offset() (int64, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
