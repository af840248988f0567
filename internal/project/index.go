// Package project maintains a cached, watcher-invalidated snapshot
// mapping project ids to project metadata across the possible on-disk
// session directory layouts.
//
// Grounded on the teacher's internal/project package: the same
// sync.RWMutex-guarded map-cache idiom from project.go/service.go,
// generalized from a single sha256/git-derived id per directory into a
// coalesced, TTL'd, event-invalidated multi-project scan.
package project

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/pkg/types"
)

// DefaultTTL is how long a snapshot is served before a scan is due.
const DefaultTTL = 5 * time.Second

// Index is a cached view over one or more session root directories.
// The zero value is not usable; use New.
type Index struct {
	roots   []string
	homeDir string
	ttl     time.Duration
	bus     *eventbus.Bus

	mu        sync.Mutex
	snapshot  map[string]*types.Project // projectId -> Project
	expiresAt time.Time
	inFlight  chan struct{} // non-nil while a scan is running; closed when done
	unsub     func()
}

// New creates an Index scanning roots (session root directories, often
// one per configured remote executor plus the local default), using
// homeDir as the fallback when no project is discovered.
func New(bus *eventbus.Bus, homeDir string, roots ...string) *Index {
	idx := &Index{
		roots:   roots,
		homeDir: homeDir,
		ttl:     DefaultTTL,
		bus:     bus,
	}
	idx.unsub = bus.Subscribe(eventbus.FileChange, idx.onFileChange)
	return idx
}

// Close unsubscribes the index from the event bus.
func (idx *Index) Close() {
	if idx.unsub != nil {
		idx.unsub()
	}
}

func (idx *Index) onFileChange(e eventbus.Event) {
	data, ok := e.Data.(eventbus.FileChangeData)
	if !ok {
		return
	}
	if data.FileType != eventbus.FileChangeSession && data.FileType != eventbus.FileChangeAgentSession {
		return
	}
	idx.mu.Lock()
	idx.expiresAt = time.Time{} // force the next List to rescan
	idx.mu.Unlock()
}

// List returns the current project snapshot, refreshing it first if the
// TTL has elapsed. Concurrent callers that arrive while a refresh is
// already running wait on that same scan rather than starting their own.
func (idx *Index) List() ([]*types.Project, error) {
	snap, err := idx.snapshotOrRefresh()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Project, 0, len(snap))
	for _, p := range snap {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns a single project by id.
func (idx *Index) Get(projectID string) (*types.Project, bool) {
	snap, err := idx.snapshotOrRefresh()
	if err != nil {
		return nil, false
	}
	p, ok := snap[projectID]
	return p, ok
}

func (idx *Index) snapshotOrRefresh() (map[string]*types.Project, error) {
	idx.mu.Lock()
	if time.Now().Before(idx.expiresAt) && idx.snapshot != nil {
		snap := idx.snapshot
		idx.mu.Unlock()
		return snap, nil
	}
	if idx.inFlight != nil {
		ch := idx.inFlight
		idx.mu.Unlock()
		<-ch
		idx.mu.Lock()
		snap := idx.snapshot
		idx.mu.Unlock()
		return snap, nil
	}
	ch := make(chan struct{})
	idx.inFlight = ch
	idx.mu.Unlock()

	snap, err := idx.scan()

	idx.mu.Lock()
	if err == nil {
		idx.snapshot = snap
		idx.expiresAt = time.Now().Add(idx.ttl)
	}
	idx.inFlight = nil
	idx.mu.Unlock()
	close(ch)

	if err != nil {
		return nil, err
	}
	return snap, nil
}

// scan walks every configured root, merging cross-host duplicates and
// synthesizing a virtual home-directory project if nothing is found.
func (idx *Index) scan() (map[string]*types.Project, error) {
	byID := make(map[string]*types.Project)

	for _, root := range idx.roots {
		entries, err := scanRoot(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			logging.Error().Err(err).Str("root", root).Msg("project: scan root failed")
			continue
		}
		for _, e := range entries {
			mergeEntry(byID, e)
		}
	}

	if len(byID) == 0 {
		home := &types.Project{
			ID:           EncodeID(idx.homeDir),
			Name:         filepath.Base(idx.homeDir),
			Path:         idx.homeDir,
			SessionDir:   idx.homeDir,
			LastActivity: time.Now().UnixMilli(),
		}
		byID[home.ID] = home
	}

	return byID, nil
}

// scanEntry is one raw directory observation before cross-host merge.
type scanEntry struct {
	projectID  string
	path       string
	sessionDir string
	hostname   string // empty for the direct (non-hostname) layout
	modTime    int64
	sessions   int
}

// scanRoot enumerates both supported layouts under root: project
// directories directly, and project directories nested one level under
// a hostname directory (the layout produced when session directories
// are synced in from a remote executor).
func scanRoot(root string) ([]scanEntry, error) {
	top, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []scanEntry
	for _, e := range top {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(root, e.Name())
		if projectID, path, ok := decodeProjectDir(e.Name()); ok {
			out = append(out, direntToScanEntry(full, projectID, path, "", e))
			continue
		}
		// Not a project-id directory; treat it as a hostname layer and
		// look one level deeper.
		nested, err := os.ReadDir(full)
		if err != nil {
			continue
		}
		for _, ne := range nested {
			if !ne.IsDir() {
				continue
			}
			projectID, path, ok := decodeProjectDir(ne.Name())
			if !ok {
				continue
			}
			nfull := filepath.Join(full, ne.Name())
			out = append(out, direntToScanEntry(nfull, projectID, path, e.Name(), ne))
		}
	}
	return out, nil
}

func direntToScanEntry(sessionDir, projectID, path, hostname string, e os.DirEntry) scanEntry {
	count := 0
	if sessFiles, err := os.ReadDir(sessionDir); err == nil {
		for _, f := range sessFiles {
			if !f.IsDir() && filepath.Ext(f.Name()) == ".jsonl" {
				count++
			}
		}
	}
	var mod int64
	if info, err := e.Info(); err == nil {
		mod = info.ModTime().UnixMilli()
	}
	return scanEntry{
		projectID:  projectID,
		path:       path,
		sessionDir: sessionDir,
		hostname:   hostname,
		modTime:    mod,
		sessions:   count,
	}
}

func decodeProjectDir(name string) (projectID, path string, ok bool) {
	decoded, err := DecodeID(name)
	if err != nil || !filepath.IsAbs(decoded) {
		return "", "", false
	}
	return name, decoded, true
}

// mergeEntry folds a single scanned directory into byID, applying the
// cross-host dedup and local-path-wins rules.
func mergeEntry(byID map[string]*types.Project, e scanEntry) {
	existing, ok := byID[e.projectID]
	if !ok {
		byID[e.projectID] = &types.Project{
			ID:           e.projectID,
			Name:         filepath.Base(e.path),
			Path:         e.path,
			SessionDir:   e.sessionDir,
			LastActivity: e.modTime,
			SessionCount: e.sessions,
		}
		return
	}

	// Same logical project seen again (a cross-host duplicate): keep the
	// first-seen sessionDir as canonical and record this one as merged,
	// unless this occurrence is a locally-reachable (non-hostname) path,
	// in which case it wins over a remote sibling.
	if e.hostname == "" && pathExistsLocally(e.path) {
		existing.MergedSessionDirs = appendUnique(existing.MergedSessionDirs, existing.SessionDir)
		existing.SessionDir = e.sessionDir
	} else {
		existing.MergedSessionDirs = appendUnique(existing.MergedSessionDirs, e.sessionDir)
	}

	existing.SessionCount += e.sessions
	if e.modTime > existing.LastActivity {
		existing.LastActivity = e.modTime
	}
}

func pathExistsLocally(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
