package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/gateway/internal/eventbus"
	"github.com/agentbridge/gateway/pkg/types"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func mkProjectDir(t *testing.T, root, logicalPath string, sessionFiles int) string {
	t.Helper()
	dir := filepath.Join(root, EncodeID(logicalPath))
	require.NoError(t, os.MkdirAll(dir, 0755))
	for i := 0; i < sessionFiles; i++ {
		f := filepath.Join(dir, "sess-"+string(rune('a'+i))+".jsonl")
		require.NoError(t, os.WriteFile(f, []byte("{}\n"), 0644))
	}
	return dir
}

func TestScanRootDirectLayout(t *testing.T) {
	root := t.TempDir()
	mkProjectDir(t, root, "/work/app", 2)

	entries, err := scanRoot(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/work/app", entries[0].path)
	assert.Equal(t, 2, entries[0].sessions)
	assert.Empty(t, entries[0].hostname)
}

func TestScanRootHostnameLayout(t *testing.T) {
	root := t.TempDir()
	hostDir := filepath.Join(root, "laptop-2")
	require.NoError(t, os.MkdirAll(hostDir, 0755))
	mkProjectDir(t, hostDir, "/work/app", 1)

	entries, err := scanRoot(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/work/app", entries[0].path)
	assert.Equal(t, "laptop-2", entries[0].hostname)
}

func TestMergeEntryRemoteSiblingBecomesMergedDir(t *testing.T) {
	byID := map[string]*types.Project{}
	id := EncodeID("/work/app")

	mergeEntry(byID, scanEntry{projectID: id, path: "/work/app", sessionDir: "/remote/sessions/app", hostname: "host-a"})
	mergeEntry(byID, scanEntry{projectID: id, path: "/work/app", sessionDir: "/remote2/sessions/app", hostname: "host-b"})

	p := byID[id]
	require.NotNil(t, p)
	assert.Equal(t, "/remote/sessions/app", p.SessionDir)
	assert.Equal(t, []string{"/remote2/sessions/app"}, p.MergedSessionDirs)
}

func TestMergeEntryLocalPathWinsOverRemoteSibling(t *testing.T) {
	local := t.TempDir() // exists on disk, so this is "locally reachable"
	byID := map[string]*types.Project{}
	id := EncodeID(local)

	mergeEntry(byID, scanEntry{projectID: id, path: local, sessionDir: "/remote/sessions/app", hostname: "host-a"})
	mergeEntry(byID, scanEntry{projectID: id, path: local, sessionDir: filepath.Join(local, "sessions"), hostname: ""})

	p := byID[id]
	require.NotNil(t, p)
	assert.Equal(t, filepath.Join(local, "sessions"), p.SessionDir, "local path must win as canonical sessionDir")
	assert.Equal(t, []string{"/remote/sessions/app"}, p.MergedSessionDirs)
}

func TestScanSynthesizesHomeProjectWhenEmpty(t *testing.T) {
	home := t.TempDir()
	idx := New(newTestBus(t), home, t.TempDir())

	projects, err := idx.List()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, home, projects[0].Path)
	assert.Equal(t, EncodeID(home), projects[0].ID)
}

func TestListFindsRealProjects(t *testing.T) {
	root := t.TempDir()
	mkProjectDir(t, root, "/work/app", 3)

	idx := New(newTestBus(t), t.TempDir(), root)
	projects, err := idx.List()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "/work/app", projects[0].Path)
	assert.Equal(t, 3, projects[0].SessionCount)
}
