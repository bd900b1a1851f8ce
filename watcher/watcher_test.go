package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/lifecycle"
	"github.com/MXWXZ/plugd/manifest"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu        sync.Mutex
	status    map[string]lifecycle.Status
	manifests map[string]*manifest.Manifest
	reloads   map[string]int
	conflicts int
}

func newFake() *fakeTarget {
	return &fakeTarget{
		status:    make(map[string]lifecycle.Status),
		manifests: make(map[string]*manifest.Manifest),
		reloads:   make(map[string]int),
	}
}

func (f *fakeTarget) Get(id string) (lifecycle.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	if !ok {
		return lifecycle.Record{}, &fault.NotFoundError{ID: id}
	}
	return lifecycle.Record{ID: id, Status: s, Manifest: f.manifests[id]}, nil
}

func (f *fakeTarget) Reload(ctx context.Context, id string) (lifecycle.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return lifecycle.Record{}, &fault.LifecycleConflictError{ID: id, Reason: "busy"}
	}
	f.reloads[id]++
	return lifecycle.Record{ID: id, Status: lifecycle.StatusActive}, nil
}

func (f *fakeTarget) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads[id]
}

func start(t *testing.T, target Target) string {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "echo"), 0755))
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	w, err := New(target, Options{Dir: dir, Debounce: 50 * time.Millisecond, Pool: pool})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dir
}

func write(t *testing.T, path string) {
	require.NoError(t, os.WriteFile(path, []byte(time.Now().String()), 0644))
}

func TestReloadOnChange(t *testing.T) {
	f := newFake()
	f.status["echo"] = lifecycle.StatusActive
	dir := start(t, f)

	for i := 0; i < 5; i++ {
		write(t, filepath.Join(dir, "echo", "index.lua"))
	}
	assert.Eventually(t, func() bool { return f.count("echo") == 1 }, 2*time.Second, 10*time.Millisecond)
	// burst collapsed into one reload
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.count("echo"))

	write(t, filepath.Join(dir, "echo", "manifest.yml"))
	assert.Eventually(t, func() bool { return f.count("echo") == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestIgnored(t *testing.T) {
	f := newFake()
	f.status["echo"] = lifecycle.StatusDisabled
	f.status["other"] = lifecycle.StatusActive
	dir := start(t, f)

	write(t, filepath.Join(dir, "echo", "index.lua"))
	write(t, filepath.Join(dir, "echo", "README.md"))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, f.count("echo"))

	// new directories are watched once created
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "other"), 0755))
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(dir, "other", "README.md"))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, f.count("other"))
	write(t, filepath.Join(dir, "other", "index.go"))
	assert.Eventually(t, func() bool { return f.count("other") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConflictRetried(t *testing.T) {
	f := newFake()
	f.status["echo"] = lifecycle.StatusActive
	f.conflicts = 2
	dir := start(t, f)

	write(t, filepath.Join(dir, "echo", "index.lua"))
	assert.Eventually(t, func() bool { return f.count("echo") == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestRelevant(t *testing.T) {
	defaults := []string{"index.go", "index.lua"}
	tests := []struct {
		file    string
		entries []string
		want    bool
	}{
		{"manifest.yml", defaults, true},
		{"manifest.json", defaults, true},
		{"index.lua", defaults, true},
		{"index.go", defaults, true},
		{"main.go", defaults, false},
		{"main.go", []string{"main.go"}, true},
		{"index.lua", []string{"main.go"}, false},
		{"lib/util.lua", defaults, false},
		{"README.md", defaults, false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, relevant(tt.file, tt.entries))
		})
	}
}

func TestDeclaredEntryOnly(t *testing.T) {
	f := newFake()
	f.status["echo"] = lifecycle.StatusActive
	f.manifests["echo"] = &manifest.Manifest{Main: "main.lua"}
	dir := start(t, f)

	write(t, filepath.Join(dir, "echo", "index.lua"))
	write(t, filepath.Join(dir, "echo", "helper.go"))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, f.count("echo"))

	write(t, filepath.Join(dir, "echo", "main.lua"))
	assert.Eventually(t, func() bool { return f.count("echo") == 1 }, 2*time.Second, 10*time.Millisecond)
}
