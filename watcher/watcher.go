// Package watcher reloads active plugins when their files change on disk.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/lifecycle"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/utils/log"
	"github.com/MXWXZ/plugd/utils/tpl"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/panjf2000/ants/v2"
	"github.com/ztrue/tracerr"
)

// Target is the part of the lifecycle manager the watcher drives.
type Target interface {
	Get(id string) (lifecycle.Record, error)
	Reload(ctx context.Context, id string) (lifecycle.Record, error)
}

type Options struct {
	Dir      string // active storage
	Debounce time.Duration
	Pool     *ants.Pool
	// MaxRetry bounds conflict retries of one reload, 0 means 30s.
	MaxRetry time.Duration
}

type Watcher struct {
	opts   Options
	target Target
	fs     *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending tpl.SafeMap[string, struct{}]
	wg      sync.WaitGroup
}

func New(target Target, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 30 * time.Second
	}
	if opts.Pool == nil {
		return nil, tracerr.New("watcher needs a worker pool")
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	w := &Watcher{
		opts:   opts,
		target: target,
		fs:     fs,
		timers: make(map[string]*time.Timer),
	}
	if err := fs.Add(opts.Dir); err != nil {
		fs.Close()
		return nil, tracerr.Wrap(err)
	}
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		fs.Close()
		return nil, tracerr.Wrap(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.add(filepath.Join(opts.Dir, e.Name()))
		}
	}
	return w, nil
}

func (w *Watcher) add(dir string) {
	if err := w.fs.Add(dir); err != nil {
		log.NewEntry(tracerr.Wrap(err)).WithField("path", dir).Warn("Failed to watch plugin directory")
	}
}

// Run processes file events until ctx is done, then waits for
// scheduled reloads to finish.
func (w *Watcher) Run(ctx context.Context) {
	log.New().WithField("path", w.opts.Dir).Info("Plugin watcher started")
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.NewEntry(tracerr.Wrap(err)).Warn("Plugin watcher error")
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
	w.fs.Close()
	w.wg.Wait()
	log.New().Info("Plugin watcher stopped")
}

// classify maps an event path to its plugin id and whether the changed
// file is the manifest or a source file.
func (w *Watcher) classify(path string) (id string, file string) {
	rel, err := filepath.Rel(w.opts.Dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ""
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// entries lists the entry file names of id from the loaded manifest,
// else the one on disk, else the default entry.
func (w *Watcher) entries(id string) []string {
	if r, err := w.target.Get(id); err == nil && r.Manifest != nil {
		return r.Manifest.EntryNames()
	}
	if m, err := manifest.Load(filepath.Join(w.opts.Dir, id)); err == nil {
		return m.EntryNames()
	}
	return (&manifest.Manifest{Main: manifest.DefaultMain}).EntryNames()
}

// relevant reports whether file is a descriptor or one of the entry files.
func relevant(file string, entries []string) bool {
	for _, f := range manifest.Files {
		if file == f {
			return true
		}
	}
	for _, e := range entries {
		if file == e {
			return true
		}
	}
	return false
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	id, file := w.classify(ev.Name)
	if id == "" || strings.HasPrefix(id, ".") {
		return
	}
	logger := log.Plugin(id).WithField("op", ev.Op.String())
	if file == "" {
		switch {
		case ev.Has(fsnotify.Create):
			if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
				w.add(ev.Name)
				logger.Info("Plugin directory added")
			}
		case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
			logger.Info("Plugin directory removed")
		}
		return
	}
	if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) || !relevant(file, w.entries(id)) {
		logger.WithField("file", file).Debug("Plugin file changed")
		return
	}
	w.schedule(ctx, id)
}

// schedule debounces changes of id, the timer restarts on every event.
func (w *Watcher) schedule(ctx context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.Stop()
	}
	w.timers[id] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		w.submit(ctx, id)
	})
}

// submit queues one reload of id, a reload already waiting absorbs it.
func (w *Watcher) submit(ctx context.Context, id string) {
	if _, loaded := w.pending.SetIfAbsent(id, struct{}{}); loaded {
		return
	}
	w.wg.Add(1)
	err := w.opts.Pool.Submit(func() {
		defer w.wg.Done()
		w.pending.Delete(id)
		w.reload(ctx, id)
	})
	if err != nil {
		w.pending.Delete(id)
		w.wg.Done()
		log.NewEntry(tracerr.Wrap(err)).WithField("plugin", id).Error("Failed to schedule plugin reload")
	}
}

func (w *Watcher) reload(ctx context.Context, id string) {
	logger := log.Plugin(id)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = w.opts.MaxRetry
	err := backoff.Retry(func() error {
		r, err := w.target.Get(id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.Status != lifecycle.StatusActive {
			logger.WithField("status", r.Status).Debug("Skip reload of inactive plugin")
			return nil
		}
		_, err = w.target.Reload(ctx, id)
		var ce *fault.LifecycleConflictError
		if errors.As(err, &ce) && !ce.Duplicate {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		logger.WithError(err).Error("Plugin reload after file change failed")
		return
	}
	logger.Debug("Plugin files changed")
}
