package sandbox

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hostapi"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/utils/log"
	"github.com/MXWXZ/plugd/utils/tpl"
	"github.com/MXWXZ/plugd/validator"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ztrue/tracerr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Options struct {
	Defaults    security.Limits
	Accountant  *security.Accountant
	DataDir     string // per-plugin databases, empty disables the database backend
	Client      *http.Client
	AllowHosts  []string
	Blocked     []*regexp.Regexp
	LoadTimeout time.Duration
}

// Factory creates, tracks and destroys sandboxes, one per plugin id.
type Factory struct {
	opts      Options
	sandboxes tpl.SafeMap[string, *Sandbox]

	fatalMu sync.RWMutex
	onFatal func(id string, err error)
}

func NewFactory(opts Options) *Factory {
	if opts.Defaults == (security.Limits{}) {
		opts.Defaults = security.DefaultLimits()
	}
	if opts.Accountant == nil {
		opts.Accountant = security.NewAccountant(security.GlobalLimits{})
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 3 * time.Second}
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	return &Factory{opts: opts}
}

// OnFatal sets the handler invoked once a sandbox breaches a fatal limit.
// Without a handler the factory destroys the sandbox itself.
func (f *Factory) OnFatal(fn func(id string, err error)) {
	f.fatalMu.Lock()
	defer f.fatalMu.Unlock()
	f.onFatal = fn
}

func (f *Factory) fatal(id string, sb *Sandbox, err error) {
	f.fatalMu.RLock()
	fn := f.onFatal
	f.fatalMu.RUnlock()
	log.Plugin(id).WithError(err).Error("Sandbox breached a fatal limit")
	if fn != nil {
		fn(id, err)
		return
	}
	go f.destroy(id, sb)
}

// Create builds the isolated context of a plugin at the given level.
// The manifest supplies ceilings, module allowances and blocked patterns.
func (f *Factory) Create(id string, m *manifest.Manifest, level security.Level) (*Sandbox, error) {
	sb := &Sandbox{
		id:     id,
		uid:    uuid.New(),
		dir:    m.Dir,
		level:  level,
		caps:   security.ForLevel(level),
		limits: f.opts.Defaults.Apply(m.Security),
		rules:  validator.RulesFor(m, "", f.opts.Blocked),
		acct:   f.opts.Accountant,
		log:    log.Plugin(id),
		active: true,
	}
	if _, loaded := f.sandboxes.SetIfAbsent(id, sb); loaded {
		return nil, &fault.LifecycleConflictError{ID: id, Reason: "sandbox already exists"}
	}

	if sb.caps.Has(security.CapDatabase) && f.opts.DataDir != "" {
		db, err := openDB(filepath.Join(f.opts.DataDir, id+".db"))
		if err != nil {
			f.sandboxes.Delete(id)
			return nil, &fault.LoadError{ID: id, Reason: "open plugin database", Err: err}
		}
		sb.db = db
	}
	sb.output = sb.log.WriterLevel(logrus.InfoLevel)
	sb.host = hostapi.New(hostapi.Options{
		ID:         id,
		Caps:       sb.caps,
		Meter:      sb,
		MaxValue:   sb.limits.MaxFileSize,
		Client:     f.opts.Client,
		AllowHosts: f.opts.AllowHosts,
		DB:         sb.db,
		Logger:     sb.log,
		Context:    sb.callContext,
	})
	f.opts.Accountant.Open(sb.uid, sb.limits)

	sb.log.WithFields(log.F{
		"instance": sb.uid,
		"level":    level,
	}).Debug("Sandbox created")
	return sb, nil
}

func openDB(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, tracerr.Wrap(err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return db, nil
}

// Get returns the live sandbox of id.
func (f *Factory) Get(id string) (*Sandbox, bool) {
	return f.sandboxes.Get(id)
}

// Info returns a snapshot of the sandbox of id.
func (f *Factory) Info(id string) (*Info, bool) {
	sb, ok := f.sandboxes.Get(id)
	if !ok {
		return nil, false
	}
	return sb.info(), true
}

// List returns snapshots of all live sandboxes.
func (f *Factory) List() []*Info {
	var ret []*Info
	for _, sb := range f.sandboxes.SortValue(func(a, b *Sandbox) bool { return a.id < b.id }) {
		ret = append(ret, sb.info())
	}
	return ret
}

// Host returns the capability surface bound to the sandbox of id.
func (f *Factory) Host(id string) (*hostapi.Host, bool) {
	sb, ok := f.sandboxes.Get(id)
	if !ok {
		return nil, false
	}
	return sb.host, true
}

// Drain stops admitting calls into the sandbox of id, except through
// Finalize, and waits until no call is executing.
func (f *Factory) Drain(id string) {
	sb, ok := f.sandboxes.Get(id)
	if !ok {
		return
	}
	sb.mu.Lock()
	sb.draining = true
	sb.mu.Unlock()
	sb.inflight.Wait()
}

// Destroy tears down the sandbox of id. Destroying an unknown or
// already destroyed sandbox is a no-op.
func (f *Factory) Destroy(id string) {
	sb, ok := f.sandboxes.Get(id)
	if !ok {
		return
	}
	f.destroy(id, sb)
}

func (f *Factory) destroy(id string, sb *Sandbox) {
	if cur, ok := f.sandboxes.Get(id); ok && cur == sb {
		f.sandboxes.Delete(id)
	}
	sb.close()
	sb.log.WithField("instance", sb.uid).Debug("Sandbox destroyed")
}

// Shutdown destroys every sandbox.
func (f *Factory) Shutdown() {
	for _, id := range f.sandboxes.Keys() {
		f.Destroy(id)
	}
}
