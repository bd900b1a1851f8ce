package lifecycle

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hook"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/sandbox"
	"github.com/MXWXZ/plugd/settings"
	"github.com/MXWXZ/plugd/utils/tpl"

	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/ztrue/tracerr"
)

type Status string

const (
	StatusUninstalled Status = "uninstalled"
	StatusInstalling  Status = "installing"
	StatusLoading     Status = "loading"
	StatusActive      Status = "active"
	StatusDisabling   Status = "disabling"
	StatusDisabled    Status = "disabled"
	StatusError       Status = "error"
)

// Location is the storage area holding a plugin.
type Location string

const (
	LocationActive   Location = "active"
	LocationDisabled Location = "disabled"
)

// Record is the runtime state of one plugin. Values returned by the
// manager are copies.
type Record struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Version  string             `json:"version"`
	Path     string             `json:"path"`
	Level    string             `json:"level"`
	Status   Status             `json:"status"`
	Location Location           `json:"location"`
	Hooks    []string           `json:"hooks,omitempty"`
	Error    string             `json:"error,omitempty"`
	Code     fault.Code         `json:"code,omitempty"`
	LoadedAt time.Time          `json:"loadedAt,omitempty"`
	Manifest *manifest.Manifest `json:"-"`
	Module   *sandbox.Module    `json:"-"`
}

func (r *Record) fail(err error) {
	r.Status = StatusError
	r.Error = err.Error()
	r.Code = fault.CodeOf(err)
	r.Module = nil
	r.Hooks = nil
}

type Options struct {
	Root           string
	Factory        *sandbox.Factory
	Registry       *hook.Registry
	Settings       *settings.Store
	Pool           *ants.Pool // nil creates a private pool
	EngineVersion  string
	MaxPackage     int64 // bytes, 0 is unlimited
	InitTimeout    time.Duration
	HookTimeout    time.Duration
	CleanupTimeout time.Duration
}

// Manager owns the plugin records and drives every transition.
// Transitions of one id are serialized, a concurrent one is rejected.
type Manager struct {
	opts    Options
	layout  layout
	ownPool bool
	busy    tpl.SafeMap[string, struct{}]
	mu      sync.RWMutex
	records map[string]*Record
	fatalWG sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 10 * time.Second
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 5 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 5 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = hook.New()
	}
	ret := &Manager{
		opts:    opts,
		layout:  layout{root: opts.Root},
		records: make(map[string]*Record),
	}
	if opts.Pool == nil {
		pool, err := ants.NewPool(4)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		ret.opts.Pool = pool
		ret.ownPool = true
	}
	if err := ret.layout.prepare(); err != nil {
		return nil, err
	}
	opts.Factory.OnFatal(ret.onFatal)
	return ret, nil
}

// lock claims id for one transition.
func (m *Manager) lock(id string) error {
	if _, loaded := m.busy.SetIfAbsent(id, struct{}{}); loaded {
		return &fault.LifecycleConflictError{ID: id, Reason: "another transition is in progress"}
	}
	return nil
}

func (m *Manager) unlock(id string) {
	m.busy.Delete(id)
}

func (m *Manager) record(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

// update mutates the record of id under the record lock.
func (m *Manager) update(id string, f func(r *Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		r = &Record{ID: id}
		m.records[id] = r
	}
	f(r)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
}

func (m *Manager) snapshot(r *Record) Record {
	ret := *r
	ret.Hooks = append([]string(nil), r.Hooks...)
	return ret
}

// Get returns a copy of the record of id.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, &fault.NotFoundError{ID: id}
	}
	return m.snapshot(r), nil
}

// List returns copies of every record ordered by id.
func (m *Manager) List() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		ret = append(ret, m.snapshot(r))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Registry returns the hook registry driven by the manager.
func (m *Manager) Registry() *hook.Registry {
	return m.opts.Registry
}

// Root returns the storage root.
func (m *Manager) Root() string {
	return m.layout.root
}

// Dispatch invokes every active handler of hook in registration order.
func (m *Manager) Dispatch(ctx context.Context, name string, args ...any) []hook.Result {
	return m.opts.Registry.Dispatch(ctx, name, args...)
}

type Stats struct {
	Total     int             `json:"total"`
	Active    int             `json:"active"`
	Disabled  int             `json:"disabled"`
	Error     int             `json:"error"`
	Hooks     int             `json:"hooks"`
	RSS       uint64          `json:"rss"`
	Threads   int             `json:"threads"`
	Sandboxes []*sandbox.Info `json:"sandboxes"`
}

// Stats summarizes the runtime and the host process.
func (m *Manager) Stats() Stats {
	var ret Stats
	for _, r := range m.List() {
		ret.Total++
		switch r.Status {
		case StatusActive:
			ret.Active++
		case StatusDisabled:
			ret.Disabled++
		case StatusError:
			ret.Error++
		}
	}
	ret.Hooks = len(m.opts.Registry.Names())
	ret.Sandboxes = m.opts.Factory.List()
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			ret.RSS = mem.RSS
		}
		if n, err := p.NumThreads(); err == nil {
			ret.Threads = int(n)
		}
	}
	return ret
}
