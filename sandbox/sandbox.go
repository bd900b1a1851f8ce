package sandbox

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hostapi"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/security"
	"github.com/MXWXZ/plugd/validator"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Func is a plugin entry point bound to its runtime.
type Func func(ctx context.Context, args ...any) (any, error)

// Module is the validated export of a plugin entry file.
// Every entry point is optional.
type Module struct {
	Instance    uuid.UUID // sandbox the entry points run in
	Init        Func
	Hooks       map[string]Func
	Cleanup     Func
	GetSettings Func
	SetSetting  Func
}

// HookNames returns declared hook names in order.
func (m *Module) HookNames() []string {
	ret := make([]string, 0, len(m.Hooks))
	for k := range m.Hooks {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// runtime is one language interpreter owned by a sandbox.
type runtime interface {
	eval(ctx context.Context, src string) (any, error)
	load(ctx context.Context, name string, src []byte) (*Module, error)
	// cancellable reports whether a cancelled call stops promptly, so the
	// executor can wait for it instead of abandoning it.
	cancellable() bool
	close()
}

// Info is a read-only snapshot of a sandbox.
type Info struct {
	PluginID     string          `json:"pluginId"`
	InstanceID   string          `json:"instanceId"`
	Level        string          `json:"level"`
	Capabilities []string        `json:"capabilities"`
	Language     string          `json:"language,omitempty"`
	Limits       security.Limits `json:"limits"`
	Usage        security.Usage  `json:"usage"`
	Active       bool            `json:"active"`
}

// Sandbox is the isolated context of one plugin.
type Sandbox struct {
	id     string
	uid    uuid.UUID
	dir    string
	level  security.Level
	caps   security.Set
	limits security.Limits
	rules  validator.Rules
	acct   *security.Accountant
	host   *hostapi.Host
	db     *gorm.DB
	log    *logrus.Entry
	output *io.PipeWriter

	mu       sync.Mutex
	active   bool
	fatal    error
	lang     manifest.Language
	rt       runtime
	ctx      context.Context // of the latest call, cancelled once it returns
	draining bool            // only final calls are admitted
	inflight sync.WaitGroup

	call sync.Mutex // one call at a time
}

// Charge implements hostapi.Meter and latches fatal breaches.
func (sb *Sandbox) Charge(r fault.Resource, n int64) error {
	err := sb.acct.Charge(sb.uid, r, n)
	if fault.IsFatal(err) {
		sb.mu.Lock()
		if sb.fatal == nil {
			sb.fatal = err
		}
		sb.mu.Unlock()
	}
	return err
}

func (sb *Sandbox) enter(final bool) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.active {
		return fault.ErrSandboxUnavailable
	}
	if sb.fatal != nil {
		return sb.fatal
	}
	if sb.draining && !final {
		return fault.ErrSandboxUnavailable
	}
	sb.inflight.Add(1)
	return nil
}

func (sb *Sandbox) callContext() context.Context {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.ctx
}

// hold charges n bytes of memory until release is called.
func (sb *Sandbox) hold(n int64) (release func(), err error) {
	if err := sb.Charge(fault.ResourceMemory, n); err != nil {
		return func() {}, err
	}
	return func() { sb.acct.Charge(sb.uid, fault.ResourceMemory, -n) }, nil
}

func (sb *Sandbox) fatalErr() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.fatal
}

// runtimeFor returns the runtime of lang, creating it on first use.
func (sb *Sandbox) runtimeFor(lang manifest.Language) (ret runtime, err error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			ret = nil
			err = &fault.LoadError{ID: sb.id, Reason: "prepare interpreter", Err: fmt.Errorf("%v", r)}
		}
	}()
	if sb.rt != nil {
		if sb.lang != lang {
			return nil, &fault.LoadError{ID: sb.id, Reason: "sandbox runs " + string(sb.lang) + ", not " + string(lang)}
		}
		return sb.rt, nil
	}
	var rt runtime
	switch lang {
	case manifest.LanguageGo:
		rt, err = newGoRuntime(sb)
	case manifest.LanguageLua:
		rt, err = newLuaRuntime(sb)
	default:
		err = &fault.LoadError{ID: sb.id, Reason: "unsupported language " + string(lang)}
	}
	if err != nil {
		return nil, err
	}
	sb.rt = rt
	sb.lang = lang
	return rt, nil
}

func (sb *Sandbox) info() *Info {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ret := &Info{
		PluginID:     sb.id,
		InstanceID:   sb.uid.String(),
		Level:        sb.level.String(),
		Capabilities: sb.caps.Strings(),
		Language:     string(sb.lang),
		Limits:       sb.limits,
		Active:       sb.active && sb.fatal == nil,
	}
	if u, ok := sb.acct.Usage(sb.uid); ok {
		ret.Usage = u
	}
	return ret
}

// close deactivates the sandbox, waits for in-flight calls and releases everything.
func (sb *Sandbox) close() {
	sb.mu.Lock()
	if !sb.active {
		sb.mu.Unlock()
		return
	}
	sb.active = false
	sb.mu.Unlock()

	sb.inflight.Wait()

	sb.mu.Lock()
	rt := sb.rt
	sb.rt = nil
	sb.mu.Unlock()
	if rt != nil {
		rt.close()
	}
	if sb.db != nil {
		if sqlDB, err := sb.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if sb.output != nil {
		sb.output.Close()
	}
	sb.acct.Close(sb.uid)
}
