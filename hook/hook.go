package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/utils"
	"github.com/MXWXZ/plugd/utils/log"
)

// Handler runs one plugin's implementation of a hook.
type Handler func(ctx context.Context, args ...any) (any, error)

// Result is the outcome of one handler in a dispatch.
type Result struct {
	Plugin  string `json:"plugin"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
	Err     error  `json:"-"` // *fault.HookExecutionError
}

// Observer receives the outcome of every handler invocation.
type Observer func(plugin string, hook string, d time.Duration, err error)

type entry struct {
	plugin  string
	handler Handler
}

// Registry maps hook names to the handlers of active plugins, in
// registration order.
type Registry struct {
	mu       sync.RWMutex
	hooks    map[string][]entry
	observer Observer
}

func New() *Registry {
	return &Registry{hooks: make(map[string][]entry)}
}

// Observe sets the observer, nil disables it.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register appends handler of plugin to hook. A plugin registering the
// same hook twice replaces its handler in place.
func (r *Registry) Register(hook string, plugin string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.hooks[hook]
	for i := range list {
		if list[i].plugin == plugin {
			list[i].handler = handler
			return
		}
	}
	r.hooks[hook] = append(list, entry{plugin: plugin, handler: handler})
}

// UnregisterPlugin removes every entry of plugin and returns how many were removed.
func (r *Registry) UnregisterPlugin(plugin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for hook, list := range r.hooks {
		kept := list[:0]
		for _, e := range list {
			if e.plugin == plugin {
				n++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.hooks, hook)
		} else {
			r.hooks[hook] = kept
		}
	}
	return n
}

// Has reports whether plugin has any registered hook.
func (r *Registry) Has(plugin string) bool {
	return len(r.Hooks(plugin)) > 0
}

// Hooks returns the sorted hook names plugin is registered for.
func (r *Registry) Hooks(plugin string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret []string
	for hook, list := range r.hooks {
		for _, e := range list {
			if e.plugin == plugin {
				ret = append(ret, hook)
				break
			}
		}
	}
	sort.Strings(ret)
	return ret
}

// Names returns every hook name with at least one handler.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return utils.SortedKeys(r.hooks)
}

// Dispatch invokes every handler of hook sequentially in registration
// order. A failing handler is recorded in its result and never stops
// the remaining ones.
func (r *Registry) Dispatch(ctx context.Context, hook string, args ...any) []Result {
	r.mu.RLock()
	list := append([]entry(nil), r.hooks[hook]...)
	observer := r.observer
	r.mu.RUnlock()

	ret := make([]Result, 0, len(list))
	for _, e := range list {
		start := time.Now()
		v, err := invoke(ctx, e.handler, args)
		if observer != nil {
			observer(e.plugin, hook, time.Since(start), err)
		}
		if err != nil {
			herr := &fault.HookExecutionError{Plugin: e.plugin, Hook: hook, Err: err}
			log.Plugin(e.plugin).WithError(herr).WithField("hook", hook).Warn("Hook failed")
			ret = append(ret, Result{Plugin: e.plugin, Error: herr.Error(), Err: herr})
			continue
		}
		ret = append(ret, Result{Plugin: e.plugin, Result: v, Success: true})
	}
	return ret
}

func invoke(ctx context.Context, h Handler, args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args...)
}
