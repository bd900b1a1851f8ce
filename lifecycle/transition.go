package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hook"
	"github.com/MXWXZ/plugd/hostapi"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/sandbox"
	"github.com/MXWXZ/plugd/utils"
	"github.com/MXWXZ/plugd/utils/log"

	"github.com/cenkalti/backoff/v4"
	"github.com/ztrue/tracerr"
)

// Install extracts a plugin package to staging, validates it, moves it
// into active storage and loads it. Any failure leaves nothing behind.
func (m *Manager) Install(ctx context.Context, archive []byte) (Record, error) {
	if m.opts.MaxPackage > 0 && int64(len(archive)) > m.opts.MaxPackage {
		return Record{}, &fault.LoadError{Reason: fmt.Sprintf("package exceeds %v bytes", m.opts.MaxPackage)}
	}
	staging := m.layout.staging()
	defer os.RemoveAll(staging)
	if err := utils.Unzip(archive, staging, m.opts.MaxPackage); err != nil {
		return Record{}, &fault.LoadError{Reason: "extract package", Err: err}
	}
	dir, err := pluginDir(staging)
	if err != nil {
		return Record{}, &fault.LoadError{Reason: "extract package", Err: err}
	}
	man, err := manifest.Load(dir)
	if err != nil {
		return Record{}, err
	}
	if err := man.CheckEngine(m.opts.EngineVersion); err != nil {
		return Record{}, err
	}

	id := man.ID
	if err := m.lock(id); err != nil {
		return Record{}, err
	}
	defer m.unlock(id)
	if _, ok := m.record(id); ok || m.layout.exists(id) {
		return Record{}, &fault.LifecycleConflictError{ID: id, Duplicate: true, Reason: "plugin already installed"}
	}

	m.update(id, func(r *Record) {
		r.Name = man.Name
		r.Version = man.Version
		r.Status = StatusInstalling
	})
	target := m.layout.path(LocationActive, id)
	if err := move(dir, target); err != nil {
		m.remove(id)
		return Record{}, &fault.LoadError{ID: id, Reason: "move to active storage", Err: err}
	}
	if err := m.load(ctx, id, target); err != nil {
		m.opts.Factory.Destroy(id)
		os.RemoveAll(target)
		m.remove(id)
		return Record{}, err
	}
	log.Plugin(id).WithField("version", man.Version).Info("Plugin installed")
	return m.Get(id)
}

// Load loads the plugin stored at path, which must be in active storage.
func (m *Manager) Load(ctx context.Context, path string) (Record, error) {
	path = filepath.Clean(path)
	id := filepath.Base(path)
	if filepath.Dir(path) != filepath.Clean(m.layout.dir(LocationActive)) {
		return Record{}, &fault.LoadError{ID: id, Reason: path + " is not in active storage"}
	}
	if err := m.lock(id); err != nil {
		return Record{}, err
	}
	defer m.unlock(id)
	if r, ok := m.record(id); ok && r.Status == StatusActive {
		return Record{}, &fault.LifecycleConflictError{ID: id, Duplicate: true, Reason: "plugin already loaded"}
	}
	if err := m.load(ctx, id, path); err != nil {
		return Record{}, err
	}
	return m.Get(id)
}

// load validates the manifest, builds the sandbox, loads the entry file,
// runs init and registers hooks. The caller holds the lock of id.
func (m *Manager) load(ctx context.Context, id string, path string) error {
	logger := log.Plugin(id)
	man, err := manifest.Load(path)
	if err == nil {
		err = man.CheckEngine(m.opts.EngineVersion)
	}
	if err == nil && man.ID != id {
		err = &fault.ManifestError{Path: man.File, Field: "id",
			Err: fmt.Errorf("id %v does not match directory %v", man.ID, id)}
	}
	if err != nil {
		m.update(id, func(r *Record) {
			r.Path = path
			r.Location = LocationActive
			r.fail(err)
		})
		logger.WithError(err).Error("Plugin load failed")
		return err
	}

	m.update(id, func(r *Record) {
		r.Name = man.Name
		r.Version = man.Version
		r.Path = path
		r.Level = man.Level.String()
		r.Location = LocationActive
		r.Manifest = man
		r.Status = StatusLoading
		r.Error = ""
		r.Code = fault.CodeOK
	})
	mod, err := m.start(ctx, man)
	if err != nil {
		m.opts.Factory.Destroy(id)
		m.update(id, func(r *Record) { r.fail(err) })
		logger.WithError(err).Error("Plugin load failed")
		return err
	}

	names := mod.HookNames()
	for _, name := range names {
		m.opts.Registry.Register(name, id, m.handler(id, mod, mod.Hooks[name]))
	}
	m.update(id, func(r *Record) {
		r.Status = StatusActive
		r.Module = mod
		r.Hooks = names
		r.LoadedAt = time.Now()
	})
	logger.WithField("hooks", names).Info("Plugin loaded")
	return nil
}

func (m *Manager) start(ctx context.Context, man *manifest.Manifest) (*sandbox.Module, error) {
	f := m.opts.Factory
	if _, err := f.Create(man.ID, man, man.Level); err != nil {
		return nil, err
	}
	entry, _, err := man.Entry()
	if err != nil {
		return nil, &fault.LoadError{ID: man.ID, Reason: "resolve entry file", Err: err}
	}
	mod, err := f.LoadPluginFile(ctx, man.ID, entry)
	if err != nil {
		return nil, err
	}

	values := man.Settings.Defaults()
	if m.opts.Settings != nil {
		if values, err = m.opts.Settings.Effective(man); err != nil {
			return nil, err
		}
	}
	_, err = f.CallIn(ctx, man.ID, mod.Instance, mod.Init, m.opts.InitTimeout, hostapi.Plugin{
		ID:       man.ID,
		Name:     man.Name,
		Version:  man.Version,
		Settings: values,
	})
	if err != nil {
		if fault.CodeOf(err) != fault.CodeUnknown {
			return nil, err
		}
		return nil, &fault.LoadError{ID: man.ID, Reason: "init failed", Err: err}
	}
	return mod, nil
}

// handler binds fn to the sandbox instance that loaded mod, so a handler
// taken before a reload fails instead of running in the new instance.
func (m *Manager) handler(id string, mod *sandbox.Module, fn sandbox.Func) hook.Handler {
	return func(ctx context.Context, args ...any) (any, error) {
		return m.opts.Factory.CallIn(ctx, id, mod.Instance, fn, m.opts.HookTimeout, args...)
	}
}

// teardown removes the hooks of id, waits for in-flight calls, runs
// cleanup and destroys the sandbox. Cleanup failures are only logged.
func (m *Manager) teardown(ctx context.Context, id string, mod *sandbox.Module) {
	m.opts.Registry.UnregisterPlugin(id)
	m.opts.Factory.Drain(id)
	if mod != nil && mod.Cleanup != nil {
		if _, err := m.opts.Factory.Finalize(ctx, id, mod.Instance, mod.Cleanup, m.opts.CleanupTimeout); err != nil {
			log.Plugin(id).WithError(err).Warn("Plugin cleanup failed")
		}
	}
	m.opts.Factory.Destroy(id)
}

// Disable stops an active plugin and moves it to disabled storage.
// Disabling a disabled plugin is a no-op.
func (m *Manager) Disable(ctx context.Context, id string) (Record, error) {
	if err := m.lock(id); err != nil {
		return Record{}, err
	}
	defer m.unlock(id)
	r, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	if r.Location == LocationDisabled {
		return r, nil
	}
	if err := m.disable(ctx, id, true); err != nil {
		return Record{}, err
	}
	log.Plugin(id).Info("Plugin disabled")
	return m.Get(id)
}

func (m *Manager) disable(ctx context.Context, id string, relocate bool) error {
	var mod *sandbox.Module
	m.update(id, func(r *Record) {
		mod = r.Module
		r.Status = StatusDisabling
	})
	m.teardown(ctx, id, mod)

	if relocate {
		dst := m.layout.path(LocationDisabled, id)
		if err := move(m.layout.path(LocationActive, id), dst); err != nil {
			m.update(id, func(r *Record) { r.fail(err) })
			return &fault.LoadError{ID: id, Reason: "move to disabled storage", Err: err}
		}
		m.update(id, func(r *Record) {
			r.Location = LocationDisabled
			r.Path = dst
		})
	}
	m.update(id, func(r *Record) {
		r.Status = StatusDisabled
		r.Module = nil
		r.Hooks = nil
	})
	return nil
}

// Enable moves a disabled plugin back to active storage and loads it.
// On failure the plugin returns to disabled storage in the error state.
func (m *Manager) Enable(ctx context.Context, id string) (Record, error) {
	if err := m.lock(id); err != nil {
		return Record{}, err
	}
	defer m.unlock(id)
	r, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	if r.Status == StatusActive {
		return r, nil
	}

	src := m.layout.path(LocationDisabled, id)
	dst := m.layout.path(LocationActive, id)
	if r.Location == LocationDisabled {
		if err := move(src, dst); err != nil {
			m.update(id, func(r *Record) { r.fail(err) })
			return Record{}, &fault.LoadError{ID: id, Reason: "move to active storage", Err: err}
		}
	}
	if err := m.load(ctx, id, dst); err != nil {
		if e := move(dst, src); e != nil {
			log.NewEntry(e).WithField("plugin", id).Error("Failed to return plugin to disabled storage")
			return Record{}, err
		}
		m.update(id, func(r *Record) {
			r.Location = LocationDisabled
			r.Path = src
		})
		return Record{}, err
	}
	log.Plugin(id).Info("Plugin enabled")
	return m.Get(id)
}

// Uninstall stops the plugin if needed, removes its storage and settings.
func (m *Manager) Uninstall(ctx context.Context, id string) (Record, error) {
	if err := m.lock(id); err != nil {
		return Record{}, err
	}
	defer m.unlock(id)
	r, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	if r.Location == LocationActive {
		m.update(id, func(r *Record) { r.Status = StatusDisabling })
		m.teardown(ctx, id, r.Module)
	}
	if err := os.RemoveAll(m.layout.path(r.Location, id)); err != nil {
		err = tracerr.Wrap(err)
		m.update(id, func(r *Record) { r.fail(err) })
		return Record{}, &fault.LoadError{ID: id, Reason: "remove storage", Err: err}
	}
	if m.opts.Settings != nil {
		if err := m.opts.Settings.Delete(id); err != nil {
			log.NewEntry(err).WithField("plugin", id).Warn("Failed to delete plugin settings")
		}
	}
	m.remove(id)
	log.Plugin(id).Info("Plugin uninstalled")
	return Record{ID: id, Name: r.Name, Version: r.Version, Status: StatusUninstalled}, nil
}

// Reload replaces the running instance of an active plugin with a fresh
// sandbox loaded from storage. A failed load leaves it in the error state.
func (m *Manager) Reload(ctx context.Context, id string) (Record, error) {
	if err := m.lock(id); err != nil {
		return Record{}, err
	}
	defer m.unlock(id)
	r, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	if r.Location != LocationActive {
		return Record{}, &fault.LifecycleConflictError{ID: id, Reason: "plugin is not in active storage"}
	}
	if r.Status == StatusActive {
		if err := m.disable(ctx, id, false); err != nil {
			return Record{}, err
		}
	}
	if err := m.load(ctx, id, m.layout.path(LocationActive, id)); err != nil {
		return Record{}, err
	}
	log.Plugin(id).Info("Plugin reloaded")
	return m.Get(id)
}

// Start records disabled plugins and loads every active one.
// Load failures are logged and never abort the scan.
func (m *Manager) Start(ctx context.Context) error {
	disabled, err := m.layout.scan(LocationDisabled)
	if err != nil {
		return err
	}
	for _, id := range disabled {
		path := m.layout.path(LocationDisabled, id)
		man, err := manifest.Load(path)
		m.update(id, func(r *Record) {
			r.Path = path
			r.Location = LocationDisabled
			if err != nil {
				r.fail(err)
				return
			}
			r.Name = man.Name
			r.Version = man.Version
			r.Level = man.Level.String()
			r.Manifest = man
			r.Status = StatusDisabled
		})
	}

	active, err := m.layout.scan(LocationActive)
	if err != nil {
		return err
	}
	for _, id := range active {
		m.Load(ctx, m.layout.path(LocationActive, id))
	}
	log.New().WithFields(log.F{
		"active":   len(active),
		"disabled": len(disabled),
	}).Info("Plugin storage scanned")
	return nil
}

// Shutdown stops every running plugin without moving its storage.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, r := range m.List() {
		if r.Status != StatusActive {
			continue
		}
		if err := m.lock(r.ID); err != nil {
			log.Plugin(r.ID).WithError(err).Warn("Plugin busy during shutdown")
			continue
		}
		m.teardown(ctx, r.ID, r.Module)
		m.update(r.ID, func(r *Record) {
			r.Status = StatusDisabled
			r.Module = nil
			r.Hooks = nil
		})
		m.unlock(r.ID)
	}
	m.fatalWG.Wait()
	m.opts.Factory.Shutdown()
	if m.ownPool {
		m.opts.Pool.Release()
	}
}

func (m *Manager) onFatal(id string, cause error) {
	m.fatalWG.Add(1)
	err := m.opts.Pool.Submit(func() {
		defer m.fatalWG.Done()
		m.demote(id, cause)
	})
	if err != nil {
		m.fatalWG.Done()
		log.NewEntry(tracerr.Wrap(err)).WithField("plugin", id).Error("Failed to schedule plugin demotion")
	}
}

// demote takes a plugin whose sandbox breached a fatal limit out of the
// active set. It waits for any transition of id in progress.
func (m *Manager) demote(id string, cause error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		if err := m.lock(id); err != nil {
			return err
		}
		defer m.unlock(id)
		// already torn down or replaced by a fresh sandbox
		if info, ok := m.opts.Factory.Info(id); !ok || info.Active {
			return nil
		}
		m.opts.Registry.UnregisterPlugin(id)
		m.opts.Factory.Destroy(id)

		dst := m.layout.path(LocationDisabled, id)
		moveErr := move(m.layout.path(LocationActive, id), dst)
		m.update(id, func(r *Record) {
			r.fail(cause)
			if moveErr == nil {
				r.Location = LocationDisabled
				r.Path = dst
			}
		})
		log.Plugin(id).WithError(cause).Error("Plugin demoted after fatal error")
		return nil
	}, b)
	if err != nil {
		log.NewEntry(err).WithField("plugin", id).Error("Failed to demote plugin")
	}
}
