package lifecycle

import (
	"context"
	"fmt"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/settings"
)

// instance exposes the settings entry points of a running plugin.
func (m *Manager) instance(r Record) *settings.Instance {
	if r.Status != StatusActive || r.Module == nil {
		return nil
	}
	f := m.opts.Factory
	ret := &settings.Instance{}
	if fn := r.Module.GetSettings; fn != nil {
		ret.Get = func(ctx context.Context) (map[string]any, error) {
			v, err := f.CallIn(ctx, r.ID, r.Module.Instance, fn, m.opts.HookTimeout)
			if err != nil || v == nil {
				return nil, err
			}
			values, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("getSettings returned %T", v)
			}
			return values, nil
		}
	}
	if fn := r.Module.SetSetting; fn != nil {
		ret.Set = func(ctx context.Context, key string, value any) error {
			_, err := f.CallIn(ctx, r.ID, r.Module.Instance, fn, m.opts.HookTimeout, key, value)
			return err
		}
	}
	return ret
}

func (m *Manager) settingsOf(id string) (Record, error) {
	r, err := m.Get(id)
	if err != nil {
		return Record{}, err
	}
	if r.Manifest == nil {
		return Record{}, &fault.LoadError{ID: id, Reason: "manifest unavailable"}
	}
	if m.opts.Settings == nil {
		return Record{}, &fault.LoadError{ID: id, Reason: "settings store unavailable"}
	}
	return r, nil
}

// Settings returns the current settings of id.
func (m *Manager) Settings(ctx context.Context, id string) (map[string]any, error) {
	r, err := m.settingsOf(id)
	if err != nil {
		return nil, err
	}
	return m.opts.Settings.Get(ctx, r.Manifest, m.instance(r))
}

// UpdateSettings validates and applies patch to the settings of id.
func (m *Manager) UpdateSettings(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	if err := m.lock(id); err != nil {
		return nil, err
	}
	defer m.unlock(id)
	r, err := m.settingsOf(id)
	if err != nil {
		return nil, err
	}
	return m.opts.Settings.Update(ctx, r.Manifest, patch, m.instance(r))
}

// ResetSettings restores the schema defaults of id.
func (m *Manager) ResetSettings(ctx context.Context, id string) (map[string]any, error) {
	if err := m.lock(id); err != nil {
		return nil, err
	}
	defer m.unlock(id)
	r, err := m.settingsOf(id)
	if err != nil {
		return nil, err
	}
	return m.opts.Settings.Reset(ctx, r.Manifest)
}
