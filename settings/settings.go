package settings

import (
	"context"
	"encoding/json"

	"github.com/MXWXZ/plugd/db"
	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/utils"
	"github.com/MXWXZ/plugd/utils/log"
	"github.com/MXWXZ/plugd/utils/tpl"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Instance is the settings view of a running plugin. Either function may be nil.
type Instance struct {
	Get func(ctx context.Context) (map[string]any, error)
	Set func(ctx context.Context, key string, value any) error
}

// Store persists plugin settings in the plugin_settings table.
type Store struct {
	db    *gorm.DB
	cache tpl.SafeMap[string, map[string]any]
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) persisted(id string) (map[string]any, error) {
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}
	rows, err := db.NewORM[db.PluginSetting](s.db).Where("plugin_id = ?", id).Find()
	if err != nil {
		return nil, err
	}
	ret := make(map[string]any, len(rows))
	for _, r := range rows {
		var v any
		if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
			log.Plugin(id).WithError(err).WithField("key", r.Name).Warn("Drop undecodable setting")
			continue
		}
		ret[r.Name] = v
	}
	s.cache.Set(id, ret)
	return ret, nil
}

// Effective returns schema defaults merged with persisted values of
// keys still declared by the schema.
func (s *Store) Effective(m *manifest.Manifest) (map[string]any, error) {
	ret := m.Settings.Defaults()
	saved, err := s.persisted(m.ID)
	if err != nil {
		return nil, err
	}
	for k, v := range saved {
		if _, ok := m.Settings.Get(k); ok {
			ret[k] = v
		}
	}
	return ret, nil
}

// Get prefers the getter of the running instance and falls back to
// the effective stored settings.
func (s *Store) Get(ctx context.Context, m *manifest.Manifest, inst *Instance) (map[string]any, error) {
	if inst != nil && inst.Get != nil {
		ret, err := inst.Get(ctx)
		if err == nil && ret != nil {
			return ret, nil
		}
		if err != nil {
			log.Plugin(m.ID).WithError(err).Warn("Plugin settings getter failed, using stored settings")
		}
	}
	return s.Effective(m)
}

// check validates every key of patch and returns the normalized values.
func check(m *manifest.Manifest, patch map[string]any) (map[string]any, error) {
	ret := make(map[string]any, len(patch))
	for _, k := range utils.SortedKeys(patch) {
		f, ok := m.Settings.Get(k)
		if !ok {
			return nil, &fault.SettingError{Key: k, Reason: "unknown setting"}
		}
		if err := f.Validate(patch[k]); err != nil {
			return nil, &fault.SettingError{Key: k, Reason: err.Error()}
		}
		ret[k] = manifest.Normalize(patch[k])
	}
	return ret, nil
}

// Update validates the whole patch before anything is applied, forwards
// each key to the instance setter if present and persists the result.
func (s *Store) Update(ctx context.Context, m *manifest.Manifest, patch map[string]any, inst *Instance) (map[string]any, error) {
	values, err := check(m, patch)
	if err != nil {
		return nil, err
	}
	if inst != nil && inst.Set != nil {
		keys := utils.SortedKeys(values)
		for i, k := range keys {
			if err := inst.Set(ctx, k, values[k]); err != nil {
				// keys the instance already took stay in step with the store
				if i > 0 {
					applied := make(map[string]any, i)
					for _, done := range keys[:i] {
						applied[done] = values[done]
					}
					if serr := s.save(m.ID, applied, false); serr != nil {
						log.Plugin(m.ID).WithError(serr).Warn("Persist applied settings failed")
					}
				}
				return nil, &fault.SettingError{Key: k, Reason: err.Error()}
			}
		}
	}
	if err := s.save(m.ID, values, false); err != nil {
		return nil, err
	}
	return s.Get(ctx, m, inst)
}

// Reset writes the schema defaults back, dropping every other stored
// value. The instance is not consulted.
func (s *Store) Reset(ctx context.Context, m *manifest.Manifest) (map[string]any, error) {
	defaults := m.Settings.Defaults()
	if err := s.save(m.ID, defaults, true); err != nil {
		return nil, err
	}
	return defaults, nil
}

func (s *Store) save(id string, values map[string]any, replace bool) error {
	rows := make([]*db.PluginSetting, 0, len(values))
	for _, k := range utils.SortedKeys(values) {
		buf, err := json.Marshal(values[k])
		if err != nil {
			return &fault.SettingError{Key: k, Reason: err.Error()}
		}
		rows = append(rows, &db.PluginSetting{PluginID: id, Name: k, Value: string(buf)})
	}
	err := db.NewORM[db.PluginSetting](s.db).Transaction(func(tx *gorm.DB) error {
		if replace {
			if _, err := db.NewORM[db.PluginSetting](tx).Where("plugin_id = ?", id).Delete(); err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return db.NewORM[db.PluginSetting](tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plugin_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		})).Creates(rows)
	})
	s.cache.Delete(id)
	return err
}

// Delete drops every stored value of id.
func (s *Store) Delete(id string) error {
	_, err := db.NewORM[db.PluginSetting](s.db).Where("plugin_id = ?", id).Delete()
	s.cache.Delete(id)
	return err
}
