package db

import "time"

type Track struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PluginSetting is one persisted setting value, JSON encoded.
type PluginSetting struct {
	ID       int32  `gorm:"primaryKey;not null"`
	PluginID string `gorm:"uniqueIndex:idx_plugin_name;type:varchar(64);not null"`
	Name     string `gorm:"uniqueIndex:idx_plugin_name;type:varchar(256);not null"`
	Value    string `gorm:"type:text;not null"`
	Track    Track  `gorm:"embedded"`
}

type NotifyLevel int

const (
	NotifyInfo NotifyLevel = iota
	NotifyWarning
	NotifyError
	NotifyFatal
)

func (l NotifyLevel) String() string {
	switch l {
	case NotifyInfo:
		return "info"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "error"
	case NotifyFatal:
		return "fatal"
	}
	return "unknown"
}

// PluginNotification is a journaled warning or error of a plugin.
type PluginNotification struct {
	ID      int32       `gorm:"primaryKey;not null"`
	Level   NotifyLevel `gorm:"default:0;not null"`
	Plugin  string      `gorm:"index;type:varchar(64);not null"`
	Message string      `gorm:"type:varchar(1024)"`
	Detail  string      `gorm:"type:text"`
	Track   Track       `gorm:"embedded"`
}
