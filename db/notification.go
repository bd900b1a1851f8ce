package db

import (
	"fmt"
	"sync"

	"github.com/MXWXZ/plugd/utils"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationHook journals warnings and errors that carry a plugin field.
// Entries are written in order by one goroutine, an entry is dropped
// when the queue is full.
type NotificationHook struct {
	db *gorm.DB
	ch chan *PluginNotification
	wg sync.WaitGroup
}

func NewNotificationHook(db *gorm.DB) *NotificationHook {
	ret := &NotificationHook{
		db: db,
		ch: make(chan *PluginNotification, 256),
	}
	go ret.writer()
	return ret
}

func (h *NotificationHook) writer() {
	for n := range h.ch {
		NewORM[PluginNotification](h.db).Create(n)
		h.wg.Done()
	}
}

func (h *NotificationHook) Levels() []log.Level {
	return []log.Level{
		log.WarnLevel,
		log.ErrorLevel,
		log.FatalLevel,
	}
}

func (h *NotificationHook) Fire(e *log.Entry) error {
	plugin, ok := e.Data["plugin"]
	if !ok {
		return nil
	}
	var level NotifyLevel
	switch e.Level {
	case log.WarnLevel:
		level = NotifyWarning
	case log.ErrorLevel:
		level = NotifyError
	case log.FatalLevel:
		level = NotifyFatal
	}
	detail := make(map[string]string, len(e.Data))
	for k, v := range e.Data {
		detail[k] = fmt.Sprint(v)
	}
	n := &PluginNotification{
		Level:   level,
		Plugin:  fmt.Sprint(plugin),
		Message: e.Message,
		Detail:  utils.MustMarshal(detail),
	}
	// log may in transaction, prevent deadlock
	h.wg.Add(1)
	select {
	case h.ch <- n:
	default:
		h.wg.Done()
	}
	return nil
}

// Flush waits for queued writes.
func (h *NotificationHook) Flush() {
	h.wg.Wait()
}

// NotificationQuery selects journal entries. Zero fields match everything.
type NotificationQuery struct {
	Plugins []string
	Search  string // substring of message or detail
	Level   NotifyLevel
	Limit   int
	Offset  int
}

func (q *NotificationQuery) condition() *Condition {
	cond := &Condition{Order: []any{"id desc"}, Limit: q.Limit, Offset: q.Offset}
	if len(q.Plugins) > 0 {
		plugins := &Condition{}
		for _, p := range q.Plugins {
			plugins.Or("plugin = ?", p)
		}
		cond.And(plugins.Query, plugins.Args...)
	}
	if q.Level > NotifyInfo {
		cond.And("level >= ?", q.Level)
	}
	cond.AndLike("message LIKE ? OR detail LIKE ?", q.Search)
	return cond
}

// Notifications lists the newest matching entries and the total number of matches.
func Notifications(db *gorm.DB, q NotificationQuery) ([]*PluginNotification, int64, error) {
	o := NewORM[PluginNotification](db)
	cond := q.condition()
	total, err := o.Count(cond)
	if err != nil {
		return nil, 0, err
	}
	ret, err := o.Cond(cond).Find()
	if err != nil {
		return nil, 0, err
	}
	return ret, total, nil
}