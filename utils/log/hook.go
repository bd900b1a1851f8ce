package log

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hook copies entries of LogLevels to Writer, independent of the logger output.
type Hook struct {
	Writer    io.Writer
	LogLevels []logrus.Level

	mu sync.Mutex
}

// NewFileHook returns a hook writing every level to w.
func NewFileHook(w io.Writer) *Hook {
	return &Hook{
		Writer:    w,
		LogLevels: logrus.AllLevels,
	}
}

func (hook *Hook) Fire(entry *logrus.Entry) error {
	var fmt logrus.Formatter
	switch entry.Logger.Formatter.(type) {
	case *logrus.TextFormatter: // tty detection is for the console, reinit for files
		fmt = &logrus.TextFormatter{
			FullTimestamp:    true,
			DisableColors:    true,
			DisableTimestamp: false,
		}
	default:
		fmt = entry.Logger.Formatter
	}
	line, err := fmt.Format(entry)
	if err != nil {
		return err
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	_, err = hook.Writer.Write(line)
	return err
}

func (hook *Hook) Levels() []logrus.Level {
	return hook.LogLevels
}
