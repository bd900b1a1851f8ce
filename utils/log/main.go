package log

import (
	"io"
	"strings"

	logrus_stack "github.com/Gurpartap/logrus-stack"
	"github.com/sirupsen/logrus"
	"github.com/ztrue/tracerr"
)

type F = logrus.Fields

// New wraps logrus.
func New() *logrus.Logger {
	return logrus.StandardLogger()
}

// NewEntry wraps error compatible to logrus.
func NewEntry(err error) *logrus.Entry {
	text := tracerr.Sprint(err)
	traceText := strings.Split(text, "\n")
	if len(traceText) > 1 {
		return logrus.WithField("debug", traceText[1:]).WithField("error", err.Error())
	}
	return logrus.WithField("debug", nil).WithField("error", err.Error())
}

// Plugin returns an entry tagged with plugin id.
func Plugin(id string) *logrus.Entry {
	return logrus.WithField("plugin", id)
}

// SetJSONFormat sets log format to JSON.
func SetJSONFormat() {
	logrus.SetFormatter(new(logrus.JSONFormatter))
}

// SetTextFormat sets log format to Text.
func SetTextFormat() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ShowStack appends call stack to log.
// This operation cannot be undo.
func ShowStack() {
	logrus.AddHook(logrus_stack.StandardHook())
}

// SetOutput sets log output.
// If multiple writer provided, write to all of them.
// If no writer provided, discard all output.
func SetOutput(out ...io.Writer) {
	switch len(out) {
	case 0:
		logrus.SetOutput(io.Discard)
	case 1:
		logrus.SetOutput(out[0])
	default:
		logrus.SetOutput(io.MultiWriter(out...))
	}
}
