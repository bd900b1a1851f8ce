package hostapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Plugin describes a plugin to its own init.
type Plugin struct {
	ID       string
	Name     string
	Version  string
	Settings map[string]interface{}
}

// Meter charges resource usage to the owning sandbox.
type Meter interface {
	Charge(r fault.Resource, n int64) error
}

type Options struct {
	ID         string
	Caps       security.Set
	Meter      Meter
	MaxValue   int64 // largest stored value and fetched body, in bytes
	Client     *http.Client
	AllowHosts []string
	DB         *gorm.DB // nil unless the database capability is granted
	Logger     *logrus.Entry
	// Context returns the context of the call in progress, bounding
	// network and database work. nil means no bound.
	Context func() context.Context
}

// Host is the only object plugin code receives from the host.
// Every method checks its capability before doing anything.
type Host struct {
	opts Options

	mu   sync.Mutex
	data map[string][]byte
}

func New(opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("plugin", opts.ID)
	}
	return &Host{
		opts: opts,
		data: make(map[string][]byte),
	}
}

func (h *Host) require(c security.Capability, op string) error {
	if !h.opts.Caps.Has(c) {
		return &fault.PermissionError{Capability: string(c), Op: op}
	}
	return nil
}

func (h *Host) callContext() context.Context {
	if h.opts.Context != nil {
		if ctx := h.opts.Context(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}

func (h *Host) ID() string {
	return h.opts.ID
}

// Log writes msg to the host log tagged with the plugin id.
func (h *Host) Log(level string, msg string) {
	e := h.opts.Logger
	switch strings.ToLower(level) {
	case "debug":
		e.Debug(msg)
	case "warn", "warning":
		e.Warn(msg)
	case "error":
		e.Error(msg)
	default:
		e.Info(msg)
	}
}

// Get returns the stored value of key, nil if absent.
func (h *Host) Get(key string) (interface{}, error) {
	if err := h.require(security.CapRead, "get"); err != nil {
		return nil, err
	}
	h.mu.Lock()
	buf, ok := h.data[key]
	h.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var ret interface{}
	if err := json.Unmarshal(buf, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Keys returns stored keys in order.
func (h *Host) Keys() ([]string, error) {
	if err := h.require(security.CapRead, "keys"); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := make([]string, 0, len(h.data))
	for k := range h.data {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret, nil
}

// Set stores a JSON encodable value. Retained bytes are charged as memory.
func (h *Host) Set(key string, value interface{}) error {
	if err := h.require(security.CapWrite, "set"); err != nil {
		return err
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := h.opts.Meter.Charge(fault.ResourceFileSize, int64(len(buf))); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	size := int64(len(key) + len(buf))
	if old, ok := h.data[key]; ok {
		size -= int64(len(key) + len(old))
	}
	if err := h.opts.Meter.Charge(fault.ResourceMemory, size); err != nil {
		return err
	}
	h.data[key] = buf
	return nil
}

func (h *Host) Delete(key string) error {
	if err := h.require(security.CapWrite, "delete"); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.data[key]; ok {
		delete(h.data, key)
		return h.opts.Meter.Charge(fault.ResourceMemory, -int64(len(key)+len(old)))
	}
	return nil
}

// Env reads a host environment variable.
func (h *Host) Env(name string) (string, error) {
	if err := h.require(security.CapSystem, "env"); err != nil {
		return "", err
	}
	return os.Getenv(name), nil
}
