package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/lifecycle"
	"github.com/MXWXZ/plugd/sandbox"
	"github.com/MXWXZ/plugd/security"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats lifecycle.Stats
}

func (f fakeSource) Stats() lifecycle.Stats { return f.stats }

type fakeRetainer int64

func (f fakeRetainer) Retained() int64 { return int64(f) }

func TestCollect(t *testing.T) {
	src := fakeSource{lifecycle.Stats{
		Total: 4, Active: 2, Disabled: 1, Error: 1, Hooks: 3, RSS: 1024,
		Sandboxes: []*sandbox.Info{
			{PluginID: "echo", Usage: security.Usage{Calls: 5, ExecutionTimeMs: 12}},
		},
	}}
	c := New(src, fakeRetainer(77))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP plugd_plugins Plugins by status.
# TYPE plugd_plugins gauge
plugd_plugins{status="active"} 2
plugd_plugins{status="disabled"} 1
plugd_plugins{status="error"} 1
# HELP plugd_retained_bytes Bytes retained by all sandboxes.
# TYPE plugd_retained_bytes gauge
plugd_retained_bytes 77
# HELP plugd_sandbox_calls Calls into a sandbox.
# TYPE plugd_sandbox_calls counter
plugd_sandbox_calls{plugin="echo"} 5
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"plugd_plugins", "plugd_retained_bytes", "plugd_sandbox_calls"))
}

func TestObserve(t *testing.T) {
	c := New(fakeSource{}, nil)
	c.Observe("echo", "onRequest", time.Millisecond, nil)
	c.Observe("echo", "onRequest", time.Millisecond, &fault.ResourceLimitError{Resource: fault.ResourceTime})
	c.Observe("echo", "onRequest", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.dispatch.WithLabelValues("echo", "onRequest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("echo", "onRequest", "code.limit.time")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("echo", "onRequest", "code.unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.durations))
}
