package hostapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type meter struct {
	a  *security.Accountant
	id uuid.UUID
}

func (m *meter) Charge(r fault.Resource, n int64) error {
	return m.a.Charge(m.id, r, n)
}

func newHost(t *testing.T, level security.Level, limits security.Limits, opts Options) (*Host, *meter) {
	m := &meter{a: security.NewAccountant(security.GlobalLimits{}), id: uuid.New()}
	m.a.Open(m.id, limits)
	m.a.BeginWindow(m.id)
	opts.ID = "p1"
	opts.Caps = security.ForLevel(level)
	opts.Meter = m
	opts.MaxValue = limits.MaxFileSize
	return New(opts), m
}

func TestPermissions(t *testing.T) {
	tests := []struct {
		name  string
		level security.Level
		call  func(h *Host) error
		want  fault.Code
	}{
		{"readonly get", security.LevelReadonly, func(h *Host) error { _, err := h.Get("a"); return err }, fault.CodeOK},
		{"readonly set", security.LevelReadonly, func(h *Host) error { return h.Set("a", 1) }, fault.CodePermissionDenied},
		{"basic set", security.LevelBasic, func(h *Host) error { return h.Set("a", 1) }, fault.CodeOK},
		{"basic fetch", security.LevelBasic, func(h *Host) error { _, err := h.Fetch("GET", "http://x", ""); return err }, fault.CodePermissionDenied},
		{"basic query", security.LevelBasic, func(h *Host) error { _, err := h.Query("select 1"); return err }, fault.CodePermissionDenied},
		{"advanced env", security.LevelAdvanced, func(h *Host) error { _, err := h.Env("HOME"); return err }, fault.CodePermissionDenied},
		{"admin env", security.LevelAdmin, func(h *Host) error { _, err := h.Env("HOME"); return err }, fault.CodeOK},
		{"advanced fetch scheme", security.LevelAdvanced, func(h *Host) error { _, err := h.Fetch("GET", "file:///etc/passwd", ""); return err }, fault.CodeOriginDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHost(t, tt.level, security.DefaultLimits(), Options{})
			assert.Equal(t, tt.want, fault.CodeOf(tt.call(h)))
		})
	}
}

func TestDataStore(t *testing.T) {
	h, m := newHost(t, security.LevelBasic, security.Limits{MaxMemory: 64, MaxFileSize: 32}, Options{})

	require.NoError(t, h.Set("k", map[string]any{"a": 1}))
	v, err := h.Get("k")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, v)
	v, err = h.Get("missing")
	assert.NoError(t, err)
	assert.Nil(t, v)

	u, _ := m.a.Usage(m.id)
	assert.Equal(t, int64(len("k")+len(`{"a":1}`)), u.RetainedBytes)

	assert.Equal(t, fault.CodeFileSizeLimit, fault.CodeOf(h.Set("big", strings.Repeat("x", 40))))

	require.NoError(t, h.Set("k", "short"))
	require.NoError(t, h.Delete("k"))
	u, _ = m.a.Usage(m.id)
	assert.Equal(t, int64(0), u.RetainedBytes)
	assert.Equal(t, int64(8), u.MemoryBytes)

	require.NoError(t, h.Set("a", strings.Repeat("x", 25)))
	require.NoError(t, h.Set("b", strings.Repeat("x", 25)))
	err = h.Set("c", strings.Repeat("x", 25))
	assert.True(t, fault.IsFatal(err))
	keys, err := h.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		if r.URL.Path == "/big" {
			w.Write([]byte(strings.Repeat("x", 100)))
			return
		}
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	limits := security.Limits{MaxNetworkRequests: 2, MaxFileSize: 50}
	h, m := newHost(t, security.LevelAdvanced, limits, Options{Client: srv.Client()})

	rsp, err := h.Fetch("get", srv.URL+"/ping", "")
	require.NoError(t, err)
	assert.Equal(t, 200, rsp.Status)
	assert.Equal(t, "pong", rsp.Body)
	assert.Equal(t, "/ping", rsp.Header["X-Path"])

	_, err = h.Fetch("GET", srv.URL+"/big", "")
	assert.Equal(t, fault.CodeFileSizeLimit, fault.CodeOf(err))

	_, err = h.Fetch("GET", srv.URL+"/ping", "")
	assert.Equal(t, fault.CodeNetworkLimit, fault.CodeOf(err))

	m.a.BeginWindow(m.id)
	_, err = h.Fetch("POST", srv.URL+"/ping", "body")
	assert.NoError(t, err)
	u, _ := m.a.Usage(m.id)
	assert.Equal(t, int64(3), u.NetworkRequests)

	t.Run("allow hosts", func(t *testing.T) {
		h, _ := newHost(t, security.LevelAdvanced, limits, Options{AllowHosts: []string{"*.example.com"}})
		_, err := h.Fetch("GET", srv.URL, "")
		assert.Equal(t, fault.CodeOriginDenied, fault.CodeOf(err))
		assert.True(t, h.allowed(mustURL(t, "https://api.example.com/x")))
	})
}

func TestDatabase(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "p.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	limits := security.Limits{MaxDatabaseQueries: 3}
	h, _ := newHost(t, security.LevelAdvanced, limits, Options{DB: db})

	_, err = h.Exec("create table kv (k text, v integer)")
	require.NoError(t, err)
	n, err := h.Exec("insert into kv values (?, ?), (?, ?)", "a", 1, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	rows, err := h.Query("select k, v from kv order by k")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["k"])
	assert.EqualValues(t, 2, rows[1]["v"])

	_, err = h.Query("select 1")
	assert.Equal(t, fault.CodeDatabaseLimit, fault.CodeOf(err))

	t.Run("no database", func(t *testing.T) {
		h, _ := newHost(t, security.LevelAdvanced, limits, Options{})
		_, err := h.Query("select 1")
		assert.ErrorIs(t, err, errNoDatabase)
	})
}

func mustURL(t *testing.T, s string) *url.URL {
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}
