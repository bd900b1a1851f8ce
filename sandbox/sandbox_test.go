package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hostapi"
	"github.com/MXWXZ/plugd/manifest"
	"github.com/MXWXZ/plugd/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoLua = `
return {
  hooks = {
    onRequest = function(req) return req.path end,
    fail = function() return nil, "boom" end,
  },
}
`

const echoGo = `package echo

import "plugd/host"

var Hooks = map[string]string{"onRequest": "OnRequest"}

var started string

func Init(p host.Plugin, h *host.Host) error {
	started = p.ID
	return nil
}

func OnRequest(args ...interface{}) (interface{}, error) {
	req := args[0].(map[string]interface{})
	return req["path"], nil
}

func Started(args ...interface{}) (interface{}, error) {
	return started, nil
}
`

func newPlugin(t *testing.T, files map[string]string) *manifest.Manifest {
	dir := t.TempDir()
	for name, content := range files {
		require.Nil(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return &manifest.Manifest{
		ID:      "demo",
		Name:    "Demo",
		Version: "1.0.0",
		Main:    manifest.DefaultMain,
		Dir:     dir,
	}
}

func loadPlugin(t *testing.T, f *Factory, m *manifest.Manifest, level security.Level) (*Module, error) {
	_, err := f.Create(m.ID, m, level)
	require.Nil(t, err)
	entry, _, err := m.Entry()
	require.Nil(t, err)
	return f.LoadPluginFile(context.Background(), m.ID, entry)
}

func TestCreateDestroy(t *testing.T) {
	f := NewFactory(Options{DataDir: t.TempDir()})
	m := newPlugin(t, nil)

	_, err := f.Create("demo", m, security.LevelAdvanced)
	require.Nil(t, err)
	_, err = f.Create("demo", m, security.LevelAdvanced)
	assert.Equal(t, fault.CodeLifecycleConflict, fault.CodeOf(err))

	info, ok := f.Info("demo")
	require.True(t, ok)
	assert.True(t, info.Active)
	assert.Equal(t, "advanced", info.Level)
	assert.Equal(t, []string{"read", "write", "network", "database"}, info.Capabilities)

	f.Destroy("demo")
	f.Destroy("demo")
	f.Destroy("unknown")
	_, ok = f.Info("demo")
	assert.False(t, ok)

	_, err = f.Execute(context.Background(), "demo", "1", ExecOptions{})
	assert.ErrorIs(t, err, fault.ErrSandboxUnavailable)

	// the id is free again after destroy
	_, err = f.Create("demo", m, security.LevelBasic)
	assert.Nil(t, err)
	f.Shutdown()
	assert.Empty(t, f.List())
}

func TestExecute(t *testing.T) {
	f := NewFactory(Options{})
	_, err := f.Create("demo", newPlugin(t, nil), security.LevelBasic)
	require.Nil(t, err)
	ctx := context.Background()

	v, err := f.Execute(ctx, "demo", "1 + 2", ExecOptions{Language: manifest.LanguageLua})
	assert.Nil(t, err)
	assert.Equal(t, 3.0, v)

	v, err = f.Execute(ctx, "demo", "string.upper('abc')", ExecOptions{Language: manifest.LanguageLua})
	assert.Nil(t, err)
	assert.Equal(t, "ABC", v)

	// one sandbox runs one language
	_, err = f.Execute(ctx, "demo", "1 + 2", ExecOptions{Language: manifest.LanguageGo})
	assert.Equal(t, fault.CodeLoadFailed, fault.CodeOf(err))

	_, err = f.Execute(ctx, "demo", "os.execute('ls')", ExecOptions{Language: manifest.LanguageLua})
	assert.Equal(t, fault.CodeCodePattern, fault.CodeOf(err))

	_, err = f.Execute(ctx, "demo", "while true do end", ExecOptions{Timeout: 30 * time.Millisecond})
	assert.True(t, fault.IsTimeout(err))
	var rl *fault.ResourceLimitError
	require.ErrorAs(t, err, &rl)
	assert.EqualValues(t, 30, rl.Limit)

	info, _ := f.Info("demo")
	assert.GreaterOrEqual(t, info.Usage.ExecutionTimeMs, int64(30))
	assert.Equal(t, "lua", info.Language)
}

func TestExecuteGo(t *testing.T) {
	f := NewFactory(Options{})
	_, err := f.Create("demo", newPlugin(t, nil), security.LevelBasic)
	require.Nil(t, err)

	v, err := f.Execute(context.Background(), "demo", "1 + 2", ExecOptions{})
	assert.Nil(t, err)
	assert.Equal(t, 3, v)

	_, err = f.Execute(context.Background(), "demo", `import "os"`, ExecOptions{})
	var ve *fault.CodeValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, fault.ConstructFilesystem, ve.Construct)
}

func TestLoadLua(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": echoLua})
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	assert.Equal(t, []string{"fail", "onRequest"}, mod.HookNames())
	assert.Nil(t, mod.Init)

	ctx := context.Background()
	v, err := f.Call(ctx, "demo", mod.Hooks["onRequest"], time.Second, map[string]any{"path": "/x"})
	assert.Nil(t, err)
	assert.Equal(t, "/x", v)

	_, err = f.Call(ctx, "demo", mod.Hooks["fail"], time.Second)
	assert.EqualError(t, err, "boom")

	v, err = f.Call(ctx, "demo", nil, time.Second)
	assert.Nil(t, err)
	assert.Nil(t, v)
}

func TestLoadGo(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.go": echoGo})
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	assert.Equal(t, []string{"onRequest"}, mod.HookNames())
	require.NotNil(t, mod.Init)

	ctx := context.Background()
	_, err = f.Call(ctx, "demo", mod.Init, time.Second, hostapi.Plugin{ID: "demo"})
	assert.Nil(t, err)
	v, err := f.Call(ctx, "demo", mod.Hooks["onRequest"], time.Second, map[string]any{"path": "/x"})
	assert.Nil(t, err)
	assert.Equal(t, "/x", v)
}

func TestInitTimeout(t *testing.T) {
	tests := []struct {
		name string
		file string
		src  string
	}{
		{"lua", "index.lua", `return { init = function(p, host) while true do end end }`},
		{"go", "index.go", `package slow

import (
	"time"

	"plugd/host"
)

func Init(p host.Plugin, h *host.Host) error {
	time.Sleep(500 * time.Millisecond)
	return nil
}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFactory(Options{})
			m := newPlugin(t, map[string]string{tt.file: tt.src})
			m.Security.MaxExecutionTimeMs = 50
			mod, err := loadPlugin(t, f, m, security.LevelBasic)
			require.Nil(t, err)

			start := time.Now()
			_, err = f.Call(context.Background(), "demo", mod.Init, 10*time.Second, hostapi.Plugin{ID: "demo"})
			assert.True(t, fault.IsTimeout(err), "%v", err)
			assert.Less(t, time.Since(start), 400*time.Millisecond)

			f.Destroy("demo")
			f.Destroy("demo")
		})
	}
}

func TestExportShape(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		src    string
		reason string
	}{
		{"not a table", "index.lua", `return 1`, "must return a table"},
		{"unknown key", "index.lua", `return { hooks = {}, extra = 1 }`, "unknown exports extra"},
		{"hook not function", "index.lua", `return { hooks = { a = 1 } }`, "hook a must be a function"},
		{"hooks not table", "index.lua", `return { hooks = 1 }`, "hooks must be a table"},
		{"init not function", "index.lua", `return { init = "x" }`, "init must be a function"},
		{"go hooks type", "index.go", "package bad\n\nvar Hooks = []string{\"a\"}\n", "Hooks has type"},
		{"go init type", "index.go", "package bad\n\nfunc Init() {}\n", "Init has type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFactory(Options{})
			_, err := loadPlugin(t, f, newPlugin(t, map[string]string{tt.file: tt.src}), security.LevelBasic)
			var le *fault.LoadError
			require.ErrorAs(t, err, &le)
			assert.Contains(t, le.Error(), tt.reason)
		})
	}
}

func TestLoadGates(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": "return {}\n--" + strings.Repeat("x", 2048)})
	m.Security.MaxFileSizeKB = 1
	_, err := loadPlugin(t, f, m, security.LevelBasic)
	assert.Equal(t, fault.CodeFileSizeLimit, fault.CodeOf(err))

	f = NewFactory(Options{})
	m = newPlugin(t, map[string]string{"index.lua": `os.execute("ls") return {}`})
	_, err = loadPlugin(t, f, m, security.LevelAdvanced)
	assert.Equal(t, fault.CodeCodePattern, fault.CodeOf(err))

	// admin lifts construct checks
	f = NewFactory(Options{})
	m = newPlugin(t, map[string]string{"index.lua": `local t = os.time() return {}`})
	_, err = loadPlugin(t, f, m, security.LevelAdmin)
	assert.Nil(t, err)
}

func TestHostErrors(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": `
local host = require("host")
return {
  hooks = {
    write = function() host.set("k", 1) return true end,
  },
}
`})
	mod, err := loadPlugin(t, f, m, security.LevelReadonly)
	require.Nil(t, err)
	_, err = f.Call(context.Background(), "demo", mod.Hooks["write"], time.Second)
	var pe *fault.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, string(security.CapWrite), pe.Capability)
}

func TestMemoryFatal(t *testing.T) {
	f := NewFactory(Options{})
	fatal := make(chan string, 1)
	f.OnFatal(func(id string, err error) { fatal <- id })

	m := newPlugin(t, map[string]string{"index.lua": `
return {
  hooks = {
    grow = function()
      for i = 1, 40 do host.set("k" .. i, string.rep("x", 60000)) end
    end,
  },
}
`})
	m.Security.MaxMemoryMB = 1
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)

	_, err = f.Call(context.Background(), "demo", mod.Hooks["grow"], time.Second)
	assert.True(t, fault.IsFatal(err), "%v", err)
	select {
	case id := <-fatal:
		assert.Equal(t, "demo", id)
	case <-time.After(time.Second):
		t.Fatal("fatal handler not invoked")
	}

	info, _ := f.Info("demo")
	assert.False(t, info.Active)
	_, err = f.Call(context.Background(), "demo", mod.Hooks["grow"], time.Second)
	assert.True(t, fault.IsFatal(err))
	f.Destroy("demo")
}

func TestPanicRecovered(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.go": `package boom

var Hooks = map[string]string{"boom": "Boom"}

func Boom(args ...interface{}) (interface{}, error) {
	var m map[string]int
	m["x"] = 1
	return nil, nil
}
`})
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	_, err = f.Call(context.Background(), "demo", mod.Hooks["boom"], time.Second)
	assert.ErrorContains(t, err, "panic")

	info, _ := f.Info("demo")
	assert.True(t, info.Active)
}

func TestHostCallBoundByDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": `
return {
  hooks = {
    slow = function(url) return host.fetch("GET", url).status end,
  },
}
`})
	mod, err := loadPlugin(t, f, m, security.LevelAdvanced)
	require.Nil(t, err)

	start := time.Now()
	_, err = f.Call(context.Background(), "demo", mod.Hooks["slow"], 100*time.Millisecond, srv.URL)
	assert.True(t, fault.IsTimeout(err), "%v", err)
	assert.Less(t, time.Since(start), time.Second)

	// the sandbox stays usable
	info, ok := f.Info("demo")
	require.True(t, ok)
	assert.True(t, info.Active)
}

func TestRetainedStateCharged(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": `
local items = {}
return {
  hooks = {
    grow = function(n)
      for i = 1, n do items[#items + 1] = string.rep("x", 100) .. i end
      return #items
    end,
    scratch = function(n)
      local t = {}
      for i = 1, n do t[i] = string.rep("x", 100) .. i end
      return #t
    end,
  },
}
`})
	m.Security.MaxMemoryMB = 1
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	ctx := context.Background()

	// unreachable tables are not retained
	v, err := f.Call(ctx, "demo", mod.Hooks["scratch"], 5*time.Second, 20000)
	require.Nil(t, err)
	assert.Equal(t, 20000.0, v)
	info, _ := f.Info("demo")
	assert.Less(t, info.Usage.RetainedBytes, int64(10000))

	_, err = f.Call(ctx, "demo", mod.Hooks["grow"], 5*time.Second, 100)
	require.Nil(t, err)
	info, _ = f.Info("demo")
	assert.Greater(t, info.Usage.RetainedBytes, int64(100*100))

	_, err = f.Call(ctx, "demo", mod.Hooks["grow"], 5*time.Second, 20000)
	assert.True(t, fault.IsFatal(err), "%v", err)
	assert.Equal(t, fault.CodeMemoryLimit, fault.CodeOf(err))
	assert.Eventually(t, func() bool {
		_, ok := f.Info("demo")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestPayloadCharged(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": echoLua})
	m.Security.MaxMemoryMB = 1
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)

	_, err = f.Call(context.Background(), "demo", mod.Hooks["onRequest"], time.Second,
		map[string]any{"path": strings.Repeat("x", 2<<20)})
	assert.Equal(t, fault.CodeMemoryLimit, fault.CodeOf(err))
}

func TestLuaStackBounded(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": `
return {
  hooks = {
    deep = function()
      local function down(n) return 1 + down(n + 1) end
      return down(1)
    end,
  },
}
`})
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)

	_, err = f.Call(context.Background(), "demo", mod.Hooks["deep"], 5*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stack overflow")
	info, ok := f.Info("demo")
	require.True(t, ok)
	assert.True(t, info.Active)
}

func TestCallInStaleInstance(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": echoLua})
	old, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	f.Destroy("demo")
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	require.NotEqual(t, old.Instance, mod.Instance)
	ctx := context.Background()

	_, err = f.CallIn(ctx, "demo", old.Instance, old.Hooks["onRequest"], time.Second, map[string]any{"path": "/x"})
	assert.ErrorIs(t, err, fault.ErrSandboxUnavailable)
	info, _ := f.Info("demo")
	assert.EqualValues(t, 1, info.Usage.Calls) // load only

	v, err := f.CallIn(ctx, "demo", mod.Instance, mod.Hooks["onRequest"], time.Second, map[string]any{"path": "/x"})
	assert.Nil(t, err)
	assert.Equal(t, "/x", v)
}

func TestDrain(t *testing.T) {
	f := NewFactory(Options{})
	m := newPlugin(t, map[string]string{"index.lua": echoLua})
	mod, err := loadPlugin(t, f, m, security.LevelBasic)
	require.Nil(t, err)
	ctx := context.Background()
	req := map[string]any{"path": "/x"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.Call(ctx, "demo", mod.Hooks["onRequest"], time.Second, req)
			}
		}()
	}
	f.Drain("demo")
	_, err = f.Call(ctx, "demo", mod.Hooks["onRequest"], time.Second, req)
	assert.ErrorIs(t, err, fault.ErrSandboxUnavailable)

	v, err := f.Finalize(ctx, "demo", mod.Instance, mod.Hooks["onRequest"], time.Second, req)
	assert.Nil(t, err)
	assert.Equal(t, "/x", v)
	wg.Wait()
}
