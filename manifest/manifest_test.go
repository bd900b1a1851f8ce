package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const sample = `
id: echo-basic
name: Echo
version: 1.0.0
description: echoes the request path
author: plugd
security:
  maxExecutionTimeMs: 50
settings:
  retries:
    type: integer
    default: 3
    required: true
    validation:
      min: 0
      max: 10
  mode:
    type: select
    default: fast
    options: [fast, slow]
  greeting:
    type: string
    validation:
      pattern: "^[a-z]+$"
      maxLength: 8
allowedModules: [crypto/sha256]
blockedPatterns: ["while true"]
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "echo-basic", m.ID)
	assert.Equal(t, security.LevelBasic, m.Level)
	assert.Equal(t, "basic", m.PermissionLevel)
	assert.Equal(t, DefaultMain, m.Main)
	assert.Equal(t, int64(50), m.Security.MaxExecutionTimeMs)
	require.Len(t, m.Settings.Fields, 3)
	assert.Equal(t, []string{"retries", "mode", "greeting"},
		[]string{m.Settings.Fields[0].Key, m.Settings.Fields[1].Key, m.Settings.Fields[2].Key})
	assert.Equal(t, map[string]any{"retries": 3.0, "mode": "fast"}, m.Settings.Defaults())
	assert.Len(t, m.Blocked(), 1)
}

func TestParseInvalid(t *testing.T) {
	base := "id: a\nname: A\nversion: 1.0.0\ndescription: d\nauthor: x\n"
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"not yaml", "id: [", ""},
		{"bad id", strings.Replace(base, "id: a", "id: Bad_ID", 1), "id"},
		{"bad version", strings.Replace(base, "1.0.0", "latest", 1), "version"},
		{"bad level", base + "permissionLevel: root\n", "permissionLevel"},
		{"main path", base + "main: ../x\n", "main"},
		{"negative ceiling", base + "security:\n  maxMemoryMB: -1\n", "security"},
		{"bad blocked pattern", base + "blockedPatterns: ['(']\n", "blockedPatterns"},
		{"bad engine", base + "engine: '~~'\n", "engine"},
		{"unknown type", base + "settings:\n  a:\n    type: color\n", "settings.a"},
		{"select without options", base + "settings:\n  a:\n    type: select\n", "settings.a"},
		{"default out of range", base + "settings:\n  a:\n    type: number\n    default: 20\n    validation:\n      max: 10\n", "settings.a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var me *fault.ManifestError
			require.True(t, errors.As(err, &me), "got %v", err)
			assert.Equal(t, tt.field, me.Field)
			assert.Equal(t, fault.CodeManifestInvalid, fault.CodeOf(err))
		})
	}
}

func TestMissingRequiredField(t *testing.T) {
	fields := []string{"id", "name", "version", "description", "author"}
	rapid.Check(t, func(t *rapid.T) {
		drop := rapid.SampledFrom(fields).Draw(t, "drop")
		blank := rapid.Bool().Draw(t, "blank")
		values := map[string]string{
			"id":          rapid.StringMatching(`[a-z0-9-]{1,12}`).Draw(t, "id"),
			"name":        "n",
			"version":     "1.0.0",
			"description": "d",
			"author":      "a",
		}
		var doc strings.Builder
		for _, f := range fields {
			if f == drop {
				if blank {
					doc.WriteString(f + ": \"  \"\n")
				}
				continue
			}
			doc.WriteString(f + ": \"" + values[f] + "\"\n")
		}
		_, err := Parse([]byte(doc.String()))
		var me *fault.ManifestError
		if !errors.As(err, &me) || me.Field != drop {
			t.Fatalf("expected manifest error on %v, got %v", drop, err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		dir := t.TempDir()
		doc := `{"id":"j","name":"J","version":"0.1.0","description":"d","author":"a","permissionLevel":"advanced","settings":{"b":{"type":"boolean"},"a":{"type":"string"}}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(doc), 0644))
		m, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, security.LevelAdvanced, m.Level)
		assert.Equal(t, dir, m.Dir)
		assert.Equal(t, "b", m.Settings.Fields[0].Key)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(t.TempDir())
		assert.Equal(t, fault.CodeManifestInvalid, fault.CodeOf(err))
	})

	t.Run("path in error", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yml"), []byte("id: x"), 0644))
		_, err := Load(dir)
		var me *fault.ManifestError
		require.True(t, errors.As(err, &me))
		assert.Equal(t, filepath.Join(dir, "manifest.yml"), me.Path)
	})
}

func TestEntry(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Main: "index", Dir: dir}
	_, _, err := m.Entry()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.lua"), []byte("return {}"), 0644))
	p, l, err := m.Entry()
	require.NoError(t, err)
	assert.Equal(t, LanguageLua, l)
	assert.Equal(t, filepath.Join(dir, "index.lua"), p)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.go"), []byte("package index"), 0644))
	_, _, err = m.Entry()
	assert.Error(t, err)

	m.Main = "index.go"
	_, l, err = m.Entry()
	require.NoError(t, err)
	assert.Equal(t, LanguageGo, l)
	assert.Equal(t, []string{"index.go"}, m.EntryNames())
}

func TestCheckEngine(t *testing.T) {
	m := &Manifest{Engine: ">= 1.0, < 2.0"}
	assert.NoError(t, m.CheckEngine("1.2.0"))
	assert.Equal(t, fault.CodeManifestInvalid, fault.CodeOf(m.CheckEngine("2.0.0")))
	assert.NoError(t, (&Manifest{}).CheckEngine("0.0.1"))
}

func TestFieldValidate(t *testing.T) {
	min, max := 0.0, 10.0
	minLen, maxLen := 1, 3
	tests := []struct {
		name    string
		field   Field
		value   any
		wantErr bool
	}{
		{"integer ok", Field{Type: TypeInteger, Validation: &Validation{Min: &min, Max: &max}}, 10, false},
		{"integer too big", Field{Type: TypeInteger, Validation: &Validation{Min: &min, Max: &max}}, 999, true},
		{"integer fraction", Field{Type: TypeInteger}, 1.5, true},
		{"number negative", Field{Type: TypeNumber, Validation: &Validation{Min: &min}}, -0.1, true},
		{"number from int64", Field{Type: TypeNumber}, int64(4), false},
		{"string type", Field{Type: TypeString}, 3, true},
		{"string length", Field{Type: TypeString, Validation: &Validation{MaxLength: &maxLen}}, "abcd", true},
		{"string pattern", Field{Type: TypeString, Validation: &Validation{Pattern: "^a"}}, "ba", true},
		{"boolean", Field{Type: TypeBoolean}, true, false},
		{"boolean type", Field{Type: TypeBoolean}, "true", true},
		{"select ok", Field{Type: TypeSelect, Options: []any{"a", 1.0}}, 1, false},
		{"select miss", Field{Type: TypeSelect, Options: []any{"a"}}, "b", true},
		{"array length", Field{Type: TypeArray, Validation: &Validation{MinLength: &minLen}}, []string{}, true},
		{"array options", Field{Type: TypeArray, Options: []any{"x", "y"}}, []any{"x", "z"}, true},
		{"array ok", Field{Type: TypeArray}, []int{1, 2}, false},
		{"object", Field{Type: TypeObject}, map[string]any{"a": 1}, false},
		{"object type", Field{Type: TypeObject}, []any{}, true},
		{"nil optional", Field{Type: TypeString}, nil, false},
		{"nil required", Field{Type: TypeString, Required: true}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.field.Validate(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
