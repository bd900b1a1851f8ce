package utils

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestMinPositive(t *testing.T) {
	tests := []struct {
		name string
		a, b int
		want int
	}{
		{"both positive", 5, 3, 3},
		{"a zero", 0, 3, 3},
		{"b zero", 4, 0, 4},
		{"both zero", 0, 0, 0},
		{"negative", -1, -2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MinPositive(tt.a, tt.b))
		})
	}
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 1, "a": 2, "b": 3}))
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name       string
		ver        string
		constraint string
		want       bool
		wantErr    bool
	}{
		{"in range", "1.0.1", ">= 1.0, < 1.1", true, false},
		{"out of range", "1.1.0", ">= 1.0, < 1.1", false, false},
		{"bad version", "x.y", ">= 1.0", false, true},
		{"bad constraint", "1.0.0", "~~1", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckVersion(tt.ver, tt.constraint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, ValidVersion("1.2.3"))
	assert.False(t, ValidVersion("latest"))
}

func TestFileExist(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, FileExist(dir))
	assert.False(t, FileExist(filepath.Join(dir, "missing")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0644))
	assert.True(t, FileExist(filepath.Join(dir, "a")))
}

func TestUnzip(t *testing.T) {
	t.Run("extract", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out")
		buf := makeZip(t, map[string]string{
			"manifest.yml": "id: a",
			"lib/util.lua": "return 1",
		})
		require.NoError(t, Unzip(buf, dir, 0))
		b, err := os.ReadFile(filepath.Join(dir, "lib", "util.lua"))
		require.NoError(t, err)
		assert.Equal(t, "return 1", string(b))
	})

	t.Run("existing folder", func(t *testing.T) {
		dir := t.TempDir()
		assert.Error(t, Unzip(makeZip(t, map[string]string{"a": "b"}), dir, 0))
		assert.DirExists(t, dir)
	})

	t.Run("path escape", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out")
		buf := makeZip(t, map[string]string{"../evil.txt": "x"})
		assert.Error(t, Unzip(buf, dir, 0))
		assert.NoDirExists(t, dir)
		assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil.txt"))
	})

	t.Run("size limit", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out")
		buf := makeZip(t, map[string]string{"big": string(make([]byte, 2048))})
		assert.ErrorIs(t, Unzip(buf, dir, 1024), ErrZipTooLarge)
		assert.NoDirExists(t, dir)
	})

	t.Run("not a zip", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out")
		assert.Error(t, Unzip([]byte("plain"), dir, 0))
		assert.NoDirExists(t, dir)
	})
}

func TestZip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.lua"), []byte("return {}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "x.lua"), []byte("x"), 0644))

	var buf bytes.Buffer
	var added []string
	require.NoError(t, Zip(src, &buf, func(name string) { added = append(added, name) }))
	assert.ElementsMatch(t, []string{"index.lua", "lib/", "lib/x.lua"}, added)

	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Unzip(buf.Bytes(), out, 0))
	assert.FileExists(t, filepath.Join(out, "lib", "x.lua"))
}
