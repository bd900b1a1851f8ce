package tpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceFinder(t *testing.T) {
	t.Run("Add finder", func(t *testing.T) {
		f := NewSliceFinder([]int{1, 1, 2, 2, 3, 3})
		assert.Equal(t, 3, f.Len())
		assert.True(t, f.Find(1))
		assert.True(t, f.Find(3))
		assert.False(t, f.Find(4))
		f.Add([]int{4})
		assert.True(t, f.Find(4))
	})

	t.Run("Multiple slices", func(t *testing.T) {
		f := NewSliceFinder([]string{"fmt"}, []string{"strings", "fmt"})
		assert.Equal(t, 2, f.Len())
		assert.True(t, f.Find("strings"))
	})

	t.Run("Remove finder", func(t *testing.T) {
		f := NewSliceFinder([]int{1, 2, 3})
		f.Remove([]int{2, 5})
		assert.False(t, f.Find(2))
		assert.Equal(t, 2, f.Len())
	})
}
