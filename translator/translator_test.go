package translator

import (
	"testing"

	"github.com/MXWXZ/plugd/fault"
	"github.com/stretchr/testify/assert"
)

func TestTranslateCode(t *testing.T) {
	tr := NewLocalizer("en-US")
	t.Run("every code translated", func(t *testing.T) {
		for i := fault.Code(0); i < fault.CodeMax; i++ {
			assert.NotEqual(t, i.MsgID(), TranslateCode(tr, i), "code %v", i)
		}
	})
	t.Run("unknown message id", func(t *testing.T) {
		assert.Equal(t, "no.such.id", TranslateString(tr, "no.such.id"))
	})
}
