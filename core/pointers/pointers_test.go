package pointers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointers(t *testing.T) {
	p := To(uint8(20))
	assert.Equal(t, uint8(20), *p)
	assert.Equal(t, uint8(20), Value(p))

	var missing *float64
	assert.Equal(t, 0.0, Value(missing))
	assert.Equal(t, -12.5, ValueOr(missing, -12.5))
	assert.Equal(t, "x", ValueOr(To("x"), "y"))
}
