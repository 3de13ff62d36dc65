package colorutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLuminance(t *testing.T) {
	assert.InDelta(t, 255.0, Luminance(255, 255, 255), 1e-9)
	assert.InDelta(t, 0.0, Luminance(0, 0, 0), 1e-9)
	assert.InDelta(t, 76.245, Luminance(255, 0, 0), 1e-9)
	assert.InDelta(t, Luminance(10, 20, 30), Luminance16(10<<8|10, 20<<8|20, 30<<8|30), 1e-9)
}

func TestOptionColor(t *testing.T) {
	assert.Equal(t, Red, OptionColor("A"))
	assert.Equal(t, Orange, OptionColor("D"))
	assert.Equal(t, Purple, OptionColor("E"))
}
