package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSteppedServerLevel(t *testing.T) {
	s := NewStepped()

	tests := []struct {
		reputation int
		level      int
	}{
		{-5, 0},
		{0, 0},
		{9, 0},
		{10, 1},
		{19, 1},
		{25, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, s.ServerLevel(tt.reputation), "reputation %d", tt.reputation)
	}
}

func TestSteppedAfterRotation(t *testing.T) {
	s := NewStepped()

	assert.Equal(t, 1, s.AfterRotation(0))
	assert.Equal(t, 6, s.AfterRotation(5))
	assert.Equal(t, 0, s.AfterRotation(-1))
}

func TestSteppedZeroRateFallsBack(t *testing.T) {
	s := &Stepped{}
	assert.Equal(t, 1, s.ServerLevel(10))
}
