package hr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRMSSD(t *testing.T) {
	_, ok := RMSSD(nil)
	assert.False(t, ok)
	_, ok = RMSSD([]float64{800})
	assert.False(t, ok)

	v, ok := RMSSD([]float64{800, 810, 800, 810})
	assert.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)

	v, ok = RMSSD([]float64{800, 800, 800})
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestSDNN(t *testing.T) {
	v, ok := SDNN([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.True(t, ok)
	assert.InDelta(t, math.Sqrt(32.0/7.0), v, 1e-9)
}

func TestRRToMillis(t *testing.T) {
	assert.InDelta(t, 800.0, RRToMillis(819), 0.25)
	assert.Equal(t, 1000.0, RRToMillis(1024))
}

func TestIntervalWindow_Ring(t *testing.T) {
	w := newIntervalWindow(3)
	w.push(1)
	w.push(2)
	assert.Equal(t, []float64{1, 2}, w.values())
	w.push(3)
	w.push(4)
	w.push(5)
	assert.Equal(t, []float64{3, 4, 5}, w.values())
	assert.Equal(t, 3, w.len())
	w.reset()
	assert.Empty(t, w.values())
}
