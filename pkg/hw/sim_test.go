package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimBackendEncoderFanOut(t *testing.T) {
	b := NewSimBackend()
	var first, second int
	b.SubscribeEncoder(func(delta int) { first += delta })
	b.SubscribeEncoder(func(delta int) { second += delta })

	b.AddClicks(10)
	b.AddClicks(-3)
	assert.Equal(t, 7, first)
	assert.Equal(t, 7, second)
}

func TestSimBackendADCFanOut(t *testing.T) {
	b := NewSimBackend()
	var got []float64
	b.SubscribeADC("pressure", func(readTime, value float64) {
		got = append(got, value)
	})

	b.SetADC("pressure", 0.25)
	b.SetADC("pressure", 0.8)
	assert.Equal(t, []float64{0.25, 0.8}, got)
	assert.Equal(t, 0.8, b.ADC("pressure"))

	b.Pin("led0").Set(1)
	assert.Equal(t, 1.0, b.Pin("led0").Get())
}
