package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownsample_NoDownsampling(t *testing.T) {
	now := time.Now()
	samples := []Sample{
		{Timestamp: now, Current: 1.0},
		{Timestamp: now.Add(100 * time.Millisecond), Current: 1.1},
		{Timestamp: now.Add(200 * time.Millisecond), Current: 1.2},
	}

	result := Downsample(nil, samples, 10)
	require.Equal(t, samples, result)

	dst := make([]Sample, 0, 10)
	result = Downsample(dst, samples, 10)
	require.Equal(t, samples, result)
	assert.Equal(t, cap(dst), cap(result), "should reuse dst")
}

func TestDownsample_WithDownsampling(t *testing.T) {
	samples := make([]Sample, 100)
	for i := range samples {
		samples[i] = Sample{Current: float64(i) * 0.01}
	}

	dst := make([]Sample, 0, 20)
	result := Downsample(dst, samples, 10)
	require.Len(t, result, 10)
	assert.Equal(t, cap(dst), cap(result))

	assert.Equal(t, samples[0], result[0])
	assert.Equal(t, samples[90], result[9])
	for i := 1; i < len(result); i++ {
		assert.Greater(t, result[i].Current, result[i-1].Current)
	}
}

func TestDownsample_Floats(t *testing.T) {
	src := []float64{0, 1, 2, 3, 4, 5, 6, 7}

	result := Downsample[float64](nil, src, 4)
	assert.Equal(t, []float64{0, 2, 4, 6}, result)

	small := make([]float64, 0, 2)
	result = Downsample(small, src, 8)
	assert.Equal(t, src, result)
	assert.NotEqual(t, cap(small), cap(result), "too small dst is replaced")

	assert.Empty(t, Downsample(small, src, 0))
}
