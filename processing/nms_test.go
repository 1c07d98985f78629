package processing

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"
)

func TestNMS_HigherScoreSurvives(t *testing.T) {
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9},
		{X1: 0, Y1: 0, X2: 9, Y2: 5},
	}
	require.InDelta(t, 0.6, boxes[0].IoU(boxes[1]), 1e-6)

	keep, err := NMS(boxes, []float32{0.8, 0.9}, 0.5, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, keep)

	// Above the overlap, both survive in score order.
	keep, err = NMS(boxes, []float32{0.8, 0.9}, 0.6, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, keep)
}

func TestNMS_TiesKeepInputOrder(t *testing.T) {
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9},
		{X1: 1, Y1: 1, X2: 10, Y2: 10},
		{X1: 100, Y1: 100, X2: 109, Y2: 109},
	}
	keep, err := NMS(boxes, []float32{0.5, 0.5, 0.5}, 0.3, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, keep)
}

func TestNMS_PixelInclusiveNeighbours(t *testing.T) {
	// The boxes share half a pixel column under the inclusive width convention.
	boxes := []Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9},
		{X1: 9.5, Y1: 0, X2: 19, Y2: 9},
	}
	require.InDelta(t, 0.025, boxes[0].IoU(boxes[1]), 1e-6)

	keep, err := NMS(boxes, []float32{0.9, 0.8}, 0.01, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, keep)
}

func TestNMS_MaxKeep(t *testing.T) {
	boxes := make([]Box, 0)
	scores := make([]float32, 0)
	for i := range 10 {
		boxes = append(boxes, Box{X1: float32(i * 20), Y1: 0, X2: float32(i*20 + 9), Y2: 9})
		scores = append(scores, float32(i))
	}
	keep, err := NMS(boxes, scores, 0.5, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8, 7}, keep)
}

func TestNMS_Empty(t *testing.T) {
	keep, err := NMS(nil, nil, 0.5, 10)
	require.NoError(t, err)
	assert.Empty(t, keep)
}

func TestNMS_LengthMismatch(t *testing.T) {
	_, err := NMS([]Box{{X2: 1, Y2: 1}}, nil, 0.5, 0)
	assert.Error(t, err)
}

func TestNMS_NoKeptPairAboveThreshold(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	boxes := make([]Box, 300)
	scores := make([]float32, 300)
	for i := range boxes {
		x1, y1 := r.Float32()*200, r.Float32()*200
		boxes[i] = Box{X1: x1, Y1: y1, X2: x1 + 5 + r.Float32()*60, Y2: y1 + 5 + r.Float32()*60}
		scores[i] = r.Float32()
	}

	const threshold = 0.4
	keep, err := NMS(boxes, scores, threshold, 0)
	require.NoError(t, err)
	require.NotEmpty(t, keep)

	for i := 1; i < len(keep); i++ {
		assert.GreaterOrEqual(t, scores[keep[i-1]], scores[keep[i]])
	}
	for i := range keep {
		for j := i + 1; j < len(keep); j++ {
			assert.LessOrEqual(t, boxes[keep[i]].IoU(boxes[keep[j]]), float32(threshold))
		}
	}

	// Every discarded box overlaps some kept box with a higher rank.
	kept := make(map[int]bool)
	for _, k := range keep {
		kept[k] = true
	}
	for i := range boxes {
		if kept[i] {
			continue
		}
		suppressed := false
		for _, k := range keep {
			if scores[k] >= scores[i] && boxes[k].IoU(boxes[i]) > threshold {
				suppressed = true
				break
			}
		}
		assert.True(t, suppressed, "box %d dropped without an overlapping kept box", i)
	}
}
