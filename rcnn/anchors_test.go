package rcnn

import (
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/processing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestAnchors_Order(t *testing.T) {
	templates := []processing.Box{
		{X1: 0, Y1: 0, X2: 15, Y2: 15},
		{X1: -8, Y1: -8, X2: 23, Y2: 23},
	}
	grid, err := Anchors(2, 3, 16, templates)
	require.NoError(t, err)

	assert.Equal(t, 2*3*2, grid.Len())
	for h := range 2 {
		for w := range 3 {
			for a := range 2 {
				idx := grid.Index(h, w, a)
				assert.Equal(t, templates[a].Shift(float32(w*16), float32(h*16)), grid.Boxes[idx])

				ph, pw, pa := grid.Position(idx)
				assert.Equal(t, []int{h, w, a}, []int{ph, pw, pa})
			}
		}
	}

	// Row-major: the second anchor of the second cell on the first row.
	assert.Equal(t, processing.Box{X1: 8, Y1: -8, X2: 39, Y2: 23}, grid.Boxes[3])
}

func TestAnchors_Deterministic(t *testing.T) {
	templates, err := Templates(config.DefaultAnchorParams)
	require.NoError(t, err)

	a, err := Anchors(7, 5, 16, templates)
	require.NoError(t, err)
	b, err := Anchors(7, 5, 16, templates)
	require.NoError(t, err)

	assert.Equal(t, 7*5*9, a.Len())
	assert.Equal(t, a.Boxes, b.Boxes)
}

func TestAnchors_Invalid(t *testing.T) {
	tpl := []processing.Box{{X2: 15, Y2: 15}}

	_, err := Anchors(0, 4, 16, tpl)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = Anchors(4, 4, 0, tpl)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = Anchors(4, 4, 16, nil)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestTemplates_Sizes(t *testing.T) {
	cfg := &config.AnchorParams{
		FeatStride: 16,
		BaseSize:   16,
		Sizes:      [][2]float32{{16, 16}, {32, 32}},
	}
	templates, err := Templates(cfg)
	require.NoError(t, err)
	assert.Len(t, templates, cfg.NumTemplates())
	assert.Equal(t, processing.Box{X1: -8, Y1: -8, X2: 23, Y2: 23}, templates[1])
}
