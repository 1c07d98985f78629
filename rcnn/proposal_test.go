package rcnn

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/processing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"
)

var singleTemplate = &config.AnchorParams{
	FeatStride: 16,
	BaseSize:   16,
	Sizes:      [][2]float32{{16, 16}},
}

// outputFor builds a 1 x len(boxes) rpn output whose anchor i regresses exactly onto boxes[i].
func outputFor(t *testing.T, boxes []processing.Box, scores []float32) *RPNOutput {
	t.Helper()
	templates, err := Templates(singleTemplate)
	require.NoError(t, err)
	grid, err := Anchors(1, len(boxes), singleTemplate.FeatStride, templates)
	require.NoError(t, err)

	out := NewRPNOutput(1, len(boxes), 1)
	for i, b := range boxes {
		out.Set(0, i, 0, 1-scores[i], scores[i], processing.Encode(grid.Boxes[i], b))
	}
	return out
}

func TestProposalLayer_OverlapSuppression(t *testing.T) {
	layer, err := NewProposalLayer(singleTemplate, &config.ProposalParams{
		PreNMSTopN:   100,
		PostNMSTopN:  10,
		NMSThreshold: 0.5,
		MinSize:      0,
	})
	require.NoError(t, err)

	boxes := []processing.Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9},
		{X1: 0, Y1: 0, X2: 9, Y2: 5},
	}
	out := outputFor(t, boxes, []float32{0.8, 0.9})

	set, err := layer.Forward(out, ImageInfo{Height: 64, Width: 64, Scale: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	p := set.Proposals[0]
	assert.Equal(t, 1, p.AnchorIndex)
	assert.InDelta(t, 0.9, p.Score, 1e-6)
	assert.InDelta(t, 5, p.Box.Y2, 1e-3)
	assert.False(t, set.Labeled)
	assert.Equal(t, config.AnchorLabelIgnore, p.Label)
}

func TestProposalLayer_MinSizeScalesWithImage(t *testing.T) {
	layer, err := NewProposalLayer(singleTemplate, &config.ProposalParams{
		PreNMSTopN:   100,
		PostNMSTopN:  10,
		NMSThreshold: 0.7,
		MinSize:      8,
	})
	require.NoError(t, err)

	boxes := []processing.Box{
		{X1: 0, Y1: 0, X2: 9, Y2: 9},
		{X1: 30, Y1: 30, X2: 59, Y2: 59},
	}
	out := outputFor(t, boxes, []float32{0.9, 0.1})

	set, err := layer.Forward(out, ImageInfo{Height: 64, Width: 64, Scale: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	set, err = layer.Forward(out, ImageInfo{Height: 64, Width: 64, Scale: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	assert.Equal(t, 1, set.Proposals[0].AnchorIndex)

	set, err = layer.Forward(out, ImageInfo{Height: 64, Width: 64, Scale: 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
	assert.NotNil(t, set.Proposals)
}

func TestProposalLayer_TrainingLabels(t *testing.T) {
	layer, err := NewProposalLayer(singleTemplate, config.NewProposalParams(100, 10, 0.7, 0))
	require.NoError(t, err)

	boxes := []processing.Box{
		{X1: 0, Y1: 0, X2: 19, Y2: 19},
		{X1: 40, Y1: 40, X2: 59, Y2: 59},
	}
	out := outputFor(t, boxes, []float32{0.3, 0.6})
	gt := []GTBox{{Box: processing.Box{X1: 1, Y1: 1, X2: 20, Y2: 20}, ClassID: 1}}

	set, err := layer.Forward(out, ImageInfo{Height: 64, Width: 64, Scale: 1}, gt)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	assert.True(t, set.Labeled)

	assert.Equal(t, []int{1, 0}, set.AnchorIndices())
	assert.Equal(t, []config.AnchorLabel{config.AnchorLabelBackground, config.AnchorLabelForeground}, set.Labels())

	set, err = layer.Forward(out, ImageInfo{Height: 64, Width: 64, Scale: 1}, []GTBox{})
	require.NoError(t, err)
	assert.Equal(t, []config.AnchorLabel{config.AnchorLabelBackground, config.AnchorLabelBackground}, set.Labels())
}

func TestProposalLayer_Invariants(t *testing.T) {
	anchorCfg := config.DefaultAnchorParams
	params := &config.ProposalParams{
		PreNMSTopN:   400,
		PostNMSTopN:  25,
		NMSThreshold: 0.7,
		MinSize:      4,
	}
	layer, err := NewProposalLayer(anchorCfg, params)
	require.NoError(t, err)

	const h, w = 8, 10
	img := ImageInfo{Height: 128, Width: 160, Scale: 1}
	r := rand.New(rand.NewPCG(5, 6))

	for trial := range 5 {
		out := NewRPNOutput(h, w, layer.NumAnchors())
		for i := range out.Len() {
			fg := r.Float32()
			out.FGScores[i] = fg
			out.BGScores[i] = 1 - fg
			out.Deltas[i] = processing.Delta{
				DX: r.Float32() - 0.5,
				DY: r.Float32() - 0.5,
				DW: r.Float32() - 0.5,
				DH: r.Float32() - 0.5,
			}
		}

		set, err := layer.Forward(out, img, nil)
		require.NoError(t, err, "trial %d", trial)
		require.NotZero(t, set.Len())
		assert.LessOrEqual(t, set.Len(), params.PostNMSTopN)

		for i, p := range set.Proposals {
			assert.GreaterOrEqual(t, p.Box.X1, float32(0))
			assert.GreaterOrEqual(t, p.Box.Y1, float32(0))
			assert.LessOrEqual(t, p.Box.X2, float32(img.Width-1))
			assert.LessOrEqual(t, p.Box.Y2, float32(img.Height-1))
			assert.Equal(t, out.FGScores[p.AnchorIndex], p.Score)
			if i > 0 {
				assert.GreaterOrEqual(t, set.Proposals[i-1].Score, p.Score)
			}
			for _, q := range set.Proposals[i+1:] {
				assert.LessOrEqual(t, p.Box.IoU(q.Box), params.NMSThreshold)
			}
		}
	}
}

func TestProposalLayer_ShapeMismatch(t *testing.T) {
	layer, err := NewProposalLayer(config.DefaultAnchorParams, config.DefaultTestProposalParams)
	require.NoError(t, err)
	img := ImageInfo{Height: 64, Width: 64, Scale: 1}

	_, err = layer.Forward(NewRPNOutput(4, 4, 3), img, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	out := NewRPNOutput(4, 4, 9)
	out.FGScores = out.FGScores[:10]
	_, err = layer.Forward(out, img, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = layer.Forward(NewRPNOutput(4, 4, 9), ImageInfo{Height: 0, Width: 64, Scale: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidImage)

	// The last column of a 4x5 map at stride 16 starts at x=64, outside a 64 pixel wide image.
	_, err = layer.Forward(NewRPNOutput(4, 5, 9), img, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = layer.Forward(NewRPNOutput(4, 4, 9), ImageInfo{Height: 64, Width: 40, Scale: 1}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestProposalLayer_HugeRegressionStaysFinite(t *testing.T) {
	layer, err := NewProposalLayer(singleTemplate, config.NewProposalParams(100, 10, 0.7, 0))
	require.NoError(t, err)

	out := NewRPNOutput(1, 2, 1)
	out.FGScores[0], out.BGScores[0] = 0.9, 0.1
	out.Deltas[0] = processing.Delta{DW: 1e4, DH: 1e4}
	out.FGScores[1], out.BGScores[1] = 0.8, 0.2
	out.Deltas[1] = processing.Delta{DX: 1e3, DW: math32.Inf(1), DH: 50}

	img := ImageInfo{Height: 64, Width: 64, Scale: 1}
	set, err := layer.Forward(out, img, nil)
	require.NoError(t, err)
	require.NotZero(t, set.Len())

	for _, p := range set.Proposals {
		for _, v := range []float32{p.Box.X1, p.Box.Y1, p.Box.X2, p.Box.Y2} {
			assert.False(t, math32.IsNaN(v) || math32.IsInf(v, 0), "box %v", p.Box)
		}
		assert.GreaterOrEqual(t, p.Box.X1, float32(0))
		assert.LessOrEqual(t, p.Box.X2, float32(img.Width-1))
		assert.LessOrEqual(t, p.Box.Y2, float32(img.Height-1))
	}
	// The capped anchor 0 box covers the whole image.
	assert.Equal(t, 0, set.Proposals[0].AnchorIndex)
	assert.Equal(t, processing.Box{X1: 0, Y1: 0, X2: 63, Y2: 63}, set.Proposals[0].Box)
}

func TestProposalLayer_ForwardBatch(t *testing.T) {
	layer, err := NewProposalLayer(singleTemplate, config.NewProposalParams(100, 10, 0.5, 0))
	require.NoError(t, err)

	first := outputFor(t, []processing.Box{{X1: 0, Y1: 0, X2: 9, Y2: 9}, {X1: 30, Y1: 30, X2: 49, Y2: 49}}, []float32{0.9, 0.2})
	second := outputFor(t, []processing.Box{{X1: 0, Y1: 0, X2: 9, Y2: 9}, {X1: 30, Y1: 30, X2: 49, Y2: 49}}, []float32{0.1, 0.7})

	sets, err := layer.ForwardBatch([]*RPNOutput{first, second}, ImageInfo{Height: 64, Width: 64, Scale: 1}, nil)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, []int{0, 1}, sets[0].AnchorIndices())
	assert.Equal(t, []int{1, 0}, sets[1].AnchorIndices())

	_, err = layer.ForwardBatch([]*RPNOutput{first, NewRPNOutput(1, 3, 1)}, ImageInfo{Height: 64, Width: 64, Scale: 1}, nil)
	assert.NoError(t, err)
}

func TestProposalSet_Rescale(t *testing.T) {
	set := &ProposalSet{Proposals: []Proposal{{Box: processing.Box{X1: 10, Y1: 20, X2: 30, Y2: 40}, Score: 0.5}}}
	res := set.Rescale(2)
	assert.Equal(t, processing.Box{X1: 5, Y1: 10, X2: 15, Y2: 20}, res.Proposals[0].Box)
	assert.Equal(t, processing.Box{X1: 10, Y1: 20, X2: 30, Y2: 40}, set.Proposals[0].Box)
}
