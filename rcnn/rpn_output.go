package rcnn

import (
	"fmt"
	"github.com/okieraised/go-tdid/processing"
	"gorgonia.org/tensor"
)

// RPNOutput is the per-anchor output of the region proposal head, stored as parallel arrays
// indexed by anchor id in AnchorGrid order.
type RPNOutput struct {
	Height     int
	Width      int
	NumAnchors int
	BGScores   []float32
	FGScores   []float32
	Deltas     []processing.Delta
}

func NewRPNOutput(height, width, numAnchors int) *RPNOutput {
	n := height * width * numAnchors
	return &RPNOutput{
		Height:     height,
		Width:      width,
		NumAnchors: numAnchors,
		BGScores:   make([]float32, n),
		FGScores:   make([]float32, n),
		Deltas:     make([]processing.Delta, n),
	}
}

func (o *RPNOutput) Len() int {
	return o.Height * o.Width * o.NumAnchors
}

// Set stores the scores and regression of anchor (h, w, a).
func (o *RPNOutput) Set(h, w, a int, bg, fg float32, d processing.Delta) {
	idx := (h*o.Width+w)*o.NumAnchors + a
	o.BGScores[idx] = bg
	o.FGScores[idx] = fg
	o.Deltas[idx] = d
}

func (o *RPNOutput) validate() error {
	if o.Height <= 0 || o.Width <= 0 || o.NumAnchors <= 0 {
		return fmt.Errorf("%w: rpn output %dx%dx%d", ErrInvalidGeometry, o.Height, o.Width, o.NumAnchors)
	}
	n := o.Len()
	if len(o.FGScores) != n || len(o.Deltas) != n {
		return fmt.Errorf("%w: expected %d anchors, got %d scores and %d deltas",
			ErrShapeMismatch, n, len(o.FGScores), len(o.Deltas))
	}
	if o.BGScores != nil && len(o.BGScores) != n {
		return fmt.Errorf("%w: expected %d background scores, got %d", ErrShapeMismatch, n, len(o.BGScores))
	}
	return nil
}

func (o *RPNOutput) matches(grid *AnchorGrid) error {
	if grid.Height != o.Height || grid.Width != o.Width || grid.NumTemplates != o.NumAnchors {
		return fmt.Errorf("%w: anchors %dx%dx%d, rpn output %dx%dx%d", ErrShapeMismatch,
			grid.Height, grid.Width, grid.NumTemplates, o.Height, o.Width, o.NumAnchors)
	}
	return nil
}

// RPNOutputFromNCHW reads the head's dense outputs. clsProb has shape (1, 2A, H, W) with the A
// background channels first, bboxPred has shape (1, 4A, H, W) with channel a*4+k holding
// component k of anchor a. The leading batch axis may be omitted.
func RPNOutputFromNCHW(clsProb, bboxPred *tensor.Dense, numAnchors int) (*RPNOutput, error) {
	if numAnchors <= 0 {
		return nil, fmt.Errorf("%w: %d anchors per cell", ErrInvalidGeometry, numAnchors)
	}
	cShape, err := chw(clsProb.Shape())
	if err != nil {
		return nil, fmt.Errorf("class probabilities: %w", err)
	}
	bShape, err := chw(bboxPred.Shape())
	if err != nil {
		return nil, fmt.Errorf("bbox regression: %w", err)
	}
	if cShape[0] != 2*numAnchors {
		return nil, fmt.Errorf("%w: class probabilities have %d channels, want %d", ErrShapeMismatch, cShape[0], 2*numAnchors)
	}
	if bShape[0] != 4*numAnchors {
		return nil, fmt.Errorf("%w: bbox regression has %d channels, want %d", ErrShapeMismatch, bShape[0], 4*numAnchors)
	}
	if cShape[1] != bShape[1] || cShape[2] != bShape[2] {
		return nil, fmt.Errorf("%w: class map %dx%d, bbox map %dx%d", ErrShapeMismatch, cShape[2], cShape[1], bShape[2], bShape[1])
	}

	probs, err := denseFloat32s(clsProb)
	if err != nil {
		return nil, err
	}
	deltas, err := denseFloat32s(bboxPred)
	if err != nil {
		return nil, err
	}

	height, width := cShape[1], cShape[2]
	plane := height * width
	out := NewRPNOutput(height, width, numAnchors)
	for h := range height {
		for w := range width {
			pix := h*width + w
			for a := range numAnchors {
				d := processing.Delta{
					DX: deltas[(a*4+0)*plane+pix],
					DY: deltas[(a*4+1)*plane+pix],
					DW: deltas[(a*4+2)*plane+pix],
					DH: deltas[(a*4+3)*plane+pix],
				}
				out.Set(h, w, a, probs[a*plane+pix], probs[(numAnchors+a)*plane+pix], d)
			}
		}
	}
	return out, nil
}

func chw(shape tensor.Shape) ([3]int, error) {
	switch {
	case len(shape) == 4 && shape[0] == 1:
		return [3]int{shape[1], shape[2], shape[3]}, nil
	case len(shape) == 3:
		return [3]int{shape[0], shape[1], shape[2]}, nil
	}
	return [3]int{}, fmt.Errorf("%w: expected (1, C, H, W), got %v", ErrShapeMismatch, shape)
}

func denseFloat32s(t *tensor.Dense) ([]float32, error) {
	if t.IsMaterializable() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("cannot materialize tensor view of shape %v", t.Shape())
		}
		t = m
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	return data, nil
}
