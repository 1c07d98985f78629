package rcnn

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/processing"
	"gorgonia.org/tensor"
	"math/rand/v2"
)

// AnchorTargets are the training targets of every anchor, in AnchorGrid order.
type AnchorTargets struct {
	Height         int
	Width          int
	NumAnchors     int
	Labels         []config.AnchorLabel
	Targets        []processing.Delta
	InsideWeights  [][4]float32
	OutsideWeights [][4]float32
}

func newAnchorTargets(grid *AnchorGrid) *AnchorTargets {
	n := grid.Len()
	t := &AnchorTargets{
		Height:         grid.Height,
		Width:          grid.Width,
		NumAnchors:     grid.NumTemplates,
		Labels:         make([]config.AnchorLabel, n),
		Targets:        make([]processing.Delta, n),
		InsideWeights:  make([][4]float32, n),
		OutsideWeights: make([][4]float32, n),
	}
	for i := range t.Labels {
		t.Labels[i] = config.AnchorLabelIgnore
	}
	return t
}

func (t *AnchorTargets) Count(label config.AnchorLabel) int {
	n := 0
	for _, l := range t.Labels {
		if l == label {
			n++
		}
	}
	return n
}

func (t *AnchorTargets) indices(label config.AnchorLabel) []int {
	idx := make([]int, 0)
	for i, l := range t.Labels {
		if l == label {
			idx = append(idx, i)
		}
	}
	return idx
}

// Tensors exports the targets as dense tensors: labels (N) of ints, and regression targets,
// inside weights and outside weights as (N, 4) float32.
func (t *AnchorTargets) Tensors() (labels, targets, insideWeights, outsideWeights *tensor.Dense) {
	n := len(t.Labels)
	labelData := make([]int, n)
	targetData := make([]float32, 0, n*4)
	insideData := make([]float32, 0, n*4)
	outsideData := make([]float32, 0, n*4)
	for i := range n {
		labelData[i] = int(t.Labels[i])
		d := t.Targets[i]
		targetData = append(targetData, d.DX, d.DY, d.DW, d.DH)
		insideData = append(insideData, t.InsideWeights[i][:]...)
		outsideData = append(outsideData, t.OutsideWeights[i][:]...)
	}

	labels = tensor.New(tensor.Of(tensor.Int), tensor.WithShape(n), tensor.WithBacking(labelData))
	targets = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, 4), tensor.WithBacking(targetData))
	insideWeights = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, 4), tensor.WithBacking(insideData))
	outsideWeights = tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, 4), tensor.WithBacking(outsideData))
	return labels, targets, insideWeights, outsideWeights
}

// AnchorTargetLayer labels anchors against ground truth and computes their regression targets.
// It holds no mutable state and may be shared between goroutines.
type AnchorTargetLayer struct {
	anchorParams *config.AnchorParams
	params       *config.AnchorTargetParams
	templates    []processing.Box
}

func NewAnchorTargetLayer(anchorCfg *config.AnchorParams, cfg *config.AnchorTargetParams) (*AnchorTargetLayer, error) {
	if anchorCfg == nil || cfg == nil {
		return nil, errors.New("anchor and anchor target parameters are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.FGFraction < 0 || cfg.FGFraction > 1 {
		return nil, fmt.Errorf("foreground fraction must be in [0, 1], got %v", cfg.FGFraction)
	}
	if cfg.NegativeOverlap > cfg.PositiveOverlap {
		return nil, fmt.Errorf("negative overlap %v exceeds positive overlap %v", cfg.NegativeOverlap, cfg.PositiveOverlap)
	}
	templates, err := Templates(anchorCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return &AnchorTargetLayer{
		anchorParams: anchorCfg,
		params:       cfg,
		templates:    templates,
	}, nil
}

// Assign computes targets for a height x width feature map using a source seeded from the
// configured Seed, so identical inputs give identical samples.
func (l *AnchorTargetLayer) Assign(height, width int, img ImageInfo, gt []GTBox) (*AnchorTargets, error) {
	rng := rand.New(rand.NewPCG(l.params.Seed, l.params.Seed))
	return l.AssignWithRand(rng, height, width, img, gt)
}

// AssignWithRand is Assign with a caller supplied random source for subsampling.
func (l *AnchorTargetLayer) AssignWithRand(rng *rand.Rand, height, width int, img ImageInfo, gt []GTBox) (*AnchorTargets, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if err := img.validate(); err != nil {
		return nil, err
	}
	grid, err := Anchors(height, width, l.anchorParams.FeatStride, l.templates)
	if err != nil {
		return nil, err
	}
	if err = img.covers(height, width, l.anchorParams.FeatStride); err != nil {
		return nil, err
	}

	res := newAnchorTargets(grid)

	border := float32(l.anchorParams.AllowedBorder)
	insideIdx := make([]int, 0, grid.Len())
	insideBoxes := make([]processing.Box, 0, grid.Len())
	for i, a := range grid.Boxes {
		if a.X1 >= -border && a.Y1 >= -border &&
			a.X2 < float32(img.Width)+border && a.Y2 < float32(img.Height)+border {
			insideIdx = append(insideIdx, i)
			insideBoxes = append(insideBoxes, a)
		}
	}
	if len(insideIdx) == 0 {
		return res, nil
	}

	gtb := gtBoxes(gt)
	overlaps := processing.Overlaps(insideBoxes, gtb)

	argmax := make([]int, len(insideIdx))
	maxOverlaps := make([]float32, len(insideIdx))
	gtMax := make([]float32, len(gtb))
	for i, row := range overlaps {
		for j, ov := range row {
			if ov > maxOverlaps[i] {
				maxOverlaps[i] = ov
				argmax[i] = j
			}
			if ov > gtMax[j] {
				gtMax[j] = ov
			}
		}
	}

	// Every anchor sharing a ground-truth box's best overlap is forced foreground. A box that no
	// anchor touches has nothing to force.
	forced := make([]bool, len(insideIdx))
	for i, row := range overlaps {
		for j, ov := range row {
			if gtMax[j] > 0 && ov == gtMax[j] {
				forced[i] = true
				break
			}
		}
	}

	labelNegatives := func() {
		for i, k := range insideIdx {
			if maxOverlaps[i] < l.params.NegativeOverlap {
				res.Labels[k] = config.AnchorLabelBackground
			}
		}
	}

	if !l.params.ClobberPositives {
		labelNegatives()
	}
	for i, k := range insideIdx {
		if forced[i] || (len(gtb) > 0 && maxOverlaps[i] >= l.params.PositiveOverlap) {
			res.Labels[k] = config.AnchorLabelForeground
		}
	}
	if l.params.ClobberPositives {
		labelNegatives()
	}

	numFG := int(l.params.FGFraction * float32(l.params.BatchSize))
	subsample(rng, res.Labels, res.indices(config.AnchorLabelForeground), numFG)
	numBG := l.params.BatchSize - res.Count(config.AnchorLabelForeground)
	subsample(rng, res.Labels, res.indices(config.AnchorLabelBackground), numBG)

	for i, k := range insideIdx {
		if res.Labels[k] != config.AnchorLabelForeground {
			continue
		}
		res.Targets[k] = processing.Encode(insideBoxes[i], gtb[argmax[i]])
		res.InsideWeights[k] = l.params.BBoxInsideWeights
	}

	posWeight, negWeight := l.outsideWeights(res)
	for k, label := range res.Labels {
		switch label {
		case config.AnchorLabelForeground:
			res.OutsideWeights[k] = [4]float32{posWeight, posWeight, posWeight, posWeight}
		case config.AnchorLabelBackground:
			res.OutsideWeights[k] = [4]float32{negWeight, negWeight, negWeight, negWeight}
		}
	}

	return res, nil
}

func (l *AnchorTargetLayer) outsideWeights(res *AnchorTargets) (float32, float32) {
	numFG := res.Count(config.AnchorLabelForeground)
	numBG := res.Count(config.AnchorLabelBackground)

	if l.params.PositiveWeight < 0 {
		numExamples := numFG + numBG
		if numExamples == 0 {
			return 0, 0
		}
		w := 1 / float32(numExamples)
		return w, w
	}

	var pos, neg float32
	if numFG > 0 {
		pos = l.params.PositiveWeight / float32(numFG)
	}
	if numBG > 0 {
		neg = (1 - l.params.PositiveWeight) / float32(numBG)
	}
	return pos, neg
}

// subsample relabels randomly chosen members of idx as ignore until at most budget remain.
func subsample(rng *rand.Rand, labels []config.AnchorLabel, idx []int, budget int) {
	if budget < 0 {
		budget = 0
	}
	excess := len(idx) - budget
	if excess <= 0 {
		return
	}
	for _, p := range rng.Perm(len(idx))[:excess] {
		labels[idx[p]] = config.AnchorLabelIgnore
	}
}
