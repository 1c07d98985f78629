package rcnn

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/processing"
	"github.com/okieraised/go-tdid/utils"
)

type Proposal struct {
	Box   processing.Box `json:"box"`
	Score float32        `json:"score"`
	// AnchorIndex is the id of the anchor the box was regressed from.
	AnchorIndex int `json:"anchor_index"`
	// Label is only meaningful when the owning set was produced with ground truth.
	Label config.AnchorLabel `json:"label"`
}

// ProposalSet is the ranked output of one (target, scene) pairing.
type ProposalSet struct {
	Proposals []Proposal `json:"proposals"`
	Labeled   bool       `json:"labeled"`
}

func (s *ProposalSet) Len() int {
	return len(s.Proposals)
}

func (s *ProposalSet) Boxes() []processing.Box {
	boxes := make([]processing.Box, len(s.Proposals))
	for i, p := range s.Proposals {
		boxes[i] = p.Box
	}
	return boxes
}

func (s *ProposalSet) Scores() []float32 {
	scores := make([]float32, len(s.Proposals))
	for i, p := range s.Proposals {
		scores[i] = p.Score
	}
	return scores
}

func (s *ProposalSet) AnchorIndices() []int {
	idx := make([]int, len(s.Proposals))
	for i, p := range s.Proposals {
		idx[i] = p.AnchorIndex
	}
	return idx
}

func (s *ProposalSet) Labels() []config.AnchorLabel {
	labels := make([]config.AnchorLabel, len(s.Proposals))
	for i, p := range s.Proposals {
		labels[i] = p.Label
	}
	return labels
}

// Rescale returns a copy with every box divided by scale, mapping network input coordinates back
// onto the original image.
func (s *ProposalSet) Rescale(scale float32) *ProposalSet {
	res := &ProposalSet{Proposals: make([]Proposal, len(s.Proposals)), Labeled: s.Labeled}
	copy(res.Proposals, s.Proposals)
	if scale <= 0 {
		return res
	}
	for i := range res.Proposals {
		res.Proposals[i].Box = res.Proposals[i].Box.Scale(1 / scale)
	}
	return res
}

// ProposalLayer turns dense per-anchor scores and regressions into a short ranked list of
// non-overlapping boxes.
type ProposalLayer struct {
	anchorParams *config.AnchorParams
	params       *config.ProposalParams
	templates    []processing.Box
}

func NewProposalLayer(anchorCfg *config.AnchorParams, cfg *config.ProposalParams) (*ProposalLayer, error) {
	if anchorCfg == nil || cfg == nil {
		return nil, errors.New("anchor and proposal parameters are required")
	}
	templates, err := Templates(anchorCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return &ProposalLayer{
		anchorParams: anchorCfg,
		params:       cfg,
		templates:    templates,
	}, nil
}

func (l *ProposalLayer) NumAnchors() int {
	return len(l.templates)
}

// Forward produces the proposals of a single pairing. Passing a non-nil gt (possibly empty)
// additionally labels each proposal foreground when it overlaps a ground-truth box by at
// least FGOverlap.
func (l *ProposalLayer) Forward(out *RPNOutput, img ImageInfo, gt []GTBox) (*ProposalSet, error) {
	if out == nil {
		return nil, errors.New("rpn output is required")
	}
	if err := img.validate(); err != nil {
		return nil, err
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	grid, err := Anchors(out.Height, out.Width, l.anchorParams.FeatStride, l.templates)
	if err != nil {
		return nil, err
	}
	if err = out.matches(grid); err != nil {
		return nil, err
	}
	if err = img.covers(out.Height, out.Width, l.anchorParams.FeatStride); err != nil {
		return nil, err
	}

	minSize := l.params.MinSize * img.Scale
	candIdx := make([]int, 0, grid.Len())
	candBoxes := make([]processing.Box, 0, grid.Len())
	candScores := make([]float32, 0, grid.Len())
	for i, anchor := range grid.Boxes {
		score := out.FGScores[i]
		if score != score {
			// NaN never ranks.
			continue
		}
		box := processing.ClipBox(processing.DecodeClamped(anchor, out.Deltas[i]), img.Height, img.Width)
		if box.Width() < minSize || box.Height() < minSize {
			continue
		}
		candIdx = append(candIdx, i)
		candBoxes = append(candBoxes, box)
		candScores = append(candScores, score)
	}

	set := &ProposalSet{Proposals: make([]Proposal, 0), Labeled: gt != nil}
	if len(candIdx) == 0 {
		return set, nil
	}

	order := utils.ArgSortDescending(candScores)
	if l.params.PreNMSTopN > 0 && len(order) > l.params.PreNMSTopN {
		order = order[:l.params.PreNMSTopN]
	}
	boxes := make([]processing.Box, len(order))
	scores := make([]float32, len(order))
	for k, c := range order {
		boxes[k] = candBoxes[c]
		scores[k] = candScores[c]
	}

	keep, err := processing.NMS(boxes, scores, l.params.NMSThreshold, l.params.PostNMSTopN)
	if err != nil {
		return nil, err
	}

	var gtb []processing.Box
	if gt != nil {
		gtb = gtBoxes(gt)
	}
	for _, k := range keep {
		p := Proposal{
			Box:         boxes[k],
			Score:       scores[k],
			AnchorIndex: candIdx[order[k]],
			Label:       config.AnchorLabelIgnore,
		}
		if gt != nil {
			p.Label = config.AnchorLabelBackground
			for _, g := range gtb {
				if p.Box.IoU(g) >= l.params.FGOverlap {
					p.Label = config.AnchorLabelForeground
					break
				}
			}
		}
		set.Proposals = append(set.Proposals, p)
	}
	return set, nil
}

// ForwardBatch runs Forward once per pairing; result i belongs to outs[i].
func (l *ProposalLayer) ForwardBatch(outs []*RPNOutput, img ImageInfo, gt []GTBox) ([]*ProposalSet, error) {
	sets := make([]*ProposalSet, len(outs))
	for i, out := range outs {
		set, err := l.Forward(out, img, gt)
		if err != nil {
			return nil, fmt.Errorf("pairing %d: %w", i, err)
		}
		sets[i] = set
	}
	return sets, nil
}
