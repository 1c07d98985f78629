package rcnn

import (
	"fmt"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/processing"
)

// AnchorGrid holds every anchor of a feature map. Boxes are enumerated row-major over feature
// cells and, within a cell, in template order: the anchor of cell (h, w) and template a lives at
// index (h*Width+w)*NumTemplates+a. Score and regression arrays must use the same order.
type AnchorGrid struct {
	Height       int
	Width        int
	Stride       int
	NumTemplates int
	Boxes        []processing.Box
}

func (g *AnchorGrid) Len() int {
	return len(g.Boxes)
}

func (g *AnchorGrid) Index(h, w, a int) int {
	return (h*g.Width+w)*g.NumTemplates + a
}

// Position inverts Index.
func (g *AnchorGrid) Position(idx int) (h, w, a int) {
	a = idx % g.NumTemplates
	cell := idx / g.NumTemplates
	return cell / g.Width, cell % g.Width, a
}

// Anchors shifts every template to every cell of a height x width feature map.
func Anchors(height, width, stride int, templates []processing.Box) (*AnchorGrid, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: feature map %dx%d", ErrInvalidGeometry, width, height)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("%w: stride %d", ErrInvalidGeometry, stride)
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: no anchor templates", ErrInvalidGeometry)
	}

	a := len(templates)
	grid := &AnchorGrid{
		Height:       height,
		Width:        width,
		Stride:       stride,
		NumTemplates: a,
		Boxes:        make([]processing.Box, 0, height*width*a),
	}

	for ih := range height {
		sh := float32(ih * stride)
		for iw := range width {
			sw := float32(iw * stride)
			for k := range a {
				grid.Boxes = append(grid.Boxes, templates[k].Shift(sw, sh))
			}
		}
	}

	return grid, nil
}

// Templates builds the per-cell anchor templates described by cfg.
func Templates(cfg *config.AnchorParams) ([]processing.Box, error) {
	if len(cfg.Sizes) > 0 {
		return processing.TemplatesFromSizes(cfg.BaseSize, cfg.Sizes)
	}
	return processing.GenerateTemplates(cfg.BaseSize, cfg.Ratios, cfg.Scales)
}
