package modules

import (
	"errors"
	"fmt"
	"github.com/cyclopcam/logs"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/featnet"
	"github.com/okieraised/go-tdid/rcnn"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image"
)

// DetectionResult holds one proposal set per target, in the order the targets were given.
// Boxes are in original scene coordinates.
type DetectionResult struct {
	ImageInfo rcnn.ImageInfo      `json:"image_info"`
	Targets   []*rcnn.ProposalSet `json:"targets"`
}

type TargetDetectionClient struct {
	log         logs.Log
	extractor   featnet.Extractor
	head        Head
	imageParams config.ImageParams
	proposal    *rcnn.ProposalLayer
}

func NewTargetDetectionClient(log logs.Log, extractor featnet.Extractor, head Head, cfg *config.Config) (*TargetDetectionClient, error) {
	if extractor == nil || head == nil {
		return nil, errors.New("feature extractor and rpn head are required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	anchorParams := cfg.Anchor
	stride := extractor.Variant().Stride
	if anchorParams.FeatStride != stride {
		log.Warnf("Anchor stride %v does not match %v stride %v, using %v",
			anchorParams.FeatStride, extractor.Variant().Name, stride, stride)
		anchorParams.FeatStride = stride
	}

	proposal, err := rcnn.NewProposalLayer(&anchorParams, &cfg.TestProposal)
	if err != nil {
		return nil, err
	}

	return &TargetDetectionClient{
		log:         log,
		extractor:   extractor,
		head:        head,
		imageParams: cfg.Image,
		proposal:    proposal,
	}, nil
}

func (c *TargetDetectionClient) preprocessTarget(img gocv.Mat) (gocv.Mat, error) {
	if img.Empty() {
		return gocv.NewMat(), errors.New("empty target image")
	}
	size := c.imageParams.TargetSize
	if size[0] <= 0 || size[1] <= 0 {
		return img.Clone(), nil
	}
	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Point{X: size[1], Y: size[0]}, 0, 0, gocv.InterpolationLinear)
	return resized, nil
}

// Infer proposes boxes in scene for each of the targets.
func (c *TargetDetectionClient) Infer(scene gocv.Mat, targets []gocv.Mat) (*DetectionResult, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target image is required")
	}

	sceneImg, scale, err := featnet.ResizeScene(scene, c.imageParams.Scale, c.imageParams.MaxSize)
	if err != nil {
		return nil, err
	}
	defer sceneImg.Close()

	sceneShape := sceneImg.Size()
	imgInfo := rcnn.ImageInfo{Height: sceneShape[0], Width: sceneShape[1], Scale: scale}
	c.log.Debugf("Scene resized to %vx%v (scale %.3f)", imgInfo.Width, imgInfo.Height, scale)

	sceneFeatures, err := c.extractor.Extract(sceneImg)
	if err != nil {
		return nil, fmt.Errorf("scene features: %w", err)
	}

	outputs := make([]*rcnn.RPNOutput, 0, len(targets))
	for idx, target := range targets {
		targetFeatures, err := c.targetFeatures(target)
		if err != nil {
			return nil, fmt.Errorf("target %d features: %w", idx, err)
		}
		out, err := c.head.Score(sceneFeatures, targetFeatures)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", idx, err)
		}
		outputs = append(outputs, out)
	}

	proposals, err := c.proposal.ForwardBatch(outputs, imgInfo, nil)
	if err != nil {
		return nil, err
	}

	resp := &DetectionResult{ImageInfo: imgInfo, Targets: make([]*rcnn.ProposalSet, len(proposals))}
	for idx, set := range proposals {
		resp.Targets[idx] = set.Rescale(scale)
		c.log.Debugf("Target %v: %v proposals", idx, set.Len())
	}
	return resp, nil
}

func (c *TargetDetectionClient) targetFeatures(target gocv.Mat) (*tensor.Dense, error) {
	img, err := c.preprocessTarget(target)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return c.extractor.Extract(img)
}
