package go_tdid

import (
	"fmt"
	"github.com/cyclopcam/logs"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/featnet"
	"github.com/okieraised/go-tdid/modules"
	gotritonclient "github.com/okieraised/go-triton-client"
	"gocv.io/x/gocv"
)

type DetectionPipeline struct {
	log             logs.Log
	tritonClient    *gotritonclient.TritonGRPCClient
	targetDetection *modules.TargetDetectionClient
}

// NewDetectionPipeline connects the configured backbone and proposal head served by tritonClient.
func NewDetectionPipeline(log logs.Log, tritonClient *gotritonclient.TritonGRPCClient, cfg *config.Config) (*DetectionPipeline, error) {
	client := &DetectionPipeline{log: log, tritonClient: tritonClient}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return client, err
	}

	extractor, err := featnet.NewTritonExtractor(tritonClient, &cfg.FeatureNet)
	if err != nil {
		return client, err
	}
	log.Infof("Feature net %v (stride %v) served as %v", extractor.Variant().Name, extractor.Variant().Stride, cfg.FeatureNet.ModelName)

	head, err := modules.NewTritonHead(tritonClient, &cfg.RPNHead, cfg.Anchor.NumTemplates())
	if err != nil {
		return client, err
	}

	targetDetection, err := modules.NewTargetDetectionClient(log, extractor, head, cfg)
	if err != nil {
		return client, err
	}
	client.targetDetection = targetDetection

	return client, nil
}

// Detect decodes an encoded scene and encoded target exemplars and proposes boxes for each target.
func (c *DetectionPipeline) Detect(scene []byte, targets [][]byte) (*modules.DetectionResult, error) {
	sceneImg, err := featnet.ImageToOpenCV(scene)
	if err != nil {
		return nil, fmt.Errorf("scene: %w", err)
	}
	defer sceneImg.Close()

	targetImgs := make([]gocv.Mat, 0, len(targets))
	defer func() {
		for _, m := range targetImgs {
			m.Close()
		}
	}()
	for idx, t := range targets {
		img, err := featnet.ImageToOpenCV(t)
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", idx, err)
		}
		targetImgs = append(targetImgs, *img)
	}

	return c.DetectMat(*sceneImg, targetImgs)
}

func (c *DetectionPipeline) DetectMat(scene gocv.Mat, targets []gocv.Mat) (*modules.DetectionResult, error) {
	return c.targetDetection.Infer(scene, targets)
}
