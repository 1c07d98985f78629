package modules

import (
	"fmt"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/featnet"
	"github.com/okieraised/go-tdid/rcnn"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"gorgonia.org/tensor"
)

// Head scores every anchor of a scene feature map against one target's features.
type Head interface {
	Score(sceneFeatures, targetFeatures *tensor.Dense) (*rcnn.RPNOutput, error)
}

// TritonHead runs the correlation and region proposal convolutions on Triton.
type TritonHead struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.RPNHeadParams
	ModelConfig  *triton_proto.ModelConfigResponse
	numAnchors   int
}

func NewTritonHead(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.RPNHeadParams, numAnchors int) (*TritonHead, error) {
	if numAnchors <= 0 {
		return nil, fmt.Errorf("invalid number of anchors: %d", numAnchors)
	}

	inferenceConfig, err := tritonClient.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}

	return &TritonHead{
		tritonClient: tritonClient,
		ModelParams:  cfg,
		ModelConfig:  inferenceConfig,
		numAnchors:   numAnchors,
	}, nil
}

func (h *TritonHead) Score(sceneFeatures, targetFeatures *tensor.Dense) (*rcnn.RPNOutput, error) {
	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: h.ModelParams.ModelName,
		Inputs: []*triton_proto.ModelInferRequest_InferInputTensor{
			featnet.InferInput(h.ModelParams.SceneInput, sceneFeatures),
			featnet.InferInput(h.ModelParams.TargetInput, targetFeatures),
		},
		Outputs: []*triton_proto.ModelInferRequest_InferRequestedOutputTensor{
			{Name: h.ModelParams.ScoreOutput},
			{Name: h.ModelParams.BBoxOutput},
		},
	}

	inferResp, err := h.tritonClient.ModelGRPCInfer(h.ModelParams.Timeout, modelRequest)
	if err != nil {
		return nil, err
	}

	clsProb, err := featnet.OutputTensor(inferResp, h.ModelParams.ScoreOutput)
	if err != nil {
		return nil, err
	}
	bboxPred, err := featnet.OutputTensor(inferResp, h.ModelParams.BBoxOutput)
	if err != nil {
		return nil, err
	}

	return rcnn.RPNOutputFromNCHW(clsProb, bboxPred, h.numAnchors)
}
