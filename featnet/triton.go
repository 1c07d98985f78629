package featnet

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-tdid/config"
	"github.com/okieraised/go-tdid/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// TritonExtractor runs a backbone served by Triton.
type TritonExtractor struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.FeatureNetParams
	ModelConfig  *triton_proto.ModelConfigResponse
	variant      Variant
}

func NewTritonExtractor(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.FeatureNetParams) (*TritonExtractor, error) {
	variant, err := LookupVariant(cfg.Name)
	if err != nil {
		return nil, err
	}

	inferenceConfig, err := tritonClient.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}
	if len(inferenceConfig.GetConfig().GetInput()) == 0 {
		return nil, fmt.Errorf("model %s declares no inputs", cfg.ModelName)
	}

	return &TritonExtractor{
		tritonClient: tritonClient,
		ModelParams:  cfg,
		ModelConfig:  inferenceConfig,
		variant:      variant,
	}, nil
}

func (e *TritonExtractor) Variant() Variant {
	return e.variant
}

func (e *TritonExtractor) Extract(img gocv.Mat) (*tensor.Dense, error) {
	imgTensor, err := MatToTensor(img, e.ModelParams.PixelMeans)
	if err != nil {
		return nil, err
	}

	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: e.ModelParams.ModelName,
		Inputs: []*triton_proto.ModelInferRequest_InferInputTensor{
			InferInput(e.ModelConfig.Config.Input[0].Name, imgTensor),
		},
	}

	inferResp, err := e.tritonClient.ModelGRPCInfer(e.ModelParams.Timeout, modelRequest)
	if err != nil {
		return nil, err
	}
	if len(inferResp.GetOutputs()) == 0 {
		return nil, fmt.Errorf("model %s returned no outputs", e.ModelParams.ModelName)
	}

	features, err := OutputTensor(inferResp, inferResp.Outputs[0].Name)
	if err != nil {
		return nil, err
	}
	shape := features.Shape()
	if len(shape) != 4 || shape[1] != e.variant.Channels {
		return nil, fmt.Errorf("%s features have shape %v, expected (1, %d, H, W)", e.variant.Name, shape, e.variant.Channels)
	}
	return features, nil
}

// InferInput packs a float32 tensor as a named FP32 request input.
func InferInput(name string, t *tensor.Dense) *triton_proto.ModelInferRequest_InferInputTensor {
	shape := make([]int64, 0, len(t.Shape()))
	for _, s := range t.Shape() {
		shape = append(shape, int64(s))
	}
	return &triton_proto.ModelInferRequest_InferInputTensor{
		Name:     name,
		Datatype: "FP32",
		Shape:    shape,
		Contents: &triton_proto.InferTensorContents{
			Fp32Contents: t.Float32s(),
		},
	}
}

// OutputTensor decodes the named FP32 output of an inference response.
func OutputTensor(resp *triton_proto.ModelInferResponse, name string) (*tensor.Dense, error) {
	if resp == nil {
		return nil, errors.New("nil inference response")
	}
	for idx, out := range resp.Outputs {
		if out.Name != name {
			continue
		}
		outShape := make([]int, 0, len(out.Shape))
		for _, s := range out.Shape {
			outShape = append(outShape, int(s))
		}

		var data []float32
		switch {
		case idx < len(resp.RawOutputContents):
			raw, err := utils.BytesToFloat32s(resp.RawOutputContents[idx])
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", name, err)
			}
			data = raw
		case out.Contents != nil:
			data = out.Contents.Fp32Contents
		default:
			return nil, fmt.Errorf("output %s carries no data", name)
		}

		t, err := utils.Float32Dense(data, outShape...)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("output %s not found in response", name)
}
