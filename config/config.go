package config

import (
	"errors"
	"fmt"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"os"
	"time"
)

type AnchorLabel int

const (
	AnchorLabelIgnore     AnchorLabel = -1
	AnchorLabelBackground AnchorLabel = 0
	AnchorLabelForeground AnchorLabel = 1
)

var AnchorLabelMapper = newAnchorLabelMapper()

func newAnchorLabelMapper() *orderedmap.OrderedMap[AnchorLabel, string] {
	m := orderedmap.NewOrderedMap[AnchorLabel, string]()
	m.Set(AnchorLabelIgnore, "Ignore")
	m.Set(AnchorLabelBackground, "Background")
	m.Set(AnchorLabelForeground, "Foreground")
	return m
}

func (l AnchorLabel) String() string {
	if s, ok := AnchorLabelMapper.Get(l); ok {
		return s
	}
	return fmt.Sprintf("AnchorLabel(%d)", int(l))
}

// AnchorParams describes the anchor grid laid over a feature map. When Sizes is non-empty it
// replaces the Ratios x Scales enumeration with explicit (width, height) templates.
type AnchorParams struct {
	FeatStride    int          `json:"feat_stride" yaml:"feat_stride" validate:"gt=0"`
	BaseSize      int          `json:"base_size" yaml:"base_size" validate:"gt=0"`
	Ratios        []float32    `json:"ratios" yaml:"ratios" validate:"required_without=Sizes,dive,gt=0"`
	Scales        []float32    `json:"scales" yaml:"scales" validate:"required_without=Sizes,dive,gt=0"`
	Sizes         [][2]float32 `json:"sizes" yaml:"sizes"`
	AllowedBorder int          `json:"allowed_border" yaml:"allowed_border" validate:"gte=0"`
}

var DefaultAnchorParams = &AnchorParams{
	FeatStride:    16,
	BaseSize:      16,
	Ratios:        []float32{0.5, 1, 2},
	Scales:        []float32{8, 16, 32},
	AllowedBorder: 0,
}

func NewAnchorParams(featStride, baseSize int, ratios, scales []float32, allowedBorder int) *AnchorParams {
	return &AnchorParams{
		FeatStride:    featStride,
		BaseSize:      baseSize,
		Ratios:        ratios,
		Scales:        scales,
		AllowedBorder: allowedBorder,
	}
}

// NumTemplates is the number of anchors per feature cell.
func (p *AnchorParams) NumTemplates() int {
	if len(p.Sizes) > 0 {
		return len(p.Sizes)
	}
	return len(p.Ratios) * len(p.Scales)
}

type ProposalParams struct {
	PreNMSTopN   int     `json:"pre_nms_top_n" yaml:"pre_nms_top_n" validate:"gte=0"`
	PostNMSTopN  int     `json:"post_nms_top_n" yaml:"post_nms_top_n" validate:"gte=0"`
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold" validate:"gte=0,lte=1"`
	MinSize      float32 `json:"min_size" yaml:"min_size" validate:"gte=0"`
	FGOverlap    float32 `json:"fg_overlap" yaml:"fg_overlap" validate:"gte=0,lte=1"`
}

var DefaultTrainProposalParams = &ProposalParams{
	PreNMSTopN:   12000,
	PostNMSTopN:  2000,
	NMSThreshold: 0.7,
	MinSize:      16,
	FGOverlap:    0.5,
}

var DefaultTestProposalParams = &ProposalParams{
	PreNMSTopN:   6000,
	PostNMSTopN:  300,
	NMSThreshold: 0.7,
	MinSize:      16,
	FGOverlap:    0.5,
}

func NewProposalParams(preNMSTopN, postNMSTopN int, nmsThreshold, minSize float32) *ProposalParams {
	return &ProposalParams{
		PreNMSTopN:   preNMSTopN,
		PostNMSTopN:  postNMSTopN,
		NMSThreshold: nmsThreshold,
		MinSize:      minSize,
		FGOverlap:    DefaultTrainProposalParams.FGOverlap,
	}
}

// AnchorTargetParams controls anchor labelling and sampling during training.
// PositiveWeight < 0 weights every sampled anchor by 1/num_examples; otherwise foreground
// anchors share PositiveWeight and background anchors share 1-PositiveWeight.
type AnchorTargetParams struct {
	PositiveOverlap   float32    `json:"positive_overlap" yaml:"positive_overlap" validate:"gte=0,lte=1"`
	NegativeOverlap   float32    `json:"negative_overlap" yaml:"negative_overlap" validate:"gte=0,lte=1"`
	ClobberPositives  bool       `json:"clobber_positives" yaml:"clobber_positives"`
	FGFraction        float32    `json:"fg_fraction" yaml:"fg_fraction" validate:"gte=0,lte=1"`
	BatchSize         int        `json:"batch_size" yaml:"batch_size" validate:"gt=0"`
	BBoxInsideWeights [4]float32 `json:"bbox_inside_weights" yaml:"bbox_inside_weights"`
	PositiveWeight    float32    `json:"positive_weight" yaml:"positive_weight" validate:"lte=1"`
	Seed              uint64     `json:"seed" yaml:"seed"`
}

var DefaultAnchorTargetParams = &AnchorTargetParams{
	PositiveOverlap:   0.7,
	NegativeOverlap:   0.3,
	ClobberPositives:  false,
	FGFraction:        0.5,
	BatchSize:         256,
	BBoxInsideWeights: [4]float32{1, 1, 1, 1},
	PositiveWeight:    -1,
	Seed:              3,
}

func NewAnchorTargetParams(positiveOverlap, negativeOverlap, fgFraction float32, batchSize int, seed uint64) *AnchorTargetParams {
	return &AnchorTargetParams{
		PositiveOverlap:   positiveOverlap,
		NegativeOverlap:   negativeOverlap,
		FGFraction:        fgFraction,
		BatchSize:         batchSize,
		BBoxInsideWeights: DefaultAnchorTargetParams.BBoxInsideWeights,
		PositiveWeight:    DefaultAnchorTargetParams.PositiveWeight,
		Seed:              seed,
	}
}

type FeatureNetParams struct {
	Name       string        `json:"name" yaml:"name" validate:"required,oneof=vgg16_bn squeezenet1_1 resnet101"`
	ModelName  string        `json:"model_name" yaml:"model_name" validate:"required"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	PixelMeans [3]float32    `json:"pixel_means" yaml:"pixel_means"`
}

var DefaultFeatureNetParams = &FeatureNetParams{
	Name:       "vgg16_bn",
	ModelName:  "tdid_features_vgg16_bn",
	Timeout:    20 * time.Second,
	PixelMeans: [3]float32{102.9801, 115.9465, 122.7717},
}

func NewFeatureNetParams(name, modelName string, timeout time.Duration) *FeatureNetParams {
	return &FeatureNetParams{
		Name:       name,
		ModelName:  modelName,
		Timeout:    timeout,
		PixelMeans: DefaultFeatureNetParams.PixelMeans,
	}
}

// RPNHeadParams names the served model that correlates scene and target features into
// per-anchor class probabilities and box regressions.
type RPNHeadParams struct {
	ModelName   string        `json:"model_name" yaml:"model_name" validate:"required"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	SceneInput  string        `json:"scene_input" yaml:"scene_input" validate:"required"`
	TargetInput string        `json:"target_input" yaml:"target_input" validate:"required"`
	ScoreOutput string        `json:"score_output" yaml:"score_output" validate:"required"`
	BBoxOutput  string        `json:"bbox_output" yaml:"bbox_output" validate:"required"`
}

var DefaultRPNHeadParams = &RPNHeadParams{
	ModelName:   "tdid_rpn_head",
	Timeout:     20 * time.Second,
	SceneInput:  "scene_features",
	TargetInput: "target_features",
	ScoreOutput: "rpn_cls_prob",
	BBoxOutput:  "rpn_bbox_pred",
}

// ImageParams controls scene resizing: the shorter side is scaled to Scale unless that would
// push the longer side past MaxSize.
type ImageParams struct {
	Scale      int    `json:"scale" yaml:"scale" validate:"gt=0"`
	MaxSize    int    `json:"max_size" yaml:"max_size" validate:"gtefield=Scale"`
	TargetSize [2]int `json:"target_size" yaml:"target_size"`
}

var DefaultImageParams = &ImageParams{
	Scale:      600,
	MaxSize:    1000,
	TargetSize: [2]int{80, 80},
}

type Config struct {
	Anchor        AnchorParams       `json:"anchor" yaml:"anchor"`
	TrainProposal ProposalParams     `json:"train_proposal" yaml:"train_proposal"`
	TestProposal  ProposalParams     `json:"test_proposal" yaml:"test_proposal"`
	AnchorTarget  AnchorTargetParams `json:"anchor_target" yaml:"anchor_target"`
	FeatureNet    FeatureNetParams   `json:"feature_net" yaml:"feature_net"`
	RPNHead       RPNHeadParams      `json:"rpn_head" yaml:"rpn_head"`
	Image         ImageParams        `json:"image" yaml:"image"`
}

// DefaultConfig returns a fresh copy of every default parameter set.
func DefaultConfig() *Config {
	cfg := &Config{
		Anchor:        *DefaultAnchorParams,
		TrainProposal: *DefaultTrainProposalParams,
		TestProposal:  *DefaultTestProposalParams,
		AnchorTarget:  *DefaultAnchorTargetParams,
		FeatureNet:    *DefaultFeatureNetParams,
		RPNHead:       *DefaultRPNHeadParams,
		Image:         *DefaultImageParams,
	}
	cfg.Anchor.Ratios = append([]float32(nil), DefaultAnchorParams.Ratios...)
	cfg.Anchor.Scales = append([]float32(nil), DefaultAnchorParams.Scales...)
	return cfg
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(content)
}

func ParseConfig(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.AnchorTarget.NegativeOverlap > c.AnchorTarget.PositiveOverlap {
		return errors.New("invalid config: negative_overlap must not exceed positive_overlap")
	}
	if len(c.Anchor.Sizes) == 0 && c.Anchor.NumTemplates() == 0 {
		return errors.New("invalid config: anchor ratios and scales must not be empty without sizes")
	}
	for _, s := range c.Anchor.Sizes {
		if s[0] <= 0 || s[1] <= 0 {
			return fmt.Errorf("invalid config: anchor size %vx%v must be positive", s[0], s[1])
		}
	}
	return nil
}
