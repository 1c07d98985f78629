// Package featnet provides the convolutional backbones that turn scene and target images into
// feature maps. Backbones are chosen by name from configuration and served remotely.
package featnet

import (
	"fmt"
	"github.com/elliotchance/orderedmap/v2"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// Extractor computes a (1, C, H, W) feature map for an image.
type Extractor interface {
	Extract(img gocv.Mat) (*tensor.Dense, error)
	Variant() Variant
}

// Variant describes a backbone: the downsampling from image pixels to feature cells and the
// number of output channels.
type Variant struct {
	Name     string `json:"name"`
	Stride   int    `json:"stride"`
	Channels int    `json:"channels"`
}

// variants is kept in name order so listings are stable.
var variants = newVariantRegistry(
	Variant{Name: "resnet101", Stride: 32, Channels: 2048},
	Variant{Name: "squeezenet1_1", Stride: 16, Channels: 512},
	Variant{Name: "vgg16_bn", Stride: 16, Channels: 512},
)

func newVariantRegistry(vs ...Variant) *orderedmap.OrderedMap[string, Variant] {
	m := orderedmap.NewOrderedMap[string, Variant]()
	for _, v := range vs {
		m.Set(v.Name, v)
	}
	return m
}

func LookupVariant(name string) (Variant, error) {
	v, ok := variants.Get(name)
	if !ok {
		return Variant{}, fmt.Errorf("feature net %q is not supported, expected one of %v", name, VariantNames())
	}
	return v, nil
}

func VariantNames() []string {
	return variants.Keys()
}
