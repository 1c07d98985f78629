package rcnn

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-tdid/processing"
)

var (
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrInvalidImage    = errors.New("invalid image info")
	ErrInvalidGeometry = errors.New("invalid anchor geometry")
)

// ImageInfo is the (height, width, scale) triple of the network input image. Scale is the
// factor applied to the original image to obtain the network input.
type ImageInfo struct {
	Height int     `json:"height"`
	Width  int     `json:"width"`
	Scale  float32 `json:"scale"`
}

func (i ImageInfo) validate() error {
	if i.Height <= 0 || i.Width <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidImage, i.Width, i.Height)
	}
	if i.Scale <= 0 {
		return fmt.Errorf("%w: scale %v", ErrInvalidImage, i.Scale)
	}
	return nil
}

// covers checks that a height x width feature map at stride belongs to this image: the last
// cell must still start inside it.
func (i ImageInfo) covers(height, width, stride int) error {
	if (height-1)*stride >= i.Height || (width-1)*stride >= i.Width {
		return fmt.Errorf("%w: %dx%d feature map at stride %d exceeds %dx%d image",
			ErrShapeMismatch, width, height, stride, i.Width, i.Height)
	}
	return nil
}

// GTBox is a ground-truth box in network input pixel coordinates.
type GTBox struct {
	processing.Box
	ClassID int `json:"class_id"`
}

func gtBoxes(gt []GTBox) []processing.Box {
	boxes := make([]processing.Box, len(gt))
	for i := range gt {
		boxes[i] = gt[i].Box
	}
	return boxes
}
