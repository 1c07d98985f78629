package featnet

import (
	"errors"
	"fmt"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image"
	"math"
)

// ImageToOpenCV decodes an encoded image into a 3 channel BGR matrix.
func ImageToOpenCV(bImage []byte) (*gocv.Mat, error) {
	srcMat, err := gocv.IMDecode(bImage, gocv.IMReadUnchanged)
	if err != nil {
		srcMat.Close()
		return nil, err
	}
	if srcMat.Empty() {
		srcMat.Close()
		return nil, errors.New("cannot decode image")
	}

	dstMat, err := toBGR(srcMat)
	if err != nil {
		return nil, err
	}
	return &dstMat, nil
}

// toBGR converts a 1, 3 or 4 channel image to BGR. It takes ownership of src.
func toBGR(src gocv.Mat) (gocv.Mat, error) {
	channels := src.Channels()
	switch channels {
	case 3:
		return src, nil
	case 4, 1:
		code := gocv.ColorBGRAToBGR
		if channels == 1 {
			code = gocv.ColorGrayToBGR
		}
		dst := gocv.NewMat()
		gocv.CvtColor(src, &dst, code)
		src.Close()
		return dst, nil
	}
	src.Close()
	return gocv.NewMat(), fmt.Errorf("invalid number of channels: %d", channels)
}

// SceneScale is the resize factor that brings the shorter side of a height x width image to
// targetSize while keeping the longer side at most maxSize.
func SceneScale(height, width, targetSize, maxSize int) float32 {
	short := math.Min(float64(height), float64(width))
	long := math.Max(float64(height), float64(width))
	scale := float64(targetSize) / short
	if math.Round(scale*long) > float64(maxSize) {
		scale = float64(maxSize) / long
	}
	return float32(scale)
}

// ResizeScene resizes img by SceneScale and returns the new matrix with the applied scale.
func ResizeScene(img gocv.Mat, targetSize, maxSize int) (gocv.Mat, float32, error) {
	if img.Empty() {
		return gocv.NewMat(), 0, errors.New("empty scene image")
	}
	size := img.Size()
	scale := SceneScale(size[0], size[1], targetSize, maxSize)
	newWidth := int(math.Round(float64(size[1]) * float64(scale)))
	newHeight := int(math.Round(float64(size[0]) * float64(scale)))

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Point{X: newWidth, Y: newHeight}, 0, 0, gocv.InterpolationLinear)
	return resized, scale, nil
}

// MatToTensor converts a BGR 8-bit image into a (1, 3, H, W) tensor in BGR channel order with
// the per-channel means subtracted.
func MatToTensor(img gocv.Mat, pixelMeans [3]float32) (*tensor.Dense, error) {
	if img.Empty() {
		return nil, errors.New("empty image")
	}
	if img.Channels() != 3 {
		return nil, fmt.Errorf("expected 3 channels, got %d", img.Channels())
	}
	imgShape := img.Size()
	height, width := imgShape[0], imgShape[1]
	plane := height * width

	data := make([]float32, 3*plane)
	for y := range height {
		for x := range width {
			px := img.GetVecbAt(y, x)
			for z := range 3 {
				data[z*plane+y*width+x] = float32(px[z]) - pixelMeans[z]
			}
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 3, height, width),
		tensor.WithBacking(data),
	), nil
}
