package processing

import (
	"errors"
	"fmt"
	"github.com/chewxy/math32"
	"math"
)

// GenerateTemplates enumerates anchor templates relative to a single feature cell whose reference
// box is [0, 0, baseSize-1, baseSize-1]. Ratios form the outer loop and scales the inner loop,
// so the template at index r*len(scales)+s has aspect ratios[r] and scale scales[s].
func GenerateTemplates(baseSize int, ratios, scales []float32) ([]Box, error) {
	if baseSize <= 0 {
		return nil, fmt.Errorf("base size must be positive, got %d", baseSize)
	}
	if len(ratios) == 0 || len(scales) == 0 {
		return nil, errors.New("at least one ratio and one scale are required")
	}

	base := Box{X1: 0, Y1: 0, X2: float32(baseSize) - 1, Y2: float32(baseSize) - 1}

	templates := make([]Box, 0, len(ratios)*len(scales))
	for _, ratio := range ratios {
		if ratio <= 0 {
			return nil, fmt.Errorf("ratio must be positive, got %v", ratio)
		}
		ratioAnchor := ratioEnum(base, ratio)
		for _, scale := range scales {
			if scale <= 0 {
				return nil, fmt.Errorf("scale must be positive, got %v", scale)
			}
			templates = append(templates, scaleEnum(ratioAnchor, scale))
		}
	}
	return templates, nil
}

// TemplatesFromSizes builds one template per explicit (width, height) pair, centered on the
// same reference point as GenerateTemplates.
func TemplatesFromSizes(baseSize int, sizes [][2]float32) ([]Box, error) {
	if baseSize <= 0 {
		return nil, fmt.Errorf("base size must be positive, got %d", baseSize)
	}
	if len(sizes) == 0 {
		return nil, errors.New("at least one template size is required")
	}

	center := 0.5 * (float32(baseSize) - 1)
	templates := make([]Box, 0, len(sizes))
	for _, s := range sizes {
		if s[0] <= 0 || s[1] <= 0 {
			return nil, fmt.Errorf("template size must be positive, got %vx%v", s[0], s[1])
		}
		templates = append(templates, mkanchor(s[0], s[1], center, center))
	}
	return templates, nil
}

func whctrs(anchor Box) (float32, float32, float32, float32) {
	w := anchor.X2 - anchor.X1 + 1
	h := anchor.Y2 - anchor.Y1 + 1
	centerX := anchor.X1 + 0.5*(w-1)
	centerY := anchor.Y1 + 0.5*(h-1)
	return w, h, centerX, centerY
}

func mkanchor(w, h, centerX, centerY float32) Box {
	return Box{
		X1: centerX - 0.5*(w-1),
		Y1: centerY - 0.5*(h-1),
		X2: centerX + 0.5*(w-1),
		Y2: centerY + 0.5*(h-1),
	}
}

func ratioEnum(anchor Box, ratio float32) Box {
	w, h, centerX, centerY := whctrs(anchor)
	size := w * h
	ws := roundHalfEven(math32.Sqrt(size / ratio))
	hs := roundHalfEven(ws * ratio)
	return mkanchor(ws, hs, centerX, centerY)
}

func scaleEnum(anchor Box, scale float32) Box {
	w, h, centerX, centerY := whctrs(anchor)
	return mkanchor(w*scale, h*scale, centerX, centerY)
}

func roundHalfEven(x float32) float32 {
	return float32(math.RoundToEven(float64(x)))
}
