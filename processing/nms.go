package processing

import (
	"fmt"
	"github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/okieraised/go-tdid/utils"
)

// NMS runs greedy non-maximum suppression and returns the indices of the kept boxes in
// descending score order. Equal scores keep their input order. A box is discarded when its IoU
// with an already kept box is strictly greater than threshold. maxKeep <= 0 means no limit.
func NMS(boxes []Box, scores []float32, threshold float32, maxKeep int) ([]int, error) {
	if len(boxes) != len(scores) {
		return nil, fmt.Errorf("nms: %d boxes but %d scores", len(boxes), len(scores))
	}
	if len(boxes) == 0 {
		return []int{}, nil
	}

	order := utils.ArgSortDescending(scores)

	// Spatial index so each kept box only tests the candidates it touches. Extents are padded
	// by one pixel since boxes are pixel-inclusive.
	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(boxes))
	for _, b := range boxes {
		fb.Add(
			float64(math32.Min(b.X1, b.X2)),
			float64(math32.Min(b.Y1, b.Y2)),
			float64(math32.Max(b.X1, b.X2)+1),
			float64(math32.Max(b.Y1, b.Y2)+1),
		)
	}
	fb.Finish()

	suppressed := make([]bool, len(boxes))
	keep := make([]int, 0)
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		if maxKeep > 0 && len(keep) >= maxKeep {
			break
		}

		b := boxes[i]
		for _, j := range fb.Search(float64(b.X1), float64(b.Y1), float64(b.X2+1), float64(b.Y2+1)) {
			if j == i || suppressed[j] {
				continue
			}
			if b.IoU(boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}

	return keep, nil
}
