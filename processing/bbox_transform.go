package processing

import (
	"github.com/chewxy/math32"
)

// bboxXformClip bounds dw/dh before exponentiation so that a wild regression output cannot
// overflow float32.
var bboxXformClip = math32.Log(1000.0 / 16.0)

// Box is an axis-aligned box in image pixel coordinates. Coordinates are pixel-inclusive:
// a box covering a single pixel has X1 == X2.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Delta is a box regression in the log-scale parameterization relative to a reference box.
type Delta struct {
	DX float32 `json:"dx"`
	DY float32 `json:"dy"`
	DW float32 `json:"dw"`
	DH float32 `json:"dh"`
}

func (b Box) Width() float32 {
	return b.X2 - b.X1 + 1
}

func (b Box) Height() float32 {
	return b.Y2 - b.Y1 + 1
}

func (b Box) Center() (float32, float32) {
	return b.X1 + 0.5*b.Width(), b.Y1 + 0.5*b.Height()
}

// Area is zero for degenerate boxes (x2 < x1 or y2 < y1).
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection over union of b and o. It is zero when either box has no area.
func (b Box) IoU(o Box) float32 {
	areaB, areaO := b.Area(), o.Area()
	if areaB == 0 || areaO == 0 {
		return 0
	}
	iw := math32.Min(b.X2, o.X2) - math32.Max(b.X1, o.X1) + 1
	if iw <= 0 {
		return 0
	}
	ih := math32.Min(b.Y2, o.Y2) - math32.Max(b.Y1, o.Y1) + 1
	if ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := areaB + areaO - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Shift translates the box by (dx, dy).
func (b Box) Shift(dx, dy float32) Box {
	return Box{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// Scale multiplies every coordinate by s.
func (b Box) Scale(s float32) Box {
	return Box{X1: b.X1 * s, Y1: b.Y1 * s, X2: b.X2 * s, Y2: b.Y2 * s}
}

// Encode computes the regression that moves ref onto target.
func Encode(ref, target Box) Delta {
	rw, rh := ref.Width(), ref.Height()
	rcx, rcy := ref.Center()
	tw, th := target.Width(), target.Height()
	tcx, tcy := target.Center()

	if rw <= 0 || rh <= 0 || tw <= 0 || th <= 0 {
		return Delta{}
	}

	return Delta{
		DX: (tcx - rcx) / rw,
		DY: (tcy - rcy) / rh,
		DW: math32.Log(tw / rw),
		DH: math32.Log(th / rh),
	}
}

// Decode applies d to ref. Decode(ref, Encode(ref, b)) reproduces b.
func Decode(ref Box, d Delta) Box {
	w, h := ref.Width(), ref.Height()
	cx, cy := ref.Center()

	predCX := d.DX*w + cx
	predCY := d.DY*h + cy
	predW := math32.Exp(d.DW) * w
	predH := math32.Exp(d.DH) * h

	return Box{
		X1: predCX - 0.5*predW,
		Y1: predCY - 0.5*predH,
		X2: predCX + 0.5*predW - 1,
		Y2: predCY + 0.5*predH - 1,
	}
}

// DecodeClamped is Decode for raw network regressions: dw and dh are capped at log(1000/16) so
// the result stays finite.
func DecodeClamped(ref Box, d Delta) Box {
	d.DW = math32.Min(d.DW, bboxXformClip)
	d.DH = math32.Min(d.DH, bboxXformClip)
	return Decode(ref, d)
}

// ClipBox clips b to [0, width-1] x [0, height-1].
func ClipBox(b Box, height, width int) Box {
	maxX := float32(width - 1)
	maxY := float32(height - 1)
	return Box{
		X1: clamp(b.X1, 0, maxX),
		Y1: clamp(b.Y1, 0, maxY),
		X2: clamp(b.X2, 0, maxX),
		Y2: clamp(b.Y2, 0, maxY),
	}
}

func clamp(x, lo, hi float32) float32 {
	return math32.Max(math32.Min(x, hi), lo)
}

// Overlaps computes the IoU matrix between boxes and queries; result[i][j] is the IoU of
// boxes[i] and queries[j].
func Overlaps(boxes, queries []Box) [][]float32 {
	res := make([][]float32, len(boxes))
	backing := make([]float32, len(boxes)*len(queries))
	for i, b := range boxes {
		row := backing[i*len(queries) : (i+1)*len(queries)]
		for j, q := range queries {
			row[j] = b.IoU(q)
		}
		res[i] = row
	}
	return res
}
