package detector

import (
	"image"

	"tag-vision-go/internal/types"
)

const (
	marginSamplesPerEdge = 8
	marginOffset         = 0.12
)

// ContrastMargin scores a quad by the intensity step across its border:
// for points along each edge it sums the brightness just outside the quad
// minus the brightness just inside. A dark-bordered marker on a light
// background scores high; texture that merely looks like a quad scores low.
func ContrastMargin(gray *image.Gray, corners [4]types.Point) float64 {
	c := center(corners)
	var margin float64
	for i := 0; i < 4; i++ {
		a, b := corners[i], corners[(i+1)%4]
		for s := 1; s <= marginSamplesPerEdge; s++ {
			f := float64(s) / float64(marginSamplesPerEdge+1)
			p := types.Point{X: a.X + (b.X-a.X)*f, Y: a.Y + (b.Y-a.Y)*f}
			dx, dy := p.X-c.X, p.Y-c.Y
			inside := sample(gray, p.X-dx*marginOffset, p.Y-dy*marginOffset)
			outside := sample(gray, p.X+dx*marginOffset, p.Y+dy*marginOffset)
			margin += outside - inside
		}
	}
	if margin < 0 {
		return 0
	}
	return margin
}

func sample(gray *image.Gray, x, y float64) float64 {
	b := gray.Bounds()
	px, py := int(x+0.5), int(y+0.5)
	if px < b.Min.X {
		px = b.Min.X
	}
	if px >= b.Max.X {
		px = b.Max.X - 1
	}
	if py < b.Min.Y {
		py = b.Min.Y
	}
	if py >= b.Max.Y {
		py = b.Max.Y - 1
	}
	return float64(gray.GrayAt(px, py).Y)
}
