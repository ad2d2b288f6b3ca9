package processing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"tag-vision-go/internal/types"
)

var (
	colorSelected = color.RGBA{R: 255, G: 215, A: 255}
	colorAccepted = color.RGBA{G: 200, A: 255}
	colorRejected = color.RGBA{R: 220, A: 255}
)

// Annotate returns a copy of img with every evaluated candidate outlined
// and labelled by marker id. The selected target is drawn last.
func Annotate(img *image.RGBA, eval Evaluation) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)

	for i, ev := range eval.Candidates {
		if eval.Selected != nil && i == eval.Best {
			continue
		}
		c := colorRejected
		if ev.Verdict == Accepted {
			c = colorAccepted
		}
		outline(out, ev.Candidate.Corners, c)
		label(out, ev.Candidate, fmt.Sprintf("%d", ev.Candidate.ID), c)
	}
	if eval.Selected != nil {
		ev := eval.Candidates[eval.Best]
		outline(out, ev.Candidate.Corners, colorSelected)
		label(out, ev.Candidate, fmt.Sprintf("%d %.2fm", ev.Candidate.ID, ev.Distance), colorSelected)
	}
	return out
}

func outline(img *image.RGBA, corners [4]types.Point, c color.RGBA) {
	for i := 0; i < 4; i++ {
		a, b := corners[i], corners[(i+1)%4]
		line(img, int(a.X+0.5), int(a.Y+0.5), int(b.X+0.5), int(b.Y+0.5), c)
	}
}

// line draws with Bresenham's algorithm, clipped to the image.
func line(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	b := img.Bounds()
	e := dx + dy
	for {
		if image.Pt(x0, y0).In(b) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func label(img *image.RGBA, cand types.Candidate, text string, c color.RGBA) {
	minX, minY, _, _ := cand.Bounds()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(int(minX), int(minY)-3),
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
