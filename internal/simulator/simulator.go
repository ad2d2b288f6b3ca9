package simulator

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"time"

	"tag-vision-go/internal/types"
)

// Camera emits synthetic RGBA frames at a fixed rate. Each frame carries a
// drifting gradient, a few dark squares and sensor noise, so consecutive
// frames differ.
type Camera struct {
	Width  int
	Height int
	FPS    float64
	Index  int
	Seed   int64
}

func (c *Camera) Run(ctx context.Context, emit func(types.Frame)) error {
	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}
	width, height := c.Width, c.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(c.Seed))
	var frameID uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			emit(types.Frame{
				ID:       frameID,
				Camera:   c.Index,
				Captured: now,
				Image:    Render(width, height, frameID, rng),
			})
			frameID++
		}
	}
}

// Render draws synthetic frame number n.
func Render(width, height int, n uint64, rng *rand.Rand) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	phase := float64(n) * 0.05
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			base := 128 + 60*math.Sin(float64(x)/float64(width)*2*math.Pi+phase)
			v := base + rng.NormFloat64()*6
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			g := uint8(v)
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}

	side := height / 6
	for i := 0; i < 3; i++ {
		cx := int(float64(width) * (0.25 + 0.25*float64(i) + 0.05*math.Sin(phase+float64(i))))
		cy := height/2 + int(float64(height)*0.1*math.Cos(phase*1.3+float64(i)))
		square(img, cx-side/2, cy-side/2, side)
	}
	return img
}

func square(img *image.RGBA, x0, y0, side int) {
	black := color.RGBA{A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	inner := side / 4
	r := image.Rect(x0, y0, x0+side, y0+side).Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := black
			if x-x0 >= inner && x-x0 < side-inner && y-y0 >= inner && y-y0 < side-inner && (x-x0)/inner%2 == (y-y0)/inner%2 {
				c = white
			}
			img.SetRGBA(x, y, c)
		}
	}
}
