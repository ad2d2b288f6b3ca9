package detector

import (
	"hash/fnv"
	"image"
	"math"
	"math/rand"

	"tag-vision-go/internal/pose"
	"tag-vision-go/internal/types"
)

// Simulated fabricates plausible detections for running the pipeline
// without a vision backend. The output is a pure function of the frame
// contents and the seed, so repeated calls on one frame agree.
type Simulated struct {
	params     pose.TagParams
	seed       int64
	maxMarkers int
	families   []Family
}

func NewSimulated(params pose.TagParams, seed int64, maxMarkers int) *Simulated {
	if maxMarkers < 1 {
		maxMarkers = 3
	}
	return &Simulated{params: params, seed: seed, maxMarkers: maxMarkers}
}

func (s *Simulated) Configure(settings Settings) error {
	s.families = append([]Family(nil), settings.Families...)
	return s.params.Valid()
}

func (s *Simulated) Detect(gray *image.Gray) ([]types.Candidate, error) {
	rng := rand.New(rand.NewSource(s.seed ^ frameHash(gray)))
	b := gray.Bounds()

	n := rng.Intn(s.maxMarkers + 1)
	out := make([]types.Candidate, 0, n)
	for i := 0; i < n; i++ {
		yaw := (rng.Float64() - 0.5) * math.Pi / 3
		truth := types.Pose{
			Translation: [3]float64{
				(rng.Float64() - 0.5) * 1.2,
				(rng.Float64() - 0.5) * 0.4,
				0.6 + rng.Float64()*3.4,
			},
			Rotation: [9]float64{
				math.Cos(yaw), 0, math.Sin(yaw),
				0, 1, 0,
				-math.Sin(yaw), 0, math.Cos(yaw),
			},
		}
		half := s.params.TagSize / 2
		objects := [4][2]float64{{-half, half}, {half, half}, {half, -half}, {-half, -half}}

		var cand types.Candidate
		visible := true
		for k, o := range objects {
			p, ok := pose.Project(truth, o[0], o[1], s.params)
			if !ok || !image.Pt(int(p.X), int(p.Y)).In(b) {
				visible = false
				break
			}
			cand.Corners[k] = p
		}
		if !visible {
			continue
		}
		cand.ID = rng.Intn(30)
		if len(s.families) > 0 {
			cand.Family = s.families[rng.Intn(len(s.families))].Name
		}
		cand.DecisionMargin = 600 + rng.Float64()*2400
		out = append(out, cand)
	}
	return out, nil
}

func (s *Simulated) Close() error {
	return nil
}

// frameHash samples a sparse grid of pixels.
func frameHash(gray *image.Gray) int64 {
	h := fnv.New64a()
	b := gray.Bounds()
	stepX := b.Dx()/16 + 1
	stepY := b.Dy()/16 + 1
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			_, _ = h.Write([]byte{gray.GrayAt(x, y).Y})
		}
	}
	return int64(h.Sum64())
}
