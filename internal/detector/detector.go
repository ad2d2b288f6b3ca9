// Package detector wraps a marker-detection backend with the run's fixed
// tunables and exposes a single Detect call per grayscale frame.
package detector

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"tag-vision-go/internal/config"
	"tag-vision-go/internal/types"
)

var (
	ErrBackendUnavailable = errors.New("detector: backend not available")
	ErrUnknownFamily      = errors.New("detector: unknown tag family")
)

// DefaultThreads is the worker pool size requested from the backend.
const DefaultThreads = 8

// Family is a registered tag family with the number of bit errors the
// backend may correct.
type Family struct {
	Name          string
	CorrectedBits int
}

// QuadThresholds bound which quads are considered as marker candidates.
type QuadThresholds struct {
	MinClusterPixels    int
	MaxMaximaNumber     int
	MinAngleDeg         float64
	MinOppositeAngleDeg float64
	MaxMSE              float64
	MinWhiteBlackDiff   int
	Deglitch            bool
}

// Settings is fixed at construction and never changes for a run.
type Settings struct {
	Families    []Family
	Decimation  float64
	Sharpening  float64
	RefineEdges bool
	Sigma       float64
	Threads     int
	Thresholds  QuadThresholds
}

// SettingsFor derives backend settings from the loaded parameters.
func SettingsFor(params config.DetectorParameters) Settings {
	families := make([]Family, 0, len(params.Families))
	for _, name := range params.Families {
		families = append(families, Family{Name: name, CorrectedBits: 1})
	}
	return Settings{
		Families:    families,
		Decimation:  params.Tuning.Decimation,
		Sharpening:  params.Tuning.Sharpening,
		RefineEdges: false,
		Sigma:       0,
		Threads:     DefaultThreads,
		Thresholds: QuadThresholds{
			MinClusterPixels: 5,
			MaxMaximaNumber:  10,
			// accept every candidate corner angle
			MinAngleDeg:         0,
			MinOppositeAngleDeg: 360,
			MaxMSE:              10,
			MinWhiteBlackDiff:   5,
			Deglitch:            false,
		},
	}
}

// Backend is the external detection algorithm. Detect must be safe to call
// from several goroutines and must not keep state between calls.
type Backend interface {
	Configure(settings Settings) error
	Detect(gray *image.Gray) ([]types.Candidate, error)
	Close() error
}

type Detector struct {
	settings Settings
	backend  Backend
}

func New(params config.DetectorParameters, backend Backend) (*Detector, error) {
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	if len(params.Families) == 0 {
		return nil, fmt.Errorf("%w: no families requested", ErrUnknownFamily)
	}
	for _, name := range params.Families {
		if !config.KnownFamilies[name] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
		}
	}
	settings := SettingsFor(params)
	if err := backend.Configure(settings); err != nil {
		return nil, fmt.Errorf("configure detector backend: %w", err)
	}
	return &Detector{settings: settings, backend: backend}, nil
}

func (d *Detector) Settings() Settings {
	return d.settings
}

// Detect runs the backend on one frame. Candidates carry no identity
// across calls.
func (d *Detector) Detect(gray *image.Gray) ([]types.Candidate, error) {
	if gray == nil || gray.Bounds().Empty() {
		return nil, nil
	}
	cands, err := d.backend.Detect(gray)
	if err != nil {
		return nil, err
	}
	for i := range cands {
		if cands[i].Center == (types.Point{}) {
			cands[i].Center = center(cands[i].Corners)
		}
	}
	return cands, nil
}

func (d *Detector) Close() error {
	return d.backend.Close()
}

// Grayscale converts a frame to 8-bit luminance.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}

func center(corners [4]types.Point) types.Point {
	var c types.Point
	for _, p := range corners {
		c.X += p.X
		c.Y += p.Y
	}
	c.X /= 4
	c.Y /= 4
	return c
}
