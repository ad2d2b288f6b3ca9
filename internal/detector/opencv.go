//go:build gocv

package detector

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"tag-vision-go/internal/types"
)

var arucoFamilies = map[string]gocv.ArucoDictionaryCode{
	"tag16h5":  gocv.ArucoDictAprilTag_16h5,
	"tag25h9":  gocv.ArucoDictAprilTag_25h9,
	"tag36h10": gocv.ArucoDictAprilTag_36h10,
	"tag36h11": gocv.ArucoDictAprilTag_36h11,
}

type arucoFamily struct {
	name     string
	detector gocv.ArucoDetector
}

// openCV detects AprilTag families with the OpenCV ArUco module. The
// underlying detectors are not safe for concurrent use, so calls are
// serialised.
type openCV struct {
	mu         sync.Mutex
	families   []arucoFamily
	sharpening float64
}

func NewOpenCV() (Backend, error) {
	return &openCV{}, nil
}

func (o *openCV) Configure(settings Settings) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.sharpening = settings.Sharpening
	for _, fam := range settings.Families {
		code, ok := arucoFamilies[fam.Name]
		if !ok {
			o.closeLocked()
			return fmt.Errorf("%w: %q not supported by opencv", ErrUnknownFamily, fam.Name)
		}
		params := gocv.NewArucoDetectorParameters()
		params.SetAprilTagQuadDecimate(float32(settings.Decimation))
		params.SetAprilTagQuadSigma(float32(settings.Sigma))
		params.SetAprilTagMinClusterPixels(settings.Thresholds.MinClusterPixels)
		params.SetAprilTagMaxNmaxima(settings.Thresholds.MaxMaximaNumber)
		params.SetAprilTagMaxLineFittingMse(float32(settings.Thresholds.MaxMSE))
		params.SetAprilTagMinWhiteBlackDiff(settings.Thresholds.MinWhiteBlackDiff)
		deglitch := 0
		if settings.Thresholds.Deglitch {
			deglitch = 1
		}
		params.SetAprilTagDeglitch(deglitch)
		dict := gocv.GetPredefinedDictionary(code)
		o.families = append(o.families, arucoFamily{
			name:     fam.Name,
			detector: gocv.NewArucoDetectorWithParams(dict, params),
		})
	}
	return nil
}

func (o *openCV) Detect(gray *image.Gray) ([]types.Candidate, error) {
	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer src.Close()

	input := src
	if o.sharpening > 0 {
		blurred := gocv.NewMat()
		defer blurred.Close()
		sharp := gocv.NewMat()
		defer sharp.Close()
		gocv.GaussianBlur(src, &blurred, image.Pt(0, 0), 1.0, 1.0, gocv.BorderDefault)
		gocv.AddWeighted(src, 1+o.sharpening, blurred, -o.sharpening, 0, &sharp)
		input = sharp
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var out []types.Candidate
	for _, fam := range o.families {
		corners, ids, _ := fam.detector.DetectMarkers(input)
		for i, quad := range corners {
			if len(quad) != 4 || i >= len(ids) {
				continue
			}
			var cand types.Candidate
			cand.ID = ids[i]
			cand.Family = fam.name
			// ArUco reports corners clockwise from top-left; reorder to
			// bottom-left first, counter-clockwise.
			order := [4]int{3, 2, 1, 0}
			for k, idx := range order {
				cand.Corners[k] = types.Point{X: float64(quad[idx].X), Y: float64(quad[idx].Y)}
			}
			cand.DecisionMargin = ContrastMargin(gray, cand.Corners)
			out = append(out, cand)
		}
	}
	return out, nil
}

func (o *openCV) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
	return nil
}

func (o *openCV) closeLocked() {
	for _, fam := range o.families {
		fam.detector.Close()
	}
	o.families = nil
}
