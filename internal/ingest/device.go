//go:build gocv

package ingest

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"tag-vision-go/internal/types"
)

// DeviceSource reads frames from a local capture device through OpenCV.
type DeviceSource struct {
	Index    int
	LogEvery int
}

func (s *DeviceSource) Run(ctx context.Context, emit func(types.Frame)) error {
	cam, err := gocv.OpenVideoCapture(s.Index)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", s.Index, err)
	}
	defer cam.Close()

	mat := gocv.NewMat()
	defer mat.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	logs := &everyN{n: s.LogEvery}
	var frameID uint64
	misses := 0
	for ctx.Err() == nil {
		if ok := cam.Read(&mat); !ok {
			misses++
			if misses > 100 {
				return fmt.Errorf("camera %d stopped delivering frames", s.Index)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		misses = 0
		if mat.Empty() {
			continue
		}
		captured := time.Now()
		gocv.CvtColor(mat, &rgba, gocv.ColorBGRToRGBA)
		img, err := rgba.ToImage()
		if err != nil {
			decodeFailures.Add(1)
			logs.printf("camera %d convert error: %v", s.Index, err)
			continue
		}
		emit(types.Frame{
			ID:       frameID,
			Camera:   s.Index,
			Captured: captured,
			Image:    ToRGBA(img),
		})
		frameID++
	}
	return nil
}
