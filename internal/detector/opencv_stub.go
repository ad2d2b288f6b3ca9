//go:build !gocv

package detector

import "fmt"

// NewOpenCV reports that the OpenCV backend was not compiled in.
func NewOpenCV() (Backend, error) {
	return nil, fmt.Errorf("%w: opencv backend not enabled; build with -tags gocv", ErrBackendUnavailable)
}
