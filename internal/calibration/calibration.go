// Package calibration loads the per-camera intrinsics produced by the
// offline calibration script and derives the projection used for pose
// estimation.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"tag-vision-go/internal/pose"
)

// FileName is the calibration file looked up in the config directory.
const FileName = "cam-cal.json"

var (
	ErrIO         = errors.New("calibration: io error")
	ErrLoad       = errors.New("calibration: failed to load file")
	ErrConversion = errors.New("calibration: failed to convert into projection matrix")
)

// Error carries the failure class (one of ErrIO, ErrLoad, ErrConversion)
// and the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func loadErr(format string, args ...any) error {
	return &Error{Kind: ErrLoad, Err: fmt.Errorf(format, args...)}
}

func conversionErr(format string, args ...any) error {
	return &Error{Kind: ErrConversion, Err: fmt.Errorf(format, args...)}
}

// distortionLengths are the coefficient counts of the OpenCV distortion
// models (basic, k3, rational, thin prism, tilted).
var distortionLengths = map[int]bool{4: true, 5: true, 8: true, 12: true, 14: true}

// CameraCalibration is immutable once loaded.
type CameraCalibration struct {
	// Mtx is the 3x3 intrinsic camera matrix.
	Mtx [][]float64 `json:"mtx"`
	// Distortion holds the lens distortion coefficients, usually as a
	// single row.
	Distortion [][]float64 `json:"dist"`
	// Rvecs and Tvecs are the per-image board poses from calibration, each a
	// 3x1 column.
	Rvecs [][][]float64 `json:"rvecs"`
	Tvecs [][][]float64 `json:"tvecs"`

	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`

	// TagSize is the marker edge length in metres.
	TagSize float64 `json:"tagsize"`
}

// Load reads a calibration JSON file. Either a fully validated calibration
// is returned or an error; never a partial value.
func Load(path string) (*CameraCalibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: ErrIO, Err: err}
	}
	return Parse(data)
}

func Parse(data []byte) (*CameraCalibration, error) {
	var cal CameraCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, loadErr("%v", err)
	}
	if err := cal.validate(); err != nil {
		return nil, err
	}
	return &cal, nil
}

func (c *CameraCalibration) validate() error {
	if len(c.Mtx) != 3 {
		return loadErr("mtx must have 3 rows, got %d", len(c.Mtx))
	}
	for i, row := range c.Mtx {
		if len(row) != 3 {
			return loadErr("mtx row %d must have 3 elements, got %d", i, len(row))
		}
	}
	if n := len(c.Dist()); !distortionLengths[n] {
		return loadErr("unsupported distortion coefficient count %d", n)
	}
	if len(c.Rvecs) != len(c.Tvecs) {
		return loadErr("rvecs/tvecs length mismatch: %d vs %d", len(c.Rvecs), len(c.Tvecs))
	}
	if _, err := c.RotationVectors(); err != nil {
		return loadErr("%v", err)
	}
	if _, err := c.TranslationVectors(); err != nil {
		return loadErr("%v", err)
	}
	for name, v := range map[string]float64{"fx": c.Fx, "fy": c.Fy, "tagsize": c.TagSize} {
		if !(v > 0) || math.IsInf(v, 0) {
			return loadErr("%s must be positive, got %v", name, v)
		}
	}
	for name, v := range map[string]float64{"cx": c.Cx, "cy": c.Cy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return loadErr("%s must be finite, got %v", name, v)
		}
	}
	return nil
}

// Dist returns the distortion coefficients flattened into one vector.
func (c *CameraCalibration) Dist() []float64 {
	out := make([]float64, 0, 5)
	for _, row := range c.Distortion {
		out = append(out, row...)
	}
	return out
}

func (c *CameraCalibration) RotationVectors() ([][3]float64, error) {
	return fold("rvecs", c.Rvecs)
}

func (c *CameraCalibration) TranslationVectors() ([][3]float64, error) {
	return fold("tvecs", c.Tvecs)
}

func fold(name string, vecs [][][]float64) ([][3]float64, error) {
	out := make([][3]float64, 0, len(vecs))
	for i, vec := range vecs {
		var flat []float64
		for _, row := range vec {
			flat = append(flat, row...)
		}
		if len(flat) != 3 {
			return nil, fmt.Errorf("incorrect number of elements for %s[%d], got %d expected 3", name, i, len(flat))
		}
		out = append(out, [3]float64{flat[0], flat[1], flat[2]})
	}
	return out, nil
}

// TagParams returns the intrinsics and marker size in the form the pose
// estimator consumes. Pixel mapping goes through Mtx when it is invertible,
// otherwise through the scalar fx, fy, cx and cy.
func (c *CameraCalibration) TagParams() pose.TagParams {
	tp := pose.TagParams{
		Fx:      c.Fx,
		Fy:      c.Fy,
		Cx:      c.Cx,
		Cy:      c.Cy,
		TagSize: c.TagSize,
		Dist:    c.Dist(),
	}
	if proj, err := c.Projection(); err == nil {
		tp.Camera = proj
	}
	return tp
}

// Projection is the intrinsic matrix together with its inverse.
type Projection struct {
	k   *mat.Dense
	inv *mat.Dense
}

// Projection flattens Mtx and builds the projection transform. A matrix
// that cannot be inverted is a fatal configuration error.
func (c *CameraCalibration) Projection() (Projection, error) {
	flat := make([]float64, 0, 9)
	for _, row := range c.Mtx {
		flat = append(flat, row...)
	}
	if len(flat) != 9 {
		return Projection{}, conversionErr("elements invalid: got %d expected 9", len(flat))
	}

	k := mat.NewDense(3, 3, flat)
	if det := mat.Det(k); math.Abs(det) < 1e-12 || math.IsNaN(det) {
		return Projection{}, conversionErr("invalid projection matrix: not invertible")
	}
	var inv mat.Dense
	if err := inv.Inverse(k); err != nil {
		return Projection{}, conversionErr("invalid projection matrix: %v", err)
	}
	return Projection{k: k, inv: &inv}, nil
}

// Matrix returns the row-major intrinsic matrix.
func (p Projection) Matrix() [9]float64 {
	return flatten(p.k)
}

// Inverse returns the row-major inverse of the intrinsic matrix.
func (p Projection) Inverse() [9]float64 {
	return flatten(p.inv)
}

// Project maps a camera-frame point onto the image plane.
func (p Projection) Project(x, y, z float64) (u, v float64, ok bool) {
	var out mat.VecDense
	out.MulVec(p.k, mat.NewVecDense(3, []float64{x, y, z}))
	w := out.AtVec(2)
	if w == 0 {
		return 0, 0, false
	}
	return out.AtVec(0) / w, out.AtVec(1) / w, true
}

// Unproject maps a pixel to its normalised camera ray (z = 1).
func (p Projection) Unproject(u, v float64) (x, y float64) {
	var out mat.VecDense
	out.MulVec(p.inv, mat.NewVecDense(3, []float64{u, v, 1}))
	w := out.AtVec(2)
	return out.AtVec(0) / w, out.AtVec(1) / w
}

func flatten(m *mat.Dense) [9]float64 {
	var out [9]float64
	if m == nil {
		return out
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m.At(i, j)
		}
	}
	return out
}
