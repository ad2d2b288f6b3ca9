// Package pose estimates the 3-D pose of a square planar marker from its
// four image corners.
//
// The marker frame has its origin at the marker centre with x right, y down
// and z pointing into the marker. Corners are expected in the detector order
// bottom-left, bottom-right, top-right, top-left.
package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"tag-vision-go/internal/types"
)

var ErrDegenerate = errors.New("pose: degenerate corner geometry")

// Camera maps between pixels and normalised camera coordinates.
type Camera interface {
	Project(x, y, z float64) (u, v float64, ok bool)
	Unproject(u, v float64) (x, y float64)
}

// TagParams carries the camera intrinsics and marker size used to recover a
// metric pose.
type TagParams struct {
	Fx, Fy  float64
	Cx, Cy  float64
	TagSize float64
	// Dist holds OpenCV-ordered distortion coefficients (k1, k2, p1, p2,
	// k3, k4, k5, k6, ...). Empty means an ideal pinhole.
	Dist []float64
	// Camera, when set, is used for all pixel mapping in place of
	// Fx, Fy, Cx and Cy.
	Camera Camera
}

func (tp TagParams) Valid() error {
	if tp.Camera == nil && (tp.Fx <= 0 || tp.Fy <= 0) {
		return fmt.Errorf("pose: focal lengths must be positive (fx=%v fy=%v)", tp.Fx, tp.Fy)
	}
	if tp.TagSize <= 0 {
		return fmt.Errorf("pose: tag size must be positive, got %v", tp.TagSize)
	}
	return nil
}

// normalize maps a pixel onto the z = 1 plane, before undistortion.
func (tp TagParams) normalize(u, v float64) (x, y float64) {
	if tp.Camera != nil {
		return tp.Camera.Unproject(u, v)
	}
	return (u - tp.Cx) / tp.Fx, (v - tp.Cy) / tp.Fy
}

// pixel maps a camera-frame point with z > 0 onto the image.
func (tp TagParams) pixel(x, y, z float64) (types.Point, bool) {
	if tp.Camera != nil {
		u, v, ok := tp.Camera.Project(x, y, z)
		return types.Point{X: u, Y: v}, ok
	}
	return types.Point{X: tp.Fx*x/z + tp.Cx, Y: tp.Fy*y/z + tp.Cy}, true
}

// objectPoints returns the marker corners in metres, in detector order.
func objectPoints(tagSize float64) [4][2]float64 {
	s := tagSize / 2
	return [4][2]float64{
		{-s, s},
		{s, s},
		{s, -s},
		{-s, -s},
	}
}

// Estimate recovers the marker pose from its corners by fitting a
// homography in normalised camera coordinates and decomposing it.
func Estimate(corners [4]types.Point, tp TagParams) (types.Pose, error) {
	if err := tp.Valid(); err != nil {
		return types.Pose{}, err
	}

	if math.Abs(quadArea(corners)) < 1e-6 {
		return types.Pose{}, ErrDegenerate
	}

	var image [4][2]float64
	for i, c := range corners {
		x, y := tp.normalize(c.X, c.Y)
		image[i][0], image[i][1] = Undistort(x, y, tp.Dist)
	}

	object := objectPoints(tp.TagSize)
	h, err := homography(object, image)
	if err != nil {
		return types.Pose{}, err
	}

	c1 := [3]float64{h.At(0, 0), h.At(1, 0), h.At(2, 0)}
	c2 := [3]float64{h.At(0, 1), h.At(1, 1), h.At(2, 1)}
	c3 := [3]float64{h.At(0, 2), h.At(1, 2), h.At(2, 2)}

	n1, n2 := norm(c1), norm(c2)
	if n1 < 1e-12 || n2 < 1e-12 {
		return types.Pose{}, ErrDegenerate
	}
	scale := 2 / (n1 + n2)
	// The marker must sit in front of the camera.
	if c3[2]*scale < 0 {
		scale = -scale
	}

	r1 := mul(c1, scale)
	r2 := mul(c2, scale)
	r3 := cross(r1, r2)
	t := mul(c3, scale)
	if t[2] <= 0 {
		return types.Pose{}, ErrDegenerate
	}

	rot, err := orthonormalize(r1, r2, r3)
	if err != nil {
		return types.Pose{}, err
	}

	p := types.Pose{Translation: t}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Rotation[i*3+j] = rot.At(i, j)
		}
	}
	p.Error = reprojectionError(p, object, corners, tp)
	return p, nil
}

// homography solves dst ~ H * [src, 1] with the direct linear transform.
func homography(src, dst [4][2]float64) (*mat.Dense, error) {
	a := mat.NewDense(8, 9, nil)
	for i := 0; i < 4; i++ {
		X, Y := src[i][0], src[i][1]
		x, y := dst[i][0], dst[i][1]
		a.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -x * X, -x * Y, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -y * X, -y * Y, -y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, ErrDegenerate
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] < 1e-12 || values[len(values)-1]/values[0] < 1e-10 {
		return nil, ErrDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)

	h := mat.NewDense(3, 3, nil)
	for k := 0; k < 9; k++ {
		h.Set(k/3, k%3, v.At(k, 8))
	}
	return h, nil
}

// orthonormalize projects the estimated columns onto the closest rotation.
func orthonormalize(r1, r2, r3 [3]float64) (*mat.Dense, error) {
	r := mat.NewDense(3, 3, []float64{
		r1[0], r2[0], r3[0],
		r1[1], r2[1], r3[1],
		r1[2], r2[2], r3[2],
	})
	var svd mat.SVD
	if ok := svd.Factorize(r, mat.SVDFull); !ok {
		return nil, ErrDegenerate
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var out mat.Dense
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		// flip the axis of the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	return &out, nil
}

// Project maps a point in the marker frame to pixel coordinates for the
// given pose, ignoring lens distortion.
func Project(p types.Pose, x, y float64, tp TagParams) (types.Point, bool) {
	r := p.Rotation
	t := p.Translation
	cx := r[0]*x + r[1]*y + t[0]
	cy := r[3]*x + r[4]*y + t[1]
	cz := r[6]*x + r[7]*y + t[2]
	if cz <= 0 {
		return types.Point{}, false
	}
	return tp.pixel(cx, cy, cz)
}

func reprojectionError(p types.Pose, object [4][2]float64, corners [4]types.Point, tp TagParams) float64 {
	var sum float64
	for i, o := range object {
		proj, ok := Project(p, o[0], o[1], tp)
		if !ok {
			return math.Inf(1)
		}
		// compare against the undistorted corner
		x, y := tp.normalize(corners[i].X, corners[i].Y)
		ux, uy := Undistort(x, y, tp.Dist)
		want, ok := tp.pixel(ux, uy, 1)
		if !ok {
			return math.Inf(1)
		}
		dx := proj.X - want.X
		dy := proj.Y - want.Y
		sum += math.Sqrt(dx*dx + dy*dy)
	}
	return sum / 4
}

// quadArea is the signed shoelace area of the corner polygon.
func quadArea(c [4]types.Point) float64 {
	var a float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		a += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	return a / 2
}

func norm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func mul(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
