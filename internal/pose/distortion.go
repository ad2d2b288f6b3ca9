package pose

const undistortIterations = 20

// coefficient returns dist[i] or 0 when the model does not carry it.
func coefficient(dist []float64, i int) float64 {
	if i < len(dist) {
		return dist[i]
	}
	return 0
}

// Distort applies the radial/tangential model (k1, k2, p1, p2, k3 and the
// rational k4..k6 terms) to a normalised point. Thin-prism and tilt terms
// are not modelled.
func Distort(x, y float64, dist []float64) (float64, float64) {
	if len(dist) == 0 {
		return x, y
	}
	k1, k2, p1, p2 := coefficient(dist, 0), coefficient(dist, 1), coefficient(dist, 2), coefficient(dist, 3)
	k3, k4, k5, k6 := coefficient(dist, 4), coefficient(dist, 5), coefficient(dist, 6), coefficient(dist, 7)

	r2 := x*x + y*y
	radial := (1 + ((k3*r2+k2)*r2+k1)*r2) / (1 + ((k6*r2+k5)*r2+k4)*r2)
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Undistort inverts Distort by fixed-point iteration.
func Undistort(x, y float64, dist []float64) (float64, float64) {
	if allZero(dist) {
		return x, y
	}
	k1, k2, p1, p2 := coefficient(dist, 0), coefficient(dist, 1), coefficient(dist, 2), coefficient(dist, 3)
	k3, k4, k5, k6 := coefficient(dist, 4), coefficient(dist, 5), coefficient(dist, 6), coefficient(dist, 7)

	x0, y0 := x, y
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		icdist := (1 + ((k6*r2+k5)*r2+k4)*r2) / (1 + ((k3*r2+k2)*r2+k1)*r2)
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return x, y
}

func allZero(v []float64) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
