package core

import "math"

// Point is an (x, y) coordinate, normalized to [0,1] after conditioning.
type Point [2]float64

func (p Point) X() float64 { return p[0] }
func (p Point) Y() float64 { return p[1] }

// Angle returns the unsigned angle at b between the vectors a-b and c-b, in
// degrees within [0, 180]. A degenerate triple (either vector shorter than
// 1e-8) yields 180.
func Angle(a, b, c Point) float64 {
	bax := a[0] - b[0]
	bay := a[1] - b[1]
	bcx := c[0] - b[0]
	bcy := c[1] - b[1]

	normBA := math.Hypot(bax, bay)
	normBC := math.Hypot(bcx, bcy)
	if normBA < 1e-8 || normBC < 1e-8 {
		return 180.0
	}

	cos := (bax*bcx + bay*bcy) / (normBA * normBC)
	cos = math.Max(-1.0, math.Min(1.0, cos))
	return math.Acos(cos) * 180.0 / math.Pi
}

// Mid returns the midpoint of two points.
func Mid(a, b Point) Point {
	return Point{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2}
}

// Dist returns the euclidean distance between two points.
func Dist(a, b Point) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
