package core

import "math"

// Point is a 2-D position in metres on the placement plane.
type Point struct {
	X, Y float64
}

// DistanceTo returns the straight-line distance between two points.
func (p Point) DistanceTo(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// CircleIntersections returns the intersection points of the circles
// (c1, r1) and (c2, r2). Depending on the relative position and size of the
// circles there are 0, 1, or 2 results:
//
//   - coincident centres (d == 0): no usable intersection, even when the
//     radii match (infinitely many points is as useless as none here);
//   - disjoint (d > r1+r2) or contained (d < |r1−r2|): no intersection;
//   - tangent (d == r1+r2 or d == |r1−r2|): one point;
//   - otherwise: two points.
//
// When two points exist their order is deterministic: the first is the
// canonical solution (the one on the positive side of the c1→c2 axis,
// measured by the left-hand perpendicular). Callers that need an arbitrary
// but fixed pick take index 0.
func CircleIntersections(c1 Point, r1 float64, c2 Point, r2 float64) []Point {
	d := c1.DistanceTo(c2)
	if d == 0 {
		return nil
	}
	if d > r1+r2 || d < math.Abs(r1-r2) {
		return nil
	}

	// a is the distance from c1 to the foot of the chord on the c1→c2
	// axis; h is the half-chord length.
	a := (r1*r1 - r2*r2 + d*d) / (2 * d)
	h2 := r1*r1 - a*a
	if h2 < 0 {
		// Numeric fuzz around the tangent case.
		h2 = 0
	}
	h := math.Sqrt(h2)

	ex := (c2.X - c1.X) / d
	ey := (c2.Y - c1.Y) / d
	mx := c1.X + a*ex
	my := c1.Y + a*ey

	if h == 0 {
		return []Point{{X: mx, Y: my}}
	}

	return []Point{
		{X: mx - h*ey, Y: my + h*ex},
		{X: mx + h*ey, Y: my - h*ex},
	}
}
