// Package geometry computes the region of a rectangular scene visible from
// an ego viewpoint past a single opaque segment occluder, and classifies
// points against it.
package geometry

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const eps = 1e-9

// Segment is an occluding wall between two points.
type Segment [2]orb.Point

// Length returns the euclidean length of the segment.
func (s Segment) Length() float64 {
	return math.Hypot(s[1][0]-s[0][0], s[1][1]-s[0][1])
}

// Fallback names why the full scene rectangle was returned instead of a
// proper visibility polygon.
type Fallback int

const (
	FallbackNone Fallback = iota
	FallbackEgoOutside
	FallbackOccluderOutside
	FallbackZeroLength
	FallbackCollinear
)

func (f Fallback) String() string {
	switch f {
	case FallbackNone:
		return "none"
	case FallbackEgoOutside:
		return "ego_outside"
	case FallbackOccluderOutside:
		return "occluder_outside"
	case FallbackZeroLength:
		return "zero_length"
	case FallbackCollinear:
		return "collinear"
	}
	return "unknown"
}

// ComputeVisibilityPolygon returns the part of boundary visible from ego
// when occluder blocks sight. The result is a closed counter-clockwise
// ring. Degenerate inputs (ego outside the scene, occluder outside or of
// zero length after clipping, ego collinear with or lying on the
// occluder) yield the whole boundary rectangle.
func ComputeVisibilityPolygon(ego orb.Point, occluder Segment, boundary orb.Bound) orb.Ring {
	ring, _ := VisibilityPolygon(ego, occluder, boundary)
	return ring
}

// VisibilityPolygon is ComputeVisibilityPolygon that also reports which
// fallback, if any, was taken.
func VisibilityPolygon(ego orb.Point, occluder Segment, boundary orb.Bound) (orb.Ring, Fallback) {
	if !boundary.Contains(ego) {
		return boundary.ToRing(), FallbackEgoOutside
	}

	seg, ok := ClipSegment(occluder, boundary)
	if !ok {
		return boundary.ToRing(), FallbackOccluderOutside
	}
	if seg.Length() < eps {
		return boundary.ToRing(), FallbackZeroLength
	}

	a, b := seg[0], seg[1]
	cross := (a[0]-ego[0])*(b[1]-ego[1]) - (a[1]-ego[1])*(b[0]-ego[0])
	if math.Abs(cross) < eps*seg.Length() {
		return boundary.ToRing(), FallbackCollinear
	}
	// a -> b runs counter-clockwise as seen from ego
	if cross < 0 {
		a, b = b, a
	}

	aFar := rayExit(ego, a, boundary)
	bFar := rayExit(ego, b, boundary)

	thetaA := math.Atan2(a[1]-ego[1], a[0]-ego[0])
	thetaB := math.Atan2(b[1]-ego[1], b[0]-ego[0])
	span := normAngle(thetaA - thetaB)

	type corner struct {
		p   orb.Point
		phi float64
	}
	var corners []corner
	for _, c := range boundaryCorners(boundary) {
		if c.Equal(ego) {
			continue
		}
		phi := normAngle(math.Atan2(c[1]-ego[1], c[0]-ego[0]) - thetaB)
		if phi > eps && phi < span-eps {
			corners = append(corners, corner{c, phi})
		}
	}
	sort.Slice(corners, func(i, j int) bool { return corners[i].phi < corners[j].phi })

	// walk the visible part of the boundary from bFar to aFar, then back
	// along the occluder's shadow edges
	pts := make([]orb.Point, 0, len(corners)+5)
	pts = append(pts, bFar)
	for _, c := range corners {
		pts = append(pts, c.p)
	}
	pts = append(pts, aFar, a, b, bFar)

	return dedupe(pts), FallbackNone
}

// ClassifyPoints reports, for each point, whether it lies in poly. Points
// on the polygon boundary count as inside.
func ClassifyPoints(points []orb.Point, poly orb.Ring) []bool {
	out := make([]bool, len(points))
	for i, p := range points {
		out[i] = Contains(poly, p)
	}
	return out
}

// Contains is the single-point form of ClassifyPoints.
func Contains(poly orb.Ring, p orb.Point) bool {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return false
	}
	return planar.RingContains(poly, p)
}

// MapRing returns a copy of r with f applied to every vertex.
func MapRing(r orb.Ring, f func(orb.Point) orb.Point) orb.Ring {
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[i] = f(p)
	}
	return out
}

// ClipSegment clips s to b (Liang–Barsky). ok is false when s lies
// entirely outside b.
func ClipSegment(s Segment, b orb.Bound) (Segment, bool) {
	x0, y0 := s[0][0], s[0][1]
	dx, dy := s[1][0]-x0, s[1][1]-y0

	p := [4]float64{-dx, dx, -dy, dy}
	q := [4]float64{x0 - b.Min[0], b.Max[0] - x0, y0 - b.Min[1], b.Max[1] - y0}

	u1, u2 := 0.0, 1.0
	for i := range p {
		if p[i] == 0 {
			if q[i] < 0 {
				return Segment{}, false
			}
			continue
		}
		r := q[i] / p[i]
		if p[i] < 0 {
			u1 = math.Max(u1, r)
		} else {
			u2 = math.Min(u2, r)
		}
	}
	if u1 > u2 {
		return Segment{}, false
	}
	return Segment{
		{x0 + u1*dx, y0 + u1*dy},
		{x0 + u2*dx, y0 + u2*dy},
	}, true
}

// rayExit returns where the ray from origin through p leaves b.
// origin must lie in b and p must differ from origin.
func rayExit(origin, p orb.Point, b orb.Bound) orb.Point {
	dx, dy := p[0]-origin[0], p[1]-origin[1]
	t := math.Inf(1)
	if dx > 0 {
		t = math.Min(t, (b.Max[0]-origin[0])/dx)
	} else if dx < 0 {
		t = math.Min(t, (b.Min[0]-origin[0])/dx)
	}
	if dy > 0 {
		t = math.Min(t, (b.Max[1]-origin[1])/dy)
	} else if dy < 0 {
		t = math.Min(t, (b.Min[1]-origin[1])/dy)
	}
	return orb.Point{origin[0] + t*dx, origin[1] + t*dy}
}

func boundaryCorners(b orb.Bound) [4]orb.Point {
	return [4]orb.Point{
		b.Min,
		{b.Max[0], b.Min[1]},
		b.Max,
		{b.Min[0], b.Max[1]},
	}
}

// normAngle maps a to [0, 2π).
func normAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}

// dedupe drops consecutive near-duplicate vertices and closes the ring.
func dedupe(pts []orb.Point) orb.Ring {
	ring := make(orb.Ring, 0, len(pts))
	for _, p := range pts {
		if n := len(ring); n > 0 && near(ring[n-1], p) {
			continue
		}
		ring = append(ring, p)
	}
	for len(ring) > 1 && near(ring[0], ring[len(ring)-1]) {
		ring = ring[:len(ring)-1]
	}
	return append(ring, ring[0])
}

func near(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) < eps && math.Abs(a[1]-b[1]) < eps
}
