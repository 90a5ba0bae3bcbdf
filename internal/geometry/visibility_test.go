package geometry

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scene = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}

func visibleFraction(ring orb.Ring, b orb.Bound, n int) float64 {
	w := (b.Max[0] - b.Min[0]) / float64(n)
	h := (b.Max[1] - b.Min[1]) / float64(n)
	var pts []orb.Point
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, orb.Point{b.Min[0] + (float64(i)+0.5)*w, b.Min[1] + (float64(j)+0.5)*h})
		}
	}
	visible := 0
	for _, v := range ClassifyPoints(pts, ring) {
		if v {
			visible++
		}
	}
	return float64(visible) / float64(len(pts))
}

func TestVisibilityHalfScene(t *testing.T) {
	t.Parallel()
	// a wall across the whole scene height hides everything to its right
	ring, fb := VisibilityPolygon(orb.Point{25, 50}, Segment{{50, 0}, {50, 100}}, scene)
	require.Equal(t, FallbackNone, fb)

	assert.Equal(t, orb.CCW, ring.Orientation())
	assert.True(t, ring.Closed())
	assert.InDelta(t, 5000, math.Abs(planar.Area(ring)), 1e-6)
	assert.InDelta(t, 0.5, visibleFraction(ring, scene, 100), 1e-9)

	vis := ClassifyPoints([]orb.Point{{10, 10}, {75, 50}, {50, 50}, {99, 99}}, ring)
	assert.Equal(t, []bool{true, false, true, false}, vis, "points on the occluder count as visible")
}

func TestVisibilityShortOccluder(t *testing.T) {
	t.Parallel()
	ego := orb.Point{50, 50}
	occ := Segment{{60, 40}, {60, 60}}
	ring := ComputeVisibilityPolygon(ego, occ, scene)

	assert.Equal(t, orb.CCW, ring.Orientation())
	// shadow is the wedge behind x=60 between the rays through the endpoints
	assert.True(t, Contains(ring, orb.Point{40, 50}))
	assert.True(t, Contains(ring, orb.Point{90, 5}))
	assert.False(t, Contains(ring, orb.Point{80, 50}))
	assert.False(t, Contains(ring, orb.Point{99, 70}))
	// wedge of half-angle 45° reaching the right edge: triangle area 50*100/2 minus the
	// part in front of the wall 10*20/2
	assert.InDelta(t, 10000-(2500-100), math.Abs(planar.Area(ring)), 1e-6)

	// endpoint order does not matter
	swapped := ComputeVisibilityPolygon(ego, Segment{occ[1], occ[0]}, scene)
	assert.InDelta(t, math.Abs(planar.Area(ring)), math.Abs(planar.Area(swapped)), 1e-9)
}

func TestVisibilityShadowOverCorner(t *testing.T) {
	t.Parallel()
	ego := orb.Point{20, 20}
	ring := ComputeVisibilityPolygon(ego, Segment{{60, 40}, {40, 60}}, scene)

	assert.Equal(t, orb.CCW, ring.Orientation())
	assert.False(t, Contains(ring, orb.Point{95, 95}), "far corner is hidden")
	assert.True(t, Contains(ring, orb.Point{5, 95}))
	assert.True(t, Contains(ring, orb.Point{95, 5}))
	assert.True(t, Contains(ring, orb.Point{30, 30}))
	assert.Less(t, visibleFraction(ring, scene, 50), 1.0)
}

func TestVisibilityFallbacks(t *testing.T) {
	t.Parallel()
	full := scene.ToRing()
	tests := []struct {
		name string
		ego  orb.Point
		occ  Segment
		want Fallback
	}{
		{"occluder outside", orb.Point{50, 50}, Segment{{120, 0}, {130, 100}}, FallbackOccluderOutside},
		{"zero length", orb.Point{50, 50}, Segment{{70, 70}, {70, 70}}, FallbackZeroLength},
		{"collinear", orb.Point{50, 50}, Segment{{60, 60}, {80, 80}}, FallbackCollinear},
		{"ego on occluder", orb.Point{50, 50}, Segment{{40, 50}, {60, 50}}, FallbackCollinear},
		{"ego outside", orb.Point{-10, 50}, Segment{{40, 40}, {40, 60}}, FallbackEgoOutside},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ring, fb := VisibilityPolygon(tt.ego, tt.occ, scene)
			assert.Equal(t, tt.want, fb)
			assert.Equal(t, full, ring)
			assert.NotEqual(t, "unknown", fb.String())
		})
	}
}

func TestClipSegment(t *testing.T) {
	t.Parallel()
	seg, ok := ClipSegment(Segment{{-50, 50}, {150, 50}}, scene)
	require.True(t, ok)
	assert.InDelta(t, 0, seg[0][0], 1e-12)
	assert.InDelta(t, 100, seg[1][0], 1e-12)

	_, ok = ClipSegment(Segment{{-50, -1}, {150, -1}}, scene)
	assert.False(t, ok)

	inside := Segment{{10, 10}, {20, 30}}
	seg, ok = ClipSegment(inside, scene)
	require.True(t, ok)
	assert.Equal(t, inside, seg)
}

func TestClassifyPointsBoundaryAndNaN(t *testing.T) {
	t.Parallel()
	ring := scene.ToRing()
	got := ClassifyPoints([]orb.Point{{0, 0}, {100, 50}, {100.001, 50}, {math.NaN(), 1}}, ring)
	assert.Equal(t, []bool{true, true, false, false}, got)
}

func TestMapRing(t *testing.T) {
	t.Parallel()
	ring := orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 0}}
	moved := MapRing(ring, func(p orb.Point) orb.Point { return orb.Point{(p[0] - 1) * 2, (p[1] - 1) * 2} })
	assert.Equal(t, orb.Ring{{-2, -2}, {2, -2}, {2, 2}, {-2, -2}}, moved)
	assert.Equal(t, orb.Point{0, 0}, ring[0], "input untouched")
}
