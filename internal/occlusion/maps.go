package occlusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BoolMap is a square boolean raster stored row-major: Values[y*Res+x].
type BoolMap struct {
	Res    int
	Values []bool
}

// NewBoolMap returns a res x res map filled with v.
func NewBoolMap(res int, v bool) *BoolMap {
	m := &BoolMap{Res: res, Values: make([]bool, res*res)}
	if v {
		for i := range m.Values {
			m.Values[i] = true
		}
	}
	return m
}

// At returns the value of pixel (x, y).
func (m *BoolMap) At(x, y int) bool { return m.Values[y*m.Res+x] }

// Count returns the number of true pixels.
func (m *BoolMap) Count() int {
	n := 0
	for _, v := range m.Values {
		if v {
			n++
		}
	}
	return n
}

// PackBits packs the raster 8 pixels per byte, most significant bit first,
// in row-major order. Res*Res must be a multiple of 8.
func (m *BoolMap) PackBits() ([]byte, error) {
	if len(m.Values)%8 != 0 {
		return nil, fmt.Errorf("cannot pack %d pixels into whole bytes", len(m.Values))
	}
	out := make([]byte, len(m.Values)/8)
	for i, v := range m.Values {
		if v {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out, nil
}

// UnpackBits is the inverse of PackBits.
func UnpackBits(res int, data []byte) (*BoolMap, error) {
	if res*res != len(data)*8 {
		return nil, fmt.Errorf("packed map has %d bytes, want %d for resolution %d", len(data), res*res/8, res)
	}
	m := &BoolMap{Res: res, Values: make([]bool, res*res)}
	for i := range m.Values {
		m.Values[i] = data[i/8]&(0x80>>(i%8)) != 0
	}
	return m, nil
}

// FloatMap is a square float32 raster stored row-major.
type FloatMap struct {
	Res    int
	Values []float32
}

// NewFloatMap returns a zero res x res map.
func NewFloatMap(res int) *FloatMap {
	return &FloatMap{Res: res, Values: make([]float32, res*res)}
}

// At returns the value of pixel (x, y).
func (m *FloatMap) At(x, y int) float32 { return m.Values[y*m.Res+x] }

// Sum returns the sum of all values in float64.
func (m *FloatMap) Sum() float64 {
	s := 0.0
	for _, v := range m.Values {
		s += float64(v)
	}
	return s
}

// SignedDistance returns, per pixel, the euclidean distance in pixels to
// the nearest pixel of the other class: positive inside the visible
// region, negative inside the occluded region. When one class is absent
// its counterpart's distances are zero.
func SignedDistance(visible *BoolMap) []float64 {
	res := visible.Res
	occluded := make([]bool, len(visible.Values))
	for i, v := range visible.Values {
		occluded[i] = !v
	}
	toOccluded := distanceTransform(occluded, res, res)
	toVisible := distanceTransform(visible.Values, res, res)

	out := make([]float64, len(visible.Values))
	for i, v := range visible.Values {
		switch {
		case v && toOccluded != nil:
			out[i] = toOccluded[i]
		case !v && toVisible != nil:
			out[i] = -toVisible[i]
		}
	}
	return out
}

// DeriveMaps computes the distance, probability and negative log
// probability rasters of a visibility map. Distances are scaled by
// scaling. The probability map is the softmax of -max(distance, 0) and
// the negative log map is its exact counterpart from the same log-sum-exp.
func DeriveMaps(visible *BoolMap, scaling float64) (dist, prob, nlog *FloatMap) {
	d := SignedDistance(visible)
	floats.Scale(scaling, d)
	return mapsFromDistance(visible.Res, d)
}

// mapsFromDistance builds the three rasters from an already scaled distance field.
func mapsFromDistance(res int, d []float64) (dist, prob, nlog *FloatMap) {
	dist, prob, nlog = NewFloatMap(res), NewFloatMap(res), NewFloatMap(res)
	logits := make([]float64, len(d))
	for i, v := range d {
		dist.Values[i] = float32(v)
		logits[i] = -math.Max(v, 0)
	}
	lse := floats.LogSumExp(logits)
	for i, l := range logits {
		nl := lse - l
		nlog.Values[i] = float32(nl)
		prob.Values[i] = float32(math.Exp(-nl))
	}
	return dist, prob, nlog
}

// RescaleDistance multiplies an existing distance raster by factor and
// rebuilds the probability pair from it.
func RescaleDistance(dist *FloatMap, factor float64) (*FloatMap, *FloatMap, *FloatMap) {
	d := make([]float64, len(dist.Values))
	for i, v := range dist.Values {
		d[i] = float64(v) * factor
	}
	return mapsFromDistance(dist.Res, d)
}

const edtInf = 1e20

// distanceTransform returns the exact euclidean distance from every cell
// to the nearest target cell (Felzenszwalb & Huttenlocher, separable
// squared-distance lower envelopes). Returns nil when there is no target.
func distanceTransform(target []bool, w, h int) []float64 {
	found := false
	grid := make([]float64, w*h)
	for i, t := range target {
		if t {
			found = true
		} else {
			grid[i] = edtInf
		}
	}
	if !found {
		return nil
	}

	n := max(w, h)
	f := make([]float64, n)
	d := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	// columns
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			f[y] = grid[y*w+x]
		}
		edt1D(f[:h], d[:h], v, z)
		for y := 0; y < h; y++ {
			grid[y*w+x] = d[y]
		}
	}
	// rows
	for y := 0; y < h; y++ {
		copy(f[:w], grid[y*w:(y+1)*w])
		edt1D(f[:w], d[:w], v, z)
		for x := 0; x < w; x++ {
			grid[y*w+x] = math.Sqrt(d[x])
		}
	}
	return grid
}

// edt1D writes into d the 1D squared distance transform of sampled function f.
func edt1D(f, d []float64, v []int, z []float64) {
	n := len(f)
	k := 0
	v[0] = 0
	z[0] = math.Inf(-1)
	z[1] = math.Inf(1)
	for q := 1; q < n; q++ {
		s := ((f[q] + float64(q*q)) - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		for s <= z[k] {
			k--
			s = ((f[q] + float64(q*q)) - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := q - v[k]
		d[q] = float64(dq*dq) + f[v[k]]
	}
}
