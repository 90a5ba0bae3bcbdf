// Package scenemap tracks a scene raster together with the homography
// that maps the current local trajectory frame onto its pixels.
package scenemap

import (
	"fmt"
	"image"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// GeometricMap is a raster plus a 3x3 homography H from local coordinates
// to raster pixels. Raster edits (rotation, crop) are accumulated as a
// pixel transform and resampled once, when Image is first called after
// the last edit.
type GeometricMap struct {
	src    image.Image
	pix    *mat.Dense // source pixel -> current pixel
	width  int
	height int
	h      *mat.Dense

	rendered image.Image
}

// NewGeometricMap wraps img. A nil homography means identity.
func NewGeometricMap(img image.Image, homography *mat.Dense) *GeometricMap {
	b := img.Bounds()
	m := &GeometricMap{
		src:    img,
		pix:    Identity(),
		width:  b.Dx(),
		height: b.Dy(),
		h:      Identity(),
	}
	if homography != nil {
		m.h = mat.DenseCopyOf(homography)
	}
	return m
}

// Identity returns a new 3x3 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// TranslationMatrix returns the homogeneous translation by (dx, dy).
func TranslationMatrix(dx, dy float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, dx, 0, 1, dy, 0, 0, 1})
}

// ScalingMatrix returns the homogeneous scaling by (sx, sy).
func ScalingMatrix(sx, sy float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{sx, 0, 0, 0, sy, 0, 0, 0, 1})
}

// RotationMatrix returns the rotation by thetaDeg around (cx, cy), in pixel axes.
func RotationMatrix(thetaDeg, cx, cy float64) *mat.Dense {
	s, c := math.Sincos(thetaDeg * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		c, -s, cx - c*cx + s*cy,
		s, c, cy - s*cx - c*cy,
		0, 0, 1,
	})
}

// MapHomography maps the recentred local frame (metres * trajScale, origin
// at the crop centre) onto a resolution x resolution crop of sideLength metres.
func MapHomography(resolution int, sideLength, trajScale float64) *mat.Dense {
	r := float64(resolution)
	k := r / (sideLength * trajScale)
	return mat.NewDense(3, 3, []float64{k, 0, r / 2, 0, k, r / 2, 0, 0, 1})
}

// Homography returns a copy of H.
func (m *GeometricMap) Homography() *mat.Dense {
	return mat.DenseCopyOf(m.h)
}

// SetHomography replaces H.
func (m *GeometricMap) SetHomography(h *mat.Dense) {
	m.h = mat.DenseCopyOf(h)
}

// Dimensions returns the current raster width and height in pixels.
func (m *GeometricMap) Dimensions() (width, height int) {
	return m.width, m.height
}

// Bound returns the raster rectangle in pixel coordinates.
func (m *GeometricMap) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(m.width), float64(m.height)}}
}

// ToMapPoints maps local points to pixel coordinates.
func (m *GeometricMap) ToMapPoints(pts []orb.Point) []orb.Point {
	return applyAll(m.h, pts)
}

// ToLocal maps pixel coordinates back to the local frame.
func (m *GeometricMap) ToLocal(pts []orb.Point) ([]orb.Point, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.h); err != nil {
		return nil, fmt.Errorf("invert homography: %w", err)
	}
	return applyAll(&inv, pts), nil
}

// Translate redefines the local frame so that the new origin is offset in
// the old frame: H <- H * T(offset).
func (m *GeometricMap) Translate(offset orb.Point) {
	m.h.Mul(mat.DenseCopyOf(m.h), TranslationMatrix(offset[0], offset[1]))
}

// Scale redefines local units so that one new unit is f old units:
// H <- H * S(f).
func (m *GeometricMap) Scale(f float64) {
	m.h.Mul(mat.DenseCopyOf(m.h), ScalingMatrix(f, f))
}

// RotateAroundCenter rotates the raster by thetaDeg around its centre,
// keeping its dimensions. Local coordinates keep pointing at the same
// scene content.
func (m *GeometricMap) RotateAroundCenter(thetaDeg float64) {
	if thetaDeg == 0 {
		return
	}
	r := RotationMatrix(thetaDeg, float64(m.width)/2, float64(m.height)/2)
	m.compose(r)
}

// Crop resamples the pixel box [min, max] to a resolution x resolution
// raster. Local coordinates keep pointing at the same scene content.
func (m *GeometricMap) Crop(box [2]orb.Point, resolution int) error {
	w, h := box[1][0]-box[0][0], box[1][1]-box[0][1]
	if w <= 0 || h <= 0 || resolution <= 0 {
		return fmt.Errorf("invalid crop box %v resolution=%d", box, resolution)
	}
	r := float64(resolution)
	c := mat.NewDense(3, 3, []float64{
		r / w, 0, -box[0][0] * r / w,
		0, r / h, -box[0][1] * r / h,
		0, 0, 1,
	})
	m.compose(c)
	m.width, m.height = resolution, resolution
	return nil
}

// compose applies pixel transform t to both the raster and H.
func (m *GeometricMap) compose(t *mat.Dense) {
	m.pix.Mul(t, mat.DenseCopyOf(m.pix))
	m.h.Mul(t, mat.DenseCopyOf(m.h))
	m.rendered = nil
}

// Image returns the current raster, resampling the source if needed.
func (m *GeometricMap) Image() image.Image {
	if m.rendered != nil {
		return m.rendered
	}
	if mat.Equal(m.pix, Identity()) && m.src.Bounds().Min == (image.Point{}) {
		m.rendered = m.src
		return m.rendered
	}
	dst := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	s2d := f64.Aff3{
		m.pix.At(0, 0), m.pix.At(0, 1), m.pix.At(0, 2),
		m.pix.At(1, 0), m.pix.At(1, 1), m.pix.At(1, 2),
	}
	draw.ApproxBiLinear.Transform(dst, s2d, m.src, m.src.Bounds(), draw.Src, nil)
	m.rendered = dst
	return m.rendered
}

func applyAll(h mat.Matrix, pts []orb.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[i] = Apply(h, p)
	}
	return out
}

// Apply maps p through the homogeneous 3x3 matrix h.
func Apply(h mat.Matrix, p orb.Point) orb.Point {
	x := h.At(0, 0)*p[0] + h.At(0, 1)*p[1] + h.At(0, 2)
	y := h.At(1, 0)*p[0] + h.At(1, 1)*p[1] + h.At(1, 2)
	w := h.At(2, 0)*p[0] + h.At(2, 1)*p[1] + h.At(2, 2)
	return orb.Point{x / w, y / w}
}
