package table

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
)

// encodeVecs packs one agent's T vectors as little-endian float32 pairs.
func encodeVecs(v []occlusion.Vec2) []byte {
	out := make([]byte, 8*len(v))
	for i, p := range v {
		binary.LittleEndian.PutUint32(out[8*i:], math.Float32bits(p[0]))
		binary.LittleEndian.PutUint32(out[8*i+4:], math.Float32bits(p[1]))
	}
	return out
}

func decodeVecs(b []byte, t int) ([]occlusion.Vec2, error) {
	if len(b) != 8*t {
		return nil, fmt.Errorf("vector blob has %d bytes, want %d", len(b), 8*t)
	}
	out := make([]occlusion.Vec2, t)
	for i := range out {
		out[i][0] = math.Float32frombits(binary.LittleEndian.Uint32(b[8*i:]))
		out[i][1] = math.Float32frombits(binary.LittleEndian.Uint32(b[8*i+4:]))
	}
	return out, nil
}

func encodeMask(m []bool) []byte {
	out := make([]byte, len(m))
	for i, v := range m {
		if v {
			out[i] = 1
		}
	}
	return out
}

func decodeMask(b []byte, t int) ([]bool, error) {
	if len(b) != t {
		return nil, fmt.Errorf("mask blob has %d bytes, want %d", len(b), t)
	}
	out := make([]bool, t)
	for i, v := range b {
		out[i] = v != 0
	}
	return out, nil
}

// nullable stores NaN as NULL; sqlite has no NaN.
func nullable(v float32) any {
	if v != v {
		return nil
	}
	return float64(v)
}

func fromNullable(v *float64) float32 {
	if v == nil {
		return float32(math.NaN())
	}
	return float32(*v)
}

func fitsInt16(v int) bool { return v >= math.MinInt16 && v <= math.MaxInt16 }
