package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/scenemap"
)

type sliceReader []*occlusion.Instance

func (s sliceReader) Len() int { return len(s) }

func (s sliceReader) Instance(idx int) (*occlusion.Instance, error) {
	if err := CheckIndex(idx, len(s)); err != nil {
		return nil, err
	}
	return s[idx], nil
}

func named(n int) sliceReader {
	out := make(sliceReader, n)
	for i := range out {
		out[i] = &occlusion.Instance{Index: i, SimID: 1, Scene: "gates", Video: "video1", Frame: 10 * i}
	}
	return out
}

func TestEvenIndices(t *testing.T) {
	t.Parallel()
	tests := []struct {
		total, n int
		want     []int
		wantErr  bool
	}{
		{total: 10, n: 1, want: []int{0}},
		{total: 10, n: 2, want: []int{0, 9}},
		{total: 10, n: 4, want: []int{0, 3, 6, 9}},
		// 1.5 and 4.5 round to even
		{total: 7, n: 5, want: []int{0, 2, 3, 4, 6}},
		{total: 3, n: 5, wantErr: true},
		{total: 3, n: 0, wantErr: true},
	}
	for _, tt := range tests {
		got, err := EvenIndices(tt.total, tt.n)
		if tt.wantErr {
			assert.Error(t, err, "%d of %d", tt.n, tt.total)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%d of %d", tt.n, tt.total)
	}
}

func TestSubsampleEvenly(t *testing.T) {
	t.Parallel()
	r, err := SubsampleEvenly(named(10), 4)
	require.NoError(t, err)
	require.Equal(t, 4, r.Len())
	in, err := r.Instance(1)
	require.NoError(t, err)
	assert.Equal(t, 3, in.Index)

	_, err = r.Instance(4)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	small := named(3)
	same, err := SubsampleEvenly(small, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, same.Len())
}

func TestOnly(t *testing.T) {
	t.Parallel()
	r, err := Only(named(5), []string{"1-gates-video1-40-0", "1-gates-video1-10-0"})
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())
	first, err := r.Instance(0)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Index)

	_, err = Only(named(5), []string{"1-gates-video1-50-0"})
	assert.Error(t, err)
}

func occludedInstance(scaling float64) *occlusion.Instance {
	m := occlusion.NewBoolMap(8, true)
	for i := 0; i < 16; i++ {
		m.Values[i] = false
	}
	dist, prob, nlog := occlusion.DeriveMaps(m, scaling)
	return &occlusion.Instance{
		Scene: "gates",
		Video: "video1",
		Occlusion: &occlusion.OcclusionFields{
			Map: m, DistanceMap: dist, ProbabilityMap: prob, NLogProbabilityMap: nlog, Scaling: scaling,
		},
	}
}

func TestQuickFix(t *testing.T) {
	t.Parallel()
	cfg := &config.DatasetConfig{SceneSideLength: ptr(8.0), GlobalMapResolution: ptr(8)}
	conv := scenemap.NewConversionTable(map[[2]string]scenemap.Conversion{{"gates", "video1"}: {PxPerM: 25, MPerPx: 0.04}})

	// legacy scaling: m/px; metric: side/res
	legacy := occludedInstance(0.04)
	metric := occludedInstance(1.0)

	r := QuickFix(sliceReader{legacy}, conv, cfg)
	got, err := r.Instance(0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Occlusion.Scaling, 1e-12)
	for i := range metric.Occlusion.DistanceMap.Values {
		assert.InDelta(t, metric.Occlusion.DistanceMap.Values[i], got.Occlusion.DistanceMap.Values[i], 1e-5)
		assert.InDelta(t, metric.Occlusion.ProbabilityMap.Values[i], got.Occlusion.ProbabilityMap.Values[i], 1e-6)
	}

	unknown := occludedInstance(0.04)
	unknown.Scene = "nexus"
	_, err = QuickFix(sliceReader{unknown}, conv, cfg).Instance(0)
	assert.Error(t, err)
}

func TestWithImputationDefaults(t *testing.T) {
	t.Parallel()
	in := &occlusion.Instance{
		Trajectories:    [][]occlusion.Vec2{{{1, 2}, {3, 4}}},
		ObservationMask: [][]bool{{true, false}},
	}
	got, err := WithImputationDefaults(sliceReader{in}).Instance(0)
	require.NoError(t, err)
	require.NotNil(t, got.Imputation)
	assert.Equal(t, in.Trajectories, got.Imputation.TrueTrajectories)
	assert.Equal(t, [][]bool{{true, false}}, got.Imputation.TrueObservationMask)

	got.Imputation.TrueObservationMask[0][1] = true
	assert.False(t, in.ObservationMask[0][1], "the true mask is a copy")
}

func TestOpen(t *testing.T) {
	t.Parallel()
	cfg := &config.DatasetConfig{ValidationSetSize: ptr(2), Impute: ptr(true)}
	r, err := Open(named(6), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	in, err := r.Instance(1)
	require.NoError(t, err)
	assert.Equal(t, 5, in.Index)
	assert.NotNil(t, in.Imputation)

	_, err = Open(named(6), &config.DatasetConfig{QuickFix: ptr(true)}, nil)
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
