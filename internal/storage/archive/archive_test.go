package archive

import (
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occlusion.dataset/internal/fsutil"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/storage"
)

func sample(idx int) *occlusion.Instance {
	in := &occlusion.Instance{
		Index: idx, SimID: 2, Scene: "deathCircle", Video: "video0", Frame: 60, Trial: idx,
		TObs: 2, TPred: 1, Theta: 90, CenterPoint: occlusion.Vec2{12, 13},
		Identities:      []int{3, 8},
		Trajectories:    [][]occlusion.Vec2{{{0, 0}, {1, 1}, {2, 2}}, {{5, 5}, {5, 4}, {5, 3}}},
		ObservationMask: [][]bool{{true, true, false}, {false, true, false}},
		MapHomography:   [9]float64{1.6, 0, 8, 0, 1.6, 8, 0, 0, 1},
	}
	in.Velocities = occlusion.TrueVelocity(in.Trajectories)
	in.ObservedVelocities = occlusion.ObservedVelocity(in.Trajectories, in.ObservationMask)

	m := occlusion.NewBoolMap(8, true)
	m.Values[5] = false
	dist, prob, nlog := occlusion.DeriveMaps(m, 0.5)
	in.Occlusion = &occlusion.OcclusionFields{
		Ego: occlusion.NaNVec2, Occluder: [2]occlusion.Vec2{occlusion.NaNVec2, occlusion.NaNVec2},
		Map: m, DistanceMap: dist, ProbabilityMap: prob, NLogProbabilityMap: nlog, Scaling: 0.5,
	}
	scene := image.NewRGBA(image.Rect(0, 0, 4, 4))
	scene.Set(1, 2, color.RGBA{R: 200, A: 255})
	in.SceneMap = scene
	return in
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	in := sample(4)
	blob, err := Encode(in)
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(in, got, cmpopts.EquateNaNs(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = Decode(nil)
	assert.Error(t, err)
	_, err = Decode([]byte("not zstd"))
	assert.Error(t, err)
}

func TestWriterReader(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	w, err := NewWriter(fs, "/out/train")
	require.NoError(t, err)

	for _, slot := range []int{3, 0, 11} {
		require.NoError(t, w.Write(slot, sample(slot)))
	}
	ok, err := w.Written(11)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = w.Written(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, fs.Exists("/out/train/00000003.inst"))
	assert.False(t, fs.Exists("/out/train/00000003.inst.tmp"))
	assert.Error(t, w.Write(-1, sample(0)))
	require.NoError(t, w.Close())

	// stray files are ignored
	require.NoError(t, fs.WriteFile("/out/train/notes.inst", []byte("x"), 0o644))

	r := NewReader(fs, "/out/train")
	require.Equal(t, 3, r.Len())
	var trials []int
	for i := 0; i < r.Len(); i++ {
		in, err := r.Instance(i)
		require.NoError(t, err)
		trials = append(trials, in.Trial)
	}
	assert.Equal(t, []int{0, 3, 11}, trials)

	_, err = r.Instance(3)
	assert.ErrorIs(t, err, storage.ErrIndexOutOfRange)
}

func TestFileName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "00000042.inst", FileName(42))
	assert.Equal(t, 0, NewReader(fsutil.NewMemoryFileSystem(), "/empty").Len())
}
