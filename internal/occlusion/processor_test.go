package occlusion

import (
	"errors"
	"fmt"
	"image"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/geometry"
	"github.com/banshee-data/occlusion.dataset/internal/scenemap"
	"github.com/banshee-data/occlusion.dataset/internal/trajlog"
)

// The test scene is a 200x200 px raster at 0.1 m/px. The crop covers
// 10 m (100 px) at 16 px, so one crop pixel is 0.625 m.
const (
	testTObs   = 4
	testTPred  = 6
	testMPerPx = 0.1
)

func testConfig() ProcessorConfig {
	return ProcessorConfig{
		TObs:            testTObs,
		TPred:           testTPred,
		MaxAgents:       10,
		Resolution:      16,
		SideLength:      10,
		TrajScale:       1,
		Mode:            config.ProcessOcclusionSimulation,
		DistanceScaling: config.ScalingMetric,
	}
}

func newTestProcessor(t *testing.T, mutate func(*ProcessorConfig)) *Processor {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewProcessor(cfg)
	require.NoError(t, err)
	return p
}

func blankScene() *scenemap.GeometricMap {
	return scenemap.NewGeometricMap(image.NewRGBA(image.Rect(0, 0, 200, 200)), nil)
}

func still(p orb.Point) []orb.Point {
	out := make([]orb.Point, testTObs+testTPred)
	for i := range out {
		out[i] = p
	}
	return out
}

// halfCase puts the ego in the middle of the scene right below a wall that
// spans the whole width: everything above y=99 is hidden.
func halfCase() Case {
	return Case{
		Ego:           orb.Point{100, 100},
		Occluder:      geometry.Segment{{0, 99}, {200, 99}},
		TargetAgentID: NoAgent,
		CenterAgentID: NoAgent,
	}
}

func assertFutureUnobserved(t *testing.T, in *Instance) {
	t.Helper()
	for n, row := range in.ObservationMask {
		require.Len(t, row, in.T())
		for ts := in.TObs; ts < in.T(); ts++ {
			assert.False(t, row[ts], "agent %d observed at future step %d", in.Identities[n], ts)
		}
	}
}

func assertProbabilityPair(t *testing.T, occ *OcclusionFields) {
	t.Helper()
	assert.InDelta(t, 1, occ.ProbabilityMap.Sum(), 1e-5)
	nlogMass := 0.0
	for i, p := range occ.ProbabilityMap.Values {
		q := math.Exp(-float64(occ.NLogProbabilityMap.Values[i]))
		assert.InDelta(t, float64(p), q, 1e-6, "pixel %d", i)
		nlogMass += q
	}
	assert.InDelta(t, 1, nlogMass, 1e-5)
}

func TestHalfSceneOcclusion(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t, nil)
	in, err := p.Process(Input{
		Map:      blankScene(),
		AgentIDs: []int{1, 2, 3},
		Positions: [][]orb.Point{
			still(orb.Point{90, 100}),
			still(orb.Point{110, 100}),
			still(orb.Point{100, 60}), // hidden the whole time
		},
		Case:   halfCase(),
		MPerPx: testMPerPx,
	})
	require.NoError(t, err)
	assertFutureUnobserved(t, in)

	assert.Equal(t, []int{1, 2}, in.Identities)
	for n := range in.Identities {
		assert.Equal(t, []bool{true, true, true, true, false, false, false, false, false, false}, in.ObservationMask[n])
	}
	assert.InDelta(t, -1, in.Trajectories[0][0][0], 1e-6)
	assert.InDelta(t, 1, in.Trajectories[1][9][0], 1e-6)
	assert.InDelta(t, 0, in.Trajectories[1][9][1], 1e-6)
	assert.Equal(t, Vec2{100, 100}, in.CenterPoint)
	assert.Equal(t, [9]float64{1.6, 0, 8, 0, 1.6, 8, 0, 0, 1}, roundAll(in.MapHomography))

	occ := in.Occlusion
	require.NotNil(t, occ)
	assert.True(t, occ.Simulated())
	assert.InDelta(t, 0, occ.Ego[0], 1e-6)
	assert.InDelta(t, -10, occ.Occluder[0][0], 1e-5)
	assert.InDelta(t, -0.1, occ.Occluder[0][1], 1e-6)
	assert.InDelta(t, 0.625, occ.Scaling, 1e-12)

	// the wall lands on crop row 7.84: rows 8..15 are visible
	require.Equal(t, 16, occ.Map.Res)
	assert.Equal(t, 128, occ.Map.Count())
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			assert.Equal(t, y >= 8, occ.Map.At(x, y), "pixel (%d,%d)", x, y)
		}
	}

	assert.InDelta(t, 0.625, occ.DistanceMap.At(0, 8), 1e-6)
	assert.InDelta(t, 5, occ.DistanceMap.At(3, 15), 1e-6)
	assert.InDelta(t, -0.625, occ.DistanceMap.At(5, 7), 1e-6)
	assert.InDelta(t, -5, occ.DistanceMap.At(15, 0), 1e-6)

	assertProbabilityPair(t, occ)
	hidden := 0.0
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			hidden += float64(occ.ProbabilityMap.At(x, y))
		}
	}
	assert.Greater(t, hidden, 0.85, "probability mass sits in the occluded half")
	assert.Nil(t, in.Imputation)
}

func roundAll(v [9]float64) [9]float64 {
	for i := range v {
		v[i] = math.Round(v[i]*1e9) / 1e9
	}
	return v
}

func TestThreeAgentsWithoutOcclusion(t *testing.T) {
	t.Parallel()
	positions := func() [][]orb.Point {
		out := make([][]orb.Point, 3)
		for n := range out {
			row := make([]orb.Point, testTObs+testTPred)
			for ts := range row {
				row[ts] = orb.Point{float64(60 + 20*n + ts), float64(100 - ts)}
			}
			out[n] = row
		}
		return out
	}
	want := []bool{true, true, true, true, false, false, false, false, false, false}

	for _, mode := range []string{config.ProcessFullyObserved, config.ProcessOcclusionSimulation} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			p := newTestProcessor(t, func(c *ProcessorConfig) { c.Mode = mode })
			in, err := p.Process(Input{
				Map:       blankScene(),
				AgentIDs:  []int{4, 8, 15},
				Positions: positions(),
				Case:      NoOcclusionCase(),
				MPerPx:    testMPerPx,
			})
			require.NoError(t, err)
			require.Equal(t, 3, in.N())
			assert.Equal(t, []int{4, 8, 15}, in.Identities)
			for n := range in.Identities {
				assert.Equal(t, want, in.ObservationMask[n])
			}
			assertFutureUnobserved(t, in)
			// centroid of positions at t=3 is (83, 97)
			assert.Equal(t, Vec2{83, 97}, in.CenterPoint)
			assert.InDelta(t, -2.3, in.Trajectories[0][0][0], 1e-5)
			assert.InDelta(t, 0.3, in.Trajectories[0][0][1], 1e-5)

			if mode == config.ProcessFullyObserved {
				assert.Nil(t, in.Occlusion)
				return
			}
			occ := in.Occlusion
			require.NotNil(t, occ)
			assert.False(t, occ.Simulated())
			assert.True(t, occ.Occluder[1].IsNaN())
			assert.Equal(t, 256, occ.Map.Count())
			for i := range occ.DistanceMap.Values {
				assert.Zero(t, occ.DistanceMap.Values[i])
				assert.InDelta(t, 1.0/256, occ.ProbabilityMap.Values[i], 1e-7)
				assert.InDelta(t, math.Log(256), occ.NLogProbabilityMap.Values[i], 1e-5)
			}
			assertProbabilityPair(t, occ)
		})
	}
}

func TestImputationKeepsObservedPositions(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t, func(c *ProcessorConfig) { c.Impute = true })

	walker := still(orb.Point{100, 120})
	walker[0], walker[1], walker[2] = orb.Point{100, 60}, orb.Point{100, 80}, orb.Point{100, 100}
	peek := still(orb.Point{100, 100})
	peek[0], peek[1], peek[2] = orb.Point{100, 60}, orb.Point{100, 60}, orb.Point{100, 60}

	in, err := p.Process(Input{
		Map:      blankScene(),
		AgentIDs: []int{1, 2, 4, 5, 6},
		Positions: [][]orb.Point{
			still(orb.Point{90, 100}),
			still(orb.Point{110, 100}),
			peek,                      // observed once, at t=3
			walker,                    // observed at t=2 and t=3
			still(orb.Point{100, 50}), // never observed
		},
		Case:   halfCase(),
		MPerPx: testMPerPx,
	})
	require.NoError(t, err)
	assertFutureUnobserved(t, in)

	// a single observation is not enough, even with imputation
	assert.Equal(t, []int{1, 2, 5}, in.Identities)
	require.NotNil(t, in.Imputation)
	for n := range in.Identities {
		assert.Equal(t, []bool{true, true, true, true, false, false, false, false, false, false}, in.ObservationMask[n])
	}
	assert.Equal(t, []bool{false, false, true, true, false, false, false, false, false, false}, in.Imputation.TrueObservationMask[2])

	for n, row := range in.Imputation.TrueObservationMask {
		for ts, ok := range row {
			if ok {
				assert.Equal(t, in.Imputation.TrueTrajectories[n][ts], in.Trajectories[n][ts], "agent %d step %d", n, ts)
			}
		}
	}
	// linear motion is recovered exactly by the extrapolation
	for ts := 0; ts < 2; ts++ {
		assert.InDelta(t, in.Imputation.TrueTrajectories[2][ts][1], in.Trajectories[2][ts][1], 1e-5)
	}

	mask := in.ImputationMask()
	assert.Len(t, mask, 12)
	assert.Equal(t, 10, countTrue(mask))
}

func TestPopulationCapKeepsTarget(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t, func(c *ProcessorConfig) { c.MaxAgents = 3 })

	ids := []int{1, 2, 3, 4, 5, 6, 7}
	positions := make([][]orb.Point, len(ids))
	for i := range ids {
		positions[i] = still(orb.Point{float64(20 + 20*i), 150})
	}
	c := Case{
		Ego:           orb.Point{100, 100},
		Occluder:      geometry.Segment{{10, 190}, {12, 190}},
		TargetAgentID: 1,
		CenterAgentID: 7,
	}
	in, err := p.Process(Input{Map: blankScene(), AgentIDs: ids, Positions: positions, Case: c, MPerPx: testMPerPx})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 7}, in.Identities)
	assert.LessOrEqual(t, in.N(), 3)
	assertFutureUnobserved(t, in)
}

func TestPopulationCapRanksFromSparseTarget(t *testing.T) {
	t.Parallel()
	for _, impute := range []bool{false, true} {
		t.Run(fmt.Sprintf("impute=%t", impute), func(t *testing.T) {
			t.Parallel()
			// the target is hidden until its single sighting at t=3, so it is
			// dropped itself but still decides who is near enough to keep
			target := still(orb.Point{20, 120})
			target[0], target[1], target[2] = orb.Point{20, 60}, orb.Point{20, 60}, orb.Point{20, 60}

			p := newTestProcessor(t, func(c *ProcessorConfig) {
				c.MaxAgents = 2
				c.Impute = impute
			})
			c := halfCase()
			c.TargetAgentID = 1
			in, err := p.Process(Input{
				Map:      blankScene(),
				AgentIDs: []int{1, 2, 3, 4, 5},
				Positions: [][]orb.Point{
					target,
					still(orb.Point{30, 120}),
					still(orb.Point{40, 120}),
					still(orb.Point{180, 120}),
					still(orb.Point{190, 120}),
				},
				Case:   c,
				MPerPx: testMPerPx,
			})
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, in.Identities)
		})
	}
}

func TestPopulationCapWithoutOcclusion(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t, func(c *ProcessorConfig) {
		c.MaxAgents = 3
		c.Mode = config.ProcessFullyObserved
	})
	ids := []int{1, 2, 3, 4, 5, 6, 7}
	positions := make([][]orb.Point, len(ids))
	for i := range ids {
		positions[i] = still(orb.Point{float64(20 + 20*i), 150})
	}
	in, err := p.Process(Input{Map: blankScene(), AgentIDs: ids, Positions: positions, Case: NoOcclusionCase(), MPerPx: testMPerPx})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, in.Identities)
	assert.Equal(t, Vec2{80, 150}, in.CenterPoint)
}

func TestDistanceScalingConventions(t *testing.T) {
	t.Parallel()
	run := func(scaling string) *Instance {
		p := newTestProcessor(t, func(c *ProcessorConfig) { c.DistanceScaling = scaling })
		in, err := p.Process(Input{
			Map:       blankScene(),
			AgentIDs:  []int{1, 2},
			Positions: [][]orb.Point{still(orb.Point{90, 100}), still(orb.Point{110, 100})},
			Case:      halfCase(),
			MPerPx:    testMPerPx,
		})
		require.NoError(t, err)
		return in
	}
	metric, legacy := run(config.ScalingMetric), run(config.ScalingLegacy)

	assert.InDelta(t, 0.625, metric.Occlusion.Scaling, 1e-12)
	assert.InDelta(t, 0.1, legacy.Occlusion.Scaling, 1e-12)
	assert.InDelta(t, 0.1, legacy.Occlusion.DistanceMap.At(0, 8), 1e-6)
	assertProbabilityPair(t, legacy.Occlusion)

	// px/m * side / resolution turns the legacy field into the metric one
	dist, prob, nlog := RescaleDistance(legacy.Occlusion.DistanceMap, 10*10.0/16)
	for i := range dist.Values {
		assert.InDelta(t, metric.Occlusion.DistanceMap.Values[i], dist.Values[i], 1e-5)
		assert.InDelta(t, metric.Occlusion.ProbabilityMap.Values[i], prob.Values[i], 1e-6)
		assert.InDelta(t, metric.Occlusion.NLogProbabilityMap.Values[i], nlog.Values[i], 1e-4)
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t, func(c *ProcessorConfig) { c.Impute = true })
	run := func() *Instance {
		walker := still(orb.Point{100, 120})
		walker[0], walker[1] = orb.Point{100, 60}, orb.Point{100, 80}
		in, err := p.Process(Input{
			Map:       blankScene(),
			AgentIDs:  []int{1, 5},
			Positions: [][]orb.Point{still(orb.Point{90, 100}), walker},
			Case:      halfCase(),
			MPerPx:    testMPerPx,
		})
		require.NoError(t, err)
		return in
	}
	a, b := run(), run()
	if diff := cmp.Diff(a.Trajectories, b.Trajectories); diff != "" {
		t.Errorf("trajectories differ between runs (-first +second):\n%s", diff)
	}
	assert.Equal(t, a.Occlusion.Map.Values, b.Occlusion.Map.Values)
}

func TestProcessErrors(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(func() ProcessorConfig { c := testConfig(); c.Mode = "partially_observed"; return c }())
	assert.ErrorIs(t, err, ErrUnknownOcclusionProcess)
	_, err = NewProcessor(func() ProcessorConfig { c := testConfig(); c.DistanceScaling = "pixels"; return c }())
	assert.Error(t, err)

	p := newTestProcessor(t, nil)
	_, err = p.Process(Input{
		Map:       blankScene(),
		AgentIDs:  []int{3},
		Positions: [][]orb.Point{still(orb.Point{100, 60})},
		Case:      halfCase(),
		MPerPx:    testMPerPx,
	})
	assert.True(t, errors.Is(err, trajlog.ErrNoValidAgents), "got %v", err)

	_, err = p.Process(Input{Map: blankScene(), AgentIDs: []int{1}, Positions: [][]orb.Point{{{1, 1}}}, Case: halfCase(), MPerPx: testMPerPx})
	assert.Error(t, err)
	_, err = p.Process(Input{Map: blankScene(), AgentIDs: []int{1}, Positions: [][]orb.Point{still(orb.Point{1, 1})}, Case: halfCase()})
	assert.Error(t, err)
}

func TestSceneMapIsCropped(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(t, func(c *ProcessorConfig) { c.KeepSceneMap = true })
	in, err := p.Process(Input{
		Map:       blankScene(),
		AgentIDs:  []int{1, 2},
		Positions: [][]orb.Point{still(orb.Point{90, 100}), still(orb.Point{110, 100})},
		Case:      NoOcclusionCase(),
		MPerPx:    testMPerPx,
	})
	require.NoError(t, err)
	require.NotNil(t, in.SceneMap)
	assert.Equal(t, image.Rect(0, 0, 16, 16), in.SceneMap.Bounds())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "no_occlusion", StateNoOcclusion.String())
	assert.Equal(t, "occlusion_simulated", StateOcclusionSimulated.String())
	assert.Equal(t, "State(7)", State(7).String())
}
