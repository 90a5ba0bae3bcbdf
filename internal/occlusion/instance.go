// Package occlusion builds trajectory-forecasting instances under simulated
// occlusion: a multi-agent window in a recentred metric frame, its
// observation mask, and the visibility rasters derived from an ego point
// and an occluding wall.
package occlusion

import (
	"image"
	"math"

	"github.com/paulmach/orb"
)

// Vec2 is a float32 2D vector, the storage precision of instance tensors.
type Vec2 [2]float32

// ToVec2 narrows p to float32.
func ToVec2(p orb.Point) Vec2 { return Vec2{float32(p[0]), float32(p[1])} }

// Point widens v to an orb.Point.
func (v Vec2) Point() orb.Point { return orb.Point{float64(v[0]), float64(v[1])} }

// IsNaN reports whether either component is NaN.
func (v Vec2) IsNaN() bool { return v[0] != v[0] || v[1] != v[1] }

// NaNVec2 is the "no occlusion" sentinel for ego and occluder points.
var NaNVec2 = Vec2{float32(math.NaN()), float32(math.NaN())}

// Instance is one training sample. Per-agent slices are indexed [agent][timestep]
// with T = TObs + TPred timesteps.
type Instance struct {
	Index int
	SimID int
	Scene string
	Video string
	Frame int // window start frame of the occlusion case
	Trial int

	TObs  int
	TPred int

	Theta       float64 // scene rotation, degrees
	CenterPoint Vec2    // recentring point, rotated padded-raster pixels

	Identities         []int
	Trajectories       [][]Vec2
	ObservationMask    [][]bool
	Velocities         [][]Vec2
	ObservedVelocities [][]Vec2

	// LookupIndices locates the agents in the shared agent table of the
	// table layout; zero elsewhere.
	LookupIndices [2]int

	Occlusion  *OcclusionFields
	Imputation *ImputationFields

	// SceneMap is the cropped scene raster; MapHomography maps local
	// coordinates onto it (row-major 3x3).
	SceneMap      *image.RGBA
	MapHomography [9]float64
}

// OcclusionFields are present when the dataset simulates occlusions.
type OcclusionFields struct {
	Ego      Vec2    // NaN when the case has no occlusion
	Occluder [2]Vec2 // NaN when the case has no occlusion

	Map                *BoolMap // true = visible
	DistanceMap        *FloatMap
	ProbabilityMap     *FloatMap
	NLogProbabilityMap *FloatMap

	// Scaling converts crop pixels into the units of DistanceMap.
	Scaling float64
}

// Simulated reports whether an occlusion was actually simulated.
func (o *OcclusionFields) Simulated() bool { return !o.Ego.IsNaN() }

// ImputationFields hold the pre-imputation ground truth.
type ImputationFields struct {
	TrueTrajectories    [][]Vec2
	TrueObservationMask [][]bool
}

// N returns the number of agents.
func (in *Instance) N() int { return len(in.Identities) }

// T returns the number of timesteps.
func (in *Instance) T() int { return in.TObs + in.TPred }

// Timesteps returns the relative timestep of every index: -TObs+1 … TPred.
func (in *Instance) Timesteps() []int {
	ts := make([]int, in.T())
	for i := range ts {
		ts[i] = i - in.TObs + 1
	}
	return ts
}

// LastObservedIndices returns, per agent, the highest index with a true
// observation mask, or -1 if the agent is never observed.
func (in *Instance) LastObservedIndices() []int {
	return lastObservedIndices(in.ObservationMask)
}

func lastObservedIndices(mask [][]bool) []int {
	out := make([]int, len(mask))
	for n, row := range mask {
		out[n] = -1
		for t := len(row) - 1; t >= 0; t-- {
			if row[t] {
				out[n] = t
				break
			}
		}
	}
	return out
}

// LastObservedPositions returns each agent's position at its last observed index.
func (in *Instance) LastObservedPositions() []Vec2 {
	idx := in.LastObservedIndices()
	out := make([]Vec2, len(idx))
	for n, t := range idx {
		if t >= 0 {
			out[n] = in.Trajectories[n][t]
		}
	}
	return out
}

// LastObservedTimesteps returns each agent's last observed relative timestep.
func (in *Instance) LastObservedTimesteps() []int {
	ts := in.Timesteps()
	idx := in.LastObservedIndices()
	out := make([]int, len(idx))
	for n, t := range idx {
		if t >= 0 {
			out[n] = ts[t]
		}
	}
	return out
}

// PredictionMask is true strictly after each agent's last observed index.
func (in *Instance) PredictionMask() [][]bool {
	idx := in.LastObservedIndices()
	out := make([][]bool, len(idx))
	for n, last := range idx {
		row := make([]bool, in.T())
		for t := last + 1; t < len(row); t++ {
			row[t] = true
		}
		out[n] = row
	}
	return out
}

// SequenceEntry is one (agent, timestep) element of a flattened sequence.
type SequenceEntry struct {
	Identity int
	Timestep int
	Position Vec2
	Velocity Vec2
}

// ObservedSequence flattens the observed entries agent by agent, with
// observed velocities.
func (in *Instance) ObservedSequence() []SequenceEntry {
	ts := in.Timesteps()
	var seq []SequenceEntry
	for n := range in.Identities {
		for t, ok := range in.ObservationMask[n] {
			if ok {
				seq = append(seq, SequenceEntry{in.Identities[n], ts[t], in.Trajectories[n][t], in.ObservedVelocities[n][t]})
			}
		}
	}
	return seq
}

// PredictionSequence flattens the entries to predict timestep by timestep,
// with true velocities.
func (in *Instance) PredictionSequence() []SequenceEntry {
	ts := in.Timesteps()
	mask := in.PredictionMask()
	var seq []SequenceEntry
	for t := 0; t < in.T(); t++ {
		for n := range in.Identities {
			if mask[n][t] {
				seq = append(seq, SequenceEntry{in.Identities[n], ts[t], in.Trajectories[n][t], in.Velocities[n][t]})
			}
		}
	}
	return seq
}

// ImputationMask returns, for every observed entry in ObservedSequence
// order, whether it was truly observed (false = imputed). Nil without
// imputation.
func (in *Instance) ImputationMask() []bool {
	if in.Imputation == nil {
		return nil
	}
	var out []bool
	for n := range in.Identities {
		for t, ok := range in.ObservationMask[n] {
			if ok {
				out = append(out, in.Imputation.TrueObservationMask[n][t])
			}
		}
	}
	return out
}

// TrueVelocity is the backward difference of trajs, zero at the first step.
func TrueVelocity(trajs [][]Vec2) [][]Vec2 {
	out := make([][]Vec2, len(trajs))
	for n, tr := range trajs {
		v := make([]Vec2, len(tr))
		for t := 1; t < len(tr); t++ {
			v[t] = Vec2{tr[t][0] - tr[t-1][0], tr[t][1] - tr[t-1][1]}
		}
		out[n] = v
	}
	return out
}

// ObservedVelocity is the displacement between consecutive observed
// steps divided by their index gap, stored at the later step; zero elsewhere.
func ObservedVelocity(trajs [][]Vec2, mask [][]bool) [][]Vec2 {
	out := make([][]Vec2, len(trajs))
	for n, tr := range trajs {
		v := make([]Vec2, len(tr))
		prev := -1
		for t := range tr {
			if !mask[n][t] {
				continue
			}
			if prev >= 0 {
				gap := float32(t - prev)
				v[t] = Vec2{(tr[t][0] - tr[prev][0]) / gap, (tr[t][1] - tr[prev][1]) / gap}
			}
			prev = t
		}
		out[n] = v
	}
	return out
}
