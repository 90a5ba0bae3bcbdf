// Package storage defines how built instances are written and read back.
// The two layouts live in the table and archive subpackages; the helpers
// here wrap any Reader with the read-time options of a dataset.
package storage

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/scenemap"
)

// ErrIndexOutOfRange is returned by readers for an index outside [0, Len()).
var ErrIndexOutOfRange = errors.New("instance index out of range")

// Reader gives random access to the instances of a dataset.
type Reader interface {
	Len() int
	Instance(idx int) (*occlusion.Instance, error)
}

// Namer is implemented by readers that can name an instance without
// decoding it.
type Namer interface {
	Name(idx int) (string, error)
}

// Writer stores instances into numbered slots. Writers are not safe for
// concurrent use.
type Writer interface {
	Write(slot int, in *occlusion.Instance) error
	Written(slot int) (bool, error)
	Close() error
}

// InstanceName is the name used by subset lists; it matches the name of
// the occlusion case the instance was built from.
func InstanceName(in *occlusion.Instance) string {
	return fmt.Sprintf("%d-%s-%s-%d-%d", in.SimID, in.Scene, in.Video, in.Frame, in.Trial)
}

// CheckIndex returns ErrIndexOutOfRange unless 0 <= idx < n.
func CheckIndex(idx, n int) error {
	if idx < 0 || idx >= n {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, idx, n)
	}
	return nil
}

// subset exposes a fixed list of indices of another reader.
type subset struct {
	r       Reader
	indices []int
}

func (s *subset) Len() int { return len(s.indices) }

func (s *subset) Instance(idx int) (*occlusion.Instance, error) {
	if err := CheckIndex(idx, len(s.indices)); err != nil {
		return nil, err
	}
	return s.r.Instance(s.indices[idx])
}

// Indices returns the underlying indices of the subset.
func (s *subset) Indices() []int { return append([]int(nil), s.indices...) }

// EvenIndices returns n indices spread evenly over [0, total), the
// rounded points of linspace(0, total-1, n). It fails when the rounding
// would pick an index twice.
func EvenIndices(total, n int) ([]int, error) {
	if n <= 0 || total <= 0 {
		return nil, fmt.Errorf("subsample %d of %d instances", n, total)
	}
	if n == 1 {
		return []int{0}, nil
	}
	out := make([]int, n)
	step := float64(total-1) / float64(n-1)
	for i := range out {
		out[i] = int(math.RoundToEven(float64(i) * step))
		if i > 0 && out[i] == out[i-1] {
			return nil, fmt.Errorf("subsample %d of %d instances: index %d repeats", n, total, out[i])
		}
	}
	return out, nil
}

// SubsampleEvenly reduces r to n evenly spaced instances. A reader with
// no more than n instances is returned unchanged.
func SubsampleEvenly(r Reader, n int) (Reader, error) {
	if r.Len() <= n {
		return r, nil
	}
	idx, err := EvenIndices(r.Len(), n)
	if err != nil {
		return nil, err
	}
	return &subset{r: r, indices: idx}, nil
}

// Only restricts r to the named instances, in the order of names. Every
// name must exist.
func Only(r Reader, names []string) (Reader, error) {
	want := make(map[string]int, len(names))
	for i, n := range names {
		want[n] = i
	}
	found := make([]int, len(names))
	for i := range found {
		found[i] = -1
	}

	namer, _ := r.(Namer)
	for i := 0; i < r.Len(); i++ {
		var name string
		if namer != nil {
			n, err := namer.Name(i)
			if err != nil {
				return nil, err
			}
			name = n
		} else {
			in, err := r.Instance(i)
			if err != nil {
				return nil, err
			}
			name = InstanceName(in)
		}
		if pos, ok := want[name]; ok && found[pos] < 0 {
			found[pos] = i
		}
	}
	for i, idx := range found {
		if idx < 0 {
			return nil, fmt.Errorf("instance %s not in dataset", names[i])
		}
	}
	return &subset{r: r, indices: found}, nil
}

// transformed applies fn to every instance read from r.
type transformed struct {
	r  Reader
	fn func(*occlusion.Instance) error
}

func (t *transformed) Len() int { return t.r.Len() }

func (t *transformed) Instance(idx int) (*occlusion.Instance, error) {
	in, err := t.r.Instance(idx)
	if err != nil {
		return nil, err
	}
	if err := t.fn(in); err != nil {
		return nil, fmt.Errorf("instance %d: %w", idx, err)
	}
	return in, nil
}

// QuickFix converts the distance maps of a dataset built with legacy
// scaling (crop pixels times metres per reference pixel) into metric
// distances, and rebuilds the probability maps from them.
func QuickFix(r Reader, conversions *scenemap.ConversionTable, cfg *config.DatasetConfig) Reader {
	side := cfg.GetSceneSideLength()
	res := float64(cfg.GetGlobalMapResolution())
	return &transformed{r: r, fn: func(in *occlusion.Instance) error {
		if in.Occlusion == nil || in.Occlusion.DistanceMap == nil {
			return nil
		}
		conv, err := conversions.Lookup(in.Scene, in.Video)
		if err != nil {
			return err
		}
		factor := conv.PxPerM * side / res
		occ := in.Occlusion
		occ.DistanceMap, occ.ProbabilityMap, occ.NLogProbabilityMap = occlusion.RescaleDistance(occ.DistanceMap, factor)
		occ.Scaling *= factor
		return nil
	}}
}

// WithImputationDefaults fills missing imputation fields with the observed
// ones, so that consumers can treat every instance as imputed.
func WithImputationDefaults(r Reader) Reader {
	return &transformed{r: r, fn: func(in *occlusion.Instance) error {
		if in.Imputation != nil {
			return nil
		}
		mask := make([][]bool, len(in.ObservationMask))
		for n, row := range in.ObservationMask {
			mask[n] = append([]bool(nil), row...)
		}
		in.Imputation = &occlusion.ImputationFields{
			TrueTrajectories:    in.Trajectories,
			TrueObservationMask: mask,
		}
		return nil
	}}
}

// Open applies the read options of cfg to r: quick fix, imputation
// defaults when imputing, and the validation subset when size > 0.
func Open(r Reader, cfg *config.DatasetConfig, conversions *scenemap.ConversionTable) (Reader, error) {
	if cfg.GetQuickFix() {
		if conversions == nil {
			return nil, fmt.Errorf("quick fix needs a conversion table")
		}
		r = QuickFix(r, conversions, cfg)
	}
	if cfg.GetImpute() {
		r = WithImputationDefaults(r)
	}
	if n := cfg.GetValidationSetSize(); n > 0 {
		return SubsampleEvenly(r, n)
	}
	return r, nil
}
