package table

import (
	"fmt"
	"os"
	"sync"

	"github.com/banshee-data/occlusion.dataset/internal/db"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/storage"
)

// Reader reads the written slots of a dataset file in slot order. The
// file is opened on first access; a Reader is safe for concurrent use but
// serialises on its single handle, so parallel consumers take a Worker each.
type Reader struct {
	path string

	mu     sync.Mutex
	db     *db.DB
	layout Layout
	slots  []int
	err    error
}

// NewReader returns a reader of the dataset at path without opening it.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Worker returns a new reader of the same file with its own handle.
func (r *Reader) Worker() *Reader { return NewReader(r.path) }

// Open opens the file if it is not open yet. Later calls return the
// error of the first attempt.
func (r *Reader) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked()
}

func (r *Reader) openLocked() error {
	if r.db != nil || r.err != nil {
		return r.err
	}
	// opening a missing path would create an empty sqlite file
	if _, err := os.Stat(r.path); err != nil {
		r.err = fmt.Errorf("open dataset: %w", err)
		return r.err
	}
	d, err := openDB(r.path)
	if err != nil {
		r.err = err
		return err
	}
	l, ok, err := readLayout(d)
	if err == nil && !ok {
		err = fmt.Errorf("%s is not an initialised dataset", r.path)
	}
	if err == nil {
		r.slots, err = writtenSlots(d)
	}
	if err != nil {
		d.Close()
		r.err = err
		return err
	}
	r.db, r.layout = d, l
	monitoring.Diagf("opened dataset %s: %d of %d slots written", r.path, len(r.slots), l.Capacity)
	return nil
}

func writtenSlots(d *db.DB) ([]int, error) {
	rows, err := d.Query(`SELECT slot FROM instances WHERE written = 1 ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("query written slots: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var s int
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the handle. The reader cannot be reopened.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	r.err = fmt.Errorf("dataset %s is closed", r.path)
	return err
}

// Layout returns the stored layout.
func (r *Reader) Layout() (Layout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(); err != nil {
		return Layout{}, err
	}
	return r.layout, nil
}

// Len returns the number of written instances, or 0 if the file cannot
// be opened.
func (r *Reader) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(); err != nil {
		monitoring.Diagf("dataset %s: %v", r.path, err)
		return 0
	}
	return len(r.slots)
}

// Name returns the case name of instance idx without reading its agents.
func (r *Reader) Name(idx int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(); err != nil {
		return "", err
	}
	if err := storage.CheckIndex(idx, len(r.slots)); err != nil {
		return "", err
	}
	in := &occlusion.Instance{}
	err := r.db.QueryRow(`SELECT sim_id, scene, video, frame, trial FROM instances WHERE slot = ?`, r.slots[idx]).
		Scan(&in.SimID, &in.Scene, &in.Video, &in.Frame, &in.Trial)
	if err != nil {
		return "", fmt.Errorf("read name of slot %d: %w", r.slots[idx], err)
	}
	return storage.InstanceName(in), nil
}

// Instance reads instance idx. Derived occlusion maps are recomputed from
// the packed visibility map with the stored scaling.
func (r *Reader) Instance(idx int) (*occlusion.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.openLocked(); err != nil {
		return nil, err
	}
	if err := storage.CheckIndex(idx, len(r.slots)); err != nil {
		return nil, err
	}
	slot := r.slots[idx]
	l := r.layout

	in := &occlusion.Instance{TObs: l.TObs, TPred: l.TPred}
	var cx, cy float64
	var coords [6]*float64
	var packed []byte
	var scaling *float64
	err := r.db.QueryRow(`SELECT case_idx, sim_id, scene, video, frame, trial, theta, center_x, center_y,
		lookup_start, lookup_end, ego_x, ego_y, occluder_x1, occluder_y1, occluder_x2, occluder_y2,
		occlusion_map, scaling FROM instances WHERE slot = ?`, slot).
		Scan(&in.Index, &in.SimID, &in.Scene, &in.Video, &in.Frame, &in.Trial, &in.Theta, &cx, &cy,
			&in.LookupIndices[0], &in.LookupIndices[1],
			&coords[0], &coords[1], &coords[2], &coords[3], &coords[4], &coords[5],
			&packed, &scaling)
	if err != nil {
		return nil, fmt.Errorf("read slot %d: %w", slot, err)
	}
	in.CenterPoint = occlusion.Vec2{float32(cx), float32(cy)}

	if err := r.readAgents(in); err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}

	if l.Occlusion {
		m, err := occlusion.UnpackBits(l.Resolution, packed)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot, err)
		}
		occ := &occlusion.OcclusionFields{
			Ego: occlusion.Vec2{fromNullable(coords[0]), fromNullable(coords[1])},
			Occluder: [2]occlusion.Vec2{
				{fromNullable(coords[2]), fromNullable(coords[3])},
				{fromNullable(coords[4]), fromNullable(coords[5])},
			},
			Map: m,
		}
		if scaling != nil {
			occ.Scaling = *scaling
		}
		occ.DistanceMap, occ.ProbabilityMap, occ.NLogProbabilityMap = occlusion.DeriveMaps(m, occ.Scaling)
		in.Occlusion = occ
	}
	return in, nil
}

func (r *Reader) readAgents(in *occlusion.Instance) error {
	t := r.layout.T()
	rows, err := r.db.Query(`SELECT identity, trajectories, mask, observed_velocities, velocities,
		true_observation_mask, true_trajectories FROM agents
		WHERE agent_row >= ? AND agent_row < ? ORDER BY agent_row`, in.LookupIndices[0], in.LookupIndices[1])
	if err != nil {
		return fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	if r.layout.Imputation {
		in.Imputation = &occlusion.ImputationFields{}
	}
	for rows.Next() {
		var id int
		var traj, mask, obsVel, vel, trueMask, trueTraj []byte
		if err := rows.Scan(&id, &traj, &mask, &obsVel, &vel, &trueMask, &trueTraj); err != nil {
			return fmt.Errorf("scan agent: %w", err)
		}
		in.Identities = append(in.Identities, id)
		if err := appendVecs(&in.Trajectories, traj, t); err != nil {
			return err
		}
		if err := appendMask(&in.ObservationMask, mask, t); err != nil {
			return err
		}
		if err := appendVecs(&in.ObservedVelocities, obsVel, t); err != nil {
			return err
		}
		if err := appendVecs(&in.Velocities, vel, t); err != nil {
			return err
		}
		if in.Imputation != nil {
			if err := appendMask(&in.Imputation.TrueObservationMask, trueMask, t); err != nil {
				return err
			}
			if err := appendVecs(&in.Imputation.TrueTrajectories, trueTraj, t); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate agents: %w", err)
	}
	if want := in.LookupIndices[1] - in.LookupIndices[0]; len(in.Identities) != want {
		return fmt.Errorf("found %d agent rows, want %d", len(in.Identities), want)
	}
	return nil
}

func appendVecs(dst *[][]occlusion.Vec2, b []byte, t int) error {
	v, err := decodeVecs(b, t)
	if err != nil {
		return err
	}
	*dst = append(*dst, v)
	return nil
}

func appendMask(dst *[][]bool, b []byte, t int) error {
	m, err := decodeMask(b, t)
	if err != nil {
		return err
	}
	*dst = append(*dst, m)
	return nil
}

var (
	_ storage.Reader = (*Reader)(nil)
	_ storage.Namer  = (*Reader)(nil)
	_ storage.Writer = (*Writer)(nil)
)
