// Package table stores a dataset in one sqlite file: a meta row, one
// preallocated slot per instance and a growable table of agent rows that
// the slots address by row range.
package table

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/occlusion.dataset/internal/db"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrLayout is returned when an instance does not fit the dataset layout.
var ErrLayout = errors.New("dataset layout violation")

// Layout is the fixed shape of a dataset file.
type Layout struct {
	DatasetID  string
	TObs       int
	TPred      int
	Resolution int
	Occlusion  bool // occlusion fields are stored
	Imputation bool // true trajectories and masks are stored
	Capacity   int
}

// T returns the number of timesteps per agent.
func (l Layout) T() int { return l.TObs + l.TPred }

func (l Layout) validate() error {
	switch {
	case l.TObs <= 0 || l.TPred < 0:
		return fmt.Errorf("%w: t_obs %d t_pred %d", ErrLayout, l.TObs, l.TPred)
	case l.Capacity <= 0:
		return fmt.Errorf("%w: capacity %d", ErrLayout, l.Capacity)
	case l.Occlusion && (l.Resolution <= 0 || l.Resolution%8 != 0):
		return fmt.Errorf("%w: resolution %d is not a positive multiple of 8", ErrLayout, l.Resolution)
	}
	return nil
}

// sameShape compares everything but the dataset id.
func (l Layout) sameShape(o Layout) bool {
	l.DatasetID, o.DatasetID = "", ""
	return l == o
}

func openDB(path string) (*db.DB, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.MigrateUp(migrationsFS, "migrations"); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate dataset %s: %w", path, err)
	}
	return d, nil
}

// readLayout returns the stored layout, or ok=false for a fresh file.
func readLayout(d *db.DB) (l Layout, ok bool, err error) {
	err = d.QueryRow(`SELECT dataset_id, t_obs, t_pred, resolution, occlusion, imputation, capacity FROM meta WHERE id = 1`).
		Scan(&l.DatasetID, &l.TObs, &l.TPred, &l.Resolution, &l.Occlusion, &l.Imputation, &l.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return Layout{}, false, nil
	}
	if err != nil {
		return Layout{}, false, fmt.Errorf("read dataset meta: %w", err)
	}
	return l, true, nil
}

// Writer appends instances to a dataset file.
type Writer struct {
	db     *db.DB
	layout Layout
}

// OpenWriter opens the dataset at path for writing. A new file gets the
// given layout and capacity empty slots; an existing one must have the
// same layout and keeps its written slots, so a build can resume.
func OpenWriter(path string, l Layout) (*Writer, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	d, err := openDB(path)
	if err != nil {
		return nil, err
	}
	stored, ok, err := readLayout(d)
	if err != nil {
		d.Close()
		return nil, err
	}
	if ok {
		if !stored.sameShape(l) {
			d.Close()
			return nil, fmt.Errorf("%w: %s has layout %+v, want %+v", ErrLayout, path, stored, l)
		}
		monitoring.Opsf("resuming dataset %s (%s)", path, stored.DatasetID)
		return &Writer{db: d, layout: stored}, nil
	}

	if l.DatasetID == "" {
		l.DatasetID = uuid.NewString()
	}
	if err := initialise(d, l); err != nil {
		d.Close()
		return nil, err
	}
	monitoring.Opsf("created dataset %s (%s) with %d slots", path, l.DatasetID, l.Capacity)
	return &Writer{db: d, layout: l}, nil
}

func initialise(d *db.DB, l Layout) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("begin init tx: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO meta (id, dataset_id, t_obs, t_pred, resolution, occlusion, imputation, capacity, created_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.DatasetID, l.TObs, l.TPred, l.Resolution, l.Occlusion, l.Imputation, l.Capacity, time.Now().UnixNano()); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert meta: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO instances (slot) VALUES (?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare slots: %w", err)
	}
	defer stmt.Close()
	for slot := 0; slot < l.Capacity; slot++ {
		if _, err := stmt.Exec(slot); err != nil {
			tx.Rollback()
			return fmt.Errorf("preallocate slot %d: %w", slot, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit init tx: %w", err)
	}
	return nil
}

// Layout returns the layout of the open file.
func (w *Writer) Layout() Layout { return w.layout }

// Close closes the underlying database.
func (w *Writer) Close() error { return w.db.Close() }

// Written reports whether slot already holds an instance.
func (w *Writer) Written(slot int) (bool, error) {
	var written bool
	err := w.db.QueryRow(`SELECT written FROM instances WHERE slot = ?`, slot).Scan(&written)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: slot %d outside capacity %d", ErrLayout, slot, w.layout.Capacity)
	}
	if err != nil {
		return false, fmt.Errorf("read slot %d: %w", slot, err)
	}
	return written, nil
}

// check validates in against the layout before anything is written.
func (w *Writer) check(slot int, in *occlusion.Instance) error {
	l := w.layout
	if slot < 0 || slot >= l.Capacity {
		return fmt.Errorf("%w: slot %d outside capacity %d", ErrLayout, slot, l.Capacity)
	}
	if in.TObs != l.TObs || in.TPred != l.TPred {
		return fmt.Errorf("%w: instance has %d+%d timesteps, layout %d+%d", ErrLayout, in.TObs, in.TPred, l.TObs, l.TPred)
	}
	if !fitsInt16(in.Frame) {
		return fmt.Errorf("%w: frame %d overflows int16", ErrLayout, in.Frame)
	}
	for _, id := range in.Identities {
		if !fitsInt16(id) {
			return fmt.Errorf("%w: identity %d overflows int16", ErrLayout, id)
		}
	}
	if l.Occlusion {
		if in.Occlusion == nil || in.Occlusion.Map == nil {
			return fmt.Errorf("%w: instance has no occlusion map", ErrLayout)
		}
		if in.Occlusion.Map.Res != l.Resolution {
			return fmt.Errorf("%w: map resolution %d, layout %d", ErrLayout, in.Occlusion.Map.Res, l.Resolution)
		}
	}
	if l.Imputation && in.Imputation == nil {
		return fmt.Errorf("%w: instance has no imputation fields", ErrLayout)
	}
	return nil
}

// Write stores in into slot. In one transaction the agents are appended
// at rows [len, len+n) and the slot is filled with that range.
func (w *Writer) Write(slot int, in *occlusion.Instance) error {
	if err := w.check(slot, in); err != nil {
		return err
	}
	var packed []byte
	if w.layout.Occlusion {
		var err error
		if packed, err = in.Occlusion.Map.PackBits(); err != nil {
			return fmt.Errorf("%w: %v", ErrLayout, err)
		}
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	var written bool
	if err := tx.QueryRow(`SELECT written FROM instances WHERE slot = ?`, slot).Scan(&written); err != nil {
		tx.Rollback()
		return fmt.Errorf("read slot %d: %w", slot, err)
	}
	if written {
		tx.Rollback()
		return fmt.Errorf("%w: slot %d already written", ErrLayout, slot)
	}
	var start int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(agent_row) + 1, 0) FROM agents`).Scan(&start); err != nil {
		tx.Rollback()
		return fmt.Errorf("count agent rows: %w", err)
	}
	end := start + in.N()

	stmt, err := tx.Prepare(`INSERT INTO agents (agent_row, identity, trajectories, mask, observed_velocities, velocities,
		true_observation_mask, true_trajectories) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare agent insert: %w", err)
	}
	defer stmt.Close()
	for n, id := range in.Identities {
		var trueMask, trueTraj []byte
		if w.layout.Imputation {
			trueMask = encodeMask(in.Imputation.TrueObservationMask[n])
			trueTraj = encodeVecs(in.Imputation.TrueTrajectories[n])
		}
		if _, err := stmt.Exec(start+n, id,
			encodeVecs(in.Trajectories[n]), encodeMask(in.ObservationMask[n]),
			encodeVecs(in.ObservedVelocities[n]), encodeVecs(in.Velocities[n]),
			trueMask, trueTraj); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert agent %d of slot %d: %w", id, slot, err)
		}
	}

	ego, occ := occlusion.NaNVec2, [2]occlusion.Vec2{occlusion.NaNVec2, occlusion.NaNVec2}
	var scaling any
	if in.Occlusion != nil {
		ego, occ = in.Occlusion.Ego, in.Occlusion.Occluder
		scaling = in.Occlusion.Scaling
	}
	if _, err := tx.Exec(`UPDATE instances SET written = 1, case_idx = ?, sim_id = ?, scene = ?, video = ?, frame = ?, trial = ?,
		theta = ?, center_x = ?, center_y = ?, lookup_start = ?, lookup_end = ?,
		ego_x = ?, ego_y = ?, occluder_x1 = ?, occluder_y1 = ?, occluder_x2 = ?, occluder_y2 = ?,
		occlusion_map = ?, scaling = ? WHERE slot = ?`,
		in.Index, in.SimID, in.Scene, in.Video, in.Frame, in.Trial,
		in.Theta, float64(in.CenterPoint[0]), float64(in.CenterPoint[1]), start, end,
		nullable(ego[0]), nullable(ego[1]),
		nullable(occ[0][0]), nullable(occ[0][1]), nullable(occ[1][0]), nullable(occ[1][1]),
		packed, scaling, slot); err != nil {
		tx.Rollback()
		return fmt.Errorf("fill slot %d: %w", slot, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit slot %d: %w", slot, err)
	}
	in.LookupIndices = [2]int{start, end}
	return nil
}
