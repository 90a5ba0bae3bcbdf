// Package cases holds the pre-generated occlusion cases and the agent
// lists they refer to. The catalog lives in a sqlite file and is loaded
// into memory once; lookups afterwards are lock-free reads.
package cases

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/banshee-data/occlusion.dataset/internal/db"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCaseNotFound is returned for an index or lookup id outside the catalog.
var ErrCaseNotFound = errors.New("occlusion case not found")

// NoTarget marks a case without a target agent.
const NoTarget = -1

// AgentList is the set of agents valid at one window of one video.
type AgentList struct {
	LookupIdx int
	Scene     string
	Video     string
	Timestep  int   // first frame of the window
	Targets   []int // agent ids
	// CenterAgentID is the agent the window was generated around, or NoTarget.
	CenterAgentID int
}

// Case is one occlusion simulation. Ego and occluder are in the pixel
// frame of the unpadded reference image; a NaN ego means no occlusion.
type Case struct {
	SimID     int
	Scene     string
	Video     string
	Timestep  int // first frame of the window
	Trial     int
	LookupIdx int
	// TargetAgentIdx indexes AgentList.Targets, or is NoTarget.
	TargetAgentIdx int
	Ego            orb.Point
	Occluder       [2]orb.Point
}

// Occluded reports whether the case simulates an occlusion.
func (c Case) Occluded() bool {
	return !math.IsNaN(c.Ego[0]) && !math.IsNaN(c.Ego[1])
}

// Name identifies the case in logs and subset lists.
func (c Case) Name() string {
	return fmt.Sprintf("%d-%s-%s-%d-%d", c.SimID, c.Scene, c.Video, c.Timestep, c.Trial)
}

// Catalog is an in-memory, read-only view of the case tables.
type Catalog struct {
	cases []Case
	lists map[int]AgentList
}

// NewCatalog builds a catalog from explicit rows. Cases keep their order.
func NewCatalog(cs []Case, lists []AgentList) *Catalog {
	c := &Catalog{cases: append([]Case(nil), cs...), lists: make(map[int]AgentList, len(lists))}
	for _, l := range lists {
		c.lists[l.LookupIdx] = l
	}
	return c
}

// Open migrates the catalog file at path and loads it.
func Open(path string) (*Catalog, error) {
	d, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return Load(d)
}

// OpenDB opens the catalog database and brings its schema up to date.
func OpenDB(path string) (*db.DB, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := d.MigrateUp(migrationsFS, "migrations"); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return d, nil
}

// Load reads every agent list and case from d. Cases are ordered by
// (sim_id, scene, video, timestep, trial).
func Load(d *db.DB) (*Catalog, error) {
	c := &Catalog{lists: make(map[int]AgentList)}

	rows, err := d.Query(`SELECT lookup_idx, scene, video, timestep, targets, center_agent_id FROM agent_lists`)
	if err != nil {
		return nil, fmt.Errorf("query agent lists: %w", err)
	}
	for rows.Next() {
		var l AgentList
		var targets string
		var center sql.NullInt64
		if err := rows.Scan(&l.LookupIdx, &l.Scene, &l.Video, &l.Timestep, &targets, &center); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent list: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &l.Targets); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode targets of lookup %d: %w", l.LookupIdx, err)
		}
		l.CenterAgentID = NoTarget
		if center.Valid {
			l.CenterAgentID = int(center.Int64)
		}
		c.lists[l.LookupIdx] = l
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent lists: %w", err)
	}

	rows, err = d.Query(`SELECT sim_id, scene, video, timestep, trial, lookup_idx, target_agent_idx,
		ego_x, ego_y, occluder_x1, occluder_y1, occluder_x2, occluder_y2
		FROM occlusion_cases ORDER BY sim_id, scene, video, timestep, trial`)
	if err != nil {
		return nil, fmt.Errorf("query occlusion cases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cs Case
		var target sql.NullInt64
		var coords [6]sql.NullFloat64
		if err := rows.Scan(&cs.SimID, &cs.Scene, &cs.Video, &cs.Timestep, &cs.Trial, &cs.LookupIdx, &target,
			&coords[0], &coords[1], &coords[2], &coords[3], &coords[4], &coords[5]); err != nil {
			return nil, fmt.Errorf("scan occlusion case: %w", err)
		}
		cs.TargetAgentIdx = NoTarget
		if target.Valid {
			cs.TargetAgentIdx = int(target.Int64)
		}
		v := func(i int) float64 {
			if coords[i].Valid {
				return coords[i].Float64
			}
			return math.NaN()
		}
		cs.Ego = orb.Point{v(0), v(1)}
		cs.Occluder = [2]orb.Point{{v(2), v(3)}, {v(4), v(5)}}
		c.cases = append(c.cases, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate occlusion cases: %w", err)
	}

	monitoring.Opsf("loaded %d occlusion cases, %d agent lists from %s", len(c.cases), len(c.lists), d.Path)
	return c, nil
}

// Len returns the number of cases.
func (c *Catalog) Len() int { return len(c.cases) }

// Case returns case i.
func (c *Catalog) Case(i int) (Case, error) {
	if i < 0 || i >= len(c.cases) {
		return Case{}, fmt.Errorf("%w: index %d of %d", ErrCaseNotFound, i, len(c.cases))
	}
	return c.cases[i], nil
}

// AgentList returns the agent list with the given lookup index.
func (c *Catalog) AgentList(lookupIdx int) (AgentList, error) {
	l, ok := c.lists[lookupIdx]
	if !ok {
		return AgentList{}, fmt.Errorf("%w: lookup_idx %d", ErrCaseNotFound, lookupIdx)
	}
	return l, nil
}

// IndexOf returns the index of the case with the given name.
func (c *Catalog) IndexOf(name string) (int, error) {
	for i, cs := range c.cases {
		if cs.Name() == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrCaseNotFound, name)
}

// Target resolves the case's target agent id, or NoTarget.
func (c *Catalog) Target(cs Case) (int, error) {
	if cs.TargetAgentIdx == NoTarget {
		return NoTarget, nil
	}
	l, err := c.AgentList(cs.LookupIdx)
	if err != nil {
		return NoTarget, err
	}
	if cs.TargetAgentIdx < 0 || cs.TargetAgentIdx >= len(l.Targets) {
		return NoTarget, fmt.Errorf("target index %d outside agent list of %d (lookup_idx %d)", cs.TargetAgentIdx, len(l.Targets), cs.LookupIdx)
	}
	return l.Targets[cs.TargetAgentIdx], nil
}
