package cases

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/banshee-data/occlusion.dataset/internal/db"
)

var (
	agentListColumns = []string{"lookup_idx", "scene", "video", "timestep", "targets", "center_agent_id"}
	caseColumns      = []string{"sim_id", "scene", "video", "timestep", "trial", "lookup_idx", "target_agent_idx",
		"ego_x", "ego_y", "occluder_x1", "occluder_y1", "occluder_x2", "occluder_y2"}
)

// ImportCSV loads an agent-list CSV and a case CSV into d in one
// transaction. Targets are agent ids separated by spaces or commas,
// optionally bracketed. An empty or "nan" cell is stored as NULL (no
// centre agent, no target, no ego/occluder).
func ImportCSV(d *db.DB, agentLists, occlusionCases io.Reader) (lists, cs int, err error) {
	tx, err := d.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = readCSV(agentLists, agentListColumns, func(rec map[string]string) error {
		l := AgentList{Scene: rec["scene"], Video: rec["video"], CenterAgentID: NoTarget}
		var perr error
		if l.LookupIdx, perr = strconv.Atoi(strings.TrimSpace(rec["lookup_idx"])); perr != nil {
			return fmt.Errorf("parse lookup_idx: %w", perr)
		}
		if l.Timestep, perr = strconv.Atoi(strings.TrimSpace(rec["timestep"])); perr != nil {
			return fmt.Errorf("parse timestep: %w", perr)
		}
		sep := func(r rune) bool { return r == ' ' || r == ',' }
		for _, f := range strings.FieldsFunc(strings.Trim(rec["targets"], "[] "), sep) {
			id, err := strconv.Atoi(f)
			if err != nil {
				return fmt.Errorf("parse targets %q: %w", rec["targets"], err)
			}
			l.Targets = append(l.Targets, id)
		}
		if v, ok, err := optionalInt(rec["center_agent_id"]); err != nil {
			return fmt.Errorf("parse center_agent_id: %w", err)
		} else if ok {
			l.CenterAgentID = v
		}
		lists++
		return insertAgentList(tx, l)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("import agent lists: %w", err)
	}

	err = readCSV(occlusionCases, caseColumns, func(rec map[string]string) error {
		c := Case{Scene: rec["scene"], Video: rec["video"], TargetAgentIdx: NoTarget}
		for name, dst := range map[string]*int{"sim_id": &c.SimID, "timestep": &c.Timestep, "trial": &c.Trial, "lookup_idx": &c.LookupIdx} {
			v, err := strconv.Atoi(strings.TrimSpace(rec[name]))
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = v
		}
		if v, ok, err := optionalInt(rec["target_agent_idx"]); err != nil {
			return fmt.Errorf("parse target_agent_idx: %w", err)
		} else if ok {
			c.TargetAgentIdx = v
		}
		var coords [6]float64
		for i, name := range caseColumns[7:] {
			v, err := optionalFloat(rec[name])
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			coords[i] = v
		}
		c.Ego = orb.Point{coords[0], coords[1]}
		c.Occluder = [2]orb.Point{{coords[2], coords[3]}, {coords[4], coords[5]}}
		cs++
		return insertCase(tx, c)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("import occlusion cases: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit import: %w", err)
	}
	return lists, cs, nil
}

// Insert writes explicit rows into d in one transaction.
func Insert(d *db.DB, lists []AgentList, cs []Case) (err error) {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, l := range lists {
		if err = insertAgentList(tx, l); err != nil {
			return err
		}
	}
	for _, c := range cs {
		if err = insertCase(tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertAgentList(tx *sql.Tx, l AgentList) error {
	targets, err := json.Marshal(l.Targets)
	if err != nil {
		return err
	}
	if l.Targets == nil {
		targets = []byte("[]")
	}
	var center any
	if l.CenterAgentID != NoTarget {
		center = l.CenterAgentID
	}
	_, err = tx.Exec(`INSERT INTO agent_lists (lookup_idx, scene, video, timestep, targets, center_agent_id) VALUES (?, ?, ?, ?, ?, ?)`,
		l.LookupIdx, l.Scene, l.Video, l.Timestep, string(targets), center)
	if err != nil {
		return fmt.Errorf("insert agent list %d: %w", l.LookupIdx, err)
	}
	return nil
}

func insertCase(tx *sql.Tx, c Case) error {
	var target any
	if c.TargetAgentIdx != NoTarget {
		target = c.TargetAgentIdx
	}
	_, err := tx.Exec(`INSERT INTO occlusion_cases (sim_id, scene, video, timestep, trial, lookup_idx, target_agent_idx,
		ego_x, ego_y, occluder_x1, occluder_y1, occluder_x2, occluder_y2) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SimID, c.Scene, c.Video, c.Timestep, c.Trial, c.LookupIdx, target,
		nullable(c.Ego[0]), nullable(c.Ego[1]),
		nullable(c.Occluder[0][0]), nullable(c.Occluder[0][1]), nullable(c.Occluder[1][0]), nullable(c.Occluder[1][1]))
	if err != nil {
		return fmt.Errorf("insert case %s: %w", c.Name(), err)
	}
	return nil
}

func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func readCSV(r io.Reader, required []string, fn func(map[string]string) error) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	for _, name := range required {
		found := false
		for _, h := range header {
			found = found || h == name
		}
		if !found {
			return fmt.Errorf("missing column %q", name)
		}
	}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		if err := fn(row); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func isEmptyCell(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, "nan")
}

func optionalInt(s string) (int, bool, error) {
	if isEmptyCell(s) {
		return 0, false, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	return v, err == nil, err
}

func optionalFloat(s string) (float64, error) {
	if isEmptyCell(s) {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
