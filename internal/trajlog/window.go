package trajlog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
)

var (
	// ErrNoValidAgents marks a query frame that yields no instance. It is
	// expected at sequence boundaries; callers skip and continue.
	ErrNoValidAgents = errors.New("no valid agents in window")
	// ErrMissingFirstFrame means a valid agent has no row at the first
	// required frame of a block, which indicates a corrupted log.
	ErrMissingFirstFrame = errors.New("current id missing in the first frame")
)

// Extractor cuts multi-agent windows out of a Log.
type Extractor struct {
	PastFrames      int // T_obs, t0 included
	FutureFrames    int // T_pred
	MinPastFrames   int // most recent past frames an agent must be present in
	MinFutureFrames int // first future frames an agent must be present in
	FrameSkip       int
}

// Policy restricts which agents may enter a window. Zero value admits all.
type Policy struct {
	Allowed []int    // agent ids; nil admits every id
	Classes []string // class labels; nil admits every class
}

func (p Policy) admits(r Row) bool {
	if p.Allowed != nil && !slices.Contains(p.Allowed, r.AgentID) {
		return false
	}
	if p.Classes != nil && !slices.Contains(p.Classes, r.Class) {
		return false
	}
	return true
}

// Window is a dense [N][T] block of positions around T0.
// Timestep index PastFrames-1 is T0.
type Window struct {
	T0        int
	Frames    []int // frame number of each timestep index
	AgentIDs  []int
	Positions [][]orb.Point
	// Present is false where a position was filled from a neighbouring frame.
	Present [][]bool
}

// T returns the number of timesteps.
func (w *Window) T() int { return len(w.Frames) }

// N returns the number of agents.
func (w *Window) N() int { return len(w.AgentIDs) }

// Frames returns the window's frame numbers: past frames oldest first, then future.
func (e Extractor) Frames(t0 int) []int {
	frames := make([]int, 0, e.PastFrames+e.FutureFrames)
	for i := e.PastFrames - 1; i >= 0; i-- {
		frames = append(frames, t0-i*e.FrameSkip)
	}
	for i := 1; i <= e.FutureFrames; i++ {
		frames = append(frames, t0+i*e.FrameSkip)
	}
	return frames
}

// Extract returns the window around t0. Agents are ordered as their rows
// appear in frame t0. ErrNoValidAgents is returned (wrapped) when frame t0
// or the first future frame is empty or when no agent qualifies.
func (e Extractor) Extract(l *Log, t0 int, policy Policy) (*Window, error) {
	if e.PastFrames < 1 || e.FutureFrames < 1 || e.FrameSkip < 1 {
		return nil, fmt.Errorf("invalid extractor past=%d future=%d skip=%d", e.PastFrames, e.FutureFrames, e.FrameSkip)
	}

	past := make([]int, e.PastFrames) // past[0] is t0, going backwards
	for i := range past {
		past[i] = t0 - i*e.FrameSkip
	}
	future := make([]int, e.FutureFrames)
	for i := range future {
		future[i] = t0 + (i+1)*e.FrameSkip
	}

	current := l.FrameRows(t0)
	if len(current) == 0 || len(l.byFrame[future[0]]) == 0 {
		return nil, fmt.Errorf("%w: frame=%d", ErrNoValidAgents, t0)
	}

	var valid []int
	for _, r := range current {
		if !policy.admits(r) || !e.present(l, r.AgentID, past[:min(e.MinPastFrames, len(past))]) ||
			!e.present(l, r.AgentID, future[:min(e.MinFutureFrames, len(future))]) {
			continue
		}
		valid = append(valid, r.AgentID)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: frame=%d", ErrNoValidAgents, t0)
	}

	w := &Window{
		T0:        t0,
		Frames:    e.Frames(t0),
		AgentIDs:  valid,
		Positions: make([][]orb.Point, len(valid)),
		Present:   make([][]bool, len(valid)),
	}
	P, T := e.PastFrames, e.PastFrames+e.FutureFrames
	for n, id := range valid {
		pos := make([]orb.Point, T)
		present := make([]bool, T)

		// past block backwards from t0, holding the later position
		for j, f := range past {
			k := P - 1 - j
			if r, ok := l.Lookup(f, id); ok {
				pos[k], present[k] = orb.Point{r.X, r.Y}, true
			} else if j > 0 {
				pos[k] = pos[k+1]
			} else {
				return nil, fmt.Errorf("%w: agent=%d frame=%d", ErrMissingFirstFrame, id, f)
			}
		}
		// future block forwards, holding the earlier position
		for j, f := range future {
			k := P + j
			if r, ok := l.Lookup(f, id); ok {
				pos[k], present[k] = orb.Point{r.X, r.Y}, true
			} else if j > 0 {
				pos[k] = pos[k-1]
			} else {
				return nil, fmt.Errorf("%w: agent=%d frame=%d", ErrMissingFirstFrame, id, f)
			}
		}
		w.Positions[n] = pos
		w.Present[n] = present
	}
	return w, nil
}

func (e Extractor) present(l *Log, agent int, frames []int) bool {
	for _, f := range frames {
		if _, ok := l.Lookup(f, agent); !ok {
			return false
		}
	}
	return true
}
