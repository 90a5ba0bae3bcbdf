// Package trajlog holds per-video multi-agent trajectory logs and extracts
// fixed-length observation/prediction windows from them.
package trajlog

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateRow is returned when an (agent, frame) pair is appended twice.
var ErrDuplicateRow = errors.New("duplicate agent row in frame")

// Row is one observation of one agent in one frame. X and Y are in raw
// log units (pixels of the reference raster for SDD).
type Row struct {
	Frame   int
	AgentID int
	X, Y    float64
	Class   string
}

type rowKey struct {
	frame, agent int
}

// Log is the append-only table of rows of a single (scene, video).
// Rows of a frame keep their insertion order.
type Log struct {
	rows    []Row
	byFrame map[int][]int
	index   map[rowKey]int
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{
		byFrame: make(map[int][]int),
		index:   make(map[rowKey]int),
	}
}

// Append adds a row. A second row for the same agent and frame is rejected.
func (l *Log) Append(r Row) error {
	k := rowKey{r.Frame, r.AgentID}
	if _, dup := l.index[k]; dup {
		return fmt.Errorf("%w: agent=%d frame=%d", ErrDuplicateRow, r.AgentID, r.Frame)
	}
	l.index[k] = len(l.rows)
	l.byFrame[r.Frame] = append(l.byFrame[r.Frame], len(l.rows))
	l.rows = append(l.rows, r)
	return nil
}

// Len returns the number of rows.
func (l *Log) Len() int { return len(l.rows) }

// Rows returns every row in insertion order. The slice must not be modified.
func (l *Log) Rows() []Row { return l.rows }

// FrameRows returns the rows of frame in insertion order.
func (l *Log) FrameRows(frame int) []Row {
	idx := l.byFrame[frame]
	out := make([]Row, len(idx))
	for i, j := range idx {
		out[i] = l.rows[j]
	}
	return out
}

// Lookup returns the row of agent at frame.
func (l *Log) Lookup(frame, agent int) (Row, bool) {
	i, ok := l.index[rowKey{frame, agent}]
	if !ok {
		return Row{}, false
	}
	return l.rows[i], true
}

// Frames returns the distinct frame numbers in ascending order.
func (l *Log) Frames() []int {
	frames := make([]int, 0, len(l.byFrame))
	for f := range l.byFrame {
		frames = append(frames, f)
	}
	sort.Ints(frames)
	return frames
}

// Key identifies the log of one video of one scene.
type Key struct {
	Scene string
	Video string
}

func (k Key) String() string { return k.Scene + "_" + k.Video }

// Logs maps (scene, video) to its log.
type Logs map[Key]*Log

// Get returns the log of scene/video.
func (ls Logs) Get(scene, video string) (*Log, error) {
	l, ok := ls[Key{scene, video}]
	if !ok {
		return nil, fmt.Errorf("no trajectory log for %s_%s", scene, video)
	}
	return l, nil
}

// Keys returns the keys sorted by scene then video.
func (ls Logs) Keys() []Key {
	keys := make([]Key, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scene != keys[j].Scene {
			return keys[i].Scene < keys[j].Scene
		}
		return keys[i].Video < keys[j].Video
	})
	return keys
}
