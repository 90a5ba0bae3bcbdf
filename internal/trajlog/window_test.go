package trajlog

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLog appends rows for agent moving along x by one unit per frame step.
func buildLog(t *testing.T, agents map[int][]int, skip int) *Log {
	t.Helper()
	l := NewLog()
	// deterministic append order: ascending frame, agent order as listed in ids
	ids := []int{}
	for id := range agents {
		ids = append(ids, id)
	}
	frames := map[int][]int{}
	for _, id := range ids {
		for _, f := range agents[id] {
			frames[f] = append(frames[f], id)
		}
	}
	for f := 0; f <= 200; f++ {
		for _, id := range frames[f] {
			require.NoError(t, l.Append(Row{Frame: f, AgentID: id, X: float64(f / skip), Y: float64(id), Class: "Pedestrian"}))
		}
	}
	return l
}

func framesRange(from, to, skip int) []int {
	var out []int
	for f := from; f <= to; f += skip {
		out = append(out, f)
	}
	return out
}

func TestLogAppendRejectsDuplicates(t *testing.T) {
	t.Parallel()
	l := NewLog()
	require.NoError(t, l.Append(Row{Frame: 1, AgentID: 7}))
	err := l.Append(Row{Frame: 1, AgentID: 7, X: 3})
	assert.ErrorIs(t, err, ErrDuplicateRow)
	assert.Equal(t, 1, l.Len())
}

func TestExtractOrderFollowsCurrentFrame(t *testing.T) {
	t.Parallel()
	l := NewLog()
	ext := Extractor{PastFrames: 2, FutureFrames: 1, MinPastFrames: 2, MinFutureFrames: 1, FrameSkip: 10}
	// frame 10 lists agent 5 before agent 2; frame 0 lists them the other way round
	for _, r := range []Row{
		{Frame: 0, AgentID: 2, X: 0}, {Frame: 0, AgentID: 5, X: 0},
		{Frame: 10, AgentID: 5, X: 1}, {Frame: 10, AgentID: 2, X: 1},
		{Frame: 20, AgentID: 2, X: 2}, {Frame: 20, AgentID: 5, X: 2},
	} {
		require.NoError(t, l.Append(r))
	}

	w, err := ext.Extract(l, 10, Policy{})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2}, w.AgentIDs)
	assert.Equal(t, []int{0, 10, 20}, w.Frames)
	assert.Equal(t, 3, w.T())
	assert.Equal(t, 2, w.N())
}

func TestExtractHoldsLastKnownPosition(t *testing.T) {
	t.Parallel()
	l := NewLog()
	ext := Extractor{PastFrames: 4, FutureFrames: 3, MinPastFrames: 2, MinFutureFrames: 1, FrameSkip: 1}
	// agent 1 missing at frames 0 (past, beyond min span) and 5 (future)
	for _, f := range []int{1, 2, 3, 4, 6} {
		require.NoError(t, l.Append(Row{Frame: f, AgentID: 1, X: float64(f), Y: 0}))
	}

	w, err := ext.Extract(l, 3, Policy{})
	require.NoError(t, err)
	want := []orb.Point{{1, 0}, {1, 0}, {2, 0}, {3, 0}, {4, 0}, {4, 0}, {6, 0}}
	if diff := cmp.Diff(want, w.Positions[0]); diff != "" {
		t.Errorf("positions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []bool{false, true, true, true, true, false, true}, w.Present[0])
}

func TestExtractValidity(t *testing.T) {
	t.Parallel()
	skip := 12
	ext := Extractor{PastFrames: 3, FutureFrames: 2, MinPastFrames: 3, MinFutureFrames: 2, FrameSkip: skip}
	l := buildLog(t, map[int][]int{
		1: framesRange(0, 48, skip),  // full window
		2: framesRange(12, 48, skip), // misses the oldest past frame
		3: framesRange(0, 36, skip),  // misses the last future frame
	}, skip)

	w, err := ext.Extract(l, 24, Policy{})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, w.AgentIDs)

	lenient := ext
	lenient.MinPastFrames = 2
	lenient.MinFutureFrames = 1
	w, err = lenient.Extract(l, 24, Policy{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3}, w.AgentIDs)
}

func TestExtractPolicy(t *testing.T) {
	t.Parallel()
	l := NewLog()
	for f := 0; f < 3; f++ {
		require.NoError(t, l.Append(Row{Frame: f, AgentID: 1, Class: "Pedestrian"}))
		require.NoError(t, l.Append(Row{Frame: f, AgentID: 2, Class: "Biker"}))
		require.NoError(t, l.Append(Row{Frame: f, AgentID: 3, Class: "Pedestrian"}))
	}
	ext := Extractor{PastFrames: 2, FutureFrames: 1, MinPastFrames: 2, MinFutureFrames: 1, FrameSkip: 1}

	w, err := ext.Extract(l, 1, Policy{Classes: []string{"Pedestrian"}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, w.AgentIDs)

	w, err = ext.Extract(l, 1, Policy{Allowed: []int{3, 2}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, w.AgentIDs)
}

func TestExtractSkipsEmptyWindows(t *testing.T) {
	t.Parallel()
	l := NewLog()
	require.NoError(t, l.Append(Row{Frame: 0, AgentID: 1}))
	require.NoError(t, l.Append(Row{Frame: 1, AgentID: 1}))
	require.NoError(t, l.Append(Row{Frame: 2, AgentID: 2}))
	ext := Extractor{PastFrames: 2, FutureFrames: 1, MinPastFrames: 2, MinFutureFrames: 1, FrameSkip: 1}

	tests := []struct {
		name string
		t0   int
	}{
		{"empty current frame", 7},
		{"empty future frame", 2},
		{"no agent spans window", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ext.Extract(l, tt.t0, Policy{})
			assert.True(t, errors.Is(err, ErrNoValidAgents), "got %v", err)
		})
	}
}

func TestExtractMissingFirstFutureFrameIsFatal(t *testing.T) {
	t.Parallel()
	l := NewLog()
	require.NoError(t, l.Append(Row{Frame: 0, AgentID: 1}))
	require.NoError(t, l.Append(Row{Frame: 1, AgentID: 1}))
	require.NoError(t, l.Append(Row{Frame: 2, AgentID: 9})) // someone else fills the first future frame
	ext := Extractor{PastFrames: 2, FutureFrames: 2, MinPastFrames: 2, MinFutureFrames: 0, FrameSkip: 1}

	_, err := ext.Extract(l, 1, Policy{})
	assert.ErrorIs(t, err, ErrMissingFirstFrame)
}

func TestExtractIsDeterministic(t *testing.T) {
	t.Parallel()
	skip := 12
	l := buildLog(t, map[int][]int{4: framesRange(0, 96, skip), 8: framesRange(0, 96, skip)}, skip)
	ext := Extractor{PastFrames: 4, FutureFrames: 3, MinPastFrames: 4, MinFutureFrames: 3, FrameSkip: skip}

	a, err := ext.Extract(l, 48, Policy{})
	require.NoError(t, err)
	b, err := ext.Extract(l, 48, Policy{})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(a, b))
}

func TestExtractorRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := Extractor{PastFrames: 0, FutureFrames: 1, FrameSkip: 1}.Extract(NewLog(), 0, Policy{})
	assert.Error(t, err)
}
