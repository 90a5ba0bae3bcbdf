package occlusion

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/interp"
)

// imputeTrajectory fills the unobserved positions before index upto from
// a piecewise-linear fit over the agent's observed (timestep, position)
// pairs, extrapolating with the slope of the first/last observed segment.
// A single observation is held constant. Every other position is returned
// unchanged; with no observation the input is returned as is.
func imputeTrajectory(traj []orb.Point, observed []bool, timesteps []float64, upto int) []orb.Point {
	var xs, px, py []float64
	for t, ok := range observed {
		if ok {
			xs = append(xs, timesteps[t])
			px = append(px, traj[t][0])
			py = append(py, traj[t][1])
		}
	}
	out := make([]orb.Point, len(traj))
	copy(out, traj)

	switch len(xs) {
	case 0:
		return out
	case 1:
		for t := 0; t < upto; t++ {
			if !observed[t] {
				out[t] = orb.Point{px[0], py[0]}
			}
		}
		return out
	}

	fx, fy := newLinearExtrapolator(xs, px), newLinearExtrapolator(xs, py)
	for t := 0; t < upto; t++ {
		if !observed[t] {
			out[t] = orb.Point{fx.predict(timesteps[t]), fy.predict(timesteps[t])}
		}
	}
	return out
}

// linearExtrapolator is interp.PiecewiseLinear extended linearly past both ends.
type linearExtrapolator struct {
	pl     interp.PiecewiseLinear
	xs, ys []float64
}

func newLinearExtrapolator(xs, ys []float64) *linearExtrapolator {
	e := &linearExtrapolator{xs: xs, ys: ys}
	// xs are strictly increasing timesteps, which is all Fit requires
	if err := e.pl.Fit(xs, ys); err != nil {
		panic(err)
	}
	return e
}

func (e *linearExtrapolator) predict(x float64) float64 {
	n := len(e.xs)
	switch {
	case x < e.xs[0]:
		return extrapolate(e.xs[0], e.ys[0], e.xs[1], e.ys[1], x)
	case x > e.xs[n-1]:
		return extrapolate(e.xs[n-2], e.ys[n-2], e.xs[n-1], e.ys[n-1], x)
	}
	return e.pl.Predict(x)
}

func extrapolate(x0, y0, x1, y1, x float64) float64 {
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

// capAgents keeps at most max of the eligible agents, preferring the exempt
// ones and then the closest to ref. Ties keep the original agent order.
func capAgents(eligible []bool, positions []orb.Point, ref orb.Point, exempt []int, max int) []bool {
	keep := make([]bool, len(eligible))
	kept := 0
	for _, i := range exempt {
		if i >= 0 && i < len(eligible) && eligible[i] && !keep[i] && kept < max {
			keep[i] = true
			kept++
		}
	}

	order := make([]int, 0, len(eligible))
	dist := make([]float64, len(eligible))
	for i, ok := range eligible {
		if ok {
			order = append(order, i)
			dist[i] = math.Hypot(positions[i][0]-ref[0], positions[i][1]-ref[1])
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

	for _, i := range order {
		if kept >= max {
			break
		}
		if !keep[i] {
			keep[i] = true
			kept++
		}
	}
	return keep
}

// centroid returns the mean of the points selected by mask.
func centroid(points []orb.Point, mask []bool) orb.Point {
	var c orb.Point
	n := 0
	for i, p := range points {
		if mask == nil || mask[i] {
			c[0] += p[0]
			c[1] += p[1]
			n++
		}
	}
	if n == 0 {
		return orb.Point{math.NaN(), math.NaN()}
	}
	return orb.Point{c[0] / float64(n), c[1] / float64(n)}
}
