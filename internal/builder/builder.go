// Package builder runs the offline pass that turns occlusion cases into a
// stored dataset. Instances are computed by a pool of workers and handed
// to a single writer strictly in case order.
package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/occlusion"
	"github.com/banshee-data/occlusion.dataset/internal/storage"
	"github.com/banshee-data/occlusion.dataset/internal/trajlog"
)

// Builder copies the instances [start, end) of a source into slots
// [0, end-start) of a writer.
type Builder struct {
	Source  storage.Reader
	Writer  storage.Writer
	Workers int
	// ProgressEvery logs progress after this many written instances; 0 disables it.
	ProgressEvery int
}

// Stats summarises a run.
type Stats struct {
	Written int
	Skipped int // windows without valid agents
	Resumed int // slots already written by an earlier run
	Elapsed time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("%d written, %d skipped, %d resumed in %s", s.Written, s.Skipped, s.Resumed, s.Elapsed.Round(time.Millisecond))
}

type result struct {
	idx int
	in  *occlusion.Instance
	err error
}

type job struct {
	idx int
	out chan<- result
}

// New returns a builder with one worker per workers (at least one).
func New(src storage.Reader, w storage.Writer, workers int) *Builder {
	return &Builder{Source: src, Writer: w, Workers: max(workers, 1), ProgressEvery: 1000}
}

// Run builds instances [start, end). A negative end means the whole
// source. Slots already written are left alone, and windows without
// valid agents are skipped; any other error stops the run.
func (b *Builder) Run(ctx context.Context, start, end int) (Stats, error) {
	began := time.Now()
	var stats Stats
	if end < 0 || end > b.Source.Len() {
		end = b.Source.Len()
	}
	if start < 0 || start > end {
		return stats, fmt.Errorf("invalid range [%d, %d) of %d instances", start, end, b.Source.Len())
	}

	var todo []int
	for idx := start; idx < end; idx++ {
		done, err := b.Writer.Written(idx - start)
		if err != nil {
			return stats, err
		}
		if done {
			stats.Resumed++
			continue
		}
		todo = append(todo, idx)
	}
	if stats.Resumed > 0 {
		monitoring.Opsf("resuming: %d of %d instances already written", stats.Resumed, end-start)
	}

	workers := max(b.Workers, 1)
	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job)
	pending := make(chan chan result, 2*workers)

	g.Go(func() error {
		defer close(jobs)
		defer close(pending)
		for _, idx := range todo {
			out := make(chan result, 1)
			select {
			case pending <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- job{idx: idx, out: out}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				if ctx.Err() != nil {
					j.out <- result{idx: j.idx, err: ctx.Err()}
					continue
				}
				in, err := b.Source.Instance(j.idx)
				j.out <- result{idx: j.idx, in: in, err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		for out := range pending {
			var r result
			select {
			case r = <-out:
			case <-ctx.Done():
				return ctx.Err()
			}
			if errors.Is(r.err, trajlog.ErrNoValidAgents) {
				stats.Skipped++
				monitoring.Diagf("skipping instance %d: %v", r.idx, r.err)
				continue
			}
			if r.err != nil {
				return fmt.Errorf("instance %d: %w", r.idx, r.err)
			}
			if err := b.Writer.Write(r.idx-start, r.in); err != nil {
				return fmt.Errorf("write instance %d: %w", r.idx, err)
			}
			stats.Written++
			if b.ProgressEvery > 0 && stats.Written%b.ProgressEvery == 0 {
				monitoring.Opsf("built %d of %d instances", stats.Written+stats.Skipped, len(todo))
			}
		}
		return nil
	})

	err := g.Wait()
	stats.Elapsed = time.Since(began)
	if err != nil {
		return stats, err
	}
	monitoring.Opsf("build finished: %s", stats)
	return stats, nil
}
