package occlusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/occlusion.dataset/internal/cases"
	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/geometry"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/scenemap"
	"github.com/banshee-data/occlusion.dataset/internal/trajlog"
)

// Generator computes the instance of every case in a catalog. It is safe
// for concurrent use; the raster cache is its only shared mutable state.
type Generator struct {
	catalog     *cases.Catalog
	logs        trajlog.Logs
	rasters     *scenemap.RasterCache
	conversions *scenemap.ConversionTable
	proc        *Processor
	extractor   trajlog.Extractor

	pastFrames int // configured T_obs; case timesteps are relative to it
	frameSkip  int
	randRot    float64
	seed       int64
}

// GeneratorDeps are the loaded inputs of a Generator.
type GeneratorDeps struct {
	Catalog     *cases.Catalog
	Logs        trajlog.Logs
	Rasters     *scenemap.RasterCache
	Conversions *scenemap.ConversionTable
}

// NewGenerator builds a generator for cfg. Every dependency is required.
func NewGenerator(cfg *config.DatasetConfig, deps GeneratorDeps) (*Generator, error) {
	if deps.Catalog == nil || deps.Logs == nil || deps.Rasters == nil || deps.Conversions == nil {
		return nil, fmt.Errorf("generator needs a catalog, logs, a raster cache and a conversion table")
	}
	proc, err := NewProcessor(ProcessorConfigFrom(cfg))
	if err != nil {
		return nil, err
	}
	pc := proc.Config()
	g := &Generator{
		catalog:     deps.Catalog,
		logs:        deps.Logs,
		rasters:     deps.Rasters,
		conversions: deps.Conversions,
		proc:        proc,
		extractor: trajlog.Extractor{
			PastFrames:      pc.TObs,
			FutureFrames:    pc.TPred,
			MinPastFrames:   min(cfg.GetMinPastFrames(), pc.TObs),
			MinFutureFrames: cfg.GetMinFutureFrames(),
			FrameSkip:       cfg.GetFrameSkip(),
		},
		pastFrames: cfg.GetPastFrames(),
		frameSkip:  cfg.GetFrameSkip(),
		randRot:    cfg.GetRandRotScene(),
		seed:       cfg.GetSeed(),
	}
	return g, nil
}

// Len returns the number of cases.
func (g *Generator) Len() int { return g.catalog.Len() }

// Processor returns the processor used for every case.
func (g *Generator) Processor() *Processor { return g.proc }

// Catalog returns the case catalog.
func (g *Generator) Catalog() *cases.Catalog { return g.catalog }

// CurrentFrame returns t0, the last observed frame of a window that
// starts at frame start. A shortened observation window keeps t0.
func (g *Generator) CurrentFrame(start int) int {
	return start + (g.pastFrames-1)*g.frameSkip
}

// Theta returns the scene rotation of case idx, in degrees. It depends
// only on the seed and idx.
func (g *Generator) Theta(idx int) float64 {
	if g.randRot == 0 {
		return 0
	}
	r := rand.New(rand.NewPCG(uint64(g.seed), uint64(idx)))
	return r.Float64() * 360 * g.randRot
}

// Instance computes the instance of case idx. A window without valid
// agents yields a wrapped trajlog.ErrNoValidAgents.
func (g *Generator) Instance(idx int) (*Instance, error) {
	c, err := g.catalog.Case(idx)
	if err != nil {
		return nil, err
	}
	list, err := g.catalog.AgentList(c.LookupIdx)
	if err != nil {
		return nil, err
	}
	target, err := g.catalog.Target(c)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", c.Name(), err)
	}
	log, err := g.logs.Get(c.Scene, c.Video)
	if err != nil {
		return nil, err
	}

	t0 := g.CurrentFrame(c.Timestep)
	w, err := g.extractor.Extract(log, t0, trajlog.Policy{Allowed: list.Targets})
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", c.Name(), err)
	}

	padded, err := g.rasters.Padded(c.Scene, c.Video)
	if err != nil {
		return nil, err
	}
	conv, err := g.conversions.Lookup(c.Scene, c.Video)
	if err != nil {
		return nil, err
	}

	pad := float64(g.rasters.Padding())
	gm := scenemap.NewGeometricMap(padded, scenemap.TranslationMatrix(pad, pad))
	theta := g.Theta(idx)
	gm.RotateAroundCenter(theta)

	pc := NoOcclusionCase()
	if c.Occluded() {
		pc = Case{
			Ego:           c.Ego,
			Occluder:      geometry.Segment{c.Occluder[0], c.Occluder[1]},
			TargetAgentID: target,
			CenterAgentID: list.CenterAgentID,
		}
	}

	in, err := g.proc.Process(Input{
		Map:       gm,
		AgentIDs:  w.AgentIDs,
		Positions: w.Positions,
		Case:      pc,
		MPerPx:    conv.MPerPx,
	})
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", c.Name(), err)
	}
	in.Index = idx
	in.SimID = c.SimID
	in.Scene = c.Scene
	in.Video = c.Video
	in.Frame = c.Timestep
	in.Trial = c.Trial
	in.Theta = theta

	monitoring.Tracef("case %s: n=%d theta=%.2f occluded=%t", c.Name(), in.N(), theta, c.Occluded())
	return in, nil
}
