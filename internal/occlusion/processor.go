package occlusion

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/draw"

	"github.com/banshee-data/occlusion.dataset/internal/config"
	"github.com/banshee-data/occlusion.dataset/internal/geometry"
	"github.com/banshee-data/occlusion.dataset/internal/monitoring"
	"github.com/banshee-data/occlusion.dataset/internal/scenemap"
	"github.com/banshee-data/occlusion.dataset/internal/trajlog"
)

// ErrUnknownOcclusionProcess is returned for a process mode other than
// fully_observed and occlusion_simulation.
var ErrUnknownOcclusionProcess = errors.New("unknown occlusion process")

// NoAgent marks an absent target or centre agent.
const NoAgent = -1

// State is the processing path taken for one instance.
type State int

const (
	StateNoOcclusion State = iota
	StateOcclusionSimulated
)

func (s State) String() string {
	switch s {
	case StateNoOcclusion:
		return "no_occlusion"
	case StateOcclusionSimulated:
		return "occlusion_simulated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ProcessorConfig holds the per-dataset constants of the processor.
type ProcessorConfig struct {
	TObs            int
	TPred           int
	MaxAgents       int
	Resolution      int     // crop side in pixels
	SideLength      float64 // crop side in metres
	TrajScale       float64
	Impute          bool
	Mode            string // config.ProcessFullyObserved or config.ProcessOcclusionSimulation
	DistanceScaling string // config.ScalingMetric or config.ScalingLegacy
	KeepSceneMap    bool   // render the cropped raster into Instance.SceneMap
}

// ProcessorConfigFrom derives the processor constants of cfg.
func ProcessorConfigFrom(cfg *config.DatasetConfig) ProcessorConfig {
	tObs := cfg.GetPastFrames()
	if m := cfg.GetMomentaryTObs(); m > 0 {
		tObs = m
	}
	return ProcessorConfig{
		TObs:            tObs,
		TPred:           cfg.GetFutureFrames(),
		MaxAgents:       cfg.GetMaxTrainAgent(),
		Resolution:      cfg.GetGlobalMapResolution(),
		SideLength:      cfg.GetSceneSideLength(),
		TrajScale:       cfg.GetTrajScale(),
		Impute:          cfg.GetImpute(),
		Mode:            cfg.GetOcclusionProcess(),
		DistanceScaling: cfg.GetDistanceScaling(),
		KeepSceneMap:    cfg.GetStorageFormat() == config.StorageArchive,
	}
}

// Processor turns an extracted window into an Instance. It holds no
// per-instance state and is safe for concurrent use.
type Processor struct {
	cfg ProcessorConfig
}

// NewProcessor validates cfg.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	switch cfg.Mode {
	case config.ProcessFullyObserved, config.ProcessOcclusionSimulation:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOcclusionProcess, cfg.Mode)
	}
	switch cfg.DistanceScaling {
	case config.ScalingMetric, config.ScalingLegacy:
	default:
		return nil, fmt.Errorf("unknown distance scaling %q", cfg.DistanceScaling)
	}
	if cfg.TObs < 1 || cfg.TPred < 1 || cfg.MaxAgents < 1 {
		return nil, fmt.Errorf("invalid processor config t_obs=%d t_pred=%d max_agents=%d", cfg.TObs, cfg.TPred, cfg.MaxAgents)
	}
	if cfg.Resolution < 8 || cfg.SideLength <= 0 || cfg.TrajScale <= 0 {
		return nil, fmt.Errorf("invalid map config resolution=%d side=%g traj_scale=%g", cfg.Resolution, cfg.SideLength, cfg.TrajScale)
	}
	return &Processor{cfg: cfg}, nil
}

// Config returns the processor constants.
func (p *Processor) Config() ProcessorConfig { return p.cfg }

// Case is the occlusion setup of one instance, in the log's coordinate
// frame. A NaN ego point means no occlusion is simulated.
type Case struct {
	Ego           orb.Point
	Occluder      geometry.Segment
	TargetAgentID int
	CenterAgentID int
}

// NoOcclusionCase returns a Case without ego, occluder or target.
func NoOcclusionCase() Case {
	nan := orb.Point{math.NaN(), math.NaN()}
	return Case{Ego: nan, Occluder: geometry.Segment{nan, nan}, TargetAgentID: NoAgent, CenterAgentID: NoAgent}
}

// Occluded reports whether the case carries an ego point.
func (c Case) Occluded() bool {
	return !math.IsNaN(c.Ego[0]) && !math.IsNaN(c.Ego[1])
}

// Input is everything the processor needs for one instance.
type Input struct {
	// Map holds the (padded, rotated) scene raster; its homography maps
	// log coordinates onto raster pixels. Process modifies it.
	Map       *scenemap.GeometricMap
	AgentIDs  []int
	Positions [][]orb.Point // [N][TObs+TPred] in log coordinates
	Case      Case
	MPerPx    float64
}

// caseState accumulates one instance while it moves through the processor.
// All positions are in raster pixels until recenter converts them.
type caseState struct {
	state State
	gm    *scenemap.GeometricMap

	ids       []int
	trajs     [][]orb.Point
	mask      [][]bool
	trueTrajs [][]orb.Point
	trueMask  [][]bool

	ego      orb.Point
	occluder geometry.Segment
	poly     orb.Ring
	fallback geometry.Fallback

	center  orb.Point
	mPerPx  float64
	scaling float64
	visible *BoolMap
}

// Process builds the instance of in. A window in which no agent survives
// the sufficiency filter yields a wrapped trajlog.ErrNoValidAgents.
func (p *Processor) Process(in Input) (*Instance, error) {
	T := p.cfg.TObs + p.cfg.TPred
	if len(in.AgentIDs) == 0 {
		return nil, trajlog.ErrNoValidAgents
	}
	if len(in.Positions) != len(in.AgentIDs) {
		return nil, fmt.Errorf("positions for %d agents, ids for %d", len(in.Positions), len(in.AgentIDs))
	}
	for n, row := range in.Positions {
		if len(row) != T {
			return nil, fmt.Errorf("agent %d has %d timesteps, want %d", in.AgentIDs[n], len(row), T)
		}
	}
	if in.MPerPx <= 0 {
		return nil, fmt.Errorf("invalid m/px %g", in.MPerPx)
	}

	s := &caseState{gm: in.Map, ids: append([]int(nil), in.AgentIDs...), mPerPx: in.MPerPx}
	s.toPixelFrame(in)

	if p.cfg.Mode == config.ProcessOcclusionSimulation && in.Case.Occluded() {
		s.state = StateOcclusionSimulated
		p.simulate(s, in.Case)
	} else {
		s.state = StateNoOcclusion
		p.fullyObserved(s)
	}

	if len(s.ids) == 0 {
		return nil, fmt.Errorf("%w: no agent observed twice", trajlog.ErrNoValidAgents)
	}
	if err := p.recenter(s); err != nil {
		return nil, err
	}
	if p.cfg.Mode == config.ProcessOcclusionSimulation {
		p.rasterize(s)
	}
	return p.finish(s), nil
}

// toPixelFrame maps trajectories and the case geometry onto the raster,
// after which the map's homography is the identity.
func (s *caseState) toPixelFrame(in Input) {
	s.trajs = make([][]orb.Point, len(in.Positions))
	for n, row := range in.Positions {
		s.trajs[n] = s.gm.ToMapPoints(row)
	}
	if in.Case.Occluded() {
		pts := s.gm.ToMapPoints([]orb.Point{in.Case.Ego, in.Case.Occluder[0], in.Case.Occluder[1]})
		s.ego, s.occluder = pts[0], geometry.Segment{pts[1], pts[2]}
	}
	s.gm.SetHomography(scenemap.Identity())
}

// fullyObserved observes every past step and reduces the population to
// the agents closest to the centroid of the current positions.
func (p *Processor) fullyObserved(s *caseState) {
	s.mask = pastMask(len(s.ids), p.cfg.TObs, p.cfg.TPred)
	current := make([]orb.Point, len(s.ids))
	for n := range s.ids {
		current[n] = s.trajs[n][p.cfg.TObs-1]
	}
	s.center = centroid(current, nil)
	if len(s.ids) > p.cfg.MaxAgents {
		all := make([]bool, len(s.ids))
		for i := range all {
			all[i] = true
		}
		keep := capAgents(all, current, s.center, nil, p.cfg.MaxAgents)
		s.retain(keep)
		s.center = centroid(current, keep)
		monitoring.Tracef("fully observed: kept %d of %d agents", len(s.ids), len(keep))
	}
}

// simulate runs visibility, masking, optional imputation, sufficiency and
// population cap.
func (p *Processor) simulate(s *caseState, c Case) {
	s.poly, s.fallback = geometry.VisibilityPolygon(s.ego, s.occluder, s.gm.Bound())
	if s.fallback != geometry.FallbackNone {
		monitoring.Diagf("visibility fallback %s: ego=%v occluder=%v", s.fallback, s.ego, s.occluder)
	}

	s.mask = make([][]bool, len(s.ids))
	for n, row := range s.trajs {
		vis := geometry.ClassifyPoints(row, s.poly)
		for t := p.cfg.TObs; t < len(vis); t++ {
			vis[t] = false
		}
		s.mask[n] = vis
	}
	s.trueMask = s.mask

	if p.cfg.Impute {
		s.trueTrajs = s.trajs
		s.trueMask = cloneMask(s.mask)
		timesteps := make([]float64, p.cfg.TObs+p.cfg.TPred)
		for t := range timesteps {
			timesteps[t] = float64(t)
		}
		imputed := make([][]orb.Point, len(s.trajs))
		for n, row := range s.trajs {
			imputed[n] = imputeTrajectory(row, s.trueMask[n], timesteps, p.cfg.TObs)
		}
		s.trajs = imputed
		s.mask = pastMask(len(s.ids), p.cfg.TObs, p.cfg.TPred)
	}

	sufficient := make([]bool, len(s.ids))
	for n, row := range s.trueMask {
		count := 0
		for _, ok := range row {
			if ok {
				count++
			}
		}
		sufficient[n] = count >= 2
	}

	last := lastObservedIndices(s.mask)
	lastPos := make([]orb.Point, len(s.ids))
	for n, t := range last {
		if t >= 0 {
			lastPos[n] = s.trajs[n][t]
		}
	}

	keep := sufficient
	if countTrue(sufficient) > p.cfg.MaxAgents {
		var exempt []int
		ref := orb.Point{math.NaN(), math.NaN()}
		// the target ranks the others even when it is itself too sparse to keep
		if i := indexOf(s.ids, c.TargetAgentID); i >= 0 && last[i] >= 0 {
			ref = lastPos[i]
		}
		for _, id := range []int{c.TargetAgentID, c.CenterAgentID} {
			if i := indexOf(s.ids, id); i >= 0 && sufficient[i] {
				exempt = append(exempt, i)
			}
		}
		if math.IsNaN(ref[0]) {
			ref = centroid(lastPos, sufficient)
		}
		keep = capAgents(sufficient, lastPos, ref, exempt, p.cfg.MaxAgents)
	}
	dropped := len(s.ids) - countTrue(keep)
	s.retain(keep)
	lastPos = filterPoints(lastPos, keep)
	if dropped > 0 {
		monitoring.Tracef("occlusion: dropped %d agents, kept %d", dropped, len(s.ids))
	}

	s.center = centroid(lastPos, nil)
}

// recenter moves the local origin to the centre point, scales to working
// units and crops the raster around the origin.
func (p *Processor) recenter(s *caseState) error {
	s.scaling = p.cfg.TrajScale * s.mPerPx
	c, k := s.center, s.scaling
	local := func(q orb.Point) orb.Point { return orb.Point{(q[0] - c[0]) * k, (q[1] - c[1]) * k} }

	for n := range s.trajs {
		s.trajs[n] = mapPoints(s.trajs[n], local)
	}
	if s.trueTrajs != nil {
		for n := range s.trueTrajs {
			s.trueTrajs[n] = mapPoints(s.trueTrajs[n], local)
		}
	}
	if s.poly != nil {
		s.poly = geometry.MapRing(s.poly, local)
		s.ego = local(s.ego)
		s.occluder = geometry.Segment{local(s.occluder[0]), local(s.occluder[1])}
	}

	s.gm.Translate(c)
	s.gm.Scale(1 / k)
	half := p.cfg.SideLength * p.cfg.TrajScale / 2
	corners := s.gm.ToMapPoints([]orb.Point{{-half, -half}, {half, half}})
	if err := s.gm.Crop([2]orb.Point{corners[0], corners[1]}, p.cfg.Resolution); err != nil {
		return fmt.Errorf("crop scene map: %w", err)
	}
	s.gm.SetHomography(scenemap.MapHomography(p.cfg.Resolution, p.cfg.SideLength, p.cfg.TrajScale))
	return nil
}

// rasterize classifies every crop pixel against the visibility polygon.
// Without a simulated occlusion the whole crop is visible.
func (p *Processor) rasterize(s *caseState) {
	res := p.cfg.Resolution
	if s.state != StateOcclusionSimulated {
		s.visible = NewBoolMap(res, true)
		return
	}
	h := s.gm.Homography()
	polyPx := geometry.MapRing(s.poly, func(q orb.Point) orb.Point { return scenemap.Apply(h, q) })
	pixels := make([]orb.Point, 0, res*res)
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			pixels = append(pixels, orb.Point{float64(x), float64(y)})
		}
	}
	s.visible = &BoolMap{Res: res, Values: geometry.ClassifyPoints(pixels, polyPx)}
}

// distanceScaling converts crop pixels into distance map units.
func (p *Processor) distanceScaling(mPerPx float64) float64 {
	if p.cfg.DistanceScaling == config.ScalingLegacy {
		return p.cfg.TrajScale * mPerPx
	}
	return p.cfg.TrajScale * p.cfg.SideLength / float64(p.cfg.Resolution)
}

// finish converts the accumulated state into an Instance.
func (p *Processor) finish(s *caseState) *Instance {
	in := &Instance{
		TObs:            p.cfg.TObs,
		TPred:           p.cfg.TPred,
		CenterPoint:     ToVec2(s.center),
		Identities:      s.ids,
		Trajectories:    toVec2s(s.trajs),
		ObservationMask: s.mask,
	}
	in.Velocities = TrueVelocity(in.Trajectories)
	in.ObservedVelocities = ObservedVelocity(in.Trajectories, in.ObservationMask)

	h := s.gm.Homography()
	for i := 0; i < 9; i++ {
		in.MapHomography[i] = h.At(i/3, i%3)
	}

	if s.visible != nil {
		occ := &OcclusionFields{Ego: NaNVec2, Occluder: [2]Vec2{NaNVec2, NaNVec2}, Map: s.visible}
		if s.state == StateOcclusionSimulated {
			occ.Ego = ToVec2(s.ego)
			occ.Occluder = [2]Vec2{ToVec2(s.occluder[0]), ToVec2(s.occluder[1])}
		}
		occ.Scaling = p.distanceScaling(s.mPerPx)
		occ.DistanceMap, occ.ProbabilityMap, occ.NLogProbabilityMap = DeriveMaps(s.visible, occ.Scaling)
		in.Occlusion = occ
	}
	if p.cfg.Impute && p.cfg.Mode == config.ProcessOcclusionSimulation {
		// without a simulated occlusion nothing was imputed
		in.Imputation = &ImputationFields{
			TrueTrajectories:    in.Trajectories,
			TrueObservationMask: cloneMask(s.mask),
		}
		if s.trueTrajs != nil {
			in.Imputation.TrueTrajectories = toVec2s(s.trueTrajs)
			in.Imputation.TrueObservationMask = s.trueMask
		}
	}
	if p.cfg.KeepSceneMap {
		in.SceneMap = toRGBA(s.gm.Image())
	}
	return in
}

// retain keeps the agents flagged in keep, preserving order.
func (s *caseState) retain(keep []bool) {
	var ids []int
	var trajs, trueTrajs [][]orb.Point
	var mask, trueMask [][]bool
	for n, ok := range keep {
		if !ok {
			continue
		}
		ids = append(ids, s.ids[n])
		trajs = append(trajs, s.trajs[n])
		mask = append(mask, s.mask[n])
		if s.trueTrajs != nil {
			trueTrajs = append(trueTrajs, s.trueTrajs[n])
		}
		if s.trueMask != nil {
			trueMask = append(trueMask, s.trueMask[n])
		}
	}
	s.ids, s.trajs, s.mask = ids, trajs, mask
	if s.trueTrajs != nil {
		s.trueTrajs = trueTrajs
	}
	if s.trueMask != nil {
		s.trueMask = trueMask
	}
}

func pastMask(n, tObs, tPred int) [][]bool {
	mask := make([][]bool, n)
	for i := range mask {
		row := make([]bool, tObs+tPred)
		for t := 0; t < tObs; t++ {
			row[t] = true
		}
		mask[i] = row
	}
	return mask
}

func cloneMask(mask [][]bool) [][]bool {
	out := make([][]bool, len(mask))
	for n, row := range mask {
		out[n] = append([]bool(nil), row...)
	}
	return out
}

func countTrue(v []bool) int {
	n := 0
	for _, ok := range v {
		if ok {
			n++
		}
	}
	return n
}

func indexOf(ids []int, id int) int {
	if id == NoAgent {
		return -1
	}
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func filterPoints(pts []orb.Point, keep []bool) []orb.Point {
	var out []orb.Point
	for i, ok := range keep {
		if ok {
			out = append(out, pts[i])
		}
	}
	return out
}

func mapPoints(pts []orb.Point, f func(orb.Point) orb.Point) []orb.Point {
	out := make([]orb.Point, len(pts))
	for i, q := range pts {
		out[i] = f(q)
	}
	return out
}

func toVec2s(rows [][]orb.Point) [][]Vec2 {
	out := make([][]Vec2, len(rows))
	for n, row := range rows {
		v := make([]Vec2, len(row))
		for t, q := range row {
			v[t] = ToVec2(q)
		}
		out[n] = v
	}
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
