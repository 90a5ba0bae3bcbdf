package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical dataset defaults file.
const DefaultConfigPath = "config/dataset.defaults.json"

// Occlusion process modes.
const (
	ProcessFullyObserved       = "fully_observed"
	ProcessOcclusionSimulation = "occlusion_simulation"
)

// Distance-map scaling conventions.
const (
	// ScalingMetric converts crop pixels to local units using the crop's
	// own pixel size: traj_scale * scene_side_length / resolution.
	ScalingMetric = "metric"
	// ScalingLegacy converts crop pixels with traj_scale * m/px of the
	// source raster, reproducing the historical unit mix.
	ScalingLegacy = "legacy"
)

// Storage formats.
const (
	StorageTable   = "table"
	StorageArchive = "archive"
)

// DatasetConfig holds the parameters of an instance-building run. Fields
// are pointers so that partial JSON files fall back to the Get* defaults.
type DatasetConfig struct {
	// Window params
	PastFrames      *int `json:"past_frames,omitempty"`
	FutureFrames    *int `json:"future_frames,omitempty"`
	MinPastFrames   *int `json:"min_past_frames,omitempty"`
	MinFutureFrames *int `json:"min_future_frames,omitempty"`
	FrameSkip       *int `json:"frame_skip,omitempty"`
	MomentaryTObs   *int `json:"momentary_t_obs,omitempty"` // shortened observation window, fully_observed only

	// Scene params
	TrajScale           *float64 `json:"traj_scale,omitempty"`
	SceneSideLength     *float64 `json:"scene_side_length,omitempty"` // metres
	GlobalMapResolution *int     `json:"global_map_resolution,omitempty"`
	RandRotScene        *float64 `json:"rand_rot_scene,omitempty"` // fraction of a full turn
	PaddingPx           *int     `json:"padding_px,omitempty"`
	Seed                *int64   `json:"seed,omitempty"`

	// Processing params
	MaxTrainAgent    *int    `json:"max_train_agent,omitempty"`
	OcclusionProcess *string `json:"occlusion_process,omitempty"`
	Impute           *bool   `json:"impute,omitempty"`
	DistanceScaling  *string `json:"distance_scaling,omitempty"`

	// Output/read params
	StorageFormat     *string `json:"storage_format,omitempty"`
	QuickFix          *bool   `json:"quick_fix,omitempty"`
	ValidationSetSize *int    `json:"validation_set_size,omitempty"`
	Workers           *int    `json:"workers,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyDatasetConfig returns a DatasetConfig with all fields unset.
func EmptyDatasetConfig() *DatasetConfig {
	return &DatasetConfig{}
}

// LoadDatasetConfig loads a DatasetConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the JSON file keep their defaults.
func LoadDatasetConfig(path string) (*DatasetConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDatasetConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories and
// panics if the file cannot be loaded; intended for tests and tools.
func MustLoadDefaultConfig() *DatasetConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/storage/table/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadDatasetConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks that the configuration values are valid.
func (c *DatasetConfig) Validate() error {
	if c.PastFrames != nil && *c.PastFrames < 2 {
		return fmt.Errorf("past_frames must be at least 2, got %d", *c.PastFrames)
	}
	if c.FutureFrames != nil && *c.FutureFrames < 1 {
		return fmt.Errorf("future_frames must be positive, got %d", *c.FutureFrames)
	}
	if c.GetMinPastFrames() > c.GetPastFrames() || c.GetMinPastFrames() < 1 {
		return fmt.Errorf("min_past_frames must be in [1, %d], got %d", c.GetPastFrames(), c.GetMinPastFrames())
	}
	if c.GetMinFutureFrames() > c.GetFutureFrames() || c.GetMinFutureFrames() < 0 {
		return fmt.Errorf("min_future_frames must be in [0, %d], got %d", c.GetFutureFrames(), c.GetMinFutureFrames())
	}
	if c.FrameSkip != nil && *c.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be positive, got %d", *c.FrameSkip)
	}
	if c.TrajScale != nil && *c.TrajScale <= 0 {
		return fmt.Errorf("traj_scale must be positive, got %f", *c.TrajScale)
	}
	if c.SceneSideLength != nil && *c.SceneSideLength <= 0 {
		return fmt.Errorf("scene_side_length must be positive, got %f", *c.SceneSideLength)
	}
	if res := c.GetGlobalMapResolution(); res <= 0 || res%8 != 0 {
		return fmt.Errorf("global_map_resolution must be a positive multiple of 8, got %d", res)
	}
	if c.MaxTrainAgent != nil && *c.MaxTrainAgent < 1 {
		return fmt.Errorf("max_train_agent must be positive, got %d", *c.MaxTrainAgent)
	}
	if c.PaddingPx != nil && *c.PaddingPx < 0 {
		return fmt.Errorf("padding_px must be non-negative, got %d", *c.PaddingPx)
	}

	switch p := c.GetOcclusionProcess(); p {
	case ProcessFullyObserved, ProcessOcclusionSimulation:
	default:
		return fmt.Errorf("unknown occlusion_process %q", p)
	}
	if c.GetImpute() && c.GetOcclusionProcess() != ProcessOcclusionSimulation {
		return fmt.Errorf("impute requires occlusion_process %q", ProcessOcclusionSimulation)
	}

	if m := c.GetMomentaryTObs(); m != 0 {
		if c.GetOcclusionProcess() != ProcessFullyObserved {
			return fmt.Errorf("momentary_t_obs requires occlusion_process %q", ProcessFullyObserved)
		}
		if m <= 1 || m >= c.GetPastFrames() {
			return fmt.Errorf("momentary_t_obs must be in (1, %d), got %d", c.GetPastFrames(), m)
		}
	}

	switch s := c.GetDistanceScaling(); s {
	case ScalingMetric, ScalingLegacy:
	default:
		return fmt.Errorf("unknown distance_scaling %q", s)
	}
	if c.GetQuickFix() && c.GetDistanceScaling() != ScalingLegacy {
		return fmt.Errorf("quick_fix only applies to %q distance maps", ScalingLegacy)
	}

	switch f := c.GetStorageFormat(); f {
	case StorageTable, StorageArchive:
	default:
		return fmt.Errorf("unknown storage_format %q", f)
	}

	if c.ValidationSetSize != nil && *c.ValidationSetSize < 0 {
		return fmt.Errorf("validation_set_size must be non-negative, got %d", *c.ValidationSetSize)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", *c.Workers)
	}
	return nil
}

// GetPastFrames returns the past_frames value (T_obs) or the default.
func (c *DatasetConfig) GetPastFrames() int {
	if c.PastFrames == nil {
		return 8
	}
	return *c.PastFrames
}

// GetFutureFrames returns the future_frames value (T_pred) or the default.
func (c *DatasetConfig) GetFutureFrames() int {
	if c.FutureFrames == nil {
		return 12
	}
	return *c.FutureFrames
}

// GetMinPastFrames returns the min_past_frames value, defaulting to past_frames.
func (c *DatasetConfig) GetMinPastFrames() int {
	if c.MinPastFrames == nil {
		return c.GetPastFrames()
	}
	return *c.MinPastFrames
}

// GetMinFutureFrames returns the min_future_frames value, defaulting to future_frames.
func (c *DatasetConfig) GetMinFutureFrames() int {
	if c.MinFutureFrames == nil {
		return c.GetFutureFrames()
	}
	return *c.MinFutureFrames
}

// GetFrameSkip returns the frame_skip value or the default.
func (c *DatasetConfig) GetFrameSkip() int {
	if c.FrameSkip == nil {
		return 12
	}
	return *c.FrameSkip
}

// GetMomentaryTObs returns momentary_t_obs, or 0 when disabled.
func (c *DatasetConfig) GetMomentaryTObs() int {
	if c.MomentaryTObs == nil {
		return 0
	}
	return *c.MomentaryTObs
}

// GetTotalFrames returns T = T_obs + T_pred.
func (c *DatasetConfig) GetTotalFrames() int {
	return c.GetPastFrames() + c.GetFutureFrames()
}

func (c *DatasetConfig) GetTrajScale() float64 {
	if c.TrajScale == nil {
		return 1.0
	}
	return *c.TrajScale
}

func (c *DatasetConfig) GetSceneSideLength() float64 {
	if c.SceneSideLength == nil {
		return 80.0
	}
	return *c.SceneSideLength
}

func (c *DatasetConfig) GetGlobalMapResolution() int {
	if c.GlobalMapResolution == nil {
		return 800
	}
	return *c.GlobalMapResolution
}

func (c *DatasetConfig) GetRandRotScene() float64 {
	if c.RandRotScene == nil {
		return 0
	}
	return *c.RandRotScene
}

// GetPaddingPx returns padding_px; the default covers the scene diagonal
// after an arbitrary rotation of the largest reference rasters.
func (c *DatasetConfig) GetPaddingPx() int {
	if c.PaddingPx == nil {
		return 2075
	}
	return *c.PaddingPx
}

func (c *DatasetConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetMaxTrainAgent returns the population cap or the default.
func (c *DatasetConfig) GetMaxTrainAgent() int {
	if c.MaxTrainAgent == nil {
		return 100
	}
	return *c.MaxTrainAgent
}

func (c *DatasetConfig) GetOcclusionProcess() string {
	if c.OcclusionProcess == nil || *c.OcclusionProcess == "" {
		return ProcessOcclusionSimulation
	}
	return *c.OcclusionProcess
}

func (c *DatasetConfig) GetImpute() bool {
	if c.Impute == nil {
		return false
	}
	return *c.Impute
}

func (c *DatasetConfig) GetDistanceScaling() string {
	if c.DistanceScaling == nil || *c.DistanceScaling == "" {
		return ScalingMetric
	}
	return *c.DistanceScaling
}

func (c *DatasetConfig) GetStorageFormat() string {
	if c.StorageFormat == nil || *c.StorageFormat == "" {
		return StorageTable
	}
	return *c.StorageFormat
}

func (c *DatasetConfig) GetQuickFix() bool {
	if c.QuickFix == nil {
		return false
	}
	return *c.QuickFix
}

// GetValidationSetSize returns validation_set_size, or 0 to keep every instance.
func (c *DatasetConfig) GetValidationSetSize() int {
	if c.ValidationSetSize == nil {
		return 0
	}
	return *c.ValidationSetSize
}

func (c *DatasetConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// MapPixelSize returns the size of one cropped-map pixel in local units.
func (c *DatasetConfig) MapPixelSize() float64 {
	return c.GetTrajScale() * c.GetSceneSideLength() / float64(c.GetGlobalMapResolution())
}
