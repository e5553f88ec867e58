package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

// Duration decodes from a duration string ("30s") or a number of seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// PipelineConfig represents the pipeline section of roadnet.json
type PipelineConfig struct {
	ScanRadiusInit          int      `json:"scan_radius_init"`
	ScanRadiusPartitionLoad int      `json:"scan_radius_partition_load"`
	MaxConnectionDistance   int      `json:"max_connection_distance"`
	Interval                Duration `json:"interval"`
	// DeterministicDecorations derives every random choice from the world seed.
	DeterministicDecorations bool     `json:"deterministic_decorations"`
	StructureSelectors       []string `json:"structure_selectors"` // "village", "#landmarks"

	// Spatial index
	BucketSize     int `json:"bucket_size,omitempty"` // 0 = MaxConnectionDistance
	NaiveThreshold int `json:"naive_threshold,omitempty"`
	// MaxEdgesPerNode keeps only the nearest candidates per node; 0 = unbounded.
	MaxEdgesPerNode int `json:"max_edges_per_node,omitempty"`

	// Retry of failed path requests, counted in pipeline cycles.
	MaxRetries      int `json:"max_retries"`
	RetryBaseCycles int `json:"retry_base_cycles,omitempty"`
	RetryMaxCycles  int `json:"retry_max_cycles,omitempty"`

	BuildBudgetPerTick int              `json:"build_budget_per_tick"`
	DecorationInterval int              `json:"decoration_interval,omitempty"`
	Material           string           `json:"material"`
	PartitionSize      int              `json:"partition_size"`
	Anchors            []graph.Position `json:"anchors,omitempty"`
}

// DefaultPipelineConfig returns the settings used when no file is given.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ScanRadiusInit:          256,
		ScanRadiusPartitionLoad: 64,
		MaxConnectionDistance:   128,
		Interval:                Duration(30 * time.Second),
		StructureSelectors:      []string{"village"},
		NaiveThreshold:          32,
		MaxRetries:              3,
		RetryBaseCycles:         1,
		RetryMaxCycles:          16,
		BuildBudgetPerTick:      8,
		DecorationInterval:      8,
		Material:                "gravel",
		PartitionSize:           16,
		Anchors:                 []graph.Position{{}},
	}
}

// applyDefaults fills zero fields from DefaultPipelineConfig.
func (c *PipelineConfig) applyDefaults() {
	def := DefaultPipelineConfig()
	if c.ScanRadiusInit == 0 {
		c.ScanRadiusInit = def.ScanRadiusInit
	}
	if c.ScanRadiusPartitionLoad == 0 {
		c.ScanRadiusPartitionLoad = def.ScanRadiusPartitionLoad
	}
	if c.MaxConnectionDistance == 0 {
		c.MaxConnectionDistance = def.MaxConnectionDistance
	}
	if c.Interval == 0 {
		c.Interval = def.Interval
	}
	if c.NaiveThreshold == 0 {
		c.NaiveThreshold = def.NaiveThreshold
	}
	if c.RetryBaseCycles == 0 {
		c.RetryBaseCycles = def.RetryBaseCycles
	}
	if c.RetryMaxCycles == 0 {
		c.RetryMaxCycles = def.RetryMaxCycles
	}
	if c.BuildBudgetPerTick == 0 {
		c.BuildBudgetPerTick = def.BuildBudgetPerTick
	}
	if c.Material == "" {
		c.Material = def.Material
	}
	if c.PartitionSize == 0 {
		c.PartitionSize = def.PartitionSize
	}
	if c.Anchors == nil {
		c.Anchors = def.Anchors
	}
	c.StructureSelectors = NormalizeSelectors(c.StructureSelectors)
}

// Validate rejects settings the pipeline cannot run with.
func (c *PipelineConfig) Validate() error {
	switch {
	case c.ScanRadiusInit < 0 || c.ScanRadiusPartitionLoad < 0:
		return fmt.Errorf("scan radius must not be negative")
	case c.MaxConnectionDistance <= 0:
		return fmt.Errorf("max_connection_distance must be positive, got %d", c.MaxConnectionDistance)
	case c.Interval <= 0:
		return fmt.Errorf("interval must be positive")
	case c.BucketSize < 0 || c.NaiveThreshold < 0 || c.MaxEdgesPerNode < 0:
		return fmt.Errorf("spatial index settings must not be negative")
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative")
	case c.RetryBaseCycles < 0 || c.RetryMaxCycles < c.RetryBaseCycles:
		return fmt.Errorf("retry cycles must satisfy 0 <= base <= max")
	case c.BuildBudgetPerTick < 0 || c.DecorationInterval < 0:
		return fmt.Errorf("budgets must not be negative")
	case c.PartitionSize <= 0:
		return fmt.Errorf("partition_size must be positive, got %d", c.PartitionSize)
	}
	for _, sel := range c.StructureSelectors {
		if sel == "#" {
			return fmt.Errorf("empty tag selector")
		}
	}
	return nil
}

// EffectiveBucketSize is the grid cell size used by the spatial index.
func (c PipelineConfig) EffectiveBucketSize() int {
	if c.BucketSize > 0 {
		return c.BucketSize
	}
	return c.MaxConnectionDistance
}

// NormalizeSelectors trims, drops empties, dedupes and sorts selectors.
func NormalizeSelectors(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConfigProvider hands out the current pipeline settings. The controller
// calls Current at the start of every cycle.
type ConfigProvider interface {
	Current() PipelineConfig
}

// StaticConfig is a ConfigProvider that never changes.
type StaticConfig PipelineConfig

func (c StaticConfig) Current() PipelineConfig { return PipelineConfig(c) }

// FileConfig is a ConfigProvider backed by a JSON file and reloaded on demand.
type FileConfig struct {
	path    string
	current atomic.Pointer[PipelineConfig]
}

// NewFileConfig loads path. An empty path serves the defaults.
func NewFileConfig(path string) (*FileConfig, error) {
	fc := &FileConfig{path: path}
	if path == "" {
		cfg := DefaultPipelineConfig()
		fc.current.Store(&cfg)
		return fc, nil
	}
	if err := fc.Reload(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Reload re-reads the file. On error the previous settings stay in place.
func (fc *FileConfig) Reload() error {
	if fc.path == "" {
		return nil
	}
	cfg, err := LoadPipelineConfig(fc.path)
	if err != nil {
		return err
	}
	// Stored segments are laid out on the partition grid of the world.
	if prev := fc.current.Load(); prev != nil && prev.PartitionSize != cfg.PartitionSize {
		return fmt.Errorf("partition_size cannot change at runtime (%d -> %d)", prev.PartitionSize, cfg.PartitionSize)
	}
	fc.current.Store(cfg)
	return nil
}

// Set swaps the settings in place, used by tests and embedding hosts.
func (fc *FileConfig) Set(cfg PipelineConfig) {
	fc.current.Store(&cfg)
}

func (fc *FileConfig) Current() PipelineConfig {
	cfg := *fc.current.Load()
	cfg.StructureSelectors = append([]string(nil), cfg.StructureSelectors...)
	cfg.Anchors = append([]graph.Position(nil), cfg.Anchors...)
	return cfg
}
