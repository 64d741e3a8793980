// Package config provides the resolved configuration shape the pipeline
// core consumes. Loading it from YAML or CLI flags is a driver concern and
// lives outside this package; AppConfig is the thing a driver hands in
// already resolved.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Defaults for the per-run knobs the pipeline core consumes.
const (
	DefaultThreads              int     = 4
	DefaultPrefetchFactor       int     = 2
	DefaultCQ                   int     = 45
	DefaultMinSizeBytes         int64   = 1 << 20 // 1 MiB
	DefaultMinCompressionRatio  float64 = 0.1
	DefaultMetadataFailureLimit int     = 1
	DefaultOutputSuffix         string  = "_out"
	MaxThreads                  int     = 16
	MinThreads                  int     = 1
	DefaultQueueSort            string  = "name"
	DefaultPoolSize             int     = 16 // fixed upper pool; current_max_threads gates effective use
)

// DynamicCQRule is one entry of the ordered camera-model -> CQ override
// table. It is a slice of pairs rather than a map because matching must
// follow insertion order (first substring match wins), which a Go map
// cannot guarantee.
type DynamicCQRule struct {
	Pattern string
	CQ      int
}

// AutorotatePattern is one entry of the ordered filename-pattern -> angle
// table, same insertion-order requirement as DynamicCQRule.
type AutorotatePattern struct {
	Pattern string
	Angle   int // 90, 180 or 270
}

// AppConfig is the immutable-for-the-run resolved configuration the
// pipeline core consumes.
type AppConfig struct {
	// General
	Threads              int
	PrefetchFactor       int
	DefaultCQ            int
	GPU                  bool
	CPUFallback          bool
	CopyMetadata         bool
	UseExif              bool
	FilterCameras        []string
	DynamicCQ            []DynamicCQRule
	Extensions           []string
	MinSizeBytes         int64
	CleanErrors          bool
	SkipAV1              bool
	ManualRotation       *int
	MinCompressionRatio  float64
	QueueSort            string
	QueueSeed            int64
	Debug                bool
	MetadataFailureLimit int

	// Autorotate
	AutorotatePatterns []AutorotatePattern

	// Output directory resolution: exactly one of OutputDirs (strict
	// per-input-index mapping), SuffixOutputDirs (global fallback
	// suffix), or OutputDirMap (caller-supplied override) applies, in
	// that precedence order.
	OutputDirs       []string
	SuffixOutputDirs string
	OutputDirMap     map[string]string
}

// NewAppConfig returns an AppConfig populated with defaults; callers
// override fields as needed before calling Validate.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Threads:              0, // 0 means "auto-size from host capacity", resolved by ResolveThreads
		PrefetchFactor:       DefaultPrefetchFactor,
		DefaultCQ:            DefaultCQ,
		Extensions:           []string{".mp4", ".mov", ".mkv", ".avi", ".mts", ".m2ts"},
		MinSizeBytes:         DefaultMinSizeBytes,
		MinCompressionRatio:  DefaultMinCompressionRatio,
		QueueSort:            DefaultQueueSort,
		MetadataFailureLimit: DefaultMetadataFailureLimit,
		SuffixOutputDirs:     DefaultOutputSuffix,
	}
}

// ResolveThreads fills in Threads from AutoSizeThreads when the caller
// left it at its zero value. Resolves once, up front, since host
// capacity does not vary per file. Must run before Validate.
func (c *AppConfig) ResolveThreads() {
	if c.Threads == 0 {
		c.Threads = AutoSizeThreads()
	}
}

// Validate checks every independently-checkable field and joins all
// failures into a single error rather than stopping at the first one,
// so a config assembled from several override sources reports every
// problem at once.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Threads < MinThreads || c.Threads > MaxThreads {
		errs = append(errs, fmt.Errorf("threads must be %d-%d, got %d", MinThreads, MaxThreads, c.Threads))
	}
	if c.PrefetchFactor < 1 {
		errs = append(errs, fmt.Errorf("prefetch_factor must be at least 1, got %d", c.PrefetchFactor))
	}
	if c.DefaultCQ < 0 || c.DefaultCQ > 63 {
		errs = append(errs, fmt.Errorf("cq must be 0-63, got %d", c.DefaultCQ))
	}
	if c.MinSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("min_size_bytes must be non-negative, got %d", c.MinSizeBytes))
	}
	if c.MinCompressionRatio < 0 || c.MinCompressionRatio >= 1 {
		errs = append(errs, fmt.Errorf("min_compression_ratio must be in [0,1), got %g", c.MinCompressionRatio))
	}
	if c.ManualRotation != nil {
		switch *c.ManualRotation {
		case 0, 90, 180, 270:
		default:
			errs = append(errs, fmt.Errorf("manual_rotation must be 0/90/180/270, got %d", *c.ManualRotation))
		}
	}
	switch c.QueueSort {
	case "name", "size", "size-asc", "size-desc", "ext", "dir", "rand":
	default:
		errs = append(errs, fmt.Errorf("queue_sort %q is not a recognized mode", c.QueueSort))
	}
	if c.QueueSort == "ext" && len(c.Extensions) == 0 {
		errs = append(errs, errors.New("queue_sort \"ext\" requires a non-empty extensions list"))
	}
	if c.MetadataFailureLimit < 1 {
		errs = append(errs, fmt.Errorf("metadata_failure_limit must be at least 1, got %d", c.MetadataFailureLimit))
	}

	outputModes := 0
	if len(c.OutputDirs) > 0 {
		outputModes++
	}
	if c.SuffixOutputDirs != "" {
		outputModes++
	}
	if len(c.OutputDirMap) > 0 {
		outputModes++
	}
	if outputModes == 0 {
		errs = append(errs, errors.New("no output directory resolution mode configured"))
	}

	return errors.Join(errs...)
}

// ResolveCQ returns the CQ to use for a file given its camera model:
// per-file custom CQ first, then the first dynamic-CQ rule whose pattern
// is a substring of the camera model, then the configured default.
func (c *AppConfig) ResolveCQ(customCQ *int, cameraModel string) int {
	if customCQ != nil {
		return *customCQ
	}
	if cameraModel != "" {
		for _, rule := range c.DynamicCQ {
			if rule.Pattern != "" && strings.Contains(cameraModel, rule.Pattern) {
				return rule.CQ
			}
		}
	}
	return c.DefaultCQ
}
