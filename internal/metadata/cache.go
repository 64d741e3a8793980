// Package metadata implements the thread-safe probe/EXIF result cache and
// the normalization rules (codec names, camera models) the rest of the
// pipeline depends on.
package metadata

import (
	"sync"

	"github.com/five82/vbc/internal/domain"
)

// ProbeFunc extracts stream-level metadata (width/height/codec/fps/
// duration/color space) for a path. Adapted by an ffprobe-backed
// implementation elsewhere; kept as a function type so tests can supply
// a fake.
type ProbeFunc func(path string) (domain.Metadata, error)

// ExifFunc extracts camera/provenance metadata for a path given the
// dynamic-CQ table, returning the fields that augment what ProbeFunc
// already populated. A nil ExifFunc disables EXIF enrichment entirely.
type ExifFunc func(path string, dynamicCQ []DynamicCQRule) (ExifInfo, error)

// DynamicCQRule mirrors config.DynamicCQRule without importing the config
// package, keeping this package's public surface dependency-free for
// testing with fakes.
type DynamicCQRule struct {
	Pattern string
	CQ      int
}

// ExifInfo is what an ExifFunc reports back.
type ExifInfo struct {
	CameraModel    string
	CameraRaw      string
	CustomCQ       *int
	BitrateKbps    *float64
	MatchedPattern string
	VBCEncoded     bool
}

// Logger is the minimal logging capability the cache needs.
type Logger interface {
	Info(format string, args ...any)
	Debug(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// Cache memoizes probe+EXIF results per absolute path, with bounded-retry
// failure tracking: once a path's failure count reaches failureLimit it is
// marked permanently failed and GetOrProbe stops retrying it, reporting
// the crossing exactly once even across callers racing the cache.
type Cache struct {
	mu             sync.Mutex
	entries        map[string]*domain.Metadata
	failureCounts  map[string]int
	permanentlyBad map[string]bool
	reported       map[string]bool
	failureLimit   int
	log            Logger
}

// NewCache creates an empty Cache. failureLimit must be >= 1.
func NewCache(failureLimit int, log Logger) *Cache {
	if failureLimit < 1 {
		failureLimit = 1
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Cache{
		entries:        make(map[string]*domain.Metadata),
		failureCounts:  make(map[string]int),
		permanentlyBad: make(map[string]bool),
		reported:       make(map[string]bool),
		failureLimit:   failureLimit,
		log:            log,
	}
}

// FailureEvent describes a path that just crossed the failure limit, for
// the caller to write the .err sidecar and publish JobFailed exactly once.
type FailureEvent struct {
	Path         string
	ErrorMessage string
}

// GetOrProbe returns the cached metadata for path, or computes it via
// probe (and exif, if provided) and caches the result. If the path has
// already permanently failed, it returns (nil, nil, false) without
// retrying. On a fresh failure that crosses failureLimit, ok is false,
// event is non-nil, and the caller must treat event as a one-shot notification: write the .err
// marker and publish JobFailed, but only the first time (GetOrProbe itself
// de-duplicates via the reported set, so repeat callers after the limit
// simply get (nil, nil, false)).
func (c *Cache) GetOrProbe(path string, probe ProbeFunc, exif ExifFunc, dynamicCQ []DynamicCQRule, useExif bool, debug bool) (meta *domain.Metadata, event *FailureEvent, ok bool) {
	c.mu.Lock()
	if cached, found := c.entries[path]; found {
		c.mu.Unlock()
		return cached, nil, true
	}
	if c.permanentlyBad[path] {
		c.mu.Unlock()
		return nil, nil, false
	}
	attempt := c.failureCounts[path] + 1
	c.mu.Unlock()

	if debug {
		c.log.Debug("metadata cache miss: %s (attempt %d/%d)", path, attempt, c.failureLimit)
	}

	m, err := probe(path)
	if err != nil {
		return c.recordFailure(path, err)
	}

	if useExif && exif != nil {
		if info, exifErr := exif(path, dynamicCQ); exifErr == nil {
			m.CameraModel = info.CameraModel
			m.CameraRaw = info.CameraRaw
			m.CustomCQ = info.CustomCQ
			m.BitrateKbps = info.BitrateKbps
			m.VBCEncoded = info.VBCEncoded
			if debug && info.MatchedPattern != "" && info.CustomCQ != nil {
				c.log.Debug("dynamic cq match: %s pattern=%q raw=%q cq=%d", path, info.MatchedPattern, info.CameraRaw, *info.CustomCQ)
			}
		} else if debug {
			c.log.Debug("exif analysis failed for %s: %v", path, exifErr)
		}
	}

	c.mu.Lock()
	c.entries[path] = &m
	delete(c.failureCounts, path)
	c.mu.Unlock()
	return &m, nil, true
}

func (c *Cache) recordFailure(path string, probeErr error) (*domain.Metadata, *FailureEvent, bool) {
	c.mu.Lock()
	failures := c.failureCounts[path] + 1
	c.failureCounts[path] = failures
	limit := c.failureLimit
	crossed := failures >= limit
	if crossed {
		c.permanentlyBad[path] = true
	}
	alreadyReported := c.reported[path]
	if crossed && !alreadyReported {
		c.reported[path] = true
	}
	c.mu.Unlock()

	if crossed {
		c.log.Info("failed to extract metadata for %s (attempt %d/%d); suppressing retries: %v", path, failures, limit, probeErr)
		if alreadyReported {
			return nil, nil, false
		}
		return nil, &FailureEvent{
			Path:         path,
			ErrorMessage: "File is corrupted (ffprobe failed to read). Skipped.",
		}, false
	}
	c.log.Info("failed to extract metadata for %s (attempt %d/%d): %v", path, failures, limit, probeErr)
	return nil, nil, false
}

// IsPermanentlyFailed reports whether path has exhausted its retry budget,
// used by the scheduler to prune such paths from the pending queue.
func (c *Cache) IsPermanentlyFailed(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permanentlyBad[path]
}

// PermanentlyFailedPaths returns a snapshot of every path that has
// exhausted its retry budget.
func (c *Cache) PermanentlyFailedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.permanentlyBad))
	for p, bad := range c.permanentlyBad {
		if bad {
			out = append(out, p)
		}
	}
	return out
}
