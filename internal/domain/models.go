// Package domain holds the plain data types shared across the pipeline:
// discovered files, probed metadata, and the jobs that carry them through
// encoding.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// VideoFile is a candidate discovered by the scanner. Metadata is populated
// lazily, exactly once, by the metadata cache; everything else is immutable
// from the moment discovery creates it.
type VideoFile struct {
	Path     string
	Size     int64
	Metadata *Metadata
}

// Metadata is the probed/EXIF-derived description of a VideoFile. Codec
// names are normalized (hvc1/hev1 -> hevc, av01 -> av1, ...).
type Metadata struct {
	Width, Height int
	Codec         string
	AudioCodec    string
	FPS           float64
	Duration      float64
	ColorSpace    string

	CameraModel string // normalized, used for filter/dynamic-CQ matching
	CameraRaw   string // as extracted, before normalization

	CustomCQ    *int
	BitrateKbps *float64
	VBCEncoded  bool
	Megapixels  *int
}

// JobStatus is the closed set of terminal and non-terminal states a
// CompressionJob can occupy.
type JobStatus int

const (
	StatusPending JobStatus = iota
	StatusProcessing
	StatusCompleted
	StatusSkipped
	StatusFailed
	StatusHWCapLimit
	StatusInterrupted
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusHWCapLimit:
		return "hw_cap_limit"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a status ends the job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusFailed, StatusHWCapLimit, StatusInterrupted:
		return true
	default:
		return false
	}
}

// CompressionJob is created by the executor at the moment processing begins
// for a VideoFile, or by the scheduler for a file that fails before an
// executor picks it up; it is mutated by its creator and the UI projection.
type CompressionJob struct {
	ID           uuid.UUID
	Source       *VideoFile
	OutputPath   string
	Rotation     int // 0, 90, 180 or 270
	Status       JobStatus
	ErrorMessage string
	OutputSize   int64
	Elapsed      time.Duration
	Progress     float64 // 0.0-100.0
	StartedAt    time.Time
}

// NewJob creates a job for a source file with a fresh identity.
func NewJob(source *VideoFile, outputPath string) *CompressionJob {
	return &CompressionJob{
		ID:         uuid.New(),
		Source:     source,
		OutputPath: outputPath,
		Status:     StatusPending,
	}
}
