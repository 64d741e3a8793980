package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/five82/vbc/internal/config"
	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/metadata"
)

// Logger is the minimal logging capability the executor needs.
type Logger interface {
	Info(format string, args ...any)
	Debug(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// Publisher is satisfied by *eventbus.Bus; kept as a narrow interface so
// the executor package does not import eventbus directly.
type Publisher interface {
	Publish(domain.Event)
}

// Executor runs the per-job state machine for a single VideoFile.
// All fields are read-only after construction; a single Executor instance
// is shared by every worker goroutine in the scheduler's pool.
type Executor struct {
	Config *config.AppConfig
	Bus    Publisher
	Cache  *metadata.Cache
	Log    Logger

	Probe metadata.ProbeFunc
	Exif  metadata.ExifFunc
}

// NewExecutor wires the default ffprobe/exiftool adapters. Tests construct
// an Executor literal directly with fakes instead.
func NewExecutor(cfg *config.AppConfig, bus Publisher, cache *metadata.Cache, log Logger) *Executor {
	if log == nil {
		log = noopLogger{}
	}
	return &Executor{
		Config: cfg,
		Bus:    bus,
		Cache:  cache,
		Log:    log,
		Probe:  metadata.Probe,
		Exif:   metadata.ExtractExifInfo,
	}
}

var (
	autorotateMu    sync.Mutex
	autorotateCache = map[string]*regexp.Regexp{}
)

func compileAutorotate(pattern string) *regexp.Regexp {
	autorotateMu.Lock()
	defer autorotateMu.Unlock()
	if re, ok := autorotateCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	autorotateCache[pattern] = re
	return re
}

// Run executes the full state machine for one file: admission, probe,
// color-space remediation, classification, parameter selection, encode
// (with GPU->CPU fallback), and finalization (metadata copy + ratio
// check). ctx carries the scheduler's shutdown signal; it is checked at
// every suspension point inside Compress.
func (e *Executor) Run(ctx context.Context, outputPath string, vf *domain.VideoFile) *domain.CompressionJob {
	job := domain.NewJob(vf, outputPath)
	errPath := errSidecarPath(outputPath)
	start := time.Now()
	job.StartedAt = start
	defer func() { job.Elapsed = time.Since(start) }()

	// 1. Admission.
	if _, err := os.Stat(errPath); err == nil && !e.Config.CleanErrors {
		return e.finishSkipped(job, start, "Existing error marker found")
	}

	// 2. Probe, through the shared metadata cache.
	meta, failureEvent, ok := e.Cache.GetOrProbe(vf.Path, e.Probe, e.Exif, toMetadataRules(e.Config.DynamicCQ), e.Config.UseExif, e.Config.Debug)
	if !ok {
		if failureEvent != nil {
			_ = writeErrSidecar(errPath, failureEvent.ErrorMessage)
			job.Status = domain.StatusFailed
			job.ErrorMessage = failureEvent.ErrorMessage
			job.Elapsed = time.Since(start)
			e.Bus.Publish(domain.NewJobFailed(job, failureEvent.ErrorMessage))
		}
		return job
	}
	vf.Metadata = meta

	e.Bus.Publish(domain.NewJobStarted(job))
	job.Status = domain.StatusProcessing

	// 3. Color-space remediation.
	sourcePath := vf.Path
	var colorFixPath string
	if meta.ColorSpace == "reserved" && (meta.Codec == "hevc" || meta.Codec == "h264") {
		colorFixPath = filepath.Join(filepath.Dir(outputPath), strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))+"_colorfix.mp4")
		_ = os.MkdirAll(filepath.Dir(colorFixPath), 0o755)
		fixCtx, cancelFix := context.WithTimeout(ctx, colorFixTimeout)
		err := ApplyColorFix(fixCtx, sourcePath, colorFixPath, meta.Codec)
		cancelFix()
		if err == nil {
			sourcePath = colorFixPath
		} else {
			e.Log.Info("color space fix failed for %s, proceeding with original file: %v", vf.Path, err)
			colorFixPath = ""
		}
	}
	defer func() {
		if colorFixPath != "" {
			_ = os.Remove(colorFixPath)
		}
	}()

	// 4. Classification.
	if e.Config.SkipAV1 && strings.Contains(meta.Codec, "av1") {
		return e.finishSkipped(job, start, "Already encoded in AV1")
	}
	if len(e.Config.FilterCameras) > 0 && !anyContains(e.Config.FilterCameras, meta.CameraModel) {
		return e.finishSkipped(job, start, fmt.Sprintf("Camera model %q not in filter", meta.CameraModel))
	}

	// 5. Parameter selection.
	cq := e.Config.ResolveCQ(meta.CustomCQ, meta.CameraModel)
	rotation := e.resolveRotation(vf.Path)
	job.Rotation = rotation

	// 6-8. Encode, with progress/signal handling and GPU->CPU fallback.
	gpu := e.Config.GPU
	outcome := e.encodeWithFallback(ctx, job, sourcePath, outputPath, cq, gpu, meta.Duration)

	job.Elapsed = time.Since(start)

	switch outcome.Status {
	case domain.StatusInterrupted:
		job.Status = domain.StatusInterrupted
		job.ErrorMessage = outcome.ErrorMessage
		// An interrupt intentionally does not write .err, so a re-run
		// without clean_errors retries the file.
		return job
	case domain.StatusHWCapLimit:
		job.Status = domain.StatusHWCapLimit
		job.ErrorMessage = outcome.ErrorMessage
		_ = writeErrSidecar(errPath, outcome.ErrorMessage)
		e.Bus.Publish(domain.NewHardwareCapabilityExceeded(job))
		e.Bus.Publish(domain.NewJobFailed(job, outcome.ErrorMessage))
		return job
	case domain.StatusFailed:
		job.Status = domain.StatusFailed
		job.ErrorMessage = outcome.ErrorMessage
		_ = writeErrSidecar(errPath, outcome.ErrorMessage)
		e.Bus.Publish(domain.NewJobFailed(job, outcome.ErrorMessage))
		return job
	}

	// 9. Finalization on success.
	job.Status = domain.StatusCompleted
	e.finalizeSuccess(job, vf, outputPath, cq, errPath)
	job.Elapsed = time.Since(start)
	e.Bus.Publish(domain.NewJobCompleted(job))
	return job
}

func (e *Executor) encodeWithFallback(ctx context.Context, job *domain.CompressionJob, sourcePath, outputPath string, cq int, gpu bool, duration float64) CompressOutcome {
	tmpPath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".tmp"
	_ = os.MkdirAll(filepath.Dir(tmpPath), 0o755)

	params := EncodeParams{GPU: gpu, CQ: cq, Rotation: job.Rotation, CopyMetadata: e.Config.CopyMetadata}
	outcome := Compress(ctx, sourcePath, tmpPath, params, duration, func(pct float64) {
		job.Progress = pct
		e.Bus.Publish(domain.NewJobProgressUpdated(job, pct))
	})

	if outcome.ErrorMessage == "color_primaries_error" {
		// Re-enter at most once: an input that is already the remuxed
		// color-fix file does not get fixed again.
		if strings.HasSuffix(sourcePath, "_colorfix.mp4") {
			return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: "Color fix remux did not resolve color primaries"}
		}
		colorFixPath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + "_colorfix.mp4"
		fixCtx, cancelFix := context.WithTimeout(ctx, colorFixTimeout)
		err := ApplyColorFix(fixCtx, sourcePath, colorFixPath, codecGuess(sourcePath))
		cancelFix()
		if err == nil {
			defer os.Remove(colorFixPath)
			outcome = Compress(ctx, colorFixPath, tmpPath, params, duration, func(pct float64) {
				job.Progress = pct
				e.Bus.Publish(domain.NewJobProgressUpdated(job, pct))
			})
			if outcome.ErrorMessage == "color_primaries_error" {
				outcome = CompressOutcome{Status: domain.StatusFailed, ErrorMessage: "Color fix remux did not resolve color primaries"}
			}
		} else {
			return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: "Color fix remux failed"}
		}
	}

	if outcome.Status == domain.StatusHWCapLimit && e.Config.CPUFallback && gpu {
		outcome = Compress(ctx, sourcePath, tmpPath, EncodeParams{GPU: false, CQ: cq, Rotation: job.Rotation, CopyMetadata: e.Config.CopyMetadata}, duration, func(pct float64) {
			job.Progress = pct
			e.Bus.Publish(domain.NewJobProgressUpdated(job, pct))
		})
	}

	if outcome.Status == domain.StatusCompleted {
		if err := os.Rename(tmpPath, outputPath); err != nil {
			return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: fmt.Sprintf("failed to finalize output: %v", err)}
		}
	}
	return outcome
}

// codecGuess picks the bitstream filter when a color_primaries error
// surfaces mid-encode rather than during the upfront probe. hevc is the
// far more common offender, and ApplyColorFix retries with the h264
// variant itself when the hevc filter rejects the stream.
func codecGuess(string) string {
	return "hevc"
}

func (e *Executor) finalizeSuccess(job *domain.CompressionJob, vf *domain.VideoFile, outputPath string, cq int, errPath string) {
	finishedAt := time.Now().UTC().Format(time.RFC3339)
	encoderLabel := "libsvtav1"
	if e.Config.GPU {
		encoderLabel = "av1_nvenc"
	}

	outInfo, statErr := os.Stat(outputPath)
	if statErr == nil {
		job.OutputSize = outInfo.Size()
	}

	if e.Config.CopyMetadata {
		if err := e.copyMetadataWithTimeout(vf.Path, outputPath, cq, encoderLabel, vf.Size, finishedAt); err != nil {
			if err == context.DeadlineExceeded {
				_ = writeErrSidecar(errPath, "ExifTool metadata copy timed out after 30s (2 attempts).")
			} else {
				e.Log.Info("failed to copy deep metadata for %s: %v", filepath.Base(vf.Path), err)
			}
		}
	} else {
		if err := metadata.WriteVBCTags(vf.Path, outputPath, cq, encoderLabel, vf.Size, finishedAt); err != nil {
			e.Log.Info("failed to write vbc tags for %s: %v", filepath.Base(outputPath), err)
		}
	}

	// Ratio check: revert to the source if the encode did
	// not shrink the file enough, still reporting COMPLETED.
	if vf.Size > 0 && job.OutputSize > 0 {
		ratio := float64(job.OutputSize) / float64(vf.Size)
		if ratio > 1-e.Config.MinCompressionRatio {
			if err := copyFile(vf.Path, outputPath); err == nil {
				job.ErrorMessage = fmt.Sprintf("Ratio %.2f above threshold, kept original", ratio)
				if info, err := os.Stat(outputPath); err == nil {
					job.OutputSize = info.Size()
				}
			}
		}
	}
}

// metadataCopyTimeout bounds each exiftool deep-copy attempt in debug
// mode; non-debug runs make one unbounded call.
const metadataCopyTimeout = 30 * time.Second

// colorFixTimeout bounds each color-fix remux; a stream copy through a
// bitstream filter that takes longer than this is wedged, not slow.
const colorFixTimeout = 300 * time.Second

// copyMetadataWithTimeout implements the debug/non-debug timeout split:
// debug mode retries once more on a timeout (two 30s attempts total),
// non-debug mode makes a single blocking call with no deadline. Returns
// context.DeadlineExceeded verbatim after the retry budget is exhausted
// so the caller can distinguish a timeout from any other exiftool error.
func (e *Executor) copyMetadataWithTimeout(source, target string, cq int, encoder string, originalSize int64, finishedAt string) error {
	if !e.Config.Debug {
		return metadata.CopyMetadataCtx(context.Background(), source, target, cq, encoder, originalSize, finishedAt)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), metadataCopyTimeout)
		lastErr = metadata.CopyMetadataCtx(ctx, source, target, cq, encoder, originalSize, finishedAt)
		cancel()
		if lastErr == nil {
			return nil
		}
		if lastErr != context.DeadlineExceeded {
			return lastErr
		}
		e.Log.Debug("metadata copy attempt %d/2 timed out for %s", attempt+1, filepath.Base(target))
	}
	return lastErr
}

func (e *Executor) finishSkipped(job *domain.CompressionJob, start time.Time, reason string) *domain.CompressionJob {
	job.Status = domain.StatusSkipped
	job.ErrorMessage = reason
	job.Elapsed = time.Since(start)
	e.Bus.Publish(domain.NewJobFailed(job, reason))
	return job
}

func (e *Executor) resolveRotation(path string) int {
	if e.Config.ManualRotation != nil {
		return *e.Config.ManualRotation
	}
	name := filepath.Base(path)
	for _, p := range e.Config.AutorotatePatterns {
		if re := compileAutorotate(p.Pattern); re != nil && re.MatchString(name) {
			return p.Angle
		}
	}
	return 0
}

func anyContains(filters []string, cameraModel string) bool {
	if cameraModel == "" {
		return false
	}
	for _, f := range filters {
		if f != "" && strings.Contains(cameraModel, f) {
			return true
		}
	}
	return false
}

func errSidecarPath(outputPath string) string {
	return strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".err"
}

func writeErrSidecar(path, message string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(message), 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func toMetadataRules(rules []config.DynamicCQRule) []metadata.DynamicCQRule {
	out := make([]metadata.DynamicCQRule, len(rules))
	for i, r := range rules {
		out[i] = metadata.DynamicCQRule{Pattern: r.Pattern, CQ: r.CQ}
	}
	return out
}
