// Package vbc provides a Go library for batch AV1 re-encoding.
//
// VBC walks one or more source trees, produces AV1 re-encodes of every
// eligible video under a mirrored output tree, and records per-file
// outcomes as sidecar marker files. It does not invoke ffmpeg/ffprobe/
// exiftool itself in this package's facade beyond wiring the default
// adapters; the pipeline core (discovery, scheduling, the per-job state
// machine, and the event bus) is what this library actually owns.
//
// Basic usage:
//
//	pipeline, err := vbc.New(
//	    vbc.WithInputDirs("/media/camera"),
//	    vbc.WithThreads(8),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vbc.Subscribe(pipeline, func(e domain.JobCompleted) { ... })
//	if err := pipeline.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package vbc

import (
	"context"
	"fmt"

	"github.com/five82/vbc/internal/config"
	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/eventbus"
	"github.com/five82/vbc/internal/executor"
	"github.com/five82/vbc/internal/metadata"
	"github.com/five82/vbc/internal/scheduler"
	"github.com/five82/vbc/internal/ui"
)

// Type aliases re-export the internal domain/config vocabulary at the
// library's root so callers never reach into internal/.
type (
	AppConfig         = config.AppConfig
	DynamicCQRule     = config.DynamicCQRule
	AutorotatePattern = config.AutorotatePattern
	VideoFile         = domain.VideoFile
	Metadata          = domain.Metadata
	CompressionJob    = domain.CompressionJob
	JobStatus         = domain.JobStatus
	Event             = domain.Event
	Snapshot          = ui.Snapshot
)

// Re-exported JobStatus constants.
const (
	StatusPending     = domain.StatusPending
	StatusProcessing  = domain.StatusProcessing
	StatusCompleted   = domain.StatusCompleted
	StatusSkipped     = domain.StatusSkipped
	StatusFailed      = domain.StatusFailed
	StatusHWCapLimit  = domain.StatusHWCapLimit
	StatusInterrupted = domain.StatusInterrupted
)

// Logger is the minimal logging capability the pipeline components
// accept, satisfied by internal/logging.Logger or any test double.
type Logger interface {
	Info(format string, args ...any)
	Debug(format string, args ...any)
}

// Option configures a Pipeline's resolved AppConfig before construction.
type Option func(*buildState)

type buildState struct {
	cfg       *config.AppConfig
	inputDirs []string
	log       Logger
}

// Pipeline wires the event bus, metadata cache, executor, scheduler, and
// UI state projection together for one run. It is the library's sole
// entry point; cmd/vbc is a thin CLI built on top of it.
type Pipeline struct {
	cfg   *config.AppConfig
	bus   *eventbus.Bus
	cache *metadata.Cache
	exec  *executor.Executor
	sched *scheduler.Scheduler
	state *ui.State

	inputDirs []string
}

// New builds a Pipeline from defaults plus opts, validating the resolved
// AppConfig before returning.
func New(opts ...Option) (*Pipeline, error) {
	bs := &buildState{cfg: config.NewAppConfig()}
	for _, opt := range opts {
		opt(bs)
	}
	bs.cfg.ResolveThreads()
	if err := bs.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(bs.inputDirs) == 0 {
		return nil, fmt.Errorf("at least one input directory is required")
	}

	bus := eventbus.New(bs.log)
	cache := metadata.NewCache(bs.cfg.MetadataFailureLimit, bs.log)
	exec := executor.NewExecutor(bs.cfg, bus, cache, bs.log)
	sched := scheduler.New(bs.cfg, bus, exec, cache, bs.log, bs.inputDirs)
	state := ui.New()
	state.Subscribe(bus)

	return &Pipeline{
		cfg:       bs.cfg,
		bus:       bus,
		cache:     cache,
		exec:      exec,
		sched:     sched,
		state:     state,
		inputDirs: bs.inputDirs,
	}, nil
}

// WithInputDirs sets the ordered list of input roots to discover and
// process. Required.
func WithInputDirs(dirs ...string) Option {
	return func(bs *buildState) { bs.inputDirs = dirs }
}

// WithSuffixOutputDirs sets the global output-directory suffix fallback
// (e.g. "_out"), consulted after OutputDirs and before OutputDirMap.
func WithSuffixOutputDirs(suffix string) Option {
	return func(bs *buildState) { bs.cfg.SuffixOutputDirs = suffix }
}

// WithOutputDirs sets a strict per-input-index output directory list,
// the highest-precedence resolution mode.
func WithOutputDirs(dirs ...string) Option {
	return func(bs *buildState) { bs.cfg.OutputDirs = dirs }
}

// WithOutputDirMap sets a caller-supplied input-root -> output-root
// override map, consulted after OutputDirs and SuffixOutputDirs.
func WithOutputDirMap(m map[string]string) Option {
	return func(bs *buildState) { bs.cfg.OutputDirMap = m }
}

// WithThreads sets the initial live max-parallelism ceiling. 0 selects
// auto-sizing; any other value outside [1,16] makes New return an error.
func WithThreads(n int) Option {
	return func(bs *buildState) { bs.cfg.Threads = n }
}

// WithPrefetchFactor sets the multiple of the live thread ceiling the
// scheduler keeps outstanding as in-flight work.
func WithPrefetchFactor(n int) Option {
	return func(bs *buildState) { bs.cfg.PrefetchFactor = n }
}

// WithDefaultCQ sets the fallback constant-quality value used when no
// per-file or dynamic-CQ override applies.
func WithDefaultCQ(cq int) Option {
	return func(bs *buildState) { bs.cfg.DefaultCQ = cq }
}

// WithGPU enables the GPU (av1_nvenc) encode path.
func WithGPU(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.GPU = enabled }
}

// WithCPUFallback enables automatic CPU retry after a hardware-capability
// failure.
func WithCPUFallback(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.CPUFallback = enabled }
}

// WithCopyMetadata enables the deep EXIF/XMP/QuickTime tag copy on
// success; when disabled only VBC-provenance tags are written.
func WithCopyMetadata(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.CopyMetadata = enabled }
}

// WithUseExif enables camera-model/bitrate/provenance EXIF enrichment
// during metadata probing.
func WithUseExif(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.UseExif = enabled }
}

// WithFilterCameras restricts processing to files whose camera model
// contains at least one of the given substrings.
func WithFilterCameras(filters ...string) Option {
	return func(bs *buildState) { bs.cfg.FilterCameras = filters }
}

// WithDynamicCQ sets the ordered camera-model-substring -> CQ override
// table; insertion order is the match-ambiguity tiebreak.
func WithDynamicCQ(rules ...config.DynamicCQRule) Option {
	return func(bs *buildState) { bs.cfg.DynamicCQ = rules }
}

// WithExtensions sets the set of source file extensions discovery
// considers (lowercased, leading dot).
func WithExtensions(exts ...string) Option {
	return func(bs *buildState) { bs.cfg.Extensions = exts }
}

// WithMinSizeBytes sets the minimum source file size discovery accepts.
func WithMinSizeBytes(n int64) Option {
	return func(bs *buildState) { bs.cfg.MinSizeBytes = n }
}

// WithCleanErrors makes discovery delete pre-existing .err sidecars
// unconditionally instead of honoring them as a skip marker.
func WithCleanErrors(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.CleanErrors = enabled }
}

// WithSkipAV1 makes the executor skip files already encoded in AV1.
func WithSkipAV1(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.SkipAV1 = enabled }
}

// WithManualRotation forces a fixed output rotation (0/90/180/270) for
// every job, overriding autorotate pattern matching.
func WithManualRotation(angle int) Option {
	return func(bs *buildState) { bs.cfg.ManualRotation = &angle }
}

// WithAutorotatePatterns sets the ordered filename-regex -> rotation-angle
// table consulted when no manual rotation is set.
func WithAutorotatePatterns(patterns ...config.AutorotatePattern) Option {
	return func(bs *buildState) { bs.cfg.AutorotatePatterns = patterns }
}

// WithMinCompressionRatio sets the revert threshold: an encode whose
// output/input ratio exceeds 1-ratio is discarded in favor of a
// byte-identical copy of the source.
func WithMinCompressionRatio(ratio float64) Option {
	return func(bs *buildState) { bs.cfg.MinCompressionRatio = ratio }
}

// WithQueueSort selects the ordering mode: name, size, size-asc,
// size-desc, ext, dir, or rand.
func WithQueueSort(mode string) Option {
	return func(bs *buildState) { bs.cfg.QueueSort = mode }
}

// WithQueueSeed sets the seed consulted by the "rand" queue-sort mode.
func WithQueueSeed(seed int64) Option {
	return func(bs *buildState) { bs.cfg.QueueSeed = seed }
}

// WithDebug enables verbose logging and the two-attempt metadata-copy
// timeout behavior.
func WithDebug(enabled bool) Option {
	return func(bs *buildState) { bs.cfg.Debug = enabled }
}

// WithLogger injects the logger every pipeline component uses.
func WithLogger(log Logger) Option {
	return func(bs *buildState) { bs.log = log }
}

// Subscribe registers fn for events of E's concrete type, in the order
// registered. It is a thin wrapper over eventbus.Subscribe so callers
// never need to import internal/eventbus directly.
func Subscribe[E Event](p *Pipeline, fn func(E)) {
	eventbus.Subscribe(p.bus, fn)
}

// State returns the UI state projection for this pipeline, for a
// renderer (or a test) to poll via Snapshot.
func (p *Pipeline) State() *ui.State { return p.state }

// Run drives discovery and the scheduler's submit-on-demand/main loop to
// completion (or until ctx is cancelled / an interrupt is published).
func (p *Pipeline) Run(ctx context.Context) error {
	return p.sched.Run(ctx)
}

// RequestShutdown publishes the graceful-shutdown control event:
// in-flight jobs run to completion, pending jobs are no longer accepted.
// A second call before shutdown has taken effect cancels it. This is the
// control-channel surface a driver's keyboard handler publishes through.
func (p *Pipeline) RequestShutdown() {
	p.bus.Publish(domain.NewRequestShutdown())
}

// Interrupt publishes the operator-interrupt control event: pending
// jobs are discarded and every in-flight executor is cancelled, the only
// path that can mark a job INTERRUPTED. A driver's SIGINT handler calls
// this rather than cancelling the run context directly, so the scheduler
// still observes the deterministic discard-and-drain path instead of
// racing dispatch against an externally cancelled context.
func (p *Pipeline) Interrupt() {
	p.bus.Publish(domain.NewInterruptRequested())
}

// AdjustThreads publishes a ThreadControlEvent, adjusting the live
// max-parallelism ceiling by delta within its clamp range.
func (p *Pipeline) AdjustThreads(delta int) {
	p.bus.Publish(domain.NewThreadControlEvent(delta))
}

// RequestRefresh publishes RefreshRequested, asking the scheduler to
// re-run discovery against the same input roots on its next main-loop
// iteration.
func (p *Pipeline) RequestRefresh() {
	p.bus.Publish(domain.NewRefreshRequested())
}
