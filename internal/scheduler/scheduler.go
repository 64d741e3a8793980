// Package scheduler implements the dynamic-capacity job scheduler:
// a submit-on-demand worker pool whose live concurrency ceiling, refresh,
// and shutdown are steered by control-origin events arriving on the same
// event bus the pipeline publishes job events to. The pool itself is a
// fixed-size semaphore; the effective parallelism is a sync.Cond-guarded
// ceiling the control channel adjusts live, and errgroup supervises the
// worker goroutines.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/five82/vbc/internal/config"
	"github.com/five82/vbc/internal/discovery"
	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/eventbus"
	"github.com/five82/vbc/internal/executor"
	"github.com/five82/vbc/internal/metadata"
	"github.com/five82/vbc/internal/queue"
	"github.com/five82/vbc/internal/util"
)

// Logger is the minimal logging capability the scheduler needs.
type Logger interface {
	Info(format string, args ...any)
	Debug(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// preloadAhead is how many queued files the submit-on-demand loop primes
// metadata for, so the renderer can preview upcoming jobs.
const preloadAhead = 25

// interruptGrace is how long an interrupt shutdown waits for in-flight
// jobs to vacate before giving up on the drain and returning.
const interruptGrace = 10 * time.Second

// mainLoopPoll bounds how long the main loop waits for any in-flight job
// to complete before re-checking shutdown/refresh state.
const mainLoopPoll = 1 * time.Second

// staleTempFileAge is how old an orphaned ".tmp"/"_colorfix.mp4" sidecar
// must be before ensureOutputRootsReady sweeps it up as debris from a
// previous run that never reached its executor's cleanup.
const staleTempFileAge = 24 * time.Hour

// Scheduler owns the pending deque and in-flight set for one run. It
// subscribes itself to the control-origin events (RequestShutdown,
// InterruptRequested, ThreadControlEvent, RefreshRequested), so the
// control channel feeds it through the bus rather than through a
// bespoke channel type.
type Scheduler struct {
	cfg       *config.AppConfig
	bus       *eventbus.Bus
	exec      *executor.Executor
	cache     *metadata.Cache
	log       Logger
	inputDirs []string
	sem       *semaphore.Weighted

	mu                 sync.Mutex
	cond               *sync.Cond
	activeThreads      int
	currentMaxThreads  int
	shutdownRequested  bool
	interruptRequested bool
	refreshRequested   bool

	pending  []*domain.VideoFile
	inFlight map[string]*domain.VideoFile

	interruptedAt   time.Time
	interruptCancel context.CancelFunc
}

// New builds a Scheduler for one run over inputDirs, with an initial
// max-thread ceiling of cfg.Threads and a fixed pool of
// config.DefaultPoolSize goroutines.
func New(cfg *config.AppConfig, bus *eventbus.Bus, exec *executor.Executor, cache *metadata.Cache, log Logger, inputDirs []string) *Scheduler {
	if log == nil {
		log = noopLogger{}
	}
	s := &Scheduler{
		cfg:               cfg,
		bus:               bus,
		exec:              exec,
		cache:             cache,
		log:               log,
		inputDirs:         inputDirs,
		sem:               semaphore.NewWeighted(int64(config.DefaultPoolSize)),
		currentMaxThreads: cfg.Threads,
		inFlight:          make(map[string]*domain.VideoFile),
	}
	s.cond = sync.NewCond(&s.mu)
	s.subscribeControl()
	return s
}

func (s *Scheduler) subscribeControl() {
	eventbus.Subscribe(s.bus, func(domain.RequestShutdown) { s.onShutdownToggle() })
	eventbus.Subscribe(s.bus, func(domain.InterruptRequested) { s.onInterrupt() })
	eventbus.Subscribe(s.bus, func(e domain.ThreadControlEvent) { s.onThreadControl(e.Delta) })
	eventbus.Subscribe(s.bus, func(domain.RefreshRequested) { s.onRefreshRequested() })
}

// onShutdownToggle implements the shutdown toggle: requesting shutdown a
// second time before it has taken effect cancels the pending shutdown
// instead of being a no-op.
func (s *Scheduler) onShutdownToggle() {
	s.mu.Lock()
	if s.interruptRequested {
		s.mu.Unlock()
		return
	}
	if s.shutdownRequested {
		s.shutdownRequested = false
		s.mu.Unlock()
		s.cond.Broadcast()
		s.bus.Publish(domain.NewActionMessage("SHUTDOWN cancelled"))
		return
	}
	s.shutdownRequested = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.bus.Publish(domain.NewActionMessage("SHUTDOWN requested - will stop after current jobs complete"))
}

// onInterrupt implements the interrupt path: pending jobs are discarded
// and every in-flight executor observes ctx cancellation via
// interruptCancel.
func (s *Scheduler) onInterrupt() {
	s.mu.Lock()
	s.shutdownRequested = true
	s.interruptRequested = true
	s.interruptedAt = time.Now()
	s.pending = nil
	cancel := s.interruptCancel
	s.mu.Unlock()
	s.cond.Broadcast()
	if cancel != nil {
		cancel()
	}
	s.bus.Publish(domain.NewActionMessage("Interrupt requested - stopping running encodes"))
}

// onThreadControl implements the dynamic thread control, clamping to
// [1, 16] and publishing the distinct changed/clamped-max/clamped-min
// feedback text.
func (s *Scheduler) onThreadControl(delta int) {
	s.mu.Lock()
	before := s.currentMaxThreads
	target := before + delta
	clamped := clamp(target, config.MinThreads, config.MaxThreads)
	s.currentMaxThreads = clamped
	s.mu.Unlock()
	s.cond.Broadcast()

	switch {
	case clamped == before:
		if target > config.MaxThreads {
			s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Thread limit already at maximum (%d)", config.MaxThreads)))
		} else if target < config.MinThreads {
			s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Thread limit already at minimum (%d)", config.MinThreads)))
		}
	case target > config.MaxThreads:
		s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Thread limit clamped to maximum (%d)", config.MaxThreads)))
	case target < config.MinThreads:
		s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Thread limit clamped to minimum (%d)", config.MinThreads)))
	default:
		s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Thread limit set to %d", clamped)))
	}
}

func (s *Scheduler) onRefreshRequested() {
	s.mu.Lock()
	s.refreshRequested = true
	s.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run drives discovery, sorts the accepted set, and then the
// submit-on-demand / main loop until the in-flight map is empty and
// either the pending set is empty or a graceful shutdown was requested,
// or until the interrupt grace period expires with jobs still in flight.
// It blocks until the run is finished.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.interruptCancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := s.discover(); err != nil {
		return err
	}

	done := make(chan completion, config.DefaultPoolSize)
	var g errgroup.Group

	for {
		s.submitOnDemand(runCtx, &g, done)

		s.mu.Lock()
		inFlightCount := len(s.inFlight)
		noMoreWork := inFlightCount == 0 && (len(s.pending) == 0 || s.shutdownRequested)
		forceClose := s.interruptRequested && !s.interruptedAt.IsZero() && time.Since(s.interruptedAt) > interruptGrace
		s.mu.Unlock()
		if noMoreWork {
			break
		}
		if forceClose {
			s.log.Info("interrupt grace expired; force-closing the pool with %d job(s) still in flight", inFlightCount)
			break
		}

		select {
		case c := <-done:
			s.completeJob(c)
		case <-time.After(mainLoopPoll):
		}

		s.maybeRefresh()
	}

	// After an interrupt, workers have already observed the cancelled
	// context; give the drain a bounded window rather than blocking on a
	// child encoder that never terminates. done is buffered to pool size,
	// so a worker finishing after the window never blocks on its send.
	waited := make(chan struct{})
	go func() { _ = g.Wait(); close(waited) }()

	s.mu.Lock()
	interrupted := s.interruptRequested
	s.mu.Unlock()
	var deadline <-chan time.Time
	if interrupted {
		deadline = time.After(interruptGrace)
	}
drain:
	for {
		select {
		case c := <-done:
			s.completeJob(c)
		case <-waited:
			break drain
		case <-deadline:
			break drain
		}
	}

	s.bus.Publish(domain.NewProcessingFinished())
	return nil
}

type completion struct {
	path string
	job  *domain.CompressionJob
}

// discover runs one classification pass and seeds the pending deque via
// the configured queue-sort mode.
func (s *Scheduler) discover() error {
	for _, root := range s.inputDirs {
		s.bus.Publish(domain.NewDiscoveryStarted(root))
	}

	if err := s.ensureOutputRootsReady(); err != nil {
		return err
	}

	result, err := discovery.Run(s.cfg, s.inputDirs)
	if err != nil {
		return err
	}

	sorted, err := queue.Sort(result.Pending, s.inputDirs, s.cfg.Extensions, s.cfg.QueueSort, s.cfg.QueueSeed)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending = sorted
	s.mu.Unlock()

	s.bus.Publish(domain.NewDiscoveryFinished(
		result.Counters.FilesFound,
		result.Counters.ToProcess,
		result.Counters.AlreadyCompressed,
		result.Counters.IgnoredSmall,
		result.Counters.IgnoredErr,
		0,
		result.Counters.SourceFoldersCount,
	))
	s.bus.Publish(domain.NewQueueUpdated(snapshot(sorted)))
	return nil
}

// submitOnDemand tops up in-flight work up to prefetch_factor *
// current_max_threads, preloads metadata for the next preloadAhead queued
// files, prunes any path the metadata cache has given up on, and
// publishes the resulting QueueUpdated snapshot.
func (s *Scheduler) submitOnDemand(ctx context.Context, g *errgroup.Group, done chan<- completion) {
	for {
		s.mu.Lock()
		if s.shutdownRequested || len(s.pending) == 0 {
			s.mu.Unlock()
			break
		}
		target := s.cfg.PrefetchFactor * s.currentMaxThreads
		if target < 1 {
			target = 1
		}
		if len(s.inFlight) >= target {
			s.mu.Unlock()
			break
		}
		vf := s.pending[0]
		s.pending = s.pending[1:]
		s.inFlight[vf.Path] = vf
		s.mu.Unlock()

		s.dispatch(ctx, g, done, vf)
	}

	s.preloadAndPrune()

	s.mu.Lock()
	pendingSnapshot := snapshot(s.pending)
	s.mu.Unlock()
	s.bus.Publish(domain.NewQueueUpdated(pendingSnapshot))
}

// dispatch submits vf to the fixed pool: it acquires a pool permit
// (bounding total concurrently-running goroutines to
// config.DefaultPoolSize), then gates "active" work on the
// current_max_threads condition, so that ThreadControlEvent never
// requires recreating the pool.
func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group, done chan<- completion, vf *domain.VideoFile) {
	g.Go(func() error {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			done <- completion{path: vf.Path, job: domain.NewJob(vf, "")}
			return nil
		}
		defer s.sem.Release(1)

		s.waitForCapacity()
		defer s.releaseCapacity()

		outputPath, err := s.outputPathFor(vf)
		if err != nil {
			job := domain.NewJob(vf, "")
			job.Status = domain.StatusFailed
			job.ErrorMessage = err.Error()
			done <- completion{path: vf.Path, job: job}
			return nil
		}

		if !util.CheckDiskSpace(filepath.Dir(outputPath), s.log.Info) {
			s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Low disk space near %s", filepath.Dir(outputPath))))
		}

		job := s.exec.Run(ctx, outputPath, vf)
		done <- completion{path: vf.Path, job: job}
		return nil
	})
}

// ensureOutputRootsReady resolves and creates every configured output
// root up front so a missing or unwritable destination fails discovery
// immediately instead of surfacing as a confusing per-job failure later.
func (s *Scheduler) ensureOutputRootsReady() error {
	resolver := discovery.NewOutputResolver(s.cfg, s.inputDirs)
	for _, root := range s.inputDirs {
		outRoot, err := resolver.Resolve(root)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(outRoot, 0o755); err != nil {
			return fmt.Errorf("creating output root %s: %w", outRoot, err)
		}
		if err := util.EnsureDirectoryWritable(outRoot); err != nil {
			return fmt.Errorf("output root %s: %w", outRoot, err)
		}
		if n, err := util.CleanupOrphanedTempFiles(outRoot, staleTempFileAge); err == nil && n > 0 {
			s.log.Info("removed %d orphaned temp file(s) under %s", n, outRoot)
		}
	}
	return nil
}

// waitForCapacity blocks until active_threads < current_max_threads or
// an interrupt makes further waiting pointless, then reserves a slot; a
// graceful shutdown request alone does not end the wait. The worker, not the pool size, is what enforces the live
// parallelism ceiling.
func (s *Scheduler) waitForCapacity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.activeThreads >= s.currentMaxThreads && !s.interruptRequested {
		s.cond.Wait()
	}
	s.activeThreads++
}

func (s *Scheduler) releaseCapacity() {
	s.mu.Lock()
	s.activeThreads--
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Scheduler) outputPathFor(vf *domain.VideoFile) (string, error) {
	resolver := discovery.NewOutputResolver(s.cfg, s.inputDirs)
	for _, root := range s.inputDirs {
		rel, err := filepath.Rel(root, vf.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		outRoot, err := resolver.Resolve(root)
		if err != nil {
			return "", err
		}
		return discovery.OutputPath(outRoot, root, vf.Path)
	}
	return "", fmt.Errorf("no configured input root contains %s", vf.Path)
}

// preloadAndPrune primes metadata for the next preloadAhead queued files
// (so the renderer can preview camera/codec info) and drops any path the
// cache has permanently failed from the pending deque.
func (s *Scheduler) preloadAndPrune() {
	s.mu.Lock()
	n := len(s.pending)
	if n > preloadAhead {
		n = preloadAhead
	}
	preview := make([]*domain.VideoFile, n)
	copy(preview, s.pending[:n])
	s.mu.Unlock()

	for _, vf := range preview {
		if vf.Metadata != nil {
			continue
		}
		meta, ev, ok := s.cache.GetOrProbe(vf.Path, s.exec.Probe, s.exec.Exif, toSchedulerRules(s.cfg.DynamicCQ), s.cfg.UseExif, s.cfg.Debug)
		if ok {
			vf.Metadata = meta
			continue
		}
		// The cache reports a path crossing its failure limit exactly
		// once; whichever caller receives the event owns writing the
		// marker and publishing the terminal failure, even if that
		// caller is this preview pass rather than an executor.
		if ev != nil {
			s.reportPreloadFailure(vf, ev.ErrorMessage)
		}
	}

	failed := s.cache.PermanentlyFailedPaths()
	if len(failed) == 0 {
		return
	}
	badSet := make(map[string]bool, len(failed))
	for _, p := range failed {
		badSet[p] = true
	}
	s.mu.Lock()
	kept := s.pending[:0:0]
	for _, vf := range s.pending {
		if !badSet[vf.Path] {
			kept = append(kept, vf)
		}
	}
	s.pending = kept
	s.mu.Unlock()
}

// reportPreloadFailure writes the .err sidecar and publishes the terminal
// JobFailed for a path whose metadata failed permanently during the
// preview preload, before any executor ever picked it up.
func (s *Scheduler) reportPreloadFailure(vf *domain.VideoFile, message string) {
	outputPath, err := s.outputPathFor(vf)
	if err == nil {
		errPath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".err"
		if mkErr := os.MkdirAll(filepath.Dir(errPath), 0o755); mkErr == nil {
			if wErr := os.WriteFile(errPath, []byte(message), 0o644); wErr != nil {
				s.log.Info("failed to write error marker %s: %v", errPath, wErr)
			}
		}
	}
	job := domain.NewJob(vf, outputPath)
	job.Status = domain.StatusFailed
	job.ErrorMessage = message
	s.bus.Publish(domain.NewJobFailed(job, message))
}

// completeJob removes a finished job from in-flight bookkeeping. Terminal
// events themselves are published by the executor; the scheduler only
// owns queue/in-flight state.
func (s *Scheduler) completeJob(c completion) {
	s.mu.Lock()
	delete(s.inFlight, c.path)
	s.mu.Unlock()
}

// maybeRefresh runs a refresh cycle if one was
// requested since the last iteration: re-discover, rebuild pending as
// (new-discovered \ in-flight), and report what changed. No in-flight job
// is ever cancelled by a refresh.
func (s *Scheduler) maybeRefresh() {
	s.mu.Lock()
	if !s.refreshRequested || s.shutdownRequested {
		s.refreshRequested = false
		s.mu.Unlock()
		return
	}
	s.refreshRequested = false
	oldPaths := make(map[string]bool, len(s.pending))
	for _, vf := range s.pending {
		oldPaths[vf.Path] = true
	}
	inFlightPaths := make(map[string]bool, len(s.inFlight))
	for p := range s.inFlight {
		inFlightPaths[p] = true
	}
	s.mu.Unlock()

	result, err := discovery.Run(s.cfg, s.inputDirs)
	if err != nil {
		s.log.Info("refresh discovery failed: %v", err)
		return
	}

	var fresh []*domain.VideoFile
	newPaths := make(map[string]bool, len(result.Pending))
	for _, vf := range result.Pending {
		newPaths[vf.Path] = true
		if !inFlightPaths[vf.Path] {
			fresh = append(fresh, vf)
		}
	}

	sorted, err := queue.Sort(fresh, s.inputDirs, s.cfg.Extensions, s.cfg.QueueSort, s.cfg.QueueSeed)
	if err != nil {
		s.log.Info("refresh sort failed: %v", err)
		return
	}

	added, removed := 0, 0
	for p := range newPaths {
		if !oldPaths[p] && !inFlightPaths[p] {
			added++
		}
	}
	for p := range oldPaths {
		if !newPaths[p] {
			removed++
		}
	}

	s.mu.Lock()
	s.pending = sorted
	s.mu.Unlock()

	s.bus.Publish(domain.NewDiscoveryFinished(
		result.Counters.FilesFound,
		result.Counters.ToProcess,
		result.Counters.AlreadyCompressed,
		result.Counters.IgnoredSmall,
		result.Counters.IgnoredErr,
		0,
		result.Counters.SourceFoldersCount,
	))
	s.bus.Publish(domain.NewActionMessage(fmt.Sprintf("Refresh complete: %d added, %d removed", added, removed)))
	s.bus.Publish(domain.NewRefreshFinished(added, removed))
}

func snapshot(files []*domain.VideoFile) []*domain.VideoFile {
	out := make([]*domain.VideoFile, len(files))
	copy(out, files)
	return out
}

func toSchedulerRules(rules []config.DynamicCQRule) []metadata.DynamicCQRule {
	out := make([]metadata.DynamicCQRule, len(rules))
	for i, r := range rules {
		out[i] = metadata.DynamicCQRule{Pattern: r.Pattern, CQ: r.CQ}
	}
	return out
}
