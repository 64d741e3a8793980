// Package ui implements the UI state projection: a single, lock-guarded
// snapshot of pipeline progress built by subscribing to every event on
// the bus. Renderer layout lives outside this module; only State and
// its locked read accessors are provided here.
package ui

import (
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/eventbus"
)

// ActivityFeedMax is the bounded recent-history deque size.
const ActivityFeedMax = 5

// actionMessageTTL is how long lastAction/lastActionTime hold a value
// before Snapshot auto-clears it.
const actionMessageTTL = 60 * time.Second

// RecentJob is one entry of the bounded recent-history deque: a
// terminal-status snapshot, not a live pointer, so the renderer never
// observes a job the executor is still mutating.
type RecentJob struct {
	ID           string
	Path         string
	Status       domain.JobStatus
	ErrorMessage string
	OutputSize   int64
	Elapsed      time.Duration
	FinishedAt   time.Time
}

// Counters are the cumulative, run-lifetime tallies.
type Counters struct {
	Completed         int
	Failed            int
	Skipped           int
	HWCapLimit        int
	CamSkipped        int
	MinRatioSkip      int
	Interrupted       int
	FilesFound        int
	ToProcess         int
	AlreadyCompressed int
	IgnoredSmall      int
	IgnoredErr        int
}

// State is the projection's single source of truth for a renderer. Every
// field is mutated only under mu; read accessors copy out so callers
// never observe a struct mid-mutation.
type State struct {
	mu sync.Mutex

	counters         Counters
	totalInputBytes  int64
	totalOutputBytes int64

	activeJobs []*domain.CompressionJob
	startedAt  map[string]time.Time
	recentJobs []RecentJob

	pendingFiles []*domain.VideoFile

	lastAction     string
	lastActionTime time.Time

	discoveryFinished  bool
	shutdownRequested  bool
	interruptRequested bool
	finished           bool

	// Pre-colored short status labels: the severity-to-color mapping is
	// part of the contract a renderer reads, not the renderer's own
	// layout, so it lives here.
	colors statusColors
}

type statusColors struct {
	completed *color.Color
	failed    *color.Color
	skipped   *color.Color
	warning   *color.Color
}

// New creates an empty State with ActivityFeedMax recent-history
// capacity.
func New() *State {
	return &State{
		startedAt: make(map[string]time.Time),
		colors: statusColors{
			completed: color.New(color.FgGreen),
			failed:    color.New(color.FgRed, color.Bold),
			skipped:   color.New(color.FgYellow),
			warning:   color.New(color.FgMagenta),
		},
	}
}

// Subscribe registers every handler State needs on bus. Handlers never
// block on I/O: each is a short, lock-bounded mutation.
func (s *State) Subscribe(bus *eventbus.Bus) {
	eventbus.Subscribe(bus, s.onDiscoveryFinished)
	eventbus.Subscribe(bus, s.onQueueUpdated)
	eventbus.Subscribe(bus, s.onJobStarted)
	eventbus.Subscribe(bus, s.onJobProgress)
	eventbus.Subscribe(bus, s.onJobCompleted)
	eventbus.Subscribe(bus, s.onJobFailed)
	eventbus.Subscribe(bus, s.onHardwareCapabilityExceeded)
	eventbus.Subscribe(bus, s.onActionMessage)
	eventbus.Subscribe(bus, s.onRequestShutdown)
	eventbus.Subscribe(bus, s.onInterruptRequested)
	eventbus.Subscribe(bus, s.onProcessingFinished)
}

func (s *State) onDiscoveryFinished(e domain.DiscoveryFinished) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.FilesFound = e.FilesFound
	s.counters.ToProcess = e.ToProcess
	s.counters.AlreadyCompressed = e.AlreadyCompressed
	s.counters.IgnoredSmall = e.IgnoredSmall
	s.counters.IgnoredErr = e.IgnoredErr
	s.discoveryFinished = true
}

func (s *State) onQueueUpdated(e domain.QueueUpdated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingFiles = e.PendingFiles
}

func (s *State) onJobStarted(e domain.JobStarted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeJobs = append(s.activeJobs, e.Job)
	s.startedAt[e.Job.ID.String()] = time.Now()
	if e.Job.Source != nil {
		s.totalInputBytes += e.Job.Source.Size
	}
}

func (s *State) onJobProgress(e domain.JobProgressUpdated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Job.Progress = e.Percent
}

func (s *State) onJobCompleted(e domain.JobCompleted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeActive(e.Job.ID)
	s.counters.Completed++
	s.totalOutputBytes += e.Job.OutputSize
	if e.Job.ErrorMessage != "" {
		// The ratio-below-threshold revert stays COMPLETED but carries an
		// informational message. It drives min_ratio_skip, not the
		// failed counter.
		s.counters.MinRatioSkip++
	}
	s.pushRecent(e.Job)
}

func (s *State) onJobFailed(e domain.JobFailed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeActive(e.Job.ID)

	switch e.Job.Status {
	case domain.StatusSkipped:
		s.counters.Skipped++
		if isCameraSkip(e.ErrorMessage) {
			s.counters.CamSkipped++
		}
		// Camera-filter and AV1 skips update counters only; other skip
		// reasons (an existing error marker) still enter recent history.
		if isCameraSkip(e.ErrorMessage) || isAV1Skip(e.ErrorMessage) {
			return
		}
	case domain.StatusHWCapLimit:
		// Counted in onHardwareCapabilityExceeded; JobFailed still
		// follows it, but it neither double-counts nor enters recent
		// history here.
		return
	case domain.StatusInterrupted:
		s.counters.Interrupted++
	default:
		s.counters.Failed++
	}
	s.pushRecent(e.Job)
}

func (s *State) onHardwareCapabilityExceeded(e domain.HardwareCapabilityExceeded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.HWCapLimit++
}

func (s *State) onActionMessage(e domain.ActionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAction = e.Message
	s.lastActionTime = time.Now()
}

func (s *State) onRequestShutdown(domain.RequestShutdown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownRequested = !s.shutdownRequested
}

func (s *State) onInterruptRequested(domain.InterruptRequested) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptRequested = true
	s.shutdownRequested = true
}

func (s *State) onProcessingFinished(domain.ProcessingFinished) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

// removeActive deletes job jobID from activeJobs and its start-time
// entry, keeping insertion order for the remainder. Caller holds mu.
func (s *State) removeActive(jobID uuid.UUID) {
	id := jobID.String()
	for i, j := range s.activeJobs {
		if j.ID.String() == id {
			s.activeJobs = append(s.activeJobs[:i], s.activeJobs[i+1:]...)
			break
		}
	}
	delete(s.startedAt, id)
}

// pushRecent appends a terminal job snapshot to the bounded recent-history
// deque, evicting the oldest entry past ActivityFeedMax. Caller holds mu.
func (s *State) pushRecent(job *domain.CompressionJob) {
	entry := RecentJob{
		ID:           job.ID.String(),
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		OutputSize:   job.OutputSize,
		Elapsed:      job.Elapsed,
		FinishedAt:   time.Now(),
	}
	if job.Source != nil {
		entry.Path = job.Source.Path
	}
	s.recentJobs = append(s.recentJobs, entry)
	if len(s.recentJobs) > ActivityFeedMax {
		s.recentJobs = s.recentJobs[len(s.recentJobs)-ActivityFeedMax:]
	}
}

func isCameraSkip(msg string) bool {
	return strings.Contains(msg, "Camera model")
}

func isAV1Skip(msg string) bool {
	return strings.Contains(msg, "Already encoded in AV1")
}

// Snapshot is a read-side copy of every field a renderer needs, taken
// under State's lock in one shot.
type Snapshot struct {
	Counters           Counters
	TotalInputBytes    int64
	TotalOutputBytes   int64
	ActiveJobs         []*domain.CompressionJob
	RecentJobs         []RecentJob
	PendingFiles       []*domain.VideoFile
	LastAction         string
	DiscoveryFinished  bool
	ShutdownRequested  bool
	InterruptRequested bool
	Finished           bool
}

// Snapshot returns a consistent, copied view of the current state. The
// last action auto-clears once actionMessageTTL has elapsed
// since it was published.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastAction := s.lastAction
	if lastAction != "" && time.Since(s.lastActionTime) > actionMessageTTL {
		lastAction = ""
	}

	active := make([]*domain.CompressionJob, len(s.activeJobs))
	copy(active, s.activeJobs)
	recent := make([]RecentJob, len(s.recentJobs))
	copy(recent, s.recentJobs)
	pending := make([]*domain.VideoFile, len(s.pendingFiles))
	copy(pending, s.pendingFiles)

	return Snapshot{
		Counters:           s.counters,
		TotalInputBytes:    s.totalInputBytes,
		TotalOutputBytes:   s.totalOutputBytes,
		ActiveJobs:         active,
		RecentJobs:         recent,
		PendingFiles:       pending,
		LastAction:         lastAction,
		DiscoveryFinished:  s.discoveryFinished,
		ShutdownRequested:  s.shutdownRequested,
		InterruptRequested: s.interruptRequested,
		Finished:           s.finished,
	}
}

// JobETA estimates remaining time for an active job from its recorded
// start time and current progress, returning false if progress is zero
// (no estimate yet) or the job isn't tracked.
func (s *State) JobETA(jobID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started, ok := s.startedAt[jobID]
	if !ok {
		return 0, false
	}
	var job *domain.CompressionJob
	for _, j := range s.activeJobs {
		if j.ID.String() == jobID {
			job = j
			break
		}
	}
	if job == nil || job.Progress <= 0 {
		return 0, false
	}
	elapsed := time.Since(started)
	total := time.Duration(float64(elapsed) / job.Progress * 100.0)
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ColorForStatus returns the pre-built *color.Color the projection
// associates with a terminal status, for a renderer to apply without
// re-deriving the severity mapping itself.
func (s *State) ColorForStatus(status domain.JobStatus) *color.Color {
	switch status {
	case domain.StatusCompleted:
		return s.colors.completed
	case domain.StatusFailed, domain.StatusHWCapLimit:
		return s.colors.failed
	case domain.StatusSkipped, domain.StatusInterrupted:
		return s.colors.skipped
	default:
		return s.colors.warning
	}
}
