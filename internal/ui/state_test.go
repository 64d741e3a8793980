package ui

import (
	"fmt"
	"testing"
	"time"

	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/eventbus"
)

func newWired(t *testing.T) (*State, *eventbus.Bus) {
	t.Helper()
	s := New()
	bus := eventbus.New(nil)
	s.Subscribe(bus)
	return s, bus
}

func jobWith(path string, size int64, status domain.JobStatus, msg string) *domain.CompressionJob {
	job := domain.NewJob(&domain.VideoFile{Path: path, Size: size}, path+".out")
	job.Status = status
	job.ErrorMessage = msg
	return job
}

func TestDiscoveryFinishedFillsCounters(t *testing.T) {
	s, bus := newWired(t)
	bus.Publish(domain.NewDiscoveryFinished(10, 7, 2, 1, 0, 0, 1))

	snap := s.Snapshot()
	if snap.Counters.FilesFound != 10 || snap.Counters.ToProcess != 7 || snap.Counters.AlreadyCompressed != 2 || snap.Counters.IgnoredSmall != 1 {
		t.Fatalf("counters wrong: %+v", snap.Counters)
	}
	if !snap.DiscoveryFinished {
		t.Fatal("discovery flag not set")
	}
}

func TestJobLifecycleMovesThroughActiveToRecent(t *testing.T) {
	s, bus := newWired(t)

	job := jobWith("/v/a.mp4", 1000, domain.StatusProcessing, "")
	bus.Publish(domain.NewJobStarted(job))

	snap := s.Snapshot()
	if len(snap.ActiveJobs) != 1 || snap.TotalInputBytes != 1000 {
		t.Fatalf("active tracking wrong: %+v", snap)
	}

	job.Status = domain.StatusCompleted
	job.OutputSize = 400
	bus.Publish(domain.NewJobCompleted(job))

	snap = s.Snapshot()
	if len(snap.ActiveJobs) != 0 {
		t.Fatal("completed job still active")
	}
	if snap.Counters.Completed != 1 || snap.TotalOutputBytes != 400 {
		t.Fatalf("completion counters wrong: %+v", snap)
	}
	if len(snap.RecentJobs) != 1 || snap.RecentJobs[0].Path != "/v/a.mp4" {
		t.Fatalf("recent history wrong: %+v", snap.RecentJobs)
	}
}

func TestRatioRevertDrivesMinRatioCounter(t *testing.T) {
	s, bus := newWired(t)

	job := jobWith("/v/a.mp4", 1000, domain.StatusCompleted, "Ratio 0.95 above threshold, kept original")
	bus.Publish(domain.NewJobStarted(job))
	bus.Publish(domain.NewJobCompleted(job))

	snap := s.Snapshot()
	if snap.Counters.Completed != 1 || snap.Counters.MinRatioSkip != 1 {
		t.Fatalf("revert must stay COMPLETED and bump min_ratio_skip: %+v", snap.Counters)
	}
	if snap.Counters.Failed != 0 {
		t.Fatal("revert is not a failure")
	}
}

func TestCameraAndAV1SkipsUpdateCountersOnly(t *testing.T) {
	s, bus := newWired(t)

	cam := jobWith("/v/cam.mp4", 1000, domain.StatusSkipped, `Camera model "Canon" not in filter`)
	bus.Publish(domain.NewJobFailed(cam, cam.ErrorMessage))

	av1 := jobWith("/v/av1.mp4", 1000, domain.StatusSkipped, "Already encoded in AV1")
	bus.Publish(domain.NewJobFailed(av1, av1.ErrorMessage))

	snap := s.Snapshot()
	if snap.Counters.Skipped != 2 || snap.Counters.CamSkipped != 1 {
		t.Fatalf("skip counters wrong: %+v", snap.Counters)
	}
	if len(snap.RecentJobs) != 0 {
		t.Fatalf("camera/AV1 skips must not enter recent history: %+v", snap.RecentJobs)
	}
}

func TestErrorMarkerSkipEntersRecentHistory(t *testing.T) {
	s, bus := newWired(t)

	job := jobWith("/v/a.mp4", 1000, domain.StatusSkipped, "Existing error marker found")
	bus.Publish(domain.NewJobFailed(job, job.ErrorMessage))

	snap := s.Snapshot()
	if snap.Counters.Skipped != 1 || len(snap.RecentJobs) != 1 {
		t.Fatalf("marker skip should be visible in history: %+v", snap)
	}
}

func TestHWCapCountedOnceAndKeptOutOfHistory(t *testing.T) {
	s, bus := newWired(t)

	job := jobWith("/v/a.mp4", 1000, domain.StatusHWCapLimit, "Hardware is lacking required capabilities")
	bus.Publish(domain.NewJobStarted(job))
	bus.Publish(domain.NewHardwareCapabilityExceeded(job))
	bus.Publish(domain.NewJobFailed(job, job.ErrorMessage))

	snap := s.Snapshot()
	if snap.Counters.HWCapLimit != 1 || snap.Counters.Failed != 0 {
		t.Fatalf("hw-cap counters wrong: %+v", snap.Counters)
	}
	if len(snap.ActiveJobs) != 0 {
		t.Fatal("hw-cap job still active")
	}
	if len(snap.RecentJobs) != 0 {
		t.Fatalf("hw-cap must not enter recent history: %+v", snap.RecentJobs)
	}
}

func TestInterruptedCounter(t *testing.T) {
	s, bus := newWired(t)

	job := jobWith("/v/a.mp4", 1000, domain.StatusInterrupted, "Interrupted by user (Ctrl+C)")
	bus.Publish(domain.NewJobStarted(job))
	bus.Publish(domain.NewJobFailed(job, job.ErrorMessage))

	if snap := s.Snapshot(); snap.Counters.Interrupted != 1 {
		t.Fatalf("interrupt counter wrong: %+v", snap.Counters)
	}
}

func TestRecentHistoryIsBounded(t *testing.T) {
	s, bus := newWired(t)

	for i := 0; i < ActivityFeedMax+3; i++ {
		job := jobWith(fmt.Sprintf("/v/%d.mp4", i), 100, domain.StatusCompleted, "")
		bus.Publish(domain.NewJobStarted(job))
		bus.Publish(domain.NewJobCompleted(job))
	}

	snap := s.Snapshot()
	if len(snap.RecentJobs) != ActivityFeedMax {
		t.Fatalf("recent history not bounded: %d", len(snap.RecentJobs))
	}
	// Oldest entries are evicted first.
	if snap.RecentJobs[0].Path != "/v/3.mp4" {
		t.Fatalf("wrong eviction order: %+v", snap.RecentJobs[0])
	}
}

func TestActionMessageAutoClearsAfterTTL(t *testing.T) {
	s, bus := newWired(t)

	bus.Publish(domain.NewActionMessage("Thread limit set to 3"))
	if snap := s.Snapshot(); snap.LastAction != "Thread limit set to 3" {
		t.Fatalf("fresh action missing: %q", snap.LastAction)
	}

	s.mu.Lock()
	s.lastActionTime = time.Now().Add(-2 * actionMessageTTL)
	s.mu.Unlock()

	if snap := s.Snapshot(); snap.LastAction != "" {
		t.Fatalf("stale action should auto-clear, got %q", snap.LastAction)
	}
}

func TestShutdownFlagTogglesWithRequests(t *testing.T) {
	s, bus := newWired(t)

	bus.Publish(domain.NewRequestShutdown())
	if !s.Snapshot().ShutdownRequested {
		t.Fatal("first request should set the flag")
	}
	bus.Publish(domain.NewRequestShutdown())
	if s.Snapshot().ShutdownRequested {
		t.Fatal("second request should clear the flag")
	}

	bus.Publish(domain.NewInterruptRequested())
	snap := s.Snapshot()
	if !snap.InterruptRequested || !snap.ShutdownRequested {
		t.Fatalf("interrupt should set both flags: %+v", snap)
	}
}

func TestProcessingFinishedSetsFlag(t *testing.T) {
	s, bus := newWired(t)
	bus.Publish(domain.NewProcessingFinished())
	if !s.Snapshot().Finished {
		t.Fatal("finished flag not set")
	}
}

func TestJobETA(t *testing.T) {
	s, bus := newWired(t)

	job := jobWith("/v/a.mp4", 1000, domain.StatusProcessing, "")
	bus.Publish(domain.NewJobStarted(job))

	if _, ok := s.JobETA(job.ID.String()); ok {
		t.Fatal("no ETA before any progress")
	}

	job.Progress = 50
	s.mu.Lock()
	s.startedAt[job.ID.String()] = time.Now().Add(-10 * time.Second)
	s.mu.Unlock()

	eta, ok := s.JobETA(job.ID.String())
	if !ok {
		t.Fatal("expected an ETA at 50% progress")
	}
	if eta < 8*time.Second || eta > 12*time.Second {
		t.Fatalf("ETA at 50%% after 10s should be ~10s, got %v", eta)
	}

	if _, ok := s.JobETA("unknown"); ok {
		t.Fatal("unknown job must not report an ETA")
	}
}

func TestColorForStatusCoversAllStatuses(t *testing.T) {
	s := New()
	for _, st := range []domain.JobStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusHWCapLimit,
		domain.StatusSkipped, domain.StatusInterrupted, domain.StatusProcessing,
	} {
		if s.ColorForStatus(st) == nil {
			t.Errorf("no color for status %v", st)
		}
	}
}

func TestQueueUpdatedSnapshotsPending(t *testing.T) {
	s, bus := newWired(t)
	pending := []*domain.VideoFile{{Path: "/v/a.mp4"}, {Path: "/v/b.mp4"}}
	bus.Publish(domain.NewQueueUpdated(pending))

	snap := s.Snapshot()
	if len(snap.PendingFiles) != 2 || snap.PendingFiles[0].Path != "/v/a.mp4" {
		t.Fatalf("pending snapshot wrong: %+v", snap.PendingFiles)
	}
}
