package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/five82/vbc/internal/config"
	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/eventbus"
	"github.com/five82/vbc/internal/executor"
	"github.com/five82/vbc/internal/metadata"
)

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) record(e domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type() == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if am, ok := e.(domain.ActionMessage); ok {
			out = append(out, am.Message)
		}
	}
	return out
}

// fixture wires a scheduler over a real temp input tree with a fake probe,
// so the full Run path executes without invoking ffmpeg: every job
// terminates in the executor's classification step.
type fixture struct {
	bus   *eventbus.Bus
	sched *Scheduler
	log   *eventLog
	in    string
}

func newFixture(t *testing.T, nFiles int, probe metadata.ProbeFunc, mutate func(*config.AppConfig)) *fixture {
	t.Helper()
	in := t.TempDir()
	out := t.TempDir()
	for i := 0; i < nFiles; i++ {
		name := filepath.Join(in, "clip_"+string(rune('a'+i))+".mp4")
		if err := os.WriteFile(name, make([]byte, 2000), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.NewAppConfig()
	cfg.Threads = 2
	cfg.MinSizeBytes = 100
	cfg.SkipAV1 = true
	cfg.SuffixOutputDirs = ""
	cfg.OutputDirMap = map[string]string{in: out}
	if mutate != nil {
		mutate(cfg)
	}

	bus := eventbus.New(nil)
	cache := metadata.NewCache(cfg.MetadataFailureLimit, nil)
	exec := &executor.Executor{Config: cfg, Bus: bus, Cache: cache, Log: testLogger{}, Probe: probe}

	log := &eventLog{}
	eventbus.Subscribe(bus, func(e domain.JobStarted) { log.record(e) })
	eventbus.Subscribe(bus, func(e domain.JobFailed) { log.record(e) })
	eventbus.Subscribe(bus, func(e domain.JobCompleted) { log.record(e) })
	eventbus.Subscribe(bus, func(e domain.ActionMessage) { log.record(e) })
	eventbus.Subscribe(bus, func(e domain.ProcessingFinished) { log.record(e) })
	eventbus.Subscribe(bus, func(e domain.DiscoveryFinished) { log.record(e) })

	return &fixture{
		bus:   bus,
		sched: New(cfg, bus, exec, cache, testLogger{}, []string{in}),
		log:   log,
		in:    in,
	}
}

type testLogger struct{}

func (testLogger) Info(string, ...any)  {}
func (testLogger) Debug(string, ...any) {}

func av1Probe(delay time.Duration) metadata.ProbeFunc {
	return func(string) (domain.Metadata, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		return domain.Metadata{Codec: "av1", Duration: 10}, nil
	}
}

func TestRunTerminatesEveryAcceptedFile(t *testing.T) {
	f := newFixture(t, 5, av1Probe(0), nil)

	if err := f.sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// Every accepted file reaches exactly one terminal event (here:
	// JobFailed with SKIPPED, since the fake probe reports AV1).
	if got := f.log.count(domain.EventJobFailed); got != 5 {
		t.Fatalf("expected 5 terminal events, got %d", got)
	}
	if got := f.log.count(domain.EventJobStarted); got != 5 {
		t.Fatalf("expected 5 JobStarted events, got %d", got)
	}
	if got := f.log.count(domain.EventProcessingFinished); got != 1 {
		t.Fatalf("expected one ProcessingFinished, got %d", got)
	}
}

func TestRunWithShutdownPresetProcessesNothing(t *testing.T) {
	f := newFixture(t, 5, av1Probe(0), nil)
	f.bus.Publish(domain.NewRequestShutdown())

	if err := f.sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := f.log.count(domain.EventJobStarted); got != 0 {
		t.Fatalf("shutdown-first run started %d jobs", got)
	}
	if got := f.log.count(domain.EventProcessingFinished); got != 1 {
		t.Fatal("clean exit must still publish ProcessingFinished")
	}
}

func TestShutdownToggleCancelsPendingShutdown(t *testing.T) {
	f := newFixture(t, 3, av1Probe(0), nil)

	f.bus.Publish(domain.NewRequestShutdown())
	f.bus.Publish(domain.NewRequestShutdown())

	actions := f.log.actions()
	if len(actions) != 2 || !strings.Contains(actions[0], "SHUTDOWN requested") || !strings.Contains(actions[1], "SHUTDOWN cancelled") {
		t.Fatalf("toggle feedback wrong: %v", actions)
	}

	if err := f.sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := f.log.count(domain.EventJobStarted); got != 3 {
		t.Fatalf("cancelled shutdown should process all files, started %d", got)
	}
}

func TestThreadControlClampsToRange(t *testing.T) {
	f := newFixture(t, 1, av1Probe(0), nil)

	f.bus.Publish(domain.NewThreadControlEvent(100))
	f.sched.mu.Lock()
	got := f.sched.currentMaxThreads
	f.sched.mu.Unlock()
	if got != config.MaxThreads {
		t.Fatalf("expected clamp to %d, got %d", config.MaxThreads, got)
	}

	f.bus.Publish(domain.NewThreadControlEvent(-100))
	f.sched.mu.Lock()
	got = f.sched.currentMaxThreads
	f.sched.mu.Unlock()
	if got != config.MinThreads {
		t.Fatalf("expected clamp to %d, got %d", config.MinThreads, got)
	}

	actions := f.log.actions()
	if len(actions) != 2 || !strings.Contains(actions[0], "maximum") || !strings.Contains(actions[1], "minimum") {
		t.Fatalf("clamp feedback wrong: %v", actions)
	}
}

func TestThreadControlDistinctFeedbackTexts(t *testing.T) {
	f := newFixture(t, 1, av1Probe(0), nil)

	f.bus.Publish(domain.NewThreadControlEvent(1)) // 2 -> 3
	f.bus.Publish(domain.NewThreadControlEvent(100))
	f.bus.Publish(domain.NewThreadControlEvent(100)) // already at max

	actions := f.log.actions()
	if len(actions) != 3 {
		t.Fatalf("expected 3 feedback messages, got %v", actions)
	}
	if !strings.Contains(actions[0], "set to 3") {
		t.Errorf("plain change feedback wrong: %q", actions[0])
	}
	if !strings.Contains(actions[1], "clamped to maximum") {
		t.Errorf("clamp feedback wrong: %q", actions[1])
	}
	if !strings.Contains(actions[2], "already at maximum") {
		t.Errorf("no-op feedback wrong: %q", actions[2])
	}
}

func TestActiveThreadsNeverExceedCeiling(t *testing.T) {
	f := newFixture(t, 8, av1Probe(20*time.Millisecond), func(cfg *config.AppConfig) {
		cfg.Threads = 2
		cfg.PrefetchFactor = 3
	})

	stop := make(chan struct{})
	violation := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.sched.mu.Lock()
			active, max := f.sched.activeThreads, f.sched.currentMaxThreads
			f.sched.mu.Unlock()
			if active > max {
				select {
				case violation <- active:
				default:
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := f.sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	close(stop)

	select {
	case n := <-violation:
		t.Fatalf("active threads reached %d, above the ceiling", n)
	default:
	}
}

func TestRunWritesSidecarForCorruptFile(t *testing.T) {
	probe := func(string) (domain.Metadata, error) {
		return domain.Metadata{}, errors.New("unreadable")
	}
	f := newFixture(t, 2, probe, nil)

	if err := f.sched.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := f.log.count(domain.EventJobFailed); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}
	if got := f.log.count(domain.EventJobStarted); got != 0 {
		t.Fatal("corrupt files must fail before JobStarted")
	}
}

func TestInterruptBeforeRunDiscardsPending(t *testing.T) {
	f := newFixture(t, 5, av1Probe(0), nil)
	f.bus.Publish(domain.NewInterruptRequested())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.sched.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := f.log.count(domain.EventJobStarted); got != 0 {
		t.Fatalf("interrupted run started %d jobs", got)
	}
}

func TestOutputPathForRejectsForeignPath(t *testing.T) {
	f := newFixture(t, 1, av1Probe(0), nil)
	if _, err := f.sched.outputPathFor(&domain.VideoFile{Path: "/elsewhere/x.mp4"}); err == nil {
		t.Fatal("expected error for a path outside every input root")
	}
}

func TestOutputPathForMirrorsRelativeStructure(t *testing.T) {
	f := newFixture(t, 1, av1Probe(0), nil)
	sub := filepath.Join(f.in, "trip", "day1.MOV")
	got, err := f.sched.outputPathFor(&domain.VideoFile{Path: sub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(got) != "day1.mp4" || !strings.Contains(got, "trip") {
		t.Fatalf("mirrored path wrong: %q", got)
	}
}
