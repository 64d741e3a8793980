package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/five82/vbc/internal/config"
)

func baseConfig(outputMap map[string]string) *config.AppConfig {
	cfg := config.NewAppConfig()
	cfg.Threads = 4
	cfg.Extensions = []string{".mp4"}
	cfg.MinSizeBytes = 100
	cfg.OutputDirMap = outputMap
	cfg.SuffixOutputDirs = ""
	return cfg
}

func writeSized(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunSkipsAlreadyCompressed(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(in, "a.mp4")
	writeSized(t, src, 1000)

	dst := filepath.Join(out, "a.mp4")
	writeSized(t, dst, 500)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(dst, future, future); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig(map[string]string{in: out})
	result, err := Run(cfg, []string{in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Counters.AlreadyCompressed != 1 {
		t.Fatalf("expected already_compressed=1, got %+v", result.Counters)
	}
	if len(result.Pending) != 0 {
		t.Fatalf("expected no pending files, got %v", result.Pending)
	}
}

func TestRunHonorsExistingErrorMarker(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeSized(t, filepath.Join(in, "b.mp4"), 1000)
	errPath := filepath.Join(out, "b.err")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(errPath, []byte("prior fail"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig(map[string]string{in: out})
	cfg.CleanErrors = false
	result, err := Run(cfg, []string{in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Counters.IgnoredErr != 1 {
		t.Fatalf("expected ignored_err=1, got %+v", result.Counters)
	}
	if len(result.Pending) != 0 {
		t.Fatalf("expected no pending files, got %v", result.Pending)
	}
	data, err := os.ReadFile(errPath)
	if err != nil || string(data) != "prior fail" {
		t.Fatalf("expected .err sidecar to be untouched, got %q err=%v", data, err)
	}
}

func TestRunCleanErrorsDeletesMarkerAndAccepts(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeSized(t, filepath.Join(in, "b.mp4"), 1000)
	errPath := filepath.Join(out, "b.err")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(errPath, []byte("prior fail"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig(map[string]string{in: out})
	cfg.CleanErrors = true
	result, err := Run(cfg, []string{in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Counters.IgnoredErr != 0 {
		t.Fatalf("expected ignored_err=0, got %+v", result.Counters)
	}
	if len(result.Pending) != 1 {
		t.Fatalf("expected b.mp4 accepted into pending, got %v", result.Pending)
	}
	if _, err := os.Stat(errPath); !os.IsNotExist(err) {
		t.Fatalf("expected .err sidecar to be deleted, stat err=%v", err)
	}
}

// A hardware-capability error marker is deleted and the file retried when
// cpu_fallback is on, even without clean_errors.
func TestRunHWCapMarkerRetriedWithCPUFallback(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeSized(t, filepath.Join(in, "c.mp4"), 1000)
	errPath := filepath.Join(out, "c.err")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(errPath, []byte("Hardware is lacking required capabilities\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig(map[string]string{in: out})
	cfg.CleanErrors = false
	cfg.CPUFallback = true
	result, err := Run(cfg, []string{in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Counters.IgnoredErr != 0 {
		t.Fatalf("expected hw-cap marker to be cleared, got %+v", result.Counters)
	}
	if len(result.Pending) != 1 {
		t.Fatalf("expected c.mp4 accepted into pending, got %v", result.Pending)
	}
}

func TestRunIgnoresSmallFiles(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	writeSized(t, filepath.Join(in, "tiny.mp4"), 10)

	cfg := baseConfig(map[string]string{in: out})
	result, err := Run(cfg, []string{in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Counters.IgnoredSmall != 1 {
		t.Fatalf("expected ignored_small=1, got %+v", result.Counters)
	}
	if len(result.Pending) != 0 {
		t.Fatalf("expected no pending files, got %v", result.Pending)
	}
}

func TestOutputPathForcesLowercaseMP4(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(in, "sub", "Clip.MOV")
	got, err := OutputPath(out, in, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(out, "sub", "Clip.mp4")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOutputResolverPrecedence(t *testing.T) {
	cfg := config.NewAppConfig()
	cfg.OutputDirs = []string{"/out1"}
	cfg.SuffixOutputDirs = "_out"
	cfg.OutputDirMap = map[string]string{"/in1": "/mapped"}
	r := NewOutputResolver(cfg, []string{"/in1"})

	got, err := r.Resolve("/in1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/out1" {
		t.Fatalf("expected OutputDirs to win, got %q", got)
	}

	cfg.OutputDirs = nil
	got, err = r.Resolve("/in1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/in1_out" {
		t.Fatalf("expected suffix fallback, got %q", got)
	}

	cfg.SuffixOutputDirs = ""
	got, err = r.Resolve("/in1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/mapped" {
		t.Fatalf("expected OutputDirMap fallback, got %q", got)
	}
}
