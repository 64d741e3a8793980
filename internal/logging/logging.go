// Package logging writes the per-run log file for the vbc pipeline:
// leveled operator messages plus structured one-line records for the job
// lifecycle (identity, camera, encode parameters, sizes, elapsed time),
// so a finished run can be reconstructed from its log alone.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/five82/vbc/internal/domain"
)

// DefaultLogDir returns $XDG_STATE_HOME/vbc/logs when XDG_STATE_HOME is
// set, otherwise ~/.local/state/vbc/logs, falling back to ./vbc/logs when
// no home directory can be resolved.
func DefaultLogDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "vbc", "logs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "vbc", "logs")
	}
	return filepath.Join(home, ".local", "state", "vbc", "logs")
}

// Logger writes timestamped, leveled lines to a single run log. All
// methods are safe for concurrent use and safe on a nil receiver, so a
// disabled logger can be passed around as-is.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	file  *os.File
	debug bool
	path  string
}

// Open creates a run-stamped log file under dir and records the invoking
// command line as the first entry. verbose enables Debug output.
func Open(dir string, verbose bool, cmdline []string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, time.Now().Format("vbc_20060102_150405.log"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log file %s: %w", path, err)
	}

	l := &Logger{w: f, file: f, debug: verbose, path: path}
	l.Info("command: %s", strings.Join(cmdline, " "))
	return l, nil
}

// NewWithWriter builds a Logger over an arbitrary writer, for tests and
// for embedding the run log into another sink.
func NewWithWriter(w io.Writer, verbose bool) *Logger {
	return &Logger{w: w, debug: verbose}
}

// Path returns the log file's path, or "" for a writer-backed or nil
// logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) write(level, format string, args ...any) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %-5s %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))
}

// Info logs an operator-facing message.
func (l *Logger) Info(format string, args ...any) {
	l.write("INFO", format, args...)
}

// Debug logs a diagnostic message; dropped unless the logger was opened
// verbose.
func (l *Logger) Debug(format string, args ...any) {
	if l == nil || !l.debug {
		return
	}
	l.write("DEBUG", format, args...)
}

// Discovery records a discovery pass's aggregate counters.
func (l *Logger) Discovery(filesFound, toProcess, alreadyCompressed, ignoredSmall, ignoredErr int) {
	l.write("SCAN", "found=%d to_process=%d already_compressed=%d ignored_small=%d ignored_err=%d",
		filesFound, toProcess, alreadyCompressed, ignoredSmall, ignoredErr)
}

// JobStarted records the start of one compression job: identity, source,
// and camera.
func (l *Logger) JobStarted(job *domain.CompressionJob) {
	if l == nil || job == nil || job.Source == nil {
		return
	}
	l.write("JOB", "start id=%s src=%s size=%d camera=%q",
		shortID(job), job.Source.Path, job.Source.Size, cameraOf(job))
}

// JobFinished records a job's terminal outcome. For completed jobs the
// line carries the output size and the achieved ratio; for everything
// else it carries the error message.
func (l *Logger) JobFinished(job *domain.CompressionJob) {
	if l == nil || job == nil || job.Source == nil {
		return
	}
	elapsed := job.Elapsed.Round(time.Second)
	if job.Status == domain.StatusCompleted {
		ratio := 0.0
		if job.Source.Size > 0 {
			ratio = float64(job.OutputSize) / float64(job.Source.Size)
		}
		note := ""
		if job.ErrorMessage != "" {
			note = fmt.Sprintf(" note=%q", job.ErrorMessage)
		}
		l.write("JOB", "done id=%s src=%s out=%d ratio=%.2f rotation=%d elapsed=%s%s",
			shortID(job), job.Source.Path, job.OutputSize, ratio, job.Rotation, elapsed, note)
		return
	}
	l.write("JOB", "%s id=%s src=%s elapsed=%s msg=%q",
		job.Status, shortID(job), job.Source.Path, elapsed, job.ErrorMessage)
}

func shortID(job *domain.CompressionJob) string {
	id := job.ID.String()
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cameraOf(job *domain.CompressionJob) string {
	if m := job.Source.Metadata; m != nil && m.CameraModel != "" {
		return m.CameraModel
	}
	return "unknown"
}
