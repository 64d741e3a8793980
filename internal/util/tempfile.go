// Package util provides the filesystem helpers shared by the scheduler's
// output-root preparation and the executor's temp-file discipline. All
// sidecar names in this pipeline are deterministic ("<name>.tmp",
// "<name>.err", "<name>_colorfix.mp4", derived from the output path), so
// there is no randomized temp-file constructor here, only readiness
// checks and the orphan sweep.
package util

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MinTempSpaceMB is the minimum free space required for temporary operations (in MB).
const MinTempSpaceMB = 100

// EnsureDirectoryWritable checks if a directory exists and is writable.
func EnsureDirectoryWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	// Check if directory is writable by attempting to create a test file
	testPath := filepath.Join(path, ".vbc_write_test")
	f, err := os.Create(testPath)
	if err != nil {
		return fmt.Errorf("directory is not writable: %s", path)
	}
	_ = f.Close()
	_ = os.Remove(testPath)

	return nil
}

// GetAvailableSpace returns the available disk space in bytes for the given path.
// Returns 0 if the space cannot be determined.
func GetAvailableSpace(path string) uint64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0
	}
	return stat.Bavail * uint64(stat.Bsize)
}

// CheckDiskSpace checks if there is sufficient disk space and logs a warning if low.
// Returns true if space is sufficient or cannot be determined.
func CheckDiskSpace(path string, logger func(format string, args ...any)) bool {
	available := GetAvailableSpace(path)
	if available == 0 {
		return true // Cannot determine, assume OK
	}

	availableMB := available / (1024 * 1024)
	if availableMB < MinTempSpaceMB {
		if logger != nil {
			logger("Low disk space in %s: %d MB available (minimum recommended: %d MB)",
				path, availableMB, MinTempSpaceMB)
		}
		return false
	}
	return true
}

// CleanupOrphanedTempFiles removes ".tmp" and "_colorfix.mp4" sidecars
// under dir older than maxAge. A worker killed out from under an
// in-flight encode (host crash, `kill -9`, power loss) leaves one of
// these behind with no executor left to delete it in its `finally`; the
// scheduler runs this once per output root before discovery so a restart
// doesn't trip over a previous run's debris. The sweep is recursive:
// every subdirectory under dir is walked, so one call covers the whole
// output tree.
func CleanupOrphanedTempFiles(dir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	cleaned := 0
	now := time.Now()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, "_colorfix.mp4") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(path); err == nil {
				cleaned++
			}
		}
		return nil
	})
	if err != nil {
		return cleaned, fmt.Errorf("failed to sweep %s for orphaned temp files: %w", dir, err)
	}
	return cleaned, nil
}
