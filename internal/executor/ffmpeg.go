// Package executor implements the per-job state machine: probe,
// color-space remediation, classification, parameter selection, encode
// with progress/signal handling, GPU->CPU fallback, and finalization.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/five82/vbc/internal/domain"
)

// EncodeParams are the resolved, per-job encode settings.
type EncodeParams struct {
	GPU          bool
	CQ           int
	Rotation     int // 0, 90, 180, 270
	CPUThreads   int // 0 = unset, maps to libsvtav1 lp / ffmpeg -threads
	CopyMetadata bool
}

// timeRegex matches ffmpeg's "time=HH:MM:SS.ff" progress lines.
var timeRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

const (
	hwCapSubstring     = "Hardware is lacking required capabilities"
	colorPrimariesErr1 = "is not a valid value for color_primaries"
	colorPrimariesErr2 = "is not a valid value for color_trc"
	hwCapExitCode      = 187
)

// BuildCommand constructs the ffmpeg argv for a single encode attempt.
func BuildCommand(sourcePath, tmpOutputPath string, params EncodeParams) []string {
	args := []string{"-y"}
	if params.GPU {
		args = append(args, "-vsync", "0")
	}
	args = append(args, "-fflags", "+genpts+igndts", "-avoid_negative_ts", "make_zero", "-i", sourcePath)

	if params.GPU {
		args = append(args, "-c:v", "av1_nvenc", "-cq", strconv.Itoa(params.CQ), "-preset", "p7", "-tune", "hq", "-b:v", "0")
	} else {
		svtParams := "tune=0:enable-overlays=1"
		if params.CPUThreads > 0 {
			svtParams = fmt.Sprintf("%s:lp=%d", svtParams, params.CPUThreads)
		}
		args = append(args, "-c:v", "libsvtav1", "-preset", "6", "-crf", strconv.Itoa(params.CQ), "-svtav1-params", svtParams)
		if params.CPUThreads > 0 {
			args = append(args, "-threads", strconv.Itoa(params.CPUThreads))
		}
	}

	args = append(args, "-c:a", "copy")
	if params.CopyMetadata {
		args = append(args, "-map_metadata", "0", "-movflags", "use_metadata_tags")
	} else {
		args = append(args, "-map_metadata", "-1")
	}

	switch params.Rotation {
	case 180:
		args = append(args, "-vf", "transpose=2,transpose=2")
	case 90:
		args = append(args, "-vf", "transpose=1")
	case 270:
		args = append(args, "-vf", "transpose=2")
	}

	args = append(args, "-f", "mp4", tmpOutputPath)
	return args
}

// CompressOutcome is what a single ffmpeg invocation produced.
type CompressOutcome struct {
	Status       domain.JobStatus
	ErrorMessage string
}

// ProgressFunc receives a 0-100 percent update as ffmpeg reports progress.
type ProgressFunc func(percent float64)

// Compress runs one ffmpeg encode attempt of sourcePath, streaming stdout/stderr
// through a reader goroutine into a buffered channel so the main loop can
// poll ctx.Done() between lines. tmpPath is the in-flight output; the caller is
// responsible for renaming it to outputPath on CompressOutcome.Status ==
// StatusCompleted. On every other status Compress removes tmpPath itself.
func Compress(ctx context.Context, sourcePath, tmpPath string, params EncodeParams, totalDuration float64, onProgress ProgressFunc) CompressOutcome {
	args := BuildCommand(sourcePath, tmpPath, params)
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: fmt.Sprintf("ffmpeg setup failed: %v", err)}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: fmt.Sprintf("ffmpeg start failed: %v", err)}
	}

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	hwCapError := false
	colorError := false

loop:
	for {
		select {
		case <-ctx.Done():
			terminateForInterrupt(cmd)
			_ = os.Remove(tmpPath)
			return CompressOutcome{Status: domain.StatusInterrupted, ErrorMessage: "Interrupted by user (Ctrl+C)"}
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if strings.Contains(line, hwCapSubstring) {
				hwCapError = true
			}
			if strings.Contains(line, colorPrimariesErr1) || strings.Contains(line, colorPrimariesErr2) {
				colorError = true
			}
			if m := timeRegex.FindStringSubmatch(line); m != nil {
				h, _ := strconv.ParseFloat(m[1], 64)
				mm, _ := strconv.ParseFloat(m[2], 64)
				s, _ := strconv.ParseFloat(m[3], 64)
				current := h*3600 + mm*60 + s
				if totalDuration > 0 && onProgress != nil {
					percent := current / totalDuration * 100.0
					if percent > 100 {
						percent = 100
					}
					onProgress(percent)
				}
			}
		}
	}

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	switch {
	case hwCapError || exitCode == hwCapExitCode:
		_ = os.Remove(tmpPath)
		return CompressOutcome{Status: domain.StatusHWCapLimit, ErrorMessage: hwCapSubstring}
	case colorError:
		// Signalled back to the caller, which re-invokes via the
		// color-fix remux path; this function itself does not recurse.
		_ = os.Remove(tmpPath)
		return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: "color_primaries_error"}
	case exitCode != 0:
		_ = os.Remove(tmpPath)
		return CompressOutcome{Status: domain.StatusFailed, ErrorMessage: fmt.Sprintf("ffmpeg exited with code %d", exitCode)}
	default:
		return CompressOutcome{Status: domain.StatusCompleted}
	}
}

func terminateForInterrupt(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

// ApplyColorFix remuxes sourcePath into fixedPath with a *_metadata
// bitstream filter. For codec "h264" it makes a single h264_metadata
// attempt; otherwise it uses hevc_metadata, and only for codec "hevc"
// does a failure trigger one h264_metadata retry. Returns an error when
// the last attempt made failed.
func ApplyColorFix(ctx context.Context, sourcePath, fixedPath, codec string) error {
	bsf := "hevc_metadata=colour_primaries=1:transfer_characteristics=1:matrix_coefficients=1"
	if codec == "h264" {
		bsf = "h264_metadata=colour_primaries=1:transfer_characteristics=1:matrix_coefficients=1"
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", "-i", sourcePath, "-c", "copy", "-bsf:v", bsf, fixedPath, "-y", "-hide_banner", "-loglevel", "error")
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(fixedPath)
		if codec == "hevc" {
			// Retry with the h264 variant once, for streams the
			// hevc bsf rejects.
			cmdH264 := exec.CommandContext(ctx, "ffmpeg", "-i", sourcePath, "-c", "copy", "-bsf:v",
				"h264_metadata=colour_primaries=1:transfer_characteristics=1:matrix_coefficients=1",
				fixedPath, "-y", "-hide_banner", "-loglevel", "error")
			if out2, err2 := cmdH264.CombinedOutput(); err2 != nil {
				_ = os.Remove(fixedPath)
				return fmt.Errorf("color fix remux failed: %v / %v (%s / %s)", err, err2, out, out2)
			}
			return nil
		}
		return fmt.Errorf("color fix remux failed: %w (%s)", err, out)
	}
	return nil
}
