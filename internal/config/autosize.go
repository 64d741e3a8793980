package config

import (
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// bytesPerWorker is a conservative estimate of peak RSS for one whole-file
// AV1 encode worker: ffmpeg's decode and encode buffers for a single
// stream, with room for 4K sources.
const bytesPerWorker = 2 << 30 // 2 GiB

// memoryFraction leaves headroom for the OS, page cache, and the
// operator's own tools.
const memoryFraction = 0.7

// AutoSizeThreads computes the default worker-pool ceiling when
// AppConfig.Threads is left at its zero value, from logical CPU count and
// available memory. It returns a value already clamped to
// [MinThreads, MaxThreads].
//
// The count is based on logical CPUs and available memory, reduced by
// one for every other ffmpeg process already running on the host (a
// rough proxy for capacity already claimed by a concurrent run or a
// manual encode the operator kicked off outside VBC).
func AutoSizeThreads() int {
	n := MaxThreads
	determined := false

	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		n = min(n, counts)
		determined = true
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.Available > 0 {
		usable := uint64(float64(vm.Available) * memoryFraction)
		byMemory := int(usable / bytesPerWorker)
		if byMemory < 1 {
			byMemory = 1
		}
		n = min(n, byMemory)
		determined = true
	}

	if !determined {
		// Neither host query succeeded; fall back to the conservative
		// static default rather than guessing at MaxThreads.
		n = DefaultThreads
	}

	if running := runningFFmpegCount(); running > 0 {
		n -= running
	}

	return clampThreads(n)
}

func clampThreads(n int) int {
	if n < MinThreads {
		return MinThreads
	}
	if n > MaxThreads {
		return MaxThreads
	}
	return n
}

// runningFFmpegCount counts ffmpeg processes already running on the host,
// best-effort: an error or a platform without process enumeration support
// yields 0, never a hard failure.
func runningFFmpegCount() int {
	procs, err := process.Processes()
	if err != nil {
		return 0
	}
	count := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(name), "ffmpeg") {
			count++
		}
	}
	return count
}

