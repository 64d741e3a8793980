// Package main provides the CLI entry point for vbc.
//
// CLI flag parsing here is deliberately thin: the pipeline core consumes
// a resolved AppConfig, so this command exists for manual smoke-testing,
// not as the driver's production surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"

	vbc "github.com/five82/vbc"
	"github.com/five82/vbc/internal/config"
	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/logging"
)

const (
	appName    = "vbc"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "encode":
		if err := runEncode(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("%s version %s\n", appName, appVersion)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - batch AV1 re-encoder

Usage:
  %s <command> [options]

Commands:
  encode    Discover and re-encode video files under one or more input roots
  version   Print version information
  help      Show this help message

Run '%s encode --help' for encode command options.
`, appName, appName, appName)
}

// encodeArgs holds the parsed arguments for the encode command.
type encodeArgs struct {
	inputDirs    string // comma-separated
	suffix       string
	threads      int
	prefetch     int
	cq           int
	gpu          bool
	cpuFallback  bool
	copyMetadata bool
	useExif      bool
	cleanErrors  bool
	skipAV1      bool
	minRatio     float64
	queueSort    string
	queueSeed    int64
	minSizeMB    int64
	verbose      bool
	noLog        bool
}

func runEncode(args []string) error {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	ea := encodeArgs{}
	fs.StringVar(&ea.inputDirs, "input", "", "Comma-separated list of input directories (required)")
	fs.StringVar(&ea.suffix, "suffix", config.DefaultOutputSuffix, "Output directory suffix")
	fs.IntVar(&ea.threads, "threads", 0, "Max parallel encodes (0 = auto-size from host capacity)")
	fs.IntVar(&ea.prefetch, "prefetch", config.DefaultPrefetchFactor, "Prefetch factor for submit-on-demand")
	fs.IntVar(&ea.cq, "cq", config.DefaultCQ, "Default constant-quality value (0-63)")
	fs.BoolVar(&ea.gpu, "gpu", false, "Use the GPU (av1_nvenc) encode path")
	fs.BoolVar(&ea.cpuFallback, "cpu-fallback", true, "Retry on CPU after a hardware-capability failure")
	fs.BoolVar(&ea.copyMetadata, "copy-metadata", true, "Deep-copy EXIF/XMP/QuickTime tags on success")
	fs.BoolVar(&ea.useExif, "use-exif", true, "Enrich metadata with EXIF camera/provenance info")
	fs.BoolVar(&ea.cleanErrors, "clean-errors", false, "Delete pre-existing .err sidecars before discovery")
	fs.BoolVar(&ea.skipAV1, "skip-av1", true, "Skip files already encoded in AV1")
	fs.Float64Var(&ea.minRatio, "min-ratio", config.DefaultMinCompressionRatio, "Minimum compression ratio before reverting to the source")
	fs.StringVar(&ea.queueSort, "queue-sort", config.DefaultQueueSort, "Queue order: name, size, size-asc, size-desc, ext, dir, rand")
	fs.Int64Var(&ea.queueSeed, "queue-seed", 0, "Seed for the rand queue-sort mode")
	fs.Int64Var(&ea.minSizeMB, "min-size-mb", config.DefaultMinSizeBytes/(1<<20), "Minimum source file size in MiB")
	fs.BoolVar(&ea.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&ea.noLog, "no-log", false, "Disable file logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if ea.inputDirs == "" {
		return fmt.Errorf("--input is required")
	}
	dirs := strings.Split(ea.inputDirs, ",")
	for i, d := range dirs {
		dirs[i] = strings.TrimSpace(d)
	}

	var log *logging.Logger
	if !ea.noLog {
		var err error
		log, err = logging.Open(logging.DefaultLogDir(), ea.verbose, os.Args)
		if err != nil {
			return err
		}
		defer log.Close()
	}

	opts := []vbc.Option{
		vbc.WithInputDirs(dirs...),
		vbc.WithSuffixOutputDirs(ea.suffix),
		vbc.WithThreads(ea.threads),
		vbc.WithPrefetchFactor(ea.prefetch),
		vbc.WithDefaultCQ(ea.cq),
		vbc.WithGPU(ea.gpu),
		vbc.WithCPUFallback(ea.cpuFallback),
		vbc.WithCopyMetadata(ea.copyMetadata),
		vbc.WithUseExif(ea.useExif),
		vbc.WithCleanErrors(ea.cleanErrors),
		vbc.WithSkipAV1(ea.skipAV1),
		vbc.WithMinCompressionRatio(ea.minRatio),
		vbc.WithQueueSort(ea.queueSort),
		vbc.WithQueueSeed(ea.queueSeed),
		vbc.WithMinSizeBytes(ea.minSizeMB << 20),
		vbc.WithDebug(ea.verbose),
		vbc.WithLogger(log),
	}

	pipeline, err := vbc.New(opts...)
	if err != nil {
		return err
	}

	bar := newProgressPrinter()
	vbc.Subscribe(pipeline, func(e domain.JobStarted) {
		log.JobStarted(e.Job)
		fmt.Printf("\nstarting %s\n", e.Job.Source.Path)
		bar.reset(e.Job.Source.Path)
	})
	vbc.Subscribe(pipeline, func(e domain.JobProgressUpdated) {
		bar.update(e.Percent)
	})
	vbc.Subscribe(pipeline, func(e domain.JobCompleted) {
		log.JobFinished(e.Job)
		bar.finish()
		fmt.Printf("completed %s (%s)\n", e.Job.Source.Path, statusNote(e.Job))
	})
	vbc.Subscribe(pipeline, func(e domain.JobFailed) {
		log.JobFinished(e.Job)
		bar.finish()
		fmt.Printf("%s: %s (%s)\n", e.Job.Status, e.Job.Source.Path, e.ErrorMessage)
	})
	vbc.Subscribe(pipeline, func(e domain.DiscoveryFinished) {
		log.Discovery(e.FilesFound, e.ToProcess, e.AlreadyCompressed, e.IgnoredSmall, e.IgnoredErr)
		fmt.Printf("discovery: %d to process, %d already compressed, %d too small, %d ignored errors\n",
			e.ToProcess, e.AlreadyCompressed, e.IgnoredSmall, e.IgnoredErr)
	})
	vbc.Subscribe(pipeline, func(e domain.ActionMessage) {
		fmt.Printf("[action] %s\n", e.Message)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupt received, stopping...")
		pipeline.Interrupt()
	}()

	return pipeline.Run(ctx)
}

// progressPrinter wraps schollz/progressbar for the one CLI surface this
// core exposes; the library packages themselves stay renderer-agnostic.
type progressPrinter struct {
	bar *progressbar.ProgressBar
}

func newProgressPrinter() *progressPrinter {
	return &progressPrinter{}
}

func (p *progressPrinter) reset(label string) {
	p.bar = progressbar.NewOptions(100,
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *progressPrinter) update(percent float64) {
	if p.bar == nil {
		return
	}
	_ = p.bar.Set(int(percent))
}

func (p *progressPrinter) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
}

func statusNote(job *domain.CompressionJob) string {
	if job.ErrorMessage != "" {
		return job.ErrorMessage
	}
	return strconv.FormatInt(job.OutputSize, 10) + " bytes"
}
