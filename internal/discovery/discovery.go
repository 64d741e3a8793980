// Package discovery runs the scanner across configured input roots and
// classifies each candidate into a skip class or the processing queue,
// honoring error-marker policy and the already-compressed check, and
// resolving the mirrored output path for every accepted file.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/five82/vbc/internal/config"
	"github.com/five82/vbc/internal/domain"
	"github.com/five82/vbc/internal/scanner"
)

// Counters are the aggregate results of a discovery pass, matching the
// DiscoveryFinished event payload.
type Counters struct {
	FilesFound         int
	ToProcess          int
	AlreadyCompressed  int
	IgnoredSmall       int
	IgnoredErr         int
	SourceFoldersCount int
}

// Result is the outcome of a discovery pass: the discovery-ordered
// pending set (not yet queue-sorted) and the aggregate counters.
type Result struct {
	Pending  []*domain.VideoFile
	Counters Counters
}

// OutputResolver resolves the output directory for a given input root,
// following config.AppConfig's precedence: per-index OutputDirs, then
// SuffixOutputDirs, then OutputDirMap.
type OutputResolver struct {
	cfg       *config.AppConfig
	inputDirs []string
}

// NewOutputResolver builds a resolver for the given ordered input roots.
func NewOutputResolver(cfg *config.AppConfig, inputDirs []string) *OutputResolver {
	return &OutputResolver{cfg: cfg, inputDirs: inputDirs}
}

// Resolve returns the output root for inputDir, or an error if no
// resolution mode applies.
func (r *OutputResolver) Resolve(inputDir string) (string, error) {
	if len(r.cfg.OutputDirs) > 0 {
		idx := indexOfDir(r.inputDirs, inputDir)
		if idx < 0 || idx >= len(r.cfg.OutputDirs) {
			return "", fmt.Errorf("output directory mapping missing for %s", inputDir)
		}
		return r.cfg.OutputDirs[idx], nil
	}
	if r.cfg.SuffixOutputDirs != "" {
		return inputDir + r.cfg.SuffixOutputDirs, nil
	}
	if mapped, ok := r.cfg.OutputDirMap[inputDir]; ok {
		return mapped, nil
	}
	return "", fmt.Errorf("output directory mapping missing for %s", inputDir)
}

func indexOfDir(dirs []string, target string) int {
	for i, d := range dirs {
		if d == target {
			return i
		}
	}
	return -1
}

// OutputPath computes the mirrored output path for a source file relative
// to inputDir, with a lowercase .mp4 extension forced regardless of the
// source extension.
func OutputPath(outputRoot, inputDir, sourcePath string) (string, error) {
	rel, err := filepath.Rel(inputDir, sourcePath)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(rel)
	base := strings.TrimSuffix(rel, ext)
	return filepath.Join(outputRoot, base+".mp4"), nil
}

// Run performs one discovery pass across inputDirs, classifying every
// candidate. cleanErrors/cpuFallback gate the err-marker handling;
// AV1-skip and camera-filter checks are deferred to the executor since
// they require metadata.
func Run(cfg *config.AppConfig, inputDirs []string) (Result, error) {
	resolver := NewOutputResolver(cfg, inputDirs)
	outputSuffix := cfg.SuffixOutputDirs

	var pending []*domain.VideoFile
	var totalAllCount, ignoredSmall, ignoredErr, alreadyCompressed int

	extSet := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		extSet[strings.ToLower(e)] = struct{}{}
	}

	for _, inputDir := range inputDirs {
		isDir, err := scanner.IsDir(inputDir)
		if err != nil || !isDir {
			return Result{}, fmt.Errorf("input root %q is not a directory", inputDir)
		}

		allFiles, err := scanner.WalkAll(inputDir, outputSuffix)
		if err != nil {
			return Result{}, err
		}
		for _, f := range allFiles {
			if _, ok := extSet[strings.ToLower(filepath.Ext(f.Path))]; !ok {
				continue
			}
			totalAllCount++
			if f.Size < cfg.MinSizeBytes {
				ignoredSmall++
			}
		}

		candidates, err := scanner.Walk(inputDir, scanner.Options{
			Extensions:   cfg.Extensions,
			MinSizeBytes: cfg.MinSizeBytes,
			OutputSuffix: outputSuffix,
		})
		if err != nil {
			return Result{}, err
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })

		outputRoot, err := resolver.Resolve(inputDir)
		if err != nil {
			return Result{}, err
		}

		for _, cand := range candidates {
			outputPath, err := OutputPath(outputRoot, inputDir, cand.Path)
			if err != nil {
				continue
			}

			errPath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".err"
			if skip, err := handleErrMarker(errPath, cfg.CleanErrors, cfg.CPUFallback); err != nil {
				return Result{}, err
			} else if skip {
				ignoredErr++
				continue
			}

			if outInfo, err := os.Stat(outputPath); err == nil {
				srcInfo, srcErr := os.Stat(cand.Path)
				if srcErr == nil && !outInfo.ModTime().Before(srcInfo.ModTime()) {
					alreadyCompressed++
					continue
				}
			}

			pending = append(pending, &domain.VideoFile{Path: cand.Path, Size: cand.Size})
		}
	}

	filesFound := totalAllCount - ignoredSmall - ignoredErr

	return Result{
		Pending: pending,
		Counters: Counters{
			FilesFound:         filesFound,
			ToProcess:          len(pending),
			AlreadyCompressed:  alreadyCompressed,
			IgnoredSmall:       ignoredSmall,
			IgnoredErr:         ignoredErr,
			SourceFoldersCount: len(inputDirs),
		},
	}, nil
}

// handleErrMarker applies the error-marker policy: if an .err sidecar
// exists, clean_errors deletes it unconditionally; otherwise the first
// line is inspected for the hardware-capability message, and cpu_fallback
// being on also deletes and proceeds in that case. Returns skip=true if
// the file should be classified ignored_err.
func handleErrMarker(errPath string, cleanErrors, cpuFallback bool) (skip bool, err error) {
	data, statErr := os.ReadFile(errPath)
	if statErr != nil {
		return false, nil // no marker
	}
	if cleanErrors {
		_ = os.Remove(errPath)
		return false, nil
	}
	firstLine := data
	if idx := strings.IndexByte(string(data), '\n'); idx >= 0 {
		firstLine = data[:idx]
	}
	if cpuFallback && strings.Contains(string(firstLine), "Hardware is lacking required capabilities") {
		_ = os.Remove(errPath)
		return false, nil
	}
	return true, nil
}
